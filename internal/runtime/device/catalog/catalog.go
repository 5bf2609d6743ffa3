package catalog

import (
	"fmt"
	"sort"

	"github.com/KimJeHyun91/observer-pro-sub005/api/dispatch"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/device/contracts"
)

// Catalog stores one command adapter per device kind.
type Catalog struct {
	adapters map[dispatch.DeviceKind]contracts.Adapter
	ordered  []dispatch.DeviceKind
}

// NewCatalog creates a deterministic adapter catalog.
func NewCatalog(adapters []contracts.Adapter) (Catalog, error) {
	catalog := Catalog{adapters: make(map[dispatch.DeviceKind]contracts.Adapter, len(adapters))}

	for _, adapter := range adapters {
		if adapter == nil {
			return Catalog{}, fmt.Errorf("adapter cannot be nil")
		}
		kind := adapter.Kind()
		if err := kind.Validate(); err != nil {
			return Catalog{}, err
		}
		if _, exists := catalog.adapters[kind]; exists {
			return Catalog{}, fmt.Errorf("duplicate adapter for device kind %q", kind)
		}
		catalog.adapters[kind] = adapter
		catalog.ordered = append(catalog.ordered, kind)
	}
	sort.Slice(catalog.ordered, func(i, j int) bool { return catalog.ordered[i] < catalog.ordered[j] })
	return catalog, nil
}

// Adapter returns the adapter registered for kind.
func (c Catalog) Adapter(kind dispatch.DeviceKind) (contracts.Adapter, bool) {
	adapter, ok := c.adapters[kind]
	return adapter, ok
}

// Kinds returns registered device kinds in sorted order.
func (c Catalog) Kinds() []dispatch.DeviceKind {
	out := make([]dispatch.DeviceKind, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// ValidateCoverage fails when any of kinds has no adapter.
func (c Catalog) ValidateCoverage(kinds ...dispatch.DeviceKind) error {
	for _, kind := range kinds {
		if _, ok := c.adapters[kind]; !ok {
			return fmt.Errorf("no adapter registered for device kind %q", kind)
		}
	}
	return nil
}
