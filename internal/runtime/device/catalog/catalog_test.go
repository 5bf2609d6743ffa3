package catalog

import (
	"reflect"
	"testing"

	"github.com/KimJeHyun91/observer-pro-sub005/api/dispatch"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/device/contracts"
)

func TestNewCatalogOrdersKinds(t *testing.T) {
	t.Parallel()

	catalog, err := NewCatalog([]contracts.Adapter{
		contracts.StaticAdapter{DeviceKind: dispatch.KindSpeakerVendorB},
		contracts.StaticAdapter{DeviceKind: dispatch.KindGate},
		contracts.StaticAdapter{DeviceKind: dispatch.KindBillboard},
	})
	if err != nil {
		t.Fatalf("unexpected catalog build error: %v", err)
	}
	want := []dispatch.DeviceKind{dispatch.KindBillboard, dispatch.KindGate, dispatch.KindSpeakerVendorB}
	if got := catalog.Kinds(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected kinds: got %v want %v", got, want)
	}
	if _, ok := catalog.Adapter(dispatch.KindGate); !ok {
		t.Fatalf("expected gate adapter")
	}
	if _, ok := catalog.Adapter(dispatch.KindSpeakerVendorA); ok {
		t.Fatalf("expected vendor A adapter to be missing")
	}
}

func TestNewCatalogRejectsInvalidAdapters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		adapters []contracts.Adapter
	}{
		{name: "nil", adapters: []contracts.Adapter{nil}},
		{name: "unknown_kind", adapters: []contracts.Adapter{contracts.StaticAdapter{DeviceKind: "camera"}}},
		{name: "duplicate", adapters: []contracts.Adapter{
			contracts.StaticAdapter{DeviceKind: dispatch.KindGate},
			contracts.StaticAdapter{DeviceKind: dispatch.KindGate},
		}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewCatalog(tc.adapters); err == nil {
				t.Fatalf("expected catalog build to fail")
			}
		})
	}
}

func TestValidateCoverage(t *testing.T) {
	t.Parallel()

	catalog, err := NewCatalog([]contracts.Adapter{contracts.StaticAdapter{DeviceKind: dispatch.KindGate}})
	if err != nil {
		t.Fatalf("unexpected catalog build error: %v", err)
	}
	if err := catalog.ValidateCoverage(dispatch.KindGate); err != nil {
		t.Fatalf("unexpected coverage error: %v", err)
	}
	if err := catalog.ValidateCoverage(dispatch.AllKinds()...); err == nil {
		t.Fatalf("expected missing kinds to fail coverage")
	}
}
