package inventory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/KimJeHyun91/observer-pro-sub005/api/dispatch"
)

// Lister returns a point-in-time snapshot of registered devices.
type Lister interface {
	ListTargets(ctx context.Context, kind dispatch.DeviceKind, groupID string) ([]dispatch.DeviceTarget, error)
}

// ErrInventoryPathRequired is returned when no inventory file is configured.
var ErrInventoryPathRequired = errors.New("inventory path is required")

type document struct {
	Devices []dispatch.DeviceTarget `yaml:"devices"`
}

// File reads device records from a YAML file on every call. Nothing is
// cached between dispatches.
type File struct {
	path string
}

// NewFile returns a file-backed inventory.
func NewFile(path string) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInventoryPathRequired
	}
	return &File{path: path}, nil
}

// ListTargets returns devices of kind, filtered to groupID when non-empty.
func (f *File) ListTargets(ctx context.Context, kind dispatch.DeviceKind, groupID string) ([]dispatch.DeviceTarget, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read inventory %s: %w", f.path, err)
	}
	devices, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse inventory %s: %w", f.path, err)
	}
	return Filter(devices, kind, groupID), nil
}

// Parse decodes and validates an inventory document.
func Parse(raw []byte) ([]dispatch.DeviceTarget, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	for i, device := range doc.Devices {
		if err := device.Validate(); err != nil {
			return nil, fmt.Errorf("device %d: %w", i, err)
		}
	}
	return doc.Devices, nil
}

// Filter selects devices by kind and optional group, preserving file order.
func Filter(devices []dispatch.DeviceTarget, kind dispatch.DeviceKind, groupID string) []dispatch.DeviceTarget {
	groupID = strings.TrimSpace(groupID)
	out := make([]dispatch.DeviceTarget, 0, len(devices))
	for _, device := range devices {
		if device.Kind != kind {
			continue
		}
		if groupID != "" && device.GroupID != groupID {
			continue
		}
		out = append(out, device)
	}
	return out
}

// Static is an in-memory Lister for tests and fixed deployments.
type Static []dispatch.DeviceTarget

// ListTargets filters the static device list.
func (s Static) ListTargets(ctx context.Context, kind dispatch.DeviceKind, groupID string) ([]dispatch.DeviceTarget, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Filter(s, kind, groupID), nil
}

// ListKinds concatenates snapshots for several kinds in argument order.
func ListKinds(ctx context.Context, lister Lister, groupID string, kinds ...dispatch.DeviceKind) ([]dispatch.DeviceTarget, error) {
	var out []dispatch.DeviceTarget
	for _, kind := range kinds {
		targets, err := lister.ListTargets(ctx, kind, groupID)
		if err != nil {
			return nil, err
		}
		out = append(out, targets...)
	}
	return out, nil
}
