package readback

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// InstanceProvider creates HAL instances. Registered hal backends and
// noop.API both satisfy it.
type InstanceProvider interface {
	CreateInstance(desc *hal.InstanceDescriptor) (hal.Instance, error)
}

// Backend is a named source of adapters.
type Backend struct {
	Name      string
	Instances InstanceProvider
}

// Backend names accepted by LookupBackend.
const (
	BackendVulkan = "vulkan"
	BackendNoop   = "noop"
)

// LookupBackend resolves a backend by name.
//
// "vulkan" requires the Vulkan loader at runtime; "noop" is a headless
// backend that executes nothing and is meant for dry runs and tests.
func LookupBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case BackendVulkan:
		b, ok := hal.GetBackend(gputypes.BackendVulkan)
		if !ok {
			return Backend{}, fmt.Errorf("readback: backend %q is not registered", name)
		}
		return Backend{Name: BackendVulkan, Instances: b}, nil
	case BackendNoop:
		return Backend{Name: BackendNoop, Instances: &noop.API{}}, nil
	default:
		return Backend{}, fmt.Errorf("readback: unknown backend %q (known: %s)",
			name, strings.Join(BackendNames(), ", "))
	}
}

// BackendNames lists the names accepted by LookupBackend.
func BackendNames() []string {
	names := []string{BackendVulkan, BackendNoop}
	sort.Strings(names)
	return names
}

// defaultBackends is the selection used when no backend is configured:
// every registered hardware backend, no preference among them.
func defaultBackends() []Backend {
	b, err := LookupBackend(BackendVulkan)
	if err != nil {
		return nil
	}
	return []Backend{b}
}
