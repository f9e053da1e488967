package onvif

import (
	"os"
	"sync"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Registry is the in-memory map of discovered devices, keyed by device
// identifier. It is read-mostly after discovery; registration and file
// loading may run concurrently with readers.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]Device
	order   []string // ids in first-registration order
}

// NewRegistry returns an empty device registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]Device)}
}

// Register adds discovered devices to the registry. A device id seen
// for the first time creates an entry; a conflicting id with different
// address data overwrites the prior entry, since device addresses can
// legitimately change between runs. Returns the registered entries,
// one per distinct id, so duplicated input ids collapse to the
// last-write-wins entry.
func (r *Registry) Register(devices []Device) []Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	batch := make(map[string]bool, len(devices))
	for _, dev := range devices {
		if dev.ID == "" {
			continue
		}
		if _, exists := r.devices[dev.ID]; !exists {
			r.order = append(r.order, dev.ID)
		}
		r.devices[dev.ID] = dev
		if !batch[dev.ID] {
			batch[dev.ID] = true
			ids = append(ids, dev.ID)
		}
	}

	out := make([]Device, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.devices[id])
	}
	return out
}

// Get returns the device with the given identifier.
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[id]
	return dev, ok
}

// Devices returns all registered devices in first-registration order.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.devices[id])
	}
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// LoadFromFile reads a persisted device list and registers its
// entries, skipping network discovery for the session. A missing file
// satisfies errors.IsNotFound and signals "use network discovery".
func (r *Registry) LoadFromFile(path string) ([]Device, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.NotFoundf("device list %q", path)
	}
	if err != nil {
		return nil, errors.Annotate(err, "reading device list")
	}

	var devices []Device
	if err := yaml.Unmarshal(data, &devices); err != nil {
		return nil, errors.Annotate(err, "parsing device list")
	}

	return r.Register(devices), nil
}

// SaveToFile writes the current registry contents as a device list
// that a later session can load instead of broadcasting.
func (r *Registry) SaveToFile(path string) error {
	devices := r.Devices()
	if len(devices) == 0 {
		return errors.NotValidf("saving empty device list")
	}

	data, err := yaml.Marshal(devices)
	if err != nil {
		return errors.Annotate(err, "encoding device list")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Annotate(err, "writing device list")
	}
	return nil
}
