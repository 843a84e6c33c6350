package devices

import (
	"fmt"
	"sort"
	"sync"

	"github.com/abates/insteond"
)

// Registry holds the configured devices keyed by address
type Registry struct {
	mu      sync.RWMutex
	devices map[insteon.DeviceAddress]*Device
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{devices: make(map[insteon.DeviceAddress]*Device)}
}

// Add registers dev. Only one device may use an address.
func (r *Registry) Add(dev *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.devices[dev.Address()]; found {
		return fmt.Errorf("%w: %v", ErrDuplicateDevice, dev.Address())
	}
	r.devices[dev.Address()] = dev
	return nil
}

// Get returns the device at addr
func (r *Registry) Get(addr insteon.DeviceAddress) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, found := r.devices[addr]
	return dev, found
}

// Remove deletes the device at addr and returns it
func (r *Registry) Remove(addr insteon.DeviceAddress) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, found := r.devices[addr]
	delete(r.devices, addr)
	return dev, found
}

// Len is the number of registered devices
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Devices returns the registered devices ordered by address
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	list := make([]*Device, 0, len(r.devices))
	for _, dev := range r.devices {
		list = append(list, dev)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].Address().String() < list[j].Address().String()
	})
	return list
}

// Each calls fn for every device. fn runs without the registry lock
// held.
func (r *Registry) Each(fn func(*Device)) {
	for _, dev := range r.Devices() {
		fn(dev)
	}
}
