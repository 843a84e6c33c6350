package binding

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/abates/insteond"
)

// Channel names the feature of a device that a channel id controls
type Channel struct {
	Address insteon.DeviceAddress
	Feature string
}

func (c Channel) String() string {
	return fmt.Sprintf("%v/%s", c.Address, c.Feature)
}

// ChannelTable maps channel ids to device features. The table is owned
// by the configuration and may be changed while the binding runs.
type ChannelTable struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewChannelTable returns an empty table
func NewChannelTable() *ChannelTable {
	return &ChannelTable{channels: make(map[string]Channel)}
}

// Bind associates id with the feature of the device at addr,
// replacing any previous binding of id
func (ct *ChannelTable) Bind(id string, addr insteon.DeviceAddress, feature string) {
	ct.mu.Lock()
	ct.channels[id] = Channel{Address: addr, Feature: feature}
	ct.mu.Unlock()
}

// Unbind removes id
func (ct *ChannelTable) Unbind(id string) {
	ct.mu.Lock()
	delete(ct.channels, id)
	ct.mu.Unlock()
}

// UnbindDevice removes every channel of the device at addr
func (ct *ChannelTable) UnbindDevice(addr insteon.DeviceAddress) {
	ct.mu.Lock()
	for id, ch := range ct.channels {
		if ch.Address == addr {
			delete(ct.channels, id)
		}
	}
	ct.mu.Unlock()
}

// Lookup resolves a channel id
func (ct *ChannelTable) Lookup(id string) (Channel, error) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	if ch, found := ct.channels[id]; found {
		return ch, nil
	}
	return Channel{}, fmt.Errorf("%w %q", ErrUnknownChannel, id)
}

// Find returns the id bound to a device feature
func (ct *ChannelTable) Find(addr insteon.DeviceAddress, feature string) (string, bool) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	for id, ch := range ct.channels {
		if ch.Address == addr && strings.EqualFold(ch.Feature, feature) {
			return id, true
		}
	}
	return "", false
}

// IDs returns the bound channel ids in order
func (ct *ChannelTable) IDs() []string {
	ct.mu.RLock()
	ids := make([]string, 0, len(ct.channels))
	for id := range ct.channels {
		ids = append(ids, id)
	}
	ct.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
