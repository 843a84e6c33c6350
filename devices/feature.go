package devices

import (
	"strconv"
	"sync"

	"github.com/abates/insteond"
	"github.com/abates/insteond/plm"
)

// State is the value a feature publishes to its listeners
type State string

// Common states
const (
	StateUnknown State = ""
	StateOn      State = "ON"
	StateOff     State = "OFF"
	StateOpen    State = "OPEN"
	StateClosed  State = "CLOSED"
)

// PercentState is the state of a dimmable feature
func PercentState(n int) State {
	return State(strconv.Itoa(n))
}

// Listener is notified when a feature changes state
type Listener interface {
	StateChanged(addr insteon.DeviceAddress, feature string, state State)
}

// ListenerFunc adapts a function to the Listener interface
type ListenerFunc func(addr insteon.DeviceAddress, feature string, state State)

// StateChanged calls fn
func (fn ListenerFunc) StateChanged(addr insteon.DeviceAddress, feature string, state State) {
	fn(addr, feature, state)
}

// MessageHandler reacts to an inbound insteon message whose cmd1 it
// was registered for
type MessageHandler func(f *Feature, msg *insteon.Message)

// X10Handler reacts to an inbound X10 command
type X10Handler func(f *Feature, cmd insteon.X10Command)

// ReplyHandler decodes the cmd2 byte of a status reply
type ReplyHandler func(f *Feature, cmd2 byte)

// CommandHandler translates a command into frames. The returned state
// is applied once the device acknowledges the command.
type CommandHandler func(f *Feature, cmd Command) ([]*plm.Packet, State, error)

// featureSpec describes a feature of a product. Every device gets its
// own Feature instances built from the spec.
type featureSpec struct {
	name     string
	group    insteon.Group
	messages map[byte]MessageHandler
	x10      X10Handler
	reply    ReplyHandler
	query    *insteon.Command
	command  CommandHandler
	children []featureSpec
}

func (spec featureSpec) build(dev *Device, parent *Feature) *Feature {
	f := &Feature{
		name:     spec.name,
		group:    spec.group,
		device:   dev,
		parent:   parent,
		messages: spec.messages,
		x10:      spec.x10,
		reply:    spec.reply,
		query:    spec.query,
		command:  spec.command,
	}

	for _, child := range spec.children {
		f.children = append(f.children, child.build(dev, f))
	}
	return f
}

// Feature is a named capability of a device such as a relay, a load or
// a keypad button. A feature group only contains other features and
// has no state of its own.
type Feature struct {
	name     string
	group    insteon.Group
	device   *Device
	parent   *Feature
	children []*Feature

	messages map[byte]MessageHandler
	x10      X10Handler
	reply    ReplyHandler
	query    *insteon.Command
	command  CommandHandler

	mu        sync.Mutex
	state     State
	listeners []Listener
}

// Name of the feature, unique within its device
func (f *Feature) Name() string { return f.name }

// Group is the all-link group the feature answers to. Zero matches any
// group.
func (f *Feature) Group() insteon.Group { return f.group }

// IsGroup indicates the feature only contains other features
func (f *Feature) IsGroup() bool { return len(f.children) > 0 }

// Children returns the features contained in a feature group
func (f *Feature) Children() []*Feature { return f.children }

// Parent is the containing feature group, nil for top level features
func (f *Feature) Parent() *Feature { return f.parent }

// Device that owns the feature
func (f *Feature) Device() *Device { return f.device }

// Polled reports whether the feature is refreshed by device polls
func (f *Feature) Polled() bool { return f.query != nil }

// State returns the last state published by the feature
func (f *Feature) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// AddListener registers l for state changes. The feature does not
// own the listener.
func (f *Feature) AddListener(l Listener) {
	f.mu.Lock()
	f.listeners = append(f.listeners, l)
	f.mu.Unlock()
}

// Set updates the state and notifies listeners when it changed
func (f *Feature) Set(state State) {
	f.mu.Lock()
	if f.state == state {
		f.mu.Unlock()
		return
	}
	f.state = state
	listeners := f.listeners
	f.mu.Unlock()

	Log.Debugf("%v %s is %s", f.device.Address(), f.name, state)
	for _, l := range listeners {
		l.StateChanged(f.device.Address(), f.name, state)
	}
}

// matches reports whether a message for group should be offered to
// the feature
func (f *Feature) matches(group insteon.Group) bool {
	return f.group == 0 || f.group == group
}

func (f *Feature) handleMessage(msg *insteon.Message, group insteon.Group) bool {
	handler, found := f.messages[msg.Command.Command1()]
	if !found || !f.matches(group) {
		return false
	}
	handler(f, msg)
	return true
}

func (f *Feature) handleX10(cmd insteon.X10Command) bool {
	if f.x10 == nil {
		return false
	}
	f.x10(f, cmd)
	return true
}

func (f *Feature) String() string {
	return f.name
}
