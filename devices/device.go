// Copyright 2018 Andrew Bates
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package devices models the devices configured on the network. A
// Device owns its features, translates inbound messages into feature
// state and translates commands into modem frames.
package devices

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/abates/insteond"
	"github.com/abates/insteond/plm"
)

// Log is the logger used by the devices package
var Log = insteon.Log.With("component", "devices")

const (
	// BroadcastStateTimeout is the window in which repeated group
	// broadcasts and their cleanups are treated as one event
	BroadcastStateTimeout = 2 * time.Second

	// DirectAckTimeout is how long a query waits for the device to
	// answer before the reply is no longer expected
	DirectAckTimeout = 6 * time.Second

	// RefreshDelay is the pause before re-querying a feature whose
	// state is settling (e.g. a dimmer ramping up)
	RefreshDelay = time.Second

	// DefaultPollInterval is used when the device configuration does
	// not name one
	DefaultPollInterval = 300 * time.Second
)

// Status of a device with respect to polling
type Status int

const (
	StatusUninitialized Status = iota
	StatusPolling
)

func (s Status) String() string {
	if s == StatusPolling {
		return "POLLING"
	}
	return "UNINITIALIZED"
}

// Refresher schedules a poll of the given features after delay
type Refresher func(dev *Device, delay time.Duration, features ...*Feature)

type seenKey struct {
	group insteon.Group
	cmd1  byte
}

type pendingReply struct {
	feature  *Feature
	complete func(cmd2 byte)
	expires  time.Time
}

// Device is a configured Insteon or X10 device
type Device struct {
	addr         insteon.DeviceAddress
	product      *Product
	pollInterval time.Duration
	features     []*Feature
	byName       map[string]*Feature

	mu            sync.Mutex
	status        Status
	hasModemEntry bool
	lastResponse  time.Time
	pending       []*pendingReply
	seen          map[seenKey]time.Time
	refresher     Refresher

	now func() time.Time
}

// New creates a device for the product key. The only parameter
// understood is poll_interval, a duration ("5m") or a number of
// seconds.
func New(addr insteon.DeviceAddress, productKey string, params map[string]string) (*Device, error) {
	product, err := Lookup(productKey)
	if err != nil {
		return nil, err
	}

	if addr.X10() != product.X10 {
		return nil, fmt.Errorf("%w: %v for %s", ErrAddressType, addr, product.Key)
	}

	d := &Device{
		addr:         addr,
		product:      product,
		pollInterval: DefaultPollInterval,
		byName:       make(map[string]*Feature),
		seen:         make(map[seenKey]time.Time),
		now:          time.Now,
	}

	for key, value := range params {
		switch key {
		case "poll_interval":
			if d.pollInterval, err = parseInterval(value); err != nil {
				return nil, fmt.Errorf("%w poll_interval %q: %v", ErrInvalidParameter, value, err)
			}
		default:
			Log.Debugf("%v ignoring parameter %s", addr, key)
		}
	}

	if product.Battery || product.X10 || product.Modem {
		d.pollInterval = 0
	}

	for _, spec := range product.features {
		f := spec.build(d, nil)
		d.features = append(d.features, f)
	}

	d.walk(func(f *Feature) { d.byName[f.name] = f })
	return d, nil
}

func parseInterval(value string) (time.Duration, error) {
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	return time.ParseDuration(value)
}

// walk calls fn for every feature, groups before their children
func (d *Device) walk(fn func(*Feature)) {
	var visit func([]*Feature)
	visit = func(features []*Feature) {
		for _, f := range features {
			fn(f)
			visit(f.children)
		}
	}
	visit(d.features)
}

func (d *Device) leaves() []*Feature {
	var leaves []*Feature
	d.walk(func(f *Feature) {
		if !f.IsGroup() {
			leaves = append(leaves, f)
		}
	})
	return leaves
}

// Address of the device
func (d *Device) Address() insteon.DeviceAddress { return d.addr }

// Product the device was created from
func (d *Device) Product() *Product { return d.product }

// PollInterval is zero for devices that are never polled
func (d *Device) PollInterval() time.Duration { return d.pollInterval }

// IsModem reports whether the device is the modem itself
func (d *Device) IsModem() bool { return d.product.Modem }

// Pollable reports whether the poller should query the device
func (d *Device) Pollable() bool {
	if d.pollInterval <= 0 {
		return false
	}

	pollable := false
	d.walk(func(f *Feature) { pollable = pollable || f.Polled() })
	return pollable
}

// Features returns the top level features
func (d *Device) Features() []*Feature { return d.features }

// Feature finds a feature by name, including features inside groups
func (d *Device) Feature(name string) (*Feature, error) {
	if f, found := d.byName[name]; found {
		return f, nil
	}
	return nil, fmt.Errorf("%w %q on %v", ErrUnknownFeature, name, d.addr)
}

// AddListener registers l with the named feature
func (d *Device) AddListener(feature string, l Listener) error {
	f, err := d.Feature(feature)
	if err == nil {
		f.AddListener(l)
	}
	return err
}

// Status returns the polling status
func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// SetStatus changes the polling status
func (d *Device) SetStatus(status Status) {
	d.mu.Lock()
	d.status = status
	d.mu.Unlock()
}

// HasModemEntry reports whether the device was found in the modem
// link database
func (d *Device) HasModemEntry() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasModemEntry
}

// MarkModemEntry sets the modem entry flag. It returns false if the
// flag was already set.
func (d *Device) MarkModemEntry() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hasModemEntry {
		return false
	}
	d.hasModemEntry = true
	return true
}

// LastResponse is the time the device was last heard from
func (d *Device) LastResponse() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastResponse
}

// SetRefresher sets the function used to schedule follow up polls
func (d *Device) SetRefresher(r Refresher) {
	d.mu.Lock()
	d.refresher = r
	d.mu.Unlock()
}

// Reset clears outstanding replies and returns the device to the
// uninitialized state
func (d *Device) Reset() {
	d.mu.Lock()
	d.pending = nil
	d.status = StatusUninitialized
	d.mu.Unlock()
}

func (d *Device) scheduleRefresh(features ...*Feature) {
	d.mu.Lock()
	refresher := d.refresher
	d.mu.Unlock()

	if refresher != nil {
		refresher(d, RefreshDelay, features...)
	}
}

// manualChange reports whether cmd starts or stops a press and hold.
// A quick second press and hold is a new event, not a repeat.
func manualChange(cmd insteon.Command) bool {
	cmd1 := cmd.Command1()
	return cmd1 == insteon.CmdLightStartManual.Command1() || cmd1 == insteon.CmdLightStopManual.Command1()
}

// duplicate reports whether the group message was already seen
// within BroadcastStateTimeout
func (d *Device) duplicate(key seenKey, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for k, t := range d.seen {
		if now.Sub(t) >= BroadcastStateTimeout {
			delete(d.seen, k)
		}
	}

	if _, found := d.seen[key]; found {
		return true
	}
	d.seen[key] = now
	return false
}

func (d *Device) expect(f *Feature, complete func(cmd2 byte)) {
	d.mu.Lock()
	d.pending = append(d.pending, &pendingReply{
		feature:  f,
		complete: complete,
		expires:  d.now().Add(DirectAckTimeout),
	})
	d.mu.Unlock()
}

// nextReply removes and returns the oldest reply that has not expired
func (d *Device) nextReply(now time.Time) *pendingReply {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.pending) > 0 {
		reply := d.pending[0]
		d.pending[0] = nil
		d.pending = d.pending[1:]
		if now.Before(reply.expires) {
			return reply
		}
		Log.Debugf("%v reply for %s expired", d.addr, reply.feature)
	}
	return nil
}

// PendingReplies is the number of replies the device still owes
func (d *Device) PendingReplies() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// HandleMessage updates the device from a routed message
func (d *Device) HandleMessage(msg *plm.Msg) {
	now := d.now()
	d.mu.Lock()
	d.lastResponse = now
	d.mu.Unlock()

	if msg.Kind == plm.KindX10 {
		for _, f := range d.leaves() {
			f.handleX10(msg.X10)
		}
		return
	}

	m := msg.Message
	if m == nil {
		Log.Debugf("%v ignoring %v", d.addr, msg)
		return
	}

	group, isGroup := m.Group()
	if isGroup && !manualChange(m.Command) && d.duplicate(seenKey{group, m.Command.Command1()}, now) {
		Log.Debugf("%v dropping duplicate %v", d.addr, m)
		return
	}

	switch m.Flags.Type() {
	case insteon.MsgTypeDirectAck:
		if reply := d.nextReply(now); reply != nil {
			reply.complete(m.Command.Command2())
		} else {
			Log.Debugf("%v unexpected ack %v", d.addr, m)
		}
		return
	case insteon.MsgTypeDirectNak:
		if reply := d.nextReply(now); reply != nil {
			Log.Warnf("%v refused request for %s", d.addr, reply.feature)
		}
		return
	case insteon.MsgTypeAllLinkCleanupAck, insteon.MsgTypeAllLinkCleanupNak:
		return
	}

	if !isGroup {
		group = 1
	}

	handled := false
	for _, f := range d.leaves() {
		if f.handleMessage(m, group) {
			handled = true
		}
	}

	if !handled {
		Log.Debugf("%v no feature handles %v", d.addr, m)
	}
}

func (d *Device) packet(cmd insteon.Command) (*plm.Packet, error) {
	addr, ok := d.addr.(insteon.Address)
	if !ok {
		return nil, fmt.Errorf("%w: %v is not an insteon address", ErrAddressType, d.addr)
	}

	return plm.NewInsteonPacket(&insteon.Message{
		Dst:     addr,
		Flags:   insteon.StandardDirectMessage,
		Command: cmd,
	})
}

// polledFeature returns the feature whose query refreshes f
func polledFeature(f *Feature) *Feature {
	for ; f != nil; f = f.parent {
		if f.query != nil {
			return f
		}
	}
	return nil
}

// Poll returns the status queries for the given features, or for
// every polled feature when none are given. Replies are expected once
// the modem has accepted each query.
func (d *Device) Poll(features ...*Feature) []*plm.Request {
	if len(features) == 0 {
		d.walk(func(f *Feature) {
			if f.Polled() {
				features = append(features, f)
			}
		})
	}

	var requests []*plm.Request
	queued := make(map[*Feature]bool)
	for _, f := range features {
		f = polledFeature(f)
		if f == nil || queued[f] {
			continue
		}
		queued[f] = true

		pkt, err := d.packet(*f.query)
		if err != nil {
			Log.Infof("%v cannot poll %s: %v", d.addr, f, err)
			continue
		}

		feature := f
		requests = append(requests, &plm.Request{
			Packet: pkt,
			Done: func(ack *plm.Packet, err error) {
				if err != nil {
					Log.Infof("%v poll of %s failed: %v", d.addr, feature, err)
					return
				}
				d.expect(feature, func(cmd2 byte) { feature.reply(feature, cmd2) })
			},
		})
	}
	return requests
}

// Command translates cmd for the named feature into modem requests.
// The feature state is updated once the command is acknowledged.
func (d *Device) Command(feature string, cmd Command) ([]*plm.Request, error) {
	f, err := d.Feature(feature)
	if err != nil {
		return nil, err
	}

	if cmd.Kind == CmdRefresh {
		requests := d.Poll(f)
		if len(requests) == 0 {
			return nil, unsupported(f, cmd)
		}
		return requests, nil
	}

	if f.command == nil {
		return nil, unsupported(f, cmd)
	}

	packets, state, err := f.command(f, cmd)
	if err != nil {
		return nil, err
	}

	requests := make([]*plm.Request, len(packets))
	for i, pkt := range packets {
		requests[i] = &plm.Request{Packet: pkt}
	}

	if len(requests) > 0 {
		requests[len(requests)-1].Done = func(ack *plm.Packet, err error) {
			if err != nil {
				Log.Infof("%v %v for %s failed: %v", d.addr, cmd, f, err)
				return
			}
			d.commandSent(f, state)
		}
	}
	return requests, nil
}

func (d *Device) commandSent(f *Feature, state State) {
	apply := func() {
		if state == StateUnknown {
			d.scheduleRefresh(f)
		} else {
			f.Set(state)
		}
	}

	// x10 is one way, there is no acknowledgement to wait for
	if d.addr.X10() {
		apply()
		return
	}
	d.expect(f, func(byte) { apply() })
}

func (d *Device) String() string {
	return fmt.Sprintf("%v (%s)", d.addr, d.product.Key)
}
