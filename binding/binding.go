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

// Package binding ties the modem driver, the configured devices and
// the poller together. It routes inbound messages to devices,
// reconciles the configuration with the modem link database and
// reconnects when the modem goes away.
package binding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/abates/insteond"
	"github.com/abates/insteond/devices"
	"github.com/abates/insteond/plm"
	"github.com/abates/insteond/poller"
)

// Log is the logger used by the binding
var Log = insteon.Log.With("component", "binding")

var (
	ErrUnknownChannel  = errors.New("unknown channel")
	ErrUnknownDevice   = errors.New("unknown device")
	ErrDuplicateDevice = errors.New("device already exists")
	ErrStopped         = errors.New("binding has been stopped")
)

// DefaultBackoff is the wait before each reconnect attempt. The last
// delay repeats until the modem comes back.
var DefaultBackoff = []time.Duration{
	time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	30 * time.Second,
}

// Transport is the modem connection used by the binding. *plm.Driver
// satisfies it.
type Transport interface {
	Start() error
	Stop()
	IsRunning() bool
	PortName() string
	Write(req *plm.Request) error
	AddListener(listener plm.MsgListener)
	LockModemDBEntries() map[insteon.DeviceAddress]*plm.ModemDBEntry
	UnlockModemDBEntries()
	IsModem(addr insteon.DeviceAddress) bool
	ModemInfo() *plm.Info
}

// Connector creates the transport and arranges for its lifecycle
// events to reach events
type Connector func(events plm.EventHandler) (Transport, error)

// Modem returns a Connector for a plm.Driver
func Modem(opener plm.Opener, options ...plm.Option) Connector {
	return func(events plm.EventHandler) (Transport, error) {
		options := append(options[:len(options):len(options)], plm.Events(events))
		return plm.New(opener, options...)
	}
}

// Option configures a Binding
type Option func(b *Binding)

// WithListener sets the receiver of binding notifications
func WithListener(l Listener) Option {
	return func(b *Binding) { b.listener = l }
}

// WithChannels sets the channel table used by SendCommand
func WithChannels(ct *ChannelTable) Option {
	return func(b *Binding) { b.channels = ct }
}

// Backoff replaces DefaultBackoff
func Backoff(delays ...time.Duration) Option {
	return func(b *Binding) { b.backoff = delays }
}

// Binding is the entry point to the device network
type Binding struct {
	transport Transport
	listener  Listener
	channels  *ChannelTable
	registry  *devices.Registry
	backoff   []time.Duration

	// held for writing during reconciliation so routing never sees a
	// half reconciled registry
	routeMu sync.RWMutex

	mu          sync.Mutex
	poller      *poller.Poller
	initialized bool
	stopped     bool
	reconnect   *time.Timer
	timers      map[*time.Timer]struct{}
}

// events adapts the binding to plm.EventHandler
type events struct{ b *Binding }

func (e events) DriverInitialized()  { e.b.reconcile() }
func (e events) DatabaseRefreshed()  { e.b.reconcile() }
func (e events) DriverDisconnected() { e.b.disconnected() }

// New creates a stopped binding
func New(connect Connector, options ...Option) (*Binding, error) {
	b := &Binding{
		listener: LogListener{},
		channels: NewChannelTable(),
		registry: devices.NewRegistry(),
		backoff:  DefaultBackoff,
		timers:   make(map[*time.Timer]struct{}),
	}

	for _, option := range options {
		option(b)
	}

	transport, err := connect(events{b})
	if err != nil {
		return nil, err
	}
	b.transport = transport
	transport.AddListener(plm.MsgListenerFunc(b.route))
	return b, nil
}

// Channels is the channel table used by SendCommand
func (b *Binding) Channels() *ChannelTable { return b.channels }

// Transport is the underlying modem connection
func (b *Binding) Transport() Transport { return b.transport }

// Start creates the poller and connects to the modem. Devices start
// polling once the modem link database has been read.
func (b *Binding) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrStopped
	}

	if b.poller == nil {
		b.poller = poller.New(b.poll)
	}
	return b.transport.Start()
}

// Reconnect keeps trying to start the transport using the back-off
// delays until it succeeds or the binding is stopped
func (b *Binding) Reconnect() {
	b.scheduleReconnect(0)
}

func (b *Binding) scheduleReconnect(attempt int) {
	if len(b.backoff) == 0 {
		return
	}

	delay := b.backoff[len(b.backoff)-1]
	if attempt < len(b.backoff) {
		delay = b.backoff[attempt]
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}

	if b.reconnect != nil {
		b.reconnect.Stop()
	}

	Log.Infof("reconnecting to %s in %v", b.transport.PortName(), delay)
	b.reconnect = time.AfterFunc(delay, func() {
		b.mu.Lock()
		if b.stopped {
			b.mu.Unlock()
			return
		}
		err := b.transport.Start()
		b.mu.Unlock()

		if err != nil {
			Log.Infof("reconnect failed: %v", err)
			b.scheduleReconnect(attempt + 1)
		}
	})
}

// Stop disconnects from the modem. Polling stops first, then the
// transport, which fails every queued request. A stopped binding
// cannot be started again.
func (b *Binding) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.initialized = false

	if b.reconnect != nil {
		b.reconnect.Stop()
	}

	for timer := range b.timers {
		timer.Stop()
	}
	b.timers = make(map[*time.Timer]struct{})
	p := b.poller
	b.mu.Unlock()

	if p != nil {
		p.Stop()
	}
	b.transport.Stop()
	b.registry.Each(func(dev *devices.Device) { dev.Reset() })
}

// IsInitialized reports whether the configuration has been reconciled
// with the current modem link database
func (b *Binding) IsInitialized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

func (b *Binding) scheduler() *poller.Poller {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.poller
}

func (b *Binding) disconnected() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.initialized = false
	for timer := range b.timers {
		timer.Stop()
	}
	b.timers = make(map[*time.Timer]struct{})
	p := b.poller
	b.mu.Unlock()

	if p != nil {
		p.StopAll()
	}
	b.registry.Each(func(dev *devices.Device) { dev.Reset() })

	b.listener.BindingDisconnected()
	b.scheduleReconnect(0)
}

// AddDevice creates and registers a device. When the modem link
// database is already known the device is checked against it right
// away.
func (b *Binding) AddDevice(addr insteon.DeviceAddress, productKey string, params map[string]string) (*devices.Device, error) {
	dev, err := devices.New(addr, productKey, params)
	if err != nil {
		return nil, err
	}
	dev.SetRefresher(b.refresh)

	b.routeMu.Lock()
	err = b.registry.Add(dev)
	if err != nil {
		b.routeMu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrDuplicateDevice, addr)
	}

	var notLinked bool
	if b.IsInitialized() {
		entries := b.transport.LockModemDBEntries()
		notLinked = b.check(dev, entries, len(entries))
		b.transport.UnlockModemDBEntries()
	}
	b.routeMu.Unlock()

	Log.Infof("added %v", dev)
	if notLinked {
		b.listener.DeviceNotLinked(addr)
	}
	b.listener.DeviceCreated()
	return dev, nil
}

// RemoveDevice stops polling the device at addr and forgets it
func (b *Binding) RemoveDevice(addr insteon.DeviceAddress) error {
	b.routeMu.Lock()
	dev, found := b.registry.Remove(addr)
	b.routeMu.Unlock()

	if !found {
		return fmt.Errorf("%w: %v", ErrUnknownDevice, addr)
	}

	if p := b.scheduler(); p != nil {
		p.StopPolling(addr)
	}
	dev.Reset()
	Log.Infof("removed %v", dev)
	return nil
}

// Device returns the device at addr
func (b *Binding) Device(addr insteon.DeviceAddress) (*devices.Device, error) {
	if dev, found := b.registry.Get(addr); found {
		return dev, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownDevice, addr)
}

// Devices returns every configured device ordered by address
func (b *Binding) Devices() []*devices.Device {
	return b.registry.Devices()
}

// AddDeviceListener registers l with a feature of the device at addr
func (b *Binding) AddDeviceListener(addr insteon.DeviceAddress, feature string, l devices.Listener) error {
	dev, err := b.Device(addr)
	if err != nil {
		return err
	}
	return dev.AddListener(feature, l)
}

// route delivers a message to the device it came from
func (b *Binding) route(msg *plm.Msg) {
	b.routeMu.RLock()
	defer b.routeMu.RUnlock()

	dev, found := b.registry.Get(msg.From)
	if !found {
		Log.Debugf("dropping message from unconfigured device: %v", msg)
		return
	}
	dev.HandleMessage(msg)
}

// check compares one device with the link database. It reports
// whether the device should have been linked but was not.
func (b *Binding) check(dev *devices.Device, entries map[insteon.DeviceAddress]*plm.ModemDBEntry, total int) (notLinked bool) {
	addr := dev.Address()
	entry, found := entries[addr]
	if !found {
		// x10 devices never appear in the link database
		return !addr.X10()
	}

	if dev.MarkModemEntry() {
		Log.Infof("%v", entry)
	}

	if dev.Status() != devices.StatusPolling {
		dev.SetStatus(devices.StatusPolling)
		if p := b.scheduler(); p != nil {
			p.StartPolling(dev, total)
		}
	}
	return false
}

// reconcile cross checks the configured devices with the modem link
// database
func (b *Binding) reconcile() {
	var notLinked, missing []insteon.DeviceAddress

	b.routeMu.Lock()
	entries := b.transport.LockModemDBEntries()
	for _, dev := range b.registry.Devices() {
		if b.check(dev, entries, len(entries)) {
			notLinked = append(notLinked, dev.Address())
		}
	}

	for addr, entry := range entries {
		if _, found := b.registry.Get(addr); !found && !entry.Modem {
			missing = append(missing, addr)
		}
	}
	b.transport.UnlockModemDBEntries()
	b.routeMu.Unlock()

	for _, addr := range notLinked {
		b.listener.DeviceNotLinked(addr)
	}

	if len(missing) > 0 {
		sort.Slice(missing, func(i, j int) bool { return missing[i].String() < missing[j].String() })
		b.listener.MissingDevicesFound(missing)
	}

	// only marked once every link problem has been reported
	b.mu.Lock()
	b.initialized = !b.stopped
	b.mu.Unlock()
}

// DatabaseInfo describes each link database entry, ordered by address
func (b *Binding) DatabaseInfo() []string {
	entries := b.transport.LockModemDBEntries()
	defer b.transport.UnlockModemDBEntries()

	info := make([]string, 0, len(entries))
	for _, entry := range entries {
		info = append(info, entry.String())
	}
	sort.Strings(info)
	return info
}

// write enqueues requests for dev. Done is called with the error for
// requests that could not be enqueued.
func (b *Binding) write(dev *devices.Device, requests []*plm.Request) {
	for _, req := range requests {
		if err := b.transport.Write(req); err != nil {
			Log.Infof("%v: %v", dev, err)
			if req.Done != nil {
				req.Done(nil, err)
			}
		}
	}
}

func (b *Binding) poll(p poller.Pollable) {
	dev, ok := p.(*devices.Device)
	if !ok {
		return
	}
	b.write(dev, dev.Poll())
}

// refresh polls features of dev after delay
func (b *Binding) refresh(dev *devices.Device, delay time.Duration, features ...*devices.Feature) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		_, pending := b.timers[timer]
		delete(b.timers, timer)
		b.mu.Unlock()

		if pending {
			b.write(dev, dev.Poll(features...))
		}
	})
	b.timers[timer] = struct{}{}
}

// SendCommand sends cmd to the feature bound to channelID and waits
// until the modem has accepted every frame or ctx is done
func (b *Binding) SendCommand(ctx context.Context, channelID string, cmd devices.Command) error {
	ch, err := b.channels.Lookup(channelID)
	if err != nil {
		return err
	}

	dev, err := b.Device(ch.Address)
	if err != nil {
		return err
	}

	requests, err := dev.Command(ch.Feature, cmd)
	if err != nil {
		return err
	}

	results := make(chan error, len(requests))
	for _, req := range requests {
		done := req.Done
		req.Done = func(ack *plm.Packet, err error) {
			if done != nil {
				done(ack, err)
			}
			results <- err
		}
	}
	b.write(dev, requests)

	errs := insteon.NewAggregateError()
	for range requests {
		select {
		case err := <-results:
			errs.Append(err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%v %s %v: %w", dev, ch.Feature, cmd, err)
	}
	return nil
}

// Status summarizes the binding for diagnostics
type Status struct {
	Port        string                  `json:"port"`
	Running     bool                    `json:"running"`
	Initialized bool                    `json:"initialized"`
	Modem       *plm.Info               `json:"modem,omitempty"`
	Devices     int                     `json:"devices"`
	Polling     int                     `json:"polling"`
	Overdue     []insteon.DeviceAddress `json:"overdue,omitempty"`
}

// Status returns the current state of the binding
func (b *Binding) Status() Status {
	status := Status{
		Port:        b.transport.PortName(),
		Running:     b.transport.IsRunning(),
		Initialized: b.IsInitialized(),
		Modem:       b.transport.ModemInfo(),
		Devices:     b.registry.Len(),
	}

	if p := b.scheduler(); p != nil {
		status.Polling = p.Len()
		status.Overdue = p.Overdue()
	}
	return status
}
