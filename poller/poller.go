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

// Package poller schedules periodic status queries for devices. A
// single goroutine and a single timer serve every enrolled device.
package poller

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/abates/insteond"
)

// Log is the logger used by the poller
var Log = insteon.Log.With("component", "poller")

// DeadDeviceCount is the number of poll intervals without a response
// after which a device is reported as overdue
const DeadDeviceCount = 10

// Pollable is a device that can be enrolled with the poller
type Pollable interface {
	Address() insteon.DeviceAddress
	PollInterval() time.Duration
	LastResponse() time.Time
	IsModem() bool
}

// Handler is called from the poller goroutine when a device is due. It
// must not block.
type Handler func(dev Pollable)

// Option configures a Poller
type Option func(p *Poller)

// Clock replaces time.Now, used by tests
func Clock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

type task struct {
	dev      Pollable
	interval time.Duration
	due      time.Time
	enrolled time.Time
	seen     time.Time
	attempts int
	overdue  bool
	index    int
}

// reference is the time the device was last known to be alive
func (t *task) reference() time.Time {
	if t.seen.IsZero() {
		return t.enrolled
	}
	return t.seen
}

type taskHeap []*task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Poller calls its handler for each enrolled device once per poll
// interval
type Poller struct {
	handler Handler
	now     func() time.Time

	mu       sync.Mutex
	tasks    taskHeap
	byAddr   map[insteon.DeviceAddress]*task
	enrolled int

	// survives StopPolling and StopAll so a re-enrolled device is
	// never polled again within its interval
	lastPoll map[insteon.DeviceAddress]time.Time
	stopped  bool

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New starts a poller that calls handler for due devices
func New(handler Handler, options ...Option) *Poller {
	p := &Poller{
		handler:  handler,
		now:      time.Now,
		byAddr:   make(map[insteon.DeviceAddress]*task),
		lastPoll: make(map[insteon.DeviceAddress]time.Time),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	for _, option := range options {
		option(p)
	}

	go p.loop()
	return p
}

func (p *Poller) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// StartPolling enrolls dev. The first poll is staggered by the
// device's position among total devices so that enrolling many
// devices at once does not flood the network. A device polled before
// it was last stopped is not polled again until a full interval has
// passed. Devices that are already enrolled, or that have no poll
// interval, are ignored.
func (p *Poller) StartPolling(dev Pollable, total int) bool {
	interval := dev.PollInterval()
	if interval <= 0 {
		return false
	}

	if total < 1 {
		total = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}

	if _, found := p.byAddr[dev.Address()]; found {
		return false
	}

	now := p.now()
	offset := interval / time.Duration(total) * time.Duration(p.enrolled%total)
	p.enrolled++

	due := now.Add(offset)
	if last, found := p.lastPoll[dev.Address()]; found && due.Before(last.Add(interval)) {
		due = last.Add(interval)
	}

	t := &task{
		dev:      dev,
		interval: interval,
		due:      due,
		enrolled: now,
		seen:     dev.LastResponse(),
	}
	heap.Push(&p.tasks, t)
	p.byAddr[dev.Address()] = t

	Log.Debugf("polling %v every %v, first poll in %v", dev.Address(), interval, due.Sub(now))
	p.signal()
	return true
}

// StopPolling removes the device at addr
func (p *Poller) StopPolling(addr insteon.DeviceAddress) {
	p.mu.Lock()
	if t, found := p.byAddr[addr]; found {
		heap.Remove(&p.tasks, t.index)
		delete(p.byAddr, addr)
		Log.Debugf("stopped polling %v", addr)
	}
	p.mu.Unlock()
	p.signal()
}

// StopAll removes every device
func (p *Poller) StopAll() {
	p.mu.Lock()
	p.tasks = nil
	p.byAddr = make(map[insteon.DeviceAddress]*task)
	p.enrolled = 0
	p.mu.Unlock()
	p.signal()
}

// IsPolling reports whether the device at addr is enrolled
func (p *Poller) IsPolling(addr insteon.DeviceAddress) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, found := p.byAddr[addr]
	return found
}

// Len is the number of enrolled devices
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Overdue returns the enrolled devices that have not responded for
// DeadDeviceCount poll intervals
func (p *Poller) Overdue() []insteon.DeviceAddress {
	p.mu.Lock()
	var addrs []insteon.DeviceAddress
	for addr, t := range p.byAddr {
		if t.overdue {
			addrs = append(addrs, addr)
		}
	}
	p.mu.Unlock()

	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })
	return addrs
}

// Stop ends the poller goroutine. Enrolled devices are discarded and
// the poller cannot be restarted.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		close(p.stop)
	})
	<-p.done

	p.mu.Lock()
	p.tasks = nil
	p.byAddr = make(map[insteon.DeviceAddress]*task)
	p.lastPoll = make(map[insteon.DeviceAddress]time.Time)
	p.mu.Unlock()
}

// due pops every task whose time has come, reschedules it and returns
// the devices to poll along with the wait until the next task
func (p *Poller) due() (devs []Pollable, wait time.Duration, idle bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for len(p.tasks) > 0 && !p.tasks[0].due.After(now) {
		t := p.tasks[0]
		p.check(t, now)
		devs = append(devs, t.dev)
		p.lastPoll[t.dev.Address()] = now

		t.due = now.Add(t.interval)
		heap.Fix(&p.tasks, 0)
	}

	if len(p.tasks) == 0 {
		return devs, 0, true
	}
	return devs, p.tasks[0].due.Sub(now), false
}

// check updates the attempt count and the overdue flag of t
func (p *Poller) check(t *task, now time.Time) {
	if last := t.dev.LastResponse(); last.After(t.seen) {
		t.seen = last
		t.attempts = 0
		if t.overdue {
			Log.Infof("%v is responding again", t.dev.Address())
			t.overdue = false
		}
	}
	t.attempts++

	if t.dev.IsModem() || t.overdue {
		return
	}

	if now.Sub(t.reference()) >= t.interval*DeadDeviceCount {
		t.overdue = true
		Log.Warnf("%v has not responded to %d polls since %v", t.dev.Address(), t.attempts-1, t.reference().Format(time.RFC3339))
	}
}

func (p *Poller) loop() {
	defer close(p.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		devs, wait, idle := p.due()
		for _, dev := range devs {
			Log.Tracef("polling %v", dev.Address())
			p.handler(dev)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}

		if !idle {
			timer.Reset(wait)
		}

		select {
		case <-timer.C:
		case <-p.wake:
		case <-p.stop:
			return
		}
	}
}
