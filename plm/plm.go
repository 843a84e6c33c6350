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

// Package plm drives an Insteon PowerLinc Modem over a serial
// connection. It decodes the modem frame stream, keeps a copy of the
// modem link database and serializes every outbound frame through a
// single request queue.
package plm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/abates/insteond"
)

// Log is the logger used by the plm package
var Log = insteon.Log.With("component", "plm")

var (
	ErrReadTimeout    = errors.New("timeout reading from plm")
	ErrNoSync         = errors.New("no sync byte received")
	ErrUnknownCommand = errors.New("unknown plm command")
	ErrFrameLength    = errors.New("invalid frame length")
	ErrNotInsteon     = errors.New("frame does not carry an insteon message")
	ErrAckTimeout     = errors.New("timeout waiting for ack from the plm")
	ErrNak            = errors.New("plm responded with a NAK")
	ErrQueueStopped   = errors.New("request queue stopped")
	ErrNotRunning     = errors.New("plm driver is not running")
)

const (
	// DefaultRetries is the number of times a frame is resent to a
	// busy modem
	DefaultRetries = 3

	// DefaultTimeout is how long to wait for the modem to echo a
	// command
	DefaultTimeout = 3 * time.Second

	// X10QuietTime is the pause after each X10 frame. The power line
	// needs time to carry the X10 signal.
	X10QuietTime = 500 * time.Millisecond

	dbReadAttempts   = 3
	infoReadAttempts = 3
)

func hexDump(format string, buf []byte, sep string) string {
	str := make([]string, len(buf))
	for i, b := range buf {
		str[i] = fmt.Sprintf(format, b)
	}
	return strings.Join(str, sep)
}

// Msg is a frame routed to listeners. From is the Insteon source
// address or, for X10, the correlated house/unit address.
type Msg struct {
	Kind    Kind
	From    insteon.DeviceAddress
	Packet  *Packet
	Message *insteon.Message
	X10     insteon.X10Command
}

func (m *Msg) String() string {
	if m.Kind == KindX10 {
		return fmt.Sprintf("%v x10 %v", m.From, m.X10)
	}
	if m.Message != nil {
		return m.Message.String()
	}
	return m.Packet.String()
}

// MsgListener receives every routed message. HandleMsg is called from
// the read loop and must not block.
type MsgListener interface {
	HandleMsg(msg *Msg)
}

// MsgListenerFunc adapts a function to the MsgListener interface
type MsgListenerFunc func(msg *Msg)

// HandleMsg calls fn(msg)
func (fn MsgListenerFunc) HandleMsg(msg *Msg) { fn(msg) }

// EventHandler receives driver lifecycle events
type EventHandler interface {
	// DriverInitialized is called once per connection after the
	// modem link database has been read
	DriverInitialized()

	// DriverDisconnected is called at most once per connection when
	// the connection fails. It is not called after Stop.
	DriverDisconnected()

	// DatabaseRefreshed is called after each periodic link database
	// refresh
	DatabaseRefreshed()
}

type connection struct {
	rwc     io.ReadWriteCloser
	queue   *RequestQueue
	records chan *Packet
	ctx     context.Context
	cancel  context.CancelFunc

	readDone       chan struct{}
	stopping       bool
	closeOnce      sync.Once
	disconnectOnce sync.Once
}

func (conn *connection) shutdown() {
	conn.closeOnce.Do(func() {
		conn.cancel()
		conn.queue.Stop()
		if err := conn.rwc.Close(); err != nil {
			Log.Debugf("closing port: %v", err)
		}
	})
}

// Driver owns the connection to one modem
type Driver struct {
	opener     Opener
	portName   string
	timeout    time.Duration
	writeDelay time.Duration
	retries    int
	refresh    time.Duration
	recorder   *Recorder
	events     EventHandler

	db  ModemDB
	x10 X10Correlator

	mu        sync.Mutex
	conn      *connection
	info      *Info
	modems    map[insteon.Address]bool
	listeners []MsgListener
}

// New creates a stopped driver that connects with opener
func New(opener Opener, options ...Option) (*Driver, error) {
	d := &Driver{
		opener:   opener,
		portName: "plm",
		timeout:  DefaultTimeout,
		retries:  DefaultRetries,
		modems:   make(map[insteon.Address]bool),
	}

	for _, o := range options {
		err := o(d)
		if err != nil {
			Log.Infof("error setting plm option: %v", err)
			return nil, err
		}
	}
	return d, nil
}

// PortName is the name the driver was configured with
func (d *Driver) PortName() string { return d.portName }

// Start opens the port and starts the read loop and request queue.
// The modem info and link database are read in the background.
// Calling Start on a running driver does nothing.
func (d *Driver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return nil
	}

	rwc, err := d.opener()
	if err != nil {
		return fmt.Errorf("opening %s: %w", d.portName, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn := &connection{
		rwc:      rwc,
		records:  make(chan *Packet, 1),
		ctx:      ctx,
		cancel:   cancel,
		readDone: make(chan struct{}),
	}
	conn.queue = NewRequestQueue(func(pkt *Packet) error { return d.writePacket(conn, pkt) },
		AckTimeout(d.timeout),
		Retries(d.retries),
		QuietTimeFunc(d.quietTime),
	)

	d.conn = conn
	d.x10.Reset()
	conn.queue.Start()
	go d.readLoop(conn)
	go d.initialize(conn)
	Log.Infof("connected to %s", d.portName)
	return nil
}

// Stop closes the connection. Stop is idempotent and does not fire
// DriverDisconnected.
func (d *Driver) Stop() {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	if conn != nil {
		conn.stopping = true
	}
	d.mu.Unlock()

	if conn == nil {
		return
	}

	conn.shutdown()

	// some serial drivers do not unblock a pending read on close
	select {
	case <-conn.readDone:
	case <-time.After(d.timeout):
		Log.Debugf("read loop for %s did not exit", d.portName)
	}
	Log.Infof("disconnected from %s", d.portName)
}

// IsRunning reports whether the driver has an open connection
func (d *Driver) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}

func (d *Driver) current() (*connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil, ErrNotRunning
	}
	return d.conn, nil
}

// quietTime is the default pause after a frame. Insteon frames wait
// for the message to cross the power line once per hop.
func (d *Driver) quietTime(pkt *Packet) time.Duration {
	switch pkt.Command {
	case CmdSendX10:
		return X10QuietTime
	case CmdSendInsteonMsg:
		if d.writeDelay > 0 {
			return d.writeDelay
		}

		flags, ok := pkt.Byte(FieldMessageFlags)
		if !ok {
			return 0
		}

		ttl := time.Duration(insteon.Flags(flags).TTL())
		if insteon.Flags(flags).Extended() {
			return time.Second * 26 * ttl / 60
		}
		return time.Second * 12 * ttl / 60
	}
	return 0
}

func (d *Driver) writePacket(conn *connection, pkt *Packet) error {
	buf, err := pkt.MarshalBinary()
	if err != nil {
		return err
	}

	Log.Tracef("TX %v", pkt)
	d.recorder.Record(d.portName, DirectionTx, buf)
	_, err = conn.rwc.Write(buf)
	if err != nil {
		d.disconnect(conn, err)
	}
	return err
}

func (d *Driver) readLoop(conn *connection) {
	defer close(conn.readDone)
	reader := newPacketReader(conn.rwc, true)
	for {
		pkt, err := reader.ReadPacket()
		if err != nil {
			if IsDecodeError(err) {
				Log.Infof("discarding frame: %v", err)
				continue
			}
			d.disconnect(conn, err)
			return
		}

		if d.recorder != nil {
			if buf, err := pkt.MarshalBinary(); err == nil {
				d.recorder.Record(d.portName, DirectionRx, buf)
			}
		}
		Log.Tracef("RX %v", pkt)
		d.dispatch(conn, pkt)
	}
}

func (d *Driver) disconnect(conn *connection, cause error) {
	conn.disconnectOnce.Do(func() {
		d.mu.Lock()
		intentional := conn.stopping
		if d.conn == conn {
			d.conn = nil
		}
		d.mu.Unlock()

		go conn.shutdown()
		if intentional {
			return
		}

		if errors.Is(cause, io.EOF) {
			Log.Warnf("%s closed", d.portName)
		} else {
			Log.Warnf("%s failed: %v", d.portName, cause)
		}

		if d.events != nil {
			d.events.DriverDisconnected()
		}
	})
}

func (d *Driver) dispatch(conn *connection, pkt *Packet) {
	kind := pkt.Kind()
	switch kind {
	case KindEcho, KindPureNak:
		conn.queue.Acknowledge(pkt)
	case KindLinkRecord:
		select {
		case conn.records <- pkt:
		default:
			Log.Debugf("dropping unexpected %v", pkt)
		}
	case KindX10:
		raw, _ := pkt.Byte(FieldRawX10)
		flag, _ := pkt.Byte(FieldX10Flag)
		if addr, cmd, ok := d.x10.Feed(raw, flag); ok {
			d.notify(&Msg{Kind: kind, From: addr, Packet: pkt, X10: cmd})
		}
	case KindBroadcast, KindStandard, KindExtended:
		msg, err := pkt.InsteonMessage()
		if err != nil {
			Log.Infof("discarding %v: %v", pkt, err)
			return
		}

		if !msg.Broadcast() && !d.IsModem(msg.Dst) {
			Log.Tracef("ignoring message for %v", msg.Dst)
			return
		}
		d.notify(&Msg{Kind: kind, From: msg.Src, Packet: pkt, Message: msg})
	default:
		Log.Debugf("unhandled %v", pkt)
	}
}

// AddListener registers a listener for routed messages
func (d *Driver) AddListener(listener MsgListener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, listener)
	d.mu.Unlock()
}

func (d *Driver) notify(msg *Msg) {
	d.mu.Lock()
	listeners := d.listeners
	d.mu.Unlock()

	for _, listener := range listeners {
		listener.HandleMsg(msg)
	}
}

func (d *Driver) initialize(conn *connection) {
	var info *Info
	var err error
	for attempt := 0; attempt < infoReadAttempts; attempt++ {
		if info, err = d.queryInfo(conn); err == nil || conn.ctx.Err() != nil {
			break
		}
		Log.Infof("modem info query failed: %v", err)
	}

	if err != nil {
		d.disconnect(conn, fmt.Errorf("querying modem info: %w", err))
		return
	}

	d.mu.Lock()
	d.info = info
	d.modems[info.Address] = true
	d.mu.Unlock()
	Log.Infof("modem %v", info)

	if err = d.loadModemDB(conn, info.Address); err != nil {
		d.disconnect(conn, err)
		return
	}

	if d.events != nil {
		d.events.DriverInitialized()
	}

	if d.refresh <= 0 {
		return
	}

	ticker := time.NewTicker(d.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := d.loadModemDB(conn, info.Address); err != nil {
				Log.Infof("modem link database refresh failed: %v", err)
				continue
			}

			if d.events != nil {
				d.events.DatabaseRefreshed()
			}
		case <-conn.ctx.Done():
			return
		}
	}
}

func (d *Driver) queryInfo(conn *connection) (*Info, error) {
	ack, err := conn.queue.Send(conn.ctx, &Packet{Command: CmdGetInfo})
	if err != nil {
		return nil, err
	}

	info := &Info{}
	return info, info.UnmarshalBinary(ack.Payload)
}

func (d *Driver) loadModemDB(conn *connection, modem insteon.Address) (err error) {
	var entries map[insteon.DeviceAddress]*ModemDBEntry
	for attempt := 0; attempt < dbReadAttempts; attempt++ {
		entries, err = readModemDB(conn.ctx, conn.queue, conn.records, d.timeout, d.portName, modem)
		if err == nil {
			d.db.Replace(entries)
			Log.Infof("modem link database has %d entries", len(entries))
			return nil
		}

		if conn.ctx.Err() != nil {
			break
		}
		Log.Infof("reading modem link database: %v", err)
	}
	return err
}

// LockModemDBEntries returns the link database snapshot and holds the
// read lock. Every call must be paired with UnlockModemDBEntries and
// the snapshot must not be used after it.
func (d *Driver) LockModemDBEntries() map[insteon.DeviceAddress]*ModemDBEntry {
	return d.db.Lock()
}

// UnlockModemDBEntries releases the lock taken by LockModemDBEntries
func (d *Driver) UnlockModemDBEntries() {
	d.db.Unlock()
}

// ModemAddresses returns the addresses of every modem this driver has
// been connected to
func (d *Driver) ModemAddresses() []insteon.Address {
	d.mu.Lock()
	defer d.mu.Unlock()
	addrs := make([]insteon.Address, 0, len(d.modems))
	for addr := range d.modems {
		addrs = append(addrs, addr)
	}
	return addrs
}

// IsModem reports whether addr belongs to the modem
func (d *Driver) IsModem(addr insteon.DeviceAddress) bool {
	a, ok := addr.(insteon.Address)
	if !ok {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.modems[a]
}

// ModemInfo is the identity reported by the modem, nil until the
// driver has queried it
func (d *Driver) ModemInfo() *Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

// Write enqueues req on the request queue. Done is called when the
// modem echoes the frame or the request fails.
func (d *Driver) Write(req *Request) error {
	conn, err := d.current()
	if err != nil {
		return err
	}
	return conn.queue.Enqueue(req)
}

// Send writes pkt and waits for the modem echo
func (d *Driver) Send(ctx context.Context, pkt *Packet) (*Packet, error) {
	conn, err := d.current()
	if err != nil {
		return nil, err
	}
	return conn.queue.Send(ctx, pkt)
}

// SendX10 sends the address frame followed by the command frame and
// waits for both echoes
func (d *Driver) SendX10(ctx context.Context, addr insteon.X10Address, cmd insteon.X10Command) error {
	packets, err := NewX10Packets(addr, cmd)
	if err != nil {
		return err
	}

	for _, pkt := range packets {
		if _, err := d.Send(ctx, pkt); err != nil {
			return fmt.Errorf("sending x10 %v to %v: %w", cmd, addr, err)
		}
	}
	return nil
}
