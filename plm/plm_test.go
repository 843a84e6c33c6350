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

package plm

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/abates/insteond"
)

var (
	testModemAddr = insteon.NewAddress(0x01, 0x02, 0x03)
	testDevAddr   = insteon.NewAddress(0x1a, 0x2b, 0x3c)
)

type pipeConn struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (pc *pipeConn) Close() error {
	for _, c := range pc.closers {
		c.Close()
	}
	return nil
}

// fakeModem answers host frames the way a PLM does
type fakeModem struct {
	mu      sync.Mutex
	out     *io.PipeWriter
	records []*Packet
	sent    [][]byte
}

func newFakeModem(records ...*Packet) (*fakeModem, io.ReadWriteCloser) {
	hostR, modemW := io.Pipe()
	modemR, hostW := io.Pipe()
	fm := &fakeModem{out: modemW, records: records}
	go fm.serve(modemR)
	return fm, &pipeConn{Reader: hostR, Writer: hostW, closers: []io.Closer{hostR, hostW}}
}

func (fm *fakeModem) write(frames ...[]byte) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for _, frame := range frames {
		fm.out.Write(frame)
	}
}

func (fm *fakeModem) serve(r io.Reader) {
	reader := newPacketReader(r, false)
	pos := 0
	for {
		pkt, err := reader.ReadPacket()
		if err != nil {
			if IsDecodeError(err) {
				continue
			}
			return
		}

		buf, _ := pkt.MarshalBinary()
		fm.mu.Lock()
		fm.sent = append(fm.sent, buf)
		fm.mu.Unlock()

		switch pkt.Command {
		case CmdGetInfo:
			fm.write([]byte{0x02, 0x60, 0x01, 0x02, 0x03, 0x03, 0x15, 0x9b, 0x06})
		case CmdGetFirstAllLink, CmdGetNextAllLink:
			if pkt.Command == CmdGetFirstAllLink {
				pos = 0
			}

			if pos < len(fm.records) {
				record, _ := fm.records[pos].MarshalBinary()
				pos++
				fm.write([]byte{0x02, byte(pkt.Command), 0x06}, record)
			} else {
				fm.write([]byte{0x02, byte(pkt.Command), 0x15})
			}
		default:
			echo := &Packet{Command: pkt.Command, Payload: pkt.Payload, Ack: 0x06}
			buf, _ := echo.MarshalBinary()
			fm.write(buf)
		}
	}
}

func (fm *fakeModem) frames() [][]byte {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return append([][]byte(nil), fm.sent...)
}

type testEvents struct {
	initialized  chan struct{}
	disconnected chan struct{}
	refreshed    chan struct{}
}

func newTestEvents() *testEvents {
	return &testEvents{
		initialized:  make(chan struct{}, 4),
		disconnected: make(chan struct{}, 4),
		refreshed:    make(chan struct{}, 4),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (te *testEvents) DriverInitialized()  { signal(te.initialized) }
func (te *testEvents) DriverDisconnected() { signal(te.disconnected) }
func (te *testEvents) DatabaseRefreshed()  { signal(te.refreshed) }

func wait(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

type testDriver struct {
	*Driver
	events *testEvents
	modems chan *fakeModem
}

func newTestDriver(t *testing.T, options ...Option) *testDriver {
	td := &testDriver{events: newTestEvents(), modems: make(chan *fakeModem, 4)}
	opener := func() (io.ReadWriteCloser, error) {
		fm, conn := newFakeModem(
			linkRecord(0xe2, 3, testDevAddr),
			linkRecord(0xe2, 1, testDevAddr),
			linkRecord(0xa2, 2, testDevAddr),
		)
		td.modems <- fm
		return conn, nil
	}

	options = append([]Option{Events(td.events), Timeout(200 * time.Millisecond), PortName("test")}, options...)
	d, err := New(opener, options...)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	td.Driver = d
	return td
}

func TestDriverInitialize(t *testing.T) {
	td := newTestDriver(t)
	if err := td.Start(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	wait(t, td.events.initialized, "initialization")

	if !td.IsRunning() {
		t.Errorf("Wanted driver to be running")
	}

	if info := td.ModemInfo(); info == nil || info.Address != testModemAddr {
		t.Errorf("Wanted modem %v got %v", testModemAddr, info)
	}

	if !td.IsModem(testModemAddr) || td.IsModem(testDevAddr) {
		t.Errorf("Wanted only %v to be a modem address", testModemAddr)
	}

	if !reflect.DeepEqual([]insteon.Address{testModemAddr}, td.ModemAddresses()) {
		t.Errorf("Wanted modem addresses [%v] got %v", testModemAddr, td.ModemAddresses())
	}

	entries := td.LockModemDBEntries()
	entry := entries[testDevAddr]
	modem := entries[testModemAddr]
	count := len(entries)
	td.UnlockModemDBEntries()

	if count != 2 {
		t.Errorf("Wanted 2 entries got %d", count)
	}

	if entry == nil || !reflect.DeepEqual([]insteon.Group{1, 3}, entry.Controls) || !reflect.DeepEqual([]insteon.Group{2}, entry.Responds) {
		t.Errorf("Wanted controls [1 3] responds [2] got %v", entry)
	}

	if modem == nil || !modem.Modem || modem.Port != "test" {
		t.Errorf("Wanted modem entry on port test got %v", modem)
	}

	td.Stop()
	td.Stop()
	if td.IsRunning() {
		t.Errorf("Wanted driver to be stopped")
	}

	select {
	case <-td.events.disconnected:
		t.Errorf("Stop must not report a disconnect")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDriverRouting(t *testing.T) {
	td := newTestDriver(t)
	msgs := make(chan *Msg, 8)
	td.AddListener(MsgListenerFunc(func(msg *Msg) { msgs <- msg }))

	if err := td.Start(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer td.Stop()
	wait(t, td.events.initialized, "initialization")
	fm := <-td.modems

	fm.write(
		// direct ack to the modem
		[]byte{0x02, 0x50, 0x1a, 0x2b, 0x3c, 0x01, 0x02, 0x03, 0x2f, 0x19, 0x00},
		// direct message for another modem
		[]byte{0x02, 0x50, 0x1a, 0x2b, 0x3c, 0x44, 0x55, 0x66, 0x0f, 0x11, 0xff},
		// all-link broadcast for group 1
		[]byte{0x02, 0x50, 0x1a, 0x2b, 0x3c, 0x00, 0x00, 0x01, 0xcf, 0x11, 0x00},
		// x10 command without an address
		[]byte{0x02, 0x52, 0x03, 0x80},
		// x10 M5 ON
		[]byte{0x02, 0x52, 0x01, 0x00},
		[]byte{0x02, 0x52, 0x02, 0x80},
	)

	var got []*Msg
	for len(got) < 3 {
		select {
		case msg := <-msgs:
			got = append(got, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d messages", len(got))
		}
	}

	if got[0].Kind != KindStandard || got[0].From != insteon.DeviceAddress(testDevAddr) {
		t.Errorf("Wanted standard message from %v got %v %v", testDevAddr, got[0].Kind, got[0].From)
	}

	if got[1].Kind != KindBroadcast {
		t.Errorf("Wanted broadcast got %v", got[1].Kind)
	} else if group, ok := got[1].Message.Group(); !ok || group != 1 {
		t.Errorf("Wanted group 1 got %v", group)
	}

	m5 := insteon.X10Address{House: 'M', Unit: 5}
	if got[2].Kind != KindX10 || got[2].From != insteon.DeviceAddress(m5) || got[2].X10 != insteon.X10On {
		t.Errorf("Wanted x10 ON from %v got %v", m5, got[2])
	}

	select {
	case msg := <-msgs:
		t.Errorf("Unexpected message %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDriverDisconnect(t *testing.T) {
	td := newTestDriver(t)
	if err := td.Start(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	wait(t, td.events.initialized, "initialization")
	fm := <-td.modems

	fm.out.Close()
	wait(t, td.events.disconnected, "disconnect")

	if td.IsRunning() {
		t.Errorf("Wanted driver to stop running after a disconnect")
	}

	if err := td.Write(&Request{Packet: &Packet{Command: CmdGetInfo}}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Wanted %v got %v", ErrNotRunning, err)
	}

	select {
	case <-td.events.disconnected:
		t.Errorf("Wanted a single disconnect event")
	case <-time.After(50 * time.Millisecond):
	}

	// the driver can be started again
	if err := td.Start(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer td.Stop()
	wait(t, td.events.initialized, "second initialization")
}

func TestDriverRefresh(t *testing.T) {
	td := newTestDriver(t, RefreshInterval(20*time.Millisecond))
	if err := td.Start(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer td.Stop()

	wait(t, td.events.initialized, "initialization")
	wait(t, td.events.refreshed, "refresh")
}

func TestDriverSendX10(t *testing.T) {
	td := newTestDriver(t)
	if err := td.Start(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer td.Stop()
	wait(t, td.events.initialized, "initialization")
	fm := <-td.modems

	err := td.SendX10(context.Background(), insteon.X10Address{House: 'M', Unit: 5}, insteon.X10On)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	frames := fm.frames()
	got := frames[len(frames)-2:]
	want := [][]byte{{0x02, 0x63, 0x01, 0x00}, {0x02, 0x63, 0x02, 0x80}}
	for i := range want {
		if !bytes.Equal(want[i], got[i]) {
			t.Errorf("frame %d: wanted %x got %x", i, want[i], got[i])
		}
	}
}

func TestDriverNotRunning(t *testing.T) {
	td := newTestDriver(t)
	if _, err := td.Send(context.Background(), &Packet{Command: CmdGetInfo}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Wanted %v got %v", ErrNotRunning, err)
	}

	openErr := errors.New("no such port")
	d, _ := New(func() (io.ReadWriteCloser, error) { return nil, openErr })
	if err := d.Start(); !errors.Is(err, openErr) {
		t.Errorf("Wanted %v got %v", openErr, err)
	}
}

func TestDriverQuietTime(t *testing.T) {
	tests := []struct {
		name       string
		writeDelay time.Duration
		pkt        *Packet
		want       time.Duration
	}{
		{"standard", 0, &Packet{Command: CmdSendInsteonMsg, Payload: []byte{0x11, 0x22, 0x33, 0x0f, 0x11, 0xff}}, 600 * time.Millisecond},
		{"extended", 0, &Packet{Command: CmdSendInsteonMsg, Payload: []byte{0x11, 0x22, 0x33, 0x1f, 0x2e, 0x00}}, 1300 * time.Millisecond},
		{"write delay", 100 * time.Millisecond, &Packet{Command: CmdSendInsteonMsg, Payload: []byte{0x11, 0x22, 0x33, 0x0f, 0x11, 0xff}}, 100 * time.Millisecond},
		{"x10", 0, &Packet{Command: CmdSendX10, Payload: []byte{0x01, 0x00}}, X10QuietTime},
		{"modem command", 0, &Packet{Command: CmdGetInfo}, 0},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			d := &Driver{writeDelay: test.writeDelay}
			if got := d.quietTime(test.pkt); got != test.want {
				t.Errorf("Wanted %v got %v", test.want, got)
			}
		})
	}
}
