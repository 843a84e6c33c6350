package binding

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/abates/insteond"
	"github.com/abates/insteond/devices"
	"github.com/abates/insteond/plm"
)

var (
	modemAddr    = insteon.NewAddress(0x01, 0x02, 0x03)
	linkedAddr   = insteon.NewAddress(0x1a, 0x2b, 0x3c)
	unlinkedAddr = insteon.NewAddress(0x44, 0x55, 0x66)
	strangerAddr = insteon.NewAddress(0x77, 0x88, 0x99)
	x10Addr      = insteon.X10Address{House: 'M', Unit: 5}
)

type fakeTransport struct {
	dbMu       sync.Mutex
	mu         sync.Mutex
	running    bool
	starts     int
	stops      int
	failStarts int
	autoAck    bool
	written    []*plm.Request
	entries    map[insteon.DeviceAddress]*plm.ModemDBEntry
	listener   plm.MsgListener
	events     plm.EventHandler
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		autoAck: true,
		entries: map[insteon.DeviceAddress]*plm.ModemDBEntry{
			modemAddr:    {Address: modemAddr, Port: "/dev/ttyUSB0", Modem: true},
			linkedAddr:   {Address: linkedAddr, Port: "/dev/ttyUSB0", Controls: []insteon.Group{1, 3}, Responds: []insteon.Group{2}},
			strangerAddr: {Address: strangerAddr, Port: "/dev/ttyUSB0", Responds: []insteon.Group{1}},
		},
	}
}

func (ft *fakeTransport) connect(events plm.EventHandler) (Transport, error) {
	ft.events = events
	return ft, nil
}

func (ft *fakeTransport) Start() error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.starts++
	if ft.failStarts > 0 {
		ft.failStarts--
		return plm.ErrNotRunning
	}
	ft.running = true
	return nil
}

func (ft *fakeTransport) Stop() {
	ft.mu.Lock()
	ft.stops++
	ft.running = false
	ft.mu.Unlock()
}

func (ft *fakeTransport) IsRunning() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.running
}

func (ft *fakeTransport) PortName() string { return "/dev/ttyUSB0" }

func (ft *fakeTransport) Write(req *plm.Request) error {
	ft.mu.Lock()
	if !ft.running {
		ft.mu.Unlock()
		return plm.ErrNotRunning
	}
	ft.written = append(ft.written, req)
	autoAck := ft.autoAck
	ft.mu.Unlock()

	if autoAck && req.Done != nil {
		req.Done(&plm.Packet{Command: req.Packet.Command, Ack: 0x06}, nil)
	}
	return nil
}

func (ft *fakeTransport) AddListener(listener plm.MsgListener) { ft.listener = listener }

func (ft *fakeTransport) LockModemDBEntries() map[insteon.DeviceAddress]*plm.ModemDBEntry {
	ft.dbMu.Lock()
	return ft.entries
}

func (ft *fakeTransport) UnlockModemDBEntries() { ft.dbMu.Unlock() }

func (ft *fakeTransport) IsModem(addr insteon.DeviceAddress) bool { return addr == modemAddr }

func (ft *fakeTransport) ModemInfo() *plm.Info { return &plm.Info{Address: modemAddr} }

func (ft *fakeTransport) disconnect() {
	ft.mu.Lock()
	ft.running = false
	ft.mu.Unlock()
	ft.events.DriverDisconnected()
}

func (ft *fakeTransport) setAutoAck(autoAck bool) {
	ft.mu.Lock()
	ft.autoAck = autoAck
	ft.mu.Unlock()
}

func (ft *fakeTransport) startCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.starts
}

func (ft *fakeTransport) writes() []*plm.Request {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]*plm.Request(nil), ft.written...)
}

type mockListener struct {
	mock.Mock
}

func (m *mockListener) DeviceNotLinked(addr insteon.DeviceAddress)        { m.Called(addr) }
func (m *mockListener) MissingDevicesFound(addrs []insteon.DeviceAddress) { m.Called(addrs) }
func (m *mockListener) BindingDisconnected()                              { m.Called() }
func (m *mockListener) DeviceCreated()                                    { m.Called() }

func newTestBinding(t *testing.T, options ...Option) (*Binding, *fakeTransport, *mockListener) {
	t.Helper()
	ft := newFakeTransport()
	ml := &mockListener{}
	ml.On("DeviceCreated")

	b, err := New(ft.connect, append(options, WithListener(ml))...)
	require.NoError(t, err)
	t.Cleanup(b.Stop)

	_, err = b.AddDevice(linkedAddr, "2477S", nil)
	require.NoError(t, err)
	_, err = b.AddDevice(unlinkedAddr, "2477D", nil)
	require.NoError(t, err)
	_, err = b.AddDevice(x10Addr, "X10-switch", nil)
	require.NoError(t, err)
	return b, ft, ml
}

func initialize(t *testing.T, b *Binding, ft *fakeTransport, ml *mockListener) {
	t.Helper()
	ml.On("DeviceNotLinked", unlinkedAddr).Once()
	ml.On("MissingDevicesFound", []insteon.DeviceAddress{strangerAddr}).Once()
	require.NoError(t, b.Start())
	ft.events.DriverInitialized()
}

func TestReconcile(t *testing.T) {
	b, ft, ml := newTestBinding(t)
	assert.False(t, b.IsInitialized())

	initialize(t, b, ft, ml)
	ml.AssertExpectations(t)
	assert.True(t, b.IsInitialized())

	linked, _ := b.Device(linkedAddr)
	unlinked, _ := b.Device(unlinkedAddr)
	x10, _ := b.Device(x10Addr)

	assert.True(t, linked.HasModemEntry())
	assert.Equal(t, devices.StatusPolling, linked.Status())
	assert.Equal(t, devices.StatusUninitialized, unlinked.Status())
	assert.Equal(t, devices.StatusUninitialized, x10.Status())

	// the first enrolled device is polled right away
	assert.Eventually(t, func() bool { return len(ft.writes()) > 0 }, time.Second, time.Millisecond)
	req := ft.writes()[0]
	assert.Equal(t, byte(0x19), req.Packet.Payload[4])

	// a refresh does not enroll the device twice
	ml.On("DeviceNotLinked", unlinkedAddr).Once()
	ml.On("MissingDevicesFound", []insteon.DeviceAddress{strangerAddr}).Once()
	ft.events.DatabaseRefreshed()
	ml.AssertExpectations(t)
	assert.Equal(t, 1, b.Status().Polling)
}

func TestInitializedAfterReport(t *testing.T) {
	b, ft, ml := newTestBinding(t)

	var duringReport []bool
	record := func(mock.Arguments) { duringReport = append(duringReport, b.IsInitialized()) }
	ml.On("DeviceNotLinked", unlinkedAddr).Run(record).Once()
	ml.On("MissingDevicesFound", []insteon.DeviceAddress{strangerAddr}).Run(record).Once()
	require.NoError(t, b.Start())
	ft.events.DriverInitialized()

	ml.AssertExpectations(t)
	assert.Equal(t, []bool{false, false}, duringReport)
	assert.True(t, b.IsInitialized())
}

func TestDatabaseInfo(t *testing.T) {
	b, _, _ := newTestBinding(t)

	want := []string{
		"01.02.03: this is the modem itself (port /dev/ttyUSB0)",
		"1a.2b.3c: modem controls groups [1,3] and responds to groups [2] on port /dev/ttyUSB0",
		"77.88.99: modem controls groups [] and responds to groups [1] on port /dev/ttyUSB0",
	}
	assert.Equal(t, want, b.DatabaseInfo())
}

type stateRecorder struct {
	mu     sync.Mutex
	states []devices.State
}

func (sr *stateRecorder) StateChanged(addr insteon.DeviceAddress, feature string, state devices.State) {
	sr.mu.Lock()
	sr.states = append(sr.states, state)
	sr.mu.Unlock()
}

func (sr *stateRecorder) get() []devices.State {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return append([]devices.State(nil), sr.states...)
}

func TestRoute(t *testing.T) {
	b, ft, _ := newTestBinding(t)

	sr := &stateRecorder{}
	require.NoError(t, b.AddDeviceListener(linkedAddr, "switch", sr))
	assert.ErrorIs(t, b.AddDeviceListener(strangerAddr, "switch", sr), ErrUnknownDevice)
	assert.ErrorIs(t, b.AddDeviceListener(linkedAddr, "dimmer", sr), devices.ErrUnknownFeature)

	broadcast := func(src insteon.Address) *plm.Msg {
		msg := &insteon.Message{
			Src:     src,
			Dst:     insteon.NewAddress(0, 0, 1),
			Flags:   insteon.StandardAllLinkBroadcast,
			Command: insteon.CmdLightOn,
		}
		return &plm.Msg{Kind: plm.KindBroadcast, From: src, Message: msg}
	}

	ft.listener.HandleMsg(broadcast(strangerAddr))
	ft.listener.HandleMsg(broadcast(linkedAddr))
	assert.Equal(t, []devices.State{devices.StateOn}, sr.get())

	ft.listener.HandleMsg(&plm.Msg{Kind: plm.KindX10, From: x10Addr, X10: insteon.X10Off})
	x10, _ := b.Device(x10Addr)
	f, _ := x10.Feature("switch")
	assert.Equal(t, devices.StateOff, f.State())
}

func TestSendCommand(t *testing.T) {
	b, ft, _ := newTestBinding(t)
	b.Channels().Bind("porch", linkedAddr, "switch")
	b.Channels().Bind("garage", x10Addr, "switch")
	b.Channels().Bind("ghost", strangerAddr, "switch")

	ctx := context.Background()
	assert.ErrorIs(t, b.SendCommand(ctx, "porch", devices.Command{Kind: devices.CmdOn}), plm.ErrNotRunning)

	require.NoError(t, b.Start())
	assert.ErrorIs(t, b.SendCommand(ctx, "attic", devices.Command{Kind: devices.CmdOn}), ErrUnknownChannel)
	assert.ErrorIs(t, b.SendCommand(ctx, "ghost", devices.Command{Kind: devices.CmdOn}), ErrUnknownDevice)
	assert.ErrorIs(t, b.SendCommand(ctx, "porch", devices.Percent(50)), devices.ErrUnsupportedCommand)

	require.NoError(t, b.SendCommand(ctx, "porch", devices.Command{Kind: devices.CmdOn}))
	written := ft.writes()
	require.Len(t, written, 1)
	assert.Equal(t, []byte{0x1a, 0x2b, 0x3c, 0x0f, 0x11, 0xff}, written[0].Packet.Payload)

	require.NoError(t, b.SendCommand(ctx, "garage", devices.Command{Kind: devices.CmdOff}))
	assert.Len(t, ft.writes(), 3)
	garage, _ := b.Device(x10Addr)
	f, _ := garage.Feature("switch")
	assert.Equal(t, devices.StateOff, f.State())
}

func TestSendCommandTimeout(t *testing.T) {
	b, ft, _ := newTestBinding(t)
	b.Channels().Bind("porch", linkedAddr, "switch")
	require.NoError(t, b.Start())
	ft.setAutoAck(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.SendCommand(ctx, "porch", devices.Command{Kind: devices.CmdOff}), context.DeadlineExceeded)
}

func TestSendCommandFailure(t *testing.T) {
	b, ft, _ := newTestBinding(t)
	b.Channels().Bind("porch", linkedAddr, "switch")
	require.NoError(t, b.Start())
	ft.setAutoAck(false)

	errs := make(chan error, 1)
	go func() { errs <- b.SendCommand(context.Background(), "porch", devices.Command{Kind: devices.CmdOff}) }()

	require.Eventually(t, func() bool { return len(ft.writes()) == 1 }, time.Second, time.Millisecond)
	ft.writes()[0].Done(nil, plm.ErrAckTimeout)
	assert.ErrorIs(t, <-errs, plm.ErrAckTimeout)
}

func TestAddDeviceAfterInitialize(t *testing.T) {
	b, ft, ml := newTestBinding(t)
	initialize(t, b, ft, ml)

	dev, err := b.AddDevice(strangerAddr, "2477S", nil)
	require.NoError(t, err)
	assert.Equal(t, devices.StatusPolling, dev.Status())

	other := insteon.NewAddress(0xaa, 0xbb, 0xcc)
	ml.On("DeviceNotLinked", other).Once()
	_, err = b.AddDevice(other, "2477S", nil)
	require.NoError(t, err)

	_, err = b.AddDevice(other, "2477D", nil)
	assert.ErrorIs(t, err, ErrDuplicateDevice)

	_, err = b.AddDevice(insteon.NewAddress(0xaa, 0xbb, 0xcd), "9999", nil)
	assert.ErrorIs(t, err, devices.ErrUnknownProduct)
	ml.AssertExpectations(t)
}

func TestRemoveDevice(t *testing.T) {
	b, ft, ml := newTestBinding(t)
	b.Channels().Bind("porch", linkedAddr, "switch")
	initialize(t, b, ft, ml)
	require.Equal(t, 1, b.Status().Polling)

	require.NoError(t, b.RemoveDevice(linkedAddr))
	assert.Equal(t, 0, b.Status().Polling)
	assert.ErrorIs(t, b.RemoveDevice(linkedAddr), ErrUnknownDevice)
	assert.ErrorIs(t, b.SendCommand(context.Background(), "porch", devices.Command{Kind: devices.CmdOn}), ErrUnknownDevice)
}

func TestReconnect(t *testing.T) {
	b, ft, ml := newTestBinding(t, Backoff(time.Millisecond, 2*time.Millisecond))
	initialize(t, b, ft, ml)

	ml.On("BindingDisconnected").Once()
	ft.mu.Lock()
	ft.failStarts = 2
	ft.mu.Unlock()
	ft.disconnect()

	linked, _ := b.Device(linkedAddr)
	assert.Equal(t, devices.StatusUninitialized, linked.Status())
	assert.False(t, b.IsInitialized())
	assert.Equal(t, 0, b.Status().Polling)

	assert.Eventually(t, ft.IsRunning, time.Second, time.Millisecond)
	assert.Equal(t, 4, ft.startCount())
	ml.AssertExpectations(t)

	// reconciliation after the reconnect enrolls the device again
	ml.On("DeviceNotLinked", unlinkedAddr).Once()
	ml.On("MissingDevicesFound", []insteon.DeviceAddress{strangerAddr}).Once()
	ft.events.DriverInitialized()
	assert.Equal(t, devices.StatusPolling, linked.Status())
}

func TestStop(t *testing.T) {
	b, ft, ml := newTestBinding(t, Backoff(time.Millisecond))
	initialize(t, b, ft, ml)

	b.Stop()
	b.Stop()
	assert.False(t, ft.IsRunning())
	assert.False(t, b.IsInitialized())
	assert.ErrorIs(t, b.Start(), ErrStopped)

	// a late disconnect is not reported and does not reconnect
	ft.events.DriverDisconnected()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, ft.startCount())
	ml.AssertNotCalled(t, "BindingDisconnected")
}
