package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abates/insteond"
	"github.com/abates/insteond/binding"
	"github.com/abates/insteond/devices"
	"github.com/abates/insteond/plm"
)

type sent struct {
	channel string
	cmd     devices.Command
}

type fakeBackend struct {
	status  binding.Status
	linkdb  []string
	devices []*devices.Device
	sendErr error
	sent    []sent
}

func (fb *fakeBackend) Status() binding.Status     { return fb.status }
func (fb *fakeBackend) DatabaseInfo() []string     { return fb.linkdb }
func (fb *fakeBackend) Devices() []*devices.Device { return fb.devices }

func (fb *fakeBackend) Device(addr insteon.DeviceAddress) (*devices.Device, error) {
	for _, dev := range fb.devices {
		if dev.Address() == addr {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", binding.ErrUnknownDevice, addr)
}

func (fb *fakeBackend) SendCommand(ctx context.Context, channelID string, cmd devices.Command) error {
	fb.sent = append(fb.sent, sent{channelID, cmd})
	return fb.sendErr
}

func newBackend(t *testing.T) *fakeBackend {
	t.Helper()
	dimmer, err := devices.New(insteon.Address(0x1a2b3c), "2477D", nil)
	require.NoError(t, err)
	f, err := dimmer.Feature("dimmer")
	require.NoError(t, err)
	f.Set(devices.PercentState(40))

	x10, err := devices.New(insteon.X10Address{House: 'M', Unit: 5}, "X10-switch", nil)
	require.NoError(t, err)

	return &fakeBackend{
		status: binding.Status{
			Port:        "/dev/ttyUSB0",
			Running:     true,
			Initialized: true,
			Modem:       &plm.Info{Address: insteon.Address(0x010203)},
			Devices:     2,
			Polling:     1,
		},
		linkdb:  []string{"01.02.03: this is the modem itself (port /dev/ttyUSB0)"},
		devices: []*devices.Device{dimmer, x10},
	}
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	backend := newBackend(t)
	h := New(backend)

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	backend.status.Initialized = false
	rec = do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var got map[string]interface{}
	decode(t, rec, &got)
	assert.Equal(t, "degraded", got["status"])
}

func TestStatus(t *testing.T) {
	h := New(newBackend(t))
	rec := do(t, h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]interface{}
	decode(t, rec, &got)
	assert.Equal(t, "/dev/ttyUSB0", got["port"])
	assert.Equal(t, true, got["initialized"])
	assert.Equal(t, float64(2), got["devices"])
	modem, ok := got["modem"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "01.02.03", modem["address"])
}

func TestLinkDB(t *testing.T) {
	backend := newBackend(t)
	h := New(backend)

	var got struct {
		Entries []string `json:"entries"`
	}
	decode(t, do(t, h, http.MethodGet, "/linkdb", ""), &got)
	assert.Equal(t, backend.linkdb, got.Entries)

	backend.linkdb = nil
	rec := do(t, h, http.MethodGet, "/linkdb", "")
	assert.JSONEq(t, `{"entries":[]}`, rec.Body.String())
}

func TestDevices(t *testing.T) {
	h := New(newBackend(t))

	var list []DeviceView
	decode(t, do(t, h, http.MethodGet, "/devices", ""), &list)
	require.Len(t, list, 2)
	assert.Equal(t, "1a.2b.3c", list[0].Address)
	assert.Equal(t, "2477D", list[0].Product)
	assert.Equal(t, "UNINITIALIZED", list[0].Status)
	assert.Equal(t, "40", list[0].Features["dimmer"])
	assert.Nil(t, list[0].LastResponse)
	assert.Equal(t, "", list[1].PollInterval)
}

func TestGetDevice(t *testing.T) {
	tests := []struct {
		name     string
		address  string
		wantCode int
		wantAddr string
	}{
		{"insteon", "1a.2b.3c", http.StatusOK, "1a.2b.3c"},
		{"x10", "M5", http.StatusOK, "M.5"},
		{"unknown", "44.55.66", http.StatusNotFound, ""},
		{"invalid", "bogus", http.StatusBadRequest, ""},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h := New(newBackend(t))
			rec := do(t, h, http.MethodGet, "/devices/"+test.address, "")
			assert.Equal(t, test.wantCode, rec.Code)
			if test.wantCode == http.StatusOK {
				var view DeviceView
				decode(t, rec, &view)
				assert.Equal(t, test.wantAddr, view.Address)
			}
		})
	}
}

func TestSendCommand(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		sendErr  error
		wantCode int
		wantCmd  devices.Command
	}{
		{"on", "ON", nil, http.StatusAccepted, devices.Command{Kind: devices.CmdOn}},
		{"percent", " 55\n", nil, http.StatusAccepted, devices.Percent(55)},
		{"invalid", "sideways", nil, http.StatusBadRequest, devices.Command{}},
		{"too long", strings.Repeat("x", maxCommandLen+1), nil, http.StatusRequestEntityTooLarge, devices.Command{}},
		{"unknown channel", "OFF", fmt.Errorf("%w: kitchen", binding.ErrUnknownChannel), http.StatusNotFound, devices.Command{Kind: devices.CmdOff}},
		{"not running", "OFF", plm.ErrNotRunning, http.StatusServiceUnavailable, devices.Command{Kind: devices.CmdOff}},
		{"timeout", "OFF", context.DeadlineExceeded, http.StatusGatewayTimeout, devices.Command{Kind: devices.CmdOff}},
		{"nak", "OFF", plm.ErrNak, http.StatusBadGateway, devices.Command{Kind: devices.CmdOff}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			backend := newBackend(t)
			backend.sendErr = test.sendErr
			rec := do(t, New(backend), http.MethodPost, "/channels/kitchen", test.body)
			assert.Equal(t, test.wantCode, rec.Code)

			if test.wantCode == http.StatusBadRequest || test.wantCode == http.StatusRequestEntityTooLarge {
				assert.Empty(t, backend.sent)
				return
			}
			require.Len(t, backend.sent, 1)
			assert.Equal(t, "kitchen", backend.sent[0].channel)
			assert.Equal(t, test.wantCmd, backend.sent[0].cmd)
		})
	}
}

func TestRecoverer(t *testing.T) {
	h := New(&fakeBackend{status: binding.Status{Running: true}, devices: []*devices.Device{nil}})
	rec := do(t, h, http.MethodGet, "/devices", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
