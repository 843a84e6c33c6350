// Package httpapi exposes the binding over a small JSON API: daemon
// status, the modem link database, the device list and a way to post
// commands to bound channels.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/abates/insteond"
	"github.com/abates/insteond/binding"
	"github.com/abates/insteond/devices"
	"github.com/abates/insteond/plm"
)

var Log = insteon.Log.With("component", "http")

const (
	requestTimeout = 30 * time.Second
	maxCommandLen  = 64
)

// Backend is the part of the binding the API serves
type Backend interface {
	Status() binding.Status
	DatabaseInfo() []string
	Devices() []*devices.Device
	Device(addr insteon.DeviceAddress) (*devices.Device, error)
	SendCommand(ctx context.Context, channelID string, cmd devices.Command) error
}

type handler struct {
	backend Backend
}

// New returns the API router
func New(backend Backend) http.Handler {
	h := &handler{backend: backend}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", h.health)
	r.Get("/status", h.status)
	r.Get("/linkdb", h.linkDB)
	r.Route("/devices", func(r chi.Router) {
		r.Get("/", h.listDevices)
		r.Get("/{address}", h.getDevice)
	})
	r.Post("/channels/{channel}", h.sendCommand)
	return r
}

// DeviceView is the JSON rendering of a device
type DeviceView struct {
	Address      string            `json:"address"`
	Product      string            `json:"product"`
	Description  string            `json:"description,omitempty"`
	Status       string            `json:"status"`
	ModemEntry   bool              `json:"modem_entry"`
	PollInterval string            `json:"poll_interval,omitempty"`
	LastResponse *time.Time        `json:"last_response,omitempty"`
	Features     map[string]string `json:"features"`
}

func newDeviceView(dev *devices.Device) DeviceView {
	view := DeviceView{
		Address:     dev.Address().String(),
		Product:     dev.Product().Key,
		Description: dev.Product().Description,
		Status:      dev.Status().String(),
		ModemEntry:  dev.HasModemEntry(),
		Features:    make(map[string]string),
	}

	if interval := dev.PollInterval(); interval > 0 {
		view.PollInterval = interval.String()
	}

	if last := dev.LastResponse(); !last.IsZero() {
		view.LastResponse = &last
	}

	var walk func(features []*devices.Feature)
	walk = func(features []*devices.Feature) {
		for _, f := range features {
			view.Features[f.Name()] = string(f.State())
			walk(f.Children())
		}
	}
	walk(dev.Features())
	return view
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		Log.Debugf("failed to encode response: %v", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]interface{}{
		"error": message,
		"code":  status,
	})
}

// errorStatus maps errors from the binding to response codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, binding.ErrUnknownChannel), errors.Is(err, binding.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, devices.ErrInvalidCommand), errors.Is(err, devices.ErrUnsupportedCommand), errors.Is(err, devices.ErrUnknownFeature):
		return http.StatusBadRequest
	case errors.Is(err, plm.ErrNotRunning), errors.Is(err, binding.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, plm.ErrAckTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	status := h.backend.Status()
	code := http.StatusOK
	state := "ok"
	if !status.Running || !status.Initialized {
		code = http.StatusServiceUnavailable
		state = "degraded"
	}
	jsonResponse(w, code, map[string]interface{}{
		"status":      state,
		"running":     status.Running,
		"initialized": status.Initialized,
	})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, h.backend.Status())
}

func (h *handler) linkDB(w http.ResponseWriter, r *http.Request) {
	entries := h.backend.DatabaseInfo()
	if entries == nil {
		entries = []string{}
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
	})
}

func (h *handler) listDevices(w http.ResponseWriter, r *http.Request) {
	views := []DeviceView{}
	for _, dev := range h.backend.Devices() {
		views = append(views, newDeviceView(dev))
	}
	jsonResponse(w, http.StatusOK, views)
}

func (h *handler) getDevice(w http.ResponseWriter, r *http.Request) {
	addr, err := insteon.ParseDeviceAddress(chi.URLParam(r, "address"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	dev, err := h.backend.Device(addr)
	if err != nil {
		errorResponse(w, errorStatus(err), err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, newDeviceView(dev))
}

func (h *handler) sendCommand(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandLen+1))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body) > maxCommandLen {
		errorResponse(w, http.StatusRequestEntityTooLarge, "command too long")
		return
	}

	cmd, err := devices.ParseCommand(strings.TrimSpace(string(body)))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.backend.SendCommand(r.Context(), channel, cmd); err != nil {
		Log.Infof("command %v to channel %s failed: %v", cmd, channel, err)
		errorResponse(w, errorStatus(err), err.Error())
		return
	}

	jsonResponse(w, http.StatusAccepted, map[string]interface{}{
		"channel": channel,
		"command": cmd.String(),
	})
}
