package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/abates/cli"
	"github.com/kirsle/configdir"

	"github.com/abates/insteond"
	"github.com/abates/insteond/binding"
	"github.com/abates/insteond/config"
	"github.com/abates/insteond/devices"
	"github.com/abates/insteond/httpapi"
	"github.com/abates/insteond/mqtt"
	"github.com/abates/insteond/plm"
)

const (
	initTimeout     = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// lateCommander lets the MQTT bridge be created before the binding
// it sends commands to
type lateCommander struct {
	*binding.Binding
}

type daemon struct {
	binding  *binding.Binding
	bridge   *mqtt.Bridge
	recorder *plm.Recorder
	server   *http.Server
	done     chan struct{}
}

func init() {
	app.SubCommand("run", cli.DescOption("run the daemon until interrupted"), cli.CallbackOption(runCmd))
}

func tracePath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(configdir.LocalConfig("insteond"), path)
	}
	return path, configdir.MakePath(filepath.Dir(path))
}

// newDaemon builds the binding and the optional MQTT bridge from cfg.
// The returned daemon has not been started.
func newDaemon(cfg *config.Config, withBridge bool) (d *daemon, err error) {
	d = &daemon{done: make(chan struct{})}
	channels := binding.NewChannelTable()
	commander := &lateCommander{}

	options := []plm.Option{
		plm.PortName(cfg.Modem.Port),
		plm.Timeout(cfg.Modem.Timeout),
		plm.WriteDelay(cfg.Modem.WriteDelay),
		plm.MaxRetries(cfg.Modem.Retries),
		plm.RefreshInterval(cfg.Modem.RefreshInterval),
	}

	if cfg.Modem.Trace != "" {
		path, err := tracePath(cfg.Modem.Trace)
		if err != nil {
			return nil, err
		}
		if d.recorder, err = plm.OpenRecorder(path); err != nil {
			return nil, err
		}
		insteon.Log.Infof("recording frames to %s (session %s)", path, d.recorder.Session())
		options = append(options, plm.Trace(d.recorder))
	}

	bindingOptions := []binding.Option{binding.WithChannels(channels)}
	if withBridge && cfg.MQTT.Broker != "" {
		client, err := mqtt.Dial(cfg.MQTT)
		if err != nil {
			d.close()
			return nil, err
		}
		d.bridge = mqtt.New(client, commander, channels, cfg.MQTT)
		bindingOptions = append(bindingOptions, binding.WithListener(d.bridge))
	}

	opener := plm.SerialOpener(cfg.Modem.Port, cfg.Modem.Baud)
	d.binding, err = binding.New(binding.Modem(opener, options...), bindingOptions...)
	if err != nil {
		d.close()
		return nil, err
	}
	commander.Binding = d.binding

	for _, dc := range cfg.Devices {
		if err = d.addDevice(dc); err != nil {
			d.close()
			return nil, err
		}
	}
	return d, nil
}

func (d *daemon) addDevice(dc config.DeviceConfig) error {
	addr, err := dc.ParseAddress()
	if err != nil {
		return err
	}

	dev, err := d.binding.AddDevice(addr, dc.Product, dc.Params)
	if err != nil {
		return err
	}

	for feature, id := range dc.Channels {
		d.binding.Channels().Bind(id, addr, feature)
	}

	if d.bridge != nil {
		var walk func([]*devices.Feature)
		walk = func(features []*devices.Feature) {
			for _, f := range features {
				f.AddListener(d.bridge)
				walk(f.Children())
			}
		}
		walk(dev.Features())
	}
	return nil
}

// start connects to the modem. A modem that is not there yet is
// retried in the background.
func (d *daemon) start() error {
	if d.bridge != nil {
		if err := d.bridge.Start(); err != nil {
			return err
		}
	}

	if err := d.binding.Start(); err != nil {
		if errors.Is(err, binding.ErrStopped) {
			return err
		}
		insteon.Log.Warnf("failed to connect to the modem: %v", err)
		d.binding.Reconnect()
	}

	if d.bridge != nil {
		go d.watch(time.Second)
	}
	return nil
}

// watch marks the bridge online each time the binding becomes
// initialized again after a disconnect
func (d *daemon) watch(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	online := true
	for {
		select {
		case <-ticker.C:
			initialized := d.binding.IsInitialized()
			if initialized && !online {
				d.bridge.Online()
			}
			online = initialized
		case <-d.done:
			return
		}
	}
}

func (d *daemon) serve(listen string) {
	d.server = &http.Server{
		Addr:              listen,
		Handler:           httpapi.New(d.binding),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		insteon.Log.Infof("http api listening on %s", listen)
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			insteon.Log.Warnf("http api stopped: %v", err)
		}
	}()
}

// waitInitialized blocks until the modem link database has been
// reconciled with the configuration
func (d *daemon) waitInitialized(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !d.binding.IsInitialized() {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("waiting for the modem on %s: %w", d.binding.Transport().PortName(), ctx.Err())
		}
	}
	return nil
}

func (d *daemon) close() {
	close(d.done)
	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.server.Shutdown(ctx); err != nil {
			insteon.Log.Warnf("http api shutdown: %v", err)
		}
		cancel()
	}

	if d.binding != nil {
		d.binding.Stop()
	}

	if d.bridge != nil {
		d.bridge.Stop()
	}

	if d.recorder != nil {
		if err := d.recorder.Close(); err != nil {
			insteon.Log.Warnf("closing trace: %v", err)
		}
	}
}

func runCmd(string) error {
	d, err := newDaemon(cfg, true)
	if err != nil {
		return err
	}
	defer d.close()

	if err := d.start(); err != nil {
		return err
	}

	if cfg.HTTP.Listen != "" {
		d.serve(cfg.HTTP.Listen)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	insteon.Log.Infof("shutting down")
	return nil
}
