// Package mqtt publishes feature state to an MQTT broker and accepts
// commands from it.
//
// State of a bound feature is published to <prefix>/<channel>/state and
// commands are read from <prefix>/<channel>/set. Features without a
// channel publish to <prefix>/device/<address>/<feature>/state. The
// bridge status (online, offline or disconnected) is retained on
// <prefix>/status.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/abates/insteond"
	"github.com/abates/insteond/binding"
	"github.com/abates/insteond/config"
	"github.com/abates/insteond/devices"
)

// Log is the logger used by the bridge
var Log = insteon.Log.With("component", "mqtt")

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	commandTimeout = 30 * time.Second
	quiesce        = 250
)

// Client is the part of pahomqtt.Client the bridge uses
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Commander sends commands to channels. *binding.Binding satisfies it.
type Commander interface {
	SendCommand(ctx context.Context, channelID string, cmd devices.Command) error
}

// Dial connects to the broker in cfg. A random client id is used when
// the configuration does not name one.
func Dial(cfg config.MQTTConfig) (pahomqtt.Client, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "insteond-" + uuid.NewString()
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetWill(statusTopic(cfg.TopicPrefix), "offline", 1, true)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		Log.Warnf("lost connection to %s: %v", cfg.Broker, err)
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connecting to %s: timeout after %v", cfg.Broker, connectTimeout)
	}

	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Broker, err)
	}
	Log.Infof("connected to %s as %s", cfg.Broker, clientID)
	return client, nil
}

func statusTopic(prefix string) string {
	return prefix + "/status"
}

// Bridge connects device features to MQTT topics
type Bridge struct {
	binding.LogListener

	client    Client
	commander Commander
	channels  *binding.ChannelTable
	prefix    string
	qos       byte
	retain    bool
}

// New returns a bridge that publishes with client and sends received
// commands to commander
func New(client Client, commander Commander, channels *binding.ChannelTable, cfg config.MQTTConfig) *Bridge {
	return &Bridge{
		client:    client,
		commander: commander,
		channels:  channels,
		prefix:    strings.TrimSuffix(cfg.TopicPrefix, "/"),
		qos:       cfg.QoS,
		retain:    cfg.Retain,
	}
}

// publish does not wait for the broker so it is safe to call from the
// driver goroutines
func (b *Bridge) publish(topic string, retained bool, payload string) {
	token := b.client.Publish(topic, b.qos, retained, payload)
	go func() {
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			Log.Infof("publishing %s: %v", topic, token.Error())
		}
	}()
}

// StateTopic is the topic state of a device feature is published to
func (b *Bridge) StateTopic(addr insteon.DeviceAddress, feature string) string {
	if id, found := b.channels.Find(addr, feature); found {
		return fmt.Sprintf("%s/%s/state", b.prefix, id)
	}
	return fmt.Sprintf("%s/device/%v/%s/state", b.prefix, addr, feature)
}

// StateChanged satisfies devices.Listener
func (b *Bridge) StateChanged(addr insteon.DeviceAddress, feature string, state devices.State) {
	b.publish(b.StateTopic(addr, feature), b.retain, string(state))
}

// BindingDisconnected logs the lost modem and marks the bridge
// disconnected
func (b *Bridge) BindingDisconnected() {
	b.LogListener.BindingDisconnected()
	b.publish(statusTopic(b.prefix), true, "disconnected")
}

// Start subscribes to the command topics and marks the bridge online
func (b *Bridge) Start() error {
	topic := b.prefix + "/+/set"
	token := b.client.Subscribe(topic, b.qos, b.handle)
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("subscribing to %s: timeout after %v", topic, connectTimeout)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	b.publish(statusTopic(b.prefix), true, "online")
	return nil
}

// Online marks the bridge online again after the modem reconnected
func (b *Bridge) Online() {
	b.publish(statusTopic(b.prefix), true, "online")
}

// Stop marks the bridge offline and disconnects
func (b *Bridge) Stop() {
	token := b.client.Publish(statusTopic(b.prefix), b.qos, true, "offline")
	token.WaitTimeout(publishTimeout)
	b.client.Disconnect(quiesce)
}

// channelID extracts the channel from a <prefix>/<channel>/set topic
func (b *Bridge) channelID(topic string) (string, bool) {
	rest := strings.TrimPrefix(topic, b.prefix+"/")
	if rest == topic || !strings.HasSuffix(rest, "/set") {
		return "", false
	}

	id := strings.TrimSuffix(rest, "/set")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func (b *Bridge) handle(_ pahomqtt.Client, msg pahomqtt.Message) {
	id, ok := b.channelID(msg.Topic())
	if !ok {
		Log.Debugf("ignoring message on %s", msg.Topic())
		return
	}

	cmd, err := devices.ParseCommand(string(msg.Payload()))
	if err != nil {
		Log.Infof("%s: %v", msg.Topic(), err)
		return
	}

	// paho delivers messages in order from one goroutine, commands can
	// take seconds to complete
	go b.send(id, cmd)
}

func (b *Bridge) send(id string, cmd devices.Command) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := b.commander.SendCommand(ctx, id, cmd); err != nil {
		Log.Infof("%s %v: %v", id, cmd, err)
		return
	}
	Log.Debugf("%s %v done", id, cmd)
}
