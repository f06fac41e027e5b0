// Package mqttbridge lets access points report heartbeats and client
// associations over MQTT instead of HTTP.
package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"wifiattend/internal/device"
	"wifiattend/internal/presence"
)

// Devices records heartbeats.
type Devices interface {
	RecordHeartbeat(ctx context.Context, deviceID string, reported device.Reported) (device.Status, error)
}

// Presence records client associations.
type Presence interface {
	DeviceConnected(ctx context.Context, deviceID, mac string, meta presence.Meta) (presence.ConnectResult, error)
	DeviceDisconnected(ctx context.Context, deviceID, mac string) (bool, error)
}

// Config holds broker settings.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
}

// Bridge subscribes to device topics and dispatches them to the services.
// Topics are {prefix}/{device_id}/{heartbeat|connected|disconnected}; replies
// go to {prefix}/{device_id}/session and {prefix}/{device_id}/error.
type Bridge struct {
	devices  Devices
	presence Presence
	prefix   string
	timeout  time.Duration
	client   mqtt.Client
	publish  func(topic string, payload []byte) error
}

// New creates a bridge. Call Start to connect it.
func New(devices Devices, presence Presence, prefix string) *Bridge {
	b := &Bridge{
		devices:  devices,
		presence: presence,
		prefix:   strings.TrimSuffix(prefix, "/"),
		timeout:  5 * time.Second,
	}
	b.publish = b.mqttPublish
	return b
}

type heartbeatMsg struct {
	SSID     string `json:"ssid"`
	Location string `json:"location"`
}

type clientMsg struct {
	MAC  string `json:"mac"`
	Name string `json:"name"`
	IP   string `json:"ip"`
}

// Start connects to the broker and subscribes once connected.
func (b *Bridge) Start(cfg Config) error {
	b.client = mqtt.NewClient(b.options(cfg))
	if tk := b.client.Connect(); tk.Wait() && tk.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", tk.Error())
	}
	return nil
}

// options builds the client options. Handlers publish replies and wait for
// the ack, so messages must not be delivered in order on the router goroutine.
func (b *Bridge) options(cfg Config) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Error().Err(err).Msg("mqtt connection lost")
	}
	opts.OnConnect = func(c mqtt.Client) {
		for _, kind := range []string{"heartbeat", "connected", "disconnected"} {
			topic := fmt.Sprintf("%s/+/%s", b.prefix, kind)
			if tk := c.Subscribe(topic, 1, b.onMessage); tk.Wait() && tk.Error() != nil {
				log.Error().Err(tk.Error()).Str("topic", topic).Msg("mqtt subscribe failed")
				continue
			}
			log.Info().Str("topic", topic).Msg("mqtt subscribed")
		}
	}
	return opts
}

// Stop disconnects from the broker.
func (b *Bridge) Stop() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(500)
	}
}

func (b *Bridge) onMessage(_ mqtt.Client, m mqtt.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.handle(ctx, m.Topic(), m.Payload()); err != nil {
		log.Warn().Err(err).Str("topic", m.Topic()).Msg("mqtt message rejected")
	}
}

// handle dispatches one message. Rejections are also published on the
// device's error topic so the device can see them.
func (b *Bridge) handle(ctx context.Context, topic string, payload []byte) error {
	deviceID, kind, err := b.parseTopic(topic)
	if err != nil {
		return err
	}
	err = b.dispatch(ctx, deviceID, kind, payload)
	if err != nil {
		b.reply(deviceID, "error", map[string]string{"kind": kind, "error": err.Error()})
	}
	return err
}

func (b *Bridge) dispatch(ctx context.Context, deviceID, kind string, payload []byte) error {
	switch kind {
	case "heartbeat":
		var msg heartbeatMsg
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &msg); err != nil {
				return fmt.Errorf("decode heartbeat: %w", err)
			}
		}
		st, err := b.devices.RecordHeartbeat(ctx, deviceID, device.Reported{SSID: msg.SSID, Location: msg.Location})
		if err != nil {
			return err
		}
		b.reply(deviceID, "session", map[string]any{"online": st.Online, "session": st.Session})
		return nil

	case "connected":
		var msg clientMsg
		if err := json.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("decode connect: %w", err)
		}
		res, err := b.presence.DeviceConnected(ctx, deviceID, msg.MAC, presence.Meta{Name: msg.Name, IP: msg.IP})
		if err != nil {
			return err
		}
		if !res.Accepted {
			log.Debug().Str("device_id", deviceID).Str("mac", msg.MAC).Msg("connect ignored, no active session")
		}
		return nil

	case "disconnected":
		var msg clientMsg
		if err := json.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("decode disconnect: %w", err)
		}
		_, err := b.presence.DeviceDisconnected(ctx, deviceID, msg.MAC)
		return err
	}
	return fmt.Errorf("unknown message kind %q", kind)
}

func (b *Bridge) parseTopic(topic string) (string, string, error) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return "", "", fmt.Errorf("topic %q outside prefix %q", topic, b.prefix)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", errors.New("topic must be <prefix>/<device_id>/<kind>")
	}
	return parts[0], parts[1], nil
}

func (b *Bridge) reply(deviceID, suffix string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("device_id", deviceID).Msg("encode mqtt reply")
		return
	}
	topic := fmt.Sprintf("%s/%s/%s", b.prefix, deviceID, suffix)
	if err := b.publish(topic, body); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
	}
}

func (b *Bridge) mqttPublish(topic string, payload []byte) error {
	if b.client == nil {
		return errors.New("mqtt client not started")
	}
	tk := b.client.Publish(topic, 1, false, payload)
	if !tk.WaitTimeout(b.timeout) {
		return errors.New("mqtt publish timed out")
	}
	return tk.Error()
}
