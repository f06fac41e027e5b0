package mqttbridge

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wifiattend/internal/device"
	"wifiattend/internal/model"
	"wifiattend/internal/presence"
)

type fakeDevices struct{ seen []string }

func (f *fakeDevices) RecordHeartbeat(_ context.Context, id string, r device.Reported) (device.Status, error) {
	if id == "ghost" {
		return device.Status{}, model.ErrUnknownDevice
	}
	f.seen = append(f.seen, id+":"+r.SSID)
	return device.Status{Online: true, Session: &device.Descriptor{SessionID: "s-1", SSID: "CSC101_Attendance"}}, nil
}

type fakePresence struct {
	connected    []string
	disconnected []string
}

func (f *fakePresence) DeviceConnected(_ context.Context, id, mac string, _ presence.Meta) (presence.ConnectResult, error) {
	f.connected = append(f.connected, id+"/"+mac)
	return presence.ConnectResult{Accepted: true}, nil
}

func (f *fakePresence) DeviceDisconnected(_ context.Context, id, mac string) (bool, error) {
	f.disconnected = append(f.disconnected, id+"/"+mac)
	return true, nil
}

type sent struct {
	topic   string
	payload []byte
}

func newTestBridge() (*Bridge, *fakeDevices, *fakePresence, *[]sent) {
	d, p := &fakeDevices{}, &fakePresence{}
	b := New(d, p, "wifiattend/devices/")
	out := &[]sent{}
	b.publish = func(topic string, payload []byte) error {
		*out = append(*out, sent{topic, payload})
		return nil
	}
	return b, d, p, out
}

func TestHeartbeatRepliesWithSession(t *testing.T) {
	b, d, _, out := newTestBridge()
	err := b.handle(context.Background(), "wifiattend/devices/ESP32_1/heartbeat", []byte(`{"ssid":"old"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"ESP32_1:old"}, d.seen)

	require.Len(t, *out, 1)
	assert.Equal(t, "wifiattend/devices/ESP32_1/session", (*out)[0].topic)
	var body struct {
		Online  bool              `json:"online"`
		Session device.Descriptor `json:"session"`
	}
	require.NoError(t, json.Unmarshal((*out)[0].payload, &body))
	assert.True(t, body.Online)
	assert.Equal(t, "CSC101_Attendance", body.Session.SSID)
}

func TestHeartbeatWithEmptyPayload(t *testing.T) {
	b, d, _, _ := newTestBridge()
	require.NoError(t, b.handle(context.Background(), "wifiattend/devices/ESP32_1/heartbeat", nil))
	assert.Equal(t, []string{"ESP32_1:"}, d.seen)
}

func TestClientEventsDispatch(t *testing.T) {
	b, _, p, _ := newTestBridge()
	ctx := context.Background()
	require.NoError(t, b.handle(ctx, "wifiattend/devices/ESP32_1/connected", []byte(`{"mac":"AA:BB:CC:DD:EE:FF"}`)))
	require.NoError(t, b.handle(ctx, "wifiattend/devices/ESP32_1/disconnected", []byte(`{"mac":"AA:BB:CC:DD:EE:FF"}`)))
	assert.Equal(t, []string{"ESP32_1/AA:BB:CC:DD:EE:FF"}, p.connected)
	assert.Equal(t, []string{"ESP32_1/AA:BB:CC:DD:EE:FF"}, p.disconnected)
}

func TestRejectionsArePublished(t *testing.T) {
	b, _, _, out := newTestBridge()
	ctx := context.Background()

	err := b.handle(ctx, "wifiattend/devices/ghost/heartbeat", nil)
	assert.ErrorIs(t, err, model.ErrUnknownDevice)
	require.Len(t, *out, 1)
	assert.Equal(t, "wifiattend/devices/ghost/error", (*out)[0].topic)

	assert.Error(t, b.handle(ctx, "wifiattend/devices/ESP32_1/connected", []byte(`nope`)))
	assert.Error(t, b.handle(ctx, "other/ESP32_1/heartbeat", nil))
	assert.Error(t, b.handle(ctx, "wifiattend/devices/ESP32_1/a/b", nil))
}

func TestClientOptionsAllowOutOfOrderDelivery(t *testing.T) {
	b, _, _, _ := newTestBridge()
	opts := b.options(Config{Broker: "tcp://broker:1883", ClientID: "wifiattend-api", Username: "ap", Password: "secret"})

	assert.False(t, opts.Order)
	assert.True(t, opts.AutoReconnect)
	assert.Equal(t, "wifiattend-api", opts.ClientID)
	assert.Equal(t, "ap", opts.Username)
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "broker:1883", opts.Servers[0].Host)
}
