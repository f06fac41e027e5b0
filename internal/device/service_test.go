package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wifiattend/internal/model"
)

type memStore struct {
	mu       sync.Mutex
	devices  map[string]model.Device
	ssidSets int
}

func newMemStore() *memStore {
	return &memStore{devices: map[string]model.Device{}}
}

func (m *memStore) Heartbeat(_ context.Context, id string, reported Reported, at time.Time, create bool) (model.Device, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		if !create {
			return model.Device{}, false, model.ErrUnknownDevice
		}
		d = model.Device{DeviceID: id, Name: placeholderName(id), SSID: reported.SSID, Active: true, CreatedAt: at}
	}
	if d.LastHeartbeat == nil || at.After(*d.LastHeartbeat) {
		ts := at
		d.LastHeartbeat = &ts
		d.LastSeen = &ts
	}
	m.devices[id] = d
	return d, !ok, nil
}

func (m *memStore) Register(_ context.Context, d model.Device) (model.Device, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.devices[d.DeviceID]
	if ok {
		if d.Name != "" {
			old.Name = d.Name
		}
		d = old
	} else {
		d.Active = true
	}
	m.devices[d.DeviceID] = d
	return d, !ok, nil
}

func (m *memStore) Get(_ context.Context, id string) (model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return model.Device{}, model.ErrUnknownDevice
	}
	return d, nil
}

func (m *memStore) SetSSID(_ context.Context, id, ssid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return model.ErrUnknownDevice
	}
	d.SSID = ssid
	m.devices[id] = d
	m.ssidSets++
	return nil
}

func (m *memStore) Deactivate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return model.ErrUnknownDevice
	}
	d.Active = false
	m.devices[id] = d
	return nil
}

func (m *memStore) List(context.Context) ([]model.Device, error) { return nil, nil }

func (m *memStore) SaveRefreshToken(context.Context, string, string, time.Time) error { return nil }

type fixedSessions map[string]*model.Session

func (f fixedSessions) ActiveFor(_ context.Context, id string) (*model.Session, error) {
	return f[id], nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newRegistry(st Store, sessions SessionSource, selfRegister bool) (*Registry, *clock) {
	c := &clock{t: time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)}
	return NewRegistry(st, sessions, Config{Window: 5 * time.Minute, SelfRegister: selfRegister, Now: c.now}), c
}

func TestHeartbeatWithoutSessionSelfRegisters(t *testing.T) {
	st := newMemStore()
	reg, _ := newRegistry(st, fixedSessions{}, true)

	status, err := reg.RecordHeartbeat(context.Background(), "ESP32_1", Reported{})
	require.NoError(t, err)
	assert.True(t, status.Online)
	assert.Nil(t, status.Session)
	assert.Equal(t, "ESP32 ESP32_1", st.devices["ESP32_1"].Name)
	assert.Zero(t, st.ssidSets)
}

func TestHeartbeatRejectsUnknownWhenSelfRegisterDisabled(t *testing.T) {
	reg, _ := newRegistry(newMemStore(), fixedSessions{}, false)
	_, err := reg.RecordHeartbeat(context.Background(), "ghost", Reported{})
	assert.ErrorIs(t, err, model.ErrUnknownDevice)
}

func TestHeartbeatRequiresDeviceID(t *testing.T) {
	reg, _ := newRegistry(newMemStore(), fixedSessions{}, true)
	_, err := reg.RecordHeartbeat(context.Background(), "  ", Reported{})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestIsOnlineExpiresAfterWindow(t *testing.T) {
	reg, c := newRegistry(newMemStore(), fixedSessions{}, true)
	ctx := context.Background()
	_, err := reg.RecordHeartbeat(ctx, "ESP32_1", Reported{})
	require.NoError(t, err)

	online, err := reg.IsOnline(ctx, "ESP32_1")
	require.NoError(t, err)
	assert.True(t, online)

	c.t = c.t.Add(5 * time.Minute)
	online, _ = reg.IsOnline(ctx, "ESP32_1")
	assert.True(t, online)

	c.t = c.t.Add(time.Second)
	online, _ = reg.IsOnline(ctx, "ESP32_1")
	assert.False(t, online)
}

func TestLastHeartbeatOnlyMovesForward(t *testing.T) {
	st := newMemStore()
	reg, c := newRegistry(st, fixedSessions{}, true)
	ctx := context.Background()
	first := c.t
	_, _ = reg.RecordHeartbeat(ctx, "ESP32_1", Reported{})
	c.t = c.t.Add(-time.Minute)
	_, _ = reg.RecordHeartbeat(ctx, "ESP32_1", Reported{})
	assert.Equal(t, first, *st.devices["ESP32_1"].LastHeartbeat)
}

func TestHeartbeatWithActiveSessionPushesIdentity(t *testing.T) {
	st := newMemStore()
	sessions := fixedSessions{"ESP32_1": {
		ID: "s-1", DeviceID: "ESP32_1", CourseCode: "CSC101", LecturerID: "lect-1",
		AcademicSession: "2024/2025", Semester: "first", Active: true,
	}}
	reg, _ := newRegistry(st, sessions, true)
	ctx := context.Background()

	status, err := reg.RecordHeartbeat(ctx, "ESP32_1", Reported{})
	require.NoError(t, err)
	require.NotNil(t, status.Session)
	assert.Equal(t, "CSC101", status.Session.CourseCode)
	assert.Equal(t, "CSC101_Attendance", status.Session.SSID)
	assert.Equal(t, "ESP32_CSC101_2425F", status.Session.DeviceID)
	assert.Equal(t, "lect-1", status.Session.Lecturer)
	assert.Equal(t, "CSC101_Attendance", st.devices["ESP32_1"].SSID)

	again, err := reg.RecordHeartbeat(ctx, "ESP32_1", Reported{})
	require.NoError(t, err)
	assert.Equal(t, status.Session, again.Session)
	assert.Equal(t, 1, st.ssidSets)
}

func TestDeactivateRefusesWhileSessionActive(t *testing.T) {
	st := newMemStore()
	sessions := fixedSessions{"ESP32_1": {ID: "s-1", DeviceID: "ESP32_1", Active: true}}
	reg, _ := newRegistry(st, sessions, true)
	ctx := context.Background()
	_, _ = reg.RecordHeartbeat(ctx, "ESP32_1", Reported{})

	assert.ErrorIs(t, reg.Deactivate(ctx, "ESP32_1"), model.ErrConflict)

	_, _ = reg.RecordHeartbeat(ctx, "ESP32_2", Reported{})
	require.NoError(t, reg.Deactivate(ctx, "ESP32_2"))
	assert.False(t, st.devices["ESP32_2"].Active)
}

func TestRegisterDoesNotReactivate(t *testing.T) {
	st := newMemStore()
	reg, _ := newRegistry(st, fixedSessions{}, true)
	ctx := context.Background()

	d, err := reg.Register(ctx, model.Device{DeviceID: " ESP32_7 ", Name: "Lab 7"})
	require.NoError(t, err)
	assert.True(t, d.Active)
	assert.Equal(t, "ESP32_7", d.DeviceID)

	require.NoError(t, reg.Deactivate(ctx, "ESP32_7"))
	_, err = reg.Register(ctx, model.Device{DeviceID: "ESP32_7"})
	assert.ErrorIs(t, err, model.ErrDeviceInactive)
	assert.False(t, st.devices["ESP32_7"].Active)
}
