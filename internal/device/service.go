package device

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"wifiattend/internal/identity"
	"wifiattend/internal/metrics"
	"wifiattend/internal/model"
)

// DefaultWindow is how recent a heartbeat must be for a device to count as online.
const DefaultWindow = 5 * time.Minute

// Store is the persistence the registry needs.
type Store interface {
	Heartbeat(ctx context.Context, deviceID string, reported Reported, at time.Time, create bool) (model.Device, bool, error)
	Register(ctx context.Context, d model.Device) (model.Device, bool, error)
	Get(ctx context.Context, deviceID string) (model.Device, error)
	SetSSID(ctx context.Context, deviceID, ssid string) error
	Deactivate(ctx context.Context, deviceID string) error
	List(ctx context.Context) ([]model.Device, error)
	SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error
}

// SessionSource answers which session a device currently backs.
type SessionSource interface {
	ActiveFor(ctx context.Context, deviceID string) (*model.Session, error)
}

// Reported is what the device says about itself on a heartbeat.
type Reported struct {
	SSID     string
	Location string
}

// Descriptor is pushed down to a device that backs an active session.
type Descriptor struct {
	SessionID  string `json:"session_id"`
	CourseCode string `json:"course_code"`
	SSID       string `json:"ssid"`
	DeviceID   string `json:"device_id"`
	Lecturer   string `json:"lecturer"`
}

// Status is the heartbeat outcome.
type Status struct {
	Online  bool
	Device  model.Device
	Session *Descriptor
}

// Config tunes the registry.
type Config struct {
	Window       time.Duration
	SelfRegister bool
	Now          func() time.Time
}

// Registry tracks access points and their liveness.
type Registry struct {
	store        Store
	sessions     SessionSource
	window       time.Duration
	selfRegister bool
	now          func() time.Time
}

// NewRegistry creates a registry.
func NewRegistry(store Store, sessions SessionSource, cfg Config) *Registry {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{store: store, sessions: sessions, window: cfg.Window, selfRegister: cfg.SelfRegister, now: cfg.Now}
}

// RecordHeartbeat stamps the device's liveness and reports the session it
// should serve. When the device backs an active session its SSID is
// re-derived from the session's course and period, so repeated heartbeats
// converge on the same identity.
func (r *Registry) RecordHeartbeat(ctx context.Context, deviceID string, reported Reported) (Status, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return Status{}, fmt.Errorf("%w: device id required", model.ErrInvalidInput)
	}

	dev, created, err := r.store.Heartbeat(ctx, deviceID, reported, r.now().UTC(), r.selfRegister)
	if err != nil {
		metrics.Heartbeats.WithLabelValues("rejected").Inc()
		return Status{}, fmt.Errorf("record heartbeat %s: %w", deviceID, err)
	}
	metrics.Heartbeats.WithLabelValues("ok").Inc()
	if created {
		log.Info().Str("device_id", deviceID).Msg("device self-registered on heartbeat")
	}

	st := Status{Online: true, Device: dev}
	sess, err := r.sessions.ActiveFor(ctx, deviceID)
	if err != nil {
		return Status{}, fmt.Errorf("active session for %s: %w", deviceID, err)
	}
	if sess == nil {
		return st, nil
	}

	id := identity.Generate(sess.CourseCode, sess.Period(), sess.Disambiguated)
	if dev.SSID != id.SSID {
		if err := r.store.SetSSID(ctx, deviceID, id.SSID); err != nil {
			return Status{}, fmt.Errorf("set ssid for %s: %w", deviceID, err)
		}
		log.Info().Str("device_id", deviceID).Str("session_id", sess.ID).Str("ssid", id.SSID).Msg("device ssid updated")
		st.Device.SSID = id.SSID
	}
	st.Session = &Descriptor{
		SessionID:  sess.ID,
		CourseCode: sess.CourseCode,
		SSID:       id.SSID,
		DeviceID:   id.AdvertisedID,
		Lecturer:   sess.LecturerID,
	}
	return st, nil
}

// Online reports whether d heartbeated within the liveness window.
func (r *Registry) Online(d model.Device) bool {
	if d.LastHeartbeat == nil {
		return false
	}
	return r.now().Sub(*d.LastHeartbeat) <= r.window
}

// IsOnline looks the device up and applies Online.
func (r *Registry) IsOnline(ctx context.Context, deviceID string) (bool, error) {
	d, err := r.store.Get(ctx, deviceID)
	if err != nil {
		return false, err
	}
	return r.Online(d), nil
}

// Register is the explicit bootstrap path for a device.
func (r *Registry) Register(ctx context.Context, d model.Device) (model.Device, error) {
	d.DeviceID = strings.TrimSpace(d.DeviceID)
	if d.DeviceID == "" {
		return model.Device{}, fmt.Errorf("%w: device id required", model.ErrInvalidInput)
	}
	out, created, err := r.store.Register(ctx, d)
	if err != nil {
		return model.Device{}, fmt.Errorf("register device %s: %w", d.DeviceID, err)
	}
	if !out.Active {
		log.Warn().Str("device_id", d.DeviceID).Msg("registration refused for deactivated device")
		return model.Device{}, fmt.Errorf("register device %s: %w", d.DeviceID, model.ErrDeviceInactive)
	}
	if created {
		log.Info().Str("device_id", d.DeviceID).Msg("device registered")
	}
	return out, nil
}

func (r *Registry) Get(ctx context.Context, deviceID string) (model.Device, error) {
	return r.store.Get(ctx, deviceID)
}

func (r *Registry) List(ctx context.Context) ([]model.Device, error) {
	return r.store.List(ctx)
}

// Deactivate soft-deletes a device. It refuses while the device backs an active session.
func (r *Registry) Deactivate(ctx context.Context, deviceID string) error {
	sess, err := r.sessions.ActiveFor(ctx, deviceID)
	if err != nil {
		return err
	}
	if sess != nil {
		return fmt.Errorf("%w: session %s", model.ErrConflict, sess.ID)
	}
	if err := r.store.Deactivate(ctx, deviceID); err != nil {
		return err
	}
	log.Info().Str("device_id", deviceID).Msg("device deactivated")
	return nil
}

func (r *Registry) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	return r.store.SaveRefreshToken(ctx, deviceID, token, expiresAt)
}
