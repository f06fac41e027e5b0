// Package presence tracks which client devices are associated to the access
// point of an active session.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"wifiattend/internal/metrics"
	"wifiattend/internal/model"
	"wifiattend/internal/queue"
)

// TypeConnected is the queue message type published for accepted connects.
const TypeConnected = "presence.connected"

// Store is the persistence the tracker needs.
type Store interface {
	Upsert(ctx context.Context, id, sessionID, mac string, meta Meta, at time.Time) (model.Presence, bool, error)
	MarkDisconnected(ctx context.Context, sessionID, mac string, at time.Time) (bool, error)
	Connected(ctx context.Context, sessionID string) ([]string, error)
	Find(ctx context.Context, sessionID, mac string) (model.Presence, error)
	List(ctx context.Context, sessionID string) ([]model.Presence, error)
}

// Sessions resolves the session a device backs.
type Sessions interface {
	ActiveFor(ctx context.Context, deviceID string) (*model.Session, error)
}

// Devices confirms a device exists.
type Devices interface {
	Get(ctx context.Context, deviceID string) (model.Device, error)
}

// Meta is client metadata reported by the access point.
type Meta struct {
	Name string
	IP   string
}

// ConnectedEvent is the body of a TypeConnected message.
type ConnectedEvent struct {
	SessionID string    `json:"session_id"`
	DeviceID  string    `json:"device_id"`
	CourseID  string    `json:"course_id"`
	MAC       string    `json:"mac"`
	At        time.Time `json:"at"`
}

// ConnectResult is the outcome of a device-reported connect.
type ConnectResult struct {
	Accepted   bool
	CourseCode string
	Presence   model.Presence
	Created    bool
}

// Tracker records connect and disconnect events per session.
type Tracker struct {
	store     Store
	sessions  Sessions
	devices   Devices
	publisher queue.Queue
	now       func() time.Time
}

// NewTracker creates a tracker. publisher may be nil.
func NewTracker(store Store, sessions Sessions, devices Devices, publisher queue.Queue, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{store: store, sessions: sessions, devices: devices, publisher: publisher, now: now}
}

// NormalizeMAC returns the upper-case colon form of a 48-bit MAC.
func NormalizeMAC(mac string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(mac))
	if err != nil || len(hw) != 6 {
		return "", fmt.Errorf("%w: %q", model.ErrInvalidMAC, mac)
	}
	return strings.ToUpper(hw.String()), nil
}

// OnConnect upserts the (session, mac) row: first connect creates it,
// later ones refresh metadata and force is_connected without touching connected_at.
func (t *Tracker) OnConnect(ctx context.Context, sessionID, mac string, meta Meta) (model.Presence, bool, error) {
	mac, err := NormalizeMAC(mac)
	if err != nil {
		return model.Presence{}, false, err
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		return model.Presence{}, false, model.ErrStaleSession
	}
	p, created, err := t.store.Upsert(ctx, uuid.NewString(), sessionID, mac, meta, t.now().UTC())
	if err != nil {
		return model.Presence{}, false, fmt.Errorf("connect %s in %s: %w", mac, sessionID, err)
	}
	if created {
		metrics.PresenceEvents.WithLabelValues("connect").Inc()
		log.Info().Str("session_id", sessionID).Str("mac", mac).Str("ip", meta.IP).Msg("client connected")
	} else {
		metrics.PresenceEvents.WithLabelValues("reconnect").Inc()
		log.Debug().Str("session_id", sessionID).Str("mac", mac).Msg("client connect refreshed")
	}
	return p, created, nil
}

// OnDisconnect marks the MAC disconnected. An unknown MAC is accepted: the
// disconnect may have overtaken its connect.
func (t *Tracker) OnDisconnect(ctx context.Context, sessionID, mac string) (bool, error) {
	mac, err := NormalizeMAC(mac)
	if err != nil {
		return false, err
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		return false, nil
	}
	known, err := t.store.MarkDisconnected(ctx, sessionID, mac, t.now().UTC())
	if err != nil {
		return false, fmt.Errorf("disconnect %s in %s: %w", mac, sessionID, err)
	}
	if !known {
		metrics.PresenceEvents.WithLabelValues("disconnect_unknown").Inc()
		log.Warn().Str("session_id", sessionID).Str("mac", mac).Msg("disconnect for unknown client")
		return false, nil
	}
	metrics.PresenceEvents.WithLabelValues("disconnect").Inc()
	log.Info().Str("session_id", sessionID).Str("mac", mac).Msg("client disconnected")
	return true, nil
}

// PresentDevices returns MACs currently connected in the session.
func (t *Tracker) PresentDevices(ctx context.Context, sessionID string) ([]string, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, model.ErrSessionNotFound
	}
	return t.store.Connected(ctx, sessionID)
}

// Find returns the presence row for a MAC in a session.
func (t *Tracker) Find(ctx context.Context, sessionID, mac string) (model.Presence, error) {
	mac, err := NormalizeMAC(mac)
	if err != nil {
		return model.Presence{}, err
	}
	return t.store.Find(ctx, sessionID, mac)
}

func (t *Tracker) List(ctx context.Context, sessionID string) ([]model.Presence, error) {
	return t.store.List(ctx, sessionID)
}

// DeviceConnected handles a connect reported by an access point. Connects
// from a device with no active session are not accepted.
func (t *Tracker) DeviceConnected(ctx context.Context, deviceID, mac string, meta Meta) (ConnectResult, error) {
	sess, err := t.activeSession(ctx, deviceID)
	if err != nil || sess == nil {
		return ConnectResult{}, err
	}
	p, created, err := t.OnConnect(ctx, sess.ID, mac, meta)
	if errors.Is(err, model.ErrStaleSession) {
		// ended between lookup and upsert
		return ConnectResult{}, nil
	}
	if err != nil {
		return ConnectResult{}, err
	}
	if t.publisher != nil {
		body, err := json.Marshal(ConnectedEvent{
			SessionID: sess.ID, DeviceID: deviceID, CourseID: sess.CourseID, MAC: p.MAC, At: p.LastSeen,
		})
		if err != nil {
			return ConnectResult{}, err
		}
		if err := t.publisher.Publish(ctx, queue.Message{Type: TypeConnected, Body: body}); err != nil {
			return ConnectResult{}, fmt.Errorf("publish connect: %w", err)
		}
	}
	return ConnectResult{Accepted: true, CourseCode: sess.CourseCode, Presence: p, Created: created}, nil
}

// DeviceDisconnected handles a disconnect reported by an access point.
// It reports false when the device backs no active session.
func (t *Tracker) DeviceDisconnected(ctx context.Context, deviceID, mac string) (bool, error) {
	sess, err := t.activeSession(ctx, deviceID)
	if err != nil || sess == nil {
		return false, err
	}
	if _, err := t.OnDisconnect(ctx, sess.ID, mac); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tracker) activeSession(ctx context.Context, deviceID string) (*model.Session, error) {
	if _, err := t.devices.Get(ctx, deviceID); err != nil {
		return nil, err
	}
	return t.sessions.ActiveFor(ctx, deviceID)
}
