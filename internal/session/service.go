// Package session owns the lifecycle of network sessions: an access point
// bound to one course offering for one day. Per device a session moves
// Idle -> Active -> Ended and never back.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"wifiattend/internal/identity"
	"wifiattend/internal/metrics"
	"wifiattend/internal/model"
)

// DefaultMaxAge is how long a session may stay active before the sweep ends it.
const DefaultMaxAge = 4 * time.Hour

// Store is the persistence the manager needs.
type Store interface {
	Create(ctx context.Context, s model.Session, plain, alt identity.Identity) (model.Session, error)
	End(ctx context.Context, id string, at time.Time, reason string) (model.Session, bool, int, error)
	ActiveFor(ctx context.Context, deviceID string) (*model.Session, error)
	Get(ctx context.Context, id string) (model.Session, error)
	ListActive(ctx context.Context, courseID string) ([]model.Session, error)
	StartedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	IdleDevices(ctx context.Context) ([]string, error)
}

// Courses resolves course ownership.
type Courses interface {
	Course(ctx context.Context, id string) (model.Course, error)
}

// Devices exposes the device registry's view of liveness.
type Devices interface {
	Get(ctx context.Context, deviceID string) (model.Device, error)
	Online(d model.Device) bool
}

// StartRequest asks for a session on DeviceID, or on any idle online device when empty.
type StartRequest struct {
	CourseID  string
	Period    identity.Period
	DeviceID  string
	ActorID   string
	ActorRole string
}

// EndRequest asks to end a session manually.
type EndRequest struct {
	SessionID string
	ActorID   string
	ActorRole string
}

// EndResult reports the outcome of an end transition.
type EndResult struct {
	Session      model.Session
	AlreadyEnded bool
	Disconnected int
}

// Config tunes the manager.
type Config struct {
	DefaultPeriod identity.Period
	MaxAge        time.Duration
	Location      *time.Location
	Now           func() time.Time
}

// Manager is the single authority on session state.
type Manager struct {
	store   Store
	courses Courses
	devices Devices
	period  identity.Period
	maxAge  time.Duration
	loc     *time.Location
	now     func() time.Time
}

// NewManager creates a manager.
func NewManager(store Store, courses Courses, devices Devices, cfg Config) *Manager {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		store: store, courses: courses, devices: devices,
		period: cfg.DefaultPeriod, maxAge: cfg.MaxAge, loc: cfg.Location, now: cfg.Now,
	}
}

// Start moves a device from Idle to Active for a course offering.
func (m *Manager) Start(ctx context.Context, req StartRequest) (model.Session, error) {
	if strings.TrimSpace(req.CourseID) == "" {
		return model.Session{}, fmt.Errorf("%w: course id required", model.ErrInvalidInput)
	}
	period := req.Period
	if period.IsZero() {
		period = m.period
	}
	if period.Session == "" || period.Semester == "" {
		return model.Session{}, fmt.Errorf("%w: period required", model.ErrInvalidInput)
	}

	course, err := m.courses.Course(ctx, req.CourseID)
	if err != nil {
		return model.Session{}, err
	}
	if !model.CanManage(req.ActorID, req.ActorRole, course.LecturerID) {
		return model.Session{}, fmt.Errorf("%w: %s does not own course %s", model.ErrForbidden, req.ActorID, course.Code)
	}

	dev, err := m.pickDevice(ctx, req.DeviceID)
	if err != nil {
		return model.Session{}, err
	}

	now := m.now().UTC()
	s := model.Session{
		ID:              uuid.NewString(),
		DeviceID:        dev.DeviceID,
		CourseID:        course.ID,
		CourseCode:      course.Code,
		LecturerID:      course.LecturerID,
		AcademicSession: period.Session,
		Semester:        period.Semester,
		Date:            model.Day(now, m.loc),
		StartTime:       now,
	}
	created, err := m.store.Create(ctx, s,
		identity.Generate(course.Code, period, false),
		identity.Generate(course.Code, period, true))
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			metrics.SessionStartConflicts.Inc()
			log.Warn().Str("device_id", dev.DeviceID).Str("course_id", course.ID).Msg("session start conflict")
		}
		return model.Session{}, fmt.Errorf("start session on %s: %w", dev.DeviceID, err)
	}

	metrics.SessionsStarted.Inc()
	log.Info().
		Str("session_id", created.ID).
		Str("device_id", created.DeviceID).
		Str("course_id", created.CourseID).
		Str("ssid", created.SSID).
		Str("period", period.String()).
		Msg("session started")
	return created, nil
}

func (m *Manager) pickDevice(ctx context.Context, deviceID string) (model.Device, error) {
	if deviceID != "" {
		dev, err := m.devices.Get(ctx, deviceID)
		if err != nil {
			return model.Device{}, err
		}
		if !dev.Active {
			return model.Device{}, fmt.Errorf("%w: %s", model.ErrDeviceInactive, deviceID)
		}
		if !m.devices.Online(dev) {
			return model.Device{}, fmt.Errorf("%w: %s", model.ErrDeviceOffline, deviceID)
		}
		return dev, nil
	}

	ids, err := m.store.IdleDevices(ctx)
	if err != nil {
		return model.Device{}, err
	}
	for _, id := range ids {
		dev, err := m.devices.Get(ctx, id)
		if err != nil {
			return model.Device{}, err
		}
		if dev.Active && m.devices.Online(dev) {
			return dev, nil
		}
	}
	return model.Device{}, model.ErrNoDeviceAvailable
}

// End is the manual Active -> Ended transition. Only the session's lecturer
// or an admin may end it. Ending an ended session succeeds as a no-op.
func (m *Manager) End(ctx context.Context, req EndRequest) (EndResult, error) {
	s, err := m.GetOwned(ctx, req.SessionID, req.ActorID, req.ActorRole)
	if err != nil {
		return EndResult{}, err
	}
	return m.end(ctx, s.ID, model.EndManual)
}

func (m *Manager) end(ctx context.Context, id, reason string) (EndResult, error) {
	s, already, disconnected, err := m.store.End(ctx, id, m.now().UTC(), reason)
	if err != nil {
		return EndResult{}, fmt.Errorf("end session %s: %w", id, err)
	}
	if already {
		log.Debug().Str("session_id", id).Str("reason", reason).Msg("session already ended")
		return EndResult{Session: s, AlreadyEnded: true}, nil
	}
	metrics.SessionsEnded.WithLabelValues(reason).Inc()
	log.Info().
		Str("session_id", id).
		Str("device_id", s.DeviceID).
		Str("reason", reason).
		Int("disconnected", disconnected).
		Msg("session ended")
	return EndResult{Session: s, Disconnected: disconnected}, nil
}

// Sweep ends every session active for longer than the configured max age.
// A session ended concurrently by hand is skipped silently.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	cutoff := m.now().UTC().Add(-m.maxAge)
	ids, err := m.store.StartedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}
	var (
		ended int
		errs  []error
	)
	for _, id := range ids {
		res, err := m.end(ctx, id, model.EndExpired)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !res.AlreadyEnded {
			ended++
		}
	}
	return ended, errors.Join(errs...)
}

// ActiveFor returns the session the device currently backs, or nil.
func (m *Manager) ActiveFor(ctx context.Context, deviceID string) (*model.Session, error) {
	return m.store.ActiveFor(ctx, deviceID)
}

// ActiveForCourse returns active sessions for a course.
func (m *Manager) ActiveForCourse(ctx context.Context, courseID string) ([]model.Session, error) {
	return m.store.ListActive(ctx, courseID)
}

// ListActive returns all active sessions.
func (m *Manager) ListActive(ctx context.Context) ([]model.Session, error) {
	return m.store.ListActive(ctx, "")
}

// Get returns a session; malformed ids are reported as not found.
func (m *Manager) Get(ctx context.Context, id string) (model.Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Session{}, model.ErrSessionNotFound
	}
	return m.store.Get(ctx, id)
}

// GetOwned returns a session the caller may manage: its lecturer or an admin.
func (m *Manager) GetOwned(ctx context.Context, id, actorID, actorRole string) (model.Session, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	if !model.CanManage(actorID, actorRole, s.LecturerID) {
		return model.Session{}, fmt.Errorf("%w: %s does not own session %s", model.ErrForbidden, actorID, s.ID)
	}
	return s, nil
}
