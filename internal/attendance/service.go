package attendance

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

// Store is the persistence the reconciler needs.
type Store interface {
	UpsertPresent(ctx context.Context, m model.Mark, flip bool) (model.Mark, bool, error)
	InsertAbsent(ctx context.Context, m model.Mark) (bool, error)
	SweepAbsent(ctx context.Context, courseID string, p identity.Period, date, at time.Time) (int, error)
	List(ctx context.Context, courseID string, date time.Time) ([]model.Mark, error)
}

// Roster answers who exists and who is enrolled.
type Roster interface {
	Course(ctx context.Context, id string) (model.Course, error)
	Student(ctx context.Context, id string) (model.Student, error)
	StudentByMAC(ctx context.Context, mac string) (model.Student, error)
	Enrolled(ctx context.Context, studentID, courseID string, p identity.Period) (bool, error)
}

// Sessions resolves sessions used as evidence.
type Sessions interface {
	Get(ctx context.Context, id string) (model.Session, error)
	ActiveForCourse(ctx context.Context, courseID string) ([]model.Session, error)
}

// Presences looks up a client's association within a session.
type Presences interface {
	Find(ctx context.Context, sessionID, mac string) (model.Presence, error)
}

// Evidence backs a present mark. Source decides whether the mark may
// overturn an absent mark: only a lecturer re-submission can.
type Evidence struct {
	Source    string `json:"source"`
	SessionID string `json:"session_id,omitempty"`
	MAC       string `json:"mac,omitempty"`
}

// Actor is the authenticated caller. Lecturers act only on courses they own;
// admins act on any course.
type Actor struct {
	ID   string
	Role string
}

func (a Actor) owns(c model.Course) bool {
	return model.CanManage(a.ID, a.Role, c.LecturerID)
}

// MarkRequest asks for a present mark. Zero Date means today, zero Period the current period.
type MarkRequest struct {
	StudentID string
	CourseID  string
	Date      time.Time
	Period    identity.Period
	Evidence  Evidence
	Actor     Actor
}

// Result is a mark plus whether this call created it.
type Result struct {
	Mark    model.Mark
	Created bool
}

// Config tunes the reconciler.
type Config struct {
	CurrentPeriod identity.Period
	Location      *time.Location
	Now           func() time.Time
}

// Service reconciles presence and roster into attendance marks.
type Service struct {
	store     Store
	roster    Roster
	sessions  Sessions
	presences Presences
	period    identity.Period
	loc       *time.Location
	now       func() time.Time
}

// NewService creates a reconciler.
func NewService(store Store, roster Roster, sessions Sessions, presences Presences, cfg Config) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store: store, roster: roster, sessions: sessions, presences: presences,
		period: cfg.CurrentPeriod, loc: cfg.Location, now: cfg.Now,
	}
}

// MarkPresent records the student present for the course on the date on
// behalf of req.Actor. The mark is upserted: a second call corroborates the
// first and reports Created=false.
func (s *Service) MarkPresent(ctx context.Context, req MarkRequest) (Result, error) {
	return s.markPresent(ctx, req, true)
}

// markPresent skips the ownership check when authorize is false, which only
// the network reconciliation path does.
func (s *Service) markPresent(ctx context.Context, req MarkRequest, authorize bool) (Result, error) {
	if strings.TrimSpace(req.StudentID) == "" || strings.TrimSpace(req.CourseID) == "" {
		return Result{}, fmt.Errorf("%w: student and course required", model.ErrInvalidInput)
	}
	if req.Evidence.Source == "" {
		req.Evidence.Source = model.SourceLecturer
	}
	var actor *Actor
	if authorize {
		actor = &req.Actor
	}
	student, course, period, err := s.precheck(ctx, actor, req.StudentID, req.CourseID, req.Period)
	if err != nil {
		metrics.AttendanceMarks.WithLabelValues("rejected").Inc()
		return Result{}, err
	}

	now := s.now().UTC()
	mark := model.Mark{
		ID:        uuid.NewString(),
		StudentID: student.ID,
		CourseID:  course.ID,
		Date:      s.day(req.Date),
		Status:    model.StatusPresent,
		Source:    req.Evidence.Source,
		MarkedAt:  now,
	}
	if err := s.attachEvidence(ctx, &mark, student, req.Evidence); err != nil {
		metrics.AttendanceMarks.WithLabelValues("rejected").Inc()
		return Result{}, err
	}

	out, created, err := s.store.UpsertPresent(ctx, mark, req.Evidence.Source == model.SourceLecturer)
	if err != nil {
		return Result{}, fmt.Errorf("mark %s present in %s: %w", student.ID, course.ID, err)
	}

	outcome := "corroborated"
	if created {
		outcome = "created"
	}
	metrics.AttendanceMarks.WithLabelValues(outcome).Inc()
	log.Info().
		Str("student_id", student.ID).
		Str("course_id", course.ID).
		Str("period", period.String()).
		Str("status", out.Status).
		Bool("verified", out.Verified).
		Str("source", req.Evidence.Source).
		Bool("created", created).
		Msg("attendance marked")
	return Result{Mark: out, Created: created}, nil
}

// attachEvidence resolves which session and presence back the mark. With an
// explicit session the session must still be active; without one, any active
// session of the course in which the student's device is connected counts.
func (s *Service) attachEvidence(ctx context.Context, mark *model.Mark, student model.Student, ev Evidence) error {
	mac := ev.MAC
	if mac == "" && student.MAC != nil {
		mac = *student.MAC
	}

	var candidates []model.Session
	if ev.SessionID != "" {
		sess, err := s.sessions.Get(ctx, ev.SessionID)
		if errors.Is(err, model.ErrSessionNotFound) {
			return fmt.Errorf("%w: %s", model.ErrStaleSession, ev.SessionID)
		}
		if err != nil {
			return err
		}
		if !sess.Active {
			return fmt.Errorf("%w: %s", model.ErrStaleSession, ev.SessionID)
		}
		if sess.CourseID != mark.CourseID {
			return fmt.Errorf("%w: session %s belongs to another course", model.ErrInvalidInput, sess.ID)
		}
		mark.SessionID, mark.DeviceID = strPtr(sess.ID), strPtr(sess.DeviceID)
		candidates = []model.Session{sess}
	} else if mac != "" {
		active, err := s.sessions.ActiveForCourse(ctx, mark.CourseID)
		if err != nil {
			return err
		}
		candidates = active
	}

	if mac == "" {
		return nil
	}
	for _, sess := range candidates {
		p, err := s.presences.Find(ctx, sess.ID, mac)
		if errors.Is(err, model.ErrPresenceNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if p.IsConnected {
			mark.Verified = true
			mark.SessionID, mark.DeviceID, mark.PresenceID = strPtr(sess.ID), strPtr(sess.DeviceID), strPtr(p.ID)
			return nil
		}
	}
	return nil
}

// MarkAbsent records a no-show. It never overwrites an existing mark.
func (s *Service) MarkAbsent(ctx context.Context, actor Actor, studentID, courseID string, date time.Time, p identity.Period) (bool, error) {
	student, course, _, err := s.precheck(ctx, &actor, studentID, courseID, p)
	if err != nil {
		return false, err
	}
	created, err := s.store.InsertAbsent(ctx, model.Mark{
		ID:        uuid.NewString(),
		StudentID: student.ID,
		CourseID:  course.ID,
		Date:      s.day(date),
		Source:    model.SourceLecturer,
		MarkedAt:  s.now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("mark %s absent in %s: %w", student.ID, course.ID, err)
	}
	if created {
		metrics.AttendanceMarks.WithLabelValues("absent").Inc()
		log.Info().Str("student_id", student.ID).Str("course_id", course.ID).Msg("marked absent")
	}
	return created, nil
}

// SweepRoster marks every enrolled student without a mark for the date absent.
func (s *Service) SweepRoster(ctx context.Context, actor Actor, courseID string, p identity.Period, date time.Time) (int, error) {
	course, err := s.ownedCourse(ctx, actor, courseID)
	if err != nil {
		return 0, err
	}
	if p.IsZero() {
		p = s.period
	}
	n, err := s.store.SweepAbsent(ctx, course.ID, p, s.day(date), s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("roster sweep for %s: %w", course.ID, err)
	}
	metrics.AttendanceMarks.WithLabelValues("absent").Add(float64(n))
	log.Info().Str("course_id", course.ID).Str("period", p.String()).Int("absent_marked", n).Msg("roster swept")
	return n, nil
}

// List returns the marks for a course on a date.
func (s *Service) List(ctx context.Context, actor Actor, courseID string, date time.Time) ([]model.Mark, error) {
	course, err := s.ownedCourse(ctx, actor, courseID)
	if err != nil {
		return nil, err
	}
	return s.store.List(ctx, course.ID, s.day(date))
}

func (s *Service) ownedCourse(ctx context.Context, actor Actor, courseID string) (model.Course, error) {
	course, err := s.roster.Course(ctx, courseID)
	if err != nil {
		return model.Course{}, err
	}
	if !actor.owns(course) {
		return model.Course{}, fmt.Errorf("%w: %s does not own course %s", model.ErrForbidden, actor.ID, course.Code)
	}
	return course, nil
}

// ReconcileConnection turns a client connect into a network-verified mark
// for the student who registered that MAC.
func (s *Service) ReconcileConnection(ctx context.Context, sessionID, mac string) (Result, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, model.ErrSessionNotFound) {
		return Result{}, fmt.Errorf("%w: %s", model.ErrStaleSession, sessionID)
	}
	if err != nil {
		return Result{}, err
	}
	if !sess.Active {
		return Result{}, fmt.Errorf("%w: %s", model.ErrStaleSession, sessionID)
	}
	student, err := s.roster.StudentByMAC(ctx, mac)
	if err != nil {
		return Result{}, err
	}
	return s.markPresent(ctx, MarkRequest{
		StudentID: student.ID,
		CourseID:  sess.CourseID,
		Date:      sess.Date,
		Period:    sess.Period(),
		Evidence:  Evidence{Source: model.SourceNetwork, SessionID: sess.ID, MAC: mac},
	}, false)
}

// precheck resolves student, course and period and checks enrollment. A nil
// actor skips the ownership check.
func (s *Service) precheck(ctx context.Context, actor *Actor, studentID, courseID string, p identity.Period) (model.Student, model.Course, identity.Period, error) {
	student, err := s.roster.Student(ctx, studentID)
	if err != nil {
		return model.Student{}, model.Course{}, p, err
	}
	course, err := s.roster.Course(ctx, courseID)
	if err != nil {
		return model.Student{}, model.Course{}, p, err
	}
	if actor != nil && !actor.owns(course) {
		return model.Student{}, model.Course{}, p, fmt.Errorf("%w: %s does not own course %s", model.ErrForbidden, actor.ID, course.Code)
	}
	if p.IsZero() {
		p = s.period
	}
	ok, err := s.roster.Enrolled(ctx, student.ID, course.ID, p)
	if err != nil {
		return model.Student{}, model.Course{}, p, err
	}
	if !ok {
		return model.Student{}, model.Course{}, p, fmt.Errorf("%w: %s in %s for %s", model.ErrNotEnrolled, student.ID, course.Code, p)
	}
	return student, course, p, nil
}

// day resolves a zero date to today in the configured location. Non-zero
// dates are calendar days carried as UTC midnight.
func (s *Service) day(t time.Time) time.Time {
	if t.IsZero() {
		return model.Day(s.now(), s.loc)
	}
	return model.Day(t, time.UTC)
}

func strPtr(s string) *string { return &s }
