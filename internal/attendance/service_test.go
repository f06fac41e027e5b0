package attendance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wifiattend/internal/identity"
	"wifiattend/internal/model"
)

type markKey struct {
	student, course string
	date            time.Time
}

// memStore applies the same upsert rules as the SQL in repo.go.
type memStore struct {
	mu    sync.Mutex
	marks map[markKey]model.Mark
}

func newMemStore() *memStore { return &memStore{marks: map[markKey]model.Mark{}} }

func (m *memStore) UpsertPresent(_ context.Context, mk model.Mark, flip bool) (model.Mark, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := markKey{mk.StudentID, mk.CourseID, mk.Date}
	old, ok := m.marks[k]
	if !ok {
		mk.UpdatedAt = mk.MarkedAt
		m.marks[k] = mk
		return mk, true, nil
	}
	refresh := old.Status == model.StatusPresent || flip
	if flip && old.Status != model.StatusPresent {
		old.Source = mk.Source
	}
	if flip {
		old.Status = model.StatusPresent
	}
	if refresh {
		old.Verified = old.Verified || mk.Verified
		if mk.SessionID != nil {
			old.SessionID = mk.SessionID
		}
		if mk.PresenceID != nil {
			old.PresenceID = mk.PresenceID
		}
		if mk.DeviceID != nil {
			old.DeviceID = mk.DeviceID
		}
	}
	old.UpdatedAt = mk.MarkedAt
	m.marks[k] = old
	return old, false, nil
}

func (m *memStore) InsertAbsent(_ context.Context, mk model.Mark) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := markKey{mk.StudentID, mk.CourseID, mk.Date}
	if _, ok := m.marks[k]; ok {
		return false, nil
	}
	mk.Status = model.StatusAbsent
	m.marks[k] = mk
	return true, nil
}

func (m *memStore) SweepAbsent(context.Context, string, identity.Period, time.Time, time.Time) (int, error) {
	return 0, nil
}

func (m *memStore) List(_ context.Context, courseID string, date time.Time) ([]model.Mark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Mark
	for k, mk := range m.marks {
		if k.course == courseID && k.date.Equal(date) {
			out = append(out, mk)
		}
	}
	return out, nil
}

type roster struct {
	students map[string]model.Student
	courses  map[string]model.Course
	enrolled map[[2]string]identity.Period
}

func (r roster) Course(_ context.Context, id string) (model.Course, error) {
	c, ok := r.courses[id]
	if !ok {
		return model.Course{}, model.ErrCourseNotFound
	}
	return c, nil
}

func (r roster) Student(_ context.Context, id string) (model.Student, error) {
	s, ok := r.students[id]
	if !ok {
		return model.Student{}, model.ErrStudentNotFound
	}
	return s, nil
}

func (r roster) StudentByMAC(_ context.Context, mac string) (model.Student, error) {
	for _, s := range r.students {
		if s.MAC != nil && *s.MAC == mac {
			return s, nil
		}
	}
	return model.Student{}, model.ErrStudentNotFound
}

func (r roster) Enrolled(_ context.Context, studentID, courseID string, p identity.Period) (bool, error) {
	got, ok := r.enrolled[[2]string{studentID, courseID}]
	return ok && got == p, nil
}

type sessions map[string]model.Session

func (s sessions) Get(_ context.Context, id string) (model.Session, error) {
	sess, ok := s[id]
	if !ok {
		return model.Session{}, model.ErrSessionNotFound
	}
	return sess, nil
}

func (s sessions) ActiveForCourse(_ context.Context, courseID string) ([]model.Session, error) {
	var out []model.Session
	for _, sess := range s {
		if sess.Active && sess.CourseID == courseID {
			out = append(out, sess)
		}
	}
	return out, nil
}

type presences map[[2]string]model.Presence

func (p presences) Find(_ context.Context, sessionID, mac string) (model.Presence, error) {
	pr, ok := p[[2]string{sessionID, mac}]
	if !ok {
		return model.Presence{}, model.ErrPresenceNotFound
	}
	return pr, nil
}

const (
	activeSession = "11111111-1111-4111-8111-111111111111"
	endedSession  = "22222222-2222-4222-8222-222222222222"
	s1MAC         = "AA:BB:CC:DD:EE:FF"
)

var current = identity.Period{Session: "2024/2025", Semester: "first"}

var owner = Actor{ID: "lect-1", Role: model.RoleLecturer}

type fixture struct {
	store   *memStore
	svc     *Service
	today   time.Time
	present presences
}

func newFixture() *fixture {
	mac := s1MAC
	now := time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC)
	f := &fixture{store: newMemStore(), today: time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)}
	r := roster{
		students: map[string]model.Student{
			"S1": {ID: "S1", Name: "Ada", MAC: &mac},
			"S2": {ID: "S2", Name: "Bola"},
			"S3": {ID: "S3", Name: "Chidi"},
		},
		courses: map[string]model.Course{
			"c-101": {ID: "c-101", Code: "CSC101", LecturerID: "lect-1"},
			"c-201": {ID: "c-201", Code: "CSC201", LecturerID: "lect-2"},
		},
		enrolled: map[[2]string]identity.Period{
			{"S1", "c-101"}: current,
			{"S2", "c-101"}: current,
		},
	}
	sess := sessions{
		activeSession: {ID: activeSession, DeviceID: "ESP32_1", CourseID: "c-101", Active: true,
			AcademicSession: current.Session, Semester: current.Semester, Date: f.today},
		endedSession: {ID: endedSession, DeviceID: "ESP32_2", CourseID: "c-101", Active: false},
	}
	f.present = presences{
		{activeSession, s1MAC}: {ID: "p-1", SessionID: activeSession, MAC: s1MAC, IsConnected: true},
	}
	f.svc = NewService(f.store, r, sess, f.present, Config{CurrentPeriod: current, Now: func() time.Time { return now }})
	return f
}

func TestMarkPresentAfterConnectIsVerified(t *testing.T) {
	f := newFixture()
	res, err := f.svc.MarkPresent(context.Background(), MarkRequest{Actor: owner, StudentID: "S1", CourseID: "c-101"})
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.Equal(t, model.StatusPresent, res.Mark.Status)
	assert.True(t, res.Mark.Verified)
	assert.Equal(t, f.today, res.Mark.Date)
	require.NotNil(t, res.Mark.PresenceID)
	assert.Equal(t, "p-1", *res.Mark.PresenceID)
	require.NotNil(t, res.Mark.DeviceID)
	assert.Equal(t, "ESP32_1", *res.Mark.DeviceID)
}

func TestMarkPresentTwiceCorroborates(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	first, err := f.svc.MarkPresent(ctx, MarkRequest{Actor: owner, StudentID: "S2", CourseID: "c-101"})
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.False(t, first.Mark.Verified)

	second, err := f.svc.MarkPresent(ctx, MarkRequest{Actor: owner, StudentID: "S2", CourseID: "c-101", Date: f.today})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Mark.ID, second.Mark.ID)
	assert.Len(t, f.store.marks, 1)
}

func TestNetworkConfirmationReinforcesManualMark(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	delete(f.present, [2]string{activeSession, s1MAC})

	manual, err := f.svc.MarkPresent(ctx, MarkRequest{Actor: owner, StudentID: "S1", CourseID: "c-101"})
	require.NoError(t, err)
	assert.False(t, manual.Mark.Verified)

	f.present[[2]string{activeSession, s1MAC}] = model.Presence{ID: "p-9", MAC: s1MAC, IsConnected: true}
	res, err := f.svc.ReconcileConnection(ctx, activeSession, s1MAC)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.True(t, res.Mark.Verified)
	assert.Equal(t, model.SourceLecturer, res.Mark.Source)
	assert.Len(t, f.store.marks, 1)
}

func TestMarkPresentRequiresEnrollment(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.MarkPresent(ctx, MarkRequest{Actor: owner, StudentID: "S3", CourseID: "c-101"})
	assert.ErrorIs(t, err, model.ErrNotEnrolled)

	_, err = f.svc.MarkPresent(ctx, MarkRequest{Actor: owner, StudentID: "S1", CourseID: "c-101",
		Period: identity.Period{Session: "2023/2024", Semester: "first"}})
	assert.ErrorIs(t, err, model.ErrNotEnrolled)
	assert.Empty(t, f.store.marks)

	_, err = f.svc.MarkPresent(ctx, MarkRequest{Actor: owner, StudentID: "nobody", CourseID: "c-101"})
	assert.ErrorIs(t, err, model.ErrStudentNotFound)
	_, err = f.svc.MarkPresent(ctx, MarkRequest{Actor: owner, StudentID: "S1", CourseID: "nothing"})
	assert.ErrorIs(t, err, model.ErrCourseNotFound)
}

func TestLecturerMustOwnCourse(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	other := Actor{ID: "lect-2", Role: model.RoleLecturer}

	_, err := f.svc.MarkPresent(ctx, MarkRequest{Actor: other, StudentID: "S1", CourseID: "c-101"})
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = f.svc.MarkAbsent(ctx, other, "S2", "c-101", f.today, identity.Period{})
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = f.svc.SweepRoster(ctx, other, "c-101", identity.Period{}, f.today)
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = f.svc.List(ctx, other, "c-101", f.today)
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = f.svc.MarkPresent(ctx, MarkRequest{StudentID: "S1", CourseID: "c-101"})
	assert.ErrorIs(t, err, model.ErrForbidden)
	assert.Empty(t, f.store.marks)

	admin := Actor{ID: "root", Role: model.RoleAdmin}
	_, err = f.svc.SweepRoster(ctx, admin, "c-101", identity.Period{}, f.today)
	require.NoError(t, err)

	// the network path has no actor and is not subject to ownership
	_, err = f.svc.ReconcileConnection(ctx, activeSession, s1MAC)
	assert.NoError(t, err)
}

func TestMarkPresentAgainstEndedSessionFails(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.svc.MarkPresent(ctx, MarkRequest{Actor: owner, StudentID: "S1", CourseID: "c-101",
		Evidence: Evidence{SessionID: endedSession}})
	assert.ErrorIs(t, err, model.ErrStaleSession)

	_, err = f.svc.MarkPresent(ctx, MarkRequest{Actor: owner, StudentID: "S1", CourseID: "c-101",
		Evidence: Evidence{SessionID: "33333333-3333-4333-8333-333333333333"}})
	assert.ErrorIs(t, err, model.ErrStaleSession)
	assert.Empty(t, f.store.marks)
}

func TestMarkAbsentNeverDowngradesPresent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.svc.MarkPresent(ctx, MarkRequest{Actor: owner, StudentID: "S1", CourseID: "c-101"})
	require.NoError(t, err)

	created, err := f.svc.MarkAbsent(ctx, owner, "S1", "c-101", f.today, identity.Period{})
	require.NoError(t, err)
	assert.False(t, created)

	marks, err := f.svc.List(ctx, owner, "c-101", f.today)
	require.NoError(t, err)
	require.Len(t, marks, 1)
	assert.Equal(t, model.StatusPresent, marks[0].Status)
}

func TestAbsentOnlyFlipsOnLecturerResubmission(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	created, err := f.svc.MarkAbsent(ctx, owner, "S1", "c-101", f.today, identity.Period{})
	require.NoError(t, err)
	assert.True(t, created)

	res, err := f.svc.ReconcileConnection(ctx, activeSession, s1MAC)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAbsent, res.Mark.Status)
	assert.False(t, res.Mark.Verified)

	res, err = f.svc.MarkPresent(ctx, MarkRequest{Actor: owner, StudentID: "S1", CourseID: "c-101",
		Evidence: Evidence{Source: model.SourceLecturer}})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, model.StatusPresent, res.Mark.Status)
	assert.True(t, res.Mark.Verified)
}

func TestReconcileConnectionErrors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.svc.ReconcileConnection(ctx, endedSession, s1MAC)
	assert.ErrorIs(t, err, model.ErrStaleSession)

	_, err = f.svc.ReconcileConnection(ctx, activeSession, "00:11:22:33:44:55")
	assert.ErrorIs(t, err, model.ErrStudentNotFound)
}

func TestConcurrentMarkPresentCreatesOnce(t *testing.T) {
	f := newFixture()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.MarkPresent(context.Background(), MarkRequest{Actor: owner, StudentID: "S2", CourseID: "c-101"})
			if !assert.NoError(t, err) {
				return
			}
			if res.Created {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.Len(t, f.store.marks, 1)
}
