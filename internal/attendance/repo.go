package attendance

import (
	"context"
	"database/sql"
	"time"

	"wifiattend/internal/identity"
	"wifiattend/internal/model"
	"wifiattend/internal/store"
)

// Repository persists attendance marks in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const markColumns = `id, student_id, course_id, mark_date, status, verified, source, marked_at, updated_at, session_id, presence_id, device_id`

func scanMark(row store.RowScanner, extra ...any) (model.Mark, error) {
	var m model.Mark
	dest := []any{&m.ID, &m.StudentID, &m.CourseID, &m.Date, &m.Status, &m.Verified, &m.Source,
		&m.MarkedAt, &m.UpdatedAt, &m.SessionID, &m.PresenceID, &m.DeviceID}
	err := row.Scan(append(dest, extra...)...)
	return m, err
}

// UpsertPresent inserts a present mark or, when one exists for the
// (student, course, date), refreshes its evidence. An existing absent mark
// keeps its status and evidence unless flip is set.
func (r *Repository) UpsertPresent(ctx context.Context, m model.Mark, flip bool) (model.Mark, bool, error) {
	var inserted bool
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_marks (id, student_id, course_id, mark_date, status, verified, source,
			marked_at, updated_at, session_id, presence_id, device_id)
		VALUES ($1, $2, $3, $4, 'present', $5, $6, $7, $7, $8, $9, $10)
		ON CONFLICT (student_id, course_id, mark_date) DO UPDATE SET
			status = CASE WHEN $11::boolean THEN 'present' ELSE attendance_marks.status END,
			verified = CASE WHEN attendance_marks.status = 'present' OR $11::boolean
				THEN attendance_marks.verified OR EXCLUDED.verified
				ELSE attendance_marks.verified END,
			source = CASE WHEN $11::boolean AND attendance_marks.status <> 'present'
				THEN EXCLUDED.source ELSE attendance_marks.source END,
			session_id = CASE WHEN attendance_marks.status = 'present' OR $11::boolean
				THEN COALESCE(EXCLUDED.session_id, attendance_marks.session_id)
				ELSE attendance_marks.session_id END,
			presence_id = CASE WHEN attendance_marks.status = 'present' OR $11::boolean
				THEN COALESCE(EXCLUDED.presence_id, attendance_marks.presence_id)
				ELSE attendance_marks.presence_id END,
			device_id = CASE WHEN attendance_marks.status = 'present' OR $11::boolean
				THEN COALESCE(EXCLUDED.device_id, attendance_marks.device_id)
				ELSE attendance_marks.device_id END,
			updated_at = EXCLUDED.updated_at
		RETURNING `+markColumns+`, (xmax = 0)
	`, m.ID, m.StudentID, m.CourseID, m.Date, m.Verified, m.Source, m.MarkedAt,
		m.SessionID, m.PresenceID, m.DeviceID, flip)
	out, err := scanMark(row, &inserted)
	return out, inserted, err
}

// InsertAbsent records an absent mark unless any mark already exists for the key.
func (r *Repository) InsertAbsent(ctx context.Context, m model.Mark) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_marks (id, student_id, course_id, mark_date, status, verified, source, marked_at, updated_at)
		VALUES ($1, $2, $3, $4, 'absent', FALSE, $5, $6, $6)
		ON CONFLICT (student_id, course_id, mark_date) DO NOTHING
	`, m.ID, m.StudentID, m.CourseID, m.Date, m.Source, m.MarkedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SweepAbsent marks every enrolled student without a mark for the date absent.
func (r *Repository) SweepAbsent(ctx context.Context, courseID string, p identity.Period, date, at time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_marks (id, student_id, course_id, mark_date, status, verified, source, marked_at, updated_at)
		SELECT gen_random_uuid(), e.student_id, e.course_id, $4, 'absent', FALSE, 'lecturer', $5, $5
		FROM enrollments e
		WHERE e.course_id = $1 AND e.academic_session = $2 AND e.semester = $3
		ON CONFLICT (student_id, course_id, mark_date) DO NOTHING
	`, courseID, p.Session, p.Semester, date, at)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// List returns marks for a course on a date.
func (r *Repository) List(ctx context.Context, courseID string, date time.Time) ([]model.Mark, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+markColumns+` FROM attendance_marks
		WHERE course_id = $1 AND mark_date = $2
		ORDER BY student_id
	`, courseID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Mark
	for rows.Next() {
		m, err := scanMark(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
