package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wifiattend/internal/identity"
	"wifiattend/internal/model"
	"wifiattend/internal/store"
)

// Repository persists network sessions in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const sessionSelect = `
	SELECT s.id, s.device_id, s.course_id, c.code, s.lecturer_id, s.academic_session, s.semester,
	       s.session_date, s.ssid, s.advertised_id, s.disambiguated, s.start_time, s.end_time,
	       s.active, COALESCE(s.end_reason, '')
	FROM network_sessions s
	JOIN courses c ON c.id = s.course_id`

func scanSession(row store.RowScanner) (model.Session, error) {
	var s model.Session
	err := row.Scan(&s.ID, &s.DeviceID, &s.CourseID, &s.CourseCode, &s.LecturerID, &s.AcademicSession, &s.Semester,
		&s.Date, &s.SSID, &s.AdvertisedID, &s.Disambiguated, &s.StartTime, &s.EndTime, &s.Active, &s.EndReason)
	return s, err
}

// Create inserts an active session and writes its SSID onto the device in one
// transaction. The plain identity is used unless another active session already
// advertises that SSID; when the disambiguated SSID is taken as well the start
// is rejected with ErrConflict. The partial unique indexes on (device_id) and
// (ssid) WHERE active back both rules.
func (r *Repository) Create(ctx context.Context, s model.Session, plain, alt identity.Identity) (model.Session, error) {
	err := store.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		// Starts for the same course code queue up here until this transaction ends.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, plain.SSID); err != nil {
			return fmt.Errorf("lock ssid: %w", err)
		}
		var plainTaken, altTaken bool
		if err := tx.QueryRowContext(ctx, `
			SELECT
				EXISTS (SELECT 1 FROM network_sessions WHERE active AND ssid = $1),
				EXISTS (SELECT 1 FROM network_sessions WHERE active AND ssid = $2)
		`, plain.SSID, alt.SSID).Scan(&plainTaken, &altTaken); err != nil {
			return err
		}
		id := plain
		if plainTaken {
			if altTaken {
				return fmt.Errorf("%w: %s and %s are both advertised", model.ErrConflict, plain.SSID, alt.SSID)
			}
			id = alt
			s.Disambiguated = true
		}
		s.SSID, s.AdvertisedID = id.SSID, id.AdvertisedID

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO network_sessions (id, device_id, course_id, lecturer_id, academic_session, semester,
				session_date, ssid, advertised_id, disambiguated, start_time, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, TRUE)
		`, s.ID, s.DeviceID, s.CourseID, s.LecturerID, s.AcademicSession, s.Semester,
			s.Date, s.SSID, s.AdvertisedID, s.Disambiguated, s.StartTime); err != nil {
			if store.IsUniqueViolation(err) {
				return model.ErrConflict
			}
			return err
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE devices SET ssid = $2, updated_at = NOW() WHERE device_id = $1
		`, s.DeviceID, s.SSID)
		return err
	})
	if err != nil {
		return model.Session{}, err
	}
	s.Active = true
	return s, nil
}

// End flips an active session to ended and disconnects all its presences in
// one transaction. Ending an already-ended session reports alreadyEnded.
func (r *Repository) End(ctx context.Context, id string, at time.Time, reason string) (model.Session, bool, int, error) {
	var (
		out          model.Session
		alreadyEnded bool
		disconnected int64
	)
	err := store.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE network_sessions SET active = FALSE, end_time = $2, end_reason = $3
			WHERE id = $1 AND active
		`, id, at, reason)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			alreadyEnded = true
		} else {
			res, err := tx.ExecContext(ctx, `
				UPDATE presences SET
					is_connected = FALSE,
					disconnected_at = COALESCE(disconnected_at, $2)
				WHERE session_id = $1 AND (is_connected OR disconnected_at IS NULL)
			`, id, at)
			if err != nil {
				return fmt.Errorf("disconnect presences: %w", err)
			}
			disconnected, _ = res.RowsAffected()
		}

		out, err = scanSession(tx.QueryRowContext(ctx, sessionSelect+` WHERE s.id = $1`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrSessionNotFound
		}
		return err
	})
	if err != nil {
		return model.Session{}, false, 0, err
	}
	return out, alreadyEnded, int(disconnected), nil
}

// ActiveFor returns the device's active session or nil.
func (r *Repository) ActiveFor(ctx context.Context, deviceID string) (*model.Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, sessionSelect+` WHERE s.device_id = $1 AND s.active`, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Get returns a session by id.
func (r *Repository) Get(ctx context.Context, id string) (model.Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, sessionSelect+` WHERE s.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, model.ErrSessionNotFound
	}
	return s, err
}

// ListActive returns active sessions, optionally restricted to one course.
func (r *Repository) ListActive(ctx context.Context, courseID string) ([]model.Session, error) {
	query := sessionSelect + ` WHERE s.active`
	args := []any{}
	if courseID != "" {
		query += ` AND s.course_id = $1`
		args = append(args, courseID)
	}
	rows, err := r.db.QueryContext(ctx, query+` ORDER BY s.start_time`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// StartedBefore returns ids of active sessions that started before cutoff.
func (r *Repository) StartedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM network_sessions WHERE active AND start_time < $1 ORDER BY start_time
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IdleDevices returns active devices that back no active session, most recently heard first.
func (r *Repository) IdleDevices(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT d.device_id FROM devices d
		WHERE d.active AND d.last_heartbeat IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM network_sessions s WHERE s.device_id = d.device_id AND s.active)
		ORDER BY d.last_heartbeat DESC, d.device_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
