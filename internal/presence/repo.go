package presence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"wifiattend/internal/model"
	"wifiattend/internal/store"
)

// Repository persists presences in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const presenceColumns = `id, session_id, mac, device_name, ip, connected_at, last_seen, disconnected_at, is_connected`

func scanPresence(row store.RowScanner, extra ...any) (model.Presence, error) {
	var p model.Presence
	dest := []any{&p.ID, &p.SessionID, &p.MAC, &p.DeviceName, &p.IP, &p.ConnectedAt, &p.LastSeen, &p.DisconnectedAt, &p.IsConnected}
	err := row.Scan(append(dest, extra...)...)
	return p, err
}

// Upsert records a connect in one statement. connected_at keeps its first
// value; the row is only written while the session is active.
func (r *Repository) Upsert(ctx context.Context, id, sessionID, mac string, meta Meta, at time.Time) (model.Presence, bool, error) {
	var inserted bool
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO presences (id, session_id, mac, device_name, ip, connected_at, last_seen, is_connected)
		SELECT $1, s.id, $3, $4, $5, $6, $6, TRUE
		FROM network_sessions s
		WHERE s.id = $2 AND s.active
		ON CONFLICT (session_id, mac) DO UPDATE SET
			device_name = COALESCE(NULLIF(EXCLUDED.device_name, ''), presences.device_name),
			ip = COALESCE(NULLIF(EXCLUDED.ip, ''), presences.ip),
			last_seen = EXCLUDED.last_seen,
			is_connected = TRUE,
			disconnected_at = NULL
		RETURNING `+presenceColumns+`, (xmax = 0)
	`, id, sessionID, mac, meta.Name, meta.IP, at)
	p, err := scanPresence(row, &inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Presence{}, false, model.ErrStaleSession
	}
	return p, inserted, err
}

// MarkDisconnected flips a connected row. known is false when no row exists for the MAC.
func (r *Repository) MarkDisconnected(ctx context.Context, sessionID, mac string, at time.Time) (bool, error) {
	var known bool
	err := r.db.QueryRowContext(ctx, `
		WITH updated AS (
			UPDATE presences SET is_connected = FALSE, disconnected_at = $3, last_seen = $3
			WHERE session_id = $1 AND mac = $2 AND is_connected
			RETURNING 1
		)
		SELECT EXISTS (SELECT 1 FROM updated)
		    OR EXISTS (SELECT 1 FROM presences WHERE session_id = $1 AND mac = $2)
	`, sessionID, mac, at).Scan(&known)
	return known, err
}

// Connected returns MACs currently connected in the session.
func (r *Repository) Connected(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT mac FROM presences WHERE session_id = $1 AND is_connected ORDER BY connected_at, mac
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var macs []string
	for rows.Next() {
		var mac string
		if err := rows.Scan(&mac); err != nil {
			return nil, err
		}
		macs = append(macs, mac)
	}
	return macs, rows.Err()
}

// Find returns the presence row for (session, mac).
func (r *Repository) Find(ctx context.Context, sessionID, mac string) (model.Presence, error) {
	p, err := scanPresence(r.db.QueryRowContext(ctx, `
		SELECT `+presenceColumns+` FROM presences WHERE session_id = $1 AND mac = $2
	`, sessionID, mac))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Presence{}, model.ErrPresenceNotFound
	}
	return p, err
}

// List returns every presence row of a session.
func (r *Repository) List(ctx context.Context, sessionID string) ([]model.Presence, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+presenceColumns+` FROM presences WHERE session_id = $1 ORDER BY connected_at, mac
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Presence
	for rows.Next() {
		p, err := scanPresence(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
