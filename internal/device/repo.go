package device

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"wifiattend/internal/model"
	"wifiattend/internal/store"
)

// Repository persists devices in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const deviceColumns = `device_id, name, ssid, password, location, active, last_seen, last_heartbeat, created_at, updated_at`

func scanDevice(row store.RowScanner, extra ...any) (model.Device, error) {
	var d model.Device
	dest := []any{&d.DeviceID, &d.Name, &d.SSID, &d.Password, &d.Location, &d.Active, &d.LastSeen, &d.LastHeartbeat, &d.CreatedAt, &d.UpdatedAt}
	err := row.Scan(append(dest, extra...)...)
	return d, err
}

// Heartbeat stamps last_heartbeat, never moving it backwards. When create is
// set an unseen device is inserted with placeholder metadata.
func (r *Repository) Heartbeat(ctx context.Context, deviceID string, reported Reported, at time.Time, create bool) (model.Device, bool, error) {
	if !create {
		row := r.db.QueryRowContext(ctx, `
			UPDATE devices SET
				last_seen = GREATEST(last_seen, $2),
				last_heartbeat = GREATEST(last_heartbeat, $2),
				updated_at = NOW()
			WHERE device_id = $1
			RETURNING `+deviceColumns, deviceID, at)
		d, err := scanDevice(row)
		if errors.Is(err, sql.ErrNoRows) {
			return model.Device{}, false, model.ErrUnknownDevice
		}
		return d, false, err
	}

	var inserted bool
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO devices (device_id, name, ssid, location, active, last_seen, last_heartbeat)
		VALUES ($1, $2, $3, $4, TRUE, $5, $5)
		ON CONFLICT (device_id) DO UPDATE SET
			last_seen = GREATEST(devices.last_seen, EXCLUDED.last_seen),
			last_heartbeat = GREATEST(devices.last_heartbeat, EXCLUDED.last_heartbeat),
			updated_at = NOW()
		RETURNING `+deviceColumns+`, (xmax = 0)
	`, deviceID, placeholderName(deviceID), reported.SSID, reported.Location, at)
	d, err := scanDevice(row, &inserted)
	return d, inserted, err
}

// Register creates a device or refreshes its metadata. A deactivated device
// stays deactivated.
func (r *Repository) Register(ctx context.Context, d model.Device) (model.Device, bool, error) {
	if d.Name == "" {
		d.Name = placeholderName(d.DeviceID)
	}
	var inserted bool
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO devices (device_id, name, location, password, active)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (device_id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), devices.name),
			location = COALESCE(NULLIF(EXCLUDED.location, ''), devices.location),
			password = COALESCE(NULLIF(EXCLUDED.password, ''), devices.password),
			updated_at = NOW()
		RETURNING `+deviceColumns+`, (xmax = 0)
	`, d.DeviceID, d.Name, d.Location, d.Password)
	out, err := scanDevice(row, &inserted)
	return out, inserted, err
}

// Get returns a single device.
func (r *Repository) Get(ctx context.Context, deviceID string) (model.Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id = $1`, deviceID)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, model.ErrUnknownDevice
	}
	return d, err
}

// SetSSID records the SSID the device is advertising.
func (r *Repository) SetSSID(ctx context.Context, deviceID, ssid string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE devices SET ssid = $2, updated_at = NOW() WHERE device_id = $1
	`, deviceID, ssid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrUnknownDevice
	}
	return nil
}

// Deactivate soft-deletes a device; rows referenced by sessions are never removed.
func (r *Repository) Deactivate(ctx context.Context, deviceID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE devices SET active = FALSE, updated_at = NOW() WHERE device_id = $1
	`, deviceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrUnknownDevice
	}
	return nil
}

// List returns all devices ordered by id.
func (r *Repository) List(ctx context.Context) ([]model.Device, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY device_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (device_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, deviceID, token, expiresAt)
	return err
}

func placeholderName(deviceID string) string {
	return "ESP32 " + deviceID
}
