//go:build integration

// Package storetest opens a migrated Postgres database for integration tests.
// Tests share one database, so run them with -p 1:
//
//	WIFIATTEND_TEST_DATABASE_URL=postgres://... go test -tags integration -p 1 ./...
package storetest

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"wifiattend/internal/store"
)

// EnvURL names the connection string variable; tests skip when it is unset.
const EnvURL = "WIFIATTEND_TEST_DATABASE_URL"

// Open migrates the test database, empties every table and seeds the shared
// fixture: devices ESP32_1..ESP32_3, course c-101 (CSC101, lect-1) and
// students S1 and S2 enrolled for 2024/2025 first semester.
func Open(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv(EnvURL)
	if url == "" {
		t.Skipf("%s not set", EnvURL)
	}
	db, err := store.NewDB(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	ctx := context.Background()
	for _, stmt := range []string{
		`TRUNCATE attendance_marks, presences, network_sessions, enrollments, students, courses, refresh_tokens, devices`,
		`INSERT INTO devices (device_id, name) VALUES ('ESP32_1', 'ESP32 ESP32_1'), ('ESP32_2', 'ESP32 ESP32_2'), ('ESP32_3', 'ESP32 ESP32_3')`,
		`INSERT INTO courses (id, code, title, lecturer_id) VALUES ('c-101', 'CSC101', 'Intro', 'lect-1')`,
		`INSERT INTO students (id, name, mac_address) VALUES ('S1', 'Ada', 'AA:BB:CC:DD:EE:FF'), ('S2', 'Bola', NULL)`,
		`INSERT INTO enrollments (student_id, course_id, academic_session, semester) VALUES
			('S1', 'c-101', '2024/2025', 'first'), ('S2', 'c-101', '2024/2025', 'first')`,
	} {
		_, err := db.Client.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	return db.Client
}
