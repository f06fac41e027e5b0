package model

import (
	"time"

	"wifiattend/internal/identity"
)

// Roles carried in JWT claims.
const (
	RoleDevice   = "device"
	RoleLecturer = "lecturer"
	RoleAdmin    = "admin"
)

// CanManage reports whether the caller may act on a course or session owned
// by ownerID. Admins manage everything.
func CanManage(actorID, actorRole, ownerID string) bool {
	if actorRole == RoleAdmin {
		return true
	}
	return actorID != "" && actorID == ownerID
}

// Attendance mark statuses.
const (
	StatusPresent = "present"
	StatusAbsent  = "absent"
)

// Evidence sources for attendance marks.
const (
	SourceLecturer = "lecturer"
	SourceNetwork  = "network"
)

// Reasons a network session ended.
const (
	EndManual  = "manual"
	EndExpired = "expired"
)

// Device is an access point (ESP32) that students associate to.
type Device struct {
	DeviceID      string     `json:"device_id"`
	Name          string     `json:"name"`
	SSID          string     `json:"ssid"`
	Password      string     `json:"-"`
	Location      string     `json:"location"`
	Active        bool       `json:"active"`
	LastSeen      *time.Time `json:"last_seen,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Course is a course offering owned by one lecturer.
type Course struct {
	ID         string `json:"id"`
	Code       string `json:"code"`
	Title      string `json:"title"`
	LecturerID string `json:"lecturer_id"`
}

// Student is an enrollable student. MAC is the client device registered for
// network-verified attendance, if any.
type Student struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	MAC  *string `json:"mac,omitempty"`
}

// Session binds one device to one course offering for one day.
type Session struct {
	ID              string     `json:"id"`
	DeviceID        string     `json:"device_id"`
	CourseID        string     `json:"course_id"`
	CourseCode      string     `json:"course_code"`
	LecturerID      string     `json:"lecturer_id"`
	AcademicSession string     `json:"academic_session"`
	Semester        string     `json:"semester"`
	Date            time.Time  `json:"date"`
	SSID            string     `json:"ssid"`
	AdvertisedID    string     `json:"advertised_id"`
	Disambiguated   bool       `json:"disambiguated"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	Active          bool       `json:"active"`
	EndReason       string     `json:"end_reason,omitempty"`
}

// Period returns the academic period the session belongs to.
func (s Session) Period() identity.Period {
	return identity.Period{Session: s.AcademicSession, Semester: s.Semester}
}

// Presence is one client MAC's association state within a session.
type Presence struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	MAC            string     `json:"mac"`
	DeviceName     string     `json:"device_name"`
	IP             string     `json:"ip"`
	ConnectedAt    time.Time  `json:"connected_at"`
	LastSeen       time.Time  `json:"last_seen"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	IsConnected    bool       `json:"is_connected"`
}

// Mark is the attendance outcome for one (student, course, date).
type Mark struct {
	ID         string    `json:"id"`
	StudentID  string    `json:"student_id"`
	CourseID   string    `json:"course_id"`
	Date       time.Time `json:"date"`
	Status     string    `json:"status"`
	Verified   bool      `json:"verified"`
	Source     string    `json:"source"`
	MarkedAt   time.Time `json:"marked_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	SessionID  *string   `json:"session_id,omitempty"`
	PresenceID *string   `json:"presence_id,omitempty"`
	DeviceID   *string   `json:"device_id,omitempty"`
}

// Day truncates t to midnight UTC of its calendar date in loc.
func Day(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
