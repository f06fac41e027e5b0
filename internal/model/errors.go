package model

import "errors"

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidMAC        = errors.New("invalid mac address")
	ErrUnknownDevice     = errors.New("unknown device")
	ErrDeviceInactive    = errors.New("device deactivated")
	ErrDeviceOffline     = errors.New("device offline")
	ErrNoDeviceAvailable = errors.New("no idle online device")
	ErrCourseNotFound    = errors.New("course not found")
	ErrStudentNotFound   = errors.New("student not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrPresenceNotFound  = errors.New("presence not found")
	ErrForbidden         = errors.New("forbidden")

	// ErrConflict means the device already backs an active session.
	ErrConflict = errors.New("device already has an active session")
	// ErrNotEnrolled means the student holds no enrollment for the course and period.
	ErrNotEnrolled = errors.New("student not enrolled")
	// ErrStaleSession means the referenced session is no longer active.
	ErrStaleSession = errors.New("session is not active")
)
