// Package httpapi exposes the attendance core over HTTP for access points
// and lecturers.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"wifiattend/internal/attendance"
	"wifiattend/internal/auth"
	"wifiattend/internal/device"
	"wifiattend/internal/identity"
	"wifiattend/internal/model"
	"wifiattend/internal/presence"
	"wifiattend/internal/session"
)

// Devices is the device registry as the handlers use it.
type Devices interface {
	RecordHeartbeat(ctx context.Context, deviceID string, reported device.Reported) (device.Status, error)
	Register(ctx context.Context, d model.Device) (model.Device, error)
	Get(ctx context.Context, deviceID string) (model.Device, error)
	Online(d model.Device) bool
	List(ctx context.Context) ([]model.Device, error)
	Deactivate(ctx context.Context, deviceID string) error
	SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error
}

// Sessions is the session manager as the handlers use it.
type Sessions interface {
	Start(ctx context.Context, req session.StartRequest) (model.Session, error)
	End(ctx context.Context, req session.EndRequest) (session.EndResult, error)
	GetOwned(ctx context.Context, id, actorID, actorRole string) (model.Session, error)
	ActiveFor(ctx context.Context, deviceID string) (*model.Session, error)
	ListActive(ctx context.Context) ([]model.Session, error)
}

// Presence is the presence tracker as the handlers use it.
type Presence interface {
	DeviceConnected(ctx context.Context, deviceID, mac string, meta presence.Meta) (presence.ConnectResult, error)
	DeviceDisconnected(ctx context.Context, deviceID, mac string) (bool, error)
	PresentDevices(ctx context.Context, sessionID string) ([]string, error)
	List(ctx context.Context, sessionID string) ([]model.Presence, error)
}

// Marks is the attendance reconciler as the handlers use it.
type Marks interface {
	MarkPresent(ctx context.Context, req attendance.MarkRequest) (attendance.Result, error)
	MarkAbsent(ctx context.Context, actor attendance.Actor, studentID, courseID string, date time.Time, p identity.Period) (bool, error)
	SweepRoster(ctx context.Context, actor attendance.Actor, courseID string, p identity.Period, date time.Time) (int, error)
	List(ctx context.Context, actor attendance.Actor, courseID string, date time.Time) ([]model.Mark, error)
}

// Options configures token handling.
type Options struct {
	SigningKey         string
	Issuer             string
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	DeviceAuthRequired bool
}

// Handler serves the /v1 API.
type Handler struct {
	devices  Devices
	sessions Sessions
	presence Presence
	marks    Marks
	opts     Options
}

func New(devices Devices, sessions Sessions, presence Presence, marks Marks, opts Options) *Handler {
	registerValidators()
	return &Handler{devices: devices, sessions: sessions, presence: presence, marks: marks, opts: opts}
}

// Routes mounts the API under r.
func (h *Handler) Routes(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.POST("/devices/register", h.registerDevice)

	dev := v1.Group("/devices")
	if h.opts.DeviceAuthRequired {
		dev.Use(auth.Bearer(h.opts.SigningKey, h.opts.Issuer), auth.RequireRole(model.RoleDevice))
	}
	dev.POST("/heartbeat", h.heartbeat)
	dev.POST("/connected", h.connected)
	dev.POST("/disconnected", h.disconnected)
	dev.GET("/:id/status", h.deviceStatus)

	staff := v1.Group("", auth.Bearer(h.opts.SigningKey, h.opts.Issuer), auth.RequireRole(model.RoleLecturer, model.RoleAdmin))
	staff.POST("/sessions/start", h.startSession)
	staff.POST("/sessions/end", h.endSession)
	staff.GET("/sessions", h.listSessions)
	staff.GET("/sessions/:id/presence", h.sessionPresence)
	staff.POST("/attendance/mark", h.markPresent)
	staff.POST("/attendance/absent", h.markAbsent)
	staff.POST("/attendance/roster-sweep", h.rosterSweep)
	staff.GET("/attendance", h.listMarks)

	admin := v1.Group("/admin", auth.Bearer(h.opts.SigningKey, h.opts.Issuer), auth.RequireRole(model.RoleAdmin))
	admin.GET("/devices", h.listDevices)
	admin.POST("/devices/:id/deactivate", h.deactivateDevice)
}

// actor returns the caller's id and role from the bearer claims.
func actor(c *gin.Context) (string, string) {
	claims, _ := auth.ClaimsFrom(c)
	return claims.Subject, claims.Role
}

func markActor(c *gin.Context) attendance.Actor {
	id, role := actor(c)
	return attendance.Actor{ID: id, Role: role}
}

// sameDevice rejects device-authenticated calls made on behalf of another device.
func (h *Handler) sameDevice(c *gin.Context, deviceID string) bool {
	if !h.opts.DeviceAuthRequired {
		return true
	}
	claims, ok := auth.ClaimsFrom(c)
	if !ok || claims.Subject != deviceID {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "device mismatch"})
		return false
	}
	return true
}

// parseDate reads an optional YYYY-MM-DD date; empty means today.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.DateOnly, s)
}

// parsePeriod reads an optional period; empty means the current period.
func parsePeriod(s string) (identity.Period, error) {
	if s == "" {
		return identity.Period{}, nil
	}
	return identity.ParsePeriod(s)
}
