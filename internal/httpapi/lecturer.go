package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"wifiattend/internal/attendance"
	"wifiattend/internal/session"
)

func (h *Handler) startSession(c *gin.Context) {
	var req struct {
		CourseID string `json:"course_id" binding:"required"`
		Period   string `json:"period" binding:"omitempty,period"`
		DeviceID string `json:"device_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	period, err := parsePeriod(req.Period)
	if err != nil {
		badRequest(c, err)
		return
	}
	id, role := actor(c)
	s, err := h.sessions.Start(c.Request.Context(), session.StartRequest{
		CourseID: req.CourseID, Period: period, DeviceID: req.DeviceID, ActorID: id, ActorRole: role,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_id":    s.ID,
		"ssid":          s.SSID,
		"device_id":     s.DeviceID,
		"advertised_id": s.AdvertisedID,
		"course_code":   s.CourseCode,
		"disambiguated": s.Disambiguated,
	})
}

func (h *Handler) endSession(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id, role := actor(c)
	res, err := h.sessions.End(c.Request.Context(), session.EndRequest{SessionID: req.SessionID, ActorID: id, ActorRole: role})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ended": true, "already_ended": res.AlreadyEnded, "disconnected": res.Disconnected})
}

func (h *Handler) listSessions(c *gin.Context) {
	sessions, err := h.sessions.ListActive(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) sessionPresence(c *gin.Context) {
	ctx := c.Request.Context()
	id, role := actor(c)
	s, err := h.sessions.GetOwned(ctx, c.Param("id"), id, role)
	if err != nil {
		fail(c, err)
		return
	}
	macs, err := h.presence.PresentDevices(ctx, s.ID)
	if err != nil {
		fail(c, err)
		return
	}
	if macs == nil {
		macs = []string{}
	}
	resp := gin.H{"session_id": s.ID, "active": s.Active, "present": macs}
	if c.Query("detail") == "true" {
		all, err := h.presence.List(ctx, s.ID)
		if err != nil {
			fail(c, err)
			return
		}
		resp["presences"] = all
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) markPresent(c *gin.Context) {
	var req struct {
		StudentID string `json:"student_id" binding:"required"`
		CourseID  string `json:"course_id" binding:"required"`
		Date      string `json:"date" binding:"omitempty,datetime=2006-01-02"`
		Period    string `json:"period" binding:"omitempty,period"`
		Evidence  struct {
			SessionID string `json:"session_id"`
			MAC       string `json:"mac" binding:"omitempty,mac48"`
		} `json:"evidence"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		badRequest(c, err)
		return
	}
	period, err := parsePeriod(req.Period)
	if err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.marks.MarkPresent(c.Request.Context(), attendance.MarkRequest{
		StudentID: req.StudentID,
		CourseID:  req.CourseID,
		Date:      date,
		Period:    period,
		Evidence:  attendance.Evidence{SessionID: req.Evidence.SessionID, MAC: req.Evidence.MAC},
		Actor:     markActor(c),
	})
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"created": res.Created, "status": res.Mark.Status, "verified": res.Mark.Verified, "mark": res.Mark})
}

func (h *Handler) markAbsent(c *gin.Context) {
	var req struct {
		StudentID string `json:"student_id" binding:"required"`
		CourseID  string `json:"course_id" binding:"required"`
		Date      string `json:"date" binding:"omitempty,datetime=2006-01-02"`
		Period    string `json:"period" binding:"omitempty,period"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		badRequest(c, err)
		return
	}
	period, err := parsePeriod(req.Period)
	if err != nil {
		badRequest(c, err)
		return
	}
	created, err := h.marks.MarkAbsent(c.Request.Context(), markActor(c), req.StudentID, req.CourseID, date, period)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"created": created})
}

func (h *Handler) rosterSweep(c *gin.Context) {
	var req struct {
		CourseID string `json:"course_id" binding:"required"`
		Date     string `json:"date" binding:"omitempty,datetime=2006-01-02"`
		Period   string `json:"period" binding:"omitempty,period"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		badRequest(c, err)
		return
	}
	period, err := parsePeriod(req.Period)
	if err != nil {
		badRequest(c, err)
		return
	}
	n, err := h.marks.SweepRoster(c.Request.Context(), markActor(c), req.CourseID, period, date)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"absent_marked": n})
}

func (h *Handler) listMarks(c *gin.Context) {
	var q struct {
		CourseID string `form:"course_id" binding:"required"`
		Date     string `form:"date" binding:"omitempty,datetime=2006-01-02"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	date, err := parseDate(q.Date)
	if err != nil {
		badRequest(c, err)
		return
	}
	marks, err := h.marks.List(c.Request.Context(), markActor(c), q.CourseID, date)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marks": marks})
}
