package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"wifiattend/internal/auth"
	"wifiattend/internal/device"
	"wifiattend/internal/model"
	"wifiattend/internal/presence"
)

func (h *Handler) registerDevice(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required,max=64"`
		Name     string `json:"name"`
		Location string `json:"location"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()

	dev, err := h.devices.Register(ctx, model.Device{DeviceID: req.DeviceID, Name: req.Name, Location: req.Location})
	if err != nil {
		fail(c, err)
		return
	}

	tokens, err := auth.Issue(dev.DeviceID, model.RoleDevice, h.opts.Issuer, h.opts.SigningKey, h.opts.AccessTTL, h.opts.RefreshTTL)
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.devices.SaveRefreshToken(ctx, dev.DeviceID, tokens.RefreshToken, tokens.RefreshExp); err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"device_id":     dev.DeviceID,
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

func (h *Handler) heartbeat(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required,max=64"`
		SSID     string `json:"ssid"`
		Location string `json:"location"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !h.sameDevice(c, req.DeviceID) {
		return
	}
	st, err := h.devices.RecordHeartbeat(c.Request.Context(), req.DeviceID, device.Reported{SSID: req.SSID, Location: req.Location})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"online": st.Online, "session": st.Session})
}

func (h *Handler) connected(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required"`
		MAC      string `json:"mac" binding:"required,mac48"`
		Name     string `json:"name"`
		IP       string `json:"ip" binding:"omitempty,ip"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !h.sameDevice(c, req.DeviceID) {
		return
	}
	res, err := h.presence.DeviceConnected(c.Request.Context(), req.DeviceID, req.MAC, presence.Meta{Name: req.Name, IP: req.IP})
	if err != nil {
		fail(c, err)
		return
	}
	code := res.CourseCode
	if !res.Accepted {
		code = "none"
		log.Debug().Str("device_id", req.DeviceID).Str("mac", req.MAC).Msg("connect ignored, no active session")
	}
	c.JSON(http.StatusOK, gin.H{"accepted": res.Accepted, "course_code": code})
}

func (h *Handler) disconnected(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required"`
		MAC      string `json:"mac" binding:"required,mac48"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !h.sameDevice(c, req.DeviceID) {
		return
	}
	ok, err := h.presence.DeviceDisconnected(c.Request.Context(), req.DeviceID, req.MAC)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": ok})
}

func (h *Handler) deviceStatus(c *gin.Context) {
	if !h.sameDevice(c, c.Param("id")) {
		return
	}
	ctx := c.Request.Context()
	dev, err := h.devices.Get(ctx, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	sess, err := h.sessions.ActiveFor(ctx, dev.DeviceID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"device_id":      dev.DeviceID,
		"online":         h.devices.Online(dev),
		"active":         dev.Active,
		"ssid":           dev.SSID,
		"last_heartbeat": dev.LastHeartbeat,
		"session":        sess,
	})
}

func (h *Handler) listDevices(c *gin.Context) {
	devs, err := h.devices.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	type row struct {
		model.Device
		Online bool `json:"online"`
	}
	out := make([]row, 0, len(devs))
	for _, d := range devs {
		out = append(out, row{Device: d, Online: h.devices.Online(d)})
	}
	c.JSON(http.StatusOK, gin.H{"devices": out})
}

func (h *Handler) deactivateDevice(c *gin.Context) {
	if err := h.devices.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deactivated": true})
}
