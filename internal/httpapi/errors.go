package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"wifiattend/internal/model"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidInput), errors.Is(err, model.ErrInvalidMAC):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrForbidden), errors.Is(err, model.ErrNotEnrolled):
		return http.StatusForbidden
	case errors.Is(err, model.ErrUnknownDevice),
		errors.Is(err, model.ErrCourseNotFound),
		errors.Is(err, model.ErrStudentNotFound),
		errors.Is(err, model.ErrSessionNotFound),
		errors.Is(err, model.ErrPresenceNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConflict),
		errors.Is(err, model.ErrDeviceOffline),
		errors.Is(err, model.ErrDeviceInactive),
		errors.Is(err, model.ErrNoDeviceAvailable):
		return http.StatusConflict
	case errors.Is(err, model.ErrStaleSession):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a JSON error. Unmapped errors are logged and hidden.
func fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
