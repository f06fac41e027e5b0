package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"

	"wifiattend/internal/attendance"
	"wifiattend/internal/metrics"
	"wifiattend/internal/model"
	"wifiattend/internal/presence"
	"wifiattend/internal/queue"
)

// Reconciler turns a client connect into an attendance mark.
type Reconciler interface {
	ReconcileConnection(ctx context.Context, sessionID, mac string) (attendance.Result, error)
}

// RetryPolicy bounds how often a connect is retried after a transient failure.
type RetryPolicy struct {
	Retries uint64
	Base    time.Duration
	Max     time.Duration
}

// DefaultRetry retries four times, backing off from 200ms up to 5s.
var DefaultRetry = RetryPolicy{Retries: 4, Base: 200 * time.Millisecond, Max: 5 * time.Second}

func (p RetryPolicy) backoff() retry.Backoff {
	if p.Base <= 0 {
		p.Base = DefaultRetry.Base
	}
	b := retry.NewExponential(p.Base)
	if p.Max > 0 {
		b = retry.WithCappedDuration(p.Max, b)
	}
	return retry.WithMaxRetries(p.Retries, b)
}

// Reconcile drains msgs until the channel closes, marking the students whose
// registered device connected. Domain rejections are final; anything else is
// retried per policy. It returns the number of marks written.
func Reconcile(ctx context.Context, msgs <-chan queue.Message, r Reconciler, policy RetryPolicy) int {
	var marked int
	for msg := range msgs {
		if msg.Type != presence.TypeConnected {
			log.Debug().Str("type", msg.Type).Msg("ignoring message")
			continue
		}
		var ev presence.ConnectedEvent
		if err := json.Unmarshal(msg.Body, &ev); err != nil {
			log.Error().Err(err).Msg("bad connect event")
			continue
		}

		var (
			res      attendance.Result
			attempts int
		)
		err := retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
			attempts++
			var err error
			res, err = r.ReconcileConnection(ctx, ev.SessionID, ev.MAC)
			if err == nil || final(err) {
				return err
			}
			log.Warn().Err(err).Int("attempt", attempts).Str("session_id", ev.SessionID).Msg("reconcile attempt failed")
			return retry.RetryableError(err)
		})

		switch {
		case err == nil:
			marked++
			log.Debug().Str("session_id", ev.SessionID).Str("mac", ev.MAC).
				Str("status", res.Mark.Status).Bool("created", res.Created).Msg("connect reconciled")
		case errors.Is(err, model.ErrStudentNotFound):
			log.Debug().Str("mac", ev.MAC).Msg("connect from unregistered device")
		case errors.Is(err, model.ErrNotEnrolled), errors.Is(err, model.ErrStaleSession):
			log.Info().Err(err).Str("session_id", ev.SessionID).Str("mac", ev.MAC).Msg("connect not reconciled")
		default:
			metrics.AttendanceMarks.WithLabelValues("reconcile_failed").Inc()
			log.Error().Err(err).Int("attempts", attempts).Str("session_id", ev.SessionID).Str("mac", ev.MAC).Msg("reconcile failed")
		}
	}
	return marked
}

// final reports errors that no retry can change.
func final(err error) bool {
	for _, target := range []error{
		model.ErrStudentNotFound, model.ErrNotEnrolled, model.ErrStaleSession,
		model.ErrCourseNotFound, model.ErrInvalidInput, model.ErrInvalidMAC,
		context.Canceled,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
