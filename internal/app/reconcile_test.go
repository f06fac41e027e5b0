package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wifiattend/internal/attendance"
	"wifiattend/internal/model"
	"wifiattend/internal/presence"
	"wifiattend/internal/queue"
)

type fakeReconciler struct {
	mu    sync.Mutex
	calls []string
	// failures is how many leading calls fail with a transient error.
	failures int
}

func (f *fakeReconciler) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeReconciler) ReconcileConnection(_ context.Context, sessionID, mac string) (attendance.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sessionID+"/"+mac)
	flaky := len(f.calls) <= f.failures
	f.mu.Unlock()
	if flaky {
		return attendance.Result{}, errors.New("read tcp 10.0.0.2:5432: connection reset by peer")
	}
	switch mac {
	case "00:00:00:00:00:01":
		return attendance.Result{}, model.ErrStudentNotFound
	case "00:00:00:00:00:02":
		return attendance.Result{}, model.ErrNotEnrolled
	}
	return attendance.Result{Created: true, Mark: model.Mark{Status: model.StatusPresent}}, nil
}

var testRetry = RetryPolicy{Retries: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}

func connectMsg(t *testing.T, mac string) queue.Message {
	t.Helper()
	body, err := json.Marshal(presence.ConnectedEvent{SessionID: "s-1", MAC: mac})
	require.NoError(t, err)
	return queue.Message{Type: presence.TypeConnected, Body: body}
}

func TestReconcileDrainsQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queue.NewInMemory(8)
	for _, m := range []queue.Message{
		connectMsg(t, "AA:BB:CC:DD:EE:FF"),
		{Type: "something.else", Body: []byte(`{}`)},
		{Type: presence.TypeConnected, Body: []byte(`not json`)},
		connectMsg(t, "00:00:00:00:00:01"),
		connectMsg(t, "00:00:00:00:00:02"),
	} {
		require.NoError(t, q.Publish(ctx, m))
	}

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)

	r := &fakeReconciler{}
	done := make(chan int)
	go func() { done <- Reconcile(ctx, msgs, r, testRetry) }()

	require.Eventually(t, func() bool { return len(r.seen()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.Equal(t, 1, <-done)
	assert.Equal(t, "s-1/AA:BB:CC:DD:EE:FF", r.seen()[0])
}

func TestReconcileRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	msgs := make(chan queue.Message, 1)
	msgs <- connectMsg(t, "AA:BB:CC:DD:EE:FF")
	close(msgs)

	r := &fakeReconciler{failures: 1}
	assert.Equal(t, 1, Reconcile(ctx, msgs, r, testRetry))
	assert.Equal(t, []string{"s-1/AA:BB:CC:DD:EE:FF", "s-1/AA:BB:CC:DD:EE:FF"}, r.seen())
}

func TestReconcileGivesUpAfterRetries(t *testing.T) {
	ctx := context.Background()
	msgs := make(chan queue.Message, 1)
	msgs <- connectMsg(t, "AA:BB:CC:DD:EE:FF")
	close(msgs)

	r := &fakeReconciler{failures: 100}
	assert.Equal(t, 0, Reconcile(ctx, msgs, r, testRetry))
	assert.Len(t, r.seen(), 4)
}

func TestReconcileDoesNotRetryDomainErrors(t *testing.T) {
	ctx := context.Background()
	msgs := make(chan queue.Message, 2)
	msgs <- connectMsg(t, "00:00:00:00:00:01")
	msgs <- connectMsg(t, "00:00:00:00:00:02")
	close(msgs)

	r := &fakeReconciler{}
	assert.Equal(t, 0, Reconcile(ctx, msgs, r, testRetry))
	assert.Len(t, r.seen(), 2)
}
