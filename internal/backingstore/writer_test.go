package backingstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedAppender fails or succeeds per its next field.
type scriptedAppender struct {
	next     error
	appended [][]LogRow
}

func (s *scriptedAppender) BatchAppend(ctx context.Context, worksheet string, rows []LogRow) error {
	if s.next != nil {
		return s.next
	}
	s.appended = append(s.appended, rows)
	return nil
}

func newTestWriter(t *testing.T, store BatchAppender) *BatchedWriter {
	t.Helper()
	fallback, err := NewFallbackWriter(filepath.Join(t.TempDir(), "fallback.jsonl"))
	require.NoError(t, err)
	return NewBatchedWriter(store, fallback, time.Hour, 30*time.Second, 240*time.Second, zap.NewNop())
}

// clearBackoffGate lets the next flushOne run immediately without sleeping
// through the real backoff delay; the backoff policy itself is untouched.
func clearBackoffGate(w *BatchedWriter, queue string) {
	q := w.queueFor(queue)
	q.mu.Lock()
	q.nextAttemptAt = time.Time{}
	q.mu.Unlock()
}

func TestFlush_QuotaRejectionDoublesBackoffAndKeepsRows(t *testing.T) {
	store := &scriptedAppender{next: NewQuotaError(errors.New("429: quota exceeded"))}
	w := newTestWriter(t, store)

	for i := 0; i < 100; i++ {
		w.Enqueue("u1", LogRow{UserID: "u1", TimestampMs: int64(i), LogType: "gps"})
	}

	w.flushOne(context.Background(), "u1")
	assert.Equal(t, 30*time.Second, w.CurrentBackoff("u1"))

	clearBackoffGate(w, "u1")
	w.flushOne(context.Background(), "u1")
	assert.Equal(t, 60*time.Second, w.CurrentBackoff("u1"))

	clearBackoffGate(w, "u1")
	w.flushOne(context.Background(), "u1")
	assert.Equal(t, 120*time.Second, w.CurrentBackoff("u1"))

	// No data loss while the store keeps rejecting.
	assert.Equal(t, 100, w.Backlog("u1"))

	// Store recovers: everything drains in one batch and backoff resets.
	store.next = nil
	clearBackoffGate(w, "u1")
	w.flushOne(context.Background(), "u1")
	assert.Equal(t, 0, w.Backlog("u1"))
	assert.Equal(t, time.Duration(0), w.CurrentBackoff("u1"))
	require.Len(t, store.appended, 1)
	assert.Len(t, store.appended[0], 100)
}

func TestFlush_BackoffCapsAtMaximum(t *testing.T) {
	store := &scriptedAppender{next: NewQuotaError(errors.New("quota exceeded"))}
	w := newTestWriter(t, store)
	w.Enqueue("u1", LogRow{UserID: "u1"})

	for i := 0; i < 6; i++ {
		clearBackoffGate(w, "u1")
		w.flushOne(context.Background(), "u1")
	}
	assert.Equal(t, 240*time.Second, w.CurrentBackoff("u1"))
}

func TestFlush_PlainStatusCodeQuotaStringAlsoBacksOff(t *testing.T) {
	store := &scriptedAppender{next: errors.New("provider returned status 429")}
	w := newTestWriter(t, store)
	w.Enqueue("u1", LogRow{UserID: "u1"})

	w.flushOne(context.Background(), "u1")
	assert.Equal(t, 30*time.Second, w.CurrentBackoff("u1"))
	assert.Equal(t, 1, w.Backlog("u1"))
}

func TestFlush_NonQuotaErrorWritesFallbackAndDrainsQueue(t *testing.T) {
	store := &scriptedAppender{next: errors.New("malformed row")}
	fallbackPath := filepath.Join(t.TempDir(), "fallback.jsonl")
	fallback, err := NewFallbackWriter(fallbackPath)
	require.NoError(t, err)
	w := NewBatchedWriter(store, fallback, time.Hour, 30*time.Second, 240*time.Second, zap.NewNop())

	w.Enqueue("u1", LogRow{UserID: "u1", TimestampMs: 1, LogType: "gps", Data: `{}`})
	w.Enqueue("u1", LogRow{UserID: "u1", TimestampMs: 2, LogType: "gps", Data: `{}`})
	w.flushOne(context.Background(), "u1")

	assert.Equal(t, 0, w.Backlog("u1"))

	raw, err := os.ReadFile(fallbackPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"worksheet":"u1"`)
}

func TestSetSuspended_SkipsFlushes(t *testing.T) {
	store := &scriptedAppender{}
	w := newTestWriter(t, store)
	w.Enqueue("u1", LogRow{UserID: "u1"})

	w.SetSuspended(true)
	w.flushAll(context.Background())
	assert.Equal(t, 1, w.Backlog("u1"))

	w.SetSuspended(false)
	w.flushAll(context.Background())
	assert.Equal(t, 0, w.Backlog("u1"))
}

func TestEnqueue_RowsArrivingDuringFlushAreKept(t *testing.T) {
	store := &scriptedAppender{}
	w := newTestWriter(t, store)
	w.Enqueue("u1", LogRow{UserID: "u1", TimestampMs: 1})

	q := w.queueFor("u1")
	rows := q.snapshot()
	// A row lands after the flush snapshot was taken.
	w.Enqueue("u1", LogRow{UserID: "u1", TimestampMs: 2})
	q.onSuccess(len(rows))

	assert.Equal(t, 1, w.Backlog("u1"))
}
