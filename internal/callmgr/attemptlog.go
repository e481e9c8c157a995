package callmgr

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/callrouter/internal/database"
	"github.com/flowpbx/callrouter/internal/database/models"
	"github.com/flowpbx/callrouter/internal/metrics"
	"github.com/flowpbx/callrouter/internal/routing"
	"github.com/flowpbx/callrouter/internal/telecom"
	"github.com/google/uuid"
)

const (
	attemptQueueSize = 1024
	sinkTimeout      = 5 * time.Second
)

// attemptWriter persists attempt log entries off the call-state lock. Every
// entry is written to each sink in order.
type attemptWriter struct {
	sinks  []database.AttemptLogRepository
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	ch      chan models.AttemptLogEntry
	done    chan struct{}
	dropped atomic.Int64
}

func newAttemptWriter(sinks []database.AttemptLogRepository, size int, logger *slog.Logger) *attemptWriter {
	w := &attemptWriter{
		sinks:  sinks,
		logger: logger,
		ch:     make(chan models.AttemptLogEntry, size),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// enqueue never blocks; entries are dropped when the queue is full.
func (w *attemptWriter) enqueue(e models.AttemptLogEntry) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}

	select {
	case w.ch <- e:
	default:
		n := w.dropped.Add(1)
		w.logger.Warn("attempt log queue full, dropping entry",
			"call_id", e.CallID,
			"event", e.Event,
			"dropped_total", n,
		)
	}
}

func (w *attemptWriter) run() {
	defer close(w.done)
	for e := range w.ch {
		w.write(e)
	}
}

func (w *attemptWriter) write(e models.AttemptLogEntry) {
	for _, sink := range w.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		entry := e
		if err := sink.Create(ctx, &entry); err != nil {
			w.logger.Error("failed to write attempt log entry",
				"call_id", e.CallID,
				"event", e.Event,
				"error", err,
			)
		}
		cancel()
	}
}

// close stops accepting entries and waits for the queue to drain.
func (w *attemptWriter) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()
	<-w.done
}

// attemptObserver turns processor events into attempt log entries and
// metrics. It runs with the call-state lock held and never blocks.
type attemptObserver struct {
	writer   *attemptWriter
	recorder *metrics.Recorder
}

var _ routing.Observer = (*attemptObserver)(nil)

func (o *attemptObserver) AttemptStarted(call *routing.Call, n int, rec routing.AttemptRecord, backend string) {
	o.writer.enqueue(newEntry(call, n, models.AttemptEventStarted, rec, backend))
	if o.recorder != nil {
		o.recorder.AttemptStarted()
	}
}

func (o *attemptObserver) AttemptSkipped(call *routing.Call, rec routing.AttemptRecord, reason string) {
	e := newEntry(call, 0, models.AttemptEventSkipped, rec, "")
	e.Reason = reason
	o.writer.enqueue(e)
	if o.recorder != nil {
		o.recorder.AttemptSkipped()
	}
}

func (o *attemptObserver) AttemptFailed(call *routing.Call, n int, rec routing.AttemptRecord, cause telecom.DisconnectCause) {
	e := newEntry(call, n, models.AttemptEventFailed, rec, "")
	e.Cause = cause.Code.String()
	e.Reason = cause.Reason
	o.writer.enqueue(e)
	if o.recorder != nil {
		o.recorder.AttemptFailed(cause.Code.String())
	}
}

func (o *attemptObserver) Completed(call *routing.Call, outcome routing.Outcome, attempts int) {
	e := models.AttemptLogEntry{
		ID:        uuid.NewString(),
		CallID:    call.ID,
		Attempt:   attempts,
		Event:     models.AttemptEventCompleted,
		CreatedAt: time.Now().UTC(),
	}
	result := outcomeResult(outcome)
	if acc := outcome.Accepted; acc != nil {
		e.Manager = handleString(acc.Manager)
		e.Target = handleString(acc.Target)
		e.Backend = acc.Backend
	} else {
		e.Cause = result
		e.Reason = outcome.Cause.Reason
	}
	o.writer.enqueue(e)
	if o.recorder != nil {
		o.recorder.CallCompleted(result, attempts)
	}
}

func newEntry(call *routing.Call, n int, event string, rec routing.AttemptRecord, backend string) models.AttemptLogEntry {
	return models.AttemptLogEntry{
		ID:        uuid.NewString(),
		CallID:    call.ID,
		Attempt:   n,
		Event:     event,
		Manager:   handleString(rec.Manager),
		Target:    handleString(rec.Target),
		Backend:   backend,
		CreatedAt: time.Now().UTC(),
	}
}

// outcomeResult is "connected" for an accepted call and the cause name
// otherwise.
func outcomeResult(o routing.Outcome) string {
	if o.Succeeded() {
		return "connected"
	}
	return o.Cause.Code.String()
}

func handleString(h telecom.AccountHandle) string {
	if h.IsZero() {
		return ""
	}
	return h.String()
}
