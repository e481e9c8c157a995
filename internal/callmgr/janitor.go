package callmgr

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowpbx/callrouter/internal/database"
)

// finishedCallGrace is how long a finished call stays visible through Get
// and List.
const finishedCallGrace = 15 * time.Minute

// StartJanitor runs a background goroutine that forgets finished calls and
// deletes attempt log entries older than retention. A zero retention keeps
// the attempt log. The goroutine stops when ctx is cancelled.
func StartJanitor(ctx context.Context, m *Manager, logs database.AttemptLogRepository, retention, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				sweep(ctx, m, logs, retention, now)
			}
		}
	}()
}

func sweep(ctx context.Context, m *Manager, logs database.AttemptLogRepository, retention time.Duration, now time.Time) {
	if n := m.Prune(now.Add(-finishedCallGrace)); n > 0 {
		slog.Debug("pruned finished calls", "count", n)
	}

	if retention <= 0 || logs == nil {
		return
	}
	deleted, err := logs.DeleteBefore(ctx, now.Add(-retention).UTC())
	if err != nil {
		slog.Error("attempt log retention cleanup failed", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("attempt log retention cleanup", "deleted", deleted, "retention", retention.String())
	}
}
