package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
)

// maxRetryBase caps the first re-check delay after a failed health check.
const maxRetryBase = 5 * time.Second

// healthLoop sends OPTIONS pings to the service and keeps the binding state
// current. After a failure the service is re-probed with backoff, never
// less often than the regular interval.
func (b *SIPBackend) healthLoop(ctx context.Context) {
	b.logger.Info("starting health check loop", "interval", b.interval.String())

	retryBase := min(b.interval, maxRetryBase)
	bo := newBackoff(retryBase, b.interval)
	wait := b.interval

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		err := b.ping(ctx)
		if ctx.Err() != nil {
			return
		}
		b.recordHealth(err)

		if err == nil {
			bo.reset()
			wait = b.interval
			continue
		}
		b.logger.Warn("health check failed", "error", err)
		wait = bo.next()
	}
}

func (b *SIPBackend) recordHealth(err error) {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.checkedAt = &now
	if err != nil {
		b.healthy = false
		b.lastErr = err.Error()
		return
	}
	if !b.healthy {
		b.logger.Info("connection service reachable again")
	}
	b.healthy = true
	b.lastErr = ""
}

// ping sends one OPTIONS request and requires a 2xx answer.
func (b *SIPBackend) ping(ctx context.Context) error {
	recipientStr := fmt.Sprintf("sip:%s:%d", b.svc.Host, b.svc.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.OPTIONS, recipient)
	req.SetTransport(strings.ToUpper(b.svc.Transport))

	pingCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	tx, err := b.transport.Request(pingCtx, req, false)
	if err != nil {
		return fmt.Errorf("sending options: %w", err)
	}

	res, err := getResponse(pingCtx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("waiting for options response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("options ping returned status %d %s", res.StatusCode, res.Reason)
	}
	return nil
}
