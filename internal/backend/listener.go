package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// Listener receives requests that connection services send back to the
// router: OPTIONS keepalives and BYEs for answered legs.
type Listener struct {
	srv      *sipgo.Server
	registry *Registry
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewListener creates a SIP server on ua that reports remote hangups to
// registry.
func NewListener(ua *sipgo.UserAgent, registry *Registry, logger *slog.Logger) (*Listener, error) {
	logger = logger.With("subsystem", "sip-listener")
	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("creating sip server: %w", err)
	}
	l := &Listener{srv: srv, registry: registry, logger: logger}
	srv.OnOptions(l.handleOptions)
	srv.OnBye(l.handleBye)
	return l, nil
}

// Start listens on UDP addr until Stop is called. Outgoing transactions
// share the listening socket.
func (l *Listener) Start(ctx context.Context, addr string) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.logger.Info("sip udp listener starting", "addr", addr)
		if err := l.srv.ListenAndServe(ctx, "udp", addr); err != nil {
			l.logger.Error("sip udp listener stopped", "error", err)
		}
	}()
}

// Stop closes the listener and waits for it to exit.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	l.srv.Close()
}

func (l *Listener) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		l.logger.Debug("failed to answer options", "error", err)
	}
}

func (l *Listener) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}

	code, reason := 200, "OK"
	if !l.registry.RemoteHangup(callID) {
		code, reason = 481, "Call/Transaction Does Not Exist"
	}
	if err := tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil)); err != nil {
		l.logger.Warn("failed to answer bye", "sip_call_id", callID, "error", err)
	}
}
