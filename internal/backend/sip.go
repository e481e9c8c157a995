package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/callrouter/internal/database/models"
	"github.com/flowpbx/callrouter/internal/routing"
	"github.com/flowpbx/callrouter/internal/telecom"
	"github.com/google/uuid"
	"github.com/icholy/digest"
)

const (
	// requestTimeout bounds OPTIONS pings, CANCELs and BYEs.
	requestTimeout = 5 * time.Second
	// conferenceUser is the request-URI user for ad-hoc conference INVITEs.
	conferenceUser = "conference"
)

var errNoFinalResponse = errors.New("transaction ended without final response")

// Status is a snapshot of a backend's binding state.
type Status struct {
	Component   telecom.ComponentName
	Name        string
	Healthy     bool
	LastError   string
	LastCheckAt *time.Time
	ActiveLegs  int
}

// SIPBackend carries calls to one connection service over SIP. Each begin
// request runs as its own INVITE transaction; the result is reported on the
// attempt's callback from that transaction's goroutine.
type SIPBackend struct {
	svc       models.ConnectionService
	transport Transport
	localHost string
	interval  time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	legs      map[string]*leg // keyed by routing call ID
	healthy   bool
	lastErr   string
	checkedAt *time.Time
	stopped   bool
}

// leg is one outstanding or answered INVITE for a call.
type leg struct {
	callID     string
	sipCallID  string
	address    string
	conference bool
	cancel     context.CancelFunc

	// Set once the service answers. Guarded by SIPBackend.mu.
	invite *sip.Request
	answer *sip.Response
}

func newSIPBackend(svc models.ConnectionService, transport Transport, opts Options, logger *slog.Logger) *SIPBackend {
	ctx, cancel := context.WithCancel(context.Background())
	return &SIPBackend{
		svc:       svc,
		transport: transport,
		localHost: opts.LocalHost,
		interval:  opts.HealthInterval,
		logger:    logger.With("service", svc.Name),
		ctx:       ctx,
		cancel:    cancel,
		legs:      make(map[string]*leg),
		healthy:   true,
	}
}

func (b *SIPBackend) start() {
	go b.healthLoop(b.ctx)
}

// stop cancels every outstanding INVITE, hangs up answered legs and closes
// the transport.
func (b *SIPBackend) stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	answered := make([]*leg, 0, len(b.legs))
	for id, l := range b.legs {
		if l.answer != nil {
			answered = append(answered, l)
		}
		delete(b.legs, id)
	}
	b.mu.Unlock()

	b.cancel()
	for _, l := range answered {
		b.hangup(l)
	}
	if err := b.transport.Close(); err != nil {
		b.logger.Warn("closing sip transport", "error", err)
	}
	b.logger.Info("connection service unbound")
}

// Name returns the connection service name.
func (b *SIPBackend) Name() string {
	return b.svc.Name
}

// Component returns the component the service is registered under.
func (b *SIPBackend) Component() telecom.ComponentName {
	return telecom.ComponentName{Package: b.svc.Package, Class: b.svc.Class}
}

// BeginConnection sends an INVITE for the call's address.
func (b *SIPBackend) BeginConnection(call *routing.Call, cb routing.Callback) {
	b.begin(call, cb, false)
}

// BeginConference sends an INVITE to the service's conference user. Services
// without conference support fail the attempt as not supported.
func (b *SIPBackend) BeginConference(call *routing.Call, cb routing.Callback) {
	if !b.svc.SupportsConference {
		go cb.OnConferenceFailure(telecom.NewCause(telecom.CauseNotSupported, "service does not host conferences"))
		return
	}
	b.begin(call, cb, true)
}

func (b *SIPBackend) begin(call *routing.Call, cb routing.Callback, conference bool) {
	number := conferenceUser
	if !conference {
		n, err := dialString(call.Address)
		if err != nil {
			go fail(cb, conference, telecom.NewCause(telecom.CauseNotSupported, err.Error()))
			return
		}
		number = applyPrefixRules(n, b.svc.PrefixStrip, b.svc.PrefixAdd)
	}

	ctx, cancel := context.WithCancel(b.ctx)
	l := &leg{
		callID:     call.ID,
		sipCallID:  uuid.NewString(),
		address:    call.Address,
		conference: conference,
		cancel:     cancel,
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		cancel()
		go fail(cb, conference, telecom.NewCause(telecom.CauseBindingInvalid, "connection service unbound"))
		return
	}
	if prev, ok := b.legs[call.ID]; ok && prev.answer == nil {
		prev.cancel()
	}
	b.legs[call.ID] = l
	b.mu.Unlock()

	go b.dial(ctx, l, number, cb)
}

// dial runs one INVITE to completion and reports the result on cb.
func (b *SIPBackend) dial(ctx context.Context, l *leg, number string, cb routing.Callback) {
	r := b.invite(ctx, l, number)

	if r.err != nil {
		b.forget(l)
		if ctx.Err() != nil {
			fail(cb, l.conference, telecom.NewCause(telecom.CauseLocal, "attempt discarded"))
			return
		}
		b.logger.Warn("invite to connection service failed",
			"call_id", l.callID,
			"sip_call_id", l.sipCallID,
			"error", r.err,
		)
		b.markUnreachable(r.err)
		fail(cb, l.conference, telecom.NewCause(telecom.CauseBindingInvalid, r.err.Error()))
		return
	}

	if !r.answered {
		b.forget(l)
		cause := causeForStatus(r.statusCode, r.reason)
		b.logger.Info("connection service rejected call",
			"call_id", l.callID,
			"status", r.statusCode,
			"reason", r.reason,
			"cause", cause.Code.String(),
		)
		if cause.Code == telecom.CauseBindingInvalid {
			b.markUnreachable(cause)
		}
		fail(cb, l.conference, cause)
		return
	}

	r.tx.Terminate()
	ack := buildACKFor2xx(r.req, r.res)
	if err := b.transport.Write(ack); err != nil {
		b.forget(l)
		b.logger.Error("failed to send ack to connection service",
			"call_id", l.callID,
			"error", err,
		)
		fail(cb, l.conference, telecom.NewCause(telecom.CauseError, fmt.Sprintf("sending ack: %v", err)))
		return
	}

	b.mu.Lock()
	l.invite, l.answer = r.req, r.res
	current := b.legs[l.callID] == l
	b.mu.Unlock()

	if !current {
		// Discarded while the answer was in flight.
		b.hangup(l)
		return
	}

	b.logger.Info("connection service answered",
		"call_id", l.callID,
		"sip_call_id", l.sipCallID,
	)
	ids := telecom.IDMapper{l.callID: l.sipCallID}
	if l.conference {
		cb.OnConferenceSuccess(ids, telecom.Conference{ID: l.sipCallID, Participants: []string{l.address}})
		return
	}
	cb.OnConnectionSuccess(ids, telecom.Connection{
		ID:      l.sipCallID,
		Address: l.address,
		State:   telecom.ConnectionActive,
	})
}

// Discard cancels the call's INVITE, or hangs up if it was answered. It
// does not block.
func (b *SIPBackend) Discard(call *routing.Call) {
	b.mu.Lock()
	l, ok := b.legs[call.ID]
	if ok {
		delete(b.legs, call.ID)
	}
	answered := ok && l.answer != nil
	b.mu.Unlock()

	if !ok {
		return
	}
	l.cancel()
	if answered {
		go b.hangup(l)
	}
}

// Forget drops the call's leg without cancelling or hanging it up. It is
// used when the call moves on to another attempt after its answered leg
// failed.
func (b *SIPBackend) Forget(call *routing.Call) {
	b.mu.Lock()
	l, ok := b.legs[call.ID]
	if ok {
		delete(b.legs, call.ID)
	}
	b.mu.Unlock()

	if ok {
		b.logger.Debug("leg released", "call_id", call.ID, "sip_call_id", l.sipCallID)
	}
}

// IsBindingValid reports whether the service is bound and its last health
// check succeeded.
func (b *SIPBackend) IsBindingValid(op string) bool {
	b.mu.Lock()
	valid := !b.stopped && b.healthy
	lastErr := b.lastErr
	b.mu.Unlock()

	if !valid {
		b.logger.Debug("binding invalid", "op", op, "last_error", lastErr)
	}
	return valid
}

// Status returns a snapshot of the binding state.
func (b *SIPBackend) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Status{
		Component:   b.Component(),
		Name:        b.svc.Name,
		Healthy:     b.healthy && !b.stopped,
		LastError:   b.lastErr,
		LastCheckAt: b.checkedAt,
		ActiveLegs:  len(b.legs),
	}
}

func (b *SIPBackend) forget(l *leg) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.legs[l.callID] == l {
		delete(b.legs, l.callID)
	}
}

// remoteHangup forgets the answered leg with the given SIP Call-ID and
// returns the call it belonged to.
func (b *SIPBackend) remoteHangup(sipCallID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, l := range b.legs {
		if l.sipCallID == sipCallID && l.answer != nil {
			delete(b.legs, id)
			l.cancel()
			b.logger.Info("call hung up by connection service", "call_id", id, "sip_call_id", sipCallID)
			return id, true
		}
	}
	return "", false
}

func (b *SIPBackend) markUnreachable(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthy = false
	b.lastErr = err.Error()
}

func fail(cb routing.Callback, conference bool, cause telecom.DisconnectCause) {
	if conference {
		cb.OnConferenceFailure(cause)
		return
	}
	cb.OnConnectionFailure(cause)
}

// inviteResult holds the outcome of an INVITE to the connection service.
type inviteResult struct {
	answered   bool
	statusCode int
	reason     string
	res        *sip.Response
	req        *sip.Request
	tx         ClientTx
	err        error
}

// invite builds and sends the INVITE, answering one digest challenge.
func (b *SIPBackend) invite(ctx context.Context, l *leg, number string) *inviteResult {
	recipientStr := fmt.Sprintf("sip:%s@%s:%d", number, b.svc.Host, b.svc.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return &inviteResult{err: fmt.Errorf("parsing service uri: %w", err)}
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(strings.ToUpper(b.svc.Transport))
	req.AppendHeader(sip.NewHeader("Call-ID", l.sipCallID))

	cidNum := b.svc.CallerIDNum
	if cidNum == "" {
		cidNum = b.svc.Username
	}
	from := &sip.FromHeader{
		DisplayName: b.svc.CallerIDName,
		Address: sip.Uri{
			Scheme: "sip",
			User:   cidNum,
			Host:   b.localHost,
		},
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)

	b.logger.Debug("sending invite to connection service",
		"call_id", l.callID,
		"sip_call_id", l.sipCallID,
		"recipient", recipientStr,
		"conference", l.conference,
	)

	tx, err := b.transport.Request(ctx, req, false)
	if err != nil {
		return &inviteResult{err: fmt.Errorf("sending invite: %w", err)}
	}
	return b.collect(ctx, l, req, tx, true)
}

// collect waits for the final response to req.
func (b *SIPBackend) collect(ctx context.Context, l *leg, req *sip.Request, tx ClientTx, allowAuth bool) *inviteResult {
	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			b.sendCancel(req)
			tx.Terminate()
			return &inviteResult{err: ctx.Err()}
		case <-tx.Done():
			tx.Terminate()
			if txErr := tx.Err(); txErr != nil {
				return &inviteResult{err: fmt.Errorf("invite transaction: %w", txErr)}
			}
			return &inviteResult{err: errNoFinalResponse}
		case res = <-tx.Responses():
		}

		b.logger.Debug("connection service response",
			"call_id", l.callID,
			"status", res.StatusCode,
			"reason", res.Reason,
		)

		switch {
		case res.StatusCode < 200:
			continue

		case (res.StatusCode == 401 || res.StatusCode == 407) && allowAuth:
			tx.Terminate()
			return b.authenticate(ctx, l, req, res)

		case res.StatusCode < 300:
			return &inviteResult{answered: true, res: res, req: req, tx: tx}

		default:
			tx.Terminate()
			return &inviteResult{statusCode: res.StatusCode, reason: res.Reason}
		}
	}
}

// authenticate answers a 401/407 challenge and resends the INVITE.
func (b *SIPBackend) authenticate(ctx context.Context, l *leg, origReq *sip.Request, challenge *sip.Response) *inviteResult {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challenge.GetHeader(authHeader)
	if wwwAuth == nil {
		return &inviteResult{statusCode: challenge.StatusCode, reason: challenge.Reason}
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return &inviteResult{err: fmt.Errorf("parsing auth challenge: %w", err)}
	}

	authUser := b.svc.Username
	if b.svc.AuthUsername != "" {
		authUser = b.svc.AuthUsername
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   origReq.Method.String(),
		URI:      origReq.Recipient.String(),
		Username: authUser,
		Password: b.svc.Password,
	})
	if err != nil {
		return &inviteResult{err: fmt.Errorf("computing digest: %w", err)}
	}

	authReq := origReq.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	tx, err := b.transport.Request(ctx, authReq, true)
	if err != nil {
		return &inviteResult{err: fmt.Errorf("sending authenticated invite: %w", err)}
	}
	return b.collect(ctx, l, authReq, tx, false)
}

func (b *SIPBackend) sendCancel(invite *sip.Request) {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancelReq.SetTransport(invite.Transport())

	// CANCEL must match the INVITE's Via, Call-ID, From, To and CSeq number.
	if h := invite.Via(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.From(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.CANCEL})
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	tx, err := b.transport.Request(ctx, cancelReq, false)
	if err != nil {
		b.logger.Debug("failed to send cancel", "error", err)
		return
	}
	tx.Terminate()
}

// hangup sends BYE for an answered leg.
func (b *SIPBackend) hangup(l *leg) {
	bye := buildBYE(l.invite, l.answer)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	tx, err := b.transport.Request(ctx, bye, false)
	if err != nil {
		b.logger.Warn("failed to send bye", "call_id", l.callID, "error", err)
		return
	}
	defer tx.Terminate()

	res, err := getResponse(ctx, tx)
	if err != nil {
		b.logger.Debug("no response to bye", "call_id", l.callID, "error", err)
		return
	}
	b.logger.Info("connection hung up",
		"call_id", l.callID,
		"sip_call_id", l.sipCallID,
		"status", res.StatusCode,
	)
}

// buildACKFor2xx builds the ACK for a 2xx response to an INVITE. The ACK
// goes to the Contact of the response when present.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To carries the remote tag from the response.
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.ACK})
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	ack.SetTransport(inviteReq.Transport())
	return ack
}

// buildBYE builds an in-dialog BYE for an answered INVITE.
func buildBYE(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	bye.SetTransport(inviteReq.Transport())

	if h := inviteReq.From(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteResp.To(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		bye.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo + 1, MethodName: sip.BYE})
	}
	return bye
}

// dialString extracts the number to dial from a tel: or sip: address.
func dialString(address string) (string, error) {
	scheme, rest, ok := strings.Cut(address, ":")
	if !ok {
		return "", fmt.Errorf("address %q has no scheme", address)
	}

	var number string
	switch strings.ToLower(scheme) {
	case "tel":
		number, _, _ = strings.Cut(rest, ";")
	case "sip", "sips":
		user, _, found := strings.Cut(rest, "@")
		if !found {
			return "", fmt.Errorf("address %q has no user part", address)
		}
		number, _, _ = strings.Cut(user, ";")
	default:
		return "", fmt.Errorf("unsupported address scheme %q", scheme)
	}

	if number == "" {
		return "", fmt.Errorf("address %q has no number", address)
	}
	return number, nil
}
