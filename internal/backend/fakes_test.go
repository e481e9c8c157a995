package backend

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/callrouter/internal/telecom"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var reasons = map[int]string{
	100: "Trying",
	180: "Ringing",
	183: "Session Progress",
	200: "OK",
	401: "Unauthorized",
	486: "Busy Here",
	488: "Not Acceptable Here",
	503: "Service Unavailable",
}

func responses(codes ...int) []*sip.Response {
	out := make([]*sip.Response, 0, len(codes))
	for _, c := range codes {
		out = append(out, sip.NewResponse(c, reasons[c]))
	}
	return out
}

type fakeTx struct {
	responses chan *sip.Response
	done      chan struct{}
	once      sync.Once
}

func newFakeTx(res []*sip.Response) *fakeTx {
	ch := make(chan *sip.Response, len(res))
	for _, r := range res {
		ch <- r
	}
	return &fakeTx{responses: ch, done: make(chan struct{})}
}

func (t *fakeTx) Responses() <-chan *sip.Response { return t.responses }
func (t *fakeTx) Done() <-chan struct{}           { return t.done }
func (t *fakeTx) Err() error                      { return nil }
func (t *fakeTx) Terminate()                      { t.once.Do(func() { close(t.done) }) }

type replyFunc func(req *sip.Request) ([]*sip.Response, error)

type fakeTransport struct {
	mu       sync.Mutex
	requests []*sip.Request
	writes   []*sip.Request
	closed   bool
	reply    replyFunc
}

func (f *fakeTransport) Request(_ context.Context, req *sip.Request, _ bool) (ClientTx, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	reply := f.reply
	f.mu.Unlock()

	var res []*sip.Response
	if reply != nil {
		r, err := reply(req)
		if err != nil {
			return nil, err
		}
		res = r
	}
	return newFakeTx(res), nil
}

func (f *fakeTransport) Write(req *sip.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, req)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) setReply(r replyFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply = r
}

func (f *fakeTransport) sent(method sip.RequestMethod) []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*sip.Request
	for _, r := range f.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeTransport) written() []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sip.Request(nil), f.writes...)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// inviteReply answers INVITEs with codes and everything else with 200.
func inviteReply(codes ...int) replyFunc {
	return func(req *sip.Request) ([]*sip.Response, error) {
		if req.Method == sip.INVITE {
			return responses(codes...), nil
		}
		return responses(200), nil
	}
}

type result struct {
	success    bool
	conference bool
	ids        telecom.IDMapper
	conn       telecom.Connection
	conf       telecom.Conference
	cause      telecom.DisconnectCause
}

type recordingCallback struct {
	ch chan result
}

func newRecordingCallback() *recordingCallback {
	return &recordingCallback{ch: make(chan result, 4)}
}

func (c *recordingCallback) OnConnectionSuccess(ids telecom.IDMapper, conn telecom.Connection) {
	c.ch <- result{success: true, ids: ids, conn: conn}
}

func (c *recordingCallback) OnConnectionFailure(cause telecom.DisconnectCause) {
	c.ch <- result{cause: cause}
}

func (c *recordingCallback) OnConferenceSuccess(ids telecom.IDMapper, conf telecom.Conference) {
	c.ch <- result{success: true, conference: true, ids: ids, conf: conf}
}

func (c *recordingCallback) OnConferenceFailure(cause telecom.DisconnectCause) {
	c.ch <- result{conference: true, cause: cause}
}

func (c *recordingCallback) wait(t *testing.T) result {
	t.Helper()
	select {
	case r := <-c.ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
		return result{}
	}
}
