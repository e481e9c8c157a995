package routing

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/callrouter/internal/telecom"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func handle(pkg, id string) telecom.AccountHandle {
	return telecom.AccountHandle{
		Component: telecom.ComponentName{Package: pkg, Class: "ConnectionService"},
		ID:        id,
	}
}

func account(h telecom.AccountHandle, label string, caps telecom.Capability) telecom.Account {
	return telecom.Account{Handle: h, Label: label, Capabilities: caps, Schemes: []string{"tel"}, Enabled: true}
}

type fakeRegistrar struct {
	accounts     map[telecom.AccountHandle]telecom.Account
	order        []telecom.AccountHandle
	manager      telecom.AccountHandle
	noBind       map[telecom.AccountHandle]bool
	slots        map[telecom.AccountHandle]int
	outgoing     map[string]telecom.AccountHandle
	needsTimeout bool
	panicOn      telecom.AccountHandle
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{
		accounts: make(map[telecom.AccountHandle]telecom.Account),
		noBind:   make(map[telecom.AccountHandle]bool),
		slots:    make(map[telecom.AccountHandle]int),
		outgoing: make(map[string]telecom.AccountHandle),
	}
}

func (r *fakeRegistrar) add(a telecom.Account) {
	r.accounts[a.Handle] = a
	r.order = append(r.order, a.Handle)
}

func (r *fakeRegistrar) HasBindPermission(h telecom.AccountHandle) bool {
	if h == r.panicOn && !h.IsZero() {
		panic("registrar exploded")
	}
	return !r.noBind[h]
}

func (r *fakeRegistrar) DelegatingManager(*Call) (telecom.AccountHandle, bool) {
	return r.manager, !r.manager.IsZero()
}

func (r *fakeRegistrar) ResolveAccount(h telecom.AccountHandle) (telecom.Account, bool) {
	a, ok := r.accounts[h]
	return a, ok
}

func (r *fakeRegistrar) AccountsForCurrentUser() []telecom.Account {
	out := make([]telecom.Account, 0, len(r.order))
	for _, h := range r.order {
		out = append(out, r.accounts[h])
	}
	return out
}

func (r *fakeRegistrar) OutgoingAccountForScheme(scheme string) (telecom.AccountHandle, bool) {
	h, ok := r.outgoing[scheme]
	return h, ok
}

func (r *fakeRegistrar) ManagerNeedsTimeout(*Call, telecom.AccountHandle) bool {
	return r.needsTimeout
}

func (r *fakeRegistrar) SlotIndex(h telecom.AccountHandle) (int, bool) {
	s, ok := r.slots[h]
	if !ok || s < 0 {
		return -1, false
	}
	return s, true
}

type fakeBackend struct {
	name string

	mu          sync.Mutex
	callbacks   []Callback
	conferences int
	discards    int
	forgets     int
	invalid     bool
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) BeginConnection(_ *Call, cb Callback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, cb)
}

func (b *fakeBackend) BeginConference(_ *Call, cb Callback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conferences++
	b.callbacks = append(b.callbacks, cb)
}

func (b *fakeBackend) Discard(*Call) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.discards++
}

func (b *fakeBackend) Forget(*Call) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forgets++
}

func (b *fakeBackend) forgetCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.forgets
}

func (b *fakeBackend) IsBindingValid(string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.invalid
}

func (b *fakeBackend) begins() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.callbacks)
}

func (b *fakeBackend) discardCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.discards
}

func (b *fakeBackend) last() Callback {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.callbacks) == 0 {
		return nil
	}
	return b.callbacks[len(b.callbacks)-1]
}

// fakeBackends resolves handles by package name.
type fakeBackends map[string]*fakeBackend

func (f fakeBackends) Resolve(h telecom.AccountHandle) (Backend, bool) {
	b, ok := f[h.Component.Package]
	if !ok {
		return nil, false
	}
	return b, true
}

type fakeTimer struct {
	owner   *fakeTimers
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// fire runs the timer function the way the runtime would when the timer
// expires. A fired timer is no longer live.
func (t *fakeTimer) fire() {
	t.owner.mu.Lock()
	t.fired = true
	t.owner.mu.Unlock()
	t.f()
}

func (t *fakeTimer) isStopped() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	return t.stopped
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) Stopper {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{owner: ft, d: d, f: f}
	ft.timers = append(ft.timers, t)
	return t
}

// live returns the timers that have neither been stopped nor fired.
func (ft *fakeTimers) live() []*fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var out []*fakeTimer
	for _, t := range ft.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

type fakeFocus struct {
	pending []func()
}

func (f *fakeFocus) RequestFocus(_ *Call, onGranted func()) {
	f.pending = append(f.pending, onGranted)
}

func (f *fakeFocus) grant() {
	for _, fn := range f.pending {
		fn()
	}
	f.pending = nil
}

// outcomes records every outcome delivered to the requester.
type outcomes struct {
	mu  sync.Mutex
	got []Outcome
}

func (o *outcomes) respond(out Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.got = append(o.got, out)
}

func (o *outcomes) all() []Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Outcome(nil), o.got...)
}
