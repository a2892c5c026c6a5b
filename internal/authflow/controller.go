// Package authflow drives one external OAuth sign-in cycle: browser
// handoff, deep-link callback, and the polling fallback that turns an
// unreliable browser-dismiss signal into a bounded-latency resolution.
//
// Every signal that can resolve a flow (browser result, deep link, poll
// tick, hard deadline) is posted as a tagged message to a single resolver
// goroutine that owns the phase and the store mutation. There is exactly
// one decision point.
package authflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"modli.app/internal/deeplink"
	"modli.app/internal/identity"
	"modli.app/internal/ids"
	"modli.app/internal/obs"
	"modli.app/internal/session"
)

var (
	// ErrFlowInProgress means a flow is awaiting its browser result or
	// polling; it must resolve before another may start.
	ErrFlowInProgress = errors.New("authflow: flow already in progress")
	// ErrCancelled means the user explicitly abandoned the browser handshake.
	ErrCancelled = errors.New("authflow: cancelled by user")
	// ErrTimedOut means nothing resolved the flow within the hard ceiling.
	ErrTimedOut = errors.New("authflow: timed out")
	// ErrNoSession means polling exhausted without a session appearing.
	ErrNoSession = errors.New("authflow: no session after browser dismissal")
)

// Phase is the flow controller's externally visible state.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseAwaitingBrowser
	PhasePolling
	PhaseResolved
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingBrowser:
		return "awaiting_browser"
	case PhasePolling:
		return "polling"
	case PhaseResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// BrowserResultType classifies how the platform browser session ended.
type BrowserResultType int

const (
	// BrowserSuccess carries the callback URL the browser was closed with.
	BrowserSuccess BrowserResultType = iota
	// BrowserCancel is an explicit user cancellation.
	BrowserCancel
	// BrowserDismiss is ambiguous: on some platforms it fires both for a
	// real cancellation and for a successful deep-link handoff that closed
	// the browser as a side effect.
	BrowserDismiss
)

// BrowserResult is the outcome of one browser auth session.
type BrowserResult struct {
	Type BrowserResultType
	URL  string
}

// Browser opens the provider's authorization URL in a platform browser
// session and reports how it ended.
type Browser interface {
	OpenAuthSession(ctx context.Context, authURL, redirectURL string) (BrowserResult, error)
}

// Provider is the slice of the identity client the controller polls.
type Provider interface {
	AuthorizeURL(provider, redirectTo string) string
	CurrentSession(ctx context.Context) (*identity.Session, error)
}

// Establisher adopts an extracted token pair.
type Establisher interface {
	Establish(ctx context.Context, accessToken, refreshToken string) (session.Outcome, *identity.Session, error)
}

// StateSink is the slice of the auth state store the controller mutates.
type StateSink interface {
	SetLoading(bool)
	AdoptSession(*identity.Session)
}

// Timings are tunable constants, not guaranteed-correct values; validate
// them against the real browser-session primitive of the target platform.
type Timings struct {
	// PollCheckpoints are offsets from the dismissal at which the current
	// session is re-checked.
	PollCheckpoints []time.Duration
	// HardCeiling bounds the whole flow from its start.
	HardCeiling time.Duration
}

// DefaultTimings poll at +2s/+5s/+8s after dismissal with a 10s ceiling.
func DefaultTimings() Timings {
	return Timings{
		PollCheckpoints: []time.Duration{2 * time.Second, 5 * time.Second, 8 * time.Second},
		HardCeiling:     10 * time.Second,
	}
}

// Result is the terminal outcome of one flow.
type Result struct {
	Session *identity.Session
	Err     error
}

// Controller orchestrates sign-in flows. One flow at a time.
type Controller struct {
	provider    Provider
	establisher Establisher
	browser     Browser
	sink        StateSink
	redirectURL string
	timings     Timings
	now         func() time.Time

	onRecovery func(deeplink.Payload)

	mu     sync.Mutex
	active *flow
}

// Option configures Controller behavior.
type Option func(*Controller)

// WithTimings overrides the polling checkpoints and hard ceiling.
func WithTimings(t Timings) Option {
	return func(c *Controller) {
		if t.HardCeiling > 0 {
			c.timings = t
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *Controller) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithRecoveryHandler is invoked for deep links carrying a recovery flow
// marker (password reset links) instead of the establish path.
func WithRecoveryHandler(fn func(deeplink.Payload)) Option {
	return func(c *Controller) { c.onRecovery = fn }
}

// New constructs a Controller.
func New(provider Provider, establisher Establisher, browser Browser, sink StateSink, redirectURL string, opts ...Option) *Controller {
	c := &Controller{
		provider:    provider,
		establisher: establisher,
		browser:     browser,
		sink:        sink,
		redirectURL: redirectURL,
		timings:     DefaultTimings(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Phase reports the current flow phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	f := c.active
	c.mu.Unlock()
	if f == nil {
		return PhaseIdle
	}
	return Phase(f.phase.Load())
}

// SignIn runs one complete flow with the named external provider and blocks
// until it resolves. The loading flag is guaranteed to clear within the
// hard ceiling on every path, including a hung browser.
func (c *Controller) SignIn(ctx context.Context, providerName string) (*identity.Session, error) {
	f, err := c.start(ctx, providerName)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-f.done:
		return res.Session, res.Err
	case <-ctx.Done():
		// The resolver still owns cleanup; the ceiling bounds it.
		return nil, ctx.Err()
	}
}

// Cancel discards the active flow, if any.
func (c *Controller) Cancel() {
	c.mu.Lock()
	f := c.active
	c.mu.Unlock()
	if f != nil {
		f.post(signal{kind: sigCancel})
	}
}

// HandleDeepLink feeds an OS-dispatched URL into the active flow. When no
// flow is running it reconciles the link ambiently: establish silently, never
// surface errors for background noise.
func (c *Controller) HandleDeepLink(rawURL string) {
	payload := deeplink.Parse(rawURL)

	if payload.FlowType == "recovery" && c.onRecovery != nil {
		c.onRecovery(payload)
		return
	}
	if !payload.HasTokens() {
		return
	}

	c.mu.Lock()
	f := c.active
	c.mu.Unlock()

	if f != nil {
		f.post(signal{kind: sigDeepLink, payload: payload})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		outcome, s, err := c.establisher.Establish(ctx, payload.AccessToken, payload.RefreshToken)
		if outcome == session.OutcomeEstablished {
			c.sink.AdoptSession(s)
			return
		}
		fields := map[string]any{"outcome": outcome.String()}
		if err != nil {
			fields["error"] = err.Error()
		}
		obs.LogEvent("authflow.ambient_establish_failed", fields)
	}()
}

// --- internal machinery ---

type signalKind int

const (
	sigBrowser signalKind = iota
	sigBrowserErr
	sigDeepLink
	sigPollDue
	sigPollResult
	sigEstablished
	sigCeiling
	sigCancel
)

type signal struct {
	kind    signalKind
	browser BrowserResult
	payload deeplink.Payload
	outcome session.Outcome
	session *identity.Session
	err     error
}

type flow struct {
	id       string
	started  time.Time
	signals  chan signal
	done     chan Result
	phase    atomic.Int32
	resolved atomic.Bool
	timers   []*time.Timer
	timersMu sync.Mutex
}

func (f *flow) post(sig signal) {
	if f.resolved.Load() {
		return
	}
	select {
	case f.signals <- sig:
	default:
		// A resolved flow stops draining; late signals are no-ops anyway.
	}
}

func (f *flow) after(d time.Duration, sig signal) {
	t := time.AfterFunc(d, func() { f.post(sig) })
	f.timersMu.Lock()
	f.timers = append(f.timers, t)
	f.timersMu.Unlock()
}

func (f *flow) stopTimers() {
	f.timersMu.Lock()
	defer f.timersMu.Unlock()
	for _, t := range f.timers {
		t.Stop()
	}
	f.timers = nil
}

func (c *Controller) start(ctx context.Context, providerName string) (*flow, error) {
	f := &flow{
		id:      ids.New(),
		started: c.now(),
		signals: make(chan signal, 32),
		done:    make(chan Result, 1),
	}
	f.phase.Store(int32(PhaseAwaitingBrowser))

	c.mu.Lock()
	if c.active != nil && !c.active.resolved.Load() {
		c.mu.Unlock()
		return nil, ErrFlowInProgress
	}
	c.active = f
	c.mu.Unlock()

	c.sink.SetLoading(true)
	obs.LogEvent("authflow.started", map[string]any{"flow_id": f.id, "provider": providerName})

	authURL := c.provider.AuthorizeURL(providerName, c.redirectURL)

	go c.run(ctx, f)
	f.after(c.timings.HardCeiling, signal{kind: sigCeiling})

	go func() {
		res, err := c.browser.OpenAuthSession(ctx, authURL, c.redirectURL)
		if err != nil {
			f.post(signal{kind: sigBrowserErr, err: err})
			return
		}
		f.post(signal{kind: sigBrowser, browser: res})
	}()

	return f, nil
}

// run is the single resolver: it owns the phase and is the only goroutine
// allowed to finish the flow or touch the sink on the flow's behalf.
func (c *Controller) run(ctx context.Context, f *flow) {
	establishing := false

	for sig := range f.signals {
		switch sig.kind {
		case sigBrowser:
			switch sig.browser.Type {
			case BrowserSuccess:
				establishing = c.beginEstablish(ctx, f, establishing, deeplink.Parse(sig.browser.URL))
			case BrowserCancel:
				c.finish(f, nil, ErrCancelled, "cancelled")
				return
			case BrowserDismiss:
				// Dismissal is not trustworthy as a failure: schedule the
				// bounded session polls instead.
				f.phase.Store(int32(PhasePolling))
				for _, checkpoint := range c.timings.PollCheckpoints {
					f.after(checkpoint, signal{kind: sigPollDue})
				}
				if len(c.timings.PollCheckpoints) == 0 {
					c.finish(f, nil, ErrCancelled, "cancelled")
					return
				}
			}

		case sigBrowserErr:
			c.finish(f, nil, sig.err, "browser_error")
			return

		case sigDeepLink:
			establishing = c.beginEstablish(ctx, f, establishing, sig.payload)

		case sigPollDue:
			go func() {
				pollCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				s, err := c.provider.CurrentSession(pollCtx)
				f.post(signal{kind: sigPollResult, session: s, err: err})
			}()

		case sigPollResult:
			if sig.session.Valid(c.now()) {
				c.finish(f, sig.session, nil, "success")
				return
			}
			// Session not there yet; later checkpoints or the ceiling decide.

		case sigEstablished:
			establishing = false
			switch sig.outcome {
			case session.OutcomeEstablished:
				c.finish(f, sig.session, nil, "success")
				return
			case session.OutcomeAmbiguous:
				c.finish(f, nil, ErrNoSession, "ambiguous")
				return
			default:
				c.finish(f, nil, sig.err, "rejected")
				return
			}

		case sigCeiling:
			c.finish(f, nil, ErrTimedOut, "timeout")
			return

		case sigCancel:
			c.finish(f, nil, ErrCancelled, "cancelled")
			return
		}
	}
}

// beginEstablish starts at most one token exchange per flow. A second
// token-bearing signal while one is in flight is dropped; both channels
// deliver the same callback.
func (c *Controller) beginEstablish(ctx context.Context, f *flow, establishing bool, payload deeplink.Payload) bool {
	if establishing {
		return true
	}
	if !payload.HasTokens() {
		// A success result without tokens resolves as a rejection; the
		// browser returned a callback we cannot use.
		c.finish(f, nil, errors.New("authflow: callback carried no tokens"), "rejected")
		return false
	}
	go func() {
		establishCtx, cancel := context.WithTimeout(ctx, c.timings.HardCeiling)
		defer cancel()
		outcome, s, err := c.establisher.Establish(establishCtx, payload.AccessToken, payload.RefreshToken)
		f.post(signal{kind: sigEstablished, outcome: outcome, session: s, err: err})
	}()
	return true
}

// finish resolves the flow exactly once: store mutation, loading clear,
// metrics, and the flow-in-progress release all happen here.
func (c *Controller) finish(f *flow, s *identity.Session, err error, result string) {
	f.phase.Store(int32(PhaseResolved))
	f.resolved.Store(true)
	f.stopTimers()

	if s != nil {
		c.sink.AdoptSession(s)
	}
	c.sink.SetLoading(false)

	elapsed := c.now().Sub(f.started)
	obs.ObserveFlow(result, elapsed)
	fields := map[string]any{"flow_id": f.id, "result": result, "elapsed_ms": elapsed.Milliseconds()}
	if err != nil {
		fields["error"] = err.Error()
	}
	obs.LogEvent("authflow.resolved", fields)

	f.done <- Result{Session: s, Err: err}

	c.mu.Lock()
	if c.active == f {
		c.active = nil
	}
	c.mu.Unlock()
}
