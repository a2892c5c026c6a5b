// Package authstate holds the process-wide auth snapshot: session, user,
// profile and the loading flag the UI renders from.
package authstate

import (
	"context"
	"errors"
	"sync"
	"time"

	"modli.app/internal/identity"
	"modli.app/internal/obs"
	"modli.app/internal/profile"
)

const (
	defaultInitTimeout    = 3 * time.Second
	defaultProfileTimeout = 10 * time.Second
)

// Provider is the slice of the identity client the store consumes.
type Provider interface {
	Bootstrap(ctx context.Context) (*identity.Session, error)
	Subscribe(ctx context.Context) <-chan identity.Event
	SignInWithPassword(ctx context.Context, email, password string) (*identity.Session, error)
	SignUp(ctx context.Context, email, password, fullName, redirectTo string) (*identity.Session, error)
	SignOut(ctx context.Context) error
}

// Snapshot is one consistent view of the auth state.
type Snapshot struct {
	Session *identity.Session
	User    *identity.User
	Profile *profile.Profile
	Loading bool
}

// Store is the single source of truth for auth state. Session and user are
// written only by provider events, explicit sign-in/out and the flow
// controller; profile only by a fetch or an explicit update.
type Store struct {
	provider Provider
	profiles profile.Store
	now      func() time.Time

	initTimeout    time.Duration
	profileTimeout time.Duration
	redirectTo     string

	mu      sync.RWMutex
	session *identity.Session
	user    *identity.User
	prof    *profile.Profile
	loading bool

	subsMu   sync.RWMutex
	subs     map[int]chan Snapshot
	nextSub  int
	loadSeen chan struct{} // closed once the bootstrap result landed
	loadOnce sync.Once
}

// Option configures Store behavior.
type Option func(*Store)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithInitTimeout bounds the persisted-session load; after it elapses the
// loading flag is forced false even if the load is still pending.
func WithInitTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.initTimeout = d
		}
	}
}

// WithProfileTimeout bounds background profile fetches.
func WithProfileTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.profileTimeout = d
		}
	}
}

// WithSignUpRedirect sets the email-confirmation redirect URL.
func WithSignUpRedirect(u string) Option {
	return func(s *Store) { s.redirectTo = u }
}

// New constructs a Store. Init must be called before the store is useful.
func New(provider Provider, profiles profile.Store, opts ...Option) *Store {
	s := &Store{
		provider:       provider,
		profiles:       profiles,
		now:            time.Now,
		initTimeout:    defaultInitTimeout,
		profileTimeout: defaultProfileTimeout,
		loading:        true,
		subs:           make(map[int]chan Snapshot),
		loadSeen:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init restores the persisted session and starts consuming provider events.
// Loading is guaranteed to clear within the init timeout: a fast
// unauthenticated screen beats an indefinite spinner.
func (s *Store) Init(ctx context.Context) {
	// The provider emitter drops events that arrive before any subscriber
	// is registered, so the subscription must exist before the load can
	// emit the initial-session event.
	events := s.provider.Subscribe(ctx)
	go s.consumeEvents(ctx, events)

	go func() {
		if _, err := s.provider.Bootstrap(ctx); err != nil {
			obs.LogEvent("authstate.bootstrap_failed", map[string]any{"error": err.Error()})
			s.markLoaded()
		}
		// On success the initial-session event lands via consumeEvents.
	}()

	go func() {
		timer := time.NewTimer(s.initTimeout)
		defer timer.Stop()
		select {
		case <-s.loadSeen:
		case <-timer.C:
			obs.LogEvent("authstate.init_timeout", map[string]any{"timeout": s.initTimeout.String()})
		case <-ctx.Done():
		}
		s.SetLoading(false)
	}()
}

func (s *Store) markLoaded() {
	s.loadOnce.Do(func() { close(s.loadSeen) })
}

func (s *Store) consumeEvents(ctx context.Context, events <-chan identity.Event) {
	for evt := range events {
		s.applyEvent(ctx, evt)
	}
}

// applyEvent folds one provider notification into the snapshot. A write
// fully replaces {session,user}; there is no partial merge.
func (s *Store) applyEvent(ctx context.Context, evt identity.Event) {
	switch evt.Type {
	case identity.EventInitialSession:
		s.replaceSession(evt.Session)
		s.markLoaded()
		if evt.Session != nil {
			// Profile fetch never blocks clearing the loading flag.
			go s.fetchProfileDetached(evt.Session.User)
		}
	case identity.EventTokenRefreshed:
		if evt.Session == nil {
			// Refresh failed terminally; stale credentials must not linger.
			obs.LogEvent("authstate.refresh_failed_signout", nil)
			s.clearAll()
			return
		}
		s.replaceSession(evt.Session)
	case identity.EventSignedIn:
		s.replaceSession(evt.Session)
		if evt.Session != nil {
			go s.fetchProfileDetached(evt.Session.User)
		}
	case identity.EventSignedOut:
		s.clearAll()
	}
}

// SignInWithPassword performs an email/password sign-in and fetches the
// profile before clearing the loading flag.
func (s *Store) SignInWithPassword(ctx context.Context, email, password string) error {
	s.SetLoading(true)
	sess, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil || sess == nil {
		s.SetLoading(false)
		if err == nil {
			err = identity.ErrNoSession
		}
		return err
	}
	s.replaceSession(sess)
	s.fetchProfile(ctx, sess.User)
	s.SetLoading(false)
	return nil
}

// SignUp registers a new account. No loading flag: the confirmation email
// round-trip happens outside the app.
func (s *Store) SignUp(ctx context.Context, email, password, fullName string) error {
	sess, err := s.provider.SignUp(ctx, email, password, fullName, s.redirectTo)
	if err != nil {
		return err
	}
	if sess != nil {
		s.replaceSession(sess)
		go s.fetchProfileDetached(sess.User)
	}
	return nil
}

// SignOut clears every field and invalidates the persisted session.
func (s *Store) SignOut(ctx context.Context) error {
	err := s.provider.SignOut(ctx)
	s.clearAll()
	return err
}

// AdoptSession installs an externally established session (flow controller
// path) and kicks off the profile fetch in the background.
func (s *Store) AdoptSession(sess *identity.Session) {
	if sess == nil {
		return
	}
	s.replaceSession(sess)
	go s.fetchProfileDetached(sess.User)
}

// UpdateProfile applies a partial profile update for the signed-in user.
func (s *Store) UpdateProfile(ctx context.Context, patch Patch) error {
	s.mu.RLock()
	user := s.user
	s.mu.RUnlock()
	if user == nil {
		return errors.New("authstate: no user")
	}
	updated, err := s.profiles.Update(ctx, user.ID, patch)
	if err != nil {
		return err
	}
	s.setProfile(updated)
	return nil
}

// Patch aliases the profile patch type so UI callers import one package.
type Patch = profile.Patch

// RefreshProfile re-reads the profile of the signed-in user.
func (s *Store) RefreshProfile(ctx context.Context) {
	s.mu.RLock()
	user := s.user
	s.mu.RUnlock()
	if user == nil {
		return
	}
	s.fetchProfile(ctx, *user)
}

// SetLoading flips the loading flag. Every true must be paired with a
// bounded false; the init timeout and the flow controller's ceiling are
// the guarantees.
func (s *Store) SetLoading(v bool) {
	s.mu.Lock()
	changed := s.loading != v
	s.loading = v
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Session: s.session, User: s.user, Profile: s.prof, Loading: s.loading}
}

// Subscribe returns a channel receiving a snapshot after every mutation.
// The channel closes when ctx ends; slow subscribers drop updates.
func (s *Store) Subscribe(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 16)

	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subsMu.Lock()
		delete(s.subs, id)
		close(ch)
		s.subsMu.Unlock()
	}()

	return ch
}

func (s *Store) notify() {
	snap := s.Snapshot()
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (s *Store) replaceSession(sess *identity.Session) {
	s.mu.Lock()
	s.session = sess
	if sess != nil {
		u := sess.User
		s.user = &u
	} else {
		s.user = nil
		s.prof = nil
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Store) clearAll() {
	s.mu.Lock()
	s.session = nil
	s.user = nil
	s.prof = nil
	s.loading = false
	s.mu.Unlock()
	s.notify()
}

func (s *Store) setProfile(p *profile.Profile) {
	s.mu.Lock()
	s.prof = p
	s.mu.Unlock()
	s.notify()
}

// fetchProfileDetached runs a profile fetch on its own bounded context so a
// slow database can never wedge a caller.
func (s *Store) fetchProfileDetached(user identity.User) {
	ctx, cancel := context.WithTimeout(context.Background(), s.profileTimeout)
	defer cancel()
	s.fetchProfile(ctx, user)
}

// fetchProfile loads the profile, creating it with first-login defaults
// when absent.
func (s *Store) fetchProfile(ctx context.Context, user identity.User) {
	if s.profiles == nil || user.ID == "" {
		return
	}
	p, err := s.profiles.Find(ctx, user.ID)
	if errors.Is(err, profile.ErrNotFound) {
		fresh := profile.Defaults(user.ID, user.Email, user.FullName(), s.now().UTC())
		if createErr := s.profiles.Create(ctx, fresh); createErr != nil && !errors.Is(createErr, profile.ErrAlreadyExists) {
			obs.LogEvent("authstate.profile_create_failed", map[string]any{"error": createErr.Error()})
			return
		}
		// A concurrent create may have won; re-read for the canonical row.
		if p, err = s.profiles.Find(ctx, user.ID); err != nil {
			p = fresh
		}
		obs.LogEvent("authstate.profile_created", map[string]any{"user_id": user.ID})
	} else if err != nil {
		obs.LogEvent("authstate.profile_fetch_failed", map[string]any{"error": err.Error()})
		return
	}

	// Ignore the result if the user changed while we were fetching.
	s.mu.Lock()
	if s.user == nil || s.user.ID != user.ID {
		s.mu.Unlock()
		return
	}
	s.prof = p
	s.mu.Unlock()
	s.notify()
}
