package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"modli.app/internal/obs"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultRefreshMargin = 60 * time.Second
)

// Client talks to the hosted identity provider's REST API and owns the
// process-local copy of the current session.
type Client struct {
	baseURL string
	anonKey string
	httpc   *http.Client
	storage Storage
	now     func() time.Time

	refreshMargin time.Duration

	mu      sync.RWMutex
	current *Session

	emitter *emitter

	kick chan struct{}
}

// Option configures Client behavior.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for provider calls.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpc = h
		}
	}
}

// WithStorage enables session persistence.
func WithStorage(s Storage) Option {
	return func(c *Client) { c.storage = s }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *Client) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithRefreshMargin sets how long before expiry the auto-refresh loop fires.
func WithRefreshMargin(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.refreshMargin = d
		}
	}
}

// NewClient constructs a provider client. baseURL is the project root
// (e.g. https://xyz.supabase.co), anonKey the public API key.
func NewClient(baseURL, anonKey string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("identity: base URL is required")
	}
	if strings.TrimSpace(anonKey) == "" {
		return nil, errors.New("identity: anon key is required")
	}
	c := &Client{
		baseURL:       baseURL,
		anonKey:       anonKey,
		httpc:         &http.Client{Timeout: defaultTimeout},
		now:           time.Now,
		refreshMargin: defaultRefreshMargin,
		emitter:       newEmitter(),
		kick:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Subscribe returns a channel of auth-state events. The channel is closed
// when ctx ends; slow subscribers drop events rather than block the client.
func (c *Client) Subscribe(ctx context.Context) <-chan Event {
	return c.emitter.subscribe(ctx)
}

// Bootstrap loads the persisted session, refreshing it if stale, and emits
// the initial-session event. It returns the restored session or nil.
func (c *Client) Bootstrap(ctx context.Context) (*Session, error) {
	var s *Session
	if c.storage != nil {
		loaded, err := c.storage.Load(ctx)
		if err != nil {
			obs.LogEvent("identity.bootstrap_load_failed", map[string]any{"error": err.Error()})
		} else {
			s = loaded
		}
	}
	if s != nil && !s.Valid(c.now()) && s.RefreshToken != "" {
		refreshed, err := c.refreshWith(ctx, s.RefreshToken)
		if err != nil {
			s = nil
			if c.storage != nil {
				_ = c.storage.Clear(ctx)
			}
		} else {
			s = refreshed
		}
	}
	c.setCurrent(s)
	c.emitter.emit(Event{Type: EventInitialSession, Session: s})
	return s, nil
}

// CurrentSession returns the in-memory session, or nil when signed out.
func (c *Client) CurrentSession(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return nil, nil
	}
	cp := *c.current
	return &cp, nil
}

// SignInWithPassword performs the password grant.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]string{"email": email, "password": password}
	var resp wireSession
	err := c.do(ctx, http.MethodPost, "/auth/v1/token", url.Values{"grant_type": {"password"}}, body, "", &resp)
	if err != nil {
		if isInvalidGrant(err) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	s := resp.session(c.now())
	if s == nil {
		return nil, nil
	}
	c.adopt(ctx, s, EventSignedIn)
	return s, nil
}

// SignUp registers a new account. The provider may require email
// confirmation, in which case no session is returned.
func (c *Client) SignUp(ctx context.Context, email, password, fullName, redirectTo string) (*Session, error) {
	body := map[string]any{
		"email":    email,
		"password": password,
	}
	if strings.TrimSpace(fullName) != "" {
		body["data"] = map[string]string{"full_name": fullName}
	}
	q := url.Values{}
	if redirectTo != "" {
		q.Set("redirect_to", redirectTo)
	}
	var resp wireSession
	if err := c.do(ctx, http.MethodPost, "/auth/v1/signup", q, body, "", &resp); err != nil {
		return nil, err
	}
	s := resp.session(c.now())
	if s != nil {
		c.adopt(ctx, s, EventSignedIn)
	}
	return s, nil
}

// SetSession adopts an externally-delivered token pair. When the access
// token is already expired the refresh token is exchanged instead. A
// (nil, nil) return means the provider accepted the call but produced no
// usable session.
func (c *Client) SetSession(ctx context.Context, accessToken, refreshToken string) (*Session, error) {
	if accessToken == "" || refreshToken == "" {
		return nil, ErrInvalidGrant
	}
	claims, err := parseAccessClaims(accessToken)
	if err != nil {
		return nil, fmt.Errorf("identity: malformed access token: %w", err)
	}
	if !claims.ExpiresAt.After(c.now()) {
		s, err := c.refreshWith(ctx, refreshToken)
		if err != nil {
			return nil, err
		}
		if s == nil {
			return nil, nil
		}
		c.adopt(ctx, s, EventSignedIn)
		return s, nil
	}

	var u User
	if err := c.do(ctx, http.MethodGet, "/auth/v1/user", nil, nil, accessToken, &u); err != nil {
		if isInvalidGrant(err) {
			return nil, ErrInvalidGrant
		}
		return nil, err
	}
	if strings.TrimSpace(u.ID) == "" {
		// Provider accepted the token but returned no account.
		return nil, nil
	}
	s := &Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    claims.ExpiresAt,
		User:         u,
	}
	c.adopt(ctx, s, EventSignedIn)
	return s, nil
}

// RefreshSession exchanges the current refresh token for a new pair. On a
// terminal refresh failure the local session is cleared and a nil-session
// token-refreshed event is emitted.
func (c *Client) RefreshSession(ctx context.Context) (*Session, error) {
	c.mu.RLock()
	var refreshToken string
	if c.current != nil {
		refreshToken = c.current.RefreshToken
	}
	c.mu.RUnlock()
	if refreshToken == "" {
		return nil, ErrNoSession
	}

	s, err := c.refreshWith(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			c.clearLocal(ctx)
			c.emitter.emit(Event{Type: EventTokenRefreshed, Session: nil})
		}
		return nil, err
	}
	c.adopt(ctx, s, EventTokenRefreshed)
	return s, nil
}

// SignOut invalidates the session server-side (best effort) and clears the
// local and persisted copies.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.RLock()
	var access string
	if c.current != nil {
		access = c.current.AccessToken
	}
	c.mu.RUnlock()

	if access != "" {
		if err := c.do(ctx, http.MethodPost, "/auth/v1/logout", nil, nil, access, nil); err != nil {
			obs.LogEvent("identity.logout_failed", map[string]any{"error": err.Error()})
		}
	}
	c.clearLocal(ctx)
	c.emitter.emit(Event{Type: EventSignedOut, Session: nil})
	return nil
}

// RequestPasswordReset asks the provider to send a recovery email.
func (c *Client) RequestPasswordReset(ctx context.Context, email, redirectTo string) error {
	q := url.Values{}
	if redirectTo != "" {
		q.Set("redirect_to", redirectTo)
	}
	return c.do(ctx, http.MethodPost, "/auth/v1/recover", q, map[string]string{"email": email}, "", nil)
}

// UpdatePassword changes the password of the signed-in user. Used by the
// recovery flow after the reset link established a session.
func (c *Client) UpdatePassword(ctx context.Context, newPassword string) error {
	c.mu.RLock()
	var access string
	if c.current != nil {
		access = c.current.AccessToken
	}
	c.mu.RUnlock()
	if access == "" {
		return ErrNoSession
	}
	return c.do(ctx, http.MethodPut, "/auth/v1/user", nil, map[string]string{"password": newPassword}, access, nil)
}

// AuthorizeURL builds the browser URL that starts an external OAuth flow.
func (c *Client) AuthorizeURL(provider, redirectTo string) string {
	q := url.Values{"provider": {provider}}
	if redirectTo != "" {
		q.Set("redirect_to", redirectTo)
	}
	return c.baseURL + "/auth/v1/authorize?" + q.Encode()
}

// StartAutoRefresh runs a background loop refreshing the session shortly
// before expiry until ctx ends. Adopting or clearing a session re-arms the
// timer.
func (c *Client) StartAutoRefresh(ctx context.Context) {
	go func() {
		for {
			wait := c.untilRefresh()
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-c.kick:
				timer.Stop()
				continue
			case <-timer.C:
			}

			c.mu.RLock()
			hasSession := c.current != nil
			c.mu.RUnlock()
			if !hasSession {
				continue
			}
			if _, err := c.RefreshSession(ctx); err != nil && !errors.Is(err, ErrNoSession) {
				obs.LogEvent("identity.auto_refresh_failed", map[string]any{"error": err.Error()})
			}
		}
	}()
}

func (c *Client) untilRefresh() time.Duration {
	const idleWait = time.Minute

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return idleWait
	}
	wait := c.current.ExpiresAt.Sub(c.now()) - c.refreshMargin
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

func (c *Client) refreshWith(ctx context.Context, refreshToken string) (*Session, error) {
	body := map[string]string{"refresh_token": refreshToken}
	var resp wireSession
	err := c.do(ctx, http.MethodPost, "/auth/v1/token", url.Values{"grant_type": {"refresh_token"}}, body, "", &resp)
	if err != nil {
		if isInvalidGrant(err) {
			return nil, ErrInvalidGrant
		}
		return nil, err
	}
	return resp.session(c.now()), nil
}

func (c *Client) adopt(ctx context.Context, s *Session, typ EventType) {
	c.setCurrent(s)
	if c.storage != nil && s != nil {
		if err := c.storage.Save(ctx, s); err != nil {
			obs.LogEvent("identity.persist_failed", map[string]any{"error": err.Error()})
		}
	}
	c.emitter.emit(Event{Type: typ, Session: s})
}

func (c *Client) clearLocal(ctx context.Context) {
	c.setCurrent(nil)
	if c.storage != nil {
		_ = c.storage.Clear(ctx)
	}
}

func (c *Client) setCurrent(s *Session) {
	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// wireSession mirrors the provider's token endpoint response.
type wireSession struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         User   `json:"user"`
}

func (w wireSession) session(now time.Time) *Session {
	if w.AccessToken == "" || w.RefreshToken == "" {
		return nil
	}
	expires := time.Unix(w.ExpiresAt, 0)
	if w.ExpiresAt == 0 {
		expires = now.Add(time.Duration(w.ExpiresIn) * time.Second)
	}
	return &Session{
		AccessToken:  w.AccessToken,
		RefreshToken: w.RefreshToken,
		ExpiresAt:    expires,
		User:         w.User,
	}
}

// apiError is the provider's JSON error envelope (it varies by endpoint).
type apiError struct {
	Status      int
	Code        string `json:"error"`
	Description string `json:"error_description"`
	Msg         string `json:"msg"`
	Message     string `json:"message"`
}

func (e *apiError) Error() string {
	reason := e.Description
	if reason == "" {
		reason = e.Msg
	}
	if reason == "" {
		reason = e.Message
	}
	if reason == "" {
		reason = e.Code
	}
	if reason == "" {
		reason = http.StatusText(e.Status)
	}
	return fmt.Sprintf("identity: provider error (%d): %s", e.Status, reason)
}

func isInvalidGrant(err error) bool {
	var ae *apiError
	if !errors.As(err, &ae) {
		return false
	}
	if ae.Code == "invalid_grant" {
		return true
	}
	return ae.Status == http.StatusUnauthorized || ae.Status == http.StatusBadRequest && strings.Contains(strings.ToLower(ae.Error()), "invalid")
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, bearer string, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("identity: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("identity: new request: %w", err)
	}
	req.Header.Set("apikey", c.anonKey)
	if bearer == "" {
		bearer = c.anonKey
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("identity: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("identity: read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		ae := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, ae)
		return ae
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("identity: decode response: %w", err)
		}
	}
	return nil
}
