package identity

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

// makeJWT builds an unsigned JWT carrying the claims the client parses.
// Signatures are never checked locally, so a fake one is enough.
func makeJWT(t *testing.T, sub, email string, exp time.Time) string {
	t.Helper()
	enc := func(v any) string {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal claims: %v", err)
		}
		return base64.RawURLEncoding.EncodeToString(data)
	}
	header := enc(map[string]string{"alg": "HS256", "typ": "JWT"})
	payload := enc(map[string]any{"sub": sub, "email": email, "exp": exp.Unix()})
	return header + "." + payload + ".sig"
}

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, "anon-key", opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, srv
}

func drainEvent(t *testing.T, ch <-chan Event, want EventType) Event {
	t.Helper()
	select {
	case evt := <-ch:
		if evt.Type != want {
			t.Fatalf("event type = %q, want %q", evt.Type, want)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatalf("no %q event delivered", want)
		return Event{}
	}
}

func TestSignInWithPassword(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("grant_type"); got != "password" {
			t.Errorf("grant_type = %q, want password", got)
		}
		if got := r.Header.Get("apikey"); got != "anon-key" {
			t.Errorf("apikey header = %q", got)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["email"] != "ada@example.com" || body["password"] != "hunter2" {
			t.Errorf("unexpected credentials: %v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"expires_in":    3600,
			"user":          map[string]any{"id": "u-1", "email": "ada@example.com"},
		})
	})

	dir := t.TempDir()
	store := NewFileStorage(filepath.Join(dir, "session.json"))
	c, _ := newTestClient(t, mux, WithStorage(store))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := c.Subscribe(ctx)

	sess, err := c.SignInWithPassword(ctx, "ada@example.com", "hunter2")
	if err != nil {
		t.Fatalf("SignInWithPassword: %v", err)
	}
	if sess.AccessToken != "at-1" || sess.User.ID != "u-1" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if !sess.Valid(time.Now()) {
		t.Fatalf("fresh session should be valid")
	}
	drainEvent(t, events, EventSignedIn)

	// Session must be persisted for the next launch.
	persisted, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if persisted == nil || persisted.RefreshToken != "rt-1" {
		t.Fatalf("session not persisted: %+v", persisted)
	}
}

func TestSignInWithPasswordBadCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "Invalid login credentials",
		})
	})
	c, _ := newTestClient(t, mux)

	_, err := c.SignInWithPassword(context.Background(), "ada@example.com", "wrong")
	if err != ErrInvalidCredentials {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestSetSessionFreshToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	access := makeJWT(t, "u-7", "ada@example.com", exp)

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer "+access {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "u-7", "email": "ada@example.com"})
	})
	c, _ := newTestClient(t, mux)

	sess, err := c.SetSession(context.Background(), access, "rt-7")
	if err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	if sess == nil || sess.User.ID != "u-7" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if !sess.ExpiresAt.Equal(exp) {
		t.Fatalf("ExpiresAt = %v, want %v (from token claims)", sess.ExpiresAt, exp)
	}
}

func TestSetSessionExpiredTokenUsesRefreshGrant(t *testing.T) {
	access := makeJWT(t, "u-8", "ada@example.com", time.Now().Add(-time.Minute))

	var refreshCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls++
		if got := r.URL.Query().Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", got)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["refresh_token"] != "rt-8" {
			t.Errorf("refresh_token = %q", body["refresh_token"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-new",
			"refresh_token": "rt-new",
			"expires_in":    3600,
			"user":          map[string]any{"id": "u-8"},
		})
	})
	mux.HandleFunc("/auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		t.Error("expired access token must not be sent to the user endpoint")
	})
	c, _ := newTestClient(t, mux)

	sess, err := c.SetSession(context.Background(), access, "rt-8")
	if err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	if sess.AccessToken != "at-new" || refreshCalls != 1 {
		t.Fatalf("session = %+v, refreshCalls = %d", sess, refreshCalls)
	}
}

func TestSetSessionNoAccountIsAmbiguous(t *testing.T) {
	access := makeJWT(t, "u-9", "", time.Now().Add(time.Hour))
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "{}")
	})
	c, _ := newTestClient(t, mux)

	sess, err := c.SetSession(context.Background(), access, "rt-9")
	if err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	if sess != nil {
		t.Fatalf("expected no session, got %+v", sess)
	}
}

func TestSetSessionRejectsIncompletePair(t *testing.T) {
	c, _ := newTestClient(t, http.NewServeMux())
	if _, err := c.SetSession(context.Background(), "", "rt"); err != ErrInvalidGrant {
		t.Fatalf("err = %v, want ErrInvalidGrant", err)
	}
	if _, err := c.SetSession(context.Background(), "at", ""); err != ErrInvalidGrant {
		t.Fatalf("err = %v, want ErrInvalidGrant", err)
	}
}

func TestRefreshFailureClearsSessionAndEmits(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	})

	dir := t.TempDir()
	store := NewFileStorage(filepath.Join(dir, "session.json"))
	c, _ := newTestClient(t, mux, WithStorage(store))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seed := &Session{
		AccessToken:  "at-stale",
		RefreshToken: "rt-revoked",
		ExpiresAt:    time.Now().Add(time.Hour),
		User:         User{ID: "u-10"},
	}
	if err := store.Save(ctx, seed); err != nil {
		t.Fatalf("seed save: %v", err)
	}
	c.setCurrent(seed)

	events := c.Subscribe(ctx)
	if _, err := c.RefreshSession(ctx); err != ErrInvalidGrant {
		t.Fatalf("err = %v, want ErrInvalidGrant", err)
	}

	evt := drainEvent(t, events, EventTokenRefreshed)
	if evt.Session != nil {
		t.Fatalf("terminal refresh failure must carry a nil session")
	}
	if cur, _ := c.CurrentSession(ctx); cur != nil {
		t.Fatalf("in-memory session not cleared")
	}
	if persisted, _ := store.Load(ctx); persisted != nil {
		t.Fatalf("persisted session not cleared")
	}
}

func TestSignOut(t *testing.T) {
	var logoutCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/logout", func(w http.ResponseWriter, r *http.Request) {
		logoutCalls++
		w.WriteHeader(http.StatusNoContent)
	})

	dir := t.TempDir()
	store := NewFileStorage(filepath.Join(dir, "session.json"))
	c, _ := newTestClient(t, mux, WithStorage(store))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seed := &Session{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)}
	store.Save(ctx, seed)
	c.setCurrent(seed)

	events := c.Subscribe(ctx)
	if err := c.SignOut(ctx); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	drainEvent(t, events, EventSignedOut)

	if logoutCalls != 1 {
		t.Fatalf("logout calls = %d, want 1", logoutCalls)
	}
	if cur, _ := c.CurrentSession(ctx); cur != nil {
		t.Fatalf("session survived sign-out")
	}
	if persisted, _ := store.Load(ctx); persisted != nil {
		t.Fatalf("persisted session survived sign-out")
	}
}

func TestBootstrapRestoresValidSession(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStorage(filepath.Join(dir, "session.json"))
	c, _ := newTestClient(t, http.NewServeMux(), WithStorage(store))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seed := &Session{
		AccessToken:  "at-persisted",
		RefreshToken: "rt-persisted",
		ExpiresAt:    time.Now().Add(time.Hour),
		User:         User{ID: "u-11"},
	}
	store.Save(ctx, seed)

	events := c.Subscribe(ctx)
	sess, err := c.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if sess == nil || sess.AccessToken != "at-persisted" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	evt := drainEvent(t, events, EventInitialSession)
	if evt.Session == nil || evt.Session.User.ID != "u-11" {
		t.Fatalf("initial-session event missing session: %+v", evt)
	}
}

func TestBootstrapRefreshesStaleSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-refreshed",
			"refresh_token": "rt-refreshed",
			"expires_in":    3600,
			"user":          map[string]any{"id": "u-12"},
		})
	})

	dir := t.TempDir()
	store := NewFileStorage(filepath.Join(dir, "session.json"))
	c, _ := newTestClient(t, mux, WithStorage(store))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stale := &Session{
		AccessToken:  "at-stale",
		RefreshToken: "rt-stale",
		ExpiresAt:    time.Now().Add(-time.Hour),
		User:         User{ID: "u-12"},
	}
	store.Save(ctx, stale)

	sess, err := c.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if sess == nil || sess.AccessToken != "at-refreshed" {
		t.Fatalf("stale session not refreshed: %+v", sess)
	}
}

func TestBootstrapWithNothingPersisted(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStorage(filepath.Join(dir, "session.json"))
	c, _ := newTestClient(t, http.NewServeMux(), WithStorage(store))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := c.Subscribe(ctx)
	sess, err := c.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if sess != nil {
		t.Fatalf("expected no session, got %+v", sess)
	}
	evt := drainEvent(t, events, EventInitialSession)
	if evt.Session != nil {
		t.Fatalf("initial-session event should carry nil session")
	}
}

func TestAuthorizeURL(t *testing.T) {
	c, err := NewClient("https://id.example.com/", "anon-key")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	got := c.AuthorizeURL("google", "https://mekanizma.com/auth/callback")
	want := "https://id.example.com/auth/v1/authorize?provider=google&redirect_to=https%3A%2F%2Fmekanizma.com%2Fauth%2Fcallback"
	if got != want {
		t.Fatalf("AuthorizeURL = %q, want %q", got, want)
	}
}
