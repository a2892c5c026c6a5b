// smoke-auth exercises a live identity provider end to end: password
// sign-in, session persistence across a simulated restart, profile fetch
// and sign-out. Exits nonzero on the first failure.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"modli.app/internal/config"
	"modli.app/internal/deeplink"
	"modli.app/internal/identity"
	"modli.app/internal/profile"
	"modli.app/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	email := os.Getenv("MODLI_SMOKE_EMAIL")
	password := os.Getenv("MODLI_SMOKE_PASSWORD")
	if cfg.ProviderURL == "" || cfg.AnonKey == "" || email == "" || password == "" {
		log.Fatal("missing MODLI_PROVIDER_URL, MODLI_ANON_KEY, MODLI_SMOKE_EMAIL or MODLI_SMOKE_PASSWORD")
	}

	sessionFile := cfg.SessionFile
	if sessionFile == "" {
		sessionFile = filepath.Join(os.TempDir(), "modli-smoke-session.json")
	}
	storage := identity.NewFileStorage(sessionFile)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := identity.NewClient(cfg.ProviderURL, cfg.AnonKey, identity.WithStorage(storage))
	if err != nil {
		log.Fatalf("new client: %v", err)
	}

	sess, err := client.SignInWithPassword(ctx, email, password)
	if err != nil {
		log.Fatalf("sign in: %v", err)
	}
	if sess == nil || !sess.Valid(time.Now()) {
		log.Fatalf("sign in returned no usable session")
	}
	fmt.Printf("signed in as %s (user %s)\n", sess.User.Email, sess.User.ID)

	// Simulated restart: a fresh client must restore the persisted session.
	restarted, err := identity.NewClient(cfg.ProviderURL, cfg.AnonKey, identity.WithStorage(storage))
	if err != nil {
		log.Fatalf("new client: %v", err)
	}
	restored, err := restarted.Bootstrap(ctx)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	if restored == nil || restored.User.ID != sess.User.ID {
		log.Fatalf("persisted session not restored")
	}
	fmt.Println("session survived restart")

	if cfg.PGDSN != "" {
		store, err := profile.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open profile store: %v", err)
		}
		p, err := store.Find(ctx, restored.User.ID)
		if err != nil {
			log.Fatalf("fetch profile: %v", err)
		}
		fmt.Printf("profile: credits=%d tier=%s onboarded=%v\n",
			p.Credits, p.SubscriptionTier, p.OnboardingCompleted)
	}

	// Optionally run a captured callback link through the same path the
	// app uses: parse, then exchange the token pair for a session.
	if raw := os.Getenv("MODLI_SMOKE_CALLBACK_URL"); raw != "" {
		payload := deeplink.Parse(raw)
		if !payload.HasTokens() {
			log.Fatalf("callback link carries no token pair: %s", raw)
		}
		outcome, linked, err := session.NewEstablisher(restarted).Establish(ctx, payload.AccessToken, payload.RefreshToken)
		if err != nil {
			log.Fatalf("establish from callback: %v", err)
		}
		if linked == nil {
			log.Fatalf("callback establish outcome: %s", outcome)
		}
		fmt.Printf("callback link established session for %s\n", linked.User.Email)
	}

	if err := restarted.SignOut(ctx); err != nil {
		log.Fatalf("sign out: %v", err)
	}
	if leftover, _ := storage.Load(ctx); leftover != nil {
		log.Fatalf("persisted session survived sign-out")
	}

	fmt.Println("✅ auth smoke test passed")
}
