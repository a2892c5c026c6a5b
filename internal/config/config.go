// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"modli.app/internal/authflow"
)

// Config holds everything the binaries read from the environment. All
// variables carry the MODLI_ prefix.
type Config struct {
	// Identity provider.
	ProviderURL string `env:"PROVIDER_URL"`
	AnonKey     string `env:"ANON_KEY"`

	// App link surface.
	Scheme      string `env:"SCHEME"       envDefault:"modli"`
	LinkDomain  string `env:"LINK_DOMAIN"  envDefault:"mekanizma.com"`
	RedirectURL string `env:"REDIRECT_URL" envDefault:"https://mekanizma.com/auth/callback"`

	// Store association documents.
	AndroidPackage    string `env:"ANDROID_PACKAGE"     envDefault:"com.mekanizma.modli"`
	AndroidCertSHA256 string `env:"ANDROID_CERT_SHA256"`
	AppleAppID        string `env:"APPLE_APP_ID"        envDefault:"ABCDE12345.com.mekanizma.modli"`

	// Server.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	PGDSN      string `env:"PG_DSN"`

	// Flow timings.
	PollCheckpoints []time.Duration `env:"POLL_CHECKPOINTS" envDefault:"2s,5s,8s" envSeparator:","`
	HardCeiling     time.Duration   `env:"HARD_CEILING"     envDefault:"10s"`

	// Session persistence for the CLI tools.
	SessionFile string `env:"SESSION_FILE" envDefault:""`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "MODLI_"}); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FlowTimings maps the configured checkpoints onto the flow controller.
func (c Config) FlowTimings() authflow.Timings {
	return authflow.Timings{
		PollCheckpoints: c.PollCheckpoints,
		HardCeiling:     c.HardCeiling,
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Scheme) == "" {
		return fmt.Errorf("config: MODLI_SCHEME must not be empty")
	}
	if strings.TrimSpace(c.LinkDomain) == "" {
		return fmt.Errorf("config: MODLI_LINK_DOMAIN must not be empty")
	}
	if c.HardCeiling <= 0 {
		return fmt.Errorf("config: MODLI_HARD_CEILING must be positive")
	}
	for _, d := range c.PollCheckpoints {
		if d <= 0 {
			return fmt.Errorf("config: MODLI_POLL_CHECKPOINTS entries must be positive")
		}
		if d >= c.HardCeiling {
			return fmt.Errorf("config: poll checkpoint %s is not before the %s ceiling", d, c.HardCeiling)
		}
	}
	return nil
}
