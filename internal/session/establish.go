// Package session classifies the provider's response to an externally
// delivered token pair.
package session

import (
	"context"
	"errors"

	"modli.app/internal/identity"
	"modli.app/internal/obs"
)

// Outcome classifies one establishment attempt.
type Outcome int

const (
	// OutcomeEstablished means the provider accepted the tokens and
	// returned an active session.
	OutcomeEstablished Outcome = iota
	// OutcomeRejected means the provider explicitly refused the tokens.
	OutcomeRejected
	// OutcomeAmbiguous means the provider call succeeded but produced no
	// session. Navigated like a rejection, logged like a provider defect.
	OutcomeAmbiguous
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEstablished:
		return "established"
	case OutcomeRejected:
		return "rejected"
	case OutcomeAmbiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// Provider is the slice of the identity client the establisher needs.
type Provider interface {
	SetSession(ctx context.Context, accessToken, refreshToken string) (*identity.Session, error)
}

// Establisher performs a single establish attempt per token pair. Retrying
// is the caller's decision.
type Establisher struct {
	provider Provider
}

// NewEstablisher constructs an Establisher backed by the given provider.
func NewEstablisher(p Provider) *Establisher {
	return &Establisher{provider: p}
}

// Establish asks the provider to adopt the token pair and classifies the
// result. The returned error carries the provider's reason for a rejection;
// it is nil for OutcomeEstablished and OutcomeAmbiguous.
func (e *Establisher) Establish(ctx context.Context, accessToken, refreshToken string) (Outcome, *identity.Session, error) {
	if accessToken == "" || refreshToken == "" {
		obs.CountEstablish(OutcomeRejected.String())
		return OutcomeRejected, nil, errors.New("session: token pair incomplete")
	}

	s, err := e.provider.SetSession(ctx, accessToken, refreshToken)
	switch {
	case err != nil:
		obs.CountEstablish(OutcomeRejected.String())
		obs.LogEvent("session.establish_rejected", map[string]any{"error": err.Error()})
		return OutcomeRejected, nil, err
	case s == nil:
		// No error and no session points at a provider-side anomaly.
		obs.CountEstablish(OutcomeAmbiguous.String())
		obs.LogEvent("session.establish_ambiguous", map[string]any{"severity": "high"})
		return OutcomeAmbiguous, nil, nil
	default:
		obs.CountEstablish(OutcomeEstablished.String())
		return OutcomeEstablished, s, nil
	}
}
