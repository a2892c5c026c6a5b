// Package profile manages the application-level user record: credits,
// onboarding state, body measurements and avatar.
package profile

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("profile: not found")
	ErrAlreadyExists = errors.New("profile: already exists")
	ErrInvalidInput  = errors.New("profile: invalid input")
)

// StarterCredits is granted on first login so a new user gets one free try-on.
const StarterCredits = 1

// Profile is keyed by the identity user ID.
type Profile struct {
	ID                  string
	Email               string
	FullName            string
	AvatarURL           string
	HeightCM            int
	WeightKG            int
	Gender              string
	StylePreference     string
	Credits             int
	SubscriptionTier    string
	OnboardingCompleted bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Patch is a partial update; nil fields are left untouched.
type Patch struct {
	FullName            *string
	AvatarURL           *string
	HeightCM            *int
	WeightKG            *int
	Gender              *string
	StylePreference     *string
	Credits             *int
	SubscriptionTier    *string
	OnboardingCompleted *bool
}

// IsZero reports whether the patch changes nothing.
func (p Patch) IsZero() bool {
	return p.FullName == nil && p.AvatarURL == nil && p.HeightCM == nil &&
		p.WeightKG == nil && p.Gender == nil && p.StylePreference == nil &&
		p.Credits == nil && p.SubscriptionTier == nil && p.OnboardingCompleted == nil
}

// Store describes persistence operations for profiles.
type Store interface {
	Find(ctx context.Context, id string) (*Profile, error)
	Create(ctx context.Context, p *Profile) error
	Update(ctx context.Context, id string, patch Patch) (*Profile, error)
}

// Defaults returns the record created lazily on first login.
func Defaults(userID, email, fullName string, now time.Time) *Profile {
	return &Profile{
		ID:        userID,
		Email:     email,
		FullName:  fullName,
		Credits:   StarterCredits,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
