package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PGStore persists profiles in the provider's Postgres database.
type PGStore struct {
	db *sql.DB
}

var _ Store = (*PGStore)(nil)

// Open connects to Postgres with pool defaults suited to a small service.
func Open(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PGStore{db: db}, nil
}

// NewPGStore wraps an existing connection (used by tests).
func NewPGStore(db *sql.DB) *PGStore { return &PGStore{db: db} }

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) DB() *sql.DB { return s.db }

const profileColumns = `id, email, full_name, avatar_url, height_cm, weight_kg, gender,
	style_preference, credits, subscription_tier, onboarding_completed, created_at, updated_at`

// validID accepts only provider-issued UUIDs; the id column is uuid and a
// malformed value would otherwise surface as an opaque Postgres cast error.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (s *PGStore) Find(ctx context.Context, id string) (*Profile, error) {
	if !validID(id) {
		return nil, ErrInvalidInput
	}
	row := s.db.QueryRowContext(ctx, `select `+profileColumns+` from profiles where id=$1`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find profile: %w", err)
	}
	return p, nil
}

func (s *PGStore) Create(ctx context.Context, p *Profile) error {
	if p == nil || !validID(p.ID) {
		return ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx, `
		insert into profiles(id, email, full_name, avatar_url, height_cm, weight_kg, gender,
			style_preference, credits, subscription_tier, onboarding_completed, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now(),now())
		on conflict (id) do nothing
	`, p.ID, p.Email, p.FullName, p.AvatarURL, nullableInt(p.HeightCM), nullableInt(p.WeightKG),
		nullableString(p.Gender), nullableString(p.StylePreference), p.Credits,
		nullableString(p.SubscriptionTier), p.OnboardingCompleted)
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	if affected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *PGStore) Update(ctx context.Context, id string, patch Patch) (*Profile, error) {
	if !validID(id) {
		return nil, ErrInvalidInput
	}
	if patch.IsZero() {
		return s.Find(ctx, id)
	}

	set := []string{"updated_at = now()"}
	args := []any{id}
	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.FullName != nil {
		add("full_name", *patch.FullName)
	}
	if patch.AvatarURL != nil {
		add("avatar_url", *patch.AvatarURL)
	}
	if patch.HeightCM != nil {
		add("height_cm", *patch.HeightCM)
	}
	if patch.WeightKG != nil {
		add("weight_kg", *patch.WeightKG)
	}
	if patch.Gender != nil {
		add("gender", *patch.Gender)
	}
	if patch.StylePreference != nil {
		add("style_preference", *patch.StylePreference)
	}
	if patch.Credits != nil {
		if *patch.Credits < 0 {
			return nil, ErrInvalidInput
		}
		add("credits", *patch.Credits)
	}
	if patch.SubscriptionTier != nil {
		add("subscription_tier", *patch.SubscriptionTier)
	}
	if patch.OnboardingCompleted != nil {
		add("onboarding_completed", *patch.OnboardingCompleted)
	}

	query := `update profiles set ` + strings.Join(set, ", ") + ` where id=$1 returning ` + profileColumns
	row := s.db.QueryRowContext(ctx, query, args...)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*Profile, error) {
	var (
		p        Profile
		fullName sql.NullString
		avatar   sql.NullString
		height   sql.NullInt64
		weight   sql.NullInt64
		gender   sql.NullString
		style    sql.NullString
		tier     sql.NullString
	)
	err := row.Scan(&p.ID, &p.Email, &fullName, &avatar, &height, &weight, &gender,
		&style, &p.Credits, &tier, &p.OnboardingCompleted, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.FullName = fullName.String
	p.AvatarURL = avatar.String
	p.HeightCM = int(height.Int64)
	p.WeightKG = int(weight.Int64)
	p.Gender = gender.String
	p.StylePreference = style.String
	p.SubscriptionTier = tier.String
	return &p, nil
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
