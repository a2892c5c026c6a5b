package profile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func profileRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "email", "full_name", "avatar_url", "height_cm", "weight_kg", "gender",
		"style_preference", "credits", "subscription_tier", "onboarding_completed",
		"created_at", "updated_at",
	})
}

func TestFindReturnsProfile(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("select (.+) from profiles where id=").
		WithArgs("11111111-1111-1111-1111-111111111111").
		WillReturnRows(profileRows().AddRow(
			"11111111-1111-1111-1111-111111111111", "u@example.com", "Test User", nil, 180, 75, "male",
			"casual", 3, "premium", true, now, now,
		))

	store := NewPGStore(db)
	p, err := store.Find(context.Background(), "11111111-1111-1111-1111-111111111111")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if p.Email != "u@example.com" || p.Credits != 3 || !p.OnboardingCompleted {
		t.Fatalf("unexpected profile: %+v", p)
	}
	if p.HeightCM != 180 || p.StylePreference != "casual" {
		t.Fatalf("measurement fields lost: %+v", p)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindMissingMapsToErrNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("select (.+) from profiles where id=").
		WithArgs("99999999-9999-9999-9999-999999999999").
		WillReturnRows(profileRows())

	store := NewPGStore(db)
	if _, err := store.Find(context.Background(), "99999999-9999-9999-9999-999999999999"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateFirstLoginDefaults(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	p := Defaults("22222222-2222-2222-2222-222222222222", "new@example.com", "New User", time.Now())
	if p.Credits != StarterCredits {
		t.Fatalf("starter credits = %d, want %d", p.Credits, StarterCredits)
	}
	if p.OnboardingCompleted {
		t.Fatalf("new profile must need onboarding")
	}

	mock.ExpectExec("insert into profiles").
		WithArgs("22222222-2222-2222-2222-222222222222", "new@example.com", "New User", "", nil, nil, nil, nil,
			StarterCredits, nil, false).
		WillReturnResult(sqlmock.NewResult(1, 1))

	store := NewPGStore(db)
	if err := store.Create(context.Background(), p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateConflictMapsToErrAlreadyExists(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("insert into profiles").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewPGStore(db)
	err = store.Create(context.Background(), Defaults("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa", "d@example.com", "", time.Now()))
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestUpdatePartialPatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now()
	done := true
	credits := 5
	mock.ExpectQuery("update profiles set").
		WithArgs("33333333-3333-3333-3333-333333333333", credits, done).
		WillReturnRows(profileRows().AddRow(
			"33333333-3333-3333-3333-333333333333", "u3@example.com", "", nil, nil, nil, nil,
			nil, 5, nil, true, now, now,
		))

	store := NewPGStore(db)
	p, err := store.Update(context.Background(), "33333333-3333-3333-3333-333333333333", Patch{Credits: &credits, OnboardingCompleted: &done})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if p.Credits != 5 || !p.OnboardingCompleted {
		t.Fatalf("patch not applied: %+v", p)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateNegativeCreditsRejected(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	bad := -1
	store := NewPGStore(db)
	if _, err := store.Update(context.Background(), "44444444-4444-4444-4444-444444444444", Patch{Credits: &bad}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestUpdateEmptyPatchIsFind(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("select (.+) from profiles where id=").
		WithArgs("55555555-5555-5555-5555-555555555555").
		WillReturnRows(profileRows().AddRow(
			"55555555-5555-5555-5555-555555555555", "u5@example.com", "", nil, nil, nil, nil,
			nil, 1, nil, false, now, now,
		))

	store := NewPGStore(db)
	if _, err := store.Update(context.Background(), "55555555-5555-5555-5555-555555555555", Patch{}); err != nil {
		t.Fatalf("Update with empty patch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMalformedIDIsRejectedLocally(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewPGStore(db)
	if _, err := store.Find(context.Background(), "not-a-uuid"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := store.Create(context.Background(), Defaults("not-a-uuid", "x@example.com", "", time.Now())); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	// The query never reaches the database.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected database traffic: %v", err)
	}
}
