package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lettermill/slowmail-backend/internal/domain"
	"github.com/lettermill/slowmail-backend/internal/repo"
)

func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("services_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedAccount(t *testing.T, db *gorm.DB, a *domain.Account) *domain.Account {
	t.Helper()
	if a.Timezone == "" {
		a.Timezone = "UTC"
	}
	if err := repo.CreateAccount(context.Background(), db, a); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return a
}

func TestResolver_UserReference(t *testing.T) {
	db := newServiceDB(t)
	r := NewResolver(db)
	a := seedAccount(t, db, &domain.Account{Username: "marina"})

	res, err := r.Resolve(context.Background(), domain.UserReference{UserID: a.ID})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Status != ResolutionFound || res.AccountID != a.ID {
		t.Fatalf("unexpected resolution: %+v", res)
	}

	res, err = r.Resolve(context.Background(), domain.UserReference{UserID: "ghost"})
	if err != nil || res.Status != ResolutionNotFound {
		t.Fatalf("missing reference: %+v, %v", res, err)
	}
}

func TestResolver_ContactDiscoverability(t *testing.T) {
	db := newServiceDB(t)
	r := NewResolver(db)
	ctx := context.Background()

	discoverable := seedAccount(t, db, &domain.Account{
		Username:          "open",
		EmailNormalized:   "open@example.org",
		EmailDiscoverable: true,
	})
	seedAccount(t, db, &domain.Account{
		Username:        "hidden",
		EmailNormalized: "hidden@example.org",
		// EmailDiscoverable left false
	})

	// Input normalization happens inside the resolver: mixed case and
	// padding still match the stored canonical form.
	res, err := r.Resolve(ctx, domain.Email{Address: "  OPEN@Example.ORG "})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Status != ResolutionFound || res.AccountID != discoverable.ID {
		t.Fatalf("unexpected resolution: %+v", res)
	}

	res, err = r.Resolve(ctx, domain.Email{Address: "hidden@example.org"})
	if err != nil || res.Status != ResolutionNotDiscoverable {
		t.Fatalf("opt-out must resolve as not discoverable: %+v, %v", res, err)
	}
	if res.AccountID != "" {
		t.Fatal("a non-found resolution must not carry an account id")
	}

	res, err = r.Resolve(ctx, domain.Email{Address: "stranger@example.org"})
	if err != nil || res.Status != ResolutionNotFound {
		t.Fatalf("unknown identifier: %+v, %v", res, err)
	}
}

func TestResolver_PhoneAndPostal(t *testing.T) {
	db := newServiceDB(t)
	r := NewResolver(db)
	ctx := context.Background()

	a := seedAccount(t, db, &domain.Account{
		Username:           "reachable",
		PhoneNormalized:    "+302101234567",
		PostalNormalized:   "12 harbor st, athens",
		PhoneDiscoverable:  true,
		PostalDiscoverable: true,
	})

	res, err := r.Resolve(ctx, domain.Phone{Number: "+30 (210) 123-4567"})
	if err != nil || res.Status != ResolutionFound || res.AccountID != a.ID {
		t.Fatalf("phone resolution: %+v, %v", res, err)
	}

	res, err = r.Resolve(ctx, domain.PostalAddress{Address: "12  HARBOR St,\nAthens"})
	if err != nil || res.Status != ResolutionFound || res.AccountID != a.ID {
		t.Fatalf("postal resolution: %+v, %v", res, err)
	}
}

type stubDirectory struct {
	accounts map[string]string
	err      error
}

func (s stubDirectory) MatchedAccount(_ context.Context, token string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	id, ok := s.accounts[token]
	if !ok {
		return "", repo.ErrNotFound
	}
	return id, nil
}

func TestResolver_PenPalToken(t *testing.T) {
	db := newServiceDB(t)
	r := &Resolver{DB: db, Matches: stubDirectory{accounts: map[string]string{"tok-1": "acct-7"}}}

	res, err := r.Resolve(context.Background(), domain.PenPalToken{Token: "tok-1"})
	if err != nil || res.Status != ResolutionFound || res.AccountID != "acct-7" {
		t.Fatalf("token resolution: %+v, %v", res, err)
	}

	res, err = r.Resolve(context.Background(), domain.PenPalToken{Token: "tok-2"})
	if err != nil || res.Status != ResolutionNotFound {
		t.Fatalf("unknown token: %+v, %v", res, err)
	}

	r.Matches = stubDirectory{err: errors.New("directory down")}
	if _, err := r.Resolve(context.Background(), domain.PenPalToken{Token: "tok-1"}); err == nil {
		t.Fatal("infrastructure failures must surface as errors")
	}
}

func TestResolver_RepoBackedDirectory(t *testing.T) {
	db := newServiceDB(t)
	r := NewResolver(db)

	m := domain.PenPalMatch{ID: "tok-9", AccountID: "acct-1", CreatedAt: time.Now().UTC()}
	if err := db.Create(&m).Error; err != nil {
		t.Fatalf("seed match: %v", err)
	}

	res, err := r.Resolve(context.Background(), domain.PenPalToken{Token: "tok-9"})
	if err != nil || res.Status != ResolutionFound || res.AccountID != "acct-1" {
		t.Fatalf("repo directory: %+v, %v", res, err)
	}
}
