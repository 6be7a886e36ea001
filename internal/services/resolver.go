// Package services – Resolver
//
// This file implements the recipient resolver: mapping an addressing input
// to a concrete recipient account. Direct user references resolve by lookup;
// contact identifiers (email, phone, postal) resolve only when the stored
// normalized identifier matches AND the account opted into discoverability
// for that identifier kind; pen-pal tokens resolve through the match
// directory.
//
// The three-way outcome (found / not found / not discoverable) exists solely
// for the delivery sweep's bookkeeping. It must never leak toward anything a
// sender can observe: handlers only ever acknowledge that routing will be
// attempted.
package services

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/lettermill/slowmail-backend/internal/domain"
	"github.com/lettermill/slowmail-backend/internal/repo"
)

// ResolutionStatus is the internal outcome of a resolution attempt.
type ResolutionStatus int

const (
	// ResolutionFound means a routable account was identified.
	ResolutionFound ResolutionStatus = iota
	// ResolutionNotFound means no account matches the identifier.
	ResolutionNotFound
	// ResolutionNotDiscoverable means an account matches but has not
	// opted into discovery by this identifier kind. Indistinguishable
	// from ResolutionNotFound outside this package.
	ResolutionNotDiscoverable
)

// Resolution is the result of a resolver call. AccountID is set only when
// Status is ResolutionFound.
type Resolution struct {
	Status    ResolutionStatus
	AccountID string
}

// PenPalDirectory resolves pen-pal match tokens to account ids. The matching
// selection logic is an external collaborator; this service only consumes
// already-issued matches.
type PenPalDirectory interface {
	MatchedAccount(ctx context.Context, token string) (string, error)
}

// penPalRepo is the repo-backed PenPalDirectory used in production.
type penPalRepo struct{ db *gorm.DB }

// MatchedAccount implements PenPalDirectory over the pen_pal_matches table.
func (p penPalRepo) MatchedAccount(ctx context.Context, token string) (string, error) {
	return repo.GetPenPalMatch(ctx, p.db, token)
}

// Resolver maps addressing inputs to recipient accounts.
type Resolver struct {
	DB      *gorm.DB
	Matches PenPalDirectory
}

// NewResolver constructs a Resolver with the repo-backed pen-pal directory.
func NewResolver(db *gorm.DB) *Resolver {
	return &Resolver{DB: db, Matches: penPalRepo{db: db}}
}

// Resolve attempts to map addr to an account. Lookup failures (as opposed to
// misses) surface as errors so the sweep can retry on the next pass.
func (r *Resolver) Resolve(ctx context.Context, addr domain.Addressing) (Resolution, error) {
	switch a := addr.(type) {
	case domain.UserReference:
		acct, err := repo.GetAccount(ctx, r.DB, a.UserID)
		if errors.Is(err, repo.ErrNotFound) {
			return Resolution{Status: ResolutionNotFound}, nil
		}
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Status: ResolutionFound, AccountID: acct.ID}, nil

	case domain.Email, domain.Phone, domain.PostalAddress:
		return r.resolveContact(ctx, addr)

	case domain.PenPalToken:
		accountID, err := r.Matches.MatchedAccount(ctx, domain.NormalizedValue(a))
		if errors.Is(err, repo.ErrNotFound) {
			return Resolution{Status: ResolutionNotFound}, nil
		}
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Status: ResolutionFound, AccountID: accountID}, nil

	default:
		// The Addressing interface is sealed; a new variant must be
		// handled above before it can reach production.
		return Resolution{}, ErrInvalidAddressing
	}
}

// resolveContact handles the identifier-based variants, enforcing the
// per-kind discoverability opt-in.
func (r *Resolver) resolveContact(ctx context.Context, addr domain.Addressing) (Resolution, error) {
	normalized := domain.NormalizedValue(addr)
	if normalized == "" {
		return Resolution{Status: ResolutionNotFound}, nil
	}
	acct, err := repo.FindByContact(ctx, r.DB, addr.Kind(), normalized)
	if errors.Is(err, repo.ErrNotFound) {
		return Resolution{Status: ResolutionNotFound}, nil
	}
	if err != nil {
		return Resolution{}, err
	}
	if !repo.Discoverable(acct, addr.Kind()) {
		return Resolution{Status: ResolutionNotDiscoverable}, nil
	}
	return Resolution{Status: ResolutionFound, AccountID: acct.ID}, nil
}
