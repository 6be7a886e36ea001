// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Account
// model, including the discoverability-aware contact lookups the recipient
// resolver depends on.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lettermill/slowmail-backend/internal/domain"
)

// CreateAccount inserts an account row. Identifier values are expected to be
// pre-normalized by the caller (see domain normalizers).
func CreateAccount(ctx context.Context, db *gorm.DB, a *domain.Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = time.Now().UTC()
	return db.WithContext(ctx).Create(a).Error
}

// GetAccount fetches an account by id.
func GetAccount(ctx context.Context, db *gorm.DB, id string) (*domain.Account, error) {
	var a domain.Account
	err := db.WithContext(ctx).Where("id = ?", id).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// FindByContact looks up an account by a normalized contact identifier of
// the given kind, regardless of discoverability. The caller decides whether
// the match may be used; keeping the two concerns apart lets the sweep tell
// "not found" from "found but not discoverable" without widening the query
// surface.
func FindByContact(ctx context.Context, db *gorm.DB, kind domain.AddressingKind, normalized string) (*domain.Account, error) {
	var column string
	switch kind {
	case domain.AddrEmail:
		column = "email_normalized"
	case domain.AddrPhone:
		column = "phone_normalized"
	case domain.AddrPostalAddress:
		column = "postal_normalized"
	default:
		return nil, errors.New("contact lookup requires an email, phone, or postal kind")
	}
	var a domain.Account
	err := db.WithContext(ctx).Where(column+" = ?", normalized).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Discoverable reports whether the account opted into discovery by the
// given identifier kind.
func Discoverable(a *domain.Account, kind domain.AddressingKind) bool {
	switch kind {
	case domain.AddrEmail:
		return a.EmailDiscoverable
	case domain.AddrPhone:
		return a.PhoneDiscoverable
	case domain.AddrPostalAddress:
		return a.PostalDiscoverable
	}
	return false
}

// GetPenPalMatch resolves a pen-pal match token to its matched account id.
func GetPenPalMatch(ctx context.Context, db *gorm.DB, token string) (string, error) {
	var m domain.PenPalMatch
	err := db.WithContext(ctx).Where("id = ?", token).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return m.AccountID, nil
}
