// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides block-list and inbox-entry helpers.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lettermill/slowmail-backend/internal/domain"
)

// ErrDuplicate indicates a unique-constraint violation on insert.
var ErrDuplicate = errors.New("duplicate")

// CreateBlock records that blocker no longer wants letters from blocked.
func CreateBlock(ctx context.Context, db *gorm.DB, blockerID, blockedID string) error {
	b := &domain.BlockEntry{
		ID:        uuid.NewString(),
		BlockerID: blockerID,
		BlockedID: blockedID,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(b).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// IsBlocked reports whether blocker has blocked blocked. Consulted only at
// delivery finalization; the send path never calls this.
func IsBlocked(ctx context.Context, db *gorm.DB, blockerID, blockedID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.BlockEntry{}).
		Where("blocker_id = ? AND blocked_id = ?", blockerID, blockedID).
		Count(&n).Error
	return n > 0, err
}

// UpsertInboxEntry places a delivered letter in the recipient's unopened
// collection. The unique (recipient, letter) index makes replays no-ops.
func UpsertInboxEntry(ctx context.Context, tx *gorm.DB, recipientID, letterID string) error {
	e := &domain.InboxEntry{
		ID:          uuid.NewString(),
		RecipientID: recipientID,
		LetterID:    letterID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(e).Error; err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return err
	}
	return nil
}

// ListInbox returns the recipient's delivered letters, newest delivery
// first, with the unopened entries carrying their open state.
func ListInbox(ctx context.Context, db *gorm.DB, recipientID string, offset, limit int) ([]domain.InboxEntry, error) {
	var out []domain.InboxEntry
	q := db.WithContext(ctx).
		Preload("Letter").
		Where("recipient_id = ?", recipientID).
		Order("created_at DESC, id DESC")
	if offset > 0 {
		q = q.Offset(offset)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return out, q.Find(&out).Error
}

// CountInbox returns the total number of inbox entries for pagination.
func CountInbox(ctx context.Context, db *gorm.DB, recipientID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.InboxEntry{}).
		Where("recipient_id = ?", recipientID).
		Count(&total).Error
	return total, err
}

// isUniqueViolation recognizes unique-constraint errors from the pure-Go
// sqlite driver, which often reports them as plain text.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}
