// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Letter
// model, including the conditional state transitions the lifecycle
// controller and the delivery sweep rely on.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lettermill/slowmail-backend/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrStaleStatus is returned when a conditional status transition matched no
// row, meaning another writer got there first or the precondition no longer
// holds. Callers treat it as a no-op or map it to a state error.
var ErrStaleStatus = errors.New("letter status changed concurrently")

// CreateLetter inserts a new draft letter.
func CreateLetter(ctx context.Context, db *gorm.DB, senderID string, addr domain.Addressing, subject, body string) (*domain.Letter, error) {
	l := &domain.Letter{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		AddressKind: addr.Kind(),
		AddressRaw:  addr.Raw(),
		Subject:     subject,
		Body:        body,
		Status:      domain.StatusDraft,
		CreatedAt:   time.Now().UTC(),
	}
	return l, db.WithContext(ctx).Create(l).Error
}

// GetLetter fetches a letter by id.
func GetLetter(ctx context.Context, db *gorm.DB, id string) (*domain.Letter, error) {
	var l domain.Letter
	err := db.WithContext(ctx).Where("id = ?", id).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ListDrafts returns the sender's draft letters, newest first. Letters in
// transit are excluded: there is no "sent" view, so a sender
// must never see an IN_TRANSIT letter in any listing.
func ListDrafts(ctx context.Context, db *gorm.DB, senderID string, offset, limit int) ([]domain.Letter, error) {
	var out []domain.Letter
	q := db.WithContext(ctx).
		Where("sender_id = ? AND status = ?", senderID, domain.StatusDraft).
		Order("created_at DESC, id DESC")
	if offset > 0 {
		q = q.Offset(offset)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return out, q.Find(&out).Error
}

// CountDrafts returns the number of draft letters for pagination.
func CountDrafts(ctx context.Context, db *gorm.DB, senderID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Letter{}).
		Where("sender_id = ? AND status = ?", senderID, domain.StatusDraft).
		Count(&total).Error
	return total, err
}

// SendFields is the set of columns written when a draft goes in transit.
type SendFields struct {
	SentAt              time.Time
	ScheduledDeliveryAt time.Time
	SenderRegion        string
	SenderTimezone      string
}

// MarkInTransit flips a draft to IN_TRANSIT and records the send snapshot.
// The WHERE clause re-checks the DRAFT status inside the transaction so a
// concurrent send of the same letter matches zero rows.
func MarkInTransit(ctx context.Context, tx *gorm.DB, letterID string, f SendFields) error {
	res := tx.WithContext(ctx).Model(&domain.Letter{}).
		Where("id = ? AND status = ?", letterID, domain.StatusDraft).
		Updates(map[string]any{
			"status":                  domain.StatusInTransit,
			"sent_at":                 f.SentAt,
			"scheduled_delivery_at":   f.ScheduledDeliveryAt,
			"sender_region_at_send":   f.SenderRegion,
			"sender_timezone_at_send": f.SenderTimezone,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleStatus
	}
	return nil
}

// ListUnresolvedInTransit returns in-transit letters with no recipient,
// oldest first, for the expire and re-route sweep passes.
func ListUnresolvedInTransit(ctx context.Context, db *gorm.DB) ([]domain.Letter, error) {
	var out []domain.Letter
	err := db.WithContext(ctx).
		Where("status = ? AND recipient_id IS NULL", domain.StatusInTransit).
		Order("sent_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// ListDueInTransit returns resolved in-transit letters whose scheduled
// delivery instant has passed, for the finalize sweep pass.
func ListDueInTransit(ctx context.Context, db *gorm.DB, now time.Time) ([]domain.Letter, error) {
	var out []domain.Letter
	err := db.WithContext(ctx).
		Where("status = ? AND recipient_id IS NOT NULL AND scheduled_delivery_at <= ?",
			domain.StatusInTransit, now).
		Order("scheduled_delivery_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// MarkTerminal moves an in-transit letter into a terminal state. The status
// re-check makes overlapping sweep invocations race-safe: the second writer
// matches zero rows and reports ErrStaleStatus.
func MarkTerminal(ctx context.Context, tx *gorm.DB, letterID string, status domain.LetterStatus, deliveredAt *time.Time) error {
	updates := map[string]any{"status": status}
	if deliveredAt != nil {
		updates["delivered_at"] = *deliveredAt
	}
	res := tx.WithContext(ctx).Model(&domain.Letter{}).
		Where("id = ? AND status = ?", letterID, domain.StatusInTransit).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleStatus
	}
	return nil
}

// SetRecipientAndSchedule records a late resolution together with the
// recomputed delivery plan. The two writes are one UPDATE so the resolution
// and its scheduling never come apart. The previous scheduled instant, if
// any, is overwritten.
func SetRecipientAndSchedule(ctx context.Context, tx *gorm.DB, letterID, recipientID string, scheduledAt time.Time) error {
	res := tx.WithContext(ctx).Model(&domain.Letter{}).
		Where("id = ? AND status = ? AND recipient_id IS NULL", letterID, domain.StatusInTransit).
		Updates(map[string]any{
			"recipient_id":          recipientID,
			"scheduled_delivery_at": scheduledAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleStatus
	}
	return nil
}

// MarkOpened sets opened_at once. Replaying the open action is a no-op.
func MarkOpened(ctx context.Context, db *gorm.DB, letterID string, at time.Time) error {
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Letter{}).
			Where("id = ? AND status = ? AND opened_at IS NULL", letterID, domain.StatusDelivered).
			Update("opened_at", at)
		if res.Error != nil {
			return res.Error
		}
		return tx.Model(&domain.InboxEntry{}).
			Where("letter_id = ?", letterID).
			Update("opened", true).Error
	})
	return err
}

// HasDeliveredFrom reports whether recipient has at least one delivered
// letter from sender. Blocking is only offered after first contact.
func HasDeliveredFrom(ctx context.Context, db *gorm.DB, recipientID, senderID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Letter{}).
		Where("recipient_id = ? AND sender_id = ? AND status = ?", recipientID, senderID, domain.StatusDelivered).
		Count(&n).Error
	return n > 0, err
}
