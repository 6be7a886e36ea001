// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the daily send quota: an advisory read
// plus the authoritative conditional increment executed inside the send
// transaction.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lettermill/slowmail-backend/internal/domain"
)

// ErrQuotaExhausted is returned when the conditional increment matches no
// row because the sender already reached the daily cap.
var ErrQuotaExhausted = errors.New("daily send quota exhausted")

// QuotaCount returns the number of sends recorded for (sender, day). A
// missing row counts as zero. This is the advisory pre-check; enforcement
// happens in IncrementQuota.
func QuotaCount(ctx context.Context, db *gorm.DB, senderID, day string) (int, error) {
	var q domain.DailyQuota
	err := db.WithContext(ctx).
		Where("sender_id = ? AND day = ?", senderID, day).
		First(&q).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return q.Count, nil
}

// IncrementQuota charges one send against (sender, day), creating the row
// lazily on the first send of the day. The increment is a single conditional
// upsert so two concurrent sends can never both slip under the cap: the
// UPDATE arm only fires while count < limit, and zero affected rows means
// the cap was already reached.
//
// Must run inside the same transaction as the letter status flip; a failed
// increment aborts the transaction and no partial state is observable.
func IncrementQuota(ctx context.Context, tx *gorm.DB, senderID, day string, limit int) error {
	now := time.Now().UTC()
	res := tx.WithContext(ctx).Exec(`
		INSERT INTO daily_quotas (id, sender_id, day, count, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (sender_id, day)
		DO UPDATE SET count = count + 1, updated_at = excluded.updated_at
		WHERE count < ?`,
		uuid.NewString(), senderID, day, now, now, limit)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrQuotaExhausted
	}
	return nil
}
