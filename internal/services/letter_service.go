// Package services – LetterService
//
// This file implements the letter lifecycle controller. The send transition
// is its heart: ownership check, deletion-hold check, quota check, recipient
// timezone lookup, delivery scheduling, then one atomic transaction that
// flips the draft to IN_TRANSIT, snapshots the sender's provenance, and
// charges the daily quota. No partial state is ever observable: if the quota
// increment fails, the status flip rolls back with it.
//
// Observability: public methods are OpenTelemetry-instrumented; spans carry
// letter/user identifiers.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lettermill/slowmail-backend/internal/domain"
	"github.com/lettermill/slowmail-backend/internal/repo"
	"github.com/lettermill/slowmail-backend/internal/schedule"
	"github.com/lettermill/slowmail-backend/internal/timezone"
)

const (
	// placeholderZone is used for scheduling while the recipient is
	// unresolved; the sweep recomputes with the real zone on resolution.
	placeholderZone = "UTC"

	// localDayFormat is the sender-local calendar date keying DailyQuota.
	localDayFormat = "2006-01-02"

	maxSubjectRunes = 255
)

// LetterService owns draft creation and the send transition, plus the
// recipient-facing inbox, open, and block operations.
type LetterService struct {
	DB    *gorm.DB
	Clock schedule.Clock

	// QuotaPerDay caps sends per sender-local calendar day.
	QuotaPerDay int
}

// NewLetterService constructs a LetterService with the system clock.
func NewLetterService(db *gorm.DB, quotaPerDay int) *LetterService {
	return &LetterService{DB: db, Clock: schedule.SystemClock{}, QuotaPerDay: quotaPerDay}
}

// CreateDraft validates the addressing input and persists a new draft. A
// direct user reference is resolved eagerly so the send path can use the
// recipient's real timezone; contact identifiers stay unresolved until the
// sweep routes them. The outcome of the eager attempt is never reported.
func (s *LetterService) CreateDraft(ctx context.Context, senderID string, addr domain.Addressing, subject, body string) (*domain.Letter, error) {
	tr := otel.Tracer("services/LetterService")
	ctx, span := tr.Start(ctx, "CreateDraft",
		trace.WithAttributes(attribute.String("user.id", senderID)),
	)
	defer span.End()

	if addr == nil || strings.TrimSpace(addr.Raw()) == "" {
		return nil, ErrInvalidAddressing
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrInvalidAddressing
	}
	subject = strings.TrimSpace(subject)
	if len([]rune(subject)) > maxSubjectRunes {
		subject = string([]rune(subject)[:maxSubjectRunes])
	}

	letter, err := repo.CreateLetter(ctx, s.DB, senderID, addr, subject, body)
	if err != nil {
		return nil, err
	}

	if ref, ok := addr.(domain.UserReference); ok {
		if acct, lookupErr := repo.GetAccount(ctx, s.DB, ref.UserID); lookupErr == nil {
			letter.RecipientID = &acct.ID
			if updErr := s.DB.WithContext(ctx).Model(&domain.Letter{}).
				Where("id = ?", letter.ID).
				Update("recipient_id", acct.ID).Error; updErr != nil {
				return nil, updErr
			}
		}
		// A missing reference is not an error here: the draft stays
		// unresolved and the sweep keeps trying until the grace window
		// closes.
	}

	return letter, nil
}

// Send executes the DRAFT → IN_TRANSIT transition for the caller's letter.
// Preconditions are checked in order (authorization, state, hold, capacity)
// and the first failure surfaces with no partial writes.
func (s *LetterService) Send(ctx context.Context, senderID, letterID string) error {
	tr := otel.Tracer("services/LetterService")
	ctx, span := tr.Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("letter.id", letterID),
			attribute.String("user.id", senderID),
		),
	)
	defer span.End()

	letter, err := repo.GetLetter(ctx, s.DB, letterID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrLetterNotFound
	}
	if err != nil {
		return err
	}
	if letter.SenderID != senderID {
		return ErrNotSender
	}
	if letter.Status != domain.StatusDraft {
		return ErrNotDraft
	}

	sender, err := repo.GetAccount(ctx, s.DB, senderID)
	if err != nil {
		return err
	}
	if sender.OnDeletionHold() {
		return ErrDeletionHold
	}

	now := s.Clock.Now()

	senderLoc, err := timezone.Load(sender.Timezone)
	if err != nil {
		return err
	}
	day := now.In(senderLoc).Format(localDayFormat)

	// Advisory pre-check; the conditional increment inside the transaction
	// below is authoritative.
	used, err := repo.QuotaCount(ctx, s.DB, senderID, day)
	if err != nil {
		return err
	}
	if used >= s.QuotaPerDay {
		return ErrQuotaExceeded
	}

	recipientZone := placeholderZone
	if letter.Resolved() {
		recipient, err := repo.GetAccount(ctx, s.DB, *letter.RecipientID)
		if err != nil {
			return err
		}
		recipientZone = recipient.Timezone
	}

	plan, err := schedule.Schedule(now, recipientZone)
	if err != nil {
		return err
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.MarkInTransit(ctx, tx, letter.ID, repo.SendFields{
			SentAt:              now,
			ScheduledDeliveryAt: plan.Delivery,
			SenderRegion:        sender.Region,
			SenderTimezone:      sender.Timezone,
		}); err != nil {
			return err
		}
		return repo.IncrementQuota(ctx, tx, senderID, day, s.QuotaPerDay)
	})
	switch {
	case errors.Is(err, repo.ErrStaleStatus):
		// A concurrent send won the race; the letter is no longer a draft.
		return ErrNotDraft
	case errors.Is(err, repo.ErrQuotaExhausted):
		return ErrQuotaExceeded
	}
	return err
}

// Get fetches a letter visible to the caller: the sender of a draft, or the
// recipient once delivered. Everyone else, including the sender of a letter
// in transit, sees not-found.
func (s *LetterService) Get(ctx context.Context, userID, letterID string) (*domain.Letter, error) {
	letter, err := repo.GetLetter(ctx, s.DB, letterID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrLetterNotFound
	}
	if err != nil {
		return nil, err
	}
	switch {
	case letter.Status == domain.StatusDraft && letter.SenderID == userID:
		return letter, nil
	case letter.Status == domain.StatusDelivered && letter.Resolved() && *letter.RecipientID == userID:
		return letter, nil
	}
	return nil, ErrLetterNotFound
}

// ListDrafts returns a page of the caller's drafts and the total count.
// In-transit letters never appear in any sender listing.
func (s *LetterService) ListDrafts(ctx context.Context, senderID string, page, pageSize int) ([]domain.Letter, int64, error) {
	page, pageSize = clampPage(page, pageSize)
	total, err := repo.CountDrafts(ctx, s.DB, senderID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Letter{}, 0, nil
	}
	items, err := repo.ListDrafts(ctx, s.DB, senderID, (page-1)*pageSize, pageSize)
	return items, total, err
}

// ListInbox returns a page of the caller's delivered letters.
func (s *LetterService) ListInbox(ctx context.Context, recipientID string, page, pageSize int) ([]domain.InboxEntry, int64, error) {
	page, pageSize = clampPage(page, pageSize)
	total, err := repo.CountInbox(ctx, s.DB, recipientID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.InboxEntry{}, 0, nil
	}
	items, err := repo.ListInbox(ctx, s.DB, recipientID, (page-1)*pageSize, pageSize)
	return items, total, err
}

// Open records the tear-open action for a delivered letter. Replays are
// no-ops: opened_at is written once and the call succeeds either way.
func (s *LetterService) Open(ctx context.Context, userID, letterID string) error {
	letter, err := repo.GetLetter(ctx, s.DB, letterID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrLetterNotFound
	}
	if err != nil {
		return err
	}
	if !letter.Resolved() || *letter.RecipientID != userID {
		return ErrNotRecipient
	}
	if letter.Status != domain.StatusDelivered {
		return ErrNotDelivered
	}
	return repo.MarkOpened(ctx, s.DB, letterID, s.Clock.Now())
}

// Block lets a recipient suppress future deliveries from a sender they have
// already received from. The blocked sender is never informed; their send
// path behaves identically afterwards.
func (s *LetterService) Block(ctx context.Context, blockerID, blockedID string) error {
	if blockedID == "" || blockedID == blockerID {
		return ErrNeverReceived
	}
	received, err := repo.HasDeliveredFrom(ctx, s.DB, blockerID, blockedID)
	if err != nil {
		return err
	}
	if !received {
		return ErrNeverReceived
	}
	err = repo.CreateBlock(ctx, s.DB, blockerID, blockedID)
	if errors.Is(err, repo.ErrDuplicate) {
		return ErrAlreadyBlocked
	}
	return err
}

// clampPage applies the defaults shared by the paginated listings.
func clampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return page, pageSize
}

// SenderLocalDay exposes the quota day computation for tests and the quota
// advisory endpoint.
func SenderLocalDay(now time.Time, loc *time.Location) string {
	return now.In(loc).Format(localDayFormat)
}
