package services

import (
	"context"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/lettermill/slowmail-backend/internal/domain"
	"github.com/lettermill/slowmail-backend/internal/repo"
	"github.com/lettermill/slowmail-backend/internal/schedule"
)

func newSweepService(t *testing.T, db *gorm.DB, now time.Time) *SweepService {
	t.Helper()
	svc := NewSweepService(db, NewResolver(db), 72*time.Hour, 2)
	svc.Clock = schedule.FixedClock{T: now}
	return svc
}

// sendLetter creates a draft and flips it in transit in one step.
func sendLetter(t *testing.T, db *gorm.DB, senderID string, addr domain.Addressing, sentAt, scheduledAt time.Time) *domain.Letter {
	t.Helper()
	ctx := context.Background()
	l, err := repo.CreateLetter(ctx, db, senderID, addr, "subject", "body")
	if err != nil {
		t.Fatalf("CreateLetter: %v", err)
	}
	if err := repo.MarkInTransit(ctx, db, l.ID, repo.SendFields{
		SentAt:              sentAt,
		ScheduledDeliveryAt: scheduledAt,
	}); err != nil {
		t.Fatalf("MarkInTransit: %v", err)
	}
	return l
}

func TestSweep_ExpiresPastGraceWindow(t *testing.T) {
	db := newServiceDB(t)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	svc := newSweepService(t, db, now)
	ctx := context.Background()

	sender := seedAccount(t, db, &domain.Account{Username: "sender"})

	old := sendLetter(t, db, sender.ID, domain.Email{Address: "nobody@example.org"},
		now.Add(-80*time.Hour), now.Add(-10*time.Hour))
	fresh := sendLetter(t, db, sender.ID, domain.Email{Address: "nobody@example.org"},
		now.Add(-10*time.Hour), now.Add(40*time.Hour))

	sum, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Expired != 1 || sum.Rerouted != 0 || sum.Failed != 0 {
		t.Fatalf("summary: %+v", sum)
	}

	got, _ := repo.GetLetter(ctx, db, old.ID)
	if got.Status != domain.StatusUndeliverable {
		t.Fatalf("old letter = %s", got.Status)
	}
	got, _ = repo.GetLetter(ctx, db, fresh.ID)
	if got.Status != domain.StatusInTransit {
		t.Fatalf("fresh letter = %s", got.Status)
	}
}

func TestSweep_ReroutesWhenRecipientBecomesDiscoverable(t *testing.T) {
	db := newServiceDB(t)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) // Monday
	svc := newSweepService(t, db, now)
	ctx := context.Background()

	sender := seedAccount(t, db, &domain.Account{Username: "sender"})
	l := sendLetter(t, db, sender.ID, domain.Email{Address: "late@example.org"},
		now.Add(-10*time.Hour), now.Add(40*time.Hour))

	// No matching account yet: the letter just rides along.
	sum, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Rerouted != 0 || sum.Expired != 0 {
		t.Fatalf("premature movement: %+v", sum)
	}

	// The recipient registers (discoverably) after the send.
	recipient := seedAccount(t, db, &domain.Account{
		Username:          "late",
		Timezone:          "UTC",
		EmailNormalized:   "late@example.org",
		EmailDiscoverable: true,
	})

	sum, err = svc.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Rerouted != 1 {
		t.Fatalf("summary: %+v", sum)
	}

	got, _ := repo.GetLetter(ctx, db, l.ID)
	if !got.Resolved() || *got.RecipientID != recipient.ID {
		t.Fatalf("recipient not set: %+v", got)
	}
	// Schedule recomputed from the sweep instant in the recipient's zone:
	// Mon 12:00 UTC + 24 business hours → Tue 12:00, delivery Tue 16:00.
	want := time.Date(2025, 3, 11, 16, 0, 0, 0, time.UTC)
	if !got.ScheduledDeliveryAt.Equal(want) {
		t.Fatalf("rescheduled to %v, want %v", got.ScheduledDeliveryAt, want)
	}
}

func TestSweep_NotDiscoverableStaysUnresolved(t *testing.T) {
	db := newServiceDB(t)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	svc := newSweepService(t, db, now)
	ctx := context.Background()

	sender := seedAccount(t, db, &domain.Account{Username: "sender"})
	seedAccount(t, db, &domain.Account{
		Username:        "private",
		EmailNormalized: "private@example.org",
		// not discoverable by email
	})
	l := sendLetter(t, db, sender.ID, domain.Email{Address: "private@example.org"},
		now.Add(-time.Hour), now.Add(47*time.Hour))

	sum, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Rerouted != 0 || sum.Failed != 0 {
		t.Fatalf("summary: %+v", sum)
	}
	got, _ := repo.GetLetter(ctx, db, l.ID)
	if got.Resolved() {
		t.Fatal("opt-out identifier must never route")
	}
}

func TestSweep_FinalizesDueLetters(t *testing.T) {
	db := newServiceDB(t)
	now := time.Date(2025, 3, 10, 16, 30, 0, 0, time.UTC)
	svc := newSweepService(t, db, now)
	ctx := context.Background()

	sender := seedAccount(t, db, &domain.Account{Username: "sender"})
	recipient := seedAccount(t, db, &domain.Account{Username: "recipient"})

	due := sendLetter(t, db, sender.ID, domain.UserReference{UserID: recipient.ID},
		now.Add(-48*time.Hour), now.Add(-30*time.Minute))
	if err := repo.SetRecipientAndSchedule(ctx, db, due.ID, recipient.ID, now.Add(-30*time.Minute)); err != nil {
		t.Fatalf("SetRecipientAndSchedule: %v", err)
	}
	early := sendLetter(t, db, sender.ID, domain.UserReference{UserID: recipient.ID},
		now.Add(-time.Hour), now.Add(20*time.Hour))
	if err := repo.SetRecipientAndSchedule(ctx, db, early.ID, recipient.ID, now.Add(20*time.Hour)); err != nil {
		t.Fatalf("SetRecipientAndSchedule: %v", err)
	}

	sum, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Delivered != 1 || sum.Blocked != 0 || sum.Failed != 0 {
		t.Fatalf("summary: %+v", sum)
	}

	got, _ := repo.GetLetter(ctx, db, due.ID)
	if got.Status != domain.StatusDelivered || got.DeliveredAt == nil {
		t.Fatalf("due letter: %+v", got)
	}
	entries, err := repo.ListInbox(ctx, db, recipient.ID, 0, 10)
	if err != nil || len(entries) != 1 || entries[0].LetterID != due.ID {
		t.Fatalf("inbox entries: %+v, %v", entries, err)
	}

	// A letter ahead of its scheduled instant never delivers early.
	got, _ = repo.GetLetter(ctx, db, early.ID)
	if got.Status != domain.StatusInTransit {
		t.Fatalf("early letter: %s", got.Status)
	}
}

func TestSweep_BlockSuppressesDeliverySilently(t *testing.T) {
	db := newServiceDB(t)
	now := time.Date(2025, 3, 10, 16, 30, 0, 0, time.UTC)
	svc := newSweepService(t, db, now)
	ctx := context.Background()

	sender := seedAccount(t, db, &domain.Account{Username: "sender"})
	recipient := seedAccount(t, db, &domain.Account{Username: "recipient"})
	if err := repo.CreateBlock(ctx, db, recipient.ID, sender.ID); err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}

	l := sendLetter(t, db, sender.ID, domain.UserReference{UserID: recipient.ID},
		now.Add(-48*time.Hour), now.Add(-time.Minute))
	if err := repo.SetRecipientAndSchedule(ctx, db, l.ID, recipient.ID, now.Add(-time.Minute)); err != nil {
		t.Fatalf("SetRecipientAndSchedule: %v", err)
	}

	sum, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Blocked != 1 || sum.Delivered != 0 {
		t.Fatalf("summary: %+v", sum)
	}

	got, _ := repo.GetLetter(ctx, db, l.ID)
	if got.Status != domain.StatusBlocked || got.DeliveredAt != nil {
		t.Fatalf("blocked letter: %+v", got)
	}
	// Nothing ever reaches the recipient's inbox.
	total, _ := repo.CountInbox(ctx, db, recipient.ID)
	if total != 0 {
		t.Fatalf("inbox should stay empty, got %d entries", total)
	}
}

func TestSweep_SecondRunIsNoop(t *testing.T) {
	db := newServiceDB(t)
	now := time.Date(2025, 3, 10, 16, 30, 0, 0, time.UTC)
	svc := newSweepService(t, db, now)
	ctx := context.Background()

	sender := seedAccount(t, db, &domain.Account{Username: "sender"})
	recipient := seedAccount(t, db, &domain.Account{Username: "recipient"})

	l := sendLetter(t, db, sender.ID, domain.UserReference{UserID: recipient.ID},
		now.Add(-48*time.Hour), now.Add(-time.Minute))
	if err := repo.SetRecipientAndSchedule(ctx, db, l.ID, recipient.ID, now.Add(-time.Minute)); err != nil {
		t.Fatalf("SetRecipientAndSchedule: %v", err)
	}

	first, err := svc.Run(ctx)
	if err != nil || first.Delivered != 1 {
		t.Fatalf("first run: %+v, %v", first, err)
	}
	second, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second != (Summary{}) {
		t.Fatalf("second run moved letters: %+v", second)
	}
	total, _ := repo.CountInbox(ctx, db, recipient.ID)
	if total != 1 {
		t.Fatalf("inbox entries = %d", total)
	}
}
