package repo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lettermill/slowmail-backend/internal/domain"
)

func newLetterRepoDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("letter_repo_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	// Ensure the file handle is released before TempDir cleanup (Windows needs this).
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func mustCreateDraft(t *testing.T, db *gorm.DB, senderID string) *domain.Letter {
	t.Helper()
	l, err := CreateLetter(context.Background(), db, senderID,
		domain.Email{Address: "pal@example.org"}, "hello", "dear friend")
	if err != nil {
		t.Fatalf("CreateLetter: %v", err)
	}
	return l
}

func TestCreateLetter_PersistsDraft(t *testing.T) {
	db := newLetterRepoDB(t, &domain.Letter{})

	l := mustCreateDraft(t, db, "sender-1")
	if l.ID == "" || l.Status != domain.StatusDraft {
		t.Fatalf("unexpected letter: %+v", l)
	}
	if l.AddressKind != domain.AddrEmail || l.AddressRaw != "pal@example.org" {
		t.Fatalf("addressing not preserved: %+v", l)
	}

	got, err := GetLetter(context.Background(), db, l.ID)
	if err != nil {
		t.Fatalf("GetLetter: %v", err)
	}
	if got.Body != "dear friend" || got.RecipientID != nil {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestGetLetter_NotFound(t *testing.T) {
	db := newLetterRepoDB(t, &domain.Letter{})
	if _, err := GetLetter(context.Background(), db, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestListDrafts_ExcludesInTransit(t *testing.T) {
	db := newLetterRepoDB(t, &domain.Letter{})
	ctx := context.Background()

	a := mustCreateDraft(t, db, "s1")
	b := mustCreateDraft(t, db, "s1")
	mustCreateDraft(t, db, "someone-else")

	// Put b in transit; it must vanish from the sender's listing.
	if err := MarkInTransit(ctx, db, b.ID, SendFields{
		SentAt:              time.Now().UTC(),
		ScheduledDeliveryAt: time.Now().UTC().Add(48 * time.Hour),
	}); err != nil {
		t.Fatalf("MarkInTransit: %v", err)
	}

	drafts, err := ListDrafts(ctx, db, "s1", 0, 10)
	if err != nil {
		t.Fatalf("ListDrafts: %v", err)
	}
	if len(drafts) != 1 || drafts[0].ID != a.ID {
		t.Fatalf("expected only the remaining draft, got %+v", drafts)
	}

	total, err := CountDrafts(ctx, db, "s1")
	if err != nil || total != 1 {
		t.Fatalf("CountDrafts = %d, %v", total, err)
	}
}

func TestMarkInTransit_RecordsSnapshotOnce(t *testing.T) {
	db := newLetterRepoDB(t, &domain.Letter{})
	ctx := context.Background()

	l := mustCreateDraft(t, db, "s1")
	sentAt := time.Date(2025, 3, 3, 17, 0, 0, 0, time.UTC)
	sched := time.Date(2025, 3, 5, 16, 0, 0, 0, time.UTC)

	err := MarkInTransit(ctx, db, l.ID, SendFields{
		SentAt:              sentAt,
		ScheduledDeliveryAt: sched,
		SenderRegion:        "Attica, Greece",
		SenderTimezone:      "Europe/Athens",
	})
	if err != nil {
		t.Fatalf("MarkInTransit: %v", err)
	}

	got, err := GetLetter(ctx, db, l.ID)
	if err != nil {
		t.Fatalf("GetLetter: %v", err)
	}
	if got.Status != domain.StatusInTransit {
		t.Fatalf("status = %s", got.Status)
	}
	if got.SentAt == nil || !got.SentAt.Equal(sentAt) {
		t.Fatalf("sent_at = %v", got.SentAt)
	}
	if got.ScheduledDeliveryAt == nil || !got.ScheduledDeliveryAt.Equal(sched) {
		t.Fatalf("scheduled_delivery_at = %v", got.ScheduledDeliveryAt)
	}
	if got.SenderRegionAtSend != "Attica, Greece" || got.SenderTimezoneAtSend != "Europe/Athens" {
		t.Fatalf("provenance snapshot missing: %+v", got)
	}

	// Second transition loses the status race.
	err = MarkInTransit(ctx, db, l.ID, SendFields{SentAt: sentAt, ScheduledDeliveryAt: sched})
	if !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("want ErrStaleStatus, got %v", err)
	}
}

func TestMarkTerminal_OnlyFromInTransit(t *testing.T) {
	db := newLetterRepoDB(t, &domain.Letter{})
	ctx := context.Background()

	l := mustCreateDraft(t, db, "s1")

	// A draft cannot be finalized.
	if err := MarkTerminal(ctx, db, l.ID, domain.StatusDelivered, nil); !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("want ErrStaleStatus for draft, got %v", err)
	}

	if err := MarkInTransit(ctx, db, l.ID, SendFields{
		SentAt:              time.Now().UTC(),
		ScheduledDeliveryAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("MarkInTransit: %v", err)
	}

	at := time.Now().UTC()
	if err := MarkTerminal(ctx, db, l.ID, domain.StatusDelivered, &at); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}
	got, _ := GetLetter(ctx, db, l.ID)
	if got.Status != domain.StatusDelivered || got.DeliveredAt == nil {
		t.Fatalf("unexpected state: %+v", got)
	}

	// Terminal states never transition again.
	if err := MarkTerminal(ctx, db, l.ID, domain.StatusBlocked, nil); !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("want ErrStaleStatus for terminal letter, got %v", err)
	}
}

func TestSetRecipientAndSchedule(t *testing.T) {
	db := newLetterRepoDB(t, &domain.Letter{})
	ctx := context.Background()

	l := mustCreateDraft(t, db, "s1")
	if err := MarkInTransit(ctx, db, l.ID, SendFields{
		SentAt:              time.Now().UTC(),
		ScheduledDeliveryAt: time.Now().UTC().Add(time.Hour),
	}); err != nil {
		t.Fatalf("MarkInTransit: %v", err)
	}

	newSched := time.Date(2025, 4, 1, 16, 0, 0, 0, time.UTC)
	if err := SetRecipientAndSchedule(ctx, db, l.ID, "r1", newSched); err != nil {
		t.Fatalf("SetRecipientAndSchedule: %v", err)
	}
	got, _ := GetLetter(ctx, db, l.ID)
	if !got.Resolved() || *got.RecipientID != "r1" {
		t.Fatalf("recipient not set: %+v", got)
	}
	if !got.ScheduledDeliveryAt.Equal(newSched) {
		t.Fatalf("schedule not overwritten: %v", got.ScheduledDeliveryAt)
	}

	// Already resolved: a second resolution is a stale no-op.
	if err := SetRecipientAndSchedule(ctx, db, l.ID, "r2", newSched); !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("want ErrStaleStatus, got %v", err)
	}
}

func TestListUnresolvedAndDueInTransit(t *testing.T) {
	db := newLetterRepoDB(t, &domain.Letter{})
	ctx := context.Background()
	now := time.Now().UTC()

	unres := mustCreateDraft(t, db, "s1")
	if err := MarkInTransit(ctx, db, unres.ID, SendFields{
		SentAt: now.Add(-time.Hour), ScheduledDeliveryAt: now.Add(48 * time.Hour),
	}); err != nil {
		t.Fatalf("MarkInTransit: %v", err)
	}

	due := mustCreateDraft(t, db, "s1")
	if err := MarkInTransit(ctx, db, due.ID, SendFields{
		SentAt: now.Add(-72 * time.Hour), ScheduledDeliveryAt: now.Add(-time.Minute),
	}); err != nil {
		t.Fatalf("MarkInTransit: %v", err)
	}
	if err := SetRecipientAndSchedule(ctx, db, due.ID, "r1", now.Add(-time.Minute)); err != nil {
		t.Fatalf("SetRecipientAndSchedule: %v", err)
	}

	mustCreateDraft(t, db, "s1") // a plain draft matches neither listing

	unresolved, err := ListUnresolvedInTransit(ctx, db)
	if err != nil {
		t.Fatalf("ListUnresolvedInTransit: %v", err)
	}
	if len(unresolved) != 1 || unresolved[0].ID != unres.ID {
		t.Fatalf("unexpected unresolved set: %+v", unresolved)
	}

	dueList, err := ListDueInTransit(ctx, db, now)
	if err != nil {
		t.Fatalf("ListDueInTransit: %v", err)
	}
	if len(dueList) != 1 || dueList[0].ID != due.ID {
		t.Fatalf("unexpected due set: %+v", dueList)
	}
}

func TestMarkOpened_WritesOnce(t *testing.T) {
	db := newLetterRepoDB(t, &domain.Letter{}, &domain.InboxEntry{})
	ctx := context.Background()
	now := time.Now().UTC()

	l := mustCreateDraft(t, db, "s1")
	if err := MarkInTransit(ctx, db, l.ID, SendFields{SentAt: now, ScheduledDeliveryAt: now}); err != nil {
		t.Fatalf("MarkInTransit: %v", err)
	}
	if err := MarkTerminal(ctx, db, l.ID, domain.StatusDelivered, &now); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}
	if err := UpsertInboxEntry(ctx, db, "r1", l.ID); err != nil {
		t.Fatalf("UpsertInboxEntry: %v", err)
	}

	first := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	if err := MarkOpened(ctx, db, l.ID, first); err != nil {
		t.Fatalf("MarkOpened: %v", err)
	}
	// Replay with a later instant must not move the timestamp.
	if err := MarkOpened(ctx, db, l.ID, first.Add(time.Hour)); err != nil {
		t.Fatalf("MarkOpened replay: %v", err)
	}

	got, _ := GetLetter(ctx, db, l.ID)
	if got.OpenedAt == nil || !got.OpenedAt.Equal(first) {
		t.Fatalf("opened_at = %v, want %v", got.OpenedAt, first)
	}

	var entry domain.InboxEntry
	if err := db.Where("letter_id = ?", l.ID).First(&entry).Error; err != nil {
		t.Fatalf("load inbox entry: %v", err)
	}
	if !entry.Opened {
		t.Fatal("inbox entry should be marked opened")
	}
}

func TestHasDeliveredFrom(t *testing.T) {
	db := newLetterRepoDB(t, &domain.Letter{})
	ctx := context.Background()
	now := time.Now().UTC()

	l := mustCreateDraft(t, db, "sender-x")
	if err := MarkInTransit(ctx, db, l.ID, SendFields{SentAt: now, ScheduledDeliveryAt: now}); err != nil {
		t.Fatalf("MarkInTransit: %v", err)
	}
	if err := SetRecipientAndSchedule(ctx, db, l.ID, "recipient-y", now); err != nil {
		t.Fatalf("SetRecipientAndSchedule: %v", err)
	}

	// In transit does not count as contact.
	got, err := HasDeliveredFrom(ctx, db, "recipient-y", "sender-x")
	if err != nil || got {
		t.Fatalf("HasDeliveredFrom before delivery = %v, %v", got, err)
	}

	if err := MarkTerminal(ctx, db, l.ID, domain.StatusDelivered, &now); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}
	got, err = HasDeliveredFrom(ctx, db, "recipient-y", "sender-x")
	if err != nil || !got {
		t.Fatalf("HasDeliveredFrom after delivery = %v, %v", got, err)
	}
}
