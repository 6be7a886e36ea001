// Package domain defines the persistence models for accounts, letters,
// daily send quotas, block-list entries, and inbox entries. These types are
// mapped with GORM and form the core data layer of the slowmail service.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// LetterStatus enumerates the letter lifecycle states. DRAFT and IN_TRANSIT
// are the only non-terminal states; every other state is set by the delivery
// sweep and is final.
type LetterStatus string

const (
	StatusDraft         LetterStatus = "DRAFT"
	StatusInTransit     LetterStatus = "IN_TRANSIT"
	StatusDelivered     LetterStatus = "DELIVERED"
	StatusBlocked       LetterStatus = "BLOCKED"
	StatusUndeliverable LetterStatus = "UNDELIVERABLE"
)

// Terminal reports whether the status permits no further transitions.
func (s LetterStatus) Terminal() bool {
	switch s {
	case StatusDelivered, StatusBlocked, StatusUndeliverable:
		return true
	}
	return false
}

// Account represents a registered user as seen by the delivery core.
// Authentication and profile editing live elsewhere; this core consumes the
// timezone, the discoverability flags, and the deletion-hold marker.
//
// The *Normalized columns hold the canonical form of each contact identifier
// (see the addressing normalizers in this package) and are what the recipient
// resolver matches against. Discoverability is opt-in per identifier kind.
type Account struct {
	ID        string         `json:"id"       gorm:"type:char(36);primaryKey"`
	Username  string         `json:"username" gorm:"type:varchar(64);not null;uniqueIndex"`
	Timezone  string         `json:"timezone" gorm:"type:varchar(64);not null"`
	Region    string         `json:"region"   gorm:"type:varchar(64)"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"        gorm:"index"`

	EmailNormalized  string `json:"-" gorm:"type:varchar(255);index"`
	PhoneNormalized  string `json:"-" gorm:"type:varchar(32);index"`
	PostalNormalized string `json:"-" gorm:"type:varchar(512);index"`

	EmailDiscoverable  bool `json:"-" gorm:"not null;default:false"`
	PhoneDiscoverable  bool `json:"-" gorm:"not null;default:false"`
	PostalDiscoverable bool `json:"-" gorm:"not null;default:false"`

	// DeletionHoldAt marks the start of a pending account deletion grace
	// period. A held account cannot send letters.
	DeletionHoldAt *time.Time `json:"-"`
}

// TableName returns the database table name for Account.
func (Account) TableName() string { return "accounts" }

// OnDeletionHold reports whether the account is suspended pending deletion.
func (a *Account) OnDeletionHold() bool { return a.DeletionHoldAt != nil }

// Letter is the central entity of the service. The addressing input is kept
// verbatim alongside its kind even after the recipient resolves, so the
// letter can be re-routed and audited.
//
// Invariant: ScheduledDeliveryAt is non-nil if and only if the status is
// IN_TRANSIT or later. It is overwritten, never appended, when the recipient
// resolves late.
type Letter struct {
	ID       string `json:"id"        gorm:"type:char(36);primaryKey"`
	SenderID string `json:"sender_id" gorm:"type:char(36);not null;index:idx_sender_letters"`

	// RecipientID stays nil until resolution succeeds.
	RecipientID *string `json:"recipient_id,omitempty" gorm:"type:char(36);index"`

	AddressKind AddressingKind `json:"address_kind" gorm:"type:varchar(16);not null"`
	AddressRaw  string         `json:"address_raw"  gorm:"type:varchar(512);not null"`

	Subject string `json:"subject" gorm:"type:varchar(255)"`
	Body    string `json:"body"    gorm:"type:text;not null"`

	Status LetterStatus `json:"status" gorm:"type:varchar(16);not null;default:'DRAFT';index"`

	SentAt              *time.Time `json:"sent_at,omitempty"`
	ScheduledDeliveryAt *time.Time `json:"scheduled_delivery_at,omitempty" gorm:"index"`
	DeliveredAt         *time.Time `json:"delivered_at,omitempty"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`

	// Sender provenance captured at send time. Immutable afterwards: the
	// displayed origin of a letter must not change when the sender later
	// edits their profile.
	SenderRegionAtSend   string `json:"sender_region_at_send"   gorm:"type:varchar(64)"`
	SenderTimezoneAtSend string `json:"sender_timezone_at_send" gorm:"type:varchar(64)"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Sender Account `json:"-" gorm:"foreignKey:SenderID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Letter.
func (Letter) TableName() string { return "letters" }

// Resolved reports whether the letter has a concrete recipient account.
func (l *Letter) Resolved() bool { return l.RecipientID != nil && *l.RecipientID != "" }

// DailyQuota counts sends per sender per sender-local calendar day. Rows are
// created lazily on the first send of a day and never deleted; they double as
// a historical record. Day is the sender-local date in YYYY-MM-DD form.
type DailyQuota struct {
	ID        string    `json:"id"        gorm:"type:char(36);primaryKey"`
	SenderID  string    `json:"sender_id" gorm:"type:char(36);not null;uniqueIndex:ux_quota_sender_day,priority:1"`
	Day       string    `json:"day"       gorm:"type:char(10);not null;uniqueIndex:ux_quota_sender_day,priority:2"`
	Count     int       `json:"count"     gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for DailyQuota.
func (DailyQuota) TableName() string { return "daily_quotas" }

// BlockEntry is a directed (blocker, blocked) pair. It is consulted only at
// delivery finalization, never on the send path, so a sender can never
// observe that they are blocked.
type BlockEntry struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	BlockerID string    `json:"blocker_id" gorm:"type:char(36);not null;uniqueIndex:ux_block_pair,priority:1"`
	BlockedID string    `json:"blocked_id" gorm:"type:char(36);not null;uniqueIndex:ux_block_pair,priority:2"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for BlockEntry.
func (BlockEntry) TableName() string { return "block_entries" }

// InboxEntry places a delivered letter into the recipient's default
// "unopened" collection. The (recipient, letter) pair is unique so a racing
// or replayed sweep finalization upserts rather than duplicates.
type InboxEntry struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	RecipientID string    `json:"recipient_id" gorm:"type:char(36);not null;uniqueIndex:ux_inbox_recipient_letter,priority:1"`
	LetterID    string    `json:"letter_id"    gorm:"type:char(36);not null;uniqueIndex:ux_inbox_recipient_letter,priority:2"`
	Opened      bool      `json:"opened"       gorm:"not null;default:false"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Letter Letter `json:"-" gorm:"foreignKey:LetterID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for InboxEntry.
func (InboxEntry) TableName() string { return "inbox_entries" }

// PenPalMatch maps a pen-pal match token to the matched account. The
// matching selection algorithm lives outside this service; the resolver only
// looks matches up by token.
type PenPalMatch struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	AccountID string    `json:"account_id" gorm:"type:char(36);not null;index"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for PenPalMatch.
func (PenPalMatch) TableName() string { return "pen_pal_matches" }
