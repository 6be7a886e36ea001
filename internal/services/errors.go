// Package services defines the business logic for the letter lifecycle, the
// recipient resolver, and the delivery sweep. This file centralizes common
// service-level error values so that they can be consistently returned by
// service methods and checked by callers.
//
// These errors are intended for internal use by the service layer; handlers
// translate them into user-facing messages and HTTP status codes. Resolution
// errors never reach handlers at all: the resolver's distinct outcomes exist
// only for the sweep's bookkeeping.
package services

import "errors"

var (
	// ErrLetterNotFound indicates that the requested letter does not exist.
	ErrLetterNotFound = errors.New("letter not found")

	// ErrNotSender is returned when the caller does not own the letter.
	// Rejected before any mutation.
	ErrNotSender = errors.New("caller is not the letter's sender")

	// ErrNotDraft is returned when a transition requires DRAFT status but
	// the letter has already moved on. No mutation; safe to retry once the
	// real state changes.
	ErrNotDraft = errors.New("letter is not a draft")

	// ErrNotRecipient is returned when the caller is not the letter's
	// resolved recipient.
	ErrNotRecipient = errors.New("caller is not the letter's recipient")

	// ErrDeletionHold is returned when the sender's account is suspended
	// pending deletion and therefore cannot send.
	ErrDeletionHold = errors.New("account is on a deletion hold")

	// ErrQuotaExceeded is a capacity error, distinct from the authorization
	// errors above so callers can render a specific message.
	ErrQuotaExceeded = errors.New("daily send quota exceeded")

	// ErrInvalidAddressing is returned for malformed or empty addressing
	// input. Rejected synchronously, never persisted.
	ErrInvalidAddressing = errors.New("invalid addressing input")

	// ErrNotDelivered is returned when an action requires a delivered
	// letter (opening, blocking its sender).
	ErrNotDelivered = errors.New("letter has not been delivered")

	// ErrNeverReceived is returned when a recipient tries to block a
	// sender they have never received a letter from.
	ErrNeverReceived = errors.New("no delivered letter from that sender")

	// ErrAlreadyBlocked is returned when the block pair already exists.
	ErrAlreadyBlocked = errors.New("sender already blocked")
)
