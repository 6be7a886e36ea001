// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// These symbolic constants are mapped to HTTP responses via the fail()
// helper in this package and give clients a stable, machine-readable error
// taxonomy alongside human-readable messages. Quota exhaustion carries its
// own code, distinct from both authorization failures and the
// edge rate limiter, so clients can render a specific message.
package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeQuotaExceeded    = "quota_exceeded"
	ErrCodeDeletionHold     = "account_on_hold"
	ErrCodeSendFailed       = "send_failed"
	ErrCodeCreateFailed     = "create_failed"
	ErrCodeListFailed       = "list_failed"
	ErrCodeSweepFailed      = "sweep_failed"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)
