// Letter HTTP handlers.
//
// This file exposes the REST endpoints for the letter lifecycle:
//   - POST /letters            (create draft; Idempotency-Key honored)
//   - GET  /letters            (list the caller's drafts, paginated)
//   - GET  /letters/{id}       (fetch a letter visible to the caller)
//   - POST /letters/{id}/send  (the send transition)
//   - GET  /inbox              (the caller's delivered letters, paginated)
//   - POST /letters/{id}/open  (idempotent tear-open)
//   - POST /blocks             (block a sender after first contact)
//
// Handlers are transport-thin: they validate and normalize input, delegate
// to the letter service, and translate service errors into HTTP results.
// Addressing resolution outcomes are never distinguishable in any response;
// a draft to an unknown address is accepted exactly like one to a known
// address.
package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lettermill/slowmail-backend/internal/domain"
	"github.com/lettermill/slowmail-backend/internal/http/middleware"
	"github.com/lettermill/slowmail-backend/internal/repo"
	"github.com/lettermill/slowmail-backend/internal/services"
	"github.com/lettermill/slowmail-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// LetterService defines the lifecycle operations consumed by HTTP handlers.
// Implementations must be safe for concurrent use and honor the provided
// context.
type LetterService interface {
	// CreateDraft validates addressing and persists a new draft.
	CreateDraft(ctx context.Context, senderID string, addr domain.Addressing, subject, body string) (*domain.Letter, error)
	// Send executes the DRAFT → IN_TRANSIT transition.
	Send(ctx context.Context, senderID, letterID string) error
	// Get fetches a letter visible to the caller.
	Get(ctx context.Context, userID, letterID string) (*domain.Letter, error)
	// ListDrafts returns a page of the caller's drafts and the total count.
	ListDrafts(ctx context.Context, senderID string, page, pageSize int) ([]domain.Letter, int64, error)
	// ListInbox returns a page of the caller's delivered letters.
	ListInbox(ctx context.Context, recipientID string, page, pageSize int) ([]domain.InboxEntry, int64, error)
	// Open records the tear-open action; replays are no-ops.
	Open(ctx context.Context, userID, letterID string) error
	// Block suppresses future deliveries from a sender.
	Block(ctx context.Context, blockerID, blockedID string) error
}

// SweepService defines the periodic delivery job consumed by the sweep
// trigger endpoint.
type SweepService interface {
	// Run executes one expire/re-route/finalize sweep.
	Run(ctx context.Context) (services.Summary, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints for letters, the inbox, blocks, and the
// sweep trigger. The DB handle is used only for idempotency records.
type Handlers struct {
	letterSvc LetterService
	sweepSvc  SweepService

	db      *gorm.DB
	idemTTL time.Duration

	sweepSecret string
}

// New constructs a Handlers instance bound to the given services.
func New(letterSvc LetterService, sweepSvc SweepService, db *gorm.DB, idemTTL time.Duration, sweepSecret string) *Handlers {
	return &Handlers{
		letterSvc:   letterSvc,
		sweepSvc:    sweepSvc,
		db:          db,
		idemTTL:     idemTTL,
		sweepSecret: sweepSecret,
	}
}

// userID extracts the authenticated user id from the Gin context (set by
// upstream middleware), falling back to the X-User-ID header.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return ""
}

//
// DTOs
//

// CreateLetterRequest is the JSON payload for creating a draft.
type CreateLetterRequest struct {
	// AddressKind is one of USER_REFERENCE, EMAIL, PHONE, POSTAL_ADDRESS,
	// PEN_PAL_MATCH.
	AddressKind string `json:"address_kind"  binding:"required" example:"EMAIL"`
	// AddressValue is the raw addressing input; it is preserved verbatim.
	AddressValue string `json:"address_value" binding:"required" example:"pen.friend@example.org"`
	Subject      string `json:"subject"       example:"Greetings from afar"`
	Body         string `json:"body"          binding:"required,min=1"`
}

// LetterResponse wraps a single letter.
type LetterResponse struct {
	Letter *domain.Letter `json:"letter"`
}

// Pagination carries paging metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// ListLettersResponse contains a page of letters and pagination metadata.
type ListLettersResponse struct {
	Letters    []domain.Letter `json:"letters"`
	Pagination Pagination      `json:"pagination"`
}

// ListInboxResponse contains a page of inbox entries and pagination metadata.
type ListInboxResponse struct {
	Entries    []domain.InboxEntry `json:"entries"`
	Pagination Pagination          `json:"pagination"`
}

// BlockRequest is the JSON payload for blocking a sender.
type BlockRequest struct {
	// SenderID identifies the account to block.
	SenderID string `json:"sender_id" binding:"required" format:"uuid"`
}

//
// Helpers
//

// clampPagination parses page/page_size query parameters with defaults and caps.
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// parseAddressing maps the request kind/value pair onto the addressing sum
// type, rejecting unknown kinds at the edge.
func parseAddressing(kind, value string) (domain.Addressing, bool) {
	addr, err := domain.ParseAddressing(domain.AddressingKind(strings.ToUpper(strings.TrimSpace(kind))), value)
	if err != nil {
		return nil, false
	}
	return addr, true
}

//
// Handlers
//

// CreateLetter godoc
// @ID          createLetter
// @Summary     Create a draft letter
// @Description Creates a draft addressed by user reference, contact identifier, or pen-pal token.
// @Description Supports idempotency via the Idempotency-Key header (same key → same draft).
// @Tags        Letters
// @Accept      json
// @Produce     json
// @Param       X-User-ID        header  string  true  "Authenticated sender"  example(user123)
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries"
// @Param       body             body    handlers.CreateLetterRequest  true  "Draft payload"
// @Success     201  {object}  handlers.LetterResponse
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse "Missing identity"
// @Failure     500  {object}  handlers.ErrorResponse "Internal error"
// @Router      /letters [post]
func (h *Handlers) CreateLetter(c *gin.Context) {
	ctx := c.Request.Context()

	currentUser := userID(c)
	if currentUser == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "identity required")
		return
	}

	var req CreateLetterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "address_kind, address_value and body are required")
		return
	}
	addr, okAddr := parseAddressing(req.AddressKind, req.AddressValue)
	if !okAddr {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown address_kind")
		return
	}

	// Idempotency (replay path).
	idemKey, _ := middleware.GetIdempotencyKey(c)
	if idemKey != "" && h.db != nil {
		if rec, err := repo.GetIdempotency(ctx, h.db, currentUser, idemKey, time.Now().UTC()); err == nil && rec != nil {
			if prev, err2 := repo.GetLetter(ctx, h.db, rec.LetterID); err2 == nil {
				c.Header("Idempotency-Replayed", "true")
				ok(c, rec.Status, LetterResponse{Letter: prev})
				return
			}
		}
	}

	letter, err := h.letterSvc.CreateDraft(ctx, currentUser, addr, req.Subject, req.Body)
	if err != nil {
		switch err {
		case services.ErrInvalidAddressing:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid addressing input")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		}
		return
	}

	// Idempotency (store path) – best effort.
	if idemKey != "" && h.db != nil {
		_, _ = repo.CreateIdempotency(ctx, h.db, currentUser, idemKey, letter.ID, http.StatusCreated, h.idemTTL)
	}

	ok(c, http.StatusCreated, LetterResponse{Letter: letter})
}

// ListLetters godoc
// @ID          listLetters
// @Summary     List the caller's drafts
// @Description Letters in transit never appear; there is no "sent" view.
// @Tags        Letters
// @Produce     json
// @Param       X-User-ID  header string true  "Authenticated sender" example(user123)
// @Param       page       query  int    false "Page number"    minimum(1) default(1)
// @Param       page_size  query  int    false "Items per page" minimum(1) maximum(100) default(20)
// @Success     200 {object} handlers.ListLettersResponse
// @Failure     401 {object} handlers.ErrorResponse
// @Failure     500 {object} handlers.ErrorResponse
// @Router      /letters [get]
func (h *Handlers) ListLetters(c *gin.Context) {
	currentUser := userID(c)
	if currentUser == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "identity required")
		return
	}
	page, pageSize := clampPagination(c)

	items, total, err := h.letterSvc.ListDrafts(c.Request.Context(), currentUser, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListLettersResponse{
		Letters: items,
		Pagination: Pagination{
			Page: page, PageSize: pageSize,
			Total: total, TotalPages: utils.TotalPages(total, pageSize),
		},
	})
}

// GetLetter godoc
// @ID          getLetter
// @Summary     Fetch a single letter
// @Tags        Letters
// @Produce     json
// @Param       X-User-ID header string true "Authenticated caller" example(user123)
// @Param       id        path   string true "Letter ID (UUID)" format(uuid)
// @Success     200 {object} handlers.LetterResponse
// @Failure     400 {object} handlers.ErrorResponse
// @Failure     404 {object} handlers.ErrorResponse
// @Router      /letters/{id} [get]
func (h *Handlers) GetLetter(c *gin.Context) {
	letterID := c.Param("id")
	if _, err := uuid.Parse(letterID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "letter id must be a UUID")
		return
	}
	letter, err := h.letterSvc.Get(c.Request.Context(), userID(c), letterID)
	if err != nil {
		switch err {
		case services.ErrLetterNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "letter not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, LetterResponse{Letter: letter})
}

// SendLetter godoc
// @ID          sendLetter
// @Summary     Send a draft letter
// @Description Flips the draft to IN_TRANSIT, schedules delivery, and charges the daily quota atomically.
// @Tags        Letters
// @Produce     json
// @Param       X-User-ID header string true "Authenticated sender" example(user123)
// @Param       id        path   string true "Letter ID (UUID)" format(uuid)
// @Success     204 {string} string "No Content"
// @Failure     400 {object} handlers.ErrorResponse "Bad request"
// @Failure     403 {object} handlers.ErrorResponse "Not the sender"
// @Failure     404 {object} handlers.ErrorResponse "Letter not found"
// @Failure     409 {object} handlers.ErrorResponse "Not a draft"
// @Failure     423 {object} handlers.ErrorResponse "Account on deletion hold"
// @Failure     429 {object} handlers.ErrorResponse "Daily quota exceeded"
// @Failure     500 {object} handlers.ErrorResponse "Internal error"
// @Router      /letters/{id}/send [post]
func (h *Handlers) SendLetter(c *gin.Context) {
	letterID := c.Param("id")
	if _, err := uuid.Parse(letterID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "letter id must be a UUID")
		return
	}
	currentUser := userID(c)
	if currentUser == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "identity required")
		return
	}

	if err := h.letterSvc.Send(c.Request.Context(), currentUser, letterID); err != nil {
		switch err {
		case services.ErrLetterNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "letter not found")
		case services.ErrNotSender:
			fail(c, http.StatusForbidden, ErrCodeForbidden, "only the sender may send this letter")
		case services.ErrNotDraft:
			fail(c, http.StatusConflict, ErrCodeConflict, "letter already sent")
		case services.ErrDeletionHold:
			fail(c, http.StatusLocked, ErrCodeDeletionHold, "account is pending deletion")
		case services.ErrQuotaExceeded:
			fail(c, http.StatusTooManyRequests, ErrCodeQuotaExceeded, "daily letter limit reached, try again tomorrow")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeSendFailed, err.Error())
		}
		return
	}
	noContent(c)
}

// ListInbox godoc
// @ID          listInbox
// @Summary     List delivered letters for the caller
// @Tags        Inbox
// @Produce     json
// @Param       X-User-ID  header string true  "Authenticated recipient" example(user123)
// @Param       page       query  int    false "Page number"    minimum(1) default(1)
// @Param       page_size  query  int    false "Items per page" minimum(1) maximum(100) default(20)
// @Success     200 {object} handlers.ListInboxResponse
// @Failure     401 {object} handlers.ErrorResponse
// @Failure     500 {object} handlers.ErrorResponse
// @Router      /inbox [get]
func (h *Handlers) ListInbox(c *gin.Context) {
	currentUser := userID(c)
	if currentUser == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "identity required")
		return
	}
	page, pageSize := clampPagination(c)

	items, total, err := h.letterSvc.ListInbox(c.Request.Context(), currentUser, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListInboxResponse{
		Entries: items,
		Pagination: Pagination{
			Page: page, PageSize: pageSize,
			Total: total, TotalPages: utils.TotalPages(total, pageSize),
		},
	})
}

// OpenLetter godoc
// @ID          openLetter
// @Summary     Open a delivered letter
// @Description Records opened_at once; replaying the action is a no-op.
// @Tags        Inbox
// @Produce     json
// @Param       X-User-ID header string true "Authenticated recipient" example(user123)
// @Param       id        path   string true "Letter ID (UUID)" format(uuid)
// @Success     204 {string} string "No Content"
// @Failure     403 {object} handlers.ErrorResponse "Not the recipient"
// @Failure     404 {object} handlers.ErrorResponse "Letter not found"
// @Failure     409 {object} handlers.ErrorResponse "Not delivered yet"
// @Router      /letters/{id}/open [post]
func (h *Handlers) OpenLetter(c *gin.Context) {
	letterID := c.Param("id")
	if _, err := uuid.Parse(letterID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "letter id must be a UUID")
		return
	}
	if err := h.letterSvc.Open(c.Request.Context(), userID(c), letterID); err != nil {
		switch err {
		case services.ErrLetterNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "letter not found")
		case services.ErrNotRecipient:
			fail(c, http.StatusForbidden, ErrCodeForbidden, "only the recipient may open this letter")
		case services.ErrNotDelivered:
			fail(c, http.StatusConflict, ErrCodeConflict, "letter has not been delivered")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	noContent(c)
}

// CreateBlock godoc
// @ID          createBlock
// @Summary     Block a sender
// @Description Available once the caller has received at least one letter from the sender.
// @Description The blocked sender is never notified and their send path is unchanged.
// @Tags        Blocks
// @Accept      json
// @Produce     json
// @Param       X-User-ID header string true "Authenticated recipient" example(user123)
// @Param       body      body   handlers.BlockRequest true "Block payload"
// @Success     204 {string} string "No Content"
// @Failure     400 {object} handlers.ErrorResponse "Bad request"
// @Failure     409 {object} handlers.ErrorResponse "Already blocked"
// @Failure     422 {object} handlers.ErrorResponse "No prior letter from that sender"
// @Router      /blocks [post]
func (h *Handlers) CreateBlock(c *gin.Context) {
	currentUser := userID(c)
	if currentUser == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "identity required")
		return
	}
	var req BlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "sender_id required")
		return
	}
	if err := h.letterSvc.Block(c.Request.Context(), currentUser, req.SenderID); err != nil {
		switch err {
		case services.ErrNeverReceived:
			fail(c, http.StatusUnprocessableEntity, ErrCodeBadRequest, "no delivered letter from that sender")
		case services.ErrAlreadyBlocked:
			fail(c, http.StatusConflict, ErrCodeConflict, "sender already blocked")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	noContent(c)
}
