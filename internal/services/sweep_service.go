// Package services – SweepService
//
// This file implements the delivery sweep, the periodic job that is the only
// writer of terminal letter states. Each run makes three passes:
//
//  1. Expire:   unresolved IN_TRANSIT letters past the grace window become
//               UNDELIVERABLE.
//  2. Re-route: remaining unresolved letters get another resolution attempt;
//               success sets the recipient and recomputes the schedule in
//               one transaction.
//  3. Finalize: resolved letters whose scheduled instant has passed become
//               BLOCKED (when the recipient blocked the sender) or DELIVERED
//               plus an inbox entry.
//
// The sweep is idempotent: every transition re-checks IN_TRANSIT inside its
// transaction, so a second run over the same data (or an overlapping
// invocation) matches zero rows and moves on. Per-letter failures are
// logged and counted; they never abort the pass for other letters.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/lettermill/slowmail-backend/internal/domain"
	"github.com/lettermill/slowmail-backend/internal/repo"
	"github.com/lettermill/slowmail-backend/internal/schedule"
)

var sweepTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sweep_letter_transitions_total",
		Help: "Letters moved by the delivery sweep, by outcome.",
	},
	[]string{"outcome"}, // expired | rerouted | delivered | blocked | failed
)

func init() {
	prometheus.MustRegister(sweepTransitions)
}

// Summary reports how many letters each pass moved during one sweep run.
type Summary struct {
	Expired   int `json:"expired"`
	Rerouted  int `json:"rerouted"`
	Delivered int `json:"delivered"`
	Blocked   int `json:"blocked"`
	Failed    int `json:"failed"`
}

// SweepService advances letters through expire, re-route, and finalize.
type SweepService struct {
	DB       *gorm.DB
	Resolver *Resolver
	Clock    schedule.Clock

	// GraceWindow bounds how long an unresolved letter may stay in
	// transit before pass 1 expires it.
	GraceWindow time.Duration

	// Concurrency bounds the per-letter worker fan-out within a pass.
	Concurrency int
}

// NewSweepService constructs a SweepService with the system clock.
func NewSweepService(db *gorm.DB, resolver *Resolver, graceWindow time.Duration, concurrency int) *SweepService {
	if concurrency < 1 {
		concurrency = 1
	}
	return &SweepService{
		DB:          db,
		Resolver:    resolver,
		Clock:       schedule.SystemClock{},
		GraceWindow: graceWindow,
		Concurrency: concurrency,
	}
}

// Run executes one sweep over all eligible letters. The returned error
// reflects only infrastructure failures (listing queries); per-letter
// failures land in Summary.Failed.
func (s *SweepService) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	now := s.Clock.Now()

	unresolved, err := repo.ListUnresolvedInTransit(ctx, s.DB)
	if err != nil {
		return sum, err
	}

	cutoff := now.Add(-s.GraceWindow)
	var retry []domain.Letter
	for _, l := range unresolved {
		if l.SentAt != nil && l.SentAt.Before(cutoff) {
			if s.expire(ctx, l) {
				sum.Expired++
			} else {
				sum.Failed++
			}
			continue
		}
		retry = append(retry, l)
	}

	rerouted, failed := s.forEachLetter(ctx, retry, s.reroute)
	sum.Rerouted += rerouted
	sum.Failed += failed

	due, err := repo.ListDueInTransit(ctx, s.DB, now)
	if err != nil {
		return sum, err
	}
	for _, l := range due {
		switch s.finalize(ctx, l) {
		case finalizedDelivered:
			sum.Delivered++
		case finalizedBlocked:
			sum.Blocked++
		case finalizeSkipped:
			// Lost the race to another sweep; nothing moved.
		case finalizeFailed:
			sum.Failed++
		}
	}

	if sum.Failed > 0 {
		sweepTransitions.WithLabelValues("failed").Add(float64(sum.Failed))
	}
	return sum, nil
}

// forEachLetter fans fn out over letters with bounded concurrency, counting
// successes and failures. fn returns (moved, err); an error is isolated to
// its letter.
func (s *SweepService) forEachLetter(ctx context.Context, letters []domain.Letter, fn func(context.Context, domain.Letter) (bool, error)) (moved, failed int) {
	type outcome struct {
		moved bool
		err   error
	}
	results := make([]outcome, len(letters))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Concurrency)
	for i, l := range letters {
		g.Go(func() error {
			m, err := fn(gctx, l)
			results[i] = outcome{moved: m, err: err}
			return nil // per-letter errors never cancel the group
		})
	}
	_ = g.Wait()

	for i, r := range results {
		if r.err != nil {
			failed++
			log.Error().Err(r.err).
				Str("letter_id", letters[i].ID).
				Msg("sweep: letter processing failed, will retry next run")
			continue
		}
		if r.moved {
			moved++
		}
	}
	return moved, failed
}

// expire moves one long-unresolved letter to UNDELIVERABLE.
func (s *SweepService) expire(ctx context.Context, l domain.Letter) bool {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return repo.MarkTerminal(ctx, tx, l.ID, domain.StatusUndeliverable, nil)
	})
	if errors.Is(err, repo.ErrStaleStatus) {
		return false
	}
	if err != nil {
		log.Error().Err(err).Str("letter_id", l.ID).Msg("sweep: expire failed")
		return false
	}
	sweepTransitions.WithLabelValues("expired").Inc()
	return true
}

// reroute retries resolution for one unresolved letter. On success the
// recipient and the recomputed schedule are written atomically. The current
// instant stands in for the original send time when recomputing; the grace
// window keeps the approximation bounded.
func (s *SweepService) reroute(ctx context.Context, l domain.Letter) (bool, error) {
	addr, err := domain.ParseAddressing(l.AddressKind, l.AddressRaw)
	if err != nil {
		return false, err
	}
	res, err := s.Resolver.Resolve(ctx, addr)
	if err != nil {
		return false, err
	}
	if res.Status != ResolutionFound {
		// Not found and not discoverable are equally unresolved here;
		// the distinction stays inside the resolver's bookkeeping.
		return false, nil
	}

	recipient, err := repo.GetAccount(ctx, s.DB, res.AccountID)
	if err != nil {
		return false, err
	}
	plan, err := schedule.Schedule(s.Clock.Now(), recipient.Timezone)
	if err != nil {
		return false, err
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return repo.SetRecipientAndSchedule(ctx, tx, l.ID, recipient.ID, plan.Delivery)
	})
	if errors.Is(err, repo.ErrStaleStatus) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	sweepTransitions.WithLabelValues("rerouted").Inc()
	return true, nil
}

type finalizeOutcome int

const (
	finalizedDelivered finalizeOutcome = iota
	finalizedBlocked
	finalizeSkipped
	finalizeFailed
)

// finalize settles one due letter: BLOCKED when the recipient blocked the
// sender (nothing about the block ever reaches the sender),
// DELIVERED plus inbox placement otherwise.
func (s *SweepService) finalize(ctx context.Context, l domain.Letter) finalizeOutcome {
	blocked, err := repo.IsBlocked(ctx, s.DB, *l.RecipientID, l.SenderID)
	if err != nil {
		log.Error().Err(err).Str("letter_id", l.ID).Msg("sweep: block-list check failed")
		return finalizeFailed
	}

	now := s.Clock.Now()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if blocked {
			return repo.MarkTerminal(ctx, tx, l.ID, domain.StatusBlocked, nil)
		}
		if err := repo.MarkTerminal(ctx, tx, l.ID, domain.StatusDelivered, &now); err != nil {
			return err
		}
		return repo.UpsertInboxEntry(ctx, tx, *l.RecipientID, l.ID)
	})
	if errors.Is(err, repo.ErrStaleStatus) {
		return finalizeSkipped
	}
	if err != nil {
		log.Error().Err(err).Str("letter_id", l.ID).Msg("sweep: finalize failed")
		return finalizeFailed
	}
	if blocked {
		sweepTransitions.WithLabelValues("blocked").Inc()
		return finalizedBlocked
	}
	sweepTransitions.WithLabelValues("delivered").Inc()
	return finalizedDelivered
}
