// Package schedule computes delivery times for letters.
//
// A letter travels for 24 business hours in the recipient's local time, then
// lands at the next 4:00 PM on a business day. All arithmetic happens on the
// recipient's wall clock: hour counting uses elapsed-time addition so UTC
// offsets shift automatically across DST transitions, while day jumps use
// calendar addition that preserves the local wall-clock time.
package schedule

import (
	"time"

	"github.com/lettermill/slowmail-backend/internal/timezone"
)

const (
	// businessHours is how many Monday–Friday hours a letter travels
	// before it becomes eligible for delivery.
	businessHours = 24

	// deliveryHour is the local wall-clock hour letters arrive at.
	deliveryHour = 16
)

// Result carries the two instants the scheduler produces. Earliest is where
// the 24-business-hour count lands; Delivery is the following (or same-day)
// business-day 16:00:00.000 in the recipient's zone.
type Result struct {
	Earliest time.Time
	Delivery time.Time
}

// Schedule computes the delivery plan for a letter sent at sentAt to a
// recipient in the named IANA timezone. An unknown zone is an error; the
// scheduler never substitutes a default zone.
func Schedule(sentAt time.Time, tz string) (Result, error) {
	loc, err := timezone.Load(tz)
	if err != nil {
		return Result{}, err
	}

	local := sentAt.In(loc)

	// A weekend send behaves exactly like a send at the same wall-clock
	// time on the following Monday. Calendar-day addition keeps the local
	// clock reading even when a DST transition falls inside the jump.
	switch local.Weekday() {
	case time.Saturday:
		local = local.AddDate(0, 0, 2)
	case time.Sunday:
		local = local.AddDate(0, 0, 1)
	}

	earliest := addBusinessHours(local, businessHours)
	delivery := nextDeliverySlot(earliest, loc)

	return Result{Earliest: earliest, Delivery: delivery}, nil
}

// addBusinessHours steps forward one elapsed hour at a time, counting only
// hours whose current position falls on a Monday–Friday, and returns the
// position immediately after the nth counted hour.
func addBusinessHours(t time.Time, n int) time.Time {
	counted := 0
	for counted < n {
		business := isBusinessDay(t.Weekday())
		t = t.Add(time.Hour)
		if business {
			counted++
		}
	}
	return t
}

// nextDeliverySlot returns the first business-day 16:00:00.000 local time at
// or after earliest. An earliest of exactly 16:00 on a business day delivers
// that same day.
func nextDeliverySlot(earliest time.Time, loc *time.Location) time.Time {
	candidate := at4PM(earliest, loc)
	if candidate.Before(earliest) {
		candidate = at4PM(candidate.AddDate(0, 0, 1), loc)
	}
	for !isBusinessDay(candidate.Weekday()) {
		candidate = at4PM(candidate.AddDate(0, 0, 1), loc)
	}
	return candidate
}

// at4PM pins t's calendar day to 16:00:00.000 local time.
func at4PM(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), deliveryHour, 0, 0, 0, loc)
}

func isBusinessDay(d time.Weekday) bool {
	return d != time.Saturday && d != time.Sunday
}
