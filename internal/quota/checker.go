// Package quota decides whether a user may start another research run
// today. The count is an exact indexed query scoped to (user, local
// calendar day), not a scan over a bounded recent window, so the daily
// limit cannot be bypassed by volume.
package quota

import (
	"errors"
	"fmt"
	"time"
)

// DailyLimit is the maximum number of research runs per user per
// calendar day. Nominally a function of accumulated creator fees;
// fixed for now.
const DailyLimit = 5

// ErrDailyLimitExceeded is returned when a user has exhausted today's quota.
var ErrDailyLimitExceeded = errors.New("daily request limit reached")

// Counter counts research records created by a user in a time range.
type Counter interface {
	CountResearchBetween(userID string, from, to time.Time) (int, error)
}

// Checker admits or denies new research requests.
type Checker struct {
	store Counter
	limit int
}

// NewChecker creates a Checker with the default daily limit.
func NewChecker(store Counter) *Checker {
	return &Checker{store: store, limit: DailyLimit}
}

// Admit returns nil if userID may start a new run at `now`, or
// ErrDailyLimitExceeded once today's count has reached the limit.
// Day boundaries follow now's location.
func (c *Checker) Admit(userID string, now time.Time) error {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	n, err := c.store.CountResearchBetween(userID, dayStart, dayEnd)
	if err != nil {
		return fmt.Errorf("counting today's requests: %w", err)
	}
	if n >= c.limit {
		return ErrDailyLimitExceeded
	}
	return nil
}
