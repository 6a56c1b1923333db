package policy

import (
	"sync"
	"time"
)

// spendBucket tracks one user's running total for the current UTC day.
type spendBucket struct {
	total  float64
	dayUTC string // YYYY-MM-DD, the day this total covers
}

// SpendTracker accumulates per-user USD spend since UTC midnight, from
// successful tool invocations only. It is an in-memory running total rather
// than a query against the audit log: the audit log is an append-only
// write path (internal/audit.Logger has no read/aggregate API), so the
// executor keeps its own day bucket and resets it when the UTC date rolls
// over, mirroring CooldownTracker's window-reset-on-read approach.
type SpendTracker struct {
	mu      sync.Mutex
	buckets map[string]*spendBucket
}

// NewSpendTracker constructs an empty tracker.
func NewSpendTracker() *SpendTracker {
	return &SpendTracker{buckets: make(map[string]*spendBucket)}
}

func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// DailySpent returns userID's accumulated spend since UTC midnight.
func (s *SpendTracker) DailySpent(userID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := utcDay(time.Now())
	b, ok := s.buckets[userID]
	if !ok || b.dayUTC != today {
		return 0
	}
	return b.total
}

// Record adds amountUSD to userID's running total for the current UTC day,
// resetting the bucket if the day has rolled over. Call only for tool calls
// that actually succeeded; failed/denied calls never spent anything.
func (s *SpendTracker) Record(userID string, amountUSD float64) {
	if amountUSD <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	today := utcDay(time.Now())
	b, ok := s.buckets[userID]
	if !ok || b.dayUTC != today {
		b = &spendBucket{dayUTC: today}
		s.buckets[userID] = b
	}
	b.total += amountUSD
}
