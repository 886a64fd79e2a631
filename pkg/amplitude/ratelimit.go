package amplitude

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/padak/keboola-amplitude/pkg/errors"
)

// ErrQuotaExceeded is returned when a property update would push a user
// over the rolling hourly quota. It is raised locally, before any network
// round trip, because the server would answer with a guaranteed 429.
var ErrQuotaExceeded = stderrors.New("quota exceeded")

const (
	// profileQueryLimit is the User Profile API request ceiling
	profileQueryLimit  = 600
	profileQueryWindow = time.Minute

	// identifyUserQuota is the Identify API per-user update ceiling
	identifyUserQuota  = 1800
	identifyUserWindow = time.Hour
)

// slidingWindow spaces calls to stay within a request-count ceiling over a
// rolling time window. Wait blocks until the next call is admissible.
type slidingWindow struct {
	limit  int
	window time.Duration

	mu     sync.Mutex
	stamps []time.Time

	// Stats
	allowed int64
	waited  int64
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{
		limit:  limit,
		window: window,
		stamps: make([]time.Time, 0, limit),
	}
}

// prune drops timestamps older than the window. Caller holds the lock.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	idx := 0
	for idx < len(w.stamps) && !w.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[idx:]...)
	}
}

// Wait blocks until a call is allowed under the window, then records it.
func (w *slidingWindow) Wait(ctx context.Context) error {
	for {
		w.mu.Lock()
		now := time.Now()
		w.prune(now)

		if len(w.stamps) < w.limit {
			w.stamps = append(w.stamps, now)
			w.allowed++
			w.mu.Unlock()
			return nil
		}

		// Oldest stamp leaving the window frees the next slot
		wait := w.stamps[0].Add(w.window).Sub(now)
		w.waited++
		w.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "rate limit wait cancelled")
		}
	}
}

// userQuota tracks per-user rolling-window counters, one slot per user key.
// The counter is shared mutable state: all updates for a user serialize on
// the slot lock so concurrent batches cannot race past the bound.
type userQuota struct {
	limit  int
	window time.Duration

	mu    sync.Mutex
	slots map[string]*quotaSlot
}

type quotaSlot struct {
	mu     sync.Mutex
	stamps []time.Time
}

func newUserQuota(limit int, window time.Duration) *userQuota {
	return &userQuota{
		limit:  limit,
		window: window,
		slots:  make(map[string]*quotaSlot),
	}
}

// slot returns the arena slot for a user key, creating it on first use.
func (q *userQuota) slot(userKey string) *quotaSlot {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.slots[userKey]
	if !ok {
		s = &quotaSlot{}
		q.slots[userKey] = s
	}
	return s
}

// Reserve records n updates for a user if they fit within the rolling
// window, or rejects the whole reservation with ErrQuotaExceeded. Partial
// reservations are never made.
func (q *userQuota) Reserve(userKey string, n int) error {
	s := q.slot(userKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-q.window)
	idx := 0
	for idx < len(s.stamps) && !s.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		s.stamps = append(s.stamps[:0], s.stamps[idx:]...)
	}

	if len(s.stamps)+n > q.limit {
		return errors.Wrap(ErrQuotaExceeded, errors.ErrorTypeQuota,
			"per-user property update quota reached").
			WithDetail("user_key", userKey).
			WithDetail("used", len(s.stamps)).
			WithDetail("requested", n).
			WithDetail("limit", q.limit)
	}

	for i := 0; i < n; i++ {
		s.stamps = append(s.stamps, now)
	}
	return nil
}

// Release undoes a reservation after a failed dispatch so the quota only
// counts updates the server actually saw.
func (q *userQuota) Release(userKey string, n int) {
	s := q.slot(userKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	if n > len(s.stamps) {
		n = len(s.stamps)
	}
	s.stamps = s.stamps[:len(s.stamps)-n]
}

// Used returns the number of updates currently counted for a user.
func (q *userQuota) Used(userKey string) int {
	s := q.slot(userKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-q.window)
	used := 0
	for _, st := range s.stamps {
		if st.After(cutoff) {
			used++
		}
	}
	return used
}
