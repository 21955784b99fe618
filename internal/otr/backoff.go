package otr

import "time"

const (
	// maxRetryShift caps the shift exponent so the delay cannot overflow.
	maxRetryShift = 10

	// retryBaseDelay is the first retry delay: base * 2^count.
	retryBaseDelay = time.Second

	// retryMaxDelay is the ceiling for retry backoff.
	retryMaxDelay = 5 * time.Minute
)

type retryEntry struct {
	count       int
	lastFailure time.Time
}

// backoff tracks retry state per key. Not safe for concurrent use; the
// owning strategy is confined to the engine goroutine.
type backoff struct {
	entries map[string]retryEntry
	now     func() time.Time
}

func newBackoff(now func() time.Time) *backoff {
	if now == nil {
		now = time.Now
	}

	return &backoff{entries: make(map[string]retryEntry), now: now}
}

// waiting reports whether key is still inside its backoff window.
func (b *backoff) waiting(key string) bool {
	entry, ok := b.entries[key]
	if !ok {
		return false
	}

	shift := min(entry.count-1, maxRetryShift)
	delay := min(retryBaseDelay*time.Duration(1<<shift), retryMaxDelay)

	return b.now().Before(entry.lastFailure.Add(delay))
}

func (b *backoff) record(key string) {
	entry := b.entries[key]
	entry.count++
	entry.lastFailure = b.now()
	b.entries[key] = entry
}

func (b *backoff) clear(key string) {
	delete(b.entries, key)
}
