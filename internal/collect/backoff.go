package collect

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff computes jittered exponential delays. Attempt numbering starts
// at 1; the unjittered delay doubles per attempt and saturates at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{
		Base: base,
		Max:  max,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns a duration in [ceiling/2, ceiling] where ceiling is
// Base*2^(attempt-1) capped at Max. The jitter keeps workers retrying
// against the same endpoint from synchronizing.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := b.Base
	for i := 1; i < attempt; i++ {
		ceiling *= 2
		if ceiling >= b.Max || ceiling < 0 {
			ceiling = b.Max
			break
		}
	}
	if ceiling > b.Max {
		ceiling = b.Max
	}

	half := ceiling / 2
	b.mu.Lock()
	jitter := time.Duration(b.rng.Int63n(int64(half) + 1))
	b.mu.Unlock()
	return half + jitter
}
