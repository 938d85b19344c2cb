package dedup

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gauravfs-14/socflow/internal/fingerprint"
	"github.com/gauravfs-14/socflow/internal/post"
	"github.com/gauravfs-14/socflow/internal/sink"
)

func testPost(uuid, objectID, text string) *post.Post {
	return &post.Post{
		UUID:             uuid,
		Platform:         post.PlatformReddit,
		ObjectID:         objectID,
		AuthorHandle:     "tester",
		Text:             text,
		CreatedAt:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Tags:             []string{},
		Metrics:          map[string]int64{},
		PlatformMetadata: map[string]any{},
	}
}

func TestTryAdmitNewThenDuplicate(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(sink.NewMemory(), 128)

	first := testPost("uuid-1", "t3_a", "hello world")
	dec, err := idx.TryAdmit(ctx, first, fingerprint.Compute(first))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !dec.Admitted {
		t.Fatalf("expected first post to be admitted")
	}

	dup := testPost("uuid-2", "t3_b", "Hello   World")
	dec, err = idx.TryAdmit(ctx, dup, fingerprint.Compute(dup))
	if err != nil {
		t.Fatalf("admit duplicate: %v", err)
	}
	if dec.Admitted {
		t.Fatalf("expected duplicate to be rejected")
	}
	if dec.DuplicateOf.UUID != "uuid-1" {
		t.Fatalf("expected duplicate of uuid-1, got %s", dec.DuplicateOf.UUID)
	}
}

type countingSink struct {
	sink.Sink
	mu      sync.Mutex
	inserts int
}

func (c *countingSink) Insert(ctx context.Context, p *post.Post, fp fingerprint.Fingerprint) (sink.Result, error) {
	c.mu.Lock()
	c.inserts++
	c.mu.Unlock()
	return c.Sink.Insert(ctx, p, fp)
}

func TestCacheShortCircuitsRepeatDuplicates(t *testing.T) {
	ctx := context.Background()
	counting := &countingSink{Sink: sink.NewMemory()}
	idx := NewIndex(counting, 128)

	first := testPost("uuid-1", "t3_a", "hello world")
	if _, err := idx.TryAdmit(ctx, first, fingerprint.Compute(first)); err != nil {
		t.Fatalf("admit: %v", err)
	}

	for i := range 5 {
		dup := testPost(fmt.Sprintf("uuid-dup-%d", i), fmt.Sprintf("t3_dup_%d", i), "hello world")
		dec, err := idx.TryAdmit(ctx, dup, fingerprint.Compute(dup))
		if err != nil {
			t.Fatalf("admit duplicate %d: %v", i, err)
		}
		if dec.Admitted {
			t.Fatalf("duplicate %d was admitted", i)
		}
	}

	counting.mu.Lock()
	inserts := counting.inserts
	counting.mu.Unlock()
	if inserts != 1 {
		t.Fatalf("expected a single sink insert, got %d", inserts)
	}
}

func TestObjectConflictDoesNotCacheFingerprint(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(sink.NewMemory(), 128)

	first := testPost("uuid-1", "t3_a", "original wording")
	if dec, err := idx.TryAdmit(ctx, first, fingerprint.Compute(first)); err != nil || !dec.Admitted {
		t.Fatalf("admit: admitted=%v err=%v", dec.Admitted, err)
	}

	// Same object identity, edited text: the duplicate resolves by
	// object id and the new fingerprint is never durably claimed.
	edited := testPost("uuid-2", "t3_a", "edited wording")
	dec, err := idx.TryAdmit(ctx, edited, fingerprint.Compute(edited))
	if err != nil {
		t.Fatalf("admit edited: %v", err)
	}
	if dec.Admitted {
		t.Fatalf("expected object conflict to be rejected")
	}

	// A different object carrying the edited text must still be
	// admitted; a cache hit here would drop a storable post.
	repost := testPost("uuid-3", "t3_b", "edited wording")
	dec, err = idx.TryAdmit(ctx, repost, fingerprint.Compute(repost))
	if err != nil {
		t.Fatalf("admit repost: %v", err)
	}
	if !dec.Admitted {
		t.Fatalf("expected unclaimed fingerprint to be admitted, duplicate of %s", dec.DuplicateOf)
	}
}

func TestCacheDisabledStillCorrect(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(sink.NewMemory(), 0)

	first := testPost("uuid-1", "t3_a", "hello world")
	if dec, err := idx.TryAdmit(ctx, first, fingerprint.Compute(first)); err != nil || !dec.Admitted {
		t.Fatalf("admit: admitted=%v err=%v", dec.Admitted, err)
	}
	dup := testPost("uuid-2", "t3_b", "hello world")
	dec, err := idx.TryAdmit(ctx, dup, fingerprint.Compute(dup))
	if err != nil {
		t.Fatalf("admit duplicate: %v", err)
	}
	if dec.Admitted {
		t.Fatalf("expected duplicate to be rejected with cache disabled")
	}
	if idx.CacheLen() != 0 {
		t.Fatalf("expected empty cache, got %d entries", idx.CacheLen())
	}
}

func TestCacheEviction(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(sink.NewMemory(), 2)

	for i := range 5 {
		p := testPost(fmt.Sprintf("uuid-%d", i), fmt.Sprintf("t3_%d", i), fmt.Sprintf("unique text %d", i))
		if _, err := idx.TryAdmit(ctx, p, fingerprint.Compute(p)); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}
	if idx.CacheLen() != 2 {
		t.Fatalf("expected cache capped at 2, got %d", idx.CacheLen())
	}
}

func TestConcurrentAdmitSingleWinner(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(sink.NewMemory(), 128)

	const workers = 24
	admitted := make([]bool, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := testPost(fmt.Sprintf("uuid-%d", i), fmt.Sprintf("t3_%d", i), "identical content everywhere")
			dec, err := idx.TryAdmit(ctx, p, fingerprint.Compute(p))
			if err != nil {
				t.Errorf("admit %d: %v", i, err)
				return
			}
			admitted[i] = dec.Admitted
		}()
	}
	wg.Wait()

	winners := 0
	for _, ok := range admitted {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one admitted post, got %d", winners)
	}
}
