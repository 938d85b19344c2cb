// Package dedup decides whether a normalized post is new or a duplicate.
// The sink's transactional insert is the source of truth; the in-process
// cache only short-circuits fingerprints this process has already
// resolved, so a cold or evicted cache is always safe.
package dedup

import (
	"context"
	"fmt"
	"sync"

	"github.com/gauravfs-14/socflow/internal/fingerprint"
	"github.com/gauravfs-14/socflow/internal/post"
	"github.com/gauravfs-14/socflow/internal/sink"
)

// Decision is the outcome of TryAdmit. When Admitted is false,
// DuplicateOf identifies the stored post that owns the content.
type Decision struct {
	Admitted    bool
	DuplicateOf post.Ref
}

type Index struct {
	store sink.Sink

	mu    sync.Mutex
	seen  map[fingerprint.Fingerprint]post.Ref
	order []fingerprint.Fingerprint
	cap   int
}

// NewIndex wraps store with a duplicate cache holding up to cacheSize
// resolved fingerprints. cacheSize <= 0 disables the cache.
func NewIndex(store sink.Sink, cacheSize int) *Index {
	return &Index{
		store: store,
		seen:  make(map[fingerprint.Fingerprint]post.Ref),
		cap:   cacheSize,
	}
}

// TryAdmit admits p or reports the stored post it duplicates. Concurrent
// calls for the same content agree on a single admitted winner because
// the decision is delegated to the sink's atomic insert.
func (i *Index) TryAdmit(ctx context.Context, p *post.Post, fp fingerprint.Fingerprint) (Decision, error) {
	if p == nil {
		return Decision{}, fmt.Errorf("try admit: post is nil")
	}

	if ref, ok := i.cached(fp); ok {
		return Decision{Admitted: false, DuplicateOf: ref}, nil
	}

	res, err := i.store.Insert(ctx, p, fp)
	if err != nil {
		return Decision{}, err
	}

	// An object-identity collision leaves the fingerprint unclaimed in
	// the sink; caching it would drop a later post the sink would admit.
	if res.FingerprintClaimed {
		i.remember(fp, res.Existing)
	}
	if res.Inserted {
		return Decision{Admitted: true}, nil
	}
	return Decision{Admitted: false, DuplicateOf: res.Existing}, nil
}

func (i *Index) cached(fp fingerprint.Fingerprint) (post.Ref, bool) {
	if i.cap <= 0 {
		return post.Ref{}, false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	ref, ok := i.seen[fp]
	return ref, ok
}

func (i *Index) remember(fp fingerprint.Fingerprint, ref post.Ref) {
	if i.cap <= 0 {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.seen[fp]; ok {
		return
	}
	i.seen[fp] = ref
	i.order = append(i.order, fp)
	for len(i.order) > i.cap {
		oldest := i.order[0]
		i.order = i.order[1:]
		delete(i.seen, oldest)
	}
}

// CacheLen reports the number of cached fingerprints.
func (i *Index) CacheLen() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.seen)
}
