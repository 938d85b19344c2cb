// Package sink persists canonical posts. Insert is the single admission
// point of the pipeline: a post either becomes a new row or resolves to
// the ref of the already-stored post that owns its object or fingerprint.
package sink

import (
	"context"
	"errors"
	"time"

	"github.com/gauravfs-14/socflow/internal/fingerprint"
	"github.com/gauravfs-14/socflow/internal/post"
)

var ErrNotFound = errors.New("post not found")

// Result reports the outcome of an Insert. When Inserted is false,
// Existing identifies the stored post that blocked admission.
// FingerprintClaimed reports whether a durable dedup entry owns the
// fingerprint after the call: true for a committed insert and for a
// fingerprint collision, false for a (platform, object_id) collision,
// where the fingerprint claim rolled back and a later post carrying it
// may still be admitted. Callers must not cache unclaimed fingerprints.
type Result struct {
	Inserted           bool
	Existing           post.Ref
	FingerprintClaimed bool
}

// Filter narrows Scan and Count. Zero values mean "no constraint".
type Filter struct {
	Platform post.Platform
	Since    time.Time
	Until    time.Time
	Tag      string
	Limit    int
	Offset   int
}

type Sink interface {
	// Insert admits p atomically. Concurrent calls with the same object
	// identity or fingerprint agree on a single winner.
	Insert(ctx context.Context, p *post.Post, fp fingerprint.Fingerprint) (Result, error)

	// Get returns the stored post with the given UUID, or ErrNotFound.
	Get(ctx context.Context, postUUID string) (*post.Post, error)

	// Scan streams stored posts matching the filter, newest first,
	// until fn returns an error or the rows are exhausted.
	Scan(ctx context.Context, filter Filter, fn func(*post.Post) error) error

	Count(ctx context.Context, filter Filter) (int64, error)
}
