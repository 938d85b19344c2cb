package db

import (
	"context"
	"fmt"
	"time"
)

// PruneDedupEntries removes fingerprint index rows older than cutoff.
// Posts themselves are never pruned; a pruned fingerprint only means the
// same content can be admitted again later.
func (p *Pool) PruneDedupEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.Exec(ctx, `
		DELETE FROM dedup_entries WHERE first_seen_at < ?
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune dedup entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
