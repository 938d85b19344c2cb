package db

import (
	"context"
	"fmt"
	"time"
)

// PipelineStats is the aggregate view served by `socflow stats` and the
// HTTP API.
type PipelineStats struct {
	TotalPosts       int64            `json:"total_posts"`
	PostsByPlatform  map[string]int64 `json:"posts_by_platform"`
	DedupEntries     int64            `json:"dedup_entries"`
	LastInsertedAt   *time.Time       `json:"last_inserted_at,omitempty"`
	CompletedRuns    int64            `json:"completed_runs"`
	FailedRuns       int64            `json:"failed_runs"`
	LastRunStartedAt *time.Time       `json:"last_run_started_at,omitempty"`
}

func (p *Pool) GetPipelineStats(ctx context.Context) (*PipelineStats, error) {
	stats := &PipelineStats{
		PostsByPlatform: make(map[string]int64),
	}

	err := p.QueryRow(ctx, `SELECT COUNT(*) FROM posts`).Scan(&stats.TotalPosts)
	if err != nil {
		return nil, fmt.Errorf("count posts: %w", err)
	}

	rows, err := p.Query(ctx, `
		SELECT platform, COUNT(*)
		FROM posts
		GROUP BY platform
		ORDER BY platform
	`)
	if err != nil {
		return nil, fmt.Errorf("count posts by platform: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var platform string
		var count int64
		if err := rows.Scan(&platform, &count); err != nil {
			return nil, fmt.Errorf("scan platform count: %w", err)
		}
		stats.PostsByPlatform[platform] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate platform counts: %w", err)
	}

	err = p.QueryRow(ctx, `SELECT COUNT(*) FROM dedup_entries`).Scan(&stats.DedupEntries)
	if err != nil {
		return nil, fmt.Errorf("count dedup entries: %w", err)
	}

	// Selecting the column directly keeps its declared type, which the
	// sqlite driver needs to hand back a time.Time; MAX() would lose it.
	stats.LastInsertedAt, err = p.latestTimestamp(ctx, `
		SELECT inserted_at FROM posts ORDER BY inserted_at DESC LIMIT 1
	`)
	if err != nil {
		return nil, fmt.Errorf("last inserted at: %w", err)
	}

	err = p.QueryRow(ctx, `
		SELECT
			COUNT(CASE WHEN status = ? THEN 1 END),
			COUNT(CASE WHEN status = ? THEN 1 END)
		FROM collect_runs
	`, RunStatusCompleted, RunStatusFailed).Scan(&stats.CompletedRuns, &stats.FailedRuns)
	if err != nil {
		return nil, fmt.Errorf("summarize collect runs: %w", err)
	}

	stats.LastRunStartedAt, err = p.latestTimestamp(ctx, `
		SELECT started_at FROM collect_runs ORDER BY started_at DESC LIMIT 1
	`)
	if err != nil {
		return nil, fmt.Errorf("last run started at: %w", err)
	}

	return stats, nil
}

func (p *Pool) latestTimestamp(ctx context.Context, query string) (*time.Time, error) {
	var ts time.Time
	err := p.QueryRow(ctx, query).Scan(&ts)
	if IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ts = ts.UTC()
	return &ts, nil
}
