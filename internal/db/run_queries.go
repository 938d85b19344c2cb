package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/gauravfs-14/socflow/internal/globaltime"
)

const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// RunTotals mirrors the per-source counters kept by the collector.
type RunTotals struct {
	Collected    int64
	Inserted     int64
	Deduplicated int64
	Rejected     int64
	Retried      int64
	Failed       int64
}

func (p *Pool) InsertCollectRun(ctx context.Context, source string) (string, error) {
	runUUID := uuid.NewString()
	_, err := p.Exec(ctx, `
		INSERT INTO collect_runs (run_uuid, source, status, started_at)
		VALUES (?, ?, ?, ?)
	`, runUUID, source, RunStatusRunning, globaltime.UTC())
	if err != nil {
		return "", fmt.Errorf("insert collect run for %s: %w", source, err)
	}
	return runUUID, nil
}

func (p *Pool) FinishCollectRun(ctx context.Context, runUUID, status string, totals RunTotals, cursor json.RawMessage, runErr error) error {
	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
	}
	var checkpoint []byte
	if len(cursor) > 0 {
		checkpoint = cursor
	}
	tag, err := p.Exec(ctx, `
		UPDATE collect_runs
		SET status = ?,
		    finished_at = ?,
		    items_collected = ?,
		    items_inserted = ?,
		    items_deduplicated = ?,
		    items_rejected = ?,
		    items_retried = ?,
		    items_failed = ?,
		    cursor_checkpoint = ?,
		    error_message = ?
		WHERE run_uuid = ?
	`, status, globaltime.UTC(),
		totals.Collected, totals.Inserted, totals.Deduplicated, totals.Rejected, totals.Retried, totals.Failed,
		checkpoint, errMsg, runUUID)
	if err != nil {
		return fmt.Errorf("finish collect run %s: %w", runUUID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish collect run %s: no such run", runUUID)
	}
	return nil
}

func (p *Pool) UpsertSourceCheckpoint(ctx context.Context, source string, cursor json.RawMessage) error {
	if len(cursor) == 0 {
		return fmt.Errorf("upsert checkpoint for %s: empty cursor", source)
	}
	_, err := p.Exec(ctx, `
		INSERT INTO source_checkpoints (source, cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (source) DO UPDATE SET
			cursor = excluded.cursor,
			updated_at = excluded.updated_at
	`, source, []byte(cursor), globaltime.UTC())
	if err != nil {
		return fmt.Errorf("upsert checkpoint for %s: %w", source, err)
	}
	return nil
}

func (p *Pool) GetSourceCheckpoint(ctx context.Context, source string) (json.RawMessage, error) {
	var cursor []byte
	err := p.QueryRow(ctx, `
		SELECT cursor FROM source_checkpoints WHERE source = ?
	`, source).Scan(&cursor)
	if IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint for %s: %w", source, err)
	}
	return json.RawMessage(cursor), nil
}

func (p *Pool) DeleteSourceCheckpoint(ctx context.Context, source string) error {
	_, err := p.Exec(ctx, `DELETE FROM source_checkpoints WHERE source = ?`, source)
	if err != nil {
		return fmt.Errorf("delete checkpoint for %s: %w", source, err)
	}
	return nil
}
