package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gauravfs-14/socflow/internal/db"
	"github.com/gauravfs-14/socflow/internal/fingerprint"
	"github.com/gauravfs-14/socflow/internal/globaltime"
	"github.com/gauravfs-14/socflow/internal/post"
)

// Store is the database-backed Sink. Admission happens inside one
// transaction: the dedup_entries insert claims the fingerprint and the
// posts insert claims the (platform, object_id) identity. If either
// claim loses, the whole transaction rolls back and the loser resolves
// the winning ref with a follow-up read.
type Store struct {
	pool *db.Pool
}

func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Insert(ctx context.Context, p *post.Post, fp fingerprint.Fingerprint) (Result, error) {
	if p == nil {
		return Result{}, fmt.Errorf("insert: post is nil")
	}

	tags, err := marshalJSONField(p.Tags, "[]")
	if err != nil {
		return Result{}, fmt.Errorf("insert %s: marshal tags: %w", p.Ref(), err)
	}
	metrics, err := marshalJSONField(p.Metrics, "{}")
	if err != nil {
		return Result{}, fmt.Errorf("insert %s: marshal metrics: %w", p.Ref(), err)
	}
	metadata, err := marshalJSONField(p.PlatformMetadata, "{}")
	if err != nil {
		return Result{}, fmt.Errorf("insert %s: marshal platform metadata: %w", p.Ref(), err)
	}

	now := globaltime.UTC()

	tx, err := s.pool.BeginTx(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("insert %s: begin tx: %w", p.Ref(), err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx, `
		INSERT INTO dedup_entries (fingerprint, post_uuid, platform, object_id, first_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO NOTHING
	`, fp.Bytes(), p.UUID, string(p.Platform), p.ObjectID, now)
	if err != nil {
		return Result{}, fmt.Errorf("insert %s: claim fingerprint: %w", p.Ref(), err)
	}
	if tag.RowsAffected() == 0 {
		// Resolve on the open tx: with SQLite the pool holds a single
		// connection and the tx owns it until Insert returns.
		existing, err := lookupByFingerprint(ctx, tx, fp)
		if err != nil {
			return Result{}, fmt.Errorf("insert %s: resolve fingerprint owner: %w", p.Ref(), err)
		}
		return Result{Inserted: false, Existing: existing, FingerprintClaimed: true}, nil
	}

	tag, err = tx.Exec(ctx, `
		INSERT INTO posts (
			post_uuid, platform, object_id, author_handle, text, created_at,
			tags, metrics, source_url, language, platform_metadata,
			fingerprint, inserted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (platform, object_id) DO NOTHING
	`, p.UUID, string(p.Platform), p.ObjectID, p.AuthorHandle, p.Text, p.CreatedAt.UTC(),
		tags, metrics, nullableString(p.SourceURL), nullableString(p.Language), metadata,
		fp.Bytes(), now)
	if err != nil {
		return Result{}, fmt.Errorf("insert %s: insert post: %w", p.Ref(), err)
	}
	if tag.RowsAffected() == 0 {
		// The dedup claim above rolls back with the tx, so the
		// fingerprint stays unclaimed on this branch.
		existing, err := lookupByObject(ctx, tx, p.Platform, p.ObjectID)
		if err != nil {
			return Result{}, fmt.Errorf("insert %s: resolve object owner: %w", p.Ref(), err)
		}
		return Result{Inserted: false, Existing: existing}, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("insert %s: commit: %w", p.Ref(), err)
	}
	return Result{Inserted: true, Existing: p.Ref(), FingerprintClaimed: true}, nil
}

type querier interface {
	QueryRow(ctx context.Context, query string, args ...any) *db.Row
}

func lookupByFingerprint(ctx context.Context, q querier, fp fingerprint.Fingerprint) (post.Ref, error) {
	var ref post.Ref
	var platform string
	err := q.QueryRow(ctx, `
		SELECT post_uuid, platform, object_id
		FROM dedup_entries
		WHERE fingerprint = ?
	`, fp.Bytes()).Scan(&ref.UUID, &platform, &ref.ObjectID)
	if err != nil {
		return post.Ref{}, err
	}
	ref.Platform = post.Platform(platform)
	return ref, nil
}

func lookupByObject(ctx context.Context, q querier, platform post.Platform, objectID string) (post.Ref, error) {
	var ref post.Ref
	var rawPlatform string
	err := q.QueryRow(ctx, `
		SELECT post_uuid, platform, object_id
		FROM posts
		WHERE platform = ? AND object_id = ?
	`, string(platform), objectID).Scan(&ref.UUID, &rawPlatform, &ref.ObjectID)
	if err != nil {
		return post.Ref{}, err
	}
	ref.Platform = post.Platform(rawPlatform)
	return ref, nil
}

const postColumns = `
	post_uuid, platform, object_id, author_handle, text, created_at,
	tags, metrics, source_url, language, platform_metadata
`

func (s *Store) Get(ctx context.Context, postUUID string) (*post.Post, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE post_uuid = ?
	`, postUUID)
	p, err := scanPost(row)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get post %s: %w", postUUID, err)
	}
	return p, nil
}

func (s *Store) Scan(ctx context.Context, filter Filter, fn func(*post.Post) error) error {
	query, args := buildFilterQuery(`SELECT `+postColumns+` FROM posts`, filter, true)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("scan posts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return fmt.Errorf("scan posts: %w", err)
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan posts: %w", err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context, filter Filter) (int64, error) {
	filter.Limit = 0
	filter.Offset = 0
	query, args := buildFilterQuery(`SELECT COUNT(*) FROM posts`, filter, false)
	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return count, nil
}

func buildFilterQuery(base string, filter Filter, ordered bool) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.Platform != "" {
		clauses = append(clauses, "platform = ?")
		args = append(args, string(filter.Platform))
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, filter.Until.UTC())
	}
	if filter.Tag != "" {
		// Tags are stored as a JSON array of strings, so matching the
		// quoted tag works on both drivers without JSON operators.
		clauses = append(clauses, "tags LIKE ?")
		args = append(args, `%"`+filter.Tag+`"%`)
	}

	var b strings.Builder
	b.WriteString(base)
	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}
	if ordered {
		b.WriteString(" ORDER BY created_at DESC, id DESC")
	}
	if filter.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		b.WriteString(" OFFSET ?")
		args = append(args, filter.Offset)
	}
	return b.String(), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*post.Post, error) {
	var (
		p         post.Post
		platform  string
		createdAt time.Time
		tags      []byte
		metrics   []byte
		sourceURL sql.NullString
		language  sql.NullString
		metadata  []byte
	)
	err := row.Scan(&p.UUID, &platform, &p.ObjectID, &p.AuthorHandle, &p.Text, &createdAt,
		&tags, &metrics, &sourceURL, &language, &metadata)
	if err != nil {
		return nil, err
	}

	p.Platform = post.Platform(platform)
	p.CreatedAt = createdAt.UTC()
	p.SourceURL = sourceURL.String
	p.Language = language.String

	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &p.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags for %s: %w", p.UUID, err)
		}
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &p.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal metrics for %s: %w", p.UUID, err)
		}
	}
	if p.Metrics == nil {
		p.Metrics = map[string]int64{}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.PlatformMetadata); err != nil {
			return nil, fmt.Errorf("unmarshal platform metadata for %s: %w", p.UUID, err)
		}
	}
	if p.PlatformMetadata == nil {
		p.PlatformMetadata = map[string]any{}
	}
	return &p, nil
}

func marshalJSONField(v any, empty string) ([]byte, error) {
	if v == nil {
		return []byte(empty), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return []byte(empty), nil
	}
	return raw, nil
}

func nullableString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
