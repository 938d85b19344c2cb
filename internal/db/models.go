package db

import (
	"time"

	"gorm.io/datatypes"
)

// Post is the persisted form of a canonical record. The unique index on
// (platform, object_id) makes concurrent inserts of the same upstream
// object race-free; fingerprint uniqueness is enforced through
// dedup_entries in the same transaction, so pruning old dedup rows can
// re-open admission without touching stored posts.
type Post struct {
	ID               int64          `gorm:"column:id;primaryKey;autoIncrement"`
	PostUUID         string         `gorm:"column:post_uuid;size:36;not null;uniqueIndex:idx_posts_uuid"`
	Platform         string         `gorm:"column:platform;size:32;not null;uniqueIndex:idx_posts_platform_object,priority:1"`
	ObjectID         string         `gorm:"column:object_id;size:512;not null;uniqueIndex:idx_posts_platform_object,priority:2"`
	AuthorHandle     string         `gorm:"column:author_handle;size:512;not null"`
	Text             string         `gorm:"column:text;not null"`
	CreatedAt        time.Time      `gorm:"column:created_at;not null;index:idx_posts_created_at"`
	Tags             datatypes.JSON `gorm:"column:tags"`
	Metrics          datatypes.JSON `gorm:"column:metrics"`
	SourceURL        *string        `gorm:"column:source_url"`
	Language         *string        `gorm:"column:language;size:16"`
	PlatformMetadata datatypes.JSON `gorm:"column:platform_metadata"`
	Fingerprint      []byte         `gorm:"column:fingerprint;not null;index:idx_posts_fingerprint"`
	InsertedAt       time.Time      `gorm:"column:inserted_at;not null"`
}

func (Post) TableName() string {
	return "posts"
}

// DedupEntry records which stored post owns a fingerprint. It is written
// in the same transaction as the post row so the index can never point
// at a post that was not committed.
type DedupEntry struct {
	Fingerprint []byte    `gorm:"column:fingerprint;primaryKey"`
	PostUUID    string    `gorm:"column:post_uuid;size:36;not null"`
	Platform    string    `gorm:"column:platform;size:32;not null"`
	ObjectID    string    `gorm:"column:object_id;size:512;not null"`
	FirstSeenAt time.Time `gorm:"column:first_seen_at;not null;index:idx_dedup_first_seen"`
}

func (DedupEntry) TableName() string {
	return "dedup_entries"
}

// CollectRun is one row per `socflow collect` source worker execution.
type CollectRun struct {
	ID                int64          `gorm:"column:id;primaryKey;autoIncrement"`
	RunUUID           string         `gorm:"column:run_uuid;size:36;not null;uniqueIndex:idx_collect_runs_uuid"`
	Source            string         `gorm:"column:source;size:128;not null;index:idx_collect_runs_source"`
	Status            string         `gorm:"column:status;size:32;not null"`
	StartedAt         time.Time      `gorm:"column:started_at;not null"`
	FinishedAt        *time.Time     `gorm:"column:finished_at"`
	ItemsCollected    int64          `gorm:"column:items_collected;not null;default:0"`
	ItemsInserted     int64          `gorm:"column:items_inserted;not null;default:0"`
	ItemsDeduplicated int64          `gorm:"column:items_deduplicated;not null;default:0"`
	ItemsRejected     int64          `gorm:"column:items_rejected;not null;default:0"`
	ItemsRetried      int64          `gorm:"column:items_retried;not null;default:0"`
	ItemsFailed       int64          `gorm:"column:items_failed;not null;default:0"`
	CursorCheckpoint  datatypes.JSON `gorm:"column:cursor_checkpoint"`
	ErrorMessage      *string        `gorm:"column:error_message"`
}

func (CollectRun) TableName() string {
	return "collect_runs"
}

// SourceCheckpoint keeps the latest resumable cursor per source.
type SourceCheckpoint struct {
	Source    string         `gorm:"column:source;size:128;primaryKey"`
	Cursor    datatypes.JSON `gorm:"column:cursor;not null"`
	UpdatedAt time.Time      `gorm:"column:updated_at;not null"`
}

func (SourceCheckpoint) TableName() string {
	return "source_checkpoints"
}

func autoMigrateModels() []any {
	return []any{
		&Post{},
		&DedupEntry{},
		&CollectRun{},
		&SourceCheckpoint{},
	}
}
