// Package post defines the canonical record every platform normalizes into,
// and the normalizer that produces it from raw platform payloads.
package post

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies a known record source.
type Platform string

const (
	PlatformReddit   Platform = "reddit"
	PlatformMastodon Platform = "mastodon"
	PlatformBluesky  Platform = "bluesky"
)

// KnownPlatform parses a platform name, case-insensitively.
func KnownPlatform(raw string) (Platform, bool) {
	switch Platform(strings.ToLower(strings.TrimSpace(raw))) {
	case PlatformReddit:
		return PlatformReddit, true
	case PlatformMastodon:
		return PlatformMastodon, true
	case PlatformBluesky:
		return PlatformBluesky, true
	default:
		return "", false
	}
}

// Post is the canonical, platform-agnostic record. It is created once by the
// normalizer and never mutated afterwards; (Platform, ObjectID) and the
// content fingerprint are both unique in the sink.
type Post struct {
	UUID         string
	Platform     Platform
	ObjectID     string
	AuthorHandle string
	Text         string
	CreatedAt    time.Time
	Tags         []string
	Metrics      map[string]int64
	SourceURL    string
	Language     string

	// PlatformMetadata keeps every raw field the canonical schema does not
	// model. The core never interprets it.
	PlatformMetadata map[string]any
}

func (p *Post) Ref() Ref {
	return Ref{UUID: p.UUID, Platform: p.Platform, ObjectID: p.ObjectID}
}

// Ref is the minimal identity of a stored post, used to report which record
// an incoming duplicate collided with.
type Ref struct {
	UUID     string
	Platform Platform
	ObjectID string
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s", r.Platform, r.ObjectID)
}

// ValidationError reports a malformed raw record. The record is dropped and
// counted; validation failures are never fatal to a batch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
