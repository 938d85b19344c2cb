package sink

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/gauravfs-14/socflow/internal/fingerprint"
	"github.com/gauravfs-14/socflow/internal/post"
)

// Memory is an in-process Sink with the same admission semantics as
// Store. It backs tests and dry runs that should not touch a database.
type Memory struct {
	mu       sync.Mutex
	posts    []*post.Post
	byUUID   map[string]*post.Post
	byObject map[string]post.Ref
	byFp     map[fingerprint.Fingerprint]post.Ref
}

func NewMemory() *Memory {
	return &Memory{
		byUUID:   make(map[string]*post.Post),
		byObject: make(map[string]post.Ref),
		byFp:     make(map[fingerprint.Fingerprint]post.Ref),
	}
}

func objectKey(platform post.Platform, objectID string) string {
	return string(platform) + "\x00" + objectID
}

func (m *Memory) Insert(_ context.Context, p *post.Post, fp fingerprint.Fingerprint) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byFp[fp]; ok {
		return Result{Inserted: false, Existing: existing, FingerprintClaimed: true}, nil
	}
	if existing, ok := m.byObject[objectKey(p.Platform, p.ObjectID)]; ok {
		return Result{Inserted: false, Existing: existing}, nil
	}

	stored := clonePost(p)
	m.posts = append(m.posts, stored)
	m.byUUID[stored.UUID] = stored
	m.byObject[objectKey(stored.Platform, stored.ObjectID)] = stored.Ref()
	m.byFp[fp] = stored.Ref()
	return Result{Inserted: true, Existing: stored.Ref(), FingerprintClaimed: true}, nil
}

func (m *Memory) Get(_ context.Context, postUUID string) (*post.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.byUUID[postUUID]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePost(stored), nil
}

func (m *Memory) Scan(_ context.Context, filter Filter, fn func(*post.Post) error) error {
	m.mu.Lock()
	matched := m.match(filter)
	m.mu.Unlock()

	for _, p := range matched {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Count(_ context.Context, filter Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	filter.Limit = 0
	filter.Offset = 0
	return int64(len(m.match(filter))), nil
}

func (m *Memory) match(filter Filter) []*post.Post {
	matched := make([]*post.Post, 0, len(m.posts))
	for _, p := range m.posts {
		if filter.Platform != "" && p.Platform != filter.Platform {
			continue
		}
		if !filter.Since.IsZero() && p.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && !p.CreatedAt.Before(filter.Until) {
			continue
		}
		if filter.Tag != "" && !slices.Contains(p.Tags, filter.Tag) {
			continue
		}
		matched = append(matched, clonePost(p))
	}

	slices.SortStableFunc(matched, func(a, b *post.Post) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.UUID, a.UUID)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched
}

func clonePost(p *post.Post) *post.Post {
	out := *p
	out.Tags = slices.Clone(p.Tags)
	out.Metrics = maps.Clone(p.Metrics)
	out.PlatformMetadata = maps.Clone(p.PlatformMetadata)
	return &out
}
