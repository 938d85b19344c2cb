package post

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gauravfs-14/socflow/internal/globaltime"
)

func pinClock(t *testing.T, at time.Time) {
	t.Helper()
	globaltime.SetMockTime(at)
	t.Cleanup(globaltime.ResetTime)
}

func mustNormalize(t *testing.T, n *Normalizer, payload string, platform Platform) *Post {
	t.Helper()
	p, err := n.Normalize(json.RawMessage(payload), platform)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	return p
}

func wantValidationError(t *testing.T, err error, field string) {
	t.Helper()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if verr.Field != field {
		t.Fatalf("expected error on field %q, got %q (%v)", field, verr.Field, verr)
	}
}

func TestNormalizeReddit(t *testing.T) {
	pinClock(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	n := NewNormalizer(0, nil)

	p := mustNormalize(t, n, `{
		"id": "1abc2d",
		"author": "gopher",
		"title": "Go 1.24 released",
		"selftext": "Release notes inside.",
		"created_utc": 1767225600,
		"permalink": "/r/golang/comments/1abc2d/go_124_released/",
		"ups": 412, "downs": 3, "score": 409, "num_comments": 57,
		"subreddit": "golang"
	}`, PlatformReddit)

	if p.Platform != PlatformReddit || p.ObjectID != "1abc2d" {
		t.Fatalf("unexpected identity: %s/%s", p.Platform, p.ObjectID)
	}
	if p.AuthorHandle != "gopher" {
		t.Fatalf("unexpected author %q", p.AuthorHandle)
	}
	if p.Text != "Release notes inside." {
		t.Fatalf("unexpected text %q", p.Text)
	}
	if want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC); !p.CreatedAt.Equal(want) {
		t.Fatalf("created_at = %s, want %s", p.CreatedAt, want)
	}
	if p.SourceURL != "https://reddit.com/r/golang/comments/1abc2d/go_124_released/" {
		t.Fatalf("unexpected source URL %q", p.SourceURL)
	}
	if p.Metrics["upvotes"] != 412 || p.Metrics["comments"] != 57 {
		t.Fatalf("unexpected metrics %v", p.Metrics)
	}
	if p.PlatformMetadata["title"] != "Go 1.24 released" {
		t.Fatalf("title not kept in metadata: %v", p.PlatformMetadata)
	}
	if p.PlatformMetadata["subreddit"] != "golang" {
		t.Fatalf("unknown fields not kept in metadata: %v", p.PlatformMetadata)
	}
	if p.UUID == "" {
		t.Fatal("expected a generated UUID")
	}
}

func TestNormalizeRedditFallbacks(t *testing.T) {
	pinClock(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	n := NewNormalizer(0, nil)

	// Link post: no selftext, text falls back to the title; deleted author.
	p := mustNormalize(t, n, `{"id":"x1","title":"Link only","created_utc":1767225600}`, PlatformReddit)
	if p.Text != "Link only" {
		t.Fatalf("expected title fallback, got %q", p.Text)
	}
	if p.AuthorHandle != "[deleted]" {
		t.Fatalf("expected [deleted] author, got %q", p.AuthorHandle)
	}

	// Comment: body carries the text.
	p = mustNormalize(t, n, `{"id":"x2","author":"a","body":"a comment","created_utc":1767225600}`, PlatformReddit)
	if p.Text != "a comment" {
		t.Fatalf("expected body text, got %q", p.Text)
	}
}

func TestNormalizeRedditRejections(t *testing.T) {
	pinClock(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	n := NewNormalizer(0, nil)

	cases := []struct {
		name    string
		payload string
		field   string
	}{
		{"missing id", `{"created_utc":1767225600}`, "id"},
		{"missing created_utc", `{"id":"a"}`, "created_utc"},
		{"created_utc not a number", `{"id":"a","created_utc":"yesterday"}`, "created_utc"},
		{"created_utc zero", `{"id":"a","created_utc":0}`, "created_utc"},
		{"negative metric", `{"id":"a","created_utc":1767225600,"ups":-1}`, "ups"},
		{"fractional metric", `{"id":"a","created_utc":1767225600,"score":1.5}`, "score"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := n.Normalize(json.RawMessage(tc.payload), PlatformReddit)
			wantValidationError(t, err, tc.field)
		})
	}
}

func TestNormalizeMastodon(t *testing.T) {
	pinClock(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	n := NewNormalizer(0, nil)

	p := mustNormalize(t, n, `{
		"id": "113546001",
		"account": {"acct": "gopher@hachyderm.io", "display_name": "Gopher", "avatar": "https://cdn/avatar.png"},
		"content": "<p>Hello <b>world</b></p><p>second line</p>",
		"created_at": "2026-01-01T00:00:00Z",
		"url": "https://hachyderm.io/@gopher/113546001",
		"tags": [{"name":"golang"},{"name":"release"},{"name":"golang"}],
		"favourites_count": 12, "reblogs_count": 4, "replies_count": 2,
		"language": "en",
		"visibility": "public"
	}`, PlatformMastodon)

	if p.AuthorHandle != "gopher@hachyderm.io" {
		t.Fatalf("unexpected author %q", p.AuthorHandle)
	}
	if p.Text != "Hello world second line" {
		t.Fatalf("HTML not flattened: %q", p.Text)
	}
	if len(p.Tags) != 2 || p.Tags[0] != "golang" || p.Tags[1] != "release" {
		t.Fatalf("tags not deduplicated in order: %v", p.Tags)
	}
	if p.Language != "en" {
		t.Fatalf("unexpected language %q", p.Language)
	}
	if p.Metrics["favourites"] != 12 || p.Metrics["reblogs"] != 4 {
		t.Fatalf("unexpected metrics %v", p.Metrics)
	}
	if p.PlatformMetadata["visibility"] != "public" {
		t.Fatalf("unknown fields not kept: %v", p.PlatformMetadata)
	}
	account, ok := p.PlatformMetadata["account"].(map[string]any)
	if !ok || account["display_name"] != "Gopher" {
		t.Fatalf("account summary not kept: %v", p.PlatformMetadata["account"])
	}
}

func TestNormalizeMastodonRejections(t *testing.T) {
	pinClock(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	n := NewNormalizer(0, nil)

	_, err := n.Normalize(json.RawMessage(`{"id":"1","content":"<p>x</p>","created_at":"2026-01-01T00:00:00Z"}`), PlatformMastodon)
	wantValidationError(t, err, "account.acct")

	_, err = n.Normalize(json.RawMessage(`{"id":"1","account":{"acct":"a"},"created_at":"2026-01-01T00:00:00Z"}`), PlatformMastodon)
	wantValidationError(t, err, "content")

	_, err = n.Normalize(json.RawMessage(`{"id":"1","account":{"acct":"a"},"content":"x","created_at":"not a date"}`), PlatformMastodon)
	wantValidationError(t, err, "created_at")
}

func TestNormalizeBluesky(t *testing.T) {
	pinClock(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	n := NewNormalizer(0, nil)

	p := mustNormalize(t, n, `{
		"uri": "at://did:plc:abc123/app.bsky.feed.post/3kf7xyz",
		"author": {"handle": "gopher.bsky.social", "displayName": "Gopher"},
		"record": {
			"text": "Go 1.24 is out",
			"createdAt": "2026-01-01T00:00:00Z",
			"facets": [
				{"features": [{"$type": "app.bsky.richtext.facet#tag", "tag": "golang"}]},
				{"features": [{"$type": "app.bsky.richtext.facet#link", "uri": "https://go.dev"}]}
			]
		},
		"likeCount": 30, "repostCount": 5, "replyCount": 1
	}`, PlatformBluesky)

	if p.ObjectID != "at://did:plc:abc123/app.bsky.feed.post/3kf7xyz" {
		t.Fatalf("unexpected object id %q", p.ObjectID)
	}
	if p.AuthorHandle != "gopher.bsky.social" {
		t.Fatalf("unexpected author %q", p.AuthorHandle)
	}
	if p.SourceURL != "https://bsky.app/profile/gopher.bsky.social/post/3kf7xyz" {
		t.Fatalf("unexpected source URL %q", p.SourceURL)
	}
	if len(p.Tags) != 1 || p.Tags[0] != "golang" {
		t.Fatalf("expected only hashtag facets, got %v", p.Tags)
	}
	if p.Metrics["likes"] != 30 || p.Metrics["reposts"] != 5 {
		t.Fatalf("unexpected metrics %v", p.Metrics)
	}
	if p.PlatformMetadata["rkey"] != "3kf7xyz" {
		t.Fatalf("rkey not kept: %v", p.PlatformMetadata)
	}
}

func TestNormalizeBlueskyRejections(t *testing.T) {
	pinClock(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	n := NewNormalizer(0, nil)

	_, err := n.Normalize(json.RawMessage(`{"author":{"handle":"h"},"record":{"text":"x","createdAt":"2026-01-01T00:00:00Z"}}`), PlatformBluesky)
	wantValidationError(t, err, "uri")

	_, err = n.Normalize(json.RawMessage(`{"uri":"at://a/b/c","record":{"text":"x","createdAt":"2026-01-01T00:00:00Z"}}`), PlatformBluesky)
	wantValidationError(t, err, "author.handle")

	_, err = n.Normalize(json.RawMessage(`{"uri":"at://a/b/c","author":{"handle":"h"},"record":{"createdAt":"2026-01-01T00:00:00Z"}}`), PlatformBluesky)
	wantValidationError(t, err, "record.text")
}

func TestNormalizeRejectsFutureTimestamps(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pinClock(t, now)
	n := NewNormalizer(5*time.Minute, nil)

	// Within skew tolerance is accepted.
	within := now.Add(4 * time.Minute).Format(time.RFC3339)
	if _, err := n.NormalizeCanonical(canonicalPayload(t, within)); err != nil {
		t.Fatalf("timestamp within skew rejected: %v", err)
	}

	beyond := now.Add(6 * time.Minute).Format(time.RFC3339)
	_, err := n.NormalizeCanonical(canonicalPayload(t, beyond))
	wantValidationError(t, err, "created_at")
}

func TestNormalizeCanonical(t *testing.T) {
	pinClock(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	n := NewNormalizer(0, nil)

	p, err := n.NormalizeCanonical(json.RawMessage(`{
		"platform": "Mastodon",
		"object_id": "42",
		"author_handle": "a@b.social",
		"text": "plain text",
		"created_at": "2026-01-01T00:00:00Z",
		"tags": ["one", "two", "one"],
		"metrics": {"favourites": 3},
		"source_url": "https://b.social/@a/42",
		"platform_metadata": {"visibility": "public"}
	}`))
	if err != nil {
		t.Fatalf("NormalizeCanonical: %v", err)
	}
	if p.Platform != PlatformMastodon {
		t.Fatalf("platform not case-folded: %q", p.Platform)
	}
	if len(p.Tags) != 2 {
		t.Fatalf("tags not deduplicated: %v", p.Tags)
	}
	if p.Metrics["favourites"] != 3 {
		t.Fatalf("unexpected metrics %v", p.Metrics)
	}
	if p.PlatformMetadata["visibility"] != "public" {
		t.Fatalf("metadata not kept: %v", p.PlatformMetadata)
	}

	_, err = n.NormalizeCanonical(json.RawMessage(`{"platform":"myspace","object_id":"1","author_handle":"a","text":"x","created_at":"2026-01-01T00:00:00Z"}`))
	wantValidationError(t, err, "platform")

	_, err = n.NormalizeCanonical(json.RawMessage(`{"platform":"reddit","object_id":"1","author_handle":"a","text":"x","created_at":"2026-01-01T00:00:00Z","metrics":{"score":-2}}`))
	wantValidationError(t, err, "metrics.score")
}

func TestNormalizeMalformedPayloads(t *testing.T) {
	n := NewNormalizer(0, nil)

	for _, payload := range []string{"", "   ", "not json", `[1,2]`, `{"id":"a"} trailing`} {
		_, err := n.Normalize(json.RawMessage(payload), PlatformReddit)
		wantValidationError(t, err, "payload")
	}

	_, err := n.Normalize(json.RawMessage(`{"id":"a"}`), Platform("myspace"))
	wantValidationError(t, err, "platform")
}

func TestNormalizeLanguageDetection(t *testing.T) {
	pinClock(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	n := NewNormalizer(0, func(text string) string {
		if text == "" {
			return ""
		}
		return "en"
	})

	p := mustNormalize(t, n, `{"id":"a","author":"x","selftext":"hello there","created_utc":1767225600}`, PlatformReddit)
	if p.Language != "en" {
		t.Fatalf("detector not applied: %q", p.Language)
	}

	// A payload-supplied language wins over detection.
	p, err := n.NormalizeCanonical(canonicalPayload(t, "2026-01-01T00:00:00Z"))
	if err != nil {
		t.Fatalf("NormalizeCanonical: %v", err)
	}
	if p.Language != "de" {
		t.Fatalf("payload language overridden: %q", p.Language)
	}
}

func canonicalPayload(t *testing.T, createdAt string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"platform":      "reddit",
		"object_id":     "c1",
		"author_handle": "gopher",
		"text":          "hallo welt",
		"created_at":    createdAt,
		"language":      "de",
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}
