package post

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/google/uuid"

	"github.com/gauravfs-14/socflow/internal/globaltime"
)

const DefaultClockSkewTolerance = 5 * time.Minute

// Normalizer converts raw platform payloads into canonical posts. It is a
// pure transformation: same payload in, same post out (UUIDs aside), and no
// side effects on failure.
type Normalizer struct {
	// ClockSkewTolerance bounds how far in the future a created_at timestamp
	// may sit before the record is rejected.
	ClockSkewTolerance time.Duration

	// DetectLanguage fills Post.Language when the payload does not carry
	// one. Optional.
	DetectLanguage func(text string) string
}

func NewNormalizer(skew time.Duration, detect func(string) string) *Normalizer {
	if skew <= 0 {
		skew = DefaultClockSkewTolerance
	}
	return &Normalizer{
		ClockSkewTolerance: skew,
		DetectLanguage:     detect,
	}
}

// Normalize converts one raw platform record. The returned error is a
// *ValidationError for malformed input.
func (n *Normalizer) Normalize(payload json.RawMessage, platform Platform) (*Post, error) {
	fields, err := decodeObject(payload)
	if err != nil {
		return nil, invalid("payload", "malformed JSON: %v", err)
	}

	switch platform {
	case PlatformReddit:
		return n.normalizeReddit(fields)
	case PlatformMastodon:
		return n.normalizeMastodon(fields)
	case PlatformBluesky:
		return n.normalizeBluesky(fields)
	default:
		return nil, invalid("platform", "unknown platform %q", string(platform))
	}
}

func (n *Normalizer) normalizeReddit(fields map[string]any) (*Post, error) {
	objectID, err := requiredString(fields, "id")
	if err != nil {
		return nil, err
	}
	author := optionalString(fields, "author")
	if author == "" {
		author = "[deleted]"
	}

	title := optionalString(fields, "title")
	text := optionalString(fields, "selftext")
	if text == "" {
		// Comments carry "body"; link posts fall back to the title.
		text = optionalString(fields, "body")
	}
	if text == "" {
		text = title
	}

	createdAt, err := n.parseEpoch(fields, "created_utc")
	if err != nil {
		return nil, err
	}

	sourceURL := ""
	if permalink := optionalString(fields, "permalink"); permalink != "" {
		sourceURL = "https://reddit.com" + permalink
	}

	metrics, err := collectMetrics(fields, map[string]string{
		"ups":          "upvotes",
		"downs":        "downvotes",
		"score":        "score",
		"num_comments": "comments",
		"gilded":       "gilded",
	})
	if err != nil {
		return nil, err
	}

	consumed := []string{"id", "author", "title", "selftext", "body", "created_utc", "permalink",
		"ups", "downs", "score", "num_comments", "gilded"}
	meta := remainingMetadata(fields, consumed)
	if title != "" {
		meta["title"] = title
	}

	return n.finish(&Post{
		Platform:         PlatformReddit,
		ObjectID:         objectID,
		AuthorHandle:     author,
		Text:             text,
		CreatedAt:        createdAt,
		Tags:             nil,
		Metrics:          metrics,
		SourceURL:        sourceURL,
		PlatformMetadata: meta,
	})
}

func (n *Normalizer) normalizeMastodon(fields map[string]any) (*Post, error) {
	objectID, err := requiredString(fields, "id")
	if err != nil {
		return nil, err
	}

	account, _ := fields["account"].(map[string]any)
	author := strings.TrimSpace(stringValue(account["acct"]))
	if author == "" {
		return nil, invalid("account.acct", "is required")
	}

	content, ok := fields["content"]
	if !ok {
		return nil, invalid("content", "is required")
	}
	text := StripHTML(stringValue(content))

	createdAt, err := n.parseTimestamp(fields, "created_at")
	if err != nil {
		return nil, err
	}

	var tags []string
	if rawTags, ok := fields["tags"].([]any); ok {
		names := make([]string, 0, len(rawTags))
		for _, entry := range rawTags {
			if tag, ok := entry.(map[string]any); ok {
				names = append(names, stringValue(tag["name"]))
			}
		}
		tags = tagSet(names)
	}

	metrics, err := collectMetrics(fields, map[string]string{
		"favourites_count": "favourites",
		"reblogs_count":    "reblogs",
		"replies_count":    "replies",
	})
	if err != nil {
		return nil, err
	}

	consumed := []string{"id", "account", "content", "created_at", "tags", "url",
		"favourites_count", "reblogs_count", "replies_count", "language"}
	meta := remainingMetadata(fields, consumed)
	if account != nil {
		meta["account"] = map[string]any{
			"acct":         account["acct"],
			"display_name": account["display_name"],
			"avatar":       account["avatar"],
		}
	}

	return n.finish(&Post{
		Platform:         PlatformMastodon,
		ObjectID:         objectID,
		AuthorHandle:     author,
		Text:             text,
		CreatedAt:        createdAt,
		Tags:             tags,
		Metrics:          metrics,
		SourceURL:        optionalString(fields, "url"),
		Language:         optionalString(fields, "language"),
		PlatformMetadata: meta,
	})
}

func (n *Normalizer) normalizeBluesky(fields map[string]any) (*Post, error) {
	objectID, err := requiredString(fields, "uri")
	if err != nil {
		return nil, err
	}

	author, _ := fields["author"].(map[string]any)
	handle := strings.TrimSpace(stringValue(author["handle"]))
	if handle == "" {
		return nil, invalid("author.handle", "is required")
	}

	record, _ := fields["record"].(map[string]any)
	text, ok := record["text"]
	if !ok {
		return nil, invalid("record.text", "is required")
	}

	createdAt, err := n.parseTimestamp(record, "createdAt")
	if err != nil {
		return nil, err
	}

	metrics, err := collectMetrics(fields, map[string]string{
		"likeCount":   "likes",
		"repostCount": "reposts",
		"replyCount":  "replies",
	})
	if err != nil {
		return nil, err
	}

	sourceURL := ""
	if rkey := lastPathSegment(objectID); rkey != "" {
		sourceURL = fmt.Sprintf("https://bsky.app/profile/%s/post/%s", handle, rkey)
	}

	var tags []string
	if facets, ok := record["facets"].([]any); ok {
		tags = tagSet(hashtagFacets(facets))
	}

	consumed := []string{"uri", "author", "record", "likeCount", "repostCount", "replyCount"}
	meta := remainingMetadata(fields, consumed)
	meta["rkey"] = lastPathSegment(objectID)
	if author != nil {
		meta["author"] = map[string]any{
			"handle":      author["handle"],
			"displayName": author["displayName"],
			"avatar":      author["avatar"],
		}
	}

	return n.finish(&Post{
		Platform:         PlatformBluesky,
		ObjectID:         objectID,
		AuthorHandle:     handle,
		Text:             stringValue(text),
		CreatedAt:        createdAt,
		Tags:             tags,
		Metrics:          metrics,
		SourceURL:        sourceURL,
		PlatformMetadata: meta,
	})
}

// NormalizeCanonical converts a payload already in the canonical shape, as
// produced by export or accepted by the replay source and the ingest command.
func (n *Normalizer) NormalizeCanonical(payload json.RawMessage) (*Post, error) {
	fields, err := decodeObject(payload)
	if err != nil {
		return nil, invalid("payload", "malformed JSON: %v", err)
	}

	platformRaw, err := requiredString(fields, "platform")
	if err != nil {
		return nil, err
	}
	platform, ok := KnownPlatform(platformRaw)
	if !ok {
		return nil, invalid("platform", "unknown platform %q", platformRaw)
	}

	objectID, err := requiredString(fields, "object_id")
	if err != nil {
		return nil, err
	}
	author, err := requiredString(fields, "author_handle")
	if err != nil {
		return nil, err
	}
	text, ok := fields["text"]
	if !ok {
		return nil, invalid("text", "is required")
	}

	createdAt, err := n.parseTimestamp(fields, "created_at")
	if err != nil {
		return nil, err
	}

	var tags []string
	if rawTags, ok := fields["tags"].([]any); ok {
		names := make([]string, 0, len(rawTags))
		for _, entry := range rawTags {
			names = append(names, stringValue(entry))
		}
		tags = tagSet(names)
	}

	metrics := map[string]int64{}
	if rawMetrics, ok := fields["metrics"].(map[string]any); ok {
		for name, value := range rawMetrics {
			count, err := coerceCount("metrics."+name, value)
			if err != nil {
				return nil, err
			}
			metrics[name] = count
		}
	}

	meta := map[string]any{}
	if rawMeta, ok := fields["platform_metadata"].(map[string]any); ok {
		meta = rawMeta
	}

	return n.finish(&Post{
		Platform:         platform,
		ObjectID:         objectID,
		AuthorHandle:     author,
		Text:             stringValue(text),
		CreatedAt:        createdAt,
		Tags:             tags,
		Metrics:          metrics,
		SourceURL:        optionalString(fields, "source_url"),
		Language:         optionalString(fields, "language"),
		PlatformMetadata: meta,
	})
}

func (n *Normalizer) finish(p *Post) (*Post, error) {
	if p.Metrics == nil {
		p.Metrics = map[string]int64{}
	}
	if p.PlatformMetadata == nil {
		p.PlatformMetadata = map[string]any{}
	}
	if p.Language == "" && n.DetectLanguage != nil {
		p.Language = n.DetectLanguage(p.Text)
	}
	p.UUID = uuid.NewString()
	return p, nil
}

func (n *Normalizer) rejectFuture(field string, ts time.Time) error {
	limit := globaltime.UTC().Add(n.ClockSkewTolerance)
	if ts.After(limit) {
		return invalid(field, "timestamp %s is in the future", ts.Format(time.RFC3339))
	}
	return nil
}

func (n *Normalizer) parseTimestamp(fields map[string]any, key string) (time.Time, error) {
	raw, ok := fields[key]
	if !ok {
		return time.Time{}, invalid(key, "is required")
	}
	value := strings.TrimSpace(stringValue(raw))
	if value == "" {
		return time.Time{}, invalid(key, "is required")
	}

	ts, err := dateparse.ParseAny(value)
	if err != nil {
		return time.Time{}, invalid(key, "unparseable timestamp %q", value)
	}
	ts = ts.UTC()
	if err := n.rejectFuture(key, ts); err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

func (n *Normalizer) parseEpoch(fields map[string]any, key string) (time.Time, error) {
	raw, ok := fields[key]
	if !ok {
		return time.Time{}, invalid(key, "is required")
	}
	num, ok := raw.(json.Number)
	if !ok {
		return time.Time{}, invalid(key, "must be epoch seconds")
	}
	seconds, err := num.Float64()
	if err != nil || seconds <= 0 {
		return time.Time{}, invalid(key, "must be positive epoch seconds")
	}

	ts := time.Unix(int64(seconds), 0).UTC()
	if err := n.rejectFuture(key, ts); err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

// decodeObject decodes a single strict JSON object, keeping numbers as
// json.Number so metric coercion can detect fractions and overflow.
func decodeObject(payload json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var fields map[string]any
	if err := decoder.Decode(&fields); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}
	return fields, nil
}

func collectMetrics(fields map[string]any, mapping map[string]string) (map[string]int64, error) {
	metrics := make(map[string]int64, len(mapping))
	for rawKey, name := range mapping {
		value, ok := fields[rawKey]
		if !ok || value == nil {
			continue
		}
		count, err := coerceCount(rawKey, value)
		if err != nil {
			return nil, err
		}
		metrics[name] = count
	}
	return metrics, nil
}

// coerceCount converts a raw metric value to a non-negative integer.
// Negative and fractional values reject rather than clamp: clamping would
// hide upstream bugs.
func coerceCount(field string, value any) (int64, error) {
	num, ok := value.(json.Number)
	if !ok {
		return 0, invalid(field, "must be an integer")
	}
	count, err := strconv.ParseInt(num.String(), 10, 64)
	if err != nil {
		return 0, invalid(field, "must be a non-negative integer, got %q", num.String())
	}
	if count < 0 {
		return 0, invalid(field, "must be non-negative, got %d", count)
	}
	return count, nil
}

func remainingMetadata(fields map[string]any, consumed []string) map[string]any {
	skip := make(map[string]struct{}, len(consumed))
	for _, key := range consumed {
		skip[key] = struct{}{}
	}
	meta := make(map[string]any)
	for key, value := range fields {
		if _, ok := skip[key]; ok {
			continue
		}
		meta[key] = value
	}
	return meta
}

// tagSet deduplicates while preserving first-seen order.
func tagSet(raw []string) []string {
	tags := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, tag := range raw {
		cleaned := strings.TrimSpace(tag)
		if cleaned == "" {
			continue
		}
		if _, ok := seen[cleaned]; ok {
			continue
		}
		seen[cleaned] = struct{}{}
		tags = append(tags, cleaned)
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}

func hashtagFacets(facets []any) []string {
	var names []string
	for _, entry := range facets {
		facet, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		features, ok := facet["features"].([]any)
		if !ok {
			continue
		}
		for _, rawFeature := range features {
			feature, ok := rawFeature.(map[string]any)
			if !ok {
				continue
			}
			if stringValue(feature["$type"]) != "app.bsky.richtext.facet#tag" {
				continue
			}
			if tag := stringValue(feature["tag"]); tag != "" {
				names = append(names, tag)
			}
		}
	}
	return names
}

func requiredString(fields map[string]any, key string) (string, error) {
	value := strings.TrimSpace(stringValue(fields[key]))
	if value == "" {
		return "", invalid(key, "is required")
	}
	return value, nil
}

func optionalString(fields map[string]any, key string) string {
	return strings.TrimSpace(stringValue(fields[key]))
}

func stringValue(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func lastPathSegment(uri string) string {
	idx := strings.LastIndex(uri, "/")
	if idx < 0 || idx == len(uri)-1 {
		return ""
	}
	return uri[idx+1:]
}
