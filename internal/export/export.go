// Package export streams stored posts to a file or stdout in csv, json
// or ndjson form.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gauravfs-14/socflow/internal/post"
	"github.com/gauravfs-14/socflow/internal/sink"
)

type Format string

const (
	FormatCSV    Format = "csv"
	FormatJSON   Format = "json"
	FormatNDJSON Format = "ndjson"
)

func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatNDJSON, "jsonl":
		return FormatNDJSON, nil
	default:
		return "", fmt.Errorf("unsupported export format %q (csv, json, ndjson)", raw)
	}
}

type record struct {
	UUID             string           `json:"uuid"`
	Platform         string           `json:"platform"`
	ObjectID         string           `json:"object_id"`
	AuthorHandle     string           `json:"author_handle"`
	Text             string           `json:"text"`
	CreatedAt        string           `json:"created_at"`
	Tags             []string         `json:"tags"`
	Metrics          map[string]int64 `json:"metrics"`
	SourceURL        string           `json:"source_url,omitempty"`
	Language         string           `json:"language,omitempty"`
	PlatformMetadata map[string]any   `json:"platform_metadata"`
}

func toRecord(p *post.Post) record {
	return record{
		UUID:             p.UUID,
		Platform:         string(p.Platform),
		ObjectID:         p.ObjectID,
		AuthorHandle:     p.AuthorHandle,
		Text:             p.Text,
		CreatedAt:        p.CreatedAt.UTC().Format(time.RFC3339),
		Tags:             p.Tags,
		Metrics:          p.Metrics,
		SourceURL:        p.SourceURL,
		Language:         p.Language,
		PlatformMetadata: p.PlatformMetadata,
	}
}

// Write streams every post matching filter to w and reports how many
// records it wrote.
func Write(ctx context.Context, store sink.Sink, filter sink.Filter, format Format, w io.Writer) (int64, error) {
	switch format {
	case FormatCSV:
		return writeCSV(ctx, store, filter, w)
	case FormatJSON:
		return writeJSON(ctx, store, filter, w)
	case FormatNDJSON:
		return writeNDJSON(ctx, store, filter, w)
	default:
		return 0, fmt.Errorf("unsupported export format %q", format)
	}
}

var csvHeader = []string{
	"uuid", "platform", "object_id", "author_handle", "text", "created_at",
	"tags", "metrics", "source_url", "language", "platform_metadata",
}

func writeCSV(ctx context.Context, store sink.Sink, filter sink.Filter, w io.Writer) (int64, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return 0, fmt.Errorf("write csv header: %w", err)
	}

	var written int64
	err := store.Scan(ctx, filter, func(p *post.Post) error {
		rec := toRecord(p)
		tags, err := json.Marshal(rec.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags for %s: %w", rec.UUID, err)
		}
		metrics, err := json.Marshal(rec.Metrics)
		if err != nil {
			return fmt.Errorf("marshal metrics for %s: %w", rec.UUID, err)
		}
		metadata, err := json.Marshal(rec.PlatformMetadata)
		if err != nil {
			return fmt.Errorf("marshal platform metadata for %s: %w", rec.UUID, err)
		}
		row := []string{
			rec.UUID, rec.Platform, rec.ObjectID, rec.AuthorHandle, rec.Text, rec.CreatedAt,
			string(tags), string(metrics), rec.SourceURL, rec.Language, string(metadata),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
		written++
		return nil
	})
	if err != nil {
		return written, err
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return written, fmt.Errorf("flush csv: %w", err)
	}
	return written, nil
}

func writeJSON(ctx context.Context, store sink.Sink, filter sink.Filter, w io.Writer) (int64, error) {
	if _, err := io.WriteString(w, "[\n"); err != nil {
		return 0, err
	}

	var written int64
	err := store.Scan(ctx, filter, func(p *post.Post) error {
		raw, err := json.Marshal(toRecord(p))
		if err != nil {
			return fmt.Errorf("marshal post %s: %w", p.UUID, err)
		}
		if written > 0 {
			if _, err := io.WriteString(w, ",\n"); err != nil {
				return err
			}
		}
		if _, err := w.Write(raw); err != nil {
			return err
		}
		written++
		return nil
	})
	if err != nil {
		return written, err
	}

	if _, err := io.WriteString(w, "\n]\n"); err != nil {
		return written, err
	}
	return written, nil
}

func writeNDJSON(ctx context.Context, store sink.Sink, filter sink.Filter, w io.Writer) (int64, error) {
	encoder := json.NewEncoder(w)
	var written int64
	err := store.Scan(ctx, filter, func(p *post.Post) error {
		if err := encoder.Encode(toRecord(p)); err != nil {
			return fmt.Errorf("encode post %s: %w", p.UUID, err)
		}
		written++
		return nil
	})
	return written, err
}
