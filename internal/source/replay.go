package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gauravfs-14/socflow/internal/post"
)

// Replay feeds canonical payloads from JSON files in a directory. Each
// file holds one payload object or an array of them; files are replayed
// in name order, one file per pull.
type Replay struct {
	Dir string
}

func NewReplay(dir string) *Replay {
	return &Replay{Dir: dir}
}

func (r *Replay) Name() string {
	return "replay:" + filepath.Base(strings.TrimRight(r.Dir, "/"))
}

func (r *Replay) Platform() post.Platform {
	return ""
}

type replayCursor struct {
	Index int `json:"index"`
}

func (r *Replay) Pull(ctx context.Context, cursor json.RawMessage) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}

	var cur replayCursor
	if len(cursor) > 0 {
		if err := json.Unmarshal(cursor, &cur); err != nil {
			return Batch{}, Fatal(fmt.Errorf("decode replay cursor: %w", err))
		}
	}

	files, err := r.listFiles()
	if err != nil {
		return Batch{}, Fatal(err)
	}
	if cur.Index >= len(files) {
		return Batch{Exhausted: true}, nil
	}

	path := files[cur.Index]
	raw, err := os.ReadFile(path)
	if err != nil {
		return Batch{}, Fatal(fmt.Errorf("read replay file %s: %w", path, err))
	}

	payloads, err := splitPayloads(raw)
	if err != nil {
		return Batch{}, Fatal(fmt.Errorf("parse replay file %s: %w", path, err))
	}

	batch := Batch{
		Records: make([]Raw, 0, len(payloads)),
	}
	for _, payload := range payloads {
		batch.Records = append(batch.Records, Raw{
			Platform:  payloadPlatform(payload),
			Payload:   payload,
			Canonical: true,
		})
	}

	if cur.Index+1 >= len(files) {
		batch.Exhausted = true
		return batch, nil
	}
	next, err := json.Marshal(replayCursor{Index: cur.Index + 1})
	if err != nil {
		return Batch{}, fmt.Errorf("encode replay cursor: %w", err)
	}
	batch.Next = next
	return batch, nil
}

func (r *Replay) listFiles() ([]string, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		return nil, fmt.Errorf("read replay directory %s: %w", r.Dir, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		files = append(files, filepath.Join(r.Dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func splitPayloads(raw []byte) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var payloads []json.RawMessage
		if err := json.Unmarshal(raw, &payloads); err != nil {
			return nil, err
		}
		return payloads, nil
	}
	var payload json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return []json.RawMessage{payload}, nil
}

func payloadPlatform(payload json.RawMessage) post.Platform {
	var head struct {
		Platform string `json:"platform"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return ""
	}
	platform, _ := post.KnownPlatform(head.Platform)
	return platform
}
