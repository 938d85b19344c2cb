package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/gauravfs-14/socflow/internal/post"
)

const mastodonPageSize = 40

// Mastodon pulls a public hashtag timeline from one instance. Paging
// walks backwards with max_id, the way the Mastodon API pages.
type Mastodon struct {
	Instance string
	Hashtag  string
	BaseURL  string
	client   *Client
}

func NewMastodon(instance, hashtag string, client *Client) *Mastodon {
	instance = strings.TrimSpace(instance)
	base := instance
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	return &Mastodon{
		Instance: strings.TrimPrefix(strings.TrimPrefix(instance, "https://"), "http://"),
		Hashtag:  strings.TrimPrefix(strings.TrimSpace(hashtag), "#"),
		BaseURL:  base,
		client:   client,
	}
}

func (m *Mastodon) Name() string {
	return fmt.Sprintf("mastodon:%s#%s", m.Instance, m.Hashtag)
}

func (m *Mastodon) Platform() post.Platform {
	return post.PlatformMastodon
}

type mastodonCursor struct {
	MaxID string `json:"max_id"`
}

func (m *Mastodon) Pull(ctx context.Context, cursor json.RawMessage) (Batch, error) {
	var cur mastodonCursor
	if len(cursor) > 0 {
		if err := json.Unmarshal(cursor, &cur); err != nil {
			return Batch{}, Fatal(fmt.Errorf("decode mastodon cursor: %w", err))
		}
	}

	endpoint := fmt.Sprintf("%s/api/v1/timelines/tag/%s",
		strings.TrimRight(m.BaseURL, "/"), url.PathEscape(m.Hashtag))
	query := url.Values{}
	query.Set("limit", fmt.Sprintf("%d", mastodonPageSize))
	if cur.MaxID != "" {
		query.Set("max_id", cur.MaxID)
	}

	var statuses []json.RawMessage
	if err := m.client.GetJSON(ctx, endpoint+"?"+query.Encode(), &statuses); err != nil {
		return Batch{}, err
	}

	batch := Batch{
		Records: make([]Raw, 0, len(statuses)),
	}
	var lastID string
	for _, status := range statuses {
		batch.Records = append(batch.Records, Raw{
			Platform: post.PlatformMastodon,
			Payload:  status,
		})
		var idOnly struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(status, &idOnly); err == nil && idOnly.ID != "" {
			lastID = idOnly.ID
		}
	}

	if len(statuses) == 0 || lastID == "" {
		batch.Exhausted = true
		return batch, nil
	}

	next, err := json.Marshal(mastodonCursor{MaxID: lastID})
	if err != nil {
		return Batch{}, fmt.Errorf("encode mastodon cursor: %w", err)
	}
	batch.Next = next
	return batch, nil
}
