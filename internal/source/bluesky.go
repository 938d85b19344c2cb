package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/gauravfs-14/socflow/internal/post"
)

const defaultBlueskyBaseURL = "https://public.api.bsky.app"

const blueskyPageSize = 100

// Bluesky searches public posts by keyword through the unauthenticated
// AppView API.
type Bluesky struct {
	Keyword string
	BaseURL string
	client  *Client
}

func NewBluesky(keyword string, client *Client) *Bluesky {
	return &Bluesky{
		Keyword: strings.TrimSpace(keyword),
		BaseURL: defaultBlueskyBaseURL,
		client:  client,
	}
}

func (b *Bluesky) Name() string {
	return "bluesky:" + b.Keyword
}

func (b *Bluesky) Platform() post.Platform {
	return post.PlatformBluesky
}

type blueskyCursor struct {
	Cursor string `json:"cursor"`
}

type blueskySearchResponse struct {
	Cursor string            `json:"cursor"`
	Posts  []json.RawMessage `json:"posts"`
}

func (b *Bluesky) Pull(ctx context.Context, cursor json.RawMessage) (Batch, error) {
	var cur blueskyCursor
	if len(cursor) > 0 {
		if err := json.Unmarshal(cursor, &cur); err != nil {
			return Batch{}, Fatal(fmt.Errorf("decode bluesky cursor: %w", err))
		}
	}

	endpoint := strings.TrimRight(b.BaseURL, "/") + "/xrpc/app.bsky.feed.searchPosts"
	query := url.Values{}
	query.Set("q", b.Keyword)
	query.Set("limit", fmt.Sprintf("%d", blueskyPageSize))
	query.Set("sort", "latest")
	if cur.Cursor != "" {
		query.Set("cursor", cur.Cursor)
	}

	var resp blueskySearchResponse
	if err := b.client.GetJSON(ctx, endpoint+"?"+query.Encode(), &resp); err != nil {
		return Batch{}, err
	}

	batch := Batch{
		Records: make([]Raw, 0, len(resp.Posts)),
	}
	for _, p := range resp.Posts {
		batch.Records = append(batch.Records, Raw{
			Platform: post.PlatformBluesky,
			Payload:  p,
		})
	}

	if resp.Cursor == "" || len(batch.Records) == 0 {
		batch.Exhausted = true
		return batch, nil
	}

	next, err := json.Marshal(blueskyCursor{Cursor: resp.Cursor})
	if err != nil {
		return Batch{}, fmt.Errorf("encode bluesky cursor: %w", err)
	}
	batch.Next = next
	return batch, nil
}
