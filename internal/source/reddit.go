package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/gauravfs-14/socflow/internal/post"
)

const defaultRedditBaseURL = "https://www.reddit.com"

const redditPageSize = 100

// Reddit pulls new submissions from a single subreddit through the
// public listing endpoint.
type Reddit struct {
	Subreddit string
	BaseURL   string
	client    *Client
}

func NewReddit(subreddit string, client *Client) *Reddit {
	return &Reddit{
		Subreddit: strings.TrimPrefix(strings.TrimSpace(subreddit), "r/"),
		BaseURL:   defaultRedditBaseURL,
		client:    client,
	}
}

func (r *Reddit) Name() string {
	return "reddit:r/" + r.Subreddit
}

func (r *Reddit) Platform() post.Platform {
	return post.PlatformReddit
}

type redditCursor struct {
	After string `json:"after"`
}

type redditListing struct {
	Data struct {
		After    string `json:"after"`
		Children []struct {
			Data json.RawMessage `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

func (r *Reddit) Pull(ctx context.Context, cursor json.RawMessage) (Batch, error) {
	var cur redditCursor
	if len(cursor) > 0 {
		if err := json.Unmarshal(cursor, &cur); err != nil {
			return Batch{}, Fatal(fmt.Errorf("decode reddit cursor: %w", err))
		}
	}

	endpoint := fmt.Sprintf("%s/r/%s/new.json", strings.TrimRight(r.BaseURL, "/"), url.PathEscape(r.Subreddit))
	query := url.Values{}
	query.Set("limit", fmt.Sprintf("%d", redditPageSize))
	query.Set("raw_json", "1")
	if cur.After != "" {
		query.Set("after", cur.After)
	}

	var listing redditListing
	if err := r.client.GetJSON(ctx, endpoint+"?"+query.Encode(), &listing); err != nil {
		return Batch{}, err
	}

	batch := Batch{
		Records: make([]Raw, 0, len(listing.Data.Children)),
	}
	for _, child := range listing.Data.Children {
		if len(child.Data) == 0 {
			continue
		}
		batch.Records = append(batch.Records, Raw{
			Platform: post.PlatformReddit,
			Payload:  child.Data,
		})
	}

	if listing.Data.After == "" || len(batch.Records) == 0 {
		batch.Exhausted = true
		return batch, nil
	}

	next, err := json.Marshal(redditCursor{After: listing.Data.After})
	if err != nil {
		return Batch{}, fmt.Errorf("encode reddit cursor: %w", err)
	}
	batch.Next = next
	return batch, nil
}
