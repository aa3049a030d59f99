// Package rss is an input handler that reads items from RSS, Atom, and JSON
// feeds.
package rss

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mmcdole/gofeed"

	"github.com/kalambet/datamachine/internal/handler"
	"github.com/kalambet/datamachine/internal/handlers/htmltext"
)

const Slug = "rss"

// Register adds the rss input handler to r. A nil client uses a default
// client with a 30s timeout.
func Register(r *handler.Registry, client *http.Client) error {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	f := &fetcher{client: client}
	return r.Register(handler.Descriptor{
		Slug:  Slug,
		Type:  handler.TypeInput,
		Label: "RSS / Atom feed",
		Tools: []handler.Tool{{
			Definition: mcp.NewTool("fetch_items",
				mcp.WithDescription("Fetch the newest items from a feed"),
				mcp.WithString("feed_url", mcp.Required(), mcp.Description("Feed URL")),
				mcp.WithNumber("max_items", mcp.Description("Maximum number of items to return")),
			),
			Call: f.fetch,
		}},
	})
}

type fetcher struct {
	client *http.Client
}

func (f *fetcher) fetch(ctx context.Context, args map[string]any) (map[string]any, error) {
	url, err := handler.RequireString(args, "feed_url")
	if err != nil {
		return nil, err
	}

	fp := gofeed.NewParser()
	fp.Client = f.client
	feed, err := fp.ParseURLWithContext(url, ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching feed %s: %w", url, err)
	}

	limit := handler.Int(args, "max_items", len(feed.Items))
	items := make([]any, 0, len(feed.Items))
	for _, it := range feed.Items {
		if len(items) >= limit {
			break
		}
		items = append(items, toItem(it))
	}
	return map[string]any{
		"feed_title": feed.Title,
		"items":      items,
	}, nil
}

func toItem(it *gofeed.Item) map[string]any {
	body := it.Content
	if body == "" {
		body = it.Description
	}

	id := it.GUID
	if id == "" {
		id = it.Link
	}

	out := map[string]any{
		"id":         id,
		"title":      strings.TrimSpace(it.Title),
		"body":       htmltext.Extract(body),
		"source_url": it.Link,
	}
	if len(it.Categories) > 0 {
		tags := make([]any, len(it.Categories))
		for i, c := range it.Categories {
			tags[i] = c
		}
		out["tags"] = tags
	}
	if it.PublishedParsed != nil {
		out["published_at"] = it.PublishedParsed.UTC().Format(time.RFC3339)
	}
	if len(it.Authors) > 0 && it.Authors[0] != nil {
		out["author"] = it.Authors[0].Name
	}

	var attachments []any
	for _, enc := range it.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		a := map[string]any{"url": enc.URL, "mime_type": enc.Type}
		if n, err := strconv.ParseInt(enc.Length, 10, 64); err == nil {
			a["size"] = n
		}
		attachments = append(attachments, a)
	}
	if it.Image != nil && it.Image.URL != "" {
		attachments = append(attachments, map[string]any{"url": it.Image.URL, "name": it.Image.Title})
	}
	if len(attachments) > 0 {
		out["attachments"] = attachments
	}
	return out
}
