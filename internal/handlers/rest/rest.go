// Package rest is an input handler that pulls items from a JSON HTTP API.
// Item fields are located with gjson paths, so most list endpoints can be
// consumed without code.
package rest

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"

	"github.com/kalambet/datamachine/internal/handler"
	"github.com/kalambet/datamachine/internal/handlers/htmltext"
)

const Slug = "rest"

// Register adds the rest input handler to r.
func Register(r *handler.Registry, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	p := &puller{
		client: resty.New().
			SetTimeout(timeout).
			SetRetryCount(2).
			SetRetryWaitTime(200 * time.Millisecond).
			SetHeader("Accept", "application/json"),
	}
	return r.Register(handler.Descriptor{
		Slug:  Slug,
		Type:  handler.TypeInput,
		Label: "JSON API",
		Tools: []handler.Tool{{
			Definition: mcp.NewTool("fetch_items",
				mcp.WithDescription("GET a JSON endpoint and map its records to items"),
				mcp.WithString("url", mcp.Required()),
				mcp.WithString("items_path", mcp.Description("gjson path to the record array; empty means the document root")),
				mcp.WithString("id_path", mcp.Description("gjson path to the record id, default id")),
				mcp.WithString("title_path", mcp.Description("default title")),
				mcp.WithString("body_path", mcp.Description("default body")),
				mcp.WithString("url_path", mcp.Description("default url")),
				mcp.WithObject("query", mcp.Description("query parameters")),
				mcp.WithObject("headers", mcp.Description("request headers")),
				mcp.WithNumber("max_items"),
			),
			Call: p.fetch,
		}},
	})
}

type puller struct {
	client *resty.Client
}

func (p *puller) fetch(ctx context.Context, args map[string]any) (map[string]any, error) {
	url, err := handler.RequireString(args, "url")
	if err != nil {
		return nil, err
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetHeaders(handler.StringMap(args, "headers")).
		SetQueryParams(handler.StringMap(args, "query")).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status())
	}
	if !gjson.ValidBytes(resp.Body()) {
		return nil, fmt.Errorf("GET %s: response is not JSON", url)
	}

	doc := gjson.ParseBytes(resp.Body())
	records := doc
	if path := handler.String(args, "items_path"); path != "" {
		records = doc.Get(path)
	}
	if !records.IsArray() {
		return nil, fmt.Errorf("no record array at %q", handler.String(args, "items_path"))
	}

	paths := fieldPaths{
		id:    pathOr(args, "id_path", "id"),
		title: pathOr(args, "title_path", "title"),
		body:  pathOr(args, "body_path", "body"),
		url:   pathOr(args, "url_path", "url"),
	}
	limit := handler.Int(args, "max_items", 0)

	items := []any{}
	records.ForEach(func(_, rec gjson.Result) bool {
		items = append(items, paths.item(rec))
		return limit <= 0 || len(items) < limit
	})
	return map[string]any{"items": items, "status_code": resp.StatusCode()}, nil
}

type fieldPaths struct {
	id, title, body, url string
}

func (fp fieldPaths) item(rec gjson.Result) map[string]any {
	it := map[string]any{
		"id":         rec.Get(fp.id).String(),
		"title":      rec.Get(fp.title).String(),
		"body":       htmltext.Extract(rec.Get(fp.body).String()),
		"source_url": rec.Get(fp.url).String(),
	}
	if tags := rec.Get("tags"); tags.IsArray() {
		var list []any
		for _, t := range tags.Array() {
			if s := t.String(); s != "" {
				list = append(list, s)
			}
		}
		if len(list) > 0 {
			it["tags"] = list
		}
	}
	return it
}

func pathOr(args map[string]any, key, def string) string {
	if p := handler.String(args, key); p != "" {
		return p
	}
	return def
}
