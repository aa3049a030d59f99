// Package webhook is an output handler that POSTs the delivered content as
// JSON to a configured URL.
package webhook

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/datamachine/internal/handler"
)

const Slug = "webhook"

// Register adds the webhook output handler to r.
func Register(r *handler.Registry, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	p := &poster{
		client: resty.New().
			SetTimeout(timeout).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond).
			SetHeader("Content-Type", "application/json").
			SetHeader("User-Agent", "datamachine"),
	}
	return r.Register(handler.Descriptor{
		Slug:  Slug,
		Type:  handler.TypeOutput,
		Label: "Webhook",
		Tools: []handler.Tool{{
			Definition: mcp.NewTool("post",
				mcp.WithDescription("POST the content as JSON"),
				mcp.WithString("url", mcp.Required()),
				mcp.WithObject("headers"),
			),
			Call: p.post,
		}},
	})
}

type poster struct {
	client *resty.Client
}

func (p *poster) post(ctx context.Context, args map[string]any) (map[string]any, error) {
	url, err := handler.RequireString(args, "url")
	if err != nil {
		return nil, err
	}

	payload := make(map[string]any, len(args))
	for k, v := range args {
		if k == "url" || k == "headers" {
			continue
		}
		payload[k] = v
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetHeaders(handler.StringMap(args, "headers")).
		SetBody(payload).
		Post(url)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"status_code": resp.StatusCode()}
	if resp.IsError() {
		out["success"] = false
		out["error"] = resp.Status()
		return out, nil
	}
	out["success"] = true
	return out, nil
}
