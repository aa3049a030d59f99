// Package wordpress publishes and updates posts through the WordPress REST
// API. It registers under the same slug as an output handler (publish) and
// an update handler (update existing posts).
package wordpress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"

	"github.com/kalambet/datamachine/internal/handler"
)

const Slug = "wordpress"

type Options struct {
	BaseURL     string
	Username    string
	AppPassword string
	Timeout     time.Duration
}

// Register adds the wordpress update and output handlers to r.
func Register(r *handler.Registry, opts Options) error {
	if opts.BaseURL == "" {
		return errors.New("wordpress: base URL is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	c := &client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(opts.BaseURL, "/")+"/wp-json/wp/v2").
			SetTimeout(opts.Timeout).
			SetBasicAuth(opts.Username, opts.AppPassword).
			SetHeader("Content-Type", "application/json"),
	}

	if err := r.Register(handler.Descriptor{
		Slug:  Slug,
		Type:  handler.TypeUpdate,
		Label: "WordPress post update",
		Tools: []handler.Tool{{
			Definition: mcp.NewTool("update_post",
				mcp.WithDescription("Update the post identified by original_id"),
				mcp.WithString("original_id", mcp.Required()),
				mcp.WithString("title"),
				mcp.WithString("body"),
				mcp.WithString("excerpt"),
				mcp.WithString("status", mcp.Enum("publish", "draft", "pending", "private")),
			),
			Call: c.update,
		}},
	}); err != nil {
		return err
	}

	return r.Register(handler.Descriptor{
		Slug:  Slug,
		Type:  handler.TypeOutput,
		Label: "WordPress publish",
		Tools: []handler.Tool{{
			Definition: mcp.NewTool("publish_post",
				mcp.WithDescription("Create a new post from the content"),
				mcp.WithString("title", mcp.Required()),
				mcp.WithString("body"),
				mcp.WithString("excerpt"),
				mcp.WithString("status", mcp.Enum("publish", "draft", "pending", "private")),
			),
			Call: c.publish,
		}},
	})
}

type client struct {
	http *resty.Client
}

func (c *client) update(ctx context.Context, args map[string]any) (map[string]any, error) {
	id, err := handler.RequireString(args, "original_id")
	if err != nil {
		return nil, err
	}
	post := postFields(args)
	if len(post) == 0 {
		return nil, errors.New("nothing to update")
	}
	return c.send(ctx, "/posts/"+id, post)
}

func (c *client) publish(ctx context.Context, args map[string]any) (map[string]any, error) {
	post := postFields(args)
	if post["title"] == nil {
		return nil, errors.New("publish needs a title")
	}
	if post["status"] == nil {
		post["status"] = "draft"
	}
	out, err := c.send(ctx, "/posts", post)
	if err != nil {
		return nil, err
	}
	out["success"] = true
	return out, nil
}

func (c *client) send(ctx context.Context, path string, post map[string]any) (map[string]any, error) {
	resp, err := c.http.R().SetContext(ctx).SetBody(post).Post(path)
	if err != nil {
		return nil, fmt.Errorf("wordpress %s: %w", path, err)
	}
	body := gjson.ParseBytes(resp.Body())
	if resp.IsError() {
		msg := body.Get("message").String()
		if msg == "" {
			msg = resp.Status()
		}
		return nil, fmt.Errorf("wordpress %s: %d %s", path, resp.StatusCode(), msg)
	}
	return map[string]any{
		"post_id":  body.Get("id").String(),
		"link":     body.Get("link").String(),
		"status":   body.Get("status").String(),
		"modified": body.Get("modified_gmt").String(),
	}, nil
}

// postFields maps content fields onto the WordPress post schema.
func postFields(args map[string]any) map[string]any {
	post := map[string]any{}
	if v := handler.String(args, "title"); v != "" {
		post["title"] = v
	}
	if v := handler.String(args, "body"); v != "" {
		post["content"] = v
	}
	excerpt := handler.String(args, "excerpt")
	if excerpt == "" {
		excerpt = handler.String(args, "summary")
	}
	if excerpt != "" {
		post["excerpt"] = excerpt
	}
	if v := handler.String(args, "status"); v != "" {
		post["status"] = v
	}
	return post
}
