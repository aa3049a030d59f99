// Package export is an output handler that writes delivered content as an
// object to a blob bucket (local directory, S3, GCS, or in-memory).
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"gocloud.dev/blob"

	"github.com/kalambet/datamachine/internal/handler"
)

const Slug = "export"

var ErrBucketRequired = errors.New("bucket is required")

// BucketWriter is the part of *blob.Bucket the handler writes through.
type BucketWriter interface {
	WriteAll(ctx context.Context, key string, p []byte, opts *blob.WriterOptions) error
}

var unsafeKey = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Register adds the export output handler to r. Objects are written under
// prefix.
func Register(r *handler.Registry, bucket BucketWriter, prefix string) error {
	if bucket == nil {
		return ErrBucketRequired
	}
	w := &writer{bucket: bucket, prefix: prefix, now: time.Now}
	return r.Register(handler.Descriptor{
		Slug:  Slug,
		Type:  handler.TypeOutput,
		Label: "Blob export",
		Tools: []handler.Tool{{
			Definition: mcp.NewTool("write_object",
				mcp.WithDescription("Write the content to the export bucket"),
				mcp.WithString("format", mcp.Enum("json", "markdown")),
				mcp.WithString("folder", mcp.Description("key folder below the bucket prefix")),
				mcp.WithString("title"),
				mcp.WithString("body"),
			),
			Call: w.write,
		}},
	})
}

type writer struct {
	bucket BucketWriter
	prefix string
	now    func() time.Time
}

func (w *writer) write(ctx context.Context, args map[string]any) (map[string]any, error) {
	title := handler.String(args, "title")
	body := handler.String(args, "body")
	if title == "" && body == "" {
		return map[string]any{"success": false, "error": "nothing to export"}, nil
	}

	format := handler.String(args, "format")
	var (
		data        []byte
		ext         string
		contentType string
	)
	switch format {
	case "", "json":
		doc := make(map[string]any, len(args))
		for k, v := range args {
			if k == "format" || k == "folder" {
				continue
			}
			doc[k] = v
		}
		doc["exported_at"] = w.now().UTC().Format(time.RFC3339)
		b, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, err
		}
		data, ext, contentType = b, ".json", "application/json"
	case "markdown":
		data, ext, contentType = markdown(title, body, args), ".md", "text/markdown; charset=utf-8"
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}

	key := w.key(handler.String(args, "folder"), handler.String(args, "original_id"), ext)
	if err := w.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: contentType}); err != nil {
		return nil, fmt.Errorf("writing %s: %w", key, err)
	}
	return map[string]any{"success": true, "key": key, "bytes": len(data)}, nil
}

// key builds prefix/folder/YYYY/MM/DD/<id><ext>. Items without an id get a
// random name.
func (w *writer) key(folder, id, ext string) string {
	name := strings.Trim(unsafeKey.ReplaceAllString(id, "-"), "-")
	if name == "" {
		name = uuid.NewString()
	}
	return path.Join(w.prefix, folder, w.now().UTC().Format("2006/01/02"), name+ext)
}

func markdown(title, body string, args map[string]any) []byte {
	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "# %s\n\n", title)
	}
	if s := handler.String(args, "summary"); s != "" {
		fmt.Fprintf(&b, "> %s\n\n", s)
	}
	b.WriteString(body)
	if u := handler.String(args, "source_url"); u != "" {
		fmt.Fprintf(&b, "\n\nSource: %s\n", u)
	}
	return []byte(b.String())
}
