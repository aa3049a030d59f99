// Package files is an input handler that reads text, Markdown, and PDF
// documents from a directory tree.
package files

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/datamachine/internal/handler"
)

const Slug = "files"

var ErrOutsideRoot = errors.New("path escapes the files root")

// maxFileSize bounds how much of one file becomes an item body.
const maxFileSize = 5 << 20

// Register adds the files input handler to r. Every path a step names is
// resolved inside root.
func Register(r *handler.Registry, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolving files root: %w", err)
	}
	rd := &reader{root: abs}
	return r.Register(handler.Descriptor{
		Slug:  Slug,
		Type:  handler.TypeInput,
		Label: "Local documents",
		Tools: []handler.Tool{{
			Definition: mcp.NewTool("read_files",
				mcp.WithDescription("Read .txt, .md and .pdf files, newest first"),
				mcp.WithString("path", mcp.Description("Directory relative to the files root")),
				mcp.WithString("pattern", mcp.Description("Glob matched against file names, default *")),
				mcp.WithNumber("max_items"),
			),
			Call: rd.read,
		}},
	})
}

type reader struct {
	root string
}

type found struct {
	rel     string
	path    string
	modTime time.Time
}

func (rd *reader) read(ctx context.Context, args map[string]any) (map[string]any, error) {
	dir, err := rd.resolve(handler.String(args, "path"))
	if err != nil {
		return nil, err
	}
	pattern := handler.String(args, "pattern")
	if pattern == "" {
		pattern = "*"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}

	var matches []found
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !supported(path) {
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(rd.root, path)
		matches = append(matches, found{rel: filepath.ToSlash(rel), path: path, modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].modTime.Equal(matches[j].modTime) {
			return matches[i].modTime.After(matches[j].modTime)
		}
		return matches[i].rel < matches[j].rel
	})

	limit := handler.Int(args, "max_items", len(matches))
	items := []any{}
	for _, m := range matches {
		if len(items) >= limit {
			break
		}
		body, err := extract(m.path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", m.rel, err)
		}
		items = append(items, map[string]any{
			"id":          m.rel,
			"title":       title(m.path, body),
			"body":        body,
			"source_url":  "file://" + filepath.ToSlash(m.path),
			"modified_at": m.modTime.UTC().Format(time.RFC3339),
		})
	}
	return map[string]any{"items": items}, nil
}

func (rd *reader) resolve(rel string) (string, error) {
	p := filepath.Join(rd.root, filepath.FromSlash(rel))
	if p != rd.root && !strings.HasPrefix(p, rd.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", rel, ErrOutsideRoot)
	}
	return p, nil
}

func supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown", ".pdf":
		return true
	}
	return false
}

func extract(path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return pdfText(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(io.LimitReader(f, maxFileSize))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func pdfText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	text, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	b, err := io.ReadAll(io.LimitReader(text, maxFileSize))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// title is the first Markdown heading of body, or the file name without its
// extension.
func title(path, body string) string {
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".md" || ext == ".markdown" {
		sc := bufio.NewScanner(strings.NewReader(body))
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if strings.HasPrefix(line, "# ") {
				return strings.TrimSpace(line[2:])
			}
		}
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
