// Package ollamaai is the AI handler backed by a local Ollama model. It
// annotates content with a summary, tags, and related fields, and can
// rewrite content.
package ollamaai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"

	"github.com/kalambet/datamachine/internal/handler"
	"github.com/kalambet/datamachine/internal/ollama"
)

const Slug = "ollama"

// maxBodyChars bounds the content sent to the model, in characters.
const maxBodyChars = 12000

// Chatter is the part of the Ollama client the handler uses.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, schema *ollama.Schema) (string, error)
}

const defaultSystemPrompt = `You are an editorial assistant. You receive one article and answer only with JSON matching the requested schema. Be factual and concise.`

const defaultAnnotatePrompt = `Summarize the article in at most three sentences, list up to five topical tags, pick a single category, write a one-sentence excerpt, classify the sentiment as positive, neutral or negative, and list the key terms.`

const defaultRewritePrompt = `Rewrite the article for a general audience. Keep every fact. Return the new title and body.`

var annotationSchema = &ollama.Schema{
	Type: "object",
	Properties: map[string]ollama.SchemaProperty{
		"summary":   {Type: "string"},
		"tags":      {Type: "array", Items: &ollama.SchemaProperty{Type: "string"}},
		"category":  {Type: "string"},
		"excerpt":   {Type: "string"},
		"sentiment": {Type: "string", Description: "positive, neutral or negative"},
		"keywords":  {Type: "array", Items: &ollama.SchemaProperty{Type: "string"}},
	},
	Required: []string{"summary"},
}

var rewriteSchema = &ollama.Schema{
	Type: "object",
	Properties: map[string]ollama.SchemaProperty{
		"title": {Type: "string"},
		"body":  {Type: "string"},
	},
	Required: []string{"title", "body"},
}

// Register adds the ollama AI handler to r. defaultModel is used when a step
// names no model.
func Register(r *handler.Registry, chat Chatter, defaultModel string) error {
	if chat == nil {
		return errors.New("ollama handler needs a chat client")
	}
	a := &annotator{chat: chat, model: defaultModel}
	return r.Register(handler.Descriptor{
		Slug:  Slug,
		Type:  handler.TypeAI,
		Label: "Ollama",
		Tools: []handler.Tool{
			{
				Definition: mcp.NewTool("annotate",
					mcp.WithDescription("Summarize and tag the content"),
					mcp.WithString("title"),
					mcp.WithString("body"),
					mcp.WithString("model"),
					mcp.WithString("prompt"),
					mcp.WithString("system_prompt"),
				),
				Call: a.annotate,
			},
			{
				Definition: mcp.NewTool("rewrite",
					mcp.WithDescription("Rewrite the title and body"),
					mcp.WithString("title"),
					mcp.WithString("body"),
					mcp.WithString("model"),
					mcp.WithString("prompt"),
					mcp.WithString("system_prompt"),
				),
				Call: a.rewrite,
			},
		},
	})
}

type annotator struct {
	chat  Chatter
	model string
}

func (a *annotator) annotate(ctx context.Context, args map[string]any) (map[string]any, error) {
	raw, model, err := a.ask(ctx, args, defaultAnnotatePrompt, annotationSchema)
	if err != nil {
		return nil, err
	}

	doc := gjson.Parse(raw)
	summary := strings.TrimSpace(doc.Get("summary").String())
	if summary == "" {
		return nil, fmt.Errorf("model %s returned no summary", model)
	}

	ann := map[string]any{"summary": summary}
	for _, k := range []string{"category", "excerpt", "sentiment"} {
		if v := strings.TrimSpace(doc.Get(k).String()); v != "" {
			ann[k] = v
		}
	}
	for _, k := range []string{"tags", "keywords"} {
		if list := stringList(doc.Get(k)); len(list) > 0 {
			ann[k] = list
		}
	}
	ann["ai_model"] = model
	return map[string]any{"annotations": ann}, nil
}

func (a *annotator) rewrite(ctx context.Context, args map[string]any) (map[string]any, error) {
	raw, model, err := a.ask(ctx, args, defaultRewritePrompt, rewriteSchema)
	if err != nil {
		return nil, err
	}

	doc := gjson.Parse(raw)
	title := strings.TrimSpace(doc.Get("title").String())
	body := strings.TrimSpace(doc.Get("body").String())
	if title == "" && body == "" {
		return nil, fmt.Errorf("model %s returned an empty rewrite", model)
	}
	return map[string]any{
		"title":       title,
		"body":        body,
		"annotations": map[string]any{"ai_model": model, "ai_rewritten": true},
	}, nil
}

// ask sends the article to the model and returns its JSON answer.
func (a *annotator) ask(ctx context.Context, args map[string]any, defaultPrompt string, schema *ollama.Schema) (string, string, error) {
	model := handler.String(args, "model")
	if model == "" {
		model = a.model
	}
	if model == "" {
		return "", "", errors.New("no model configured")
	}

	title := handler.String(args, "title")
	body := handler.String(args, "body")
	if strings.TrimSpace(title) == "" && strings.TrimSpace(body) == "" {
		return "", model, errors.New("nothing to send: title and body are empty")
	}
	body = clip(body, maxBodyChars)

	system := handler.String(args, "system_prompt")
	if system == "" {
		system = defaultSystemPrompt
	}
	prompt := handler.String(args, "prompt")
	if prompt == "" {
		prompt = defaultPrompt
	}

	var user strings.Builder
	user.WriteString(prompt)
	user.WriteString("\n\nTitle: ")
	user.WriteString(title)
	user.WriteString("\n\n")
	user.WriteString(body)

	raw, err := a.chat.Chat(ctx, model, []ollama.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user.String()},
	}, schema)
	if err != nil {
		return "", model, err
	}
	raw = strings.TrimSpace(raw)
	if !gjson.Valid(raw) || !gjson.Parse(raw).IsObject() {
		return "", model, fmt.Errorf("model %s returned invalid JSON", model)
	}
	return raw, model, nil
}

func stringList(r gjson.Result) []any {
	var out []any
	switch {
	case r.IsArray():
		for _, e := range r.Array() {
			if s := strings.TrimSpace(e.String()); s != "" {
				out = append(out, s)
			}
		}
	case r.Type == gjson.String:
		for _, p := range strings.Split(r.String(), ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// clip returns the first n characters of s.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
