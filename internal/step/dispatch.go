package step

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kalambet/datamachine/internal/flow"
	"github.com/kalambet/datamachine/internal/handler"
	"github.com/kalambet/datamachine/internal/log"
	"github.com/kalambet/datamachine/internal/packet"
)

// annotationKeys are AI-derived content fields forwarded to handlers in
// addition to any ai_-prefixed key.
var annotationKeys = map[string]bool{
	"summary":   true,
	"tags":      true,
	"category":  true,
	"excerpt":   true,
	"sentiment": true,
	"keywords":  true,
}

// privateKeys are step settings never forwarded to a handler. Handlers get
// credentials from their own configuration.
var privateKeys = map[string]bool{
	"auth":         true,
	"api_key":      true,
	"token":        true,
	"password":     true,
	"app_password": true,
	"secret":       true,
	"username":     true,
	"credentials":  true,
}

// Dispatcher resolves a step's handler and invokes its tool.
type Dispatcher struct {
	registry *handler.Registry
	caller   Caller
	logger   *slog.Logger
}

// call is one resolved tool invocation.
type call struct {
	desc    handler.Descriptor
	tool    string
	args    map[string]any
	request map[string]any
}

// Lookup finds the handler a step is bound to.
func (d *Dispatcher) Lookup(s flow.Step) (handler.Descriptor, *flow.Error) {
	desc, err := d.registry.Lookup(s.Type, s.Handler)
	if err != nil {
		return handler.Descriptor{}, flow.Wrap(flow.KindHandlerNotFound, s.ID, s.Handler, err)
	}
	return desc, nil
}

// Prepare builds the tool arguments from the latest packet and the step
// settings, and selects the tool.
func (d *Dispatcher) Prepare(desc handler.Descriptor, s flow.Step, cfg flow.Config, latest packet.Entry, extra map[string]any) (call, *flow.Error) {
	args := ResolveParams(latest)
	for k, v := range d.handlerSettings(s, cfg) {
		args[k] = v
	}
	for k, v := range extra {
		args[k] = v
	}

	tool, err := desc.Tool(cfg.ToolName())
	c := call{desc: desc, args: args}
	c.request = map[string]any{
		"handler":   desc.Slug,
		"tool":      cfg.ToolName(),
		"arguments": args,
	}
	if err != nil {
		return c, flow.Wrap(flow.KindHandlerExecution, s.ID, s.Handler, err)
	}
	c.tool = tool.Name()
	c.request["tool"] = c.tool
	return c, nil
}

// Invoke runs the prepared call through the tool-calling path.
func (d *Dispatcher) Invoke(ctx context.Context, s flow.Step, c call) (map[string]any, *flow.Error) {
	out, err := d.caller.Call(ctx, c.desc, c.tool, c.args)
	if err != nil {
		d.logger.Warn("handler tool failed",
			log.StepID(s.ID), log.Handler(s.Handler), log.Tool(c.tool), log.Error(err))
		return nil, flow.Wrap(flow.KindHandlerExecution, s.ID, s.Handler, err)
	}
	return out, nil
}

// ResolveParams flattens the fields of a packet entry that handlers consume:
// title and body, the carry-over identifiers, and AI annotations.
func ResolveParams(e packet.Entry) map[string]any {
	p := make(map[string]any)
	if v, ok := e.Content[packet.KeyTitle]; ok {
		p[packet.KeyTitle] = v
	}
	if v, ok := e.Content[packet.KeyBody]; ok {
		p[packet.KeyBody] = v
	}
	if id := e.OriginalID(); id != "" {
		p[packet.MetaOriginalID] = id
	}
	if u := e.SourceURL(); u != "" {
		p[packet.MetaSourceURL] = u
	}
	for k, v := range e.Content {
		if annotationKeys[k] || strings.HasPrefix(k, "ai_") {
			p[k] = v
		}
	}
	return p
}

func (d *Dispatcher) handlerSettings(s flow.Step, cfg flow.Config) map[string]any {
	out := make(map[string]any)
	for k, v := range cfg.Params() {
		if strings.HasPrefix(k, "_") || privateKeys[strings.ToLower(k)] {
			d.logger.Debug("dropping private step setting", log.StepID(s.ID), slog.String("key", k))
			continue
		}
		out[k] = v
	}
	return out
}
