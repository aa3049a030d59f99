package step

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/expr-lang/expr"
	"github.com/mitchellh/mapstructure"

	"github.com/kalambet/datamachine/internal/flow"
	"github.com/kalambet/datamachine/internal/log"
	"github.com/kalambet/datamachine/internal/packet"
)

// InputExecutor fetches items from an input handler and prepends an entry
// built from the first item that passes the step's filter and has not been
// processed by this step before. It only reads the ledger; the job marks the
// item once it completes.
type InputExecutor struct {
	dispatch *Dispatcher
	ledger   Ledger
	logger   *slog.Logger
}

func (x *InputExecutor) Execute(ctx context.Context, in Input) Outcome {
	s := in.Step
	raw, err := flow.DecodeConfig(s)
	if err != nil {
		return unchanged(in, nil, flow.Wrap(flow.KindConfiguration, s.ID, s.Handler, err))
	}
	cfg := raw.(*flow.InputConfig)

	desc, ferr := x.dispatch.Lookup(s)
	if ferr != nil {
		x.logger.Error("input handler not found", log.JobID(in.JobID), log.StepID(s.ID), log.Handler(s.Handler))
		return unchanged(in, nil, ferr)
	}

	c, ferr := x.dispatch.Prepare(desc, s, cfg, latest(in), map[string]any{"max_items": cfg.MaxItems})
	if ferr != nil {
		return unchanged(in, c.request, ferr)
	}
	out, ferr := x.dispatch.Invoke(ctx, s, c)
	if ferr != nil {
		return unchanged(in, c.request, ferr)
	}

	items, err := decodeItems(out["items"])
	if err != nil {
		return x.invalid(in, c, out, err)
	}
	fetched := len(items)
	if items, err = filterItems(items, cfg.Filter); err != nil {
		return x.invalid(in, c, out, err)
	}
	if len(items) > cfg.MaxItems {
		items = items[:cfg.MaxItems]
	}
	if cfg.SkipProcessed {
		if items, err = x.unprocessed(s.ID, items); err != nil {
			return x.invalid(in, c, out, err)
		}
	}

	entry, err := packet.FromItems(items)
	if err != nil {
		x.logger.Info("input step produced no entry",
			log.JobID(in.JobID), log.StepID(s.ID), slog.Int("fetched", fetched), log.Error(err))
		return x.invalid(in, c, out, err)
	}

	res := Outcome{
		Packets:  in.Packets.Prepend(mark(entry, s)),
		Request:  c.request,
		Response: out,
	}
	if cfg.SkipProcessed {
		res.ItemID = items[0].ID
	}
	return res
}

func (x *InputExecutor) invalid(in Input, c call, out map[string]any, err error) Outcome {
	o := unchanged(in, c.request, flow.Wrap(flow.KindDataValidation, in.Step.ID, in.Step.Handler, err))
	if out != nil {
		o.Response = out
	}
	return o
}

func (x *InputExecutor) unprocessed(stepID string, items []packet.Item) ([]packet.Item, error) {
	if x.ledger == nil {
		return items, nil
	}
	kept := items[:0:0]
	for _, it := range items {
		if it.ID == "" {
			kept = append(kept, it)
			continue
		}
		done, err := x.ledger.IsProcessed(stepID, it.ID)
		if err != nil {
			return nil, fmt.Errorf("checking processed items: %w", err)
		}
		if !done {
			kept = append(kept, it)
		}
	}
	return kept, nil
}

// decodeItems converts the handler's "items" field into packet items.
func decodeItems(raw any) ([]packet.Item, error) {
	if raw == nil {
		return nil, nil
	}
	var items []packet.Item
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &items,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("decoding items: %w: %v", packet.ErrInvalidInput, err)
	}
	return items, nil
}

// filterItems keeps the items for which the filter expression is true.
func filterItems(items []packet.Item, filter string) ([]packet.Item, error) {
	if filter == "" {
		return items, nil
	}
	program, err := flow.CompileFilter(filter)
	if err != nil {
		return nil, err
	}
	kept := items[:0:0]
	for _, it := range items {
		res, err := expr.Run(program, itemEnv(it))
		if err != nil {
			return nil, fmt.Errorf("evaluating filter on item %q: %w", it.ID, err)
		}
		ok, isBool := res.(bool)
		if !isBool {
			return nil, errors.New("filter did not return a boolean")
		}
		if ok {
			kept = append(kept, it)
		}
	}
	return kept, nil
}

func itemEnv(it packet.Item) map[string]any {
	env := make(map[string]any, len(it.Fields)+5)
	for k, v := range it.Fields {
		env[k] = v
	}
	env["id"] = it.ID
	env["title"] = it.Title
	env["body"] = it.Body
	env["source_url"] = it.SourceURL
	tags := make([]any, len(it.Tags))
	for i, t := range it.Tags {
		tags[i] = t
	}
	env["tags"] = tags
	return env
}
