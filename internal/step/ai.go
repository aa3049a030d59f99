package step

import (
	"context"
	"log/slog"

	"github.com/kalambet/datamachine/internal/flow"
	"github.com/kalambet/datamachine/internal/log"
	"github.com/kalambet/datamachine/internal/packet"
)

// AIExecutor sends the latest packet to an AI handler and prepends an entry
// carrying its annotations. A failed call is recorded as an unsuccessful
// entry; unless the step is strict the job continues past it.
type AIExecutor struct {
	dispatch *Dispatcher
	logger   *slog.Logger
}

func (x *AIExecutor) Execute(ctx context.Context, in Input) Outcome {
	s := in.Step
	raw, err := flow.DecodeConfig(s)
	if err != nil {
		return unchanged(in, nil, flow.Wrap(flow.KindConfiguration, s.ID, s.Handler, err))
	}
	cfg := raw.(*flow.AIConfig)

	desc, ferr := x.dispatch.Lookup(s)
	if ferr != nil {
		return unchanged(in, nil, ferr)
	}

	prev := latest(in)
	c, ferr := x.dispatch.Prepare(desc, s, cfg, prev, nil)
	if ferr != nil {
		return unchanged(in, c.request, ferr)
	}
	out, ferr := x.dispatch.Invoke(ctx, s, c)
	if ferr != nil {
		x.logger.Warn("ai step failed",
			log.JobID(in.JobID), log.StepID(s.ID), slog.Bool("strict", cfg.Strict), log.Error(ferr))
		o := unchanged(in, c.request, ferr)
		o.Packets = in.Packets.Prepend(mark(packet.Failure(prev, ferr), s))
		o.Recoverable = !cfg.Strict
		return o
	}

	entry := packet.FromAnnotations(prev, annotations(out))
	return Outcome{
		Packets:  in.Packets.Prepend(mark(entry, s)),
		Request:  c.request,
		Response: out,
	}
}

// annotations extracts the fields an AI handler contributes. Handlers return
// them under "annotations"; a replacement title or body may sit at the top
// level.
func annotations(out map[string]any) map[string]any {
	a := make(map[string]any)
	if m, ok := out["annotations"].(map[string]any); ok {
		for k, v := range m {
			a[k] = v
		}
	}
	for _, k := range []string{packet.KeyTitle, packet.KeyBody} {
		if v, ok := out[k].(string); ok && v != "" {
			a[k] = v
		}
	}
	return a
}
