package step

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/datamachine/internal/flow"
	"github.com/kalambet/datamachine/internal/log"
	"github.com/kalambet/datamachine/internal/packet"
)

var now = time.Now

// UpdateExecutor modifies existing content identified by the latest packet's
// original_id.
type UpdateExecutor struct {
	dispatch *Dispatcher
	logger   *slog.Logger
}

func (x *UpdateExecutor) Execute(ctx context.Context, in Input) Outcome {
	s := in.Step
	cfg, err := flow.DecodeConfig(s)
	if err != nil {
		return unchanged(in, nil, flow.Wrap(flow.KindConfiguration, s.ID, s.Handler, err))
	}

	desc, ferr := x.dispatch.Lookup(s)
	if ferr != nil {
		return unchanged(in, nil, ferr)
	}

	prev := latest(in)
	if prev.OriginalID() == "" {
		x.logger.Error("update step has no original_id to target", log.JobID(in.JobID), log.StepID(s.ID))
		return unchanged(in, nil, flow.Errorf(flow.KindDataValidation, s.ID, "latest packet has no original_id"))
	}

	c, ferr := x.dispatch.Prepare(desc, s, cfg, prev, nil)
	if ferr != nil {
		return unchanged(in, c.request, ferr)
	}
	out, ferr := x.dispatch.Invoke(ctx, s, c)
	if ferr != nil {
		o := unchanged(in, c.request, ferr)
		o.Packets = in.Packets.Prepend(mark(packet.Failure(prev, ferr), s))
		return o
	}

	entry := packet.FromUpdate(prev, out, now())
	return Outcome{
		Packets:  in.Packets.Prepend(mark(entry, s)),
		Request:  c.request,
		Response: out,
	}
}
