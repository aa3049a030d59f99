package step

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/datamachine/internal/flow"
	"github.com/kalambet/datamachine/internal/log"
	"github.com/kalambet/datamachine/internal/packet"
)

// OutputExecutor delivers the latest packet to an external destination and
// prepends an entry with the delivery result.
type OutputExecutor struct {
	dispatch *Dispatcher
	logger   *slog.Logger
}

func (x *OutputExecutor) Execute(ctx context.Context, in Input) Outcome {
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
	c, ferr := x.dispatch.Prepare(desc, s, cfg, prev, nil)
	if ferr != nil {
		return unchanged(in, c.request, ferr)
	}
	out, ferr := x.dispatch.Invoke(ctx, s, c)
	if ferr == nil {
		// Handlers may report a refused delivery without failing the call.
		if ok, isBool := out["success"].(bool); isBool && !ok {
			ferr = flow.Errorf(flow.KindHandlerExecution, s.ID, "delivery refused: %s", fmt.Sprint(out["error"]))
		}
	}
	if ferr != nil {
		x.logger.Warn("output delivery failed", log.JobID(in.JobID), log.StepID(s.ID), log.Handler(s.Handler), log.Error(ferr))
		o := unchanged(in, c.request, ferr)
		if out != nil {
			o.Response = out
		}
		o.Packets = in.Packets.Prepend(mark(packet.Failure(prev, ferr), s))
		return o
	}

	return Outcome{
		Packets:  in.Packets.Prepend(mark(packet.FromDelivery(prev, out), s)),
		Request:  c.request,
		Response: out,
	}
}
