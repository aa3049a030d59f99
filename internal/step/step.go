// Package step executes one flow step against a job's packet array. Every
// executor returns an Outcome; none of them panics or returns a bare error,
// and none of them removes or reorders existing packets.
package step

import (
	"context"
	"log/slog"

	"github.com/kalambet/datamachine/internal/flow"
	"github.com/kalambet/datamachine/internal/handler"
	"github.com/kalambet/datamachine/internal/packet"
)

// Caller invokes a named tool on a registered handler.
type Caller interface {
	Call(ctx context.Context, d handler.Descriptor, tool string, args map[string]any) (map[string]any, error)
}

// Ledger reports which input items a flow step has already consumed.
type Ledger interface {
	IsProcessed(flowStepID, itemID string) (bool, error)
}

// Input is what an executor runs against.
type Input struct {
	JobID   string
	Step    flow.Step
	Packets packet.Array
}

// Outcome is the explicit result of one step execution.
type Outcome struct {
	// Packets is the array after the step; at least as long as the input.
	Packets packet.Array
	// Request and Response are recorded in the job trace.
	Request  map[string]any
	Response map[string]any
	// Err is nil on success.
	Err *flow.Error
	// Recoverable marks a failure the job may continue past.
	Recoverable bool
	// ItemID is the source item an Input step consumed when the step skips
	// processed items. The job records it once it completes.
	ItemID string
}

// Executor runs one step type.
type Executor interface {
	Execute(ctx context.Context, in Input) Outcome
}

type Deps struct {
	Registry *handler.Registry
	Caller   Caller
	Ledger   Ledger // optional; nil disables processed-item tracking
	Logger   *slog.Logger
}

// Executors maps each step type to its executor.
type Executors map[handler.Type]Executor

// NewExecutors builds one executor per step type sharing a dispatcher.
func NewExecutors(d Deps) Executors {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	disp := &Dispatcher{registry: d.Registry, caller: d.Caller, logger: logger}
	return Executors{
		handler.TypeInput:  &InputExecutor{dispatch: disp, ledger: d.Ledger, logger: logger},
		handler.TypeAI:     &AIExecutor{dispatch: disp, logger: logger},
		handler.TypeUpdate: &UpdateExecutor{dispatch: disp, logger: logger},
		handler.TypeOutput: &OutputExecutor{dispatch: disp, logger: logger},
	}
}

// unchanged returns an outcome that leaves the packet array as it was.
func unchanged(in Input, req map[string]any, err *flow.Error) Outcome {
	out := Outcome{Packets: in.Packets, Request: req, Err: err}
	if err != nil {
		out.Response = map[string]any{"error": err.Error(), "kind": string(err.Kind)}
	}
	return out
}

func latest(in Input) packet.Entry {
	e, _ := in.Packets.Latest()
	return e
}

func mark(e packet.Entry, s flow.Step) packet.Entry {
	return e.WithStep(string(s.Type), s.Handler, s.ID)
}
