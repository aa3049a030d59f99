package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/datamachine/internal/flow"
	"github.com/kalambet/datamachine/internal/handler"
	"github.com/kalambet/datamachine/internal/log"
	"github.com/kalambet/datamachine/internal/packet"
	"github.com/kalambet/datamachine/internal/step"
	"github.com/kalambet/datamachine/internal/storage"
)

// Execute runs a claimed job to completion. Step failures end the job as
// failed; the returned error is reserved for store failures. Cancelling ctx
// does not interrupt the job; only its deadline does.
func (o *Orchestrator) Execute(ctx context.Context, j *storage.Job) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()

	logger := o.logger.With(log.JobID(j.ID), log.FlowID(j.FlowID))
	logger.Info("job started")
	start := time.Now()

	f, err := o.Flow(ctx, j.FlowID)
	if err != nil {
		return o.fail(logger, j.ID, nil, flow.Wrap(flow.KindConfiguration, "", "", err))
	}
	if err := flow.Validate(f); err != nil {
		var fe *flow.Error
		if !errors.As(err, &fe) {
			fe = flow.Wrap(flow.KindConfiguration, "", "", err)
		}
		return o.fail(logger, j.ID, nil, fe)
	}

	packets := packet.Array{}
	var consumed []consumedItem
	for i, s := range f.Ordered() {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return o.fail(logger, j.ID, packets, timeoutError(s.ID, o.timeout))
		}

		out := o.runStep(ctx, j.ID, s, packets)
		packets = out.Packets
		if out.Err == nil && out.ItemID != "" {
			consumed = append(consumed, consumedItem{stepID: s.ID, itemID: out.ItemID})
		}

		te := TraceEntry{
			Step:       i + 1,
			StepType:   s.Type,
			Handler:    s.Handler,
			FlowStepID: s.ID,
			Timestamp:  time.Now().UTC(),
			Request:    out.Request,
			Response:   out.Response,
			Success:    out.Err == nil,
			Error:      out.Err,
		}
		if err := o.appendStep(j.ID, te, packets); err != nil {
			if errors.Is(err, storage.ErrNotProcessing) {
				logger.Warn("job finished elsewhere, abandoning", log.Error(err))
				return nil
			}
			return err
		}

		if out.Err != nil {
			if out.Recoverable {
				logger.Warn("step failed, continuing", log.StepID(s.ID), log.StepType(s.Type), log.Error(out.Err))
				continue
			}
			return o.fail(logger, j.ID, packets, out.Err)
		}
		logger.Debug("step complete", log.StepID(s.ID), log.StepType(s.Type), slog.Int("packets", len(packets)))
	}

	if err := o.complete(logger, j.ID, packets, consumed); err != nil {
		return err
	}
	logger.Info("job complete", slog.Int("packets", len(packets)), slog.Duration("elapsed", time.Since(start)))
	return nil
}

// consumedItem is an input item a step took from its source during a job.
type consumedItem struct {
	stepID string
	itemID string
}

// complete records the job as complete and then marks the items it consumed
// as processed. A failed job leaves them unmarked so a re-run picks them up.
func (o *Orchestrator) complete(logger *slog.Logger, jobID string, packets packet.Array, consumed []consumedItem) error {
	err := o.record(jobID, storage.JobComplete, Result{Success: true, Packets: packets})
	if errors.Is(err, storage.ErrNotProcessing) {
		logger.Warn("job already terminal", log.Error(err))
		return nil
	}
	if err != nil {
		return err
	}
	for _, c := range consumed {
		if err := o.store.MarkProcessed(c.stepID, c.itemID, jobID); err != nil {
			logger.Warn("marking item processed", log.StepID(c.stepID), slog.String("item_id", c.itemID), log.Error(err))
		}
	}
	return nil
}

// runStep executes one step and enforces the packet-growth rules on its
// outcome.
func (o *Orchestrator) runStep(ctx context.Context, jobID string, s flow.Step, packets packet.Array) step.Outcome {
	ex, ok := o.executors[s.Type]
	if !ok {
		return step.Outcome{
			Packets: packets,
			Err:     flow.Errorf(flow.KindConfiguration, s.ID, "no executor for step type %q", s.Type),
		}
	}

	out := ex.Execute(ctx, step.Input{JobID: jobID, Step: s, Packets: packets})

	if len(out.Packets) < len(packets) {
		out.Packets = packets
		if out.Err == nil {
			out.Err = flow.Errorf(flow.KindDataValidation, s.ID, "step removed packets")
		}
	}
	if out.Err == nil && s.Type == handler.TypeInput && len(out.Packets) == len(packets) {
		out.Err = flow.Errorf(flow.KindDataValidation, s.ID, "input step produced no packet")
	}
	if out.Err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.Err = timeoutError(s.ID, o.timeout)
		out.Recoverable = false
	}
	return out
}

func (o *Orchestrator) appendStep(jobID string, te TraceEntry, packets packet.Array) error {
	stepJSON, err := json.Marshal(te)
	if err != nil {
		return fmt.Errorf("encoding trace entry: %w", err)
	}
	packetsJSON, err := json.Marshal(packets)
	if err != nil {
		return fmt.Errorf("encoding packets: %w", err)
	}
	if _, err := o.store.AppendJobStep(jobID, string(stepJSON), string(packetsJSON)); err != nil {
		return fmt.Errorf("recording step: %w", err)
	}
	return nil
}

func (o *Orchestrator) fail(logger *slog.Logger, jobID string, packets packet.Array, fe *flow.Error) error {
	logger.Error("job failed", slog.String("kind", string(fe.Kind)), log.StepID(fe.StepID), log.Error(fe))
	return o.finish(logger, jobID, storage.JobFailed, Result{
		Success:    false,
		Packets:    packets,
		Error:      fe.Error(),
		ErrorKind:  fe.Kind,
		FailedStep: fe.StepID,
	})
}

func (o *Orchestrator) finish(logger *slog.Logger, jobID, status string, r Result) error {
	err := o.record(jobID, status, r)
	if errors.Is(err, storage.ErrNotProcessing) {
		logger.Warn("job already terminal", log.Error(err))
		return nil
	}
	return err
}

// record writes the terminal status and result of a job.
func (o *Orchestrator) record(jobID, status string, r Result) error {
	if r.Packets == nil {
		r.Packets = packet.Array{}
	}
	resultJSON, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	packetsJSON, err := json.Marshal(r.Packets)
	if err != nil {
		return fmt.Errorf("encoding packets: %w", err)
	}
	if err := o.store.FinishJob(jobID, status, string(packetsJSON), string(resultJSON)); err != nil {
		return fmt.Errorf("finishing job: %w", err)
	}
	return nil
}

func timeoutError(stepID string, after time.Duration) *flow.Error {
	return flow.Errorf(flow.KindTimeout, stepID, "job exceeded its deadline of %s", after)
}
