package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kalambet/datamachine/internal/flow"
	"github.com/kalambet/datamachine/internal/log"
	"github.com/kalambet/datamachine/internal/packet"
	"github.com/kalambet/datamachine/internal/storage"
)

// Reap fails processing jobs that have not recorded progress within the
// stuck-after window, typically because their worker died. It returns the
// number of jobs failed.
func (o *Orchestrator) Reap(ctx context.Context) (int, error) {
	cutoff := o.now().Add(-o.stuckAfter)
	ids, err := o.store.StuckJobs(cutoff)
	if err != nil {
		return 0, fmt.Errorf("listing stuck jobs: %w", err)
	}

	reaped := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return reaped, ctx.Err()
		}
		j, err := o.store.GetJob(id)
		if err != nil {
			return reaped, fmt.Errorf("loading stuck job %s: %w", id, err)
		}

		var packets packet.Array
		if err := json.Unmarshal([]byte(j.PacketsJSON), &packets); err != nil {
			o.logger.Warn("stuck job has unreadable packets", log.JobID(id), log.Error(err))
			packets = nil
		}

		fe := flow.Errorf(flow.KindTimeout, "", "no progress for %s", o.stuckAfter)
		logger := o.logger.With(log.JobID(id), log.FlowID(j.FlowID))
		if err := o.fail(logger, id, packets, fe); err != nil && !errors.Is(err, storage.ErrNotProcessing) {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}
