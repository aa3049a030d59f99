package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kalambet/datamachine/internal/flow"
	"github.com/kalambet/datamachine/internal/log"
	"github.com/kalambet/datamachine/internal/storage"
)

// SaveFlow normalizes, validates, and stores a flow definition. Handlers must
// be registered for every step. Steps without an id keep the id of their
// counterpart in the stored definition.
func (o *Orchestrator) SaveFlow(ctx context.Context, f flow.Flow) (flow.Flow, error) {
	if f.ID == "" {
		return flow.Flow{}, flow.Errorf(flow.KindConfiguration, "", "flow id is required")
	}
	prev, err := o.Flow(ctx, f.ID)
	if err != nil && !errors.Is(err, ErrFlowNotFound) {
		return flow.Flow{}, err
	}
	f = flow.AssignIDs(flow.Normalize(f), prev)
	if err := flow.Validate(f); err != nil {
		return flow.Flow{}, err
	}
	if o.registry != nil {
		if err := flow.ValidateHandlers(f, o.registry); err != nil {
			return flow.Flow{}, err
		}
	}

	def, err := json.Marshal(f)
	if err != nil {
		return flow.Flow{}, fmt.Errorf("encoding flow: %w", err)
	}
	if err := o.store.SaveFlow(storage.Flow{
		ID:             f.ID,
		ProjectID:      f.ProjectID,
		Name:           f.Name,
		DefinitionJSON: string(def),
	}); err != nil {
		return flow.Flow{}, fmt.Errorf("saving flow: %w", err)
	}
	o.logger.Info("flow saved", log.FlowID(f.ID))
	return f, nil
}

func (o *Orchestrator) Flow(ctx context.Context, id string) (flow.Flow, error) {
	row, err := o.store.GetFlow(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return flow.Flow{}, fmt.Errorf("%s: %w", id, ErrFlowNotFound)
		}
		return flow.Flow{}, err
	}
	return decodeFlow(row)
}

func (o *Orchestrator) Flows(ctx context.Context) ([]flow.Flow, error) {
	rows, err := o.store.ListFlows()
	if err != nil {
		return nil, err
	}
	out := make([]flow.Flow, 0, len(rows))
	for _, r := range rows {
		f, err := decodeFlow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func decodeFlow(row storage.Flow) (flow.Flow, error) {
	var f flow.Flow
	if err := json.Unmarshal([]byte(row.DefinitionJSON), &f); err != nil {
		return flow.Flow{}, fmt.Errorf("decoding flow %s: %w", row.ID, err)
	}
	f.ID = row.ID
	return f, nil
}
