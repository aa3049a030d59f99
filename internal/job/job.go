// Package job runs flows as asynchronous jobs: it creates jobs on trigger,
// executes claimed jobs step by step, records an append-only trace, and
// reports status snapshots to pollers.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/datamachine/internal/flow"
	"github.com/kalambet/datamachine/internal/handler"
	"github.com/kalambet/datamachine/internal/log"
	"github.com/kalambet/datamachine/internal/packet"
	"github.com/kalambet/datamachine/internal/queue"
	"github.com/kalambet/datamachine/internal/step"
	"github.com/kalambet/datamachine/internal/storage"
)

var (
	ErrFlowNotFound = errors.New("flow not found")
	ErrJobNotFound  = errors.New("job not found")
)

const (
	DefaultTimeout    = 10 * time.Minute
	DefaultStuckAfter = 30 * time.Minute
)

// Store is the persistence the orchestrator depends on.
type Store interface {
	SaveFlow(f storage.Flow) error
	GetFlow(id string) (storage.Flow, error)
	ListFlows() ([]storage.Flow, error)

	CreateJob(j storage.Job) error
	GetJob(id string) (storage.Job, error)
	ListJobs(status string, limit int) ([]storage.Job, error)
	ClaimNextJob() (*storage.Job, error)
	AppendJobStep(jobID, stepJSON, packetsJSON string) (int, error)
	ListJobSteps(jobID string) ([]storage.JobStep, error)
	FinishJob(id, status, packetsJSON, resultJSON string) error
	StuckJobs(cutoff time.Time) ([]string, error)

	MarkProcessed(flowStepID, itemID, jobID string) error
}

// TraceEntry records one executed step.
type TraceEntry struct {
	Step       int            `json:"step"`
	StepType   handler.Type   `json:"step_type"`
	Handler    string         `json:"handler"`
	FlowStepID string         `json:"flow_step_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Request    map[string]any `json:"request,omitempty"`
	Response   map[string]any `json:"response,omitempty"`
	Success    bool           `json:"success"`
	Error      *flow.Error    `json:"error,omitempty"`
}

// Result is the terminal outcome of a job.
type Result struct {
	Success    bool         `json:"success"`
	Packets    packet.Array `json:"packets"`
	Error      string       `json:"error,omitempty"`
	ErrorKind  flow.Kind    `json:"error_kind,omitempty"`
	FailedStep string       `json:"failed_step,omitempty"`
}

// Snapshot is what a status poll returns.
type Snapshot struct {
	JobID      string       `json:"job_id"`
	FlowID     string       `json:"flow_id"`
	Status     string       `json:"status"`
	Steps      []TraceEntry `json:"job_steps"`
	Result     *Result      `json:"result"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// Terminal reports whether the job has finished.
func (s Snapshot) Terminal() bool {
	return s.Status == storage.JobComplete || s.Status == storage.JobFailed
}

type Deps struct {
	Store     Store
	Registry  *handler.Registry
	Executors step.Executors
	Signal    queue.Signal
	Logger    *slog.Logger

	Timeout    time.Duration
	StuckAfter time.Duration
}

// Orchestrator owns the job lifecycle.
type Orchestrator struct {
	store      Store
	registry   *handler.Registry
	executors  step.Executors
	signal     queue.Signal
	logger     *slog.Logger
	timeout    time.Duration
	stuckAfter time.Duration
	now        func() time.Time
}

func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		store:      d.Store,
		registry:   d.Registry,
		executors:  d.Executors,
		signal:     d.Signal,
		logger:     d.Logger,
		timeout:    d.Timeout,
		stuckAfter: d.StuckAfter,
		now:        time.Now,
	}
	if o.signal == nil {
		o.signal = queue.NewPoll()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.timeout <= 0 {
		o.timeout = DefaultTimeout
	}
	if o.stuckAfter <= 0 {
		o.stuckAfter = DefaultStuckAfter
	}
	return o
}

// Trigger creates a pending job for flowID and wakes a worker.
func (o *Orchestrator) Trigger(ctx context.Context, flowID string) (storage.Job, error) {
	if _, err := o.store.GetFlow(flowID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Job{}, fmt.Errorf("%s: %w", flowID, ErrFlowNotFound)
		}
		return storage.Job{}, fmt.Errorf("loading flow: %w", err)
	}

	j := storage.Job{ID: uuid.New().String(), FlowID: flowID}
	if err := o.store.CreateJob(j); err != nil {
		return storage.Job{}, fmt.Errorf("creating job: %w", err)
	}
	if err := o.signal.Notify(ctx); err != nil {
		// The worker's poll picks the job up anyway.
		o.logger.Warn("signalling queue", log.JobID(j.ID), log.Error(err))
	}
	o.logger.Info("job queued", log.JobID(j.ID), log.FlowID(flowID))

	created, err := o.store.GetJob(j.ID)
	if err != nil {
		return storage.Job{}, fmt.Errorf("reloading job: %w", err)
	}
	return created, nil
}

// Status returns the current state of a job. The result is only reported
// once the job is terminal, after which it never changes.
func (o *Orchestrator) Status(ctx context.Context, id string) (Snapshot, error) {
	j, err := o.store.GetJob(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Snapshot{}, fmt.Errorf("%s: %w", id, ErrJobNotFound)
		}
		return Snapshot{}, err
	}
	snap, err := snapshot(j)
	if err != nil {
		return Snapshot{}, err
	}

	rows, err := o.store.ListJobSteps(id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("loading job steps: %w", err)
	}
	snap.Steps = make([]TraceEntry, 0, len(rows))
	for _, r := range rows {
		var te TraceEntry
		if err := json.Unmarshal([]byte(r.StepJSON), &te); err != nil {
			return Snapshot{}, fmt.Errorf("decoding job step %d: %w", r.Seq, err)
		}
		snap.Steps = append(snap.Steps, te)
	}
	return snap, nil
}

// List returns recent jobs without their traces.
func (o *Orchestrator) List(ctx context.Context, status string, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	jobs, err := o.store.ListJobs(status, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(jobs))
	for _, j := range jobs {
		s, err := snapshot(j)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func snapshot(j storage.Job) (Snapshot, error) {
	s := Snapshot{
		JobID:     j.ID,
		FlowID:    j.FlowID,
		Status:    j.Status,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	if !j.StartedAt.IsZero() {
		t := j.StartedAt
		s.StartedAt = &t
	}
	if !j.FinishedAt.IsZero() {
		t := j.FinishedAt
		s.FinishedAt = &t
	}
	if j.Terminal() && j.ResultJSON != "" {
		var r Result
		if err := json.Unmarshal([]byte(j.ResultJSON), &r); err != nil {
			return Snapshot{}, fmt.Errorf("decoding result of job %s: %w", j.ID, err)
		}
		s.Result = &r
	}
	return s, nil
}
