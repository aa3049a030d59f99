package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/datamachine/internal/flow"
	"github.com/kalambet/datamachine/internal/handler"
	"github.com/kalambet/datamachine/internal/log"
	"github.com/kalambet/datamachine/internal/queue"
	"github.com/kalambet/datamachine/internal/step"
	"github.com/kalambet/datamachine/internal/storage"
)

type testEnv struct {
	store  *storage.Store
	orch   *Orchestrator
	worker *Worker
}

func tool(name string, fn handler.ToolFunc) handler.Tool {
	return handler.Tool{Definition: mcp.NewTool(name), Call: fn}
}

func feed(items ...map[string]any) handler.ToolFunc {
	list := make([]any, len(items))
	for i, it := range items {
		list[i] = it
	}
	return func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"items": list}, nil
	}
}

func annotate(context.Context, map[string]any) (map[string]any, error) {
	return map[string]any{"annotations": map[string]any{"summary": "a greeting"}}, nil
}

func export(_ context.Context, args map[string]any) (map[string]any, error) {
	return map[string]any{"success": true, "key": "out/" + args["title"].(string) + ".json"}, nil
}

func newTestEnv(t *testing.T, timeout time.Duration, descs ...handler.Descriptor) *testEnv {
	t.Helper()

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	r := handler.NewRegistry()
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			t.Fatalf("Register(%s): %v", d.Slug, err)
		}
	}
	inv, err := handler.NewInvoker(context.Background(), r)
	if err != nil {
		t.Fatalf("NewInvoker: %v", err)
	}
	t.Cleanup(func() { inv.Close() })

	logger := log.Discard()
	orch := New(Deps{
		Store:     store,
		Registry:  r,
		Executors: step.NewExecutors(step.Deps{Registry: r, Caller: inv, Ledger: store, Logger: logger}),
		Signal:    queue.NewPoll(),
		Logger:    logger,
		Timeout:   timeout,
	})
	return &testEnv{store: store, orch: orch, worker: NewWorker(orch, 10*time.Millisecond, 0)}
}

// saveRaw stores a flow without handler validation, the way a flow whose
// handler was later removed looks at execution time.
func (e *testEnv) saveRaw(t *testing.T, f flow.Flow) {
	t.Helper()
	saved := e.orch.registry
	e.orch.registry = nil
	defer func() { e.orch.registry = saved }()
	if _, err := e.orch.SaveFlow(context.Background(), f); err != nil {
		t.Fatalf("SaveFlow(%s): %v", f.ID, err)
	}
}

// run triggers flowID and drives the worker until the job is terminal.
func (e *testEnv) run(t *testing.T, flowID string) Snapshot {
	t.Helper()
	ctx := context.Background()

	j, err := e.orch.Trigger(ctx, flowID)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if j.Status != storage.JobPending {
		t.Fatalf("new job status = %q, want pending", j.Status)
	}

	done, err := e.worker.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce found no job")
	}

	snap, err := e.orch.Status(ctx, j.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !snap.Terminal() {
		t.Fatalf("job status = %q after run, want terminal", snap.Status)
	}
	return snap
}

var (
	rssHandler = func(items ...map[string]any) handler.Descriptor {
		return handler.Descriptor{Slug: "rss", Type: handler.TypeInput, Tools: []handler.Tool{tool("fetch_items", feed(items...))}}
	}
	ollamaHandler = handler.Descriptor{Slug: "ollama", Type: handler.TypeAI, Tools: []handler.Tool{tool("annotate", annotate)}}
	exportHandler = handler.Descriptor{Slug: "export", Type: handler.TypeOutput, Tools: []handler.Tool{tool("write_object", export)}}
	hello         = map[string]any{"id": "post-1", "title": "Hello", "body": "Hello, world", "source_url": "https://example.com/hello"}
)

func steps(defs ...[2]string) []flow.Step {
	out := make([]flow.Step, len(defs))
	for i, d := range defs {
		out[i] = flow.Step{Type: handler.Type(d[0]), Handler: d[1]}
	}
	return out
}

func TestScenarioA_InputAIOutput(t *testing.T) {
	env := newTestEnv(t, time.Minute, rssHandler(hello), ollamaHandler, exportHandler)
	if _, err := env.orch.SaveFlow(context.Background(), flow.Flow{ID: "digest", Steps: steps(
		[2]string{"input", "rss"}, [2]string{"ai", "ollama"}, [2]string{"output", "export"},
	)}); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}

	snap := env.run(t, "digest")

	if snap.Status != storage.JobComplete {
		t.Fatalf("status = %q, want complete (result %+v)", snap.Status, snap.Result)
	}
	if !snap.Result.Success {
		t.Error("result.success = false")
	}
	if got := len(snap.Result.Packets); got != 3 {
		t.Fatalf("packets = %d, want 3", got)
	}
	if got := snap.Result.Packets[2].Title(); got != "Hello" {
		t.Errorf("input entry title = %q, want Hello", got)
	}
	if got := snap.Result.Packets[1].Content["summary"]; got != "a greeting" {
		t.Errorf("ai entry summary = %v", got)
	}
	if got := snap.Result.Packets[0].OriginalID(); got != "post-1" {
		t.Errorf("output entry original_id = %q, want post-1", got)
	}
	if len(snap.Steps) != 3 {
		t.Fatalf("trace length = %d, want 3", len(snap.Steps))
	}
	for i, te := range snap.Steps {
		if te.Step != i+1 || !te.Success || te.FlowStepID == "" {
			t.Errorf("trace[%d] = %+v", i, te)
		}
	}
	if snap.StartedAt == nil || snap.FinishedAt == nil {
		t.Error("started_at and finished_at must be set on a finished job")
	}
}

func TestScenarioB_EmptyFeed(t *testing.T) {
	env := newTestEnv(t, time.Minute, rssHandler(), exportHandler)
	if _, err := env.orch.SaveFlow(context.Background(), flow.Flow{ID: "f", Steps: steps(
		[2]string{"input", "rss"}, [2]string{"output", "export"},
	)}); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}

	snap := env.run(t, "f")

	if snap.Status != storage.JobFailed {
		t.Fatalf("status = %q, want failed", snap.Status)
	}
	if snap.Result.ErrorKind != flow.KindDataValidation {
		t.Errorf("error_kind = %q, want data_validation", snap.Result.ErrorKind)
	}
	if len(snap.Result.Packets) != 0 {
		t.Errorf("packets = %d, want 0", len(snap.Result.Packets))
	}
	if len(snap.Steps) != 1 {
		t.Errorf("trace length = %d, want 1 (output never runs)", len(snap.Steps))
	}
}

func TestScenarioC_UnregisteredUpdateHandler(t *testing.T) {
	env := newTestEnv(t, time.Minute, rssHandler(hello), ollamaHandler)
	env.saveRaw(t, flow.Flow{ID: "f", Steps: steps(
		[2]string{"input", "rss"}, [2]string{"ai", "ollama"}, [2]string{"update", "wordpress"},
	)})

	snap := env.run(t, "f")

	if snap.Status != storage.JobFailed {
		t.Fatalf("status = %q, want failed", snap.Status)
	}
	if snap.Result.ErrorKind != flow.KindHandlerNotFound {
		t.Errorf("error_kind = %q, want handler_not_found", snap.Result.ErrorKind)
	}
	if len(snap.Result.Packets) != 2 {
		t.Fatalf("packets = %d, want 2", len(snap.Result.Packets))
	}
	if got := snap.Result.Packets[0].Metadata["step_type"]; got != "ai" {
		t.Errorf("latest packet step_type = %v, want ai", got)
	}
	last := snap.Steps[len(snap.Steps)-1]
	if last.Success || last.Error == nil || last.Error.Kind != flow.KindHandlerNotFound {
		t.Errorf("last trace entry = %+v", last)
	}
	if snap.Result.FailedStep != last.FlowStepID {
		t.Errorf("failed_step = %q, want %q", snap.Result.FailedStep, last.FlowStepID)
	}
}

func TestOutputThenInputFailsBeforeAnyStep(t *testing.T) {
	calls := 0
	counting := handler.Descriptor{Slug: "export", Type: handler.TypeOutput, Tools: []handler.Tool{
		tool("write_object", func(context.Context, map[string]any) (map[string]any, error) {
			calls++
			return map[string]any{}, nil
		}),
	}}
	env := newTestEnv(t, time.Minute, counting, rssHandler(hello))

	// Bypass SaveFlow validation to simulate a definition that went bad.
	if err := env.store.SaveFlow(storage.Flow{ID: "bad", DefinitionJSON: `{"id":"bad","steps":[
		{"id":"o","type":"output","handler":"export","position":1},
		{"id":"i","type":"input","handler":"rss","position":2}]}`}); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}

	snap := env.run(t, "bad")

	if snap.Status != storage.JobFailed || snap.Result.ErrorKind != flow.KindConfiguration {
		t.Fatalf("status = %q kind = %q, want failed configuration", snap.Status, snap.Result.ErrorKind)
	}
	if snap.Result.FailedStep != "i" {
		t.Errorf("failed_step = %q, want i", snap.Result.FailedStep)
	}
	if calls != 0 || len(snap.Steps) != 0 {
		t.Errorf("steps ran: calls=%d trace=%d", calls, len(snap.Steps))
	}
}

func TestSaveFlowRejectsIllegalFlows(t *testing.T) {
	env := newTestEnv(t, time.Minute, rssHandler(hello), exportHandler)
	ctx := context.Background()

	_, err := env.orch.SaveFlow(ctx, flow.Flow{ID: "f", Steps: steps([2]string{"output", "export"}, [2]string{"input", "rss"})})
	if kind, _ := flow.KindOf(err); kind != flow.KindConfiguration {
		t.Errorf("output->input: err = %v", err)
	}

	_, err = env.orch.SaveFlow(ctx, flow.Flow{ID: "f", Steps: steps([2]string{"input", "missing"})})
	if kind, _ := flow.KindOf(err); kind != flow.KindHandlerNotFound {
		t.Errorf("unknown handler: err = %v", err)
	}

	if _, err := env.orch.Flow(ctx, "f"); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("rejected flow was stored: %v", err)
	}
}

func TestEmptyFlowCompletes(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.saveRaw(t, flow.Flow{ID: "empty"})

	snap := env.run(t, "empty")

	if snap.Status != storage.JobComplete || !snap.Result.Success {
		t.Fatalf("status = %q result = %+v", snap.Status, snap.Result)
	}
	if snap.Result.Packets == nil || len(snap.Result.Packets) != 0 {
		t.Errorf("packets = %#v, want empty array", snap.Result.Packets)
	}
}

func TestAIFailureContinuesUnlessStrict(t *testing.T) {
	failing := handler.Descriptor{Slug: "ollama", Type: handler.TypeAI, Tools: []handler.Tool{
		tool("annotate", func(context.Context, map[string]any) (map[string]any, error) {
			return nil, errors.New("connection refused")
		}),
	}}
	env := newTestEnv(t, time.Minute, rssHandler(hello, map[string]any{"id": "post-2", "title": "Again"}), failing, exportHandler)
	ctx := context.Background()

	if _, err := env.orch.SaveFlow(ctx, flow.Flow{ID: "lenient", Steps: steps(
		[2]string{"input", "rss"}, [2]string{"ai", "ollama"}, [2]string{"output", "export"},
	)}); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}
	snap := env.run(t, "lenient")
	if snap.Status != storage.JobComplete {
		t.Fatalf("lenient status = %q, want complete", snap.Status)
	}
	if len(snap.Result.Packets) != 3 || snap.Result.Packets[1].Success() {
		t.Errorf("expected a failed ai entry in the middle of 3 packets, got %+v", snap.Result.Packets)
	}
	if snap.Steps[1].Success {
		t.Error("ai trace entry should record the failure")
	}

	strict := steps([2]string{"input", "rss"}, [2]string{"ai", "ollama"}, [2]string{"output", "export"})
	strict[1].Settings = map[string]any{"strict": true}
	if _, err := env.orch.SaveFlow(ctx, flow.Flow{ID: "strict", Steps: strict}); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}
	snap = env.run(t, "strict")
	if snap.Status != storage.JobFailed || snap.Result.ErrorKind != flow.KindHandlerExecution {
		t.Fatalf("strict status = %q kind = %q", snap.Status, snap.Result.ErrorKind)
	}
	if len(snap.Result.Packets) != 2 {
		t.Errorf("packets = %d, want 2 (input + failed ai)", len(snap.Result.Packets))
	}
}

func TestTimeout(t *testing.T) {
	slow := handler.Descriptor{Slug: "ollama", Type: handler.TypeAI, Tools: []handler.Tool{
		tool("annotate", func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(500 * time.Millisecond):
				return map[string]any{}, nil
			}
		}),
	}}
	env := newTestEnv(t, 100*time.Millisecond, rssHandler(hello), slow, exportHandler)
	if _, err := env.orch.SaveFlow(context.Background(), flow.Flow{ID: "f", Steps: steps(
		[2]string{"input", "rss"}, [2]string{"ai", "ollama"}, [2]string{"output", "export"},
	)}); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}

	snap := env.run(t, "f")

	if snap.Status != storage.JobFailed || snap.Result.ErrorKind != flow.KindTimeout {
		t.Fatalf("status = %q kind = %q, want failed timeout", snap.Status, snap.Result.ErrorKind)
	}
}

func TestStatusIsStableAndTraceGrows(t *testing.T) {
	env := newTestEnv(t, time.Minute, rssHandler(hello), ollamaHandler, exportHandler)
	ctx := context.Background()
	if _, err := env.orch.SaveFlow(ctx, flow.Flow{ID: "f", Steps: steps(
		[2]string{"input", "rss"}, [2]string{"ai", "ollama"}, [2]string{"output", "export"},
	)}); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}

	j, err := env.orch.Trigger(ctx, "f")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	before, err := env.orch.Status(ctx, j.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if before.Result != nil || len(before.Steps) != 0 {
		t.Errorf("pending job reports result=%v steps=%d", before.Result, len(before.Steps))
	}

	if _, err := env.worker.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	first, _ := env.orch.Status(ctx, j.ID)
	second, _ := env.orch.Status(ctx, j.ID)
	if len(first.Steps) < len(before.Steps) {
		t.Error("trace shrank between polls")
	}
	if first.Result == nil || second.Result == nil {
		t.Fatal("terminal job has no result")
	}
	if len(first.Result.Packets) != len(second.Result.Packets) || first.Result.Success != second.Result.Success {
		t.Error("terminal result changed between polls")
	}

	// A terminal job cannot be rewritten.
	if err := env.store.FinishJob(j.ID, storage.JobFailed, "[]", `{"success":false}`); !errors.Is(err, storage.ErrNotProcessing) {
		t.Errorf("FinishJob on terminal job: err = %v", err)
	}
	third, _ := env.orch.Status(ctx, j.ID)
	if third.Status != storage.JobComplete || !third.Result.Success {
		t.Error("terminal job changed after a late write")
	}
}

func TestTriggerUnknownFlow(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	if _, err := env.orch.Trigger(context.Background(), "nope"); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("Trigger(nope) err = %v, want ErrFlowNotFound", err)
	}
	if _, err := env.orch.Status(context.Background(), "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Status(nope) err = %v, want ErrJobNotFound", err)
	}
}

func TestReap(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.saveRaw(t, flow.Flow{ID: "f"})
	ctx := context.Background()

	j, err := env.orch.Trigger(ctx, "f")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if _, err := env.store.ClaimNextJob(); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	n, err := env.orch.Reap(ctx)
	if err != nil || n != 0 {
		t.Fatalf("Reap fresh job: n=%d err=%v", n, err)
	}

	env.orch.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = env.orch.Reap(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Reap stuck job: n=%d err=%v", n, err)
	}

	snap, err := env.orch.Status(ctx, j.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.Status != storage.JobFailed || snap.Result.ErrorKind != flow.KindTimeout {
		t.Errorf("reaped job status = %q kind = %q", snap.Status, snap.Result.ErrorKind)
	}
}

func TestWorkerRun(t *testing.T) {
	env := newTestEnv(t, time.Minute, rssHandler(hello), exportHandler)
	if _, err := env.orch.SaveFlow(context.Background(), flow.Flow{ID: "f", Steps: steps(
		[2]string{"input", "rss"}, [2]string{"output", "export"},
	)}); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		env.worker.Run(ctx)
		close(stopped)
	}()

	j, err := env.orch.Trigger(ctx, "f")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := env.orch.Status(context.Background(), j.ID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if snap.Terminal() {
			if snap.Status != storage.JobComplete {
				t.Errorf("status = %q, want complete", snap.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestList(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.saveRaw(t, flow.Flow{ID: "f"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := env.orch.Trigger(ctx, "f"); err != nil {
			t.Fatalf("Trigger: %v", err)
		}
	}
	if _, err := env.worker.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	pending, err := env.orch.List(ctx, storage.JobPending, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("pending = %d, want 2", len(pending))
	}
	all, _ := env.orch.List(ctx, "", 0)
	if len(all) != 3 {
		t.Errorf("all = %d, want 3", len(all))
	}
}

func TestCancelledWorkerFinishesRunningJob(t *testing.T) {
	started := make(chan struct{})
	slow := handler.Descriptor{Slug: "ollama", Type: handler.TypeAI, Tools: []handler.Tool{
		tool("annotate", func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			close(started)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(100 * time.Millisecond):
				return map[string]any{"annotations": map[string]any{"summary": "late"}}, nil
			}
		}),
	}}
	env := newTestEnv(t, time.Minute, rssHandler(hello), slow, exportHandler)
	if _, err := env.orch.SaveFlow(context.Background(), flow.Flow{ID: "f", Steps: steps(
		[2]string{"input", "rss"}, [2]string{"ai", "ollama"}, [2]string{"output", "export"},
	)}); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}
	j, err := env.orch.Trigger(context.Background(), "f")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := env.worker.RunOnce(ctx)
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("ai step never started")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish after cancel")
	}

	snap, err := env.orch.Status(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.Status != storage.JobComplete {
		t.Fatalf("status = %q kind = %q, want complete", snap.Status, snap.Result.ErrorKind)
	}
	if got := snap.Result.Packets[1].Content["summary"]; got != "late" {
		t.Errorf("ai entry summary = %v, want late", got)
	}
}

func TestRerunAfterFailureRetriesSameItem(t *testing.T) {
	env := newTestEnv(t, time.Minute, rssHandler(hello), ollamaHandler)
	env.saveRaw(t, flow.Flow{ID: "f", Steps: steps(
		[2]string{"input", "rss"}, [2]string{"ai", "ollama"}, [2]string{"update", "wordpress"},
	)})

	first := env.run(t, "f")
	if first.Status != storage.JobFailed || first.Result.ErrorKind != flow.KindHandlerNotFound {
		t.Fatalf("first run status = %q kind = %q", first.Status, first.Result.ErrorKind)
	}

	second := env.run(t, "f")
	if second.Result.ErrorKind != flow.KindHandlerNotFound {
		t.Fatalf("re-run kind = %q, want handler_not_found (error %q)", second.Result.ErrorKind, second.Result.Error)
	}
	if len(second.Result.Packets) != 2 {
		t.Fatalf("re-run packets = %d, want 2", len(second.Result.Packets))
	}
	if got := second.Result.Packets[1].OriginalID(); got != "post-1" {
		t.Errorf("re-run input item = %q, want post-1", got)
	}
}

func TestCompletedJobMarksItemProcessed(t *testing.T) {
	env := newTestEnv(t, time.Minute, rssHandler(hello), exportHandler)
	saved, err := env.orch.SaveFlow(context.Background(), flow.Flow{ID: "f", Steps: steps(
		[2]string{"input", "rss"}, [2]string{"output", "export"},
	)})
	if err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}

	if snap := env.run(t, "f"); snap.Status != storage.JobComplete {
		t.Fatalf("first run status = %q", snap.Status)
	}
	done, err := env.store.IsProcessed(saved.Steps[0].ID, "post-1")
	if err != nil || !done {
		t.Fatalf("IsProcessed = %v, %v; want true", done, err)
	}

	snap := env.run(t, "f")
	if snap.Status != storage.JobFailed || snap.Result.ErrorKind != flow.KindDataValidation {
		t.Errorf("second run status = %q kind = %q, want failed data_validation", snap.Status, snap.Result.ErrorKind)
	}
}

func TestSaveFlowKeepsStepIDsWhenStepsMove(t *testing.T) {
	files := handler.Descriptor{Slug: "files", Type: handler.TypeInput, Tools: []handler.Tool{tool("read_files", feed())}}
	env := newTestEnv(t, time.Minute, rssHandler(hello), files, exportHandler)
	ctx := context.Background()

	before, err := env.orch.SaveFlow(ctx, flow.Flow{ID: "f", Steps: steps(
		[2]string{"input", "rss"}, [2]string{"output", "export"},
	)})
	if err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}
	after, err := env.orch.SaveFlow(ctx, flow.Flow{ID: "f", Steps: steps(
		[2]string{"input", "files"}, [2]string{"input", "rss"}, [2]string{"output", "export"},
	)})
	if err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}

	if after.Steps[1].ID != before.Steps[0].ID {
		t.Errorf("rss step id = %q after insert, want %q", after.Steps[1].ID, before.Steps[0].ID)
	}
	if after.Steps[2].ID != before.Steps[1].ID {
		t.Errorf("export step id = %q after insert, want %q", after.Steps[2].ID, before.Steps[1].ID)
	}
	if after.Steps[0].ID == "" || after.Steps[0].ID == before.Steps[0].ID {
		t.Errorf("new files step id = %q", after.Steps[0].ID)
	}

	stored, err := env.orch.Flow(ctx, "f")
	if err != nil {
		t.Fatalf("Flow: %v", err)
	}
	if stored.Steps[1].ID != before.Steps[0].ID {
		t.Error("stored definition lost the rss step id")
	}
}
