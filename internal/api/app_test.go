package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/datamachine/internal/flow"
	"github.com/kalambet/datamachine/internal/handler"
	"github.com/kalambet/datamachine/internal/job"
	"github.com/kalambet/datamachine/internal/log"
	"github.com/kalambet/datamachine/internal/queue"
	"github.com/kalambet/datamachine/internal/step"
	"github.com/kalambet/datamachine/internal/storage"
)

const testToken = "test-token-12345"

type testApp struct {
	handler  http.Handler
	orch     *job.Orchestrator
	worker   *job.Worker
	registry *handler.Registry
}

func testRegistry(t *testing.T) *handler.Registry {
	t.Helper()
	r := handler.NewRegistry()
	descs := []handler.Descriptor{
		{
			Slug: "feed", Type: handler.TypeInput, Label: "Test feed",
			Tools: []handler.Tool{{
				Definition: mcp.NewTool("fetch", mcp.WithDescription("Return one item")),
				Call: func(context.Context, map[string]any) (map[string]any, error) {
					return map[string]any{"items": []any{
						map[string]any{"id": "item-1", "title": "Hello", "body": "World"},
					}}, nil
				},
			}},
		},
		{
			Slug: "sink", Type: handler.TypeOutput,
			Tools: []handler.Tool{{
				Definition: mcp.NewTool("deliver"),
				Call: func(context.Context, map[string]any) (map[string]any, error) {
					return map[string]any{"success": true}, nil
				},
			}},
		},
	}
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			t.Fatalf("Register(%s): %v", d.Slug, err)
		}
	}
	return r
}

func setupApp(t *testing.T) *testApp {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	r := testRegistry(t)
	inv, err := handler.NewInvoker(context.Background(), r)
	if err != nil {
		t.Fatalf("NewInvoker: %v", err)
	}
	t.Cleanup(func() { inv.Close() })

	logger := log.Discard()
	orch := job.New(job.Deps{
		Store:     store,
		Registry:  r,
		Executors: step.NewExecutors(step.Deps{Registry: r, Caller: inv, Ledger: store, Logger: logger}),
		Signal:    queue.NewPoll(),
		Logger:    logger,
	})
	if _, err := orch.SaveFlow(context.Background(), flow.Flow{
		ID: "news",
		Steps: []flow.Step{
			{Type: handler.TypeInput, Handler: "feed"},
			{Type: handler.TypeOutput, Handler: "sink"},
		},
	}); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}

	return &testApp{
		handler:  NewAppHandler(AppDeps{Jobs: orch, Registry: r, Token: testToken, Logger: logger}),
		orch:     orch,
		worker:   job.NewWorker(orch, 10*time.Millisecond, 0),
		registry: r,
	}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (a *testApp) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Error.Type
}

func TestHealth_NoAuth(t *testing.T) {
	app := setupApp(t)
	rr := app.do(t, authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestAuth_Required(t *testing.T) {
	app := setupApp(t)
	for _, token := range []string{"", "wrong"} {
		rr := app.do(t, authReq(http.MethodGet, "/jobs", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
		if got := errorType(t, rr); got != "authentication_error" {
			t.Errorf("error type = %q", got)
		}
	}
}

func TestTrigger_QueuesJob(t *testing.T) {
	app := setupApp(t)

	rr := app.do(t, authReq(http.MethodPost, "/flows/news/jobs", "", testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}
	var resp TriggerResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "processing_queued" {
		t.Errorf("status = %q, want processing_queued", resp.Status)
	}
	if resp.JobID == "" {
		t.Fatal("response missing job_id")
	}

	rr = app.do(t, authReq(http.MethodGet, "/jobs/"+resp.JobID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET job status = %d", rr.Code)
	}
	var snap map[string]any
	json.NewDecoder(rr.Body).Decode(&snap)
	if snap["status"] != storage.JobPending {
		t.Errorf("status = %v, want pending", snap["status"])
	}
	if snap["result"] != nil {
		t.Errorf("result = %v before completion, want null", snap["result"])
	}
}

func TestTrigger_UnknownFlow(t *testing.T) {
	app := setupApp(t)
	rr := app.do(t, authReq(http.MethodPost, "/flows/nope/jobs", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestJobStatus_AfterRun(t *testing.T) {
	app := setupApp(t)
	ctx := context.Background()

	j, err := app.orch.Trigger(ctx, "news")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := app.worker.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	rr := app.do(t, authReq(http.MethodGet, "/jobs/"+j.ID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var snap job.Snapshot
	if err := json.NewDecoder(rr.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Status != storage.JobComplete {
		t.Fatalf("status = %q, want complete", snap.Status)
	}
	if len(snap.Steps) != 2 {
		t.Errorf("job_steps = %d, want 2", len(snap.Steps))
	}
	if snap.Result == nil || !snap.Result.Success || len(snap.Result.Packets) != 2 {
		t.Errorf("result = %+v", snap.Result)
	}
}

func TestJobStatus_NotFound(t *testing.T) {
	app := setupApp(t)
	rr := app.do(t, authReq(http.MethodGet, "/jobs/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestListJobs(t *testing.T) {
	app := setupApp(t)
	for i := 0; i < 3; i++ {
		if _, err := app.orch.Trigger(context.Background(), "news"); err != nil {
			t.Fatal(err)
		}
	}

	rr := app.do(t, authReq(http.MethodGet, "/jobs?status=pending&limit=2", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var jobs []job.Snapshot
	json.NewDecoder(rr.Body).Decode(&jobs)
	if len(jobs) != 2 {
		t.Errorf("got %d jobs, want 2", len(jobs))
	}

	rr = app.do(t, authReq(http.MethodGet, "/jobs?status=bogus", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bogus status filter: code = %d, want 400", rr.Code)
	}
}

func TestPutFlow(t *testing.T) {
	app := setupApp(t)

	body := `{"name":"Digest","steps":[{"type":"input","handler":"feed"},{"type":"output","handler":"sink"}]}`
	rr := app.do(t, authReq(http.MethodPut, "/flows/digest", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = app.do(t, authReq(http.MethodGet, "/flows/digest", "", testToken))
	var f flow.Flow
	json.NewDecoder(rr.Body).Decode(&f)
	if f.Name != "Digest" || len(f.Steps) != 2 {
		t.Fatalf("flow = %+v", f)
	}
	if f.Steps[0].ID == "" || f.Steps[1].Position != 2 {
		t.Errorf("flow was not normalized: %+v", f.Steps)
	}

	rr = app.do(t, authReq(http.MethodGet, "/flows", "", testToken))
	var flows []flow.Flow
	json.NewDecoder(rr.Body).Decode(&flows)
	if len(flows) != 2 {
		t.Errorf("got %d flows, want 2", len(flows))
	}
}

func TestPutFlow_YAML(t *testing.T) {
	app := setupApp(t)

	body := "steps:\n  - type: input\n    handler: feed\n"
	req := authReq(http.MethodPut, "/flows/yaml-flow", body, testToken)
	req.Header.Set("Content-Type", "application/yaml")
	rr := app.do(t, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
}

func TestPutFlow_Rejected(t *testing.T) {
	app := setupApp(t)

	cases := []struct {
		name     string
		path     string
		body     string
		code     int
		wantType string
	}{
		{"output before input", "/flows/bad", `{"steps":[{"type":"output","handler":"sink"},{"type":"input","handler":"feed"}]}`, http.StatusUnprocessableEntity, "configuration"},
		{"unknown handler", "/flows/bad", `{"steps":[{"type":"input","handler":"ghost"}]}`, http.StatusUnprocessableEntity, "handler_not_found"},
		{"id mismatch", "/flows/bad", `{"id":"other","steps":[]}`, http.StatusBadRequest, "invalid_request_error"},
		{"not json", "/flows/bad", `{`, http.StatusBadRequest, "invalid_request_error"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rr := app.do(t, authReq(http.MethodPut, c.path, c.body, testToken))
			if rr.Code != c.code {
				t.Fatalf("status = %d, want %d; body = %s", rr.Code, c.code, rr.Body.String())
			}
			if got := errorType(t, rr); got != c.wantType {
				t.Errorf("error type = %q, want %q", got, c.wantType)
			}
		})
	}
}

func TestListHandlers(t *testing.T) {
	app := setupApp(t)

	rr := app.do(t, authReq(http.MethodGet, "/handlers", "", testToken))
	var all []HandlerInfo
	json.NewDecoder(rr.Body).Decode(&all)
	if len(all) != 2 {
		t.Fatalf("got %d handlers, want 2", len(all))
	}
	if all[0].Slug != "feed" || all[0].Tools[0].Name != "fetch" || all[0].Tools[0].Description != "Return one item" {
		t.Errorf("first handler = %+v", all[0])
	}

	rr = app.do(t, authReq(http.MethodGet, "/handlers?type=output", "", testToken))
	var outputs []HandlerInfo
	json.NewDecoder(rr.Body).Decode(&outputs)
	if len(outputs) != 1 || outputs[0].Slug != "sink" {
		t.Errorf("output handlers = %+v", outputs)
	}
}
