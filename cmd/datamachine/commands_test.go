package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/datamachine/internal/flow"
	"github.com/kalambet/datamachine/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

const digestYAML = `id: digest
steps:
  - type: input
    handler: rss
    settings:
      feed_url: https://example.com/feed.xml
  - type: ai
    handler: ollama
  - type: output
    handler: export
`

func TestTriggerFlow(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /flows/digest/jobs": `{"status":"processing_queued","job_id":"job-1"}`,
	})

	out, err := triggerFlow(ctx, ts.client(), "digest")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.JobID != "job-1" {
		t.Errorf("job_id = %q, want job-1", out.JobID)
	}
	if out.Status != "processing_queued" {
		t.Errorf("status = %q, want processing_queued", out.Status)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/flows/digest/jobs" {
		t.Errorf("request = %s %s, want POST /flows/digest/jobs", r.Method, r.Path)
	}
	if r.Body != "" {
		t.Errorf("body = %q, want empty", r.Body)
	}
}

func TestTriggerFlow_UnknownFlow(t *testing.T) {
	ts := newTestServer(t, nil)

	_, err := triggerFlow(ctx, ts.client(), "missing")
	if err == nil {
		t.Fatal("expected error for unknown flow")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %q, want it to mention 404", err.Error())
	}
}

func TestFetchJob(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /jobs/job-1": `{
			"job_id":"job-1","flow_id":"digest","status":"failed",
			"job_steps":[{"step":1,"step_type":"input","handler":"rss","flow_step_id":"digest_1","success":false,
				"error":{"kind":"handler_execution","flow_step_id":"digest_1","message":"feed unreachable"}}],
			"result":{"success":false,"packets":[],"error":"feed unreachable","error_kind":"handler_execution","failed_step":"digest_1"},
			"created_at":"2026-10-19T08:00:00Z","updated_at":"2026-10-19T08:00:05Z"
		}`,
	})

	snap, err := fetchJob(ctx, ts.client(), "job-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Status != storage.JobFailed {
		t.Errorf("status = %q, want failed", snap.Status)
	}
	if !snap.Terminal() {
		t.Error("failed job should be terminal")
	}
	if len(snap.Steps) != 1 || snap.Steps[0].Error == nil {
		t.Fatalf("steps = %+v, want one failed step", snap.Steps)
	}
	if snap.Steps[0].Error.Kind != flow.KindHandlerExecution {
		t.Errorf("kind = %q, want handler_execution", snap.Steps[0].Error.Kind)
	}
	if snap.Result == nil || snap.Result.FailedStep != "digest_1" {
		t.Errorf("result = %+v, want failed_step digest_1", snap.Result)
	}
}

func TestWaitForJob(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		status := storage.JobProcessing
		if n >= 3 {
			status = storage.JobComplete
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"job_id":    "job-1",
			"flow_id":   "digest",
			"status":    status,
			"job_steps": []any{},
		})
	}))
	defer srv.Close()

	client := &apiClient{baseURL: srv.URL, token: "t", httpClient: srv.Client()}
	snap, err := waitForJob(ctx, client, "job-1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Status != storage.JobComplete {
		t.Errorf("status = %q, want complete", snap.Status)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("polls = %d, want 3", got)
	}
}

func TestWaitForJob_Cancelled(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /jobs/job-1": `{"job_id":"job-1","status":"pending","job_steps":[]}`,
	})

	cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()

	_, err := waitForJob(cctx, ts.client(), "job-1", 5*time.Millisecond)
	if err == nil {
		t.Fatal("expected error once the context expires")
	}
}

func TestApplyFlow(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PUT /flows/digest": `{"id":"digest","steps":[{"id":"digest_1","type":"input","handler":"rss","position":0}]}`,
	})

	f, err := flow.Parse([]byte(digestYAML), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	saved, err := applyFlow(ctx, ts.client(), f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.ID != "digest" {
		t.Errorf("id = %q, want digest", saved.ID)
	}

	var sent flow.Flow
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &sent); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if len(sent.Steps) != 3 {
		t.Errorf("sent %d steps, want 3", len(sent.Steps))
	}
}

func TestDescribeSteps(t *testing.T) {
	f, err := flow.Parse([]byte(digestYAML), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := "input:rss -> ai:ollama -> output:export"
	if got := describeSteps(f); got != want {
		t.Errorf("describeSteps = %q, want %q", got, want)
	}
}

func TestFlowsValidateCommand(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	dir := t.TempDir()
	good := filepath.Join(dir, "digest.yaml")
	if err := os.WriteFile(good, []byte(digestYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("id: bad\nsteps:\n  - type: output\n    handler: export\n  - type: input\n    handler: rss\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rootCmd.SetArgs([]string{"flows", "validate", good})
	if err := rootCmd.Execute(); err != nil {
		t.Errorf("valid flow rejected: %v", err)
	}

	rootCmd.SetArgs([]string{"flows", "validate", bad})
	if err := rootCmd.Execute(); err == nil {
		t.Error("expected error for output followed by input")
	}
}

func TestRunCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"run"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for missing flow id")
	}
}

func TestNoColorFlag(t *testing.T) {
	defer func() { noColor = false }()

	noColor = false
	if got := colorize(colorRed, "x"); got == "x" {
		t.Error("expected color codes when noColor is false")
	}

	noColor = true
	if got := colorize(colorRed, "x"); got != "x" {
		t.Errorf("colorize = %q, want plain text", got)
	}
}

func TestStatusColor(t *testing.T) {
	tests := map[string]string{
		storage.JobComplete:   colorGreen,
		storage.JobFailed:     colorRed,
		storage.JobProcessing: colorCyan,
		storage.JobPending:    colorYellow,
	}
	for status, want := range tests {
		if got := statusColor(status); got != want {
			t.Errorf("statusColor(%q) = %q, want %q", status, got, want)
		}
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /flows": `[]`,
	})

	resp, err := ts.client().get(ctx, "/flows")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if ts.requests[0].Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var v any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "not found") || !strings.Contains(err.Error(), "not_found") {
		t.Errorf("error = %q, want message and type", err.Error())
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(t.TempDir())
	if err := writePIDFile(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error after remove")
	}
}
