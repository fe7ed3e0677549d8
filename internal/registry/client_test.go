package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFetchPendingTasks(t *testing.T) {
	t.Parallel()

	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		fmt.Fprintf(w, `{"version":1,"tasks":[{"id":"task-1","objective":"summarize logs","command":"echo hi","mode":"execute","guardrails":{"cost_cap_usd":2.5,"requires_human_approval":false},"max_retries":2}]}`)
	}))
	defer srv.Close()

	g, err := NewHTTPGateway(srv.URL, "agent-1", "tok-abc")
	if err != nil {
		t.Fatalf("NewHTTPGateway: %v", err)
	}

	tasks, err := g.FetchPendingTasks(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("FetchPendingTasks: %v", err)
	}
	if gotAuth != "Bearer tok-abc" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotPath != "/v1/agents/agent-1/tasks/pending" {
		t.Fatalf("path = %q", gotPath)
	}
	if len(tasks) != 1 || tasks[0].ID != "task-1" || tasks[0].Mode != ModeExecute {
		t.Fatalf("tasks = %#v", tasks)
	}
	if tasks[0].Guardrails.CostCapUSD == nil || *tasks[0].Guardrails.CostCapUSD != 2.5 {
		t.Fatalf("guardrails = %#v", tasks[0].Guardrails)
	}
	if tasks[0].Guardrails.TimeCapMin != nil {
		t.Fatal("absent time cap should decode as nil")
	}
}

func TestFetchPendingTasksRejectsWireVersion(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"version":99,"tasks":[]}`)
	}))
	defer srv.Close()

	g, err := NewHTTPGateway(srv.URL, "agent-1", "")
	if err != nil {
		t.Fatalf("NewHTTPGateway: %v", err)
	}
	if _, err := g.FetchPendingTasks(context.Background(), "agent-1"); err == nil {
		t.Fatal("expected wire version error")
	}
}

func TestReportAttemptTerminal(t *testing.T) {
	t.Parallel()

	var got terminalReport
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode report: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	g, err := NewHTTPGateway(srv.URL, "agent-1", "tok")
	if err != nil {
		t.Fatalf("NewHTTPGateway: %v", err)
	}

	result := ExecutionResult{
		ExitCode: 0,
		Output:   "done",
		Artifacts: []ArtifactRef{
			{Path: "report.md", SizeBytes: 12, Blake3: "abc123"},
		},
	}
	if err := g.ReportAttemptTerminal(context.Background(), "att-1", "completed", result); err != nil {
		t.Fatalf("ReportAttemptTerminal: %v", err)
	}
	if gotPath != "/v1/attempts/att-1/terminal" {
		t.Fatalf("path = %q", gotPath)
	}
	if got.Version != WireVersion || got.Status != "completed" {
		t.Fatalf("report = %#v", got)
	}
	if len(got.Result.Artifacts) != 1 || got.Result.Artifacts[0].Path != "report.md" {
		t.Fatalf("artifacts = %#v", got.Result.Artifacts)
	}
}

func TestErrorResponseIncludesBodySnippet(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent not registered", http.StatusForbidden)
	}))
	defer srv.Close()

	g, err := NewHTTPGateway(srv.URL, "agent-1", "tok")
	if err != nil {
		t.Fatalf("NewHTTPGateway: %v", err)
	}
	err = g.ReportAttemptStarted(context.Background(), "att-1")
	if err == nil {
		t.Fatal("expected error for 403 response")
	}
	for _, want := range []string{"403", "agent not registered"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestNewHTTPGatewayValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewHTTPGateway("", "agent-1", "tok"); err == nil {
		t.Fatal("expected error for empty base URL")
	}
	if _, err := NewHTTPGateway("https://registry.example.com", "  ", "tok"); err == nil {
		t.Fatal("expected error for blank agent ID")
	}

	g, err := NewHTTPGateway("https://registry.example.com/", "agent-1", "tok")
	if err != nil {
		t.Fatalf("NewHTTPGateway: %v", err)
	}
	if g.baseURL != "https://registry.example.com" {
		t.Fatalf("trailing slash not trimmed: %q", g.baseURL)
	}
}
