package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WireVersion is the registry wire protocol version this client speaks.
// Responses carrying a different version are rejected on decode.
const WireVersion = 1

// HTTPGateway talks to the registry over HTTP with bearer auth.
type HTTPGateway struct {
	baseURL string
	agentID string
	token   string
	client  *http.Client
}

var _ Gateway = (*HTTPGateway)(nil)

// NewHTTPGateway creates a registry client for baseURL. The token is sent as
// a bearer credential on every request.
func NewHTTPGateway(baseURL, agentID, token string) (*HTTPGateway, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("registry base URL is empty")
	}
	if strings.TrimSpace(agentID) == "" {
		return nil, fmt.Errorf("agent ID is empty")
	}
	return &HTTPGateway{
		baseURL: trimmed,
		agentID: agentID,
		token:   strings.TrimSpace(token),
		client:  &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type pendingTasksResponse struct {
	Version int      `json:"version"`
	Tasks   []AITask `json:"tasks"`
}

type progressReport struct {
	Version    int    `json:"version"`
	Percentage int    `json:"percentage"`
	Phase      string `json:"phase"`
}

type terminalReport struct {
	Version int             `json:"version"`
	Status  string          `json:"status"`
	Result  ExecutionResult `json:"result"`
}

type workspaceEventReport struct {
	Version  int               `json:"version"`
	Category string            `json:"category"`
	Level    string            `json:"level"`
	Message  string            `json:"message"`
	Details  map[string]string `json:"details,omitempty"`
}

func (g *HTTPGateway) FetchPendingTasks(ctx context.Context, agentID string) ([]AITask, error) {
	var resp pendingTasksResponse
	url := fmt.Sprintf("%s/v1/agents/%s/tasks/pending", g.baseURL, agentID)
	if err := g.do(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch pending tasks: %w", err)
	}
	if resp.Version != WireVersion {
		return nil, fmt.Errorf("unsupported registry wire version: %d", resp.Version)
	}
	return resp.Tasks, nil
}

func (g *HTTPGateway) ReportAttemptStarted(ctx context.Context, attemptID string) error {
	url := fmt.Sprintf("%s/v1/attempts/%s/started", g.baseURL, attemptID)
	if err := g.do(ctx, http.MethodPost, url, struct {
		Version int `json:"version"`
	}{WireVersion}, nil); err != nil {
		return fmt.Errorf("report attempt started: %w", err)
	}
	return nil
}

func (g *HTTPGateway) ReportAttemptProgress(ctx context.Context, attemptID string, percentage int, phase string) error {
	url := fmt.Sprintf("%s/v1/attempts/%s/progress", g.baseURL, attemptID)
	body := progressReport{Version: WireVersion, Percentage: percentage, Phase: phase}
	if err := g.do(ctx, http.MethodPost, url, body, nil); err != nil {
		return fmt.Errorf("report attempt progress: %w", err)
	}
	return nil
}

func (g *HTTPGateway) ReportAttemptTerminal(ctx context.Context, attemptID string, status string, result ExecutionResult) error {
	url := fmt.Sprintf("%s/v1/attempts/%s/terminal", g.baseURL, attemptID)
	body := terminalReport{Version: WireVersion, Status: status, Result: result}
	if err := g.do(ctx, http.MethodPost, url, body, nil); err != nil {
		return fmt.Errorf("report attempt terminal: %w", err)
	}
	return nil
}

func (g *HTTPGateway) ReportWorkspaceEvent(ctx context.Context, workspaceID, category, level, message string, details map[string]string) error {
	url := fmt.Sprintf("%s/v1/workspaces/%s/events", g.baseURL, workspaceID)
	body := workspaceEventReport{
		Version:  WireVersion,
		Category: category,
		Level:    level,
		Message:  message,
		Details:  details,
	}
	if err := g.do(ctx, http.MethodPost, url, body, nil); err != nil {
		return fmt.Errorf("report workspace event: %w", err)
	}
	return nil
}

func (g *HTTPGateway) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("registry returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
