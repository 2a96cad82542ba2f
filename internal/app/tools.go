package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/callrelay/internal/config"
	"github.com/MrWong99/callrelay/internal/engine"
)

const (
	defaultToolTimeout = 10 * time.Second
	maxToolResponse    = 1 << 20
)

// webhookRequest is the body POSTed to a tool's URL.
type webhookRequest struct {
	SessionID string            `json:"session_id"`
	CallID    string            `json:"call_id"`
	Name      string            `json:"name"`
	Arguments json.RawMessage   `json:"arguments"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// toolCaller answers function calls by posting them to the webhook
// configured for the tool.
type toolCaller struct {
	client *http.Client
	tools  map[string]config.ToolConfig
}

func newToolCaller(client *http.Client, tools []config.ToolConfig) *toolCaller {
	m := make(map[string]config.ToolConfig, len(tools))
	for _, t := range tools {
		m[t.Name] = t
	}
	return &toolCaller{client: client, tools: m}
}

// Call implements engine.Callbacks.OnFunctionCall. Errors are turned into an
// error output for the model by the engine.
func (tc *toolCaller) Call(ctx context.Context, a engine.Actions, call engine.FunctionCall) (*engine.FunctionResult, error) {
	tool, ok := tc.tools[call.Name]
	if !ok || tool.URL == "" {
		return nil, fmt.Errorf("no webhook configured for function %s", call.Name)
	}

	args := json.RawMessage(call.Arguments)
	if !json.Valid(args) {
		quoted, _ := json.Marshal(call.Arguments)
		args = quoted
	}
	body, err := json.Marshal(webhookRequest{
		SessionID: a.SessionID(),
		CallID:    call.CallID,
		Name:      call.Name,
		Arguments: args,
		Metadata:  a.Metadata(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode webhook request: %w", err)
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tool.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook %s: %w", call.Name, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxToolResponse))
	if err != nil {
		return nil, fmt.Errorf("webhook %s: read response: %w", call.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("webhook %s returned status %d", call.Name, resp.StatusCode)
	}

	out = bytes.TrimSpace(out)
	switch {
	case len(out) == 0:
		out = []byte("{}")
	case !json.Valid(out):
		wrapped, _ := json.Marshal(map[string]string{"result": string(out)})
		out = wrapped
	}
	return &engine.FunctionResult{Output: string(out)}, nil
}
