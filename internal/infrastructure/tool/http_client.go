package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	domaintool "github.com/agentrelay/agentrelay/internal/domain/tool"
)

// HTTPClient talks to an external-http tool server: GET
// <base>/tools/list, POST <base>/tools/call, optional bearer auth.
type HTTPClient struct {
	httpClient *http.Client
}

// NewHTTPClient creates a client with a bounded default timeout; per-call
// timeouts are applied via the context passed to each method.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{httpClient: &http.Client{Timeout: 60 * time.Second}}
}

type httpToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

type httpListResponse struct {
	Result struct {
		Tools []httpToolDef `json:"tools"`
	} `json:"result"`
}

type httpCallRequest struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type httpCallResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (c *HTTPClient) ListTools(ctx context.Context, cfg domaintool.ServerConfig) ([]domaintool.Definition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL+"/tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.authorize(req, cfg)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET tools/list: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tools/list: status %d: %s", resp.StatusCode, body)
	}

	var parsed httpListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode tools/list response: %w", err)
	}

	defs := make([]domaintool.Definition, 0, len(parsed.Result.Tools))
	for _, t := range parsed.Result.Tools {
		defs = append(defs, domaintool.Definition{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
	}
	return defs, nil
}

func (c *HTTPClient) CallTool(ctx context.Context, cfg domaintool.ServerConfig, name string, args map[string]interface{}) (*domaintool.Result, error) {
	payload, err := json.Marshal(httpCallRequest{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL+"/tools/call", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req, cfg)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domaintool.Result{Success: false, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var parsed httpCallResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &domaintool.Result{Success: false, Error: fmt.Sprintf("decode response: %v", err)}, nil
	}
	if parsed.Error != nil {
		return &domaintool.Result{Success: false, Error: parsed.Error.Message}, nil
	}

	return &domaintool.Result{Output: string(parsed.Result), Success: true}, nil
}

func (c *HTTPClient) authorize(req *http.Request, cfg domaintool.ServerConfig) {
	if cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}
}
