package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/HyphaGroup/runloom/internal/api"
	"github.com/HyphaGroup/runloom/internal/conversation"
)

// EnvServerURL overrides the default API address of the client commands
const EnvServerURL = "RUNLOOM_URL"

func defaultServerURL() string {
	if u := os.Getenv(EnvServerURL); u != "" {
		return u
	}
	return "http://localhost:8080"
}

type apiClient struct {
	baseURL    string
	httpClient *http.Client
	// streamClient has no timeout; streams last as long as the run
	streamClient *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		streamClient: &http.Client{},
	}
}

// do sends body as JSON and decodes the envelope's data into out
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%s %s: unexpected response (status %d): %w", method, path, resp.StatusCode, err)
	}
	if !envelope.Success {
		return fmt.Errorf("%s (status %d)", envelope.Error, resp.StatusCode)
	}
	if out != nil && len(envelope.Data) > 0 {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}

func (c *apiClient) startRun(ctx context.Context, req api.StartRunRequest) (*conversation.Run, error) {
	var r conversation.Run
	if err := c.do(ctx, http.MethodPost, "/v1/runs", req, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *apiClient) getRun(ctx context.Context, runID string) (*conversation.Run, error) {
	var r conversation.Run
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+runID, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *apiClient) stopRun(ctx context.Context, runID, reason string) error {
	return c.do(ctx, http.MethodPost, "/v1/runs/"+runID+"/stop", api.StopRunRequest{Reason: reason}, nil)
}

// streamRun calls fn for every event of the run until the stream ends
func (c *apiClient) streamRun(ctx context.Context, runID string, fn func(conversation.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/runs/"+runID+"/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("stream failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var ev conversation.Event
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return scanner.Err()
}
