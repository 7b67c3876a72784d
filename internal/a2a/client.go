// ABOUTME: HTTP client for the agent descriptor and task protocol.
// ABOUTME: Fetches agent cards, submits tasks, and polls task state with per-request timeouts.

package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrAgentUnreachable indicates a probe or request failed at the network or
// HTTP level. Callers treat this as a liveness signal, not a task failure.
var ErrAgentUnreachable = errors.New("agent unreachable")

const (
	sendTaskPath = "/tasks/send"
	getTaskPath  = "/tasks/"

	// maxResponseBytes bounds how much of an agent response is read into
	// memory.
	maxResponseBytes = 16 << 20
)

// Client talks the descriptor/task protocol to individual agents.
type Client struct {
	httpClient     *http.Client
	requestTimeout time.Duration
}

// NewClient creates a protocol client. requestTimeout bounds every single
// outbound call; it is independent from task-level deadlines.
func NewClient(requestTimeout time.Duration) *Client {
	return &Client{
		httpClient:     &http.Client{},
		requestTimeout: requestTimeout,
	}
}

// SendTaskRequest is the JSON body for POST /tasks/send.
type SendTaskRequest struct {
	Description string  `json:"description"`
	Message     Message `json:"message"`
}

// FetchCard retrieves and parses the descriptor an agent serves on its
// well-known path.
func (c *Client) FetchCard(ctx context.Context, baseURL string) (*AgentCard, error) {
	cardURL, err := joinURL(baseURL, WellKnownCardPath)
	if err != nil {
		return nil, err
	}

	var card AgentCard
	if err := c.getJSON(ctx, cardURL, &card); err != nil {
		return nil, err
	}
	if card.ID == "" {
		return nil, fmt.Errorf("agent card from %s has no id", baseURL)
	}
	if card.URL == "" {
		card.URL = baseURL
	}
	return &card, nil
}

// SendTask submits a task payload to the agent and returns its initial task
// object. The agent may reply with a terminal task straight away.
func (c *Client) SendTask(ctx context.Context, card *AgentCard, req *SendTaskRequest) (*Task, error) {
	taskURL, err := joinURL(card.URL, sendTaskPath)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding task request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, taskURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return c.doTask(httpReq)
}

// GetTask polls the current state of a previously submitted task.
func (c *Client) GetTask(ctx context.Context, card *AgentCard, taskID string) (*Task, error) {
	taskURL, err := joinURL(card.URL, getTaskPath+url.PathEscape(taskID))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, taskURL, nil)
	if err != nil {
		return nil, err
	}

	return c.doTask(httpReq)
}

func (c *Client) doTask(req *http.Request) (*Task, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgentUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: agent returned status %d", ErrAgentUnreachable, resp.StatusCode)
	}

	var task Task
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&task); err != nil {
		return nil, fmt.Errorf("decoding task response: %w", err)
	}
	return &task, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAgentUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d from %s", ErrAgentUnreachable, resp.StatusCode, rawURL)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", rawURL, err)
	}
	return nil
}

func joinURL(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid agent url %q: %w", base, err)
	}
	return u.String() + path, nil
}
