// Package openmcp is a Go client for the OpenMCP assistant turn API.
package openmcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Synchronous turns may run for a while, so it is longer
// than a typical REST call.
const DefaultHTTPTimeout = 90 * time.Second

// Client wraps the HTTP interactions with the OpenMCP turn API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// TurnRequest is one user utterance.
type TurnRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId"`
}

// TurnResponse is the assistant reply for a turn.
type TurnResponse struct {
	Message              string `json:"message"`
	SessionID            string `json:"sessionId"`
	RequiresConfirmation bool   `json:"requiresConfirmation,omitempty"`
}

// TurnSubmission is returned when a turn is queued for asynchronous execution.
type TurnSubmission struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
}

// Task is the state of a queued turn.
type Task struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	UserID     string        `json:"user_id"`
	Message    string        `json:"message"`
	Status     string        `json:"status"`
	Attempts   int           `json:"attempts"`
	MaxRetries int           `json:"max_retries"`
	LastError  string        `json:"last_error,omitempty"`
	ErrorCode  string        `json:"error_code,omitempty"`
	Result     *TurnResponse `json:"result,omitempty"`
	CreatedAt  int64         `json:"created_at"`
	UpdatedAt  int64         `json:"updated_at"`
}

// Done reports whether the task reached a terminal state.
func (t Task) Done() bool {
	return t.Status == "succeeded" || t.Status == "failed"
}

// Command is one entry of a session's command list.
type Command struct {
	Domain string `json:"domain"`
	Text   string `json:"text"`
	Status string `json:"status"`
	Order  int    `json:"order"`
}

// Session is the externally visible part of a conversation.
type Session struct {
	SessionID            string            `json:"sessionId"`
	UserID               string            `json:"userId"`
	Commands             []Command         `json:"commands"`
	AccumulatedKnowledge string            `json:"accumulatedKnowledge"`
	AwaitingConfirmation map[string]string `json:"awaitingConfirmation,omitempty"`
	UndoDeadlines        map[string]string `json:"undoDeadlines,omitempty"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// APIError represents a non-2xx response of the API.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("openmcp api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("openmcp api error (%d): %s", e.StatusCode, e.Message)
}

// IsBusy reports whether err means the session is processing another turn.
func IsBusy(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// NewClient instantiates a client for the OpenMCP API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SendTurn runs a turn synchronously.
func (c *Client) SendTurn(ctx context.Context, turn TurnRequest) (TurnResponse, error) {
	var resp TurnResponse
	if err := c.send(ctx, http.MethodPost, "/api/v1/turns", nil, turn, &resp, nil); err != nil {
		return TurnResponse{}, err
	}
	return resp, nil
}

// SubmitTurn queues a turn. A non-empty idempotencyKey makes resubmission
// return the original task.
func (c *Client) SubmitTurn(ctx context.Context, turn TurnRequest, idempotencyKey string) (TurnSubmission, error) {
	var sub TurnSubmission
	header := http.Header{}
	if idempotencyKey != "" {
		header.Set("Idempotency-Key", idempotencyKey)
	}
	query := url.Values{"async": []string{"true"}}
	if err := c.send(ctx, http.MethodPost, "/api/v1/turns", query, turn, &sub, header); err != nil {
		return TurnSubmission{}, err
	}
	return sub, nil
}

// GetTask fetches a queued turn by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID), nil, nil, &task, nil); err != nil {
		return Task{}, err
	}
	return task, nil
}

// WaitTask polls GetTask until the task is done or ctx ends.
func (c *Client) WaitTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if task.Done() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetSession returns the session overview for its owner.
func (c *Client) GetSession(ctx context.Context, sessionID, userID string) (Session, error) {
	var sess Session
	query := url.Values{"user_id": []string{userID}}
	if err := c.send(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(sessionID), query, nil, &sess, nil); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// DeleteSession drops a session and its undo records.
func (c *Client) DeleteSession(ctx context.Context, sessionID, userID string) error {
	query := url.Values{"user_id": []string{userID}}
	return c.send(ctx, http.MethodDelete, "/api/v1/sessions/"+url.PathEscape(sessionID), query, nil, nil, nil)
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any, header http.Header) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
