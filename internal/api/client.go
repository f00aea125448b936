// Package api provides a typed HTTP client for the task and attendance
// server of record. All local state converges toward what this server
// reports; every write here is a request, not a fact, until a snapshot
// echoes it back.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pulseboard/pulseboard/internal/schema"
)

// Client is a bearer-token HTTP client for the server of record.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a Client for the given base URL. The token is sent as a
// bearer credential on every request.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// NewWithHTTPClient creates a Client with a caller-supplied http.Client.
// Tests use this to point at an httptest server.
func NewWithHTTPClient(baseURL, token string, httpClient *http.Client) *Client {
	client := New(baseURL, token)
	client.httpClient = httpClient
	return client
}

// FetchTasks returns the tasks visible to the authenticated user.
func (c *Client) FetchTasks(ctx context.Context) ([]schema.Task, error) {
	response, err := c.get(ctx, "/v1/tasks")
	if err != nil {
		return nil, fmt.Errorf("fetch tasks: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch tasks: %w", httpError(response))
	}

	var tasks []schema.Task
	if err := json.NewDecoder(response.Body).Decode(&tasks); err != nil {
		return nil, fmt.Errorf("fetch tasks: decoding response: %w", err)
	}
	return tasks, nil
}

// CreateTask submits a new task. The server assigns timestamps; the
// returned task is the server's version.
func (c *Client) CreateTask(ctx context.Context, task *schema.Task) (*schema.Task, error) {
	response, err := c.post(ctx, "/v1/tasks", task)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusCreated && response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("create task: %w", httpError(response))
	}

	var created schema.Task
	if err := json.NewDecoder(response.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("create task: decoding response: %w", err)
	}
	return &created, nil
}

// UpdateTask replaces a task wholesale.
func (c *Client) UpdateTask(ctx context.Context, task *schema.Task) error {
	response, err := c.do(ctx, http.MethodPut, "/v1/tasks/"+task.ID, task)
	if err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusNoContent {
		return fmt.Errorf("update task %s: %w", task.ID, httpError(response))
	}
	return nil
}

// TaskPatch carries a partial task update. Nil fields are left alone.
type TaskPatch struct {
	Status        *schema.TaskStatus `json:"status,omitempty"`
	Priority      *schema.Priority   `json:"priority,omitempty"`
	Deadline      *schema.Date       `json:"deadline,omitempty"`
	SharedNotes   *string            `json:"shared_notes,omitempty"`
	AssigneeNotes *string            `json:"assignee_notes,omitempty"`
	AssignerNotes *string            `json:"assigner_notes,omitempty"`
}

// PatchTask applies a partial update to a task.
func (c *Client) PatchTask(ctx context.Context, taskID string, patch *TaskPatch) error {
	response, err := c.do(ctx, http.MethodPatch, "/v1/tasks/"+taskID, patch)
	if err != nil {
		return fmt.Errorf("patch task %s: %w", taskID, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusNoContent {
		return fmt.Errorf("patch task %s: %w", taskID, httpError(response))
	}
	return nil
}

// DeleteTask removes a task from the server.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	response, err := c.do(ctx, http.MethodDelete, "/v1/tasks/"+taskID, nil)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusNoContent {
		return fmt.Errorf("delete task %s: %w", taskID, httpError(response))
	}
	return nil
}

// clockInRequest is the wire format for POST /v1/attendance/clock-in.
type clockInRequest struct {
	Username string          `json:"username"`
	Date     schema.Date     `json:"date"`
	At       time.Time       `json:"at"`
	WorkType schema.WorkType `json:"work_type"`
	Notes    string          `json:"notes,omitempty"`
}

// ClockIn records a clock-in with the server of record. Late
// classification happens server-side against the same grace cutoff the
// local machine uses.
func (c *Client) ClockIn(ctx context.Context, username string, day schema.Date, at time.Time, workType schema.WorkType, notes string) error {
	body := clockInRequest{Username: username, Date: day, At: at, WorkType: workType, Notes: notes}
	response, err := c.post(ctx, "/v1/attendance/clock-in", body)
	if err != nil {
		return fmt.Errorf("clock in %s: %w", username, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusCreated {
		return fmt.Errorf("clock in %s: %w", username, httpError(response))
	}
	return nil
}

// clockOutRequest is the wire format for POST /v1/attendance/clock-out.
type clockOutRequest struct {
	Username string      `json:"username"`
	Date     schema.Date `json:"date"`
	At       time.Time   `json:"at"`
}

// ClockOut records a clock-out time against an existing day record.
func (c *Client) ClockOut(ctx context.Context, username string, day schema.Date, at time.Time) error {
	body := clockOutRequest{Username: username, Date: day, At: at}
	response, err := c.post(ctx, "/v1/attendance/clock-out", body)
	if err != nil {
		return fmt.Errorf("clock out %s: %w", username, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("clock out %s: %w", username, httpError(response))
	}
	return nil
}

// markAbsentRequest is the wire format for POST /v1/attendance/absent.
type markAbsentRequest struct {
	Username string              `json:"username"`
	Date     schema.Date         `json:"date"`
	Source   schema.RecordSource `json:"source"`
}

// MarkAbsent records an absence. The sweep uses this to report its
// locally recorded absences upstream; the server applies the same
// first-writer-wins rule, so a user who clocked in meanwhile stays
// present.
func (c *Client) MarkAbsent(ctx context.Context, username string, day schema.Date, source schema.RecordSource) error {
	body := markAbsentRequest{Username: username, Date: day, Source: source}
	response, err := c.post(ctx, "/v1/attendance/absent", body)
	if err != nil {
		return fmt.Errorf("mark absent %s: %w", username, err)
	}
	defer response.Body.Close()

	// 409 means the server already has a record for the day. That is
	// the expected outcome when the user beat the sweep.
	if response.StatusCode == http.StatusConflict {
		return nil
	}
	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusCreated {
		return fmt.Errorf("mark absent %s: %w", username, httpError(response))
	}
	return nil
}

// FetchSettings returns the server-configured cutoffs.
func (c *Client) FetchSettings(ctx context.Context) (*schema.Settings, error) {
	response, err := c.get(ctx, "/v1/settings")
	if err != nil {
		return nil, fmt.Errorf("fetch settings: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch settings: %w", httpError(response))
	}

	var settings schema.Settings
	if err := json.NewDecoder(response.Body).Decode(&settings); err != nil {
		return nil, fmt.Errorf("fetch settings: decoding response: %w", err)
	}
	return &settings, nil
}

// User is a directory entry from GET /v1/users.
type User struct {
	Username string `json:"username"`
	FullName string `json:"full_name,omitempty"`
	Admin    bool   `json:"admin,omitempty"`
}

// ListUsers returns the roster the sweep runs against.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	response, err := c.get(ctx, "/v1/users")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list users: %w", httpError(response))
	}

	var users []User
	if err := json.NewDecoder(response.Body).Decode(&users); err != nil {
		return nil, fmt.Errorf("list users: decoding response: %w", err)
	}
	return users, nil
}

// get makes an authenticated GET request.
func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// post makes an authenticated POST request with a JSON body.
func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(request)
}

// httpError reads a short error body and wraps it with the status code.
func httpError(response *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(response.Body, 512))
	text := strings.TrimSpace(string(data))
	if text == "" {
		return fmt.Errorf("HTTP %d", response.StatusCode)
	}
	return fmt.Errorf("HTTP %d: %s", response.StatusCode, text)
}
