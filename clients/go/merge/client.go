// Package merge provides a client for the merge relay: an HTTP client for
// every route, a polling helper for blocking tasks and a reconnecting
// WebSocket client.
package merge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/antonstjernquist/merge/internal/models"
)

// Header names understood by the relay.
const (
	AgentHeader   = "X-Agent-Id"
	RoomKeyHeader = "X-Room-Key"
)

// Client is a merge relay API client. AgentID is sent with every request
// once set, and Connect sets it.
type Client struct {
	BaseURL    string
	Token      string
	AgentID    string
	HTTPClient *http.Client
}

// NewClient creates a new client for the relay at baseURL.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:3000"
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the relay.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("merge error %d (%s): %s", e.Status, e.Code, e.Message)
}

// doRequest performs an HTTP request and decodes the response into out.
func (c *Client) doRequest(ctx context.Context, method, path string, header http.Header, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.AgentID != "" {
		req.Header.Set(AgentHeader, c.AgentID)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		json.Unmarshal(respBody, &errResp)
		return &APIError{Status: resp.StatusCode, Code: errResp.Code, Message: errResp.Error}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// ConnectRequest is the request body for connecting an agent.
type ConnectRequest struct {
	Name    string      `json:"name"`
	AgentID string      `json:"agentId,omitempty"`
	Role    models.Role `json:"role,omitempty"`
	Skills  []string    `json:"skills,omitempty"`
}

type agentResponse struct {
	Agent models.Agent `json:"agent"`
	Token string       `json:"token"`
}

// Connect registers the agent, or refreshes it when AgentID is known, and
// remembers its id for later calls.
func (c *Client) Connect(ctx context.Context, req ConnectRequest) (*models.Agent, error) {
	if req.AgentID == "" {
		req.AgentID = c.AgentID
	}
	var resp agentResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/connect", nil, req, &resp); err != nil {
		return nil, err
	}
	c.AgentID = resp.Agent.ID
	return &resp.Agent, nil
}

// Disconnect removes the agent from the relay.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, "/api/v1/auth/disconnect", nil, nil, nil)
}

// Status is the connection state of the agent.
type Status struct {
	Connected    bool             `json:"connected"`
	Agent        *models.AgentRef `json:"agent,omitempty"`
	PendingTasks int              `json:"pendingTasks"`
	ActiveTasks  int              `json:"activeTasks"`
}

// Status reports whether the agent is known to the relay.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var resp Status
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/auth/status", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateTaskRequest is the request body for creating a task.
type CreateTaskRequest struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Blocking    bool           `json:"blocking"`
	Target      *models.Target `json:"target,omitempty"`
	RoomID      string         `json:"roomId,omitempty"`
}

type taskResponse struct {
	Task models.Task `json:"task"`
}

type tasksResponse struct {
	Tasks []models.Task `json:"tasks"`
}

// CreateTask creates a task in the agent's current room unless RoomID is set.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	return c.task(ctx, http.MethodPost, "/api/v1/tasks", req)
}

// ListTasks lists tasks created by or assigned to the agent.
func (c *Client) ListTasks(ctx context.Context) ([]models.Task, error) {
	var resp tasksResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/tasks", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// PendingTasks lists the tasks the agent may accept. An empty roomID means
// the agent's current room.
func (c *Client) PendingTasks(ctx context.Context, roomID string) ([]models.Task, error) {
	path := "/api/v1/tasks/pending"
	if roomID != "" {
		path += "?roomId=" + url.QueryEscape(roomID)
	}
	var resp tasksResponse
	if err := c.doRequest(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	return c.task(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID), nil)
}

// WaitTask asks the relay to hold the request until the task finishes or
// timeout passes.
func (c *Client) WaitTask(ctx context.Context, taskID string, timeout time.Duration) (*models.Task, error) {
	path := "/api/v1/tasks/" + url.PathEscape(taskID) + "/wait?timeout=" + strconv.Itoa(int(timeout/time.Second))
	return c.task(ctx, http.MethodGet, path, nil)
}

// AcceptTask assigns a pending task to the agent.
func (c *Client) AcceptTask(ctx context.Context, taskID string) (*models.Task, error) {
	return c.task(ctx, http.MethodPatch, "/api/v1/tasks/"+url.PathEscape(taskID)+"/accept", nil)
}

// StartTask marks an accepted task in progress.
func (c *Client) StartTask(ctx context.Context, taskID string) (*models.Task, error) {
	body := map[string]models.TaskStatus{"status": models.TaskInProgress}
	return c.task(ctx, http.MethodPatch, "/api/v1/tasks/"+url.PathEscape(taskID)+"/status", body)
}

// SubmitResult finishes a task.
func (c *Client) SubmitResult(ctx context.Context, taskID string, result models.TaskResult) (*models.Task, error) {
	return c.task(ctx, http.MethodPatch, "/api/v1/tasks/"+url.PathEscape(taskID)+"/result", result)
}

// DeleteTask removes a task the agent created.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.doRequest(ctx, http.MethodDelete, "/api/v1/tasks/"+url.PathEscape(taskID), nil, nil, nil)
}

func (c *Client) task(ctx context.Context, method, path string, body any) (*models.Task, error) {
	var resp taskResponse
	if err := c.doRequest(ctx, method, path, nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp.Task, nil
}

// ListRooms lists every room.
func (c *Client) ListRooms(ctx context.Context) ([]models.Room, error) {
	var resp struct {
		Rooms []models.Room `json:"rooms"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/rooms", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

// CreateRoom creates a room, locked when key is not empty.
func (c *Client) CreateRoom(ctx context.Context, name, key string) (*models.Room, error) {
	body := map[string]string{"name": name}
	if key != "" {
		body["roomKey"] = key
	}
	var resp struct {
		Room models.Room `json:"room"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/rooms", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp.Room, nil
}

// RoomDetail is a room with its recent history.
type RoomDetail struct {
	Room     models.Room          `json:"room"`
	Messages []models.RoomMessage `json:"messages"`
}

// GetRoom fetches a room by id or name. key is needed for locked rooms the
// agent is not a member of.
func (c *Client) GetRoom(ctx context.Context, room, key string) (*RoomDetail, error) {
	var resp RoomDetail
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/rooms/"+url.PathEscape(room), keyHeader(key), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JoinRoomRequest is the request body for joining a room.
type JoinRoomRequest struct {
	Name    string      `json:"name"`
	AgentID string      `json:"agentId,omitempty"`
	Role    models.Role `json:"role,omitempty"`
	Skills  []string    `json:"skills,omitempty"`
	RoomKey string      `json:"roomKey,omitempty"`
}

// JoinRoom joins a room by id or name, creating it on first reference.
func (c *Client) JoinRoom(ctx context.Context, room string, req JoinRoomRequest) (*models.Room, error) {
	if req.AgentID == "" {
		req.AgentID = c.AgentID
	}
	var resp struct {
		Room  models.Room  `json:"room"`
		Agent models.Agent `json:"agent"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/rooms/"+url.PathEscape(room)+"/join", nil, req, &resp); err != nil {
		return nil, err
	}
	c.AgentID = resp.Agent.ID
	return &resp.Room, nil
}

// LeaveRoom leaves a room.
func (c *Client) LeaveRoom(ctx context.Context, room string) error {
	return c.doRequest(ctx, http.MethodPost, "/api/v1/rooms/"+url.PathEscape(room)+"/leave", nil, nil, nil)
}

// LockRoom locks a room the agent is a member of.
func (c *Client) LockRoom(ctx context.Context, room, key string) (*models.Room, error) {
	var resp struct {
		Room models.Room `json:"room"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/rooms/"+url.PathEscape(room)+"/lock", nil, map[string]string{"roomKey": key}, &resp); err != nil {
		return nil, err
	}
	return &resp.Room, nil
}

// RoomAgents lists the members of a room.
func (c *Client) RoomAgents(ctx context.Context, room, key string) ([]models.Agent, error) {
	var resp struct {
		Agents []models.Agent `json:"agents"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/rooms/"+url.PathEscape(room)+"/agents", keyHeader(key), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// RoomMessages returns up to limit recent messages, oldest first, newer
// than since when it is not zero.
func (c *Client) RoomMessages(ctx context.Context, room, key string, limit int, since time.Time) ([]models.RoomMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	path := "/api/v1/rooms/" + url.PathEscape(room) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Messages []models.RoomMessage `json:"messages"`
	}
	if err := c.doRequest(ctx, http.MethodGet, path, keyHeader(key), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// PostMessage posts to a room. A non-empty toAgentID makes it a direct
// message.
func (c *Client) PostMessage(ctx context.Context, room, content, toAgentID string) (*models.RoomMessage, error) {
	body := map[string]string{"content": content}
	if toAgentID != "" {
		body["toAgentId"] = toAgentID
	}
	var resp struct {
		Message models.RoomMessage `json:"message"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/rooms/"+url.PathEscape(room)+"/messages", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Checks  map[string]struct {
		Status  string `json:"status"`
		Message string `json:"message,omitempty"`
	} `json:"checks"`
	Stats struct {
		Agents      int `json:"agents"`
		Rooms       int `json:"rooms"`
		Connections int `json:"connections"`
	} `json:"stats"`
	Timestamp string `json:"timestamp"`
}

// Health checks server health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/health", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func keyHeader(key string) http.Header {
	if key == "" {
		return nil
	}
	h := http.Header{}
	h.Set(RoomKeyHeader, key)
	return h
}
