package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	maxBackoff     = 30 * time.Second
	initialBackoff = time.Second
)

// Client keeps a live, reconciled view of one account's tasks. It seeds
// the view with a full list fetch, joins the account's room over the
// websocket, and merges fan-out events as they arrive. Its own mutations
// go over HTTP and are merged from the response, tagged with the session
// id so the server's fan-out skips this client.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	logger  *log.Logger
	rec     *Reconciler

	mu        sync.Mutex
	sessionID string

	// OnChange, when set, is called with a fresh snapshot after every
	// change to the view. Called from the client's goroutines.
	OnChange func([]domain.Task)
}

func New(baseURL, token string, logger *log.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
		rec:     NewReconciler(),
	}
}

func (c *Client) Reconciler() *Reconciler { return c.rec }

// SessionID returns the transport id announced by the server, or "" until
// the websocket handshake completes.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Run connects and keeps the view live until ctx is cancelled,
// reconnecting with backoff after failures.
func (c *Client) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.WithError(err).Warnf("connection lost, retrying in %v", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	tasks, err := c.List(ctx)
	if err != nil {
		return fmt.Errorf("seed fetch: %w", err)
	}
	c.rec.Reset(tasks)
	c.notify()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	if err := writeFrame(conn, "join-room", c.token); err != nil {
		return fmt.Errorf("join-room: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f wireFrame
		if err := sonic.Unmarshal(data, &f); err != nil {
			c.logger.WithError(err).Debug("bad frame")
			continue
		}
		switch f.Event {
		case "session":
			var id string
			if err := sonic.Unmarshal(f.Data, &id); err == nil {
				c.mu.Lock()
				c.sessionID = id
				c.mu.Unlock()
			}
		case domain.TaskCreated, domain.TaskUpdated, domain.TaskDeleted:
			var ev domain.Event
			if err := sonic.Unmarshal(f.Data, &ev); err != nil {
				c.logger.WithError(err).Debug("bad event payload")
				continue
			}
			c.rec.ApplyRemote(ev)
			c.notify()
		}
	}
}

// List fetches the full task list. It does not touch the reconciled view;
// callers seed with Reset when appropriate.
func (c *Client) List(ctx context.Context) ([]domain.Task, error) {
	var tasks []domain.Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Create adds a task and merges the canonical result into the view.
func (c *Client) Create(ctx context.Context, title, description string) (domain.Task, error) {
	body := map[string]string{"title": title, "description": description}
	var task domain.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks", body, &task); err != nil {
		return domain.Task{}, err
	}
	c.rec.ApplyLocal(task)
	c.notify()
	return task, nil
}

// Update patches a task and merges the canonical result into the view.
func (c *Client) Update(ctx context.Context, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	var task domain.Task
	if err := c.do(ctx, http.MethodPut, "/api/tasks/"+taskID, patch, &task); err != nil {
		return domain.Task{}, err
	}
	c.rec.ApplyLocal(task)
	c.notify()
	return task, nil
}

// Delete removes a task and drops it from the view.
func (c *Client) Delete(ctx context.Context, taskID string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/tasks/"+taskID, nil, nil); err != nil {
		return err
	}
	c.rec.Remove(taskID)
	c.notify()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := sonic.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.Lock()
	if c.sessionID != "" {
		req.Header.Set("X-Session-ID", c.sessionID)
	}
	c.mu.Unlock()

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := sonic.Unmarshal(data, &apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return sonic.Unmarshal(data, out)
}

func (c *Client) wsURL() string {
	u := c.baseURL + "/ws"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func (c *Client) notify() {
	if c.OnChange != nil {
		c.OnChange(c.rec.Snapshot())
	}
}

type wireFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func writeFrame(conn *websocket.Conn, event string, data any) error {
	raw, err := sonic.Marshal(data)
	if err != nil {
		return err
	}
	payload, err := sonic.Marshal(wireFrame{Event: event, Data: raw})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}
