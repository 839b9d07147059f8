package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pleasure-js/forker/internal/ipc"
	"github.com/pleasure-js/forker/internal/supervisor"
)

// Client is the remote call surface over one daemon connection. Each call
// sends a correlated request and resolves on the matching res-<id>
// notification; the correlation entry is always cleared on settlement
// (success, failure, or timeout), so a late response is simply dropped.
type Client struct {
	conn    *ipc.Conn
	timeout time.Duration

	mu       sync.Mutex
	pending  map[string]chan ipc.Message
	progress map[string]func(chunk string)
}

// Dial connects to the daemon socket.
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	nc, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	return newClient(ipc.NewConn(nc), timeout), nil
}

func newClient(conn *ipc.Conn, timeout time.Duration) *Client {
	c := &Client{
		conn:     conn,
		timeout:  timeout,
		pending:  make(map[string]chan ipc.Message),
		progress: make(map[string]func(string)),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for {
		msg, err := c.conn.ReadMessage()
		if err != nil {
			c.failAll()
			return
		}
		switch {
		case strings.HasPrefix(msg.Type, ipc.ResponsePrefix):
			id := strings.TrimPrefix(msg.Type, ipc.ResponsePrefix)
			c.mu.Lock()
			ch := c.pending[id]
			delete(c.pending, id)
			c.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
		case strings.HasPrefix(msg.Type, ipc.ProgressPrefix):
			id := strings.TrimPrefix(msg.Type, ipc.ProgressPrefix)
			c.mu.Lock()
			fn := c.progress[id]
			c.mu.Unlock()
			if fn != nil {
				fn(msg.Chunk)
			}
		}
	}
}

// failAll settles every in-flight call with a closed channel when the
// connection drops.
func (c *Client) failAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

// OnProgress registers a callback for progress-<id> chunks. The returned
// function unregisters it; callers must invoke it when done streaming.
func (c *Client) OnProgress(id string, fn func(chunk string)) func() {
	c.mu.Lock()
	c.progress[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.progress, id)
		c.mu.Unlock()
	}
}

// Call issues one correlated request. A zero timeout uses the client
// default; a negative timeout waits indefinitely (synchronous forks).
func (c *Client) Call(method string, timeout time.Duration, payload ...any) (json.RawMessage, error) {
	if timeout == 0 {
		timeout = c.timeout
	}

	id := uuid.NewString()
	ch := make(chan ipc.Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := ipc.Request{ID: id, Method: method}
	for _, arg := range payload {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("could not encode argument for %s: %w", method, err)
		}
		req.Payload = append(req.Payload, raw)
	}
	if err := c.conn.WriteRequest(req); err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	var timeoutChan <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutChan = timer.C
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: connection to daemon lost", method)
		}
		if msg.Error != "" {
			return nil, errors.New(msg.Error)
		}
		return msg.Result, nil
	case <-timeoutChan:
		return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
	}
}

// Fork begins supervising a new process and returns its id.
func (c *Client) Fork(fr supervisor.ForkRequest) (string, error) {
	raw, err := c.Call("fork", 0, fr)
	if err != nil {
		return "", err
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("malformed fork response: %w", err)
	}
	return resp.ID, nil
}

// ForkWait begins supervising a new process, streams its stdout chunks to
// onChunk, and blocks until the process reaches its terminal state.
func (c *Client) ForkWait(fr supervisor.ForkRequest, onChunk func(chunk string)) (supervisor.TerminalSnapshot, error) {
	var snapshot supervisor.TerminalSnapshot

	// The progress callback must be registered before the daemon can emit,
	// so the process id is settled client-side
	if fr.ID == "" {
		fr.ID = uuid.NewString()
	}
	if onChunk != nil {
		unsubscribe := c.OnProgress(fr.ID, onChunk)
		defer unsubscribe()
	}

	raw, err := c.Call("forkWait", -1, fr)
	if err != nil {
		return snapshot, err
	}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return snapshot, fmt.Errorf("malformed forkWait response: %w", err)
	}
	return snapshot, nil
}

// Follow streams a running process's output chunks to onChunk, blocking
// until the process reaches its terminal state.
func (c *Client) Follow(id string, onChunk func(chunk string)) error {
	unsubscribe := c.OnProgress(id, onChunk)
	defer unsubscribe()

	_, err := c.Call("follow", -1, id)
	return err
}

// Stop terminates a managed process and returns its terminal snapshot.
func (c *Client) Stop(id string) (supervisor.TerminalSnapshot, error) {
	var snapshot supervisor.TerminalSnapshot
	raw, err := c.Call("stop", 0, id)
	if err != nil {
		return snapshot, err
	}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return snapshot, fmt.Errorf("malformed stop response: %w", err)
	}
	return snapshot, nil
}

// Status returns metric-enriched snapshots; an empty id matches all.
func (c *Client) Status(id string) ([]supervisor.StatusEntry, error) {
	raw, err := c.Call("status", 0, id)
	if err != nil {
		return nil, err
	}
	var entries []supervisor.StatusEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("malformed status response: %w", err)
	}
	return entries, nil
}

// List returns the registry snapshot in insertion order.
func (c *Client) List() ([]supervisor.Snapshot, error) {
	raw, err := c.Call("list", 0)
	if err != nil {
		return nil, err
	}
	var snaps []supervisor.Snapshot
	if err := json.Unmarshal(raw, &snaps); err != nil {
		return nil, fmt.Errorf("malformed list response: %w", err)
	}
	return snaps, nil
}

// Version returns the daemon's version string.
func (c *Client) Version() (string, error) {
	raw, err := c.Call("version", 0)
	if err != nil {
		return "", err
	}
	var resp struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("malformed version response: %w", err)
	}
	return resp.Version, nil
}

// Quit asks the daemon to stop all managed processes and exit.
func (c *Client) Quit() error {
	_, err := c.Call("quit", 0)
	return err
}

func (c *Client) Close() error {
	return c.conn.Close()
}
