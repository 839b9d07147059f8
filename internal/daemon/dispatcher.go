package daemon

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/pleasure-js/forker/internal/ipc"
	"github.com/pleasure-js/forker/internal/supervisor"
)

// Dispatcher validates inbound requests and routes them to the supervisor
// through an explicit typed operation set. Failures are stringified into
// the response's error field; no stack traces cross the boundary.
type Dispatcher struct {
	sup     *supervisor.Supervisor
	version string
	onQuit  func()
}

func NewDispatcher(sup *supervisor.Supervisor, version string, onQuit func()) *Dispatcher {
	return &Dispatcher{sup: sup, version: version, onQuit: onQuit}
}

// Dispatch settles one request: validates the envelope, invokes the named
// operation, and writes the res-<id> notification back on the channel.
func (dp *Dispatcher) Dispatch(conn *ipc.Conn, req ipc.Request) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Payload == nil {
		req.Payload = []json.RawMessage{}
	}

	result, err := dp.dispatch(conn, req)

	msg := ipc.Message{Type: ipc.ResponsePrefix + req.ID}
	if err != nil {
		msg.Error = err.Error()
		slog.Warn(fmt.Sprintf("Command %q failed: %v", req.Method, err))
	} else {
		raw, merr := json.Marshal(result)
		if merr != nil {
			msg.Error = merr.Error()
		} else {
			msg.Result = raw
		}
	}
	if werr := conn.WriteMessage(msg); werr != nil {
		slog.Debug(fmt.Sprintf("Failed to deliver response for %q: %v", req.Method, werr))
	}
}

func (dp *Dispatcher) dispatch(conn *ipc.Conn, req ipc.Request) (any, error) {
	if req.Method == "" {
		return nil, &ValidationError{Reason: "missing method"}
	}
	// Leading underscore marks internal methods; never remotely invokable
	if strings.HasPrefix(req.Method, ipc.PrivatePrefix) {
		return nil, &UnknownCommandError{Method: req.Method}
	}

	switch req.Method {
	case "fork":
		return dp.handleFork(conn, req, false)
	case "forkWait":
		return dp.handleFork(conn, req, true)
	case "follow":
		return dp.handleFollow(conn, req)
	case "stop":
		return dp.handleStop(req)
	case "status":
		return dp.handleStatus(req)
	case "list":
		return dp.sup.List(), nil
	case "version":
		return map[string]string{"version": dp.version}, nil
	case "quit":
		if dp.onQuit != nil {
			dp.onQuit()
		}
		return map[string]string{"status": "shutting down"}, nil
	default:
		return nil, &UnknownCommandError{Method: req.Method}
	}
}

// handleFork launches a new managed process. For exactly the lifetime of
// this one request the originating channel is subscribed to
// progress-<processId> notifications; the subscription is torn down
// unconditionally on settlement, including on failure.
func (dp *Dispatcher) handleFork(conn *ipc.Conn, req ipc.Request, wait bool) (any, error) {
	var fr supervisor.ForkRequest
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload[0], &fr); err != nil {
			return nil, &ValidationError{Reason: fmt.Sprintf("malformed fork request: %v", err)}
		}
	}
	if fr.Spec.Command == "" {
		return nil, &ValidationError{Reason: "missing command"}
	}
	// Settle the process id up front so the progress subscription can be
	// wired before the spawn
	if fr.ID == "" {
		fr.ID = uuid.NewString()
	}

	events := dp.sup.Notifier().Subscribe(fr.ID)
	defer dp.sup.Notifier().Unsubscribe(events)

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for e := range events {
			if e.Type != supervisor.EventOutput {
				continue
			}
			if err := conn.WriteMessage(ipc.Message{Type: ipc.ProgressPrefix + fr.ID, Chunk: e.Chunk}); err != nil {
				return
			}
		}
	}()

	if !wait {
		snap, err := dp.sup.Fork(fr)
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": snap.ID}, nil
	}

	// Synchronous-wait variant: the terminal snapshot comes from the record
	// itself, so a backlogged event stream cannot lose it. Progress chunks
	// under backpressure may drop; the result may not.
	snapshot, err := dp.sup.ForkWait(fr)
	dp.sup.Notifier().Unsubscribe(events)
	<-forwarded
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// handleFollow streams a running process's output chunks to the
// originating channel until the process reaches its terminal state or the
// client goes away. The subscription is torn down either way.
func (dp *Dispatcher) handleFollow(conn *ipc.Conn, req ipc.Request) (any, error) {
	id, err := stringArg(req.Payload, 0)
	if err != nil || id == "" {
		return nil, &ValidationError{Reason: "missing process id"}
	}

	events := dp.sup.Notifier().Subscribe(id)
	defer dp.sup.Notifier().Unsubscribe(events)

	// Existence is checked after subscribing: a record alive now will see
	// this subscription in its terminal CloseID, so the channel is
	// guaranteed to close. The other order can leave a channel that
	// nothing ever closes.
	if len(dp.sup.Status(id)) == 0 {
		return nil, &supervisor.NotFoundError{ID: id}
	}

	// Channel closes on the record's terminal exit (CloseID)
	for e := range events {
		if e.Type != supervisor.EventOutput && e.Type != supervisor.EventErrorOutput {
			continue
		}
		if werr := conn.WriteMessage(ipc.Message{Type: ipc.ProgressPrefix + id, Chunk: e.Chunk}); werr != nil {
			return nil, fmt.Errorf("follow stream ended: %w", werr)
		}
	}
	return map[string]string{"id": id}, nil
}

func (dp *Dispatcher) handleStop(req ipc.Request) (any, error) {
	id, err := stringArg(req.Payload, 0)
	if err != nil || id == "" {
		return nil, &ValidationError{Reason: "missing process id"}
	}
	return dp.sup.Stop(id)
}

func (dp *Dispatcher) handleStatus(req ipc.Request) (any, error) {
	id, _ := stringArg(req.Payload, 0) // optional: empty id matches all
	return dp.sup.Status(id), nil
}

func stringArg(payload []json.RawMessage, index int) (string, error) {
	if index >= len(payload) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(payload[index], &s); err != nil {
		return "", err
	}
	return s, nil
}
