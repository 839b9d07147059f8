package supervisor

import "sync"

// EventType classifies process notifications.
type EventType string

const (
	EventOutput      EventType = "output"       // stdout chunk
	EventErrorOutput EventType = "error_output" // stderr chunk
	EventExit        EventType = "exit"         // supervision ended, no payload
	EventDone        EventType = "done"         // terminal, carries accumulated output
)

// Event is a single process notification, keyed by process id.
type Event struct {
	Type   EventType
	ID     string
	Chunk  string
	Result *Result
}

// Result is the terminal output snapshot of a managed process.
type Result struct {
	Output      []string `json:"result"`
	ErrorOutput []string `json:"error"`
}

// Notifier fans process events out to subscribers. A subscriber registers
// for one process id (or all with the empty id) and is guaranteed exactly
// one teardown: either its own Unsubscribe or CloseID on terminal exit,
// whichever comes first. Unsubscribe after CloseID is a no-op.
type Notifier struct {
	mu   sync.Mutex
	subs map[chan Event]string
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[chan Event]string)}
}

// Subscribe registers a new subscriber for events matching id. An empty id
// matches every process.
func (n *Notifier) Subscribe(id string) chan Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan Event, 128) // buffered so slow readers don't stall emission
	n.subs[ch] = id
	return ch
}

// Unsubscribe removes and closes a subscriber channel. Safe to call on a
// channel already torn down by CloseID.
func (n *Notifier) Unsubscribe(ch chan Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.subs[ch]; ok {
		delete(n.subs, ch)
		close(ch)
	}
}

// Publish delivers an event to all matching subscribers. Subscribers with a
// full buffer are skipped rather than blocking emission.
func (n *Notifier) Publish(e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for ch, id := range n.subs {
		if id != "" && id != e.ID {
			continue
		}
		select {
		case ch <- e:
		default:
		}
	}
}

// CloseID tears down every subscription scoped to the given process id.
// Called by the supervisor on a record's terminal exit so subscriptions
// cannot leak past the record's lifetime.
func (n *Notifier) CloseID(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for ch, subID := range n.subs {
		if subID == id {
			delete(n.subs, ch)
			close(ch)
		}
	}
}
