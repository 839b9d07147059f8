// Package ipc frames the daemon's RPC envelope as JSON values over a byte
// stream. The transport itself is an opaque collaborator; anything that
// satisfies net.Conn works.
package ipc

import (
	"encoding/json"
	"net"
	"sync"
)

const (
	// ResponsePrefix marks the settlement notification for one request:
	// "res-<request id>".
	ResponsePrefix = "res-"
	// ProgressPrefix marks a raw stdout chunk notification for one
	// process: "progress-<process id>".
	ProgressPrefix = "progress-"
	// PrivatePrefix is the private-method sentinel; methods starting with
	// it are never remotely invokable.
	PrivatePrefix = "_"
)

// Request is the generic client-to-daemon envelope.
type Request struct {
	ID      string            `json:"id,omitempty"`
	Method  string            `json:"method"`
	Payload []json.RawMessage `json:"payload,omitempty"`
}

// Message is a daemon-to-client notification, either the settlement of a
// request (Result or Error) or a progress chunk.
type Message struct {
	Type   string          `json:"type"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Chunk  string          `json:"chunk,omitempty"`
}

// Conn multiplexes requests and messages over one bidirectional stream.
// Writes are serialized so progress notifications and responses from
// different goroutines cannot interleave mid-value.
type Conn struct {
	raw net.Conn
	wmu sync.Mutex
	enc *json.Encoder
	dec *json.Decoder
}

func NewConn(raw net.Conn) *Conn {
	return &Conn{
		raw: raw,
		enc: json.NewEncoder(raw),
		dec: json.NewDecoder(raw),
	}
}

func (c *Conn) WriteRequest(r Request) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.enc.Encode(r)
}

func (c *Conn) ReadRequest() (Request, error) {
	var r Request
	err := c.dec.Decode(&r)
	return r, err
}

func (c *Conn) WriteMessage(m Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.enc.Encode(m)
}

func (c *Conn) ReadMessage() (Message, error) {
	var m Message
	err := c.dec.Decode(&m)
	return m, err
}

func (c *Conn) Close() error {
	return c.raw.Close()
}
