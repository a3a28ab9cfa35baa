// Package protocol defines the JSON messages exchanged over the store
// websocket between a participant and the hosting server.
//
// Every client frame is a Request carrying a client-chosen id. The server
// answers each with a "reply" Message bearing the same id. A subscribe
// request's id also names the subscription: its deliveries arrive as "event"
// Messages with that id, possibly before the reply.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jason-s-yu/pig/internal/store"
)

// Subprotocol is the websocket subprotocol both sides must negotiate.
const Subprotocol = "pigstore"

// Op names a store operation.
type Op string

const (
	OpRead             Op = "read"
	OpSubscribe        Op = "subscribe"
	OpUnsubscribe      Op = "unsubscribe"
	OpWrite            Op = "write"
	OpUpdate           Op = "update"
	OpClaim            Op = "claim"
	OpOnDisconnect     Op = "on_disconnect"
	OpCancelDisconnect Op = "cancel_disconnect"
)

// Request is a client to server frame.
type Request struct {
	ID   uint64 `json:"id"`
	Op   Op     `json:"op"`
	Path string `json:"path,omitempty"`
	// Sub names the subscription an OpUnsubscribe cancels.
	Sub uint64 `json:"sub,omitempty"`
	// Field is the claimed field for OpClaim.
	Field string `json:"field,omitempty"`
	// Value is the document for OpWrite; omitted or null removes the path.
	Value json.RawMessage `json:"value,omitempty"`
	// Fields are merged by OpUpdate; a null value deletes the field.
	Fields map[string]json.RawMessage `json:"fields,omitempty"`
}

const (
	TypeReply = "reply"
	TypeEvent = "event"
)

// Message is a server to client frame.
type Message struct {
	Type string `json:"type"`
	ID   uint64 `json:"id"`
	Path string `json:"path,omitempty"`
	// Value is the document for read replies and events; omitted when absent.
	Value   json.RawMessage `json:"value,omitempty"`
	Claimed bool            `json:"claimed,omitempty"`
	Code    ErrorCode       `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ErrorCode classifies a failed request so the client can rebuild the store error.
type ErrorCode string

const (
	CodeInvalidPath ErrorCode = "invalid_path"
	CodeNotObject   ErrorCode = "not_object"
	CodeConflict    ErrorCode = "conflict"
	CodeClosed      ErrorCode = "closed"
	CodeBadRequest  ErrorCode = "bad_request"
	CodeInternal    ErrorCode = "internal"
)

// ErrBadRequest is the client-side error for requests the server could not parse.
var ErrBadRequest = errors.New("protocol: bad request")

var codes = []struct {
	code ErrorCode
	err  error
}{
	{CodeInvalidPath, store.ErrInvalidPath},
	{CodeNotObject, store.ErrNotObject},
	{CodeConflict, store.ErrConflict},
	{CodeClosed, store.ErrClosed},
	{CodeBadRequest, ErrBadRequest},
}

// Reply builds the reply to request id, carrying err if it is non-nil.
func Reply(id uint64, err error) Message {
	m := Message{Type: TypeReply, ID: id}
	if err != nil {
		m.Code = CodeOf(err)
		m.Error = err.Error()
	}
	return m
}

// Event builds a delivery for subscription id.
func Event(id uint64, snap store.Snapshot) Message {
	return Message{Type: TypeEvent, ID: id, Path: snap.Path, Value: snap.Value}
}

// CodeOf maps a store error onto its wire code.
func CodeOf(err error) ErrorCode {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// Err rebuilds the error carried by a reply, or returns nil.
func (m Message) Err() error {
	if m.Code == "" && m.Error == "" {
		return nil
	}
	for _, c := range codes {
		if c.code == m.Code {
			return fmt.Errorf("%w (remote: %s)", c.err, m.Error)
		}
	}
	return fmt.Errorf("remote store: %s", m.Error)
}
