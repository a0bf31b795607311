package registry

import (
	"encoding/json"

	"github.com/hazyhaar/livesync/oplog"
)

// Client actions.
const (
	ActionSubscribe   = "sub"
	ActionUnsubscribe = "unsub"
	ActionOp          = "op"
	ActionFetch       = "fetch"
	ActionPing        = "ping"
)

// Server message types.
const (
	TypeHello    = "hello"
	TypeSnapshot = "snapshot"
	TypeCommit   = "commit"
	TypeAck      = "ack"
	TypeReject   = "reject"
	TypeError    = "error"
	TypePong     = "pong"
)

// ClientMessage is one inbound frame on a live connection.
//
// sub/unsub/fetch address a document by collection+id; a sub with an empty
// id subscribes to the whole collection (query subscription). op carries
// the operation to commit.
type ClientMessage struct {
	Action     string           `json:"action"`
	Collection string           `json:"collection,omitempty"`
	ID         string           `json:"id,omitempty"`
	Op         *oplog.Operation `json:"op,omitempty"`
}

// ServerMessage is one outbound frame.
//
//   - hello carries the client's user id after connect
//   - snapshot carries full document state (sent on sub, fetch, and resync)
//   - commit streams an accepted operation to subscribers
//   - ack/reject answer the submitter of an op
//   - error reports a request failure with an HTTP-style status code
type ServerMessage struct {
	Type       string          `json:"type"`
	Collection string          `json:"collection,omitempty"`
	ID         string          `json:"id,omitempty"`
	Version    int64           `json:"version,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	OpID       string          `json:"op_id,omitempty"`
	Current    int64           `json:"current,omitempty"`   // reject: version to re-base on
	Code       int             `json:"code,omitempty"`      // error: 400-599
	Message    string          `json:"message,omitempty"`   // error detail
	Retryable  bool            `json:"retryable,omitempty"` // error: transient, resubmit as-is
	UserID     string          `json:"user_id,omitempty"`   // hello
}
