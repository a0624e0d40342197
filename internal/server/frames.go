// Package server implements the Hearth HTTP and WebSocket service: the
// per-room message hubs, the control-channel hub, connection lifecycle
// management, and the REST surface in front of the store.
package server

import (
	"encoding/json"
	"errors"

	"github.com/hearth-chat/hearth/internal/store"
)

// Frame type tags. The set is closed: anything else arriving on the wire is
// rejected at the parse boundary and reported back as an error frame.
const (
	frameTypeConnected   = "connected"
	frameTypeMessage     = "message"
	frameTypeError       = "error"
	frameTypeListChanged = "list_changed"
)

// errMalformedFrame marks an unparseable or unknown inbound frame. It is
// recoverable: the connection stays open and the client is told via an
// error frame.
var errMalformedFrame = errors.New("malformed frame")

// serverFrame is the envelope for every server→client frame.
type serverFrame struct {
	Type     string         `json:"type"`
	Room     string         `json:"room,omitempty"`
	Username string         `json:"username,omitempty"`
	Data     *store.Message `json:"data,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// sendRequest is the only client→server frame: a typed message-send request
// carrying a body string.
type sendRequest struct {
	Body string `json:"body"`
}

func connectedFrame(room, username string) []byte {
	return mustMarshal(serverFrame{Type: frameTypeConnected, Room: room, Username: username})
}

func messageFrame(msg store.Message) []byte {
	return mustMarshal(serverFrame{Type: frameTypeMessage, Data: &msg})
}

func errorFrame(reason string) []byte {
	return mustMarshal(serverFrame{Type: frameTypeError, Reason: reason})
}

func listChangedFrame() []byte {
	return mustMarshal(serverFrame{Type: frameTypeListChanged})
}

// parseSendRequest validates an inbound frame against the closed frame set.
func parseSendRequest(raw []byte) (sendRequest, error) {
	var frame struct {
		Type string `json:"type"`
		Body string `json:"body"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return sendRequest{}, errMalformedFrame
	}
	if frame.Type != frameTypeMessage {
		return sendRequest{}, errMalformedFrame
	}
	return sendRequest{Body: frame.Body}, nil
}

func mustMarshal(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		// Frames are built from plain structs; this cannot fail at runtime.
		panic(err)
	}
	return payload
}
