// Package server defines the JSON payloads exchanged with clients and small
// helpers shared by the session and acceptor code.
package server

import (
	"errors"
	"net"
	"strings"
)

// Operations accepted in a RoomCommand.
const (
	OperationCreate = "create"
	OperationJoin   = "join"
)

// RoomCommand is the first structured message a client sends after the
// handshake. It selects or creates the room the session will chat in.
type RoomCommand struct {
	Operation string `json:"operation"`
	RoomName  string `json:"roomName"`
	UserName  string `json:"userName"`
}

// RoomListing is pushed to every client right after the handshake and served
// by the /rooms endpoint.
type RoomListing struct {
	Rooms []string `json:"rooms"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
