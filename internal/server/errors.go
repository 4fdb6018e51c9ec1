package server

import (
	"errors"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

var (
	// ErrInvalidRoomName is returned for empty room names.
	ErrInvalidRoomName = errors.New("invalid room name")
	// ErrRoomExists is returned when registering a name that is already taken.
	ErrRoomExists = errors.New("room already exists")
	// ErrRoomNotFound is returned when looking up a name that is not registered.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomClosed is returned by a room that emptied and left the registry.
	ErrRoomClosed = errors.New("room closed")
	// ErrNilRoom is returned when registering a nil room.
	ErrNilRoom = errors.New("nil room")

	// ErrInvalidUserName is returned for a room command with a blank user name.
	ErrInvalidUserName = errors.New("invalid user name")
	// ErrUnknownOperation is returned for operations other than create and join.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrMalformedCommand is returned when the first frame is not a RoomCommand.
	ErrMalformedCommand = errors.New("malformed command")

	// ErrAcceptorRunning is returned by Start on an acceptor that is already active.
	ErrAcceptorRunning = errors.New("acceptor already running")
)

// closeReason is the code and text sent in a session's close frame.
type closeReason struct {
	code int
	text string
}

var (
	reasonNormal    = closeReason{code: websocket.CloseNormalClosure, text: "bye"}
	reasonShutdown  = closeReason{code: websocket.CloseGoingAway, text: "server shutting down"}
	reasonHeartbeat = closeReason{code: websocket.CloseInternalServerErr, text: "heartbeat failure"}
	reasonInternal  = closeReason{code: websocket.CloseInternalServerErr, text: "internal error"}
)

func protocolError(err error) closeReason {
	return closeReason{code: websocket.CloseProtocolError, text: "protocol error: " + err.Error()}
}

// maxCloseText is the control frame payload limit minus the two byte code.
const maxCloseText = 123

// payload encodes the close frame body, truncating the text on a rune
// boundary so the frame stays within the control frame limit.
func (r closeReason) payload() []byte {
	text := r.text
	if len(text) > maxCloseText {
		text = text[:maxCloseText]
		for !utf8.ValidString(text) {
			text = text[:len(text)-1]
		}
	}
	return websocket.FormatCloseMessage(r.code, text)
}
