// Package server manages individual WebSocket sessions, running the room
// protocol (room listing, create/join command, chat loop), heartbeats, and
// lifecycle control for each connection.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/logging"
)

// State is a step of the session protocol.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateAwaitingCommand
	StateInRoom
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateAwaitingCommand:
		return "awaiting-command"
	case StateInRoom:
		return "in-room"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session is the server side of one client connection. The read goroutine
// owns inbound frames and the write goroutine owns outbound data frames and
// heartbeats; control frames may be written from either.
type Session struct {
	id       ulid.ULID
	conn     *websocket.Conn
	addr     string
	cfg      config.Config
	registry *Registry
	metrics  *Metrics
	rootLog  zerolog.Logger
	limiter  *rateLimiter

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	heartbeatStart chan struct{}
	heartbeatOnce  sync.Once
	pongReceived   atomic.Bool

	state atomic.Int32

	mu       sync.RWMutex
	identity string
	room     *Room
	log      *zerolog.Logger
}

// NewSession creates a Session over an upgraded connection. conn may be nil
// for sessions that only receive deliveries, as in tests.
func NewSession(conn *websocket.Conn, addr string, registry *Registry, cfg config.Config, logger zerolog.Logger, metrics *Metrics) *Session {
	cfg = cfg.Sanitize()
	id := ulid.Make()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	s := &Session{
		id:             id,
		conn:           conn,
		addr:           addr,
		cfg:            cfg,
		registry:       registry,
		metrics:        metrics,
		rootLog:        logger,
		limiter:        newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		send:           make(chan []byte, cfg.SendBufferSize),
		done:           make(chan struct{}),
		heartbeatStart: make(chan struct{}),
	}
	sessionLog := logging.Component(logger, "session").With().Str("session", id.String()).Str("remote", addr).Logger()
	s.log = &sessionLog
	s.pongReceived.Store(true)
	return s
}

func (s *Session) logger() *zerolog.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id.String()
}

// Addr returns the remote address the session was accepted from.
func (s *Session) Addr() string {
	return s.addr
}

// State returns the current protocol state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// GetIdentity returns the user name from the room command, or "" before one
// was accepted.
func (s *Session) GetIdentity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Room returns the room the session joined, or nil.
func (s *Session) Room() *Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

// Done is closed once the session starts closing.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// GetSendChan returns the outbound queue. Tests read deliveries from it.
func (s *Session) GetSendChan() <-chan []byte {
	return s.send
}

// TransmitData queues payload for the write goroutine. It never blocks: a
// closed session or a full queue drops the payload, logs it and returns false.
func (s *Session) TransmitData(payload string) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- []byte(payload):
		return true
	case <-s.done:
		return false
	default:
		s.logger().Warn().Int("queued", len(s.send)).Msg("send queue full, dropping message")
		return false
	}
}

// Close terminates the session with a going-away close frame. It is safe to
// call more than once and from any goroutine.
func (s *Session) Close() {
	s.terminate(reasonShutdown)
}

// Serve runs the session until the connection ends. The write goroutine is
// started here and awaited before Serve returns.
func (s *Session) Serve() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump()
	}()

	s.readPump()
	<-writerDone
}

func (s *Session) readPump() {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger().Error().Interface("panic", rec).Msg("recovered from panic in read loop")
			s.terminate(reasonInternal)
		}
		s.terminate(reasonNormal)
		s.leaveRoom()
		s.setState(StateClosed)
	}()

	s.setState(StateHandshaking)
	s.conn.SetPongHandler(func(string) error {
		s.pongReceived.Store(true)
		return nil
	})
	s.advertiseRooms()

	s.setState(StateAwaitingCommand)
	cmd, err := s.readCommand()
	if err != nil {
		if errors.Is(err, ErrMalformedCommand) {
			s.rejectCommand(err)
		}
		return
	}
	if err := s.processCommand(cmd); err != nil {
		s.rejectCommand(err)
		return
	}

	s.setState(StateInRoom)
	s.startHeartbeat()
	s.messageLoop()
}

// advertiseRooms queues the current room listing as the first message.
func (s *Session) advertiseRooms() {
	names := s.registry.GetAllRoomNames()
	sort.Strings(names)

	payload, err := json.Marshal(RoomListing{Rooms: names})
	if err != nil {
		s.logger().Error().Err(err).Msg("encode room listing")
		return
	}
	s.TransmitData(string(payload))
}

// readCommand reads the first frame after the handshake. A client gets two
// heartbeat intervals to send it.
func (s *Session) readCommand() (RoomCommand, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.HeartbeatInterval)); err != nil {
		s.logger().Warn().Err(err).Msg("set command read deadline")
	}

	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		s.handleReadError(err)
		return RoomCommand{}, err
	}

	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		s.logger().Warn().Err(err).Msg("clear read deadline")
	}

	var cmd RoomCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return RoomCommand{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	return cmd, nil
}

// processCommand creates or joins the room named in cmd and adds the session
// to it.
func (s *Session) processCommand(cmd RoomCommand) error {
	userName := strings.TrimSpace(cmd.UserName)
	if userName == "" {
		return ErrInvalidUserName
	}
	if cmd.RoomName == "" {
		return ErrInvalidRoomName
	}

	var room *Room
	switch cmd.Operation {
	case OperationCreate:
		room = NewRoom(cmd.RoomName, s.registry,
			WithDeliveryWorkers(s.cfg.DeliveryWorkers),
			WithMaxHistory(s.cfg.MaxHistory),
			WithRoomLogger(s.rootLog),
			WithRoomMetrics(s.metrics),
		)
		s.setIdentity(userName)
		// The creator joins while the room is still private, so a joiner
		// leaving right after registration cannot empty and retire it.
		if err := room.AddMember(s); err != nil {
			return err
		}
		if err := s.registry.RegisterRoom(cmd.RoomName, room); err != nil {
			room.RemoveMember(s)
			return err
		}
		s.logger().Info().Str("room", cmd.RoomName).Msg("room created")
	case OperationJoin:
		var err error
		if room, err = s.registry.FetchRoom(cmd.RoomName); err != nil {
			return err
		}
		s.setIdentity(userName)
		if err := room.AddMember(s); err != nil {
			if errors.Is(err, ErrRoomClosed) {
				return fmt.Errorf("%w: %s", ErrRoomNotFound, cmd.RoomName)
			}
			return err
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOperation, cmd.Operation)
	}

	s.mu.Lock()
	s.room = room
	joinedLog := s.log.With().Str("user", userName).Str("room", cmd.RoomName).Logger()
	s.log = &joinedLog
	s.mu.Unlock()

	s.logger().Info().Str("operation", cmd.Operation).Msg("joined room")
	return nil
}

func (s *Session) setIdentity(name string) {
	s.mu.Lock()
	s.identity = name
	s.mu.Unlock()
}

func (s *Session) rejectCommand(err error) {
	s.metrics.protocolError()
	s.logger().Warn().Err(err).Msg("rejecting room command")
	s.terminate(protocolError(err))
}

// messageLoop reads one frame at a time and broadcasts it to the room.
func (s *Session) messageLoop() {
	room := s.Room()
	identity := s.GetIdentity()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}

		if !s.checkRateLimit() {
			continue
		}

		content := string(raw)
		if strings.TrimSpace(content) == "" {
			continue
		}

		if _, err := room.Broadcast(identity, content); err != nil {
			s.logger().Error().Err(err).Msg("broadcast failed")
			s.terminate(reasonInternal)
			return
		}
		s.logger().Debug().Int("bytes", len(raw)).Msg("message broadcast")
	}
}

// checkRateLimit reports whether the next frame may be broadcast.
func (s *Session) checkRateLimit() bool {
	if s.limiter != nil && !s.limiter.allow() {
		s.logger().Warn().
			Int("burst", s.cfg.RateLimit.Burst).
			Dur("interval", s.cfg.RateLimit.RefillInterval).
			Msg("rate limit exceeded, discarding message")
		return false
	}
	return true
}

// handleReadError logs a read failure at a level matching how expected it is.
func (s *Session) handleReadError(err error) {
	switch {
	case s.isClosing():
		s.logger().Debug().Err(err).Msg("read ended after close")
	case errors.Is(err, websocket.ErrReadLimit):
		s.logger().Warn().Int64("limit", s.cfg.MaxMessageSize).Msg("message exceeded maximum size")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		s.logger().Info().Msg("client disconnected")
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), isExpectedCloseError(err):
		s.logger().Info().Err(err).Msg("connection closed")
	case isTimeout(err):
		s.logger().Warn().Msg("timed out waiting for room command")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseAbnormalClosure):
		s.logger().Warn().Err(err).Msg("unexpected close")
	default:
		s.logger().Error().Err(err).Msg("read error")
	}
}

func (s *Session) startHeartbeat() {
	s.heartbeatOnce.Do(func() { close(s.heartbeatStart) })
}

func (s *Session) writePump() {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger().Error().Interface("panic", rec).Msg("recovered from panic in write loop")
			s.terminate(reasonInternal)
		}
	}()

	var ticker *time.Ticker
	var ticks <-chan time.Time
	start := s.heartbeatStart
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-s.done:
			return
		case <-start:
			start = nil
			ticker = time.NewTicker(s.cfg.HeartbeatInterval)
			ticks = ticker.C
		case <-ticks:
			if !s.heartbeat() {
				return
			}
		case message := <-s.send:
			if !s.writeTextMessage(message) {
				s.terminate(reasonInternal)
				return
			}
		}
	}
}

// heartbeat runs one liveness check. It returns false when the peer failed
// to answer the previous ping and the session was terminated.
func (s *Session) heartbeat() bool {
	if s.isClosing() {
		return false
	}

	if !s.pongReceived.Swap(false) {
		s.metrics.heartbeatFailure()
		s.logger().Warn().Dur("interval", s.cfg.HeartbeatInterval).Msg("heartbeat failure")
		s.terminate(reasonHeartbeat)
		return false
	}

	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		if !isExpectedCloseError(err) {
			s.logger().Warn().Err(err).Msg("write ping")
		}
	}
	return true
}

// writeTextMessage writes one payload as its own text frame.
func (s *Session) writeTextMessage(message []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		s.logger().Warn().Err(err).Msg("set write deadline")
		return false
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			s.logger().Warn().Err(err).Msg("write message")
		}
		return false
	}
	return true
}

func (s *Session) isClosing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// terminate sends a close frame with reason and closes the connection. Only
// the first call has any effect.
func (s *Session) terminate(reason closeReason) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		close(s.done)

		if s.conn == nil {
			return
		}
		deadline := time.Now().Add(s.cfg.WriteTimeout)
		if err := s.conn.WriteControl(websocket.CloseMessage, reason.payload(), deadline); err != nil {
			if !isExpectedCloseError(err) {
				s.logger().Debug().Err(err).Msg("write close frame")
			}
		}
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger().Warn().Err(err).Msg("close connection")
		}
		s.logger().Info().Int("code", reason.code).Str("reason", reason.text).Msg("session closed")
	})
}

// leaveRoom removes the session from its room, if it joined one.
func (s *Session) leaveRoom() {
	if room := s.Room(); room != nil {
		room.RemoveMember(s)
	}
}

func isTimeout(err error) bool {
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}
