// Package server binds the listening socket, upgrades connections into
// sessions and coordinates their shutdown through the Acceptor type.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/logging"
)

const initialAcceptBackoff = 5 * time.Millisecond

// Acceptor listens on a TCP endpoint and turns every upgraded connection
// into a Session served on its own goroutines. The Go scheduler plays the
// role of the reactor; the bootstrap sizes it with cfg.Workers.
type Acceptor struct {
	cfg      config.Config
	registry *Registry
	log      zerolog.Logger
	rootLog  zerolog.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader

	mu         sync.Mutex
	active     bool
	listener   net.Listener
	httpServer *http.Server
	serveDone  chan struct{}
	serveErr   error
	sessions   map[*Session]struct{}
	wg         sync.WaitGroup
}

// NewAcceptor creates an Acceptor that registers rooms in registry. metrics
// may be nil.
func NewAcceptor(cfg config.Config, registry *Registry, logger zerolog.Logger, metrics *Metrics) *Acceptor {
	cfg = cfg.Sanitize()
	log := logging.Component(logger, "acceptor")
	origins := newOriginPolicy(cfg.AllowedOrigins, log)

	return &Acceptor{
		cfg:      cfg,
		registry: registry,
		log:      log,
		rootLog:  logger,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      origins.checkOrigin,
		},
		sessions: make(map[*Session]struct{}),
	}
}

// Start binds the configured address and begins accepting connections in
// the background. Bind failures are returned to the caller.
func (a *Acceptor) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active {
		return ErrAcceptorRunning
	}

	ln, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Addr, err)
	}

	a.listener = ln
	a.httpServer = &http.Server{
		Handler:           a.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	a.serveDone = make(chan struct{})
	a.serveErr = nil
	a.active = true

	srv := a.httpServer
	done := a.serveDone
	go func() {
		defer close(done)
		if err := srv.Serve(&backoffListener{Listener: ln, acceptor: a}); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Msg("serve stopped")
			a.mu.Lock()
			a.serveErr = err
			a.mu.Unlock()
		}
	}()

	a.log.Info().Str("addr", ln.Addr().String()).Int("workers", a.cfg.Workers).Msg("accepting connections")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (a *Acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// IsActive reports whether the acceptor is accepting connections.
func (a *Acceptor) IsActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Done is closed when the accept loop started by the last Start exits, be it
// through Stop or a listener failure. It is nil before Start.
func (a *Acceptor) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.serveDone
}

// ServeErr returns the error that ended the accept loop, or nil if it was
// ended by Stop or is still running.
func (a *Acceptor) ServeErr() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.serveErr
}

// SessionCount returns the number of sessions currently served.
func (a *Acceptor) SessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// Stop closes the listener, terminates every session with a going-away
// close frame and waits up to cfg.ShutdownTimeout for them to finish. It is
// idempotent.
func (a *Acceptor) Stop() error {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return nil
	}
	a.active = false
	srv := a.httpServer
	done := a.serveDone
	sessions := make([]*Session, 0, len(a.sessions))
	for s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()

	a.log.Info().Int("sessions", len(sessions)).Msg("stopping acceptor")

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		a.log.Warn().Err(err).Msg("http server shutdown")
	}
	<-done

	for _, s := range sessions {
		s.Close()
	}

	finished := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		a.log.Info().Msg("acceptor stopped")
		return nil
	case <-ctx.Done():
		a.log.Warn().Msg("shutdown timeout reached, some sessions may still be running")
		return ctx.Err()
	}
}

// serveSession schedules s on its own goroutine and tracks it until it ends.
// Sessions arriving after Stop are closed straight away.
func (a *Acceptor) serveSession(s *Session) {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		s.Close()
		return
	}
	a.sessions[s] = struct{}{}
	a.wg.Add(1)
	a.mu.Unlock()

	a.metrics.sessionOpened()
	a.log.Debug().Str("session", s.ID()).Str("remote", s.Addr()).Msg("session started")

	go func() {
		defer a.wg.Done()
		defer func() {
			a.mu.Lock()
			delete(a.sessions, s)
			a.mu.Unlock()
			a.metrics.sessionClosed()
		}()
		s.Serve()
	}()
}

// backoffListener keeps accepting after transient errors, sleeping with a
// doubling delay capped at cfg.AcceptBackoffMax between failures.
type backoffListener struct {
	net.Listener
	acceptor *Acceptor
}

func (l *backoffListener) Accept() (net.Conn, error) {
	delay := initialAcceptBackoff
	for {
		conn, err := l.Listener.Accept()
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, net.ErrClosed) || !l.acceptor.IsActive() {
			return nil, err
		}

		l.acceptor.metrics.acceptError()
		l.acceptor.log.Warn().Err(err).Dur("retry_in", delay).Msg("accept failed")
		time.Sleep(delay)
		delay = min(delay*2, l.acceptor.cfg.AcceptBackoffMax)
	}
}
