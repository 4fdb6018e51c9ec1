// Package server implements the room chat engine: the Acceptor that admits
// WebSocket connections, the per-connection Session state machine, the Room
// broadcast group and the Registry that maps room names to rooms.
//
// The implementation is organized into specialized files for each of those
// pieces plus routing, origin checks, rate limiting and metrics.
package server
