// Package server wires HTTP handlers into a ServeMux for the room chat
// application via routing helpers.
package server

import "net/http"

// Routes configures and returns an HTTP ServeMux with all application routes:
// health check, WebSocket endpoint, room listing, metrics and test page.
func (a *Acceptor) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", a.WebSocketHandler)
	mux.HandleFunc("/rooms", a.RoomsHandler)
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/test", TestPageHandler)
	return mux
}
