// Package server keeps the process-wide directory of rooms in the Registry
// type so sessions can discover, create and join rooms by name.
package server

import (
	"fmt"
	"sync"
)

// Registry maps room names to rooms. Lookups and listings take a shared
// lock; registration and removal take it exclusively. One Registry is built
// at startup and handed to every component that needs it.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*Room)}
}

// RegisterRoom stores room under name. It fails with ErrInvalidRoomName for
// an empty name and ErrRoomExists if the name is already taken.
func (r *Registry) RegisterRoom(name string, room *Room) error {
	if name == "" {
		return ErrInvalidRoomName
	}
	if room == nil {
		return ErrNilRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[name]; exists {
		return fmt.Errorf("%w: %s", ErrRoomExists, name)
	}
	r.rooms[name] = room
	return nil
}

// UnregisterRoom removes name. Removing an absent name is a no-op.
func (r *Registry) UnregisterRoom(name string) {
	if name == "" {
		return
	}

	r.mu.Lock()
	delete(r.rooms, name)
	r.mu.Unlock()
}

// unregisterIfSame removes name only while it still maps to room, so a room
// retiring late cannot evict a successor registered under the same name.
func (r *Registry) unregisterIfSame(name string, room *Room) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.rooms[name]; ok && current == room {
		delete(r.rooms, name)
		return true
	}
	return false
}

// FetchRoom returns the room registered under name, or ErrRoomNotFound.
func (r *Registry) FetchRoom(name string) (*Room, error) {
	if name == "" {
		return nil, ErrInvalidRoomName
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, name)
	}
	return room, nil
}

// GetAllRoomNames returns a snapshot of the registered names in no
// particular order.
func (r *Registry) GetAllRoomNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.rooms))
	for name := range r.rooms {
		names = append(names, name)
	}
	return names
}

// PurgeAllRooms drops every entry. It exists for tests and resets; rooms
// already held by sessions keep working until they empty.
func (r *Registry) PurgeAllRooms() {
	r.mu.Lock()
	clear(r.rooms)
	r.mu.Unlock()
}

// Len returns the number of registered rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
