package server

import (
	"fmt"
	"sync"
	"time"
	"weak"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/Tyrowin/roomchat/internal/logging"
)

const defaultDeliveryWorkers = 4

// historyTimeLayout renders the [HH:MM:SS] prefix of a history entry.
const historyTimeLayout = "15:04:05"

// Room is a named broadcast group. Members are held through weak pointers so
// a room never keeps a disconnected session alive; entries that no longer
// resolve are skipped on delivery and pruned on removal.
type Room struct {
	name       string
	registry   *Registry
	log        zerolog.Logger
	metrics    *Metrics
	now        func() time.Time
	maxHistory int

	mu       sync.Mutex
	members  []weak.Pointer[Session]
	history  []string
	closed   bool
	delivery *pool.Pool
}

// RoomOption customizes a Room built by NewRoom.
type RoomOption func(*Room)

// WithDeliveryWorkers bounds the number of goroutines fanning messages out.
func WithDeliveryWorkers(n int) RoomOption {
	return func(r *Room) {
		if n > 0 {
			r.delivery = pool.New().WithMaxGoroutines(n)
		}
	}
}

// WithMaxHistory caps the history at n entries, dropping the oldest.
// Zero keeps every entry.
func WithMaxHistory(n int) RoomOption {
	return func(r *Room) {
		if n >= 0 {
			r.maxHistory = n
		}
	}
}

// WithRoomLogger sets the logger used by the room.
func WithRoomLogger(l zerolog.Logger) RoomOption {
	return func(r *Room) {
		r.log = logging.Component(l, "room").With().Str("room", r.name).Logger()
	}
}

// WithRoomMetrics records broadcasts and dropped deliveries on m.
func WithRoomMetrics(m *Metrics) RoomOption {
	return func(r *Room) { r.metrics = m }
}

// WithClock replaces the clock used to timestamp history entries.
func WithClock(now func() time.Time) RoomOption {
	return func(r *Room) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRoom creates a room named name. When the room empties it removes itself
// from registry; a nil registry is allowed for rooms that were never
// registered.
func NewRoom(name string, registry *Registry, opts ...RoomOption) *Room {
	r := &Room{
		name:     name,
		registry: registry,
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.delivery == nil {
		r.delivery = pool.New().WithMaxGoroutines(defaultDeliveryWorkers)
	}
	return r
}

// Name returns the room's immutable name.
func (r *Room) Name() string {
	return r.name
}

// AddMember appends a weak reference to s. It fails with ErrRoomClosed once
// the room has emptied and retired.
func (r *Room) AddMember(s *Session) error {
	if s == nil {
		return fmt.Errorf("add member to %s: nil session", r.name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("%w: %s", ErrRoomClosed, r.name)
	}
	r.members = append(r.members, weak.Make(s))
	r.log.Debug().Str("user", s.GetIdentity()).Int("members", len(r.members)).Msg("member added")
	return nil
}

// RemoveMember drops s together with every entry whose session is gone. If
// nobody is left the room retires on its own goroutine, after the room lock
// is released.
func (r *Room) RemoveMember(s *Session) {
	r.mu.Lock()
	kept := r.members[:0]
	for _, member := range r.members {
		if current := member.Value(); current != nil && current != s {
			kept = append(kept, member)
		}
	}
	clear(r.members[len(kept):])
	r.members = kept
	remaining := len(kept)
	retire := remaining == 0 && !r.closed
	r.mu.Unlock()

	r.log.Debug().Int("members", remaining).Msg("member removed")

	if retire {
		go r.retire()
	}
}

// retire closes the room if it is still empty, removes it from the registry
// and drains pending deliveries. A member that joined in between keeps the
// room alive.
func (r *Room) retire() {
	r.mu.Lock()
	if r.closed || r.liveMembersLocked() > 0 {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	if r.registry != nil && r.registry.unregisterIfSame(r.name, r) {
		r.log.Info().Msg("room empty, unregistered")
	}
	r.delivery.Wait()
}

// Broadcast formats content from sender as a history entry, appends it and
// hands one delivery task per resolvable member to the delivery pool. The
// entry is returned. History order is the order in which callers acquire the
// room lock; deliveries to different members are unordered.
func (r *Room) Broadcast(sender, content string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", fmt.Errorf("%w: %s", ErrRoomClosed, r.name)
	}

	entry := formatHistoryEntry(r.now(), sender, content)
	r.history = append(r.history, entry)
	if r.maxHistory > 0 && len(r.history) > r.maxHistory {
		overflow := len(r.history) - r.maxHistory
		clear(r.history[:overflow])
		r.history = r.history[overflow:]
	}
	r.metrics.messageBroadcast()

	// Go blocks while every delivery worker is busy. That wait is bounded
	// because TransmitData never blocks, and submitting under the lock keeps
	// the pool from being drained by retire while tasks are still added.
	for _, member := range r.members {
		r.delivery.Go(func() {
			r.deliver(member, entry)
		})
	}
	return entry, nil
}

func (r *Room) deliver(member weak.Pointer[Session], entry string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Msg("recovered from panic in delivery")
		}
	}()

	s := member.Value()
	if s == nil {
		return
	}
	if !s.TransmitData(entry) {
		r.metrics.deliveryDropped()
	}
}

// GetHistory returns a copy of the history, oldest first.
func (r *Room) GetHistory() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.history...)
}

// GetActiveUsers returns the identities of the members that still resolve,
// in join order.
func (r *Room) GetActiveUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0, len(r.members))
	for _, member := range r.members {
		if s := member.Value(); s != nil {
			users = append(users, s.GetIdentity())
		}
	}
	return users
}

// MemberCount returns the number of members that still resolve.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveMembersLocked()
}

func (r *Room) liveMembersLocked() int {
	n := 0
	for _, member := range r.members {
		if member.Value() != nil {
			n++
		}
	}
	return n
}

func formatHistoryEntry(at time.Time, sender, content string) string {
	return "[" + at.Format(historyTimeLayout) + "]<" + sender + "> " + content
}
