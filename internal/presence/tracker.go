// Package presence holds one instance's local view of who is online in each
// room. The view is fed by room events fanned out over the broker; because
// fanout delivery is at-least-once and unordered across instances, the
// tracker applies last-write-wins-per-consumer semantics and tolerates
// duplicate and out-of-order joined/left pairs.
package presence

import (
	"sort"
	"sync"

	"github.com/S0lux/websocket-rabbitmq-demo/internal/domain"
)

// Tracker maps rooms to the set of users this instance has observed online.
// Queue consumers dispatch concurrently, so all access goes through the lock.
//
// Rooms are never pruned when their set empties; memory is bounded by the
// number of distinct rooms ever seen, which is accepted.
type Tracker struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{rooms: make(map[string]map[string]struct{})}
}

// Apply mutates the room's set per ev. Adding a present user or removing an
// absent one is a no-op, not an error. Statuses other than joined/left are
// ignored.
func (t *Tracker) Apply(ev domain.RoomEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.rooms[ev.RoomID]
	if !ok {
		users = make(map[string]struct{})
		t.rooms[ev.RoomID] = users
	}
	switch ev.Status {
	case domain.StatusJoined:
		users[ev.UserID] = struct{}{}
	case domain.StatusLeft:
		delete(users, ev.UserID)
	}
}

// Users returns the users currently observed online in room, sorted. Unknown
// rooms yield an empty, non-nil slice.
func (t *Tracker) Users(room string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.rooms[room]
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
