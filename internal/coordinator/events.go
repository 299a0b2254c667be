package coordinator

import (
	"sort"
	gosync "sync"
	"time"
)

// EventKind names what an Event is about.
type EventKind string

const (
	EventLock         EventKind = "lock"
	EventBackup       EventKind = "backup"
	EventSync         EventKind = "sync"
	EventIndex        EventKind = "index"
	EventConnectivity EventKind = "connectivity"
	EventTask         EventKind = "task"
)

// Event is a state change pushed to subscribers.
type Event struct {
	Kind EventKind `json:"kind"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// LockEvent is the payload of EventLock.
type LockEvent struct {
	Action    string `json:"action"` // enter, exit, unlock, break
	Outcome   string `json:"outcome,omitempty"`
	Holder    string `json:"holder,omitempty"`
	Reclaimed bool   `json:"reclaimed,omitempty"`
}

// BackupEvent is the payload of EventBackup.
type BackupEvent struct {
	Name   string `json:"name"`
	Error  string `json:"error,omitempty"`
	Manual bool   `json:"manual"`
}

// SyncEvent is the payload of EventSync.
type SyncEvent struct {
	Scope    string `json:"scope"`
	Inserted int    `json:"inserted"`
	Deleted  int    `json:"deleted"`
	Pruned   int    `json:"pruned"`
	Failed   int    `json:"failed,omitempty"`
}

// IndexEvent is the payload of EventIndex.
type IndexEvent struct {
	Files int `json:"files"`
}

// ConnectivityEvent is the payload of EventConnectivity.
type ConnectivityEvent struct {
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// TaskEvent is the payload of EventTask.
type TaskEvent struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// hub fans events out to subscribers. Subscribers are called synchronously
// and must not block.
type hub struct {
	mu   gosync.RWMutex
	next int
	subs map[int]func(Event)
	now  func() time.Time
}

func newHub(now func() time.Time) *hub {
	return &hub{subs: make(map[int]func(Event)), now: now}
}

func (h *hub) subscribe(fn func(Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (h *hub) publish(kind EventKind, data any) {
	ev := Event{Kind: kind, Time: h.now(), Data: data}

	h.mu.RLock()
	ids := make([]int, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.subs[id])
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
