// Package events delivers display, peripheral and idle notifications to the
// governor. Producers (MQTT, GPIO, the simulator) publish into a Hub; the
// governor subscribes to it.
package events

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Kind names an event stream.
type Kind string

const (
	KindDisplay   Kind = "display"
	KindEarphones Kind = "earphones"
	KindBluetooth Kind = "bluetooth"
	// KindIdle carries a unit; On means the unit entered idle.
	KindIdle Kind = "idle"
)

// Kinds lists every event stream.
var Kinds = []Kind{KindDisplay, KindEarphones, KindBluetooth, KindIdle}

type Event struct {
	Kind Kind
	On   bool
	Unit int
	At   time.Time
}

func (e Event) String() string {
	if e.Kind == KindIdle {
		state := "exit"
		if e.On {
			state = "enter"
		}
		return fmt.Sprintf("idle %s unit=%d", state, e.Unit)
	}
	state := "off"
	if e.On {
		state = "on"
	}
	return fmt.Sprintf("%s %s", e.Kind, state)
}

type Handler func(Event)

// Source is anything the governor can subscribe to.
type Source interface {
	Subscribe(h Handler) (cancel func())
}

// StateSource is a Source that remembers the last state of every
// non-idle kind.
type StateSource interface {
	Source
	Last(kind Kind) (Event, bool)
}

// Hub is an in-process publish/subscribe fan-out. Handlers run on the
// publisher's goroutine in subscription order.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]Handler
	order  []int
	last   map[Kind]Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]Handler), last: make(map[Kind]Event)}
}

func (h *Hub) Subscribe(handler Handler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.subs[id] = handler
	h.order = append(h.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			for i, v := range h.order {
				if v == id {
					h.order = append(h.order[:i], h.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (h *Hub) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	h.mu.Lock()
	if e.Kind != KindIdle {
		h.last[e.Kind] = e
	}
	handlers := make([]Handler, 0, len(h.order))
	for _, id := range h.order {
		handlers = append(handlers, h.subs[id])
	}
	h.mu.Unlock()

	for _, handler := range handlers {
		handler(e)
	}
}

// Last returns the most recent state event of kind, if any was published.
func (h *Hub) Last(kind Kind) (Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.last[kind]
	return e, ok
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ParseState accepts on/off, 1/0 and true/false in any case.
func ParseState(payload string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(payload)) {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	default:
		return false, fmt.Errorf("invalid state %q", payload)
	}
}
