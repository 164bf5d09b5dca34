package client

import (
	"sync"

	"github.com/Triviape/triviape-sub002/internal/protocol"
)

// Handler receives broadcast events. Handlers run on the connection's read goroutine, in
// arrival order, and must not wait for a reply to another request.
type Handler func(e protocol.Event)

// Subscription is the handle returned by On; Off detaches the handler.
type Subscription struct {
	d    *dispatcher
	name string
	id   uint64
}

func (s *Subscription) Off() {
	if s == nil || s.d == nil {
		return
	}
	s.d.off(s.name, s.id)
}

type dispatcher struct {
	mu       sync.RWMutex
	seq      uint64
	handlers map[string]map[uint64]Handler
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[string]map[uint64]Handler)}
}

func (d *dispatcher) on(name string, h Handler) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	if d.handlers[name] == nil {
		d.handlers[name] = make(map[uint64]Handler)
	}
	d.handlers[name][d.seq] = h

	return &Subscription{d: d, name: name, id: d.seq}
}

func (d *dispatcher) off(name string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.handlers[name], id)
	if len(d.handlers[name]) == 0 {
		delete(d.handlers, name)
	}
}

// emit calls every handler registered for the event once.
func (d *dispatcher) emit(e protocol.Event) {
	d.mu.RLock()
	hs := make([]Handler, 0, len(d.handlers[e.EventName()]))
	for _, h := range d.handlers[e.EventName()] {
		hs = append(hs, h)
	}
	d.mu.RUnlock()

	for _, h := range hs {
		h(e)
	}
}
