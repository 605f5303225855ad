package engine

import (
	"context"
	"sync"

	"github.com/discord-voice-lab/voicerecv/internal/logging"
	"github.com/discord-voice-lab/voicerecv/receive"
)

// Dispatcher delivers engine events to registered sink handlers. Handlers
// are invoked in registration order and only for the event kinds they asked
// for. A handler runs on at most one goroutine at a time.
type Dispatcher struct {
	mu      sync.RWMutex
	entries []*entry
	nextID  uint64
}

type entry struct {
	id  uint64
	reg receive.Registration

	// mu serialises Handle calls for this registration.
	mu      sync.Mutex
	removed bool
}

// NewDispatcher returns a dispatcher with no handlers.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Register adds reg and returns a func that removes it again. Calling the
// returned func more than once is harmless.
func (d *Dispatcher) Register(reg receive.Registration) (remove func()) {
	d.mu.Lock()
	d.nextID++
	e := &entry{id: d.nextID, reg: reg}
	d.entries = append(d.entries, e)
	d.mu.Unlock()
	logging.Debugw("engine: handler registered", "handler_id", e.id, "events", reg.Events.String())
	return func() { d.remove(e) }
}

func (d *Dispatcher) remove(e *entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, cur := range d.entries {
		if cur == e {
			d.entries = append(d.entries[:i:i], d.entries[i+1:]...)
			e.mu.Lock()
			e.removed = true
			e.mu.Unlock()
			logging.Debugw("engine: handler removed", "handler_id", e.id)
			return
		}
	}
}

// Len returns the number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Dispatch hands ev to every handler subscribed to its kind. A handler that
// answers with Action.Remove is unregistered before Dispatch returns.
func (d *Dispatcher) Dispatch(ctx context.Context, ev receive.Event) {
	d.mu.RLock()
	targets := make([]*entry, 0, len(d.entries))
	for _, e := range d.entries {
		if e.reg.Events.Has(ev.Kind()) {
			targets = append(targets, e)
		}
	}
	d.mu.RUnlock()

	for _, e := range targets {
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		act := e.reg.Handler.Handle(ctx, ev)
		e.mu.Unlock()
		if act != nil && act.Remove {
			d.remove(e)
		}
	}
}
