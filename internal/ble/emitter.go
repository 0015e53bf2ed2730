package ble

import (
	"sync"
	"time"
)

// Emitter fans transport events out to registered handlers. Transport
// implementations embed it to satisfy Listen.
type Emitter struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]EventHandler
	order    []int
}

// Listen registers h and returns its release func.
func (e *Emitter) Listen(h EventHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[int]EventHandler)
	}
	id := e.nextID
	e.nextID++
	e.handlers[id] = h
	e.order = append(e.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.handlers, id)
			for i, v := range e.order {
				if v == id {
					e.order = append(e.order[:i:i], e.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit delivers ev to every handler in registration order. A zero Time is
// stamped with the current time.
func (e *Emitter) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.mu.Lock()
	hs := make([]EventHandler, 0, len(e.order))
	for _, id := range e.order {
		hs = append(hs, e.handlers[id])
	}
	e.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
}
