package fsm

import (
	"context"
	"fmt"
	"sync"
)

type State string
type Event string

// Handler is executed after a transition has been committed. It runs outside
// the machine's lock, so it may read Current or Fire further events.
type Handler func(event Event, args ...interface{}) error

// Transition describes one committed state change.
type Transition struct {
	From  State
	To    State
	Event Event
}

type StateMachine struct {
	mu          sync.RWMutex
	current     State
	transitions map[State]map[Event]State
	callbacks   map[State]map[Event]Handler
	changed     chan struct{} // closed and replaced on every transition

	subMu sync.Mutex
	subs  map[int]*subscriber
	next  int
}

type subscriber struct {
	ch   chan Transition
	done chan struct{}
}

func New(initial State) *StateMachine {
	return &StateMachine{
		current:     initial,
		transitions: make(map[State]map[Event]State),
		callbacks:   make(map[State]map[Event]Handler),
		changed:     make(chan struct{}),
		subs:        make(map[int]*subscriber),
	}
}

func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

func (sm *StateMachine) AddTransition(from, to State, event Event, callback Handler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.transitions[from]; !ok {
		sm.transitions[from] = make(map[Event]State)
		sm.callbacks[from] = make(map[Event]Handler)
	}
	sm.transitions[from][event] = to
	sm.callbacks[from][event] = callback
}

// Can reports whether event is valid from the current state.
func (sm *StateMachine) Can(event Event) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.transitions[sm.current][event]
	return ok
}

// Fire triggers a state transition. It is thread-safe. The new state is
// visible to Current and to subscribers before the handler runs; a handler
// error is returned but does not roll the transition back.
func (sm *StateMachine) Fire(event Event, args ...interface{}) error {
	sm.mu.Lock()
	from := sm.current
	next, ok := sm.transitions[from][event]
	if !ok {
		sm.mu.Unlock()
		return fmt.Errorf("invalid transition from %s via %s", from, event)
	}
	handler := sm.callbacks[from][event]
	sm.current = next
	close(sm.changed)
	sm.changed = make(chan struct{})
	sm.mu.Unlock()

	sm.publish(Transition{From: from, To: next, Event: event})

	if handler != nil {
		return handler(event, args...)
	}
	return nil
}

// Subscribe returns a channel receiving every committed transition in order,
// and a cancel func that detaches it. Delivery blocks the firing goroutine
// until the subscriber receives or cancels, so nothing is lost.
func (sm *StateMachine) Subscribe(buffer int) (<-chan Transition, func()) {
	sub := &subscriber{ch: make(chan Transition, buffer), done: make(chan struct{})}
	sm.subMu.Lock()
	id := sm.next
	sm.next++
	sm.subs[id] = sub
	sm.subMu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			sm.subMu.Lock()
			delete(sm.subs, id)
			sm.subMu.Unlock()
			close(sub.done)
		})
	}
}

func (sm *StateMachine) publish(t Transition) {
	sm.subMu.Lock()
	subs := make([]*subscriber, 0, len(sm.subs))
	for _, s := range sm.subs {
		subs = append(subs, s)
	}
	sm.subMu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- t:
		case <-s.done:
		}
	}
}

// WaitFor blocks until the machine is in one of the given states or ctx ends.
func (sm *StateMachine) WaitFor(ctx context.Context, states ...State) (State, error) {
	for {
		sm.mu.RLock()
		cur, changed := sm.current, sm.changed
		sm.mu.RUnlock()
		for _, s := range states {
			if cur == s {
				return cur, nil
			}
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return cur, ctx.Err()
		}
	}
}

// Personal.AI order the ending
