// Package observable provides last-value-retaining broadcast containers.
//
// A Property holds the most recent value of a stream. Every update is
// delivered synchronously to current subscribers, and a late subscriber
// immediately observes the latest value. Capacity and balance figures on
// an uplink are all modeled as Properties.
package observable

import (
	"slices"
	"sync"
)

// Subscription identifies a registered observer so it can be cancelled.
type Subscription struct {
	cancel func()
}

// Cancel removes the observer. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Property is a last-value-retaining broadcast container for values of type T.
// The zero value is not usable; create one with New or NewEmpty.
type Property[T any] struct {
	mu        sync.Mutex
	value     T
	hasValue  bool
	nextID    int
	observers map[int]func(T)
}

// New creates a Property seeded with an initial value.
func New[T any](initial T) *Property[T] {
	p := NewEmpty[T]()
	p.value = initial
	p.hasValue = true
	return p
}

// NewEmpty creates a Property with no value yet. Subscribers registered
// before the first Set receive nothing until it happens.
func NewEmpty[T any]() *Property[T] {
	return &Property[T]{
		observers: make(map[int]func(T)),
	}
}

// Get returns the latest value and whether one has been set.
func (p *Property[T]) Get() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.hasValue
}

// Value returns the latest value, or the zero value if none has been set.
func (p *Property[T]) Value() T {
	v, _ := p.Get()
	return v
}

// Set stores a new value and delivers it synchronously to every current
// observer. Observers run one at a time in registration order; a slow
// observer delays the Set call, not other Properties.
func (p *Property[T]) Set(value T) {
	p.mu.Lock()
	p.value = value
	p.hasValue = true
	ids := make([]int, 0, len(p.observers))
	for id := range p.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	observers := make([]func(T), 0, len(ids))
	for _, id := range ids {
		observers = append(observers, p.observers[id])
	}
	p.mu.Unlock()

	for _, fn := range observers {
		fn(value)
	}
}

// Subscribe registers an observer. If the Property already holds a value
// the observer is invoked immediately with it, before Subscribe returns.
func (p *Property[T]) Subscribe(fn func(T)) *Subscription {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.observers[id] = fn
	replay, hasValue := p.value, p.hasValue
	p.mu.Unlock()

	if hasValue {
		fn(replay)
	}

	return &Subscription{cancel: func() {
		p.mu.Lock()
		delete(p.observers, id)
		p.mu.Unlock()
	}}
}

// Map derives a read-only Property whose value is f applied to the latest
// value of src. The derived Property updates synchronously with src until
// the returned Subscription is cancelled.
func Map[T, U any](src *Property[T], f func(T) U) (*Property[U], *Subscription) {
	out := NewEmpty[U]()
	sub := src.Subscribe(func(v T) {
		out.Set(f(v))
	})
	return out, sub
}

// Combine derives a Property recomputed from the stored latest values of
// both inputs whenever either input updates, until the returned
// Subscription is cancelled. The derived Property stays empty until at
// least one input has emitted; a missing side contributes its zero
// value, matching "treated as 0 contributions" semantics for numeric
// streams.
func Combine[A, B, U any](a *Property[A], b *Property[B], f func(A, B) U) (*Property[U], *Subscription) {
	out := NewEmpty[U]()
	recompute := func() {
		av, aOK := a.Get()
		bv, bOK := b.Get()
		if !aOK && !bOK {
			return
		}
		out.Set(f(av, bv))
	}
	subA := a.Subscribe(func(A) { recompute() })
	subB := b.Subscribe(func(B) { recompute() })
	return out, &Subscription{cancel: func() {
		subA.Cancel()
		subB.Cancel()
	}}
}
