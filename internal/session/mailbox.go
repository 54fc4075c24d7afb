package session

import (
	"context"
	"sync"
)

type outcome[T any] struct {
	val T
	err error
}

type slot[T any] struct {
	key  string
	done chan outcome[T]
}

// Mailbox holds at most one pending request. Putting a new request rejects the
// previous occupant with ErrSuperseded. Every occupant is settled exactly once.
type Mailbox[T any] struct {
	mu  sync.Mutex
	cur *slot[T]
}

// Ticket is the caller's handle on one pending request.
type Ticket[T any] struct {
	m *Mailbox[T]
	s *slot[T]
}

// Put installs a new pending request keyed by key.
func (m *Mailbox[T]) Put(key string) *Ticket[T] {
	s := &slot[T]{key: key, done: make(chan outcome[T], 1)}

	m.mu.Lock()
	prev := m.cur
	m.cur = s
	m.mu.Unlock()

	if prev != nil {
		var zero T
		prev.done <- outcome[T]{val: zero, err: ErrSuperseded}
	}
	return &Ticket[T]{m: m, s: s}
}

// take removes the current occupant if match accepts its key.
func (m *Mailbox[T]) take(match func(key string) bool) *slot[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || (match != nil && !match(m.cur.key)) {
		return nil
	}
	s := m.cur
	m.cur = nil
	return s
}

// Resolve settles the occupant with v if match accepts its key. A nil match accepts any key.
func (m *Mailbox[T]) Resolve(match func(key string) bool, v T) bool {
	s := m.take(match)
	if s == nil {
		return false
	}
	s.done <- outcome[T]{val: v}
	return true
}

// Reject settles the occupant, if any, with err.
func (m *Mailbox[T]) Reject(err error) bool {
	s := m.take(nil)
	if s == nil {
		return false
	}
	var zero T
	s.done <- outcome[T]{val: zero, err: err}
	return true
}

// Pending returns the key of the current occupant.
func (m *Mailbox[T]) Pending() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return "", false
	}
	return m.cur.key, true
}

// Key returns the key the ticket was issued for.
func (t *Ticket[T]) Key() string { return t.s.key }

// Wait blocks until the request is settled or ctx is done. On ctx expiry the slot is
// cleared so a late response cannot resolve a request nobody is waiting for.
func (t *Ticket[T]) Wait(ctx context.Context) (T, error) {
	select {
	case o := <-t.s.done:
		return o.val, o.err
	case <-ctx.Done():
		if t.Cancel() {
			var zero T
			return zero, ctx.Err()
		}
		// settled concurrently
		o := <-t.s.done
		return o.val, o.err
	}
}

// Cancel clears the slot if the ticket still occupies it. Reports whether it did.
func (t *Ticket[T]) Cancel() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.m.cur != t.s {
		return false
	}
	t.m.cur = nil
	return true
}
