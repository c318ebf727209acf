// Package history provides a bounded undo/redo ledger over immutable snapshots.
package history

import (
	"reflect"
	"sync"
)

// MaxPast is the number of undo steps retained. Oldest entries are dropped first.
const MaxPast = 50

// Stack owns the past and future snapshot lists around a present value.
// Callers must treat pushed snapshots as immutable.
type Stack[T any] struct {
	mu      sync.Mutex
	past    []T
	present T
	future  []T
	equal   func(a, b T) bool
}

// New creates a stack whose present is initial.
func New[T any](initial T) *Stack[T] {
	return &Stack[T]{
		present: initial,
		equal: func(a, b T) bool {
			return reflect.DeepEqual(a, b)
		},
	}
}

// NewWithEqual creates a stack with a custom equality check for the no-op guard.
func NewWithEqual[T any](initial T, equal func(a, b T) bool) *Stack[T] {
	stack := New(initial)
	if equal != nil {
		stack.equal = equal
	}

	return stack
}

// Push records snapshot as the new present. It is a no-op when snapshot equals
// the current present, and reports whether history changed.
func (s *Stack[T]) Push(snapshot T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.equal(s.present, snapshot) {
		return false
	}

	s.past = append(s.past, s.present)
	if len(s.past) > MaxPast {
		dropped := len(s.past) - MaxPast
		s.past = append([]T(nil), s.past[dropped:]...)
	}

	s.present = snapshot
	s.future = nil

	return true
}

// Undo moves back one step. The second result is false when there is nothing to undo.
func (s *Stack[T]) Undo() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.past) == 0 {
		var zero T

		return zero, false
	}

	previous := s.past[len(s.past)-1]
	s.past = s.past[:len(s.past)-1]
	s.future = append([]T{s.present}, s.future...)
	s.present = previous

	return previous, true
}

// Redo moves forward one step. The second result is false when there is nothing to redo.
func (s *Stack[T]) Redo() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.future) == 0 {
		var zero T

		return zero, false
	}

	next := s.future[0]
	s.future = s.future[1:]
	s.past = append(s.past, s.present)
	s.present = next

	return next, true
}

// Reset clears all history and sets present to snapshot.
func (s *Stack[T]) Reset(snapshot T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.past = nil
	s.future = nil
	s.present = snapshot
}

// Present returns the current snapshot.
func (s *Stack[T]) Present() T {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.present
}

// Past returns a copy of the undo list, oldest first.
func (s *Stack[T]) Past() []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]T(nil), s.past...)
}

// Future returns a copy of the redo list, next first.
func (s *Stack[T]) Future() []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]T(nil), s.future...)
}

// CanUndo reports whether Undo would change the present.
func (s *Stack[T]) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.past) > 0
}

// CanRedo reports whether Redo would change the present.
func (s *Stack[T]) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.future) > 0
}
