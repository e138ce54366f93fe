package storage

import (
	"fmt"
	"strings"
)

// Direction is the order in which an enumeration walks its keys.
type Direction int

const (
	// Forward walks keys in ascending order.
	Forward Direction = iota
	// Backward walks keys in descending order.
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "desc"
	}
	return "asc"
}

// ParseDirection accepts "asc" or "desc" (case-insensitive). The empty string
// is Forward.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "", "asc":
		return Forward, nil
	case "desc":
		return Backward, nil
	default:
		return Forward, fmt.Errorf("invalid direction %q, expected asc or desc", s)
	}
}

// Result is a single position of an iteration: either a value or the error
// produced at that position.
type Result[T any] struct {
	Value T
	Err   error
}

func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

func Fail[T any](err error) Result[T] {
	return Result[T]{Err: err}
}

// Iterator is a lazy, pull-based, finite sequence of results. Each call to
// Next produces at most one element and returns false once the sequence is
// exhausted. Iterators cannot be rewound; Close releases whatever the producer
// holds and must be safe to call more than once.
type Iterator[T any] interface {
	Next() (Result[T], bool)
	Close()
}

type funcIterator[T any] struct {
	next  func() (Result[T], bool)
	close func()
}

// NewIterator builds an Iterator from a next function and an optional close
// function.
func NewIterator[T any](next func() (Result[T], bool), closeFn func()) Iterator[T] {
	return &funcIterator[T]{next: next, close: closeFn}
}

func (f *funcIterator[T]) Next() (Result[T], bool) {
	if f.next == nil {
		return Result[T]{}, false
	}
	r, ok := f.next()
	if !ok {
		f.next = nil
	}
	return r, ok
}

func (f *funcIterator[T]) Close() {
	f.next = nil
	if f.close != nil {
		f.close()
		f.close = nil
	}
}

// FromSlice yields the given results in order.
func FromSlice[T any](results []Result[T]) Iterator[T] {
	i := 0
	return NewIterator(func() (Result[T], bool) {
		if i >= len(results) {
			return Result[T]{}, false
		}
		r := results[i]
		i++
		return r, true
	}, nil)
}

// Map transforms every value of it with fn. Errors coming from it are passed
// through unchanged at their position, and an error returned by fn is yielded
// at the position of the value that caused it. Neither ends the sequence:
// consumers decide whether to stop at the first error.
func Map[T, U any](it Iterator[T], fn func(T) (U, error)) Iterator[U] {
	return NewIterator(func() (Result[U], bool) {
		r, ok := it.Next()
		if !ok {
			return Result[U]{}, false
		}
		if r.Err != nil {
			return Fail[U](r.Err), true
		}
		v, err := fn(r.Value)
		if err != nil {
			return Fail[U](err), true
		}
		return Ok(v), true
	}, it.Close)
}

// Take yields at most n elements of it.
func Take[T any](it Iterator[T], n int) Iterator[T] {
	taken := 0
	return NewIterator(func() (Result[T], bool) {
		if taken >= n {
			return Result[T]{}, false
		}
		taken++
		return it.Next()
	}, it.Close)
}

// Collect drains it and closes it. It stops at, and returns, the first error.
func Collect[T any](it Iterator[T]) ([]T, error) {
	defer it.Close()
	var values []T
	for {
		r, ok := it.Next()
		if !ok {
			return values, nil
		}
		if r.Err != nil {
			return values, r.Err
		}
		values = append(values, r.Value)
	}
}
