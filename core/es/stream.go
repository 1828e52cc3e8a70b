package es

import "errors"

// ErrEndOfStream is returned by Next and Peek once a DomainEventStream
// is exhausted.
var ErrEndOfStream = errors.New("end of stream")

// DomainEventStream is a lazy, finite, forward-only, single-pass
// sequence of event entries for one aggregate in ascending sequence
// order, with a single-element lookahead.
type DomainEventStream interface {
	// HasNext reports whether another entry is available.
	HasNext() bool
	// Next consumes and returns the next entry.
	Next() (EventEntry, error)
	// Peek returns the next entry without consuming it.
	Peek() (EventEntry, error)
}

// pullStream adapts a pull function into a DomainEventStream. The pull
// function returns nil, nil when the underlying source is exhausted; it
// is invoked at most once per delivered entry.
type pullStream struct {
	pull      func() (*EventEntry, error)
	lookahead *EventEntry
	err       error
	done      bool
}

// NewPullStream builds a DomainEventStream over pull. Backends use this
// to produce entries lazily, e.g. in fetch batches.
func NewPullStream(pull func() (*EventEntry, error)) DomainEventStream {
	return &pullStream{pull: pull}
}

// StreamOf returns a DomainEventStream over the given entries.
func StreamOf(entries []EventEntry) DomainEventStream {
	i := 0
	return NewPullStream(func() (*EventEntry, error) {
		if i >= len(entries) {
			return nil, nil
		}
		e := entries[i]
		i++
		return &e, nil
	})
}

func (s *pullStream) fill() {
	if s.lookahead != nil || s.done || s.err != nil {
		return
	}
	e, err := s.pull()
	if err != nil {
		s.err = err
		return
	}
	if e == nil {
		s.done = true
		return
	}
	s.lookahead = e
}

func (s *pullStream) HasNext() bool {
	s.fill()
	return s.lookahead != nil
}

func (s *pullStream) Peek() (EventEntry, error) {
	s.fill()
	if s.err != nil {
		return EventEntry{}, s.err
	}
	if s.lookahead == nil {
		return EventEntry{}, ErrEndOfStream
	}
	return *s.lookahead, nil
}

func (s *pullStream) Next() (EventEntry, error) {
	e, err := s.Peek()
	if err != nil {
		return EventEntry{}, err
	}
	s.lookahead = nil
	return e, nil
}

// ReadAll consumes the remainder of a stream.
func ReadAll(s DomainEventStream) ([]EventEntry, error) {
	var out []EventEntry
	for s.HasNext() {
		e, err := s.Next()
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	if _, err := s.Peek(); err != nil && !errors.Is(err, ErrEndOfStream) {
		return out, err
	}
	return out, nil
}
