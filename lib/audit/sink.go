// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Sink receives signed envelopes in sequence order. Append must return
// only once the envelope is durable for that sink; an error means the
// envelope must be treated as not written.
//
// After a failure the log retries the same sequence number with a new
// envelope. A sink that already holds an envelope with that number
// (because a later sink in a MultiSink failed) replaces it.
type Sink interface {
	Append(ctx context.Context, envelope Envelope) error
	Close() error
}

// Tailer is implemented by sinks that can report the last envelope
// they hold, letting Open continue an existing log.
type Tailer interface {
	// Last returns the highest-sequence envelope, or false when the
	// sink is empty.
	Last(ctx context.Context) (Envelope, bool, error)
}

// MemorySink keeps envelopes in memory. FailWith makes subsequent
// appends fail, for exercising the fail-closed paths.
type MemorySink struct {
	mu        sync.Mutex
	envelopes []Envelope
	failure   error
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(ctx context.Context, envelope Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if last := len(s.envelopes) - 1; last >= 0 && s.envelopes[last].Sequence == envelope.Sequence {
		s.envelopes[last] = envelope
		return nil
	}
	s.envelopes = append(s.envelopes, envelope)
	return nil
}

func (s *MemorySink) Last(ctx context.Context) (Envelope, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.envelopes) == 0 {
		return Envelope{}, false, nil
	}
	return s.envelopes[len(s.envelopes)-1], true, nil
}

// Envelopes returns a copy of everything appended so far.
func (s *MemorySink) Envelopes() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.envelopes)
}

// FailWith makes every later Append return err. Nil restores normal
// operation.
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

func (s *MemorySink) Close() error { return nil }

// MultiSink appends to each sink in order and fails on the first
// error. Sinks before the failing one keep the envelope until the log
// retries that sequence number and they replace it. Published copies
// cannot be recalled, so put PublishSink last.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks. The first sink that implements Tailer
// answers Last.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Append(ctx context.Context, envelope Envelope) error {
	for index, sink := range m.sinks {
		if err := sink.Append(ctx, envelope); err != nil {
			return fmt.Errorf("audit: sink %d of %d: %w", index+1, len(m.sinks), err)
		}
	}
	return nil
}

func (m *MultiSink) Last(ctx context.Context) (Envelope, bool, error) {
	for _, sink := range m.sinks {
		if tailer, ok := sink.(Tailer); ok {
			return tailer.Last(ctx)
		}
	}
	return Envelope{}, false, nil
}

// Close closes every sink and joins their errors.
func (m *MultiSink) Close() error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
