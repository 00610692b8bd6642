// Package enginetest provides a scripted engine for tests.
package enginetest

import (
	"context"
	"io"
	"sync"

	"pdftranslate-server/internal/engine"
)

// Step is one scripted stream item. Exactly one of Event or Err is used.
type Step struct {
	Event engine.Event
	Err   error
	// Gate, when set, blocks the step until it is closed or ctx is done.
	Gate <-chan struct{}
	// Before runs just before the step is delivered.
	Before func()
}

// Engine replays the same script for every Translate call.
type Engine struct {
	Steps []Step
	// StartErr is returned by Translate instead of a stream.
	StartErr error
	// OnTranslate runs inside Translate, e.g. to write output files or panic.
	OnTranslate func(opts engine.Options)

	mu      sync.Mutex
	calls   []engine.Options
	streams []*Stream
}

// Translate records opts and returns a stream over the script.
func (e *Engine) Translate(ctx context.Context, opts engine.Options) (engine.Stream, error) {
	e.mu.Lock()
	e.calls = append(e.calls, opts)
	e.mu.Unlock()

	if e.OnTranslate != nil {
		e.OnTranslate(opts)
	}
	if e.StartErr != nil {
		return nil, e.StartErr
	}

	s := &Stream{steps: e.Steps}
	e.mu.Lock()
	e.streams = append(e.streams, s)
	e.mu.Unlock()
	return s, nil
}

// Calls returns the options of every Translate call so far.
func (e *Engine) Calls() []engine.Options {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Options(nil), e.calls...)
}

// Streams returns every stream handed out so far.
func (e *Engine) Streams() []*Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Stream(nil), e.streams...)
}

// Stream is a scripted engine.Stream.
type Stream struct {
	mu        sync.Mutex
	steps     []Step
	delivered int
	closed    bool
}

// Next delivers the next step, or io.EOF once the script or the stream is done.
func (s *Stream) Next(ctx context.Context) (engine.Event, error) {
	s.mu.Lock()
	if s.closed || s.delivered >= len(s.steps) {
		s.mu.Unlock()
		return engine.Event{}, io.EOF
	}
	step := s.steps[s.delivered]
	s.mu.Unlock()

	if step.Gate != nil {
		select {
		case <-step.Gate:
		case <-ctx.Done():
			return engine.Event{}, ctx.Err()
		}
	}
	if step.Before != nil {
		step.Before()
	}

	s.mu.Lock()
	s.delivered++
	s.mu.Unlock()

	if step.Err != nil {
		return engine.Event{}, step.Err
	}
	return step.Event, nil
}

// Close marks the stream closed.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Delivered reports how many steps were handed out.
func (s *Stream) Delivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Progress builds a progress_update event.
func Progress(overall float64, stage string, current, total float64) engine.Event {
	return engine.Event{
		Type:            engine.EventProgress,
		OverallProgress: &overall,
		Stage:           stage,
		StageCurrent:    &current,
		StageTotal:      &total,
	}
}

// Failure builds an error event.
func Failure(msg string) engine.Event {
	return engine.Event{Type: engine.EventError, Error: msg}
}

// Finish builds a finish event.
func Finish(dual, mono string) engine.Event {
	return engine.Event{Type: engine.EventFinish, DualPDFPath: dual, MonoPDFPath: mono}
}

// Events wraps plain events as steps.
func Events(events ...engine.Event) []Step {
	steps := make([]Step, len(events))
	for i, ev := range events {
		steps[i] = Step{Event: ev}
	}
	return steps
}
