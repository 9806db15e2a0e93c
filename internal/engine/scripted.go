// ABOUTME: In-process engine that replays a fixed event script.
// ABOUTME: Backs the fake-agent development mode and tests that need a deterministic upstream.

package engine

import (
	"context"
	"sync"
	"time"
)

// ScriptedEngine replays Script for every run. When Hold is set the stream
// stays open after the script until the run is cancelled.
type ScriptedEngine struct {
	Script []Event
	Delay  time.Duration
	Hold   bool
	Err    error

	mu       sync.Mutex
	requests []*Request
}

// Run implements Engine.
func (s *ScriptedEngine) Run(ctx context.Context, req *Request) (<-chan Event, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if s.Err != nil {
		return nil, s.Err
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		for _, ev := range s.Script {
			if s.Delay > 0 {
				select {
				case <-time.After(s.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
		if s.Hold {
			<-ctx.Done()
			send(ctx, events, Error{Err: ErrTeardown})
		}
	}()
	return events, nil
}

// Requests returns the requests received so far.
func (s *ScriptedEngine) Requests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Calls returns how many runs were started.
func (s *ScriptedEngine) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}
