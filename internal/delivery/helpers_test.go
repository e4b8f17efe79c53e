package delivery

import (
	"context"
	"io"
	"sync"

	"github.com/austindbirch/kmhook/internal/logging"
)

func quietLogger() *logging.Logger {
	l := logging.New("kmhook-test")
	l.SetOutput(io.Discard)
	return l
}

// memorySink records appended attempts.
type memorySink struct {
	mu       sync.Mutex
	attempts []Attempt
	err      error
	panicMsg string
}

func (s *memorySink) Append(_ context.Context, a Attempt) error {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
	return s.err
}

func (s *memorySink) statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.attempts))
	for _, a := range s.attempts {
		out = append(out, a.Status)
	}
	return out
}

func (s *memorySink) byAttempt() map[int]Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]Attempt, len(s.attempts))
	for _, a := range s.attempts {
		out[a.Attempt] = a
	}
	return out
}
