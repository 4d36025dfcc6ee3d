package handoff

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Scope collects release functions as resources are acquired and runs them
// in reverse order on Close.
type Scope struct {
	log *zap.Logger

	mu       sync.Mutex
	releases []release
	closed   bool
}

type release struct {
	name string
	fn   func() error
}

func NewScope(log *zap.Logger) *Scope {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scope{log: log}
}

// Defer registers fn to run when the scope closes. Registering on a closed
// scope runs fn immediately.
func (s *Scope) Defer(name string, fn func() error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.run(release{name: name, fn: fn})
	}
	s.releases = append(s.releases, release{name: name, fn: fn})
	s.mu.Unlock()
	return nil
}

// Len returns the number of pending releases.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.releases)
}

// Close runs every pending release, last registered first. Every release runs
// even when an earlier one fails; the errors are joined. Closing twice is a
// no-op.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.releases
	s.releases = nil
	s.mu.Unlock()

	var errs []error
	for i := len(pending) - 1; i >= 0; i-- {
		if err := s.run(pending[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scope) run(r release) error {
	if err := r.fn(); err != nil {
		s.log.Warn("Release failed", zap.String("resource", r.name), zap.Error(err))
		return fmt.Errorf("release %s: %w", r.name, err)
	}
	s.log.Debug("Released", zap.String("resource", r.name))
	return nil
}
