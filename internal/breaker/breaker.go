// Package breaker guards source fetches with per-source circuit breakers so a
// failing upstream is skipped quickly instead of timing out every cycle.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rewired-gh/macrowatch/internal/logger"
	"github.com/rewired-gh/macrowatch/internal/models"
)

// Settings tune when a breaker opens and how long it stays open.
type Settings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	Interval            time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		ConsecutiveFailures: 3,
		OpenTimeout:         5 * time.Minute,
		Interval:            time.Hour,
	}
}

// Set holds one breaker per name, created on first use.
type Set struct {
	mu       sync.Mutex
	settings Settings
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewSet(settings Settings) *Set {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = DefaultSettings().ConsecutiveFailures
	}
	return &Set{settings: settings, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (s *Set) get(name string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[name]; ok {
		return cb
	}
	threshold := s.settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: s.settings.Interval,
		Timeout:  s.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker %s: %s -> %s", name, from, to)
		},
	})
	s.breakers[name] = cb
	return cb
}

// Do runs fn through the named breaker. An open breaker fails fast with an
// error wrapping models.ErrSourceUnavailable.
func Do[T any](s *Set, name string, fn func() (T, error)) (T, error) {
	var zero T
	out, err := s.get(name).Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %s: %w", models.ErrSourceUnavailable, name, err)
		}
		return zero, err
	}
	return out.(T), nil
}

// IsOpen reports whether err came from a breaker refusing the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// State reports the named breaker's state as "closed", "open" or "half-open".
func (s *Set) State(name string) string {
	return s.get(name).State().String()
}

// States reports every breaker created so far.
func (s *Set) States() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.breakers))
	for name, cb := range s.breakers {
		out[name] = cb.State().String()
	}
	return out
}
