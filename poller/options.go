package poller

import (
	"github.com/benbjohnson/clock"
)

type settings struct {
	name    string
	clock   clock.Clock
	metrics *Metrics
	decoder interface{}
}

// Option configures an Engine.
type Option func(*settings)

// WithName sets the name used in logs.
func WithName(name string) Option {
	return func(s *settings) {
		s.name = name
	}
}

// WithClock replaces the wall clock used for sleeping between polls.
func WithClock(clk clock.Clock) Option {
	return func(s *settings) {
		if clk != nil {
			s.clock = clk
		}
	}
}

// WithMetrics records engine activity into m.
func WithMetrics(m *Metrics) Option {
	return func(s *settings) {
		s.metrics = m
	}
}

// WithDecoder replaces the JSON decoder. T must match the engine's type parameter.
func WithDecoder[T any](decode func(body string) (T, error)) Option {
	return func(s *settings) {
		s.decoder = decode
	}
}
