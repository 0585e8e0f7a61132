package election

import (
	"io"
	"log/slog"
	"time"
)

// options configures the engine behavior (internal only).
type options struct {
	leaseDuration     time.Duration
	heartbeatInterval time.Duration
	retryBackoff      time.Duration
	competitionJitter time.Duration
	logger            *slog.Logger
}

// defaultOptions returns the reference timing: the lease outlives roughly
// three heartbeats, so a leader survives two missed renewals before anyone
// can legitimately take the lease over.
func defaultOptions() options {
	return options{
		leaseDuration:     10 * time.Second,
		heartbeatInterval: 3 * time.Second,
		retryBackoff:      5 * time.Second,
		competitionJitter: 2 * time.Second,
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option is a functional option for configuring an Engine.
type Option func(*options)

// WithLeaseDuration sets how long an acquired lease lasts before it expires.
// Keep it in lockstep with the duration the backends were constructed with.
// Non-positive values are ignored.
func WithLeaseDuration(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.leaseDuration = d
		}
	}
}

// WithHeartbeatInterval sets how often a leader renews its lease.
// Non-positive values are ignored.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.heartbeatInterval = d
		}
	}
}

// WithRetryBackoff sets how long a node that lost an acquisition race waits
// before competing again. Non-positive values are ignored.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retryBackoff = d
		}
	}
}

// WithCompetitionJitter sets the upper bound of the random delay before each
// acquisition attempt. Zero makes attempts fire immediately, which keeps
// tests fast; negative values are ignored.
func WithCompetitionJitter(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.competitionJitter = d
		}
	}
}

// WithLogger sets the logger for the engine.
// If the logger is nil, the engine will use a no-op logger.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}
