package scheduler

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/drishti-ai/navigator/telemetry"
)

// Defaults applied by New when the corresponding option is not given.
const (
	defaultMaxConcurrent  = 5
	defaultMaxQueueSize   = 500
	defaultPollInterval   = 2 * time.Second
	defaultSweepInterval  = 5 * time.Minute
	defaultStopTimeout    = 30 * time.Second
	defaultProcessTimeout = 45 * time.Minute
)

type (
	options struct {
		maxConcurrent  int
		maxQueueSize   int
		pollInterval   time.Duration
		sweepInterval  time.Duration
		stopTimeout    time.Duration
		processTimeout time.Duration
		claimLimiter   *rate.Limiter
		vault          Vault
		sink           ProgressSink
		logger         telemetry.Logger
		metrics        telemetry.Metrics
		clock          func() time.Time
	}

	// Option configures the scheduler.
	Option func(*options)
)

// WithMaxConcurrent caps how many orders process at once.
func WithMaxConcurrent(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrent = n
		}
	}
}

// WithMaxQueueSize caps how many pending orders AddOrder accepts.
func WithMaxQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxQueueSize = n
		}
	}
}

// WithPollInterval sets how often the dispatch loop looks for pending work.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithSweepInterval sets how often idle browser sessions are reclaimed.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

// WithStopTimeout bounds how long Stop waits for in-flight orders.
func WithStopTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.stopTimeout = d
		}
	}
}

// WithProcessTimeout bounds a single order's processing time.
func WithProcessTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.processTimeout = d
		}
	}
}

// WithClaimLimiter paces claims against the store, smoothing dispatch bursts
// after a queue backlog.
func WithClaimLimiter(l *rate.Limiter) Option {
	return func(o *options) { o.claimLimiter = l }
}

// WithVault resolves retailer credentials before each order runs and hands
// them to agents that implement agent.CredentialCarrier. Without a vault,
// agents run with whatever credentials their backend carries.
func WithVault(v Vault) Option {
	return func(o *options) { o.vault = v }
}

// WithProgressSink forwards progress events to an external sink (e.g. a Redis
// stream) in addition to persisting them on the order.
func WithProgressSink(s ProgressSink) Option {
	return func(o *options) { o.sink = s }
}

// WithLogger sets the scheduler's logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the scheduler's metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

func defaultOptions() options {
	return options{
		maxConcurrent:  defaultMaxConcurrent,
		maxQueueSize:   defaultMaxQueueSize,
		pollInterval:   defaultPollInterval,
		sweepInterval:  defaultSweepInterval,
		stopTimeout:    defaultStopTimeout,
		processTimeout: defaultProcessTimeout,
		claimLimiter:   rate.NewLimiter(rate.Limit(10), 10),
		logger:         telemetry.NoopLogger{},
		metrics:        telemetry.NoopMetrics{},
		clock:          time.Now,
	}
}
