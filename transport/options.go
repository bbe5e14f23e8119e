package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"

	"lavish-rpc/message"
)

// DefaultQueueSize is the capacity of the outbound queue shared by every Handle of a runtime.
const DefaultQueueSize = 128

var (
	ErrInvalidQueueSize   = errors.New("transport: queue size must be positive")
	ErrInvalidMessageSize = errors.New("transport: max message size must be positive")
	ErrInvalidTimeout     = errors.New("transport: call timeout must not be negative")
)

type config struct {
	logHandler     slog.Handler
	logger         *slog.Logger
	msink          metrics.MetricSink
	metricLabels   []metrics.Label
	queueSize      int
	maxMessageSize int
	callTimeout    time.Duration
	ctx            context.Context
	notifications  any // NotificationHandler[P, NP, R], checked by New
}

// Option to pass to `New`
type Option func(*config) error

// WithLogger specifies the logger for connection and handler diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) error {
		c.logger = logger
		return nil
	}
}

// WithLogHandler specifies which `slog.Handler` to use.
func WithLogHandler(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink specifies where metrics go. Defaults to the go-metrics global.
func WithMetricSink(sink metrics.MetricSink) Option {
	return func(c *config) error {
		c.msink = sink
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the runtime.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithQueueSize sets how many outbound frames may wait for the write pump.
func WithQueueSize(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return ErrInvalidQueueSize
		}
		c.queueSize = n
		return nil
	}
}

// WithMaxMessageSize bounds the payload of every frame, inbound and outbound.
func WithMaxMessageSize(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return ErrInvalidMessageSize
		}
		c.maxMessageSize = n
		return nil
	}
}

// WithCallTimeout sets the deadline applied to every outbound call. A deadline
// already carried by the call's context wins if it is earlier. 0 disables it.
func WithCallTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return ErrInvalidTimeout
		}
		c.callTimeout = d
		return nil
	}
}

// WithContext sets the parent context of the runtime. Cancelling it tears the
// connection down; handler contexts derive from it.
func WithContext(ctx context.Context) Option {
	return func(c *config) error {
		c.ctx = ctx
		return nil
	}
}

// WithNotificationHandler sets the receiver of inbound notifications. Without one,
// notifications are logged and dropped. If the request Handler passed to New also
// implements NotificationHandler it is used unless this option is given.
func WithNotificationHandler[P, NP, R message.Atom](nh NotificationHandler[P, NP, R]) Option {
	return func(c *config) error {
		c.notifications = nh
		return nil
	}
}

func newConfig(opts []Option) (*config, error) {
	cfg := &config{
		queueSize: DefaultQueueSize,
		ctx:       context.Background(),
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.logger == nil {
		if cfg.logHandler == nil {
			cfg.logger = slog.Default()
		} else {
			cfg.logger = slog.New(cfg.logHandler)
		}
	}
	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}
	return cfg, nil
}

// Logger returns the logger that opts configure, for components that sit next to a
// runtime and log alongside it.
func Logger(opts ...Option) *slog.Logger {
	cfg, err := newConfig(opts)
	if err != nil {
		return slog.Default()
	}
	return cfg.logger
}
