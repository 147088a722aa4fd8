package encrypted

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/larchwood/larchwood/network"
)

type config struct {
	network     []network.Option
	clock       clock.Clock
	idleTimeout time.Duration
	rekeyBytes  uint64
	rekeyTime   time.Duration
}

type Option func(*config)

func configDefaults() Option {
	return func(c *config) {
		c.clock = clock.New()
		c.idleTimeout = 2 * time.Minute
		c.rekeyBytes = uint64(1) << 32 // 4 GiB per key
		c.rekeyTime = time.Hour
	}
}

// WithNetwork passes options through to the underlying routing layer.
func WithNetwork(opts ...network.Option) Option {
	return func(c *config) {
		c.network = append(c.network, opts...)
	}
}

// WithClock swaps the wall clock driving session age, rekey and idle
// decisions, mostly so tests can use clock.NewMock.
func WithClock(clk clock.Clock) Option {
	return func(c *config) {
		c.clock = clk
	}
}

// WithIdleTimeout sets how long a session survives without traffic in either
// direction before it is torn down.
func WithIdleTimeout(duration time.Duration) Option {
	return func(c *config) {
		c.idleTimeout = duration
	}
}

// WithRekeyBytes sets how many bytes a key may seal before a rekey starts.
func WithRekeyBytes(size uint64) Option {
	return func(c *config) {
		c.rekeyBytes = size
	}
}

// WithRekeyTime sets the maximum age of session keys before a rekey starts.
func WithRekeyTime(duration time.Duration) Option {
	return func(c *config) {
		c.rekeyTime = duration
	}
}
