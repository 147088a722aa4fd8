package network

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type config struct {
	logger             *zap.Logger
	clock              clock.Clock
	metrics            prometheus.Registerer
	treeAnnounce       time.Duration
	treeTimeout        time.Duration
	treeWait           time.Duration
	peerKeepAliveDelay time.Duration
	peerTimeout        time.Duration
	peerMaxMessageSize uint64
	peerQueueMaxSize   uint64
	peerQueueMaxDelay  time.Duration
	dhtCacheSize       int
	dhtEntryTTL        time.Duration
	dhtLookupTimeout   time.Duration
	dhtLookupRetries   int
	dhtHopLimit        uint8
	dhtPublishInterval time.Duration
}

type Option func(*config)

func configDefaults() Option {
	return func(c *config) {
		c.logger = zap.NewNop()
		c.clock = clock.New()
		c.metrics = prometheus.NewRegistry()
		c.treeAnnounce = 30 * time.Minute
		c.treeTimeout = time.Hour
		c.treeWait = time.Second
		c.peerKeepAliveDelay = time.Second
		c.peerTimeout = 3 * time.Second
		c.peerMaxMessageSize = 65519 // uint16 frame length minus the AEAD tag
		c.peerQueueMaxSize = 1048576 // 1 megabyte
		c.peerQueueMaxDelay = 25 * time.Millisecond
		c.dhtCacheSize = 1024
		c.dhtEntryTTL = 10 * time.Minute
		c.dhtLookupTimeout = 3 * time.Second
		c.dhtLookupRetries = 3
		c.dhtHopLimit = 64
		c.dhtPublishInterval = 5 * time.Minute
	}
}

// WithLogger sets the logger used for link and routing events.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithClock swaps the wall clock, mostly so tests can use clock.NewMock.
func WithClock(clk clock.Clock) Option {
	return func(c *config) {
		c.clock = clk
	}
}

// WithMetrics sets the registerer that receives this conn's counters.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *config) {
		c.metrics = reg
	}
}

func WithTreeAnnounce(duration time.Duration) Option {
	return func(c *config) {
		c.treeAnnounce = duration
	}
}

func WithTreeTimeout(duration time.Duration) Option {
	return func(c *config) {
		c.treeTimeout = duration
	}
}

func WithPeerKeepAliveDelay(duration time.Duration) Option {
	return func(c *config) {
		c.peerKeepAliveDelay = duration
	}
}

func WithPeerTimeout(duration time.Duration) Option {
	return func(c *config) {
		c.peerTimeout = duration
	}
}

func WithPeerMaxMessageSize(size uint64) Option {
	return func(c *config) {
		c.peerMaxMessageSize = size
	}
}

func WithPeerQueueMaxSize(size uint64) Option {
	return func(c *config) {
		c.peerQueueMaxSize = size
	}
}

func WithDHTCacheSize(entries int) Option {
	return func(c *config) {
		c.dhtCacheSize = entries
	}
}

func WithDHTEntryTTL(duration time.Duration) Option {
	return func(c *config) {
		c.dhtEntryTTL = duration
	}
}

func WithDHTLookupTimeout(duration time.Duration) Option {
	return func(c *config) {
		c.dhtLookupTimeout = duration
	}
}

func WithDHTLookupRetries(retries int) Option {
	return func(c *config) {
		c.dhtLookupRetries = retries
	}
}

func WithDHTHopLimit(limit uint8) Option {
	return func(c *config) {
		c.dhtHopLimit = limit
	}
}

func WithDHTPublishInterval(duration time.Duration) Option {
	return func(c *config) {
		c.dhtPublishInterval = duration
	}
}
