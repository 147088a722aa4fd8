package network

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are per-conn counters, registered on whatever registerer the config
// provides. Failures that are deliberately silent on the wire still get
// counted here.
type metrics struct {
	peerAuthFailures  prometheus.Counter
	linkDown          prometheus.Counter
	staleAnnounces    prometheus.Counter
	loopAnnounces     prometheus.Counter
	unreachableDrops  prometheus.Counter
	queueDrops        prometheus.Counter
	lookupsSent       prometheus.Counter
	lookupTimeouts    prometheus.Counter
	lookupResponses   prometheus.Counter
	dhtEntriesEvicted prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		peerAuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "larchwood_peer_auth_failures_total",
			Help: "Link handshakes rejected for identity signature mismatch.",
		}),
		linkDown: factory.NewCounter(prometheus.CounterOpts{
			Name: "larchwood_link_down_total",
			Help: "Peer links lost to transport errors or timeouts.",
		}),
		staleAnnounces: factory.NewCounter(prometheus.CounterOpts{
			Name: "larchwood_tree_stale_announces_total",
			Help: "Tree announcements discarded for stale sequence numbers.",
		}),
		loopAnnounces: factory.NewCounter(prometheus.CounterOpts{
			Name: "larchwood_tree_loop_announces_total",
			Help: "Tree announcements rejected by the ancestor check.",
		}),
		unreachableDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "larchwood_switch_unreachable_drops_total",
			Help: "Packets dropped because no peer strictly improved distance.",
		}),
		queueDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "larchwood_peer_queue_drops_total",
			Help: "Bulk packets dropped from overflowing peer queues.",
		}),
		lookupsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "larchwood_dht_lookups_sent_total",
			Help: "DHT lookup attempts sent, including retries.",
		}),
		lookupTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "larchwood_dht_lookup_timeouts_total",
			Help: "DHT lookups that exhausted all retries.",
		}),
		lookupResponses: factory.NewCounter(prometheus.CounterOpts{
			Name: "larchwood_dht_lookup_responses_total",
			Help: "Authoritative DHT responses accepted.",
		}),
		dhtEntriesEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "larchwood_dht_entries_evicted_total",
			Help: "DHT cache entries evicted by LRU pressure.",
		}),
	}
}
