package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "confer"

var (
	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "signal_sessions",
		Help:      "Number of open signaling channels",
	})

	Rooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms",
		Help:      "Number of non-empty rooms",
	})

	Joins = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "room_joins_total",
		Help:      "Room join attempts by result code",
	}, []string{"result"})

	Publications = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "publications",
		Help:      "Number of live publications",
	})

	Subscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscriptions",
		Help:      "Number of live subscriptions by state",
	}, []string{"state"})

	SubscriptionTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscription_timeouts_total",
		Help:      "Subscriptions closed because they were never resumed",
	})

	Calls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_total",
		Help:      "Direct call events by outcome",
	}, []string{"outcome"})

	Releases = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "releases_total",
		Help:      "Participant resource releases by reason",
	}, []string{"reason"})

	ForwardedPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "forwarded_packets_total",
		Help:      "RTP packets forwarded to subscribers by kind",
	}, []string{"kind"})
)
