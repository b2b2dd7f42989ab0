package dtls_bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

var (
	handshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtls_bridge_handshakes_total",
			Help: "Total number of DTLS handshakes, labeled by side and result.",
		},
		[]string{"side", "result"}, // client|server, success|failure
	)

	rejectedPeersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dtls_bridge_rejected_peers_total",
			Help: "Total number of peers closed right after the handshake because the server was full.",
		},
	)

	activeConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dtls_bridge_active_conns",
			Help: "Number of server connections currently held in the registry.",
		},
	)

	datagramsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtls_bridge_datagrams_total",
			Help: "Total number of datagrams moved, labeled by direction.",
		},
		[]string{"direction"}, // in, out
	)

	bytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtls_bridge_bytes_total",
			Help: "Total number of payload bytes moved, labeled by direction.",
		},
		[]string{"direction"},
	)

	timeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtls_bridge_timeouts_total",
			Help: "Total number of soft timeouts queued, labeled by kind.",
		},
		[]string{"kind"}, // send, recv
	)

	workerExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtls_bridge_worker_exits_total",
			Help: "Total number of worker exits, labeled by worker and result.",
		},
		[]string{"worker", "result"}, // accepter|receiver|sender, ok|error
	)
)

// RegisterMetrics registers every dtls_bridge collector on reg. Call it once.
func RegisterMetrics(reg prometheus.Registerer) error {
	var err error
	for _, c := range []prometheus.Collector{
		handshakesTotal,
		rejectedPeersTotal,
		activeConns,
		datagramsTotal,
		bytesTotal,
		timeoutsTotal,
		workerExitsTotal,
	} {
		err = multierr.Append(err, reg.Register(c))
	}
	return err
}

func observeWorkerExit(worker string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	workerExitsTotal.WithLabelValues(worker, result).Inc()
}

func observeHandshake(side string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	handshakesTotal.WithLabelValues(side, result).Inc()
}
