package swarmcore

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the registry's derived counters and choke/transfer
// activity as Prometheus collectors, the NEW observability component named
// in SPEC_FULL.md section 2. Callers register it once against their own
// prometheus.Registerer.
type Metrics struct {
	PeerCount        prometheus.GaugeFunc
	SeedCount        prometheus.GaugeFunc
	HandshakingCount prometheus.GaugeFunc
	DownloadCount    prometheus.GaugeFunc
	InterestedCount  prometheus.GaugeFunc
	DupReqPieces     prometheus.GaugeFunc
	DeadCount        prometheus.GaugeFunc

	UnchokeEvents prometheus.Counter
	ChokeEvents   prometheus.Counter

	BytesUp   prometheus.Counter
	BytesDown prometheus.Counter
}

// NewMetrics builds the collector set bound to a live registry. The gauges
// read the registry's derived counters lazily on each scrape, matching
// invariant 4 ("never authoritative across ticks") rather than caching a
// stale snapshot.
func NewMetrics(registry *PeerRegistry) *Metrics {
	namespace := "swarmcore"

	gauge := func(name, help string, f func() float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, f)
	}

	return &Metrics{
		PeerCount:        gauge("peer_count", "Live peers currently tracked.", func() float64 { return float64(registry.PeerCount) }),
		SeedCount:        gauge("seed_count", "Live peers announcing a complete bitfield.", func() float64 { return float64(registry.SeedCount) }),
		HandshakingCount: gauge("handshaking_count", "Live peers still completing the connection handshake.", func() float64 { return float64(registry.HandshakingCount) }),
		DownloadCount:    gauge("download_count", "Live peers we're actively downloading from.", func() float64 { return float64(registry.DownloadCount) }),
		InterestedCount:  gauge("interested_count", "Live peers interested in us.", func() float64 { return float64(registry.InterestedCount) }),
		DupReqPieces:     gauge("dup_req_pieces", "Pieces currently requested from more than one peer.", func() float64 { return float64(registry.DupReqPieces) }),
		DeadCount:        gauge("dead_count", "Peers held in the resurrection-eligible dead set.", func() float64 { return float64(registry.DeadCount()) }),

		UnchokeEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "unchoke_events_total", Help: "UNCHOKE sends issued by the choke scheduler.",
		}),
		ChokeEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "choke_events_total", Help: "CHOKE sends issued by the choke scheduler.",
		}),
		BytesUp: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_uploaded_total", Help: "Bytes uploaded across all peers.",
		}),
		BytesDown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_downloaded_total", Help: "Bytes downloaded across all peers.",
		}),
	}
}

// Collectors returns every collector for bulk registration, e.g.
// registerer.MustRegister(m.Collectors()...).
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PeerCount, m.SeedCount, m.HandshakingCount, m.DownloadCount,
		m.InterestedCount, m.DupReqPieces, m.DeadCount,
		m.UnchokeEvents, m.ChokeEvents, m.BytesUp, m.BytesDown,
	}
}

// RecordChokeEvents increments the choke/unchoke counters from a scan's
// results, meant to be called with ChokeScheduler.EndScan's return values.
func (m *Metrics) RecordChokeEvents(unchoked, choked []*Peer) {
	if n := len(unchoked); n > 0 {
		m.UnchokeEvents.Add(float64(n))
	}
	if n := len(choked); n > 0 {
		m.ChokeEvents.Add(float64(n))
	}
}
