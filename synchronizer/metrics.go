package synchronizer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stats is a snapshot of the synchronizer's counters.
type Stats struct {
	SnapshotsSent     uint64
	SnapshotsReceived uint64
	// BytesUpstream counts client to server traffic, BytesDownstream server
	// to client, from whichever side is measuring.
	BytesUpstream   uint64
	BytesDownstream uint64
	AvgSnapshotSize float64
	ObjectCount     int
	Clients         int

	DecodeErrors       uint64
	CorruptSnapshots   uint64
	StaleSnapshots     uint64
	DroppedRPCs        uint64
	Corrections        uint64
	TruncatedSnapshots uint64
	DeltaEntries       uint64
	FullEntries        uint64
}

// recordSnapshotSize folds one snapshot into the running average.
func (st *Stats) recordSnapshotSize(n int, count uint64) {
	if count == 0 {
		return
	}
	st.AvgSnapshotSize += (float64(n) - st.AvgSnapshotSize) / float64(count)
}

type metrics struct {
	snapshotsSent      prometheus.Counter
	snapshotsReceived  prometheus.Counter
	bytes              *prometheus.CounterVec
	decodeErrors       prometheus.Counter
	corruptSnapshots   prometheus.Counter
	staleSnapshots     prometheus.Counter
	droppedRPCs        prometheus.Counter
	corrections        prometheus.Counter
	truncatedSnapshots prometheus.Counter
	entries            *prometheus.CounterVec
	objects            prometheus.Gauge
	clients            prometheus.Gauge
	avgSnapshotSize    prometheus.Gauge

	last Stats
}

func newMetrics(reg prometheus.Registerer, role Role) *metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"role": role.String()}
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "replica",
			Subsystem:   "sync",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "replica",
			Subsystem:   "sync",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	return &metrics{
		snapshotsSent:     counter("snapshots_sent_total", "Snapshots sent to clients."),
		snapshotsReceived: counter("snapshots_received_total", "Snapshots applied from the server."),
		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "replica",
			Subsystem:   "sync",
			Name:        "bytes_total",
			Help:        "Application bytes by direction.",
			ConstLabels: labels,
		}, []string{"direction"}),
		decodeErrors:       counter("decode_errors_total", "Messages that failed to decode."),
		corruptSnapshots:   counter("corrupt_snapshots_total", "Snapshots discarded because an entry could not be decoded."),
		staleSnapshots:     counter("stale_snapshots_total", "Snapshots ignored because a newer one was already applied."),
		droppedRPCs:        counter("dropped_rpcs_total", "RPC calls without a registered handler."),
		corrections:        counter("corrections_total", "Prediction corrections applied."),
		truncatedSnapshots: counter("truncated_snapshots_total", "Snapshots cut short by the bandwidth limit."),
		entries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "replica",
			Subsystem:   "sync",
			Name:        "entries_total",
			Help:        "Object entries sent, by encoding.",
			ConstLabels: labels,
		}, []string{"encoding"}),
		objects:         gauge("objects", "Registered networked objects."),
		clients:         gauge("clients", "Connected clients."),
		avgSnapshotSize: gauge("avg_snapshot_bytes", "Running mean snapshot size."),
	}
}

// observe publishes the change since the previous call.
func (m *metrics) observe(st Stats) {
	if m == nil {
		return
	}
	add := func(c prometheus.Counter, now, before uint64) {
		if now > before {
			c.Add(float64(now - before))
		}
	}
	add(m.snapshotsSent, st.SnapshotsSent, m.last.SnapshotsSent)
	add(m.snapshotsReceived, st.SnapshotsReceived, m.last.SnapshotsReceived)
	add(m.bytes.WithLabelValues("upstream"), st.BytesUpstream, m.last.BytesUpstream)
	add(m.bytes.WithLabelValues("downstream"), st.BytesDownstream, m.last.BytesDownstream)
	add(m.decodeErrors, st.DecodeErrors, m.last.DecodeErrors)
	add(m.corruptSnapshots, st.CorruptSnapshots, m.last.CorruptSnapshots)
	add(m.staleSnapshots, st.StaleSnapshots, m.last.StaleSnapshots)
	add(m.droppedRPCs, st.DroppedRPCs, m.last.DroppedRPCs)
	add(m.corrections, st.Corrections, m.last.Corrections)
	add(m.truncatedSnapshots, st.TruncatedSnapshots, m.last.TruncatedSnapshots)
	add(m.entries.WithLabelValues("delta"), st.DeltaEntries, m.last.DeltaEntries)
	add(m.entries.WithLabelValues("full"), st.FullEntries, m.last.FullEntries)
	m.objects.Set(float64(st.ObjectCount))
	m.clients.Set(float64(st.Clients))
	m.avgSnapshotSize.Set(st.AvgSnapshotSize)
	m.last = st
}
