package flight

import "github.com/prometheus/client_golang/prometheus"

// metricsNamespace and metricsSubsystem follow the teacher's convention of
// a fixed Namespace/Subsystem pair per component family (see
// tsdb/tsi1/metrics.go), with group/peer carried as labels rather than
// baked into the metric name. The vecs themselves are package-level
// singletons, shared by every Replicator's Metrics — each Replicator only
// binds its own (group, peer) label child, the way tsi1's cacheMetrics
// binds per-engine children of one shared vec.
const (
	metricsNamespace = "raftflight"
	metricsSubsystem = "replicator"
)

var metricsLabelNames = []string{"group", "peer"}

var (
	logLagVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "log_lag",
		Help:      "Leader last index minus (this peer's next_index - 1).",
	}, metricsLabelNames)

	nextIndexVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "next_index",
		Help:      "Current next_index belief for this peer.",
	}, metricsLabelNames)

	inflightsCountVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "inflights_count",
		Help:      "Outstanding, not-yet-applied RPCs for this peer.",
	}, metricsLabelNames)

	heartbeatTimesVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "heartbeat_total",
		Help:      "Heartbeats sent to this peer.",
	}, metricsLabelNames)

	installSnapshotTimesVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "install_snapshot_total",
		Help:      "InstallSnapshot RPCs sent to this peer.",
	}, metricsLabelNames)

	appendEntriesTimesVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "append_entries_total",
		Help:      "AppendEntries RPCs sent to this peer, including probes.",
	}, metricsLabelNames)

	mismatchAtFloorVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "mismatch_at_floor_total",
		Help:      "Equal-term AppendEntries rejections observed with next_index already at its floor of 1.",
	}, metricsLabelNames)

	replicateLatencyVec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "replicate_entries_seconds",
		Help:      "Round-trip latency of entry-bearing AppendEntries RPCs.",
		Buckets:   prometheus.DefBuckets,
	}, metricsLabelNames)

	replicateEntryCountVec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "replicate_entries_count",
		Help:      "Entries carried per AppendEntries batch.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	}, metricsLabelNames)

	replicateByteCountVec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "replicate_entries_bytes",
		Help:      "Bytes carried per AppendEntries batch.",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
	}, metricsLabelNames)
)

// PrometheusCollectors returns every collector the package registers,
// for handing to a prometheus.Registerer once at process startup — the
// same accessor shape as the teacher's tsdb/tsi1 cacheMetrics.
func PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		logLagVec, nextIndexVec, inflightsCountVec,
		heartbeatTimesVec, installSnapshotTimesVec, appendEntriesTimesVec, mismatchAtFloorVec,
		replicateLatencyVec, replicateEntryCountVec, replicateByteCountVec,
	}
}

// Metrics is the (group, peer) label child of every package-level vec,
// bound once per Replicator so call sites can write
// r.metrics.heartbeatTimes.Inc() without threading labels through every
// call.
type Metrics struct {
	labels prometheus.Labels

	logLag               prometheus.Gauge
	nextIndex            prometheus.Gauge
	inflightsCount       prometheus.Gauge
	heartbeatTimes       prometheus.Counter
	installSnapshotTimes prometheus.Counter
	appendEntriesTimes   prometheus.Counter
	mismatchAtFloor      prometheus.Counter
	replicateLatency     prometheus.Observer
	replicateEntryCount  prometheus.Observer
	replicateByteCount   prometheus.Observer
}

func newMetrics(groupID, peerID string) *Metrics {
	labels := prometheus.Labels{"group": groupID, "peer": peerID}
	return &Metrics{
		labels:               labels,
		logLag:               logLagVec.With(labels),
		nextIndex:            nextIndexVec.With(labels),
		inflightsCount:       inflightsCountVec.With(labels),
		heartbeatTimes:       heartbeatTimesVec.With(labels),
		installSnapshotTimes: installSnapshotTimesVec.With(labels),
		appendEntriesTimes:   appendEntriesTimesVec.With(labels),
		mismatchAtFloor:      mismatchAtFloorVec.With(labels),
		replicateLatency:     replicateLatencyVec.With(labels),
		replicateEntryCount:  replicateEntryCountVec.With(labels),
		replicateByteCount:   replicateByteCountVec.With(labels),
	}
}

func (m *Metrics) observeReplicate(seconds float64, entries int, bytes int) {
	m.replicateLatency.Observe(seconds)
	m.replicateEntryCount.Observe(float64(entries))
	m.replicateByteCount.Observe(float64(bytes))
}

func (m *Metrics) setInflightsCount(v float64) { m.inflightsCount.Set(v) }
func (m *Metrics) setNextIndex(v float64)      { m.nextIndex.Set(v) }
func (m *Metrics) setLogLag(v float64)         { m.logLag.Set(v) }

// unregister deletes this replicator's label set from every vec, so a
// destroyed replicator's series stop being exported instead of pinning a
// stale value forever.
func (m *Metrics) unregister() {
	logLagVec.Delete(m.labels)
	nextIndexVec.Delete(m.labels)
	inflightsCountVec.Delete(m.labels)
	heartbeatTimesVec.Delete(m.labels)
	installSnapshotTimesVec.Delete(m.labels)
	appendEntriesTimesVec.Delete(m.labels)
	mismatchAtFloorVec.Delete(m.labels)
	replicateLatencyVec.Delete(m.labels)
	replicateEntryCountVec.Delete(m.labels)
	replicateByteCountVec.Delete(m.labels)
}
