// Package metrics exposes Prometheus metrics for the streaming engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registry used by the voxstream binary. Tests create their
// own registries to avoid duplicate registration.
var Registry = prometheus.NewRegistry()

// Streaming holds every engine metric. A nil *Streaming is valid and
// records nothing.
type Streaming struct {
	LoadedBlocks  *prometheus.GaugeVec // voxstream_loaded_blocks{lod}
	LoadingBlocks prometheus.Gauge
	OctreeNodes   prometheus.Gauge
	Viewers       prometheus.Gauge

	TasksQueued *prometheus.GaugeVec   // voxstream_tasks_queued{pool}
	TaskResults *prometheus.CounterVec // voxstream_task_results_total{pool,status}

	StreamOpSeconds *prometheus.HistogramVec // voxstream_stream_op_seconds{op}
	RegionCache     *prometheus.CounterVec   // voxstream_region_cache_total{result}
	CorruptRegions  prometheus.Counter

	TickSeconds prometheus.Histogram
}

// New registers the engine metrics with reg, or with Registry when reg is nil.
func New(reg prometheus.Registerer) *Streaming {
	if reg == nil {
		reg = Registry
	}
	f := promauto.With(reg)
	return &Streaming{
		LoadedBlocks: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voxstream_loaded_blocks",
			Help: "Resident data blocks per LOD",
		}, []string{"lod"}),
		LoadingBlocks: f.NewGauge(prometheus.GaugeOpts{
			Name: "voxstream_loading_blocks",
			Help: "Blocks requested and not yet applied",
		}),
		OctreeNodes: f.NewGauge(prometheus.GaugeOpts{
			Name: "voxstream_octree_nodes",
			Help: "Nodes across all LOD octrees",
		}),
		Viewers: f.NewGauge(prometheus.GaugeOpts{
			Name: "voxstream_viewers",
			Help: "Registered viewers",
		}),
		TasksQueued: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voxstream_tasks_queued",
			Help: "Tasks waiting in a scheduler pool",
		}, []string{"pool"}),
		TaskResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxstream_task_results_total",
			Help: "Finished tasks by pool and status",
		}, []string{"pool", "status"}),
		StreamOpSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voxstream_stream_op_seconds",
			Help:    "Duration of block loads, saves, generation and meshing",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"op"}),
		RegionCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxstream_region_cache_total",
			Help: "Open region lookups by result (hit, miss)",
		}, []string{"result"}),
		CorruptRegions: f.NewCounter(prometheus.CounterOpts{
			Name: "voxstream_corrupt_regions_total",
			Help: "Region files found corrupted and ignored",
		}),
		TickSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxstream_tick_seconds",
			Help:    "Duration of one controller tick",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
	}
}

func (m *Streaming) SetLoaded(lod int, n int) {
	if m == nil {
		return
	}
	m.LoadedBlocks.WithLabelValues(strconv.Itoa(lod)).Set(float64(n))
}

func (m *Streaming) SetLoading(n int) {
	if m == nil {
		return
	}
	m.LoadingBlocks.Set(float64(n))
}

func (m *Streaming) SetOctreeNodes(n int) {
	if m == nil {
		return
	}
	m.OctreeNodes.Set(float64(n))
}

func (m *Streaming) SetViewers(n int) {
	if m == nil {
		return
	}
	m.Viewers.Set(float64(n))
}

func (m *Streaming) SetQueued(pool string, n int) {
	if m == nil {
		return
	}
	m.TasksQueued.WithLabelValues(pool).Set(float64(n))
}

func (m *Streaming) TaskFinished(pool, status string) {
	if m == nil {
		return
	}
	m.TaskResults.WithLabelValues(pool, status).Inc()
}

func (m *Streaming) ObserveOp(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.StreamOpSeconds.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Streaming) RegionCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.RegionCache.WithLabelValues("hit").Inc()
	} else {
		m.RegionCache.WithLabelValues("miss").Inc()
	}
}

func (m *Streaming) RegionCorrupted() {
	if m == nil {
		return
	}
	m.CorruptRegions.Inc()
}

func (m *Streaming) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.TickSeconds.Observe(d.Seconds())
}

// Handler serves the given gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = Registry
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
