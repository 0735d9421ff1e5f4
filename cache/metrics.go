package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// stats are the process-local counters behind CacheMetrics.
type stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

// CacheMetrics is a point-in-time view of cache effectiveness.
type CacheMetrics struct {
	Hits      int64         `json:"hits"`
	Misses    int64         `json:"misses"`
	Evictions int64         `json:"evictions"`
	HitRate   float64       `json:"hit_rate"`
	Entries   map[Level]int `json:"entries"`
}

// Metrics returns current cache counters and per-level entry counts.
func (c *Cache) Metrics() CacheMetrics {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	out := CacheMetrics{
		Hits:      c.stats.Hits,
		Misses:    c.stats.Misses,
		Evictions: c.stats.Evictions,
		Entries: map[Level]int{
			LevelMemory: len(c.memory),
		},
	}
	if c.opts.DiskEntries > 0 {
		out.Entries[LevelDisk] = len(c.diskIndex)
	}
	if c.opts.Persistent {
		out.Entries[LevelPersistent] = len(c.persistentKeysLocked())
	}
	if total := out.Hits + out.Misses; total > 0 {
		out.HitRate = float64(out.Hits) / float64(total)
	}
	return out
}

// Metrics holds the cache's Prometheus instruments.
type Metrics struct {
	Hits      *prometheus.CounterVec
	Misses    prometheus.Counter
	Evictions *prometheus.CounterVec
}

// NewMetrics creates and registers cache metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanepipe",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache hits by level.",
		}, []string{"level"}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lanepipe",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache misses.",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanepipe",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Evictions by level.",
		}, []string{"level"}),
	}
	if reg != nil {
		reg.MustRegister(m.Hits, m.Misses, m.Evictions)
	}
	return m
}
