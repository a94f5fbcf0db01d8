package authkit

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine counter or histogram.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginRateLimited
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricRefreshReuseDetected
	MetricRefreshRateLimited
	MetricValidateSuccess
	MetricValidateFailure
	MetricSessionCreated
	MetricSessionInvalidated
	MetricLogout
	MetricLogoutAll
	MetricRegisterSuccess
	MetricRegisterDuplicate
	MetricPasswordChangeSuccess
	MetricPasswordChangeFailure
	MetricCacheHit
	MetricCacheMiss
	MetricCacheError
	MetricCacheBreakerOpen
	MetricBlacklistHit
	MetricBlacklistError
	MetricRateLimitHit
	MetricValidateLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

// Counters occupy separate cache lines so hot-path increments on different
// IDs do not contend.
type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is the in-process registry behind [Engine.MetricsSnapshot]. Use the
// exporters under metrics/export to publish it.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of all counters and histograms.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.LatencyEnabled,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc increments the counter. Safe for concurrent use; no-op when disabled.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records a latency sample into the validate histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id != MetricValidateLatency {
		return
	}
	atomic.AddUint64(&m.histograms[id].buckets[bucketIndex(d)], 1)
}

// Value returns the current counter value.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter and histogram under atomic loads.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricValidateLatency].buckets[i])
		}
		s.Histograms[MetricValidateLatency] = buckets
	}

	return s
}

// bucketIndex maps a latency to one of eight exponential buckets:
// <=100us, <=250us, <=500us, <=1ms, <=2.5ms, <=5ms, <=10ms, +inf.
func bucketIndex(d time.Duration) int {
	switch {
	case d <= 100*time.Microsecond:
		return 0
	case d <= 250*time.Microsecond:
		return 1
	case d <= 500*time.Microsecond:
		return 2
	case d <= time.Millisecond:
		return 3
	case d <= 2500*time.Microsecond:
		return 4
	case d <= 5*time.Millisecond:
		return 5
	case d <= 10*time.Millisecond:
		return 6
	default:
		return 7
	}
}

// MetricName returns the stable exposition name for id.
func MetricName(id MetricID) string {
	switch id {
	case MetricLoginSuccess:
		return "login_success"
	case MetricLoginFailure:
		return "login_failure"
	case MetricLoginRateLimited:
		return "login_rate_limited"
	case MetricRefreshSuccess:
		return "refresh_success"
	case MetricRefreshFailure:
		return "refresh_failure"
	case MetricRefreshReuseDetected:
		return "refresh_reuse_detected"
	case MetricRefreshRateLimited:
		return "refresh_rate_limited"
	case MetricValidateSuccess:
		return "validate_success"
	case MetricValidateFailure:
		return "validate_failure"
	case MetricSessionCreated:
		return "session_created"
	case MetricSessionInvalidated:
		return "session_invalidated"
	case MetricLogout:
		return "logout"
	case MetricLogoutAll:
		return "logout_all"
	case MetricRegisterSuccess:
		return "register_success"
	case MetricRegisterDuplicate:
		return "register_duplicate"
	case MetricPasswordChangeSuccess:
		return "password_change_success"
	case MetricPasswordChangeFailure:
		return "password_change_failure"
	case MetricCacheHit:
		return "token_cache_hit"
	case MetricCacheMiss:
		return "token_cache_miss"
	case MetricCacheError:
		return "token_cache_error"
	case MetricCacheBreakerOpen:
		return "token_cache_breaker_open"
	case MetricBlacklistHit:
		return "blacklist_hit"
	case MetricBlacklistError:
		return "blacklist_error"
	case MetricRateLimitHit:
		return "rate_limit_hit"
	case MetricValidateLatency:
		return "validate_latency"
	default:
		return "unknown"
	}
}

// MetricIDs returns all counter IDs in declaration order, excluding the
// latency histogram.
func MetricIDs() []MetricID {
	ids := make([]MetricID, 0, int(metricIDCount)-1)
	for id := MetricID(0); id < metricIDCount; id++ {
		if id == MetricValidateLatency {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
