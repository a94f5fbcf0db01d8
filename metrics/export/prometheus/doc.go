// Package prometheus provides a Prometheus text exposition handler for
// authkit metrics.
//
// [NewPrometheusExporter] accepts an [authkit.Engine] and exposes an
// [net/http.Handler] rendering all counters and histograms. Counter names
// are prefixed authkit_*_total; the single histogram is
// authkit_validate_latency_seconds. Nothing is registered in a global
// Prometheus registry; callers mount the Handler.
package prometheus
