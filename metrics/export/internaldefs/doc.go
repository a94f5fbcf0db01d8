// Package internaldefs exposes stable metric name and bucket definitions
// shared by the exporter implementations, so Prometheus and OTel always
// publish identical metric names and boundaries.
package internaldefs
