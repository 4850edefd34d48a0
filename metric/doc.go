// Package metric provides Prometheus-based metrics collection for runwatch.
//
// A Registry owns a private prometheus.Registry pre-loaded with core delivery
// metrics (connection counts, fan-out outcomes, broadcast latency, ingress
// request outcomes, backlog retention, NATS health) plus the standard Go and
// process collectors. Components register their own collectors through the
// Registrar interface; the Handler method exposes everything for scraping.
//
// Components follow the nil-safe pattern: a nil *Registry (or a nil
// per-component metrics struct) disables instrumentation without branching at
// every call site.
package metric
