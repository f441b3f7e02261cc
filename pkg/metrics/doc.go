// Package metrics defines the Prometheus collectors for the control plane
// and the process health endpoints.
//
// Collectors are package-level and registered in init, so instrumented
// packages just import and increment. The Collector refreshes per-tenant
// inventory gauges from the store on a fixed interval; everything else is
// event-driven instrumentation at the call sites.
package metrics
