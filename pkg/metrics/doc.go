/*
Package metrics provides Prometheus metrics collection and exposition for
the agent: probe buffer health, attribution throughput, and control-plane
RPC outcomes, all registered at package init and served over /metrics.

Usage:

	http.Handle("/metrics", metrics.Handler())

Timing an operation:

	timer := metrics.NewTimer()
	doWork()
	timer.ObserveDuration(someHistogram)
*/
package metrics
