// ABOUTME: Package doc for Prometheus instrumentation
// ABOUTME: One Metrics value, one registry, optional everywhere

// Package metrics instruments the fabric with Prometheus collectors:
// active connections, inbound/outbound frames, published events by
// subject kind, online users, and dispatched commands. Every recorder
// method is nil-receiver safe, so components accept a *Metrics that may
// be nil when metrics are disabled.
package metrics
