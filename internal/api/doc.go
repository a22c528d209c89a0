// Package api exposes the turn API over HTTP: synchronous and queued turns,
// task status, session inspection, health and Prometheus metrics.
package api
