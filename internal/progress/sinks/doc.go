// Package sinks implements progress consumers: structured logs, Prometheus
// collectors, the Postgres progress repository, Pub/Sub notifications and the
// download ledger. Each satisfies progress.Sink.
package sinks
