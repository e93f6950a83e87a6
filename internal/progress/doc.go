// Package progress turns a batch's outcome stream into events and fans them
// out to pluggable sinks. The Hub batches events on a background goroutine and
// never blocks the Reporter that feeds it; sinks such as Prometheus, Postgres,
// Pub/Sub and the download ledger live in progress/sinks.
package progress
