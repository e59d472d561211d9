// Package progress turns coordinator callbacks into job progress.
//
// A Reporter per job keeps the latest Snapshot (answered without any
// subscriber attached) and pushes Updates to live subscribers without ever
// blocking the crawl. A process-wide Hub batches lifecycle and page Events
// on a background goroutine and fans them out to sinks such as zap logs and
// Prometheus collectors.
package progress
