// Package progress carries the crawl milestone event stream from the region
// schedulers to log and snapshot sinks via a batching hub.
package progress
