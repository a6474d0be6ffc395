package upstream

import "errors"

// Error taxonomy for upstream record-API failures. Callers branch on these
// with errors.Is; none of them is ever fatal to a region loop.
var (
	// ErrRateLimited maps upstream 429 responses. The in-flight unit of
	// work is abandoned and retried on a later pop.
	ErrRateLimited = errors.New("upstream rate limited")
	// ErrNotFound maps upstream 404 responses. Not an error in the crawl
	// sense: it reads as "no data" and drives a dry classification.
	ErrNotFound = errors.New("upstream resource not found")
	// ErrTransient maps 5xx responses and network timeouts. The current
	// unit is skipped; a natural retry happens only via backtracking.
	ErrTransient = errors.New("upstream transient failure")
)
