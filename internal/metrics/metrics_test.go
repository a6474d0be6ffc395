package metrics

import (
	"testing"
	"time"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	// Helpers must not panic once initialized.
	ObserveAcquire("americas", "bulk", "granted")
	ObserveRateWait("americas", 50*time.Millisecond)
	ObserveUpstreamRequest("americas", "list", "ok")
	AddRecordsStored("americas", 3)
	ObserveTransition("americas", "PRODUCTIVE")
	SetStackDepth("americas", 12)
	IncAggregateFlush()
}

func TestHelpersNoopBeforeInit(t *testing.T) {
	// Collector vars may already be set by the other test; the nil guards
	// are exercised via a zero-value call path instead.
	AddRecordsStored("europe", 0)
	ObserveRateWait("europe", 0)
}
