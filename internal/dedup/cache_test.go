package dedup

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/statforge/matchminer/internal/match"
)

func TestAddAndContains(t *testing.T) {
	t.Parallel()

	c := New(10)
	require.False(t, c.Contains("m1"))
	c.Add("m1")
	require.True(t, c.Contains("m1"))
	c.Add("m1")
	require.Equal(t, 1, c.Len())
}

func TestOldestEvictedOnOverflow(t *testing.T) {
	t.Parallel()

	c := New(3)
	c.Add("m1")
	c.Add("m2")
	c.Add("m3")
	c.Add("m4")

	require.Equal(t, 3, c.Len())
	require.False(t, c.Contains("m1"))
	require.True(t, c.Contains("m2"))
	require.True(t, c.Contains("m4"))
}

func TestFilterUnknownPreservesOrder(t *testing.T) {
	t.Parallel()

	c := New(10)
	c.Add("m2")
	got := c.FilterUnknown([]match.MatchID{"m1", "m2", "m3"})
	require.Equal(t, []match.MatchID{"m1", "m3"}, got)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	c := New(5)
	for i := 0; i < 5; i++ {
		c.Add(match.MatchID(fmt.Sprintf("m%d", i)))
	}

	restored := New(5)
	restored.Restore(c.Snapshot())
	require.Equal(t, c.Snapshot(), restored.Snapshot())
}

func TestRestoreAppliesCapacity(t *testing.T) {
	t.Parallel()

	ids := make([]match.MatchID, 10)
	for i := range ids {
		ids[i] = match.MatchID(fmt.Sprintf("m%d", i))
	}

	c := New(4)
	c.Restore(ids)
	require.Equal(t, 4, c.Len())
	// Newest entries survive.
	require.True(t, c.Contains("m9"))
	require.False(t, c.Contains("m0"))
}

func TestConcurrentAdds(t *testing.T) {
	t.Parallel()

	c := New(1000)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.Add(match.MatchID(fmt.Sprintf("g%d-m%d", g, i)))
			}
		}(g)
	}
	wg.Wait()
	require.Equal(t, 400, c.Len())
}
