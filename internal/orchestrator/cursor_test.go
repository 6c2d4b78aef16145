package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursorTrackerAdvancesOnlyPastDrainedBatches(t *testing.T) {
	tr := newCursorTracker()
	tr.add("0|", "a")
	tr.add("0|", "b")
	tr.add("0|batch-2", "c")
	tr.add("0|batch-2", "d")
	tr.add("0|batch-4", "e")

	// First batch still has a pending page; the cursor stays on it.
	cur, ok := tr.complete("a")
	require.True(t, ok)
	require.Equal(t, "0|", cur)

	// Draining the first batch moves the cursor to the second.
	cur, ok = tr.complete("b")
	require.True(t, ok)
	require.Equal(t, "0|batch-2", cur)

	// An out-of-order completion in a later batch cannot jump the cursor
	// past the still-pending second batch.
	cur, ok = tr.complete("e")
	require.True(t, ok)
	require.Equal(t, "0|batch-2", cur)

	cur, ok = tr.complete("c")
	require.True(t, ok)
	require.Equal(t, "0|batch-2", cur)

	// All known batches drained; the cursor rests on the last one since
	// no successor has been seen yet.
	cur, ok = tr.complete("d")
	require.True(t, ok)
	require.Equal(t, "0|batch-4", cur)
}

func TestCursorTrackerUnknownKey(t *testing.T) {
	tr := newCursorTracker()
	_, ok := tr.complete("ghost")
	require.False(t, ok)
}
