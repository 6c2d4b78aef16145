package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/wikivault/wikivault/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := uuid.New()
	batch := []progress.Event{
		{RunID: runID, TS: time.Now(), Stage: progress.StageRunStart},
		{
			RunID:     runID,
			TS:        time.Now().Add(10 * time.Second),
			Stage:     progress.StagePageDone,
			Namespace: "0",
			PageKey:   "0:42",
			Revisions: 3,
			Outcome:   progress.OutcomeScraped,
			Dur:       200 * time.Millisecond,
		},
		{
			RunID:     runID,
			TS:        time.Now().Add(11 * time.Second),
			Stage:     progress.StagePageDone,
			Namespace: "0",
			PageKey:   "0:43",
			Outcome:   progress.OutcomeSkipped,
		},
		{RunID: runID, TS: time.Now().Add(15 * time.Second), Stage: progress.StageRunDone, Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsActive))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.pagesDone.WithLabelValues("0", string(progress.OutcomeScraped))))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.pagesDone.WithLabelValues("0", string(progress.OutcomeSkipped))))
	require.Equal(t, 3.0, testutil.ToFloat64(sink.revisions))
	require.Equal(t, 2, testutil.CollectAndCount(sink.pageDuration, "archiver_page_duration_seconds"))
}

func TestPrometheusSinkDoubleRegister(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
