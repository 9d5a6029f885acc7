package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowEvictsOldest(t *testing.T) {
	w := newWindow(3)
	for _, v := range []float64{1, 2, 3, 4} {
		w.push(v)
	}
	assert.Equal(t, 3, w.len())
	assert.Equal(t, []float64{2, 3, 4}, w.vals)
}

func TestTPSFixedSpacingMatchesHeightDelta(t *testing.T) {
	c := NewTPSCalculator(100, 2, true, nil)

	heights := []int64{100, 105, 112, 120}
	deltas := []float64{5, 7, 8}

	now := 1000.0
	current, average := c.CalculateTPS(heights[0], now)
	assert.Zero(t, current)
	assert.Zero(t, average)

	sum := 0.0
	for i, h := range heights[1:] {
		now += 1.0
		current, average = c.CalculateTPS(h, now)
		assert.Equal(t, deltas[i], current)
		sum += deltas[i]
		assert.InDelta(t, sum/float64(i+1), average, 1e-9)
	}
	assert.Equal(t, int64(20), c.ProcessedTx())
	assert.Equal(t, int64(len(heights)), c.CallCount())
}

func TestTPSNegativeHeightDeltaResets(t *testing.T) {
	c := NewTPSCalculator(10, 2, true, nil)
	c.CalculateTPS(100, 1.0)
	c.CalculateTPS(110, 2.0)
	require.Equal(t, int64(10), c.ProcessedTx())

	current, average := c.CalculateTPS(50, 3.0)
	assert.Zero(t, current)
	assert.Zero(t, average)
	assert.Zero(t, c.ProcessedTx())

	// Accumulation restarts from the post-reset anchor.
	c.CalculateTPS(50, 4.0)
	c.CalculateTPS(53, 5.0)
	assert.Equal(t, int64(3), c.ProcessedTx())
}

func TestTPSZeroDeltaAdvancesWithoutSample(t *testing.T) {
	c := NewTPSCalculator(10, 2, true, nil)
	c.CalculateTPS(100, 1.0)
	c.CalculateTPS(104, 2.0)

	current, average := c.CalculateTPS(104, 3.0)
	assert.Zero(t, current)
	assert.Equal(t, 4.0, average, "zero sample must not enter history")

	// Previous height advanced: next delta counts from 104.
	current, _ = c.CalculateTPS(106, 4.0)
	assert.Equal(t, 2.0, current)
}

func TestTPSNonPositiveElapsedSkipsSample(t *testing.T) {
	c := NewTPSCalculator(10, 2, true, nil)
	c.CalculateTPS(100, 5.0)
	c.CalculateTPS(110, 6.0)

	current, average := c.CalculateTPS(120, 6.0)
	assert.Zero(t, current)
	assert.Equal(t, 10.0, average)
	assert.Equal(t, int64(10), c.ProcessedTx())
}

func TestTPSSmallElapsedClamped(t *testing.T) {
	c := NewTPSCalculator(10, 2, true, nil)
	c.CalculateTPS(100, 1.0)
	current, _ := c.CalculateTPS(110, 1.001)
	assert.Equal(t, 100.0, current, "10 blocks over a clamped 0.1s interval")
}

func TestTPSCapped(t *testing.T) {
	c := NewTPSCalculator(10, 2, true, nil)
	c.CalculateTPS(0, 1.0)
	current, _ := c.CalculateTPS(5000, 2.0)
	assert.Equal(t, float64(maxReasonableTPS), current)
	assert.Equal(t, int64(5000), c.ProcessedTx())
}

func TestTPSFixedIntervalMode(t *testing.T) {
	c := NewTPSCalculator(10, 2, false, nil)
	c.CalculateTPS(100, 0)
	current, _ := c.CalculateTPS(110, 0)
	assert.Equal(t, 5.0, current, "10 blocks over the fixed 2s interval")
	assert.Equal(t, 10.0, c.LastIntervalTx())
}

func TestTPSResetKeepsTotal(t *testing.T) {
	c := NewTPSCalculator(10, 2, true, nil)
	c.CalculateTPS(100, 1.0)
	c.CalculateTPS(110, 2.0)

	c.Reset()
	assert.Zero(t, c.CallCount())
	assert.Zero(t, c.AverageTPS())
	assert.Equal(t, int64(10), c.ProcessedTx())
}

func TestSyncSpeedNoDataNotOK(t *testing.T) {
	tr := NewSyncSpeedTracker(10)
	_, ok := tr.AverageSyncSpeed()
	assert.False(t, ok)

	tr.Update(100, 1.0)
	_, ok = tr.AverageSyncSpeed()
	assert.False(t, ok, "first observation has no delta")

	// Non-positive deltas never become samples.
	tr.Update(100, 2.0)
	_, ok = tr.AverageSyncSpeed()
	assert.False(t, ok)

	tr.Update(110, 4.0)
	speed, ok := tr.AverageSyncSpeed()
	require.True(t, ok)
	assert.InDelta(t, 5.0, speed, 1e-9)
}

func TestSyncSpeedAnchorsAlwaysAdvance(t *testing.T) {
	tr := NewSyncSpeedTracker(10)
	tr.Update(100, 1.0)
	tr.Update(90, 2.0) // negative delta, no sample, anchors move
	tr.Update(100, 3.0)
	speed, ok := tr.AverageSyncSpeed()
	require.True(t, ok)
	assert.InDelta(t, 10.0, speed, 1e-9)
}

func TestBlockDifferenceAverage(t *testing.T) {
	tr := NewBlockDifferenceTracker(50)
	assert.Zero(t, tr.AverageDifference())

	for _, d := range []int64{2, 4, 6} {
		tr.AddDifference(d)
	}
	assert.Equal(t, 4.0, tr.AverageDifference())
}

func TestLatencyTracker(t *testing.T) {
	tr := NewLatencyTracker(10)
	_, ok := tr.MinLatency()
	assert.False(t, ok)

	tr.AddLatency(120)
	tr.AddLatency(150)
	tr.AddLatency(90)

	assert.InDelta(t, 120.0, tr.AverageLatency(), 1e-9)
	min, ok := tr.MinLatency()
	require.True(t, ok)
	assert.Equal(t, 90.0, min)
	max, ok := tr.MaxLatency()
	require.True(t, ok)
	assert.Equal(t, 150.0, max)
}

func TestErrorRateTracker(t *testing.T) {
	tr := NewErrorRateTracker()
	assert.Zero(t, tr.ErrorRate())

	tr.RecordRequest(true)
	tr.RecordRequest(false)
	tr.RecordRequest(false)
	tr.RecordRequest(true)
	assert.Equal(t, 50.0, tr.ErrorRate())
}
