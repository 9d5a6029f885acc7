// Package metrics provides rolling-window trackers used by the node
// monitors: TPS derived from block-height deltas, sync speed, block
// height differences, request latency and error rates.
package metrics

import (
	"go.uber.org/zap"
)

// maxReasonableTPS caps a single TPS sample. Goloop chains do not
// sustain four-digit TPS; anything above it is clock jitter or a
// height jump after a restart.
const maxReasonableTPS = 1000

// minElapsed is the smallest interval used for a TPS sample. Smaller
// measured intervals are clamped so one fast poll cannot inflate TPS.
const minElapsed = 0.1

// TPSCalculator approximates transactions per second from block-height
// deltas observed at each poll. With variableTime enabled the elapsed
// interval is taken from the supplied timestamps, otherwise the fixed
// sleepTime is assumed between polls.
type TPSCalculator struct {
	prevHeight  int64
	hasPrev     bool
	prevTime    float64
	hasPrevTime bool

	history      *window
	callCount    int64
	sleepTime    float64
	variableTime bool
	totalTx      int64

	log *zap.SugaredLogger
}

func NewTPSCalculator(historySize int, sleepTime float64, variableTime bool, log *zap.SugaredLogger) *TPSCalculator {
	if sleepTime <= 0 {
		sleepTime = 2
	}
	return &TPSCalculator{
		history:      newWindow(historySize),
		sleepTime:    sleepTime,
		variableTime: variableTime,
		log:          log,
	}
}

// CalculateTPS records a new height observation and returns the TPS of
// this interval together with the rolling average.
//
// Edge policy: a non-positive elapsed interval skips the sample
// entirely; an interval below 100ms is clamped; a negative height
// delta means the chain was reset, which wipes all state including the
// transaction total; a zero delta advances the previous height/time
// without recording a zero sample.
func (c *TPSCalculator) CalculateTPS(height int64, now float64) (current, average float64) {
	timeDiff := c.sleepTime
	if c.variableTime {
		if c.hasPrevTime {
			timeDiff = now - c.prevTime
			if timeDiff <= 0 {
				c.warnf("non-positive time delta (%.4f), skipping TPS sample", timeDiff)
				return 0, c.AverageTPS()
			}
			if timeDiff < minElapsed {
				c.warnf("very small time delta (%.4f), clamping to %.1fs", timeDiff, minElapsed)
				timeDiff = minElapsed
			}
		}
	}

	if c.hasPrev {
		heightDiff := height - c.prevHeight
		if heightDiff < 0 {
			c.warnf("negative height delta (%d), resetting TPS calculator", heightDiff)
			c.resetAll()
			return 0, c.AverageTPS()
		}
		if heightDiff == 0 {
			current = 0
		} else {
			current = float64(heightDiff) / timeDiff
			if current > maxReasonableTPS {
				c.warnf("unusually high TPS (%.2f), capping to %d", current, maxReasonableTPS)
				current = maxReasonableTPS
			}
			c.history.push(current)
			c.totalTx += heightDiff
		}
	}

	c.prevHeight = height
	c.hasPrev = true
	if c.variableTime {
		c.prevTime = now
		c.hasPrevTime = true
	}
	c.callCount++

	return current, c.AverageTPS()
}

// AverageTPS returns the mean of the rolling history, 0 when empty.
func (c *TPSCalculator) AverageTPS() float64 {
	return c.history.mean()
}

// LastIntervalTx approximates the transaction count of the most recent
// interval as lastTPS * sleepTime. Returns 0 before any sample.
func (c *TPSCalculator) LastIntervalTx() float64 {
	last, ok := c.history.last()
	if !ok {
		return 0
	}
	return last * c.sleepTime
}

// ProcessedTx returns the total transactions accumulated since the
// calculator was created or last chain reset.
func (c *TPSCalculator) ProcessedTx() int64 {
	return c.totalTx
}

func (c *TPSCalculator) CallCount() int64 {
	return c.callCount
}

// Reset clears the height/time anchors, the history and the call
// count. The transaction total survives; only a chain reset (negative
// height delta) wipes it.
func (c *TPSCalculator) Reset() {
	c.prevHeight = 0
	c.hasPrev = false
	c.prevTime = 0
	c.hasPrevTime = false
	c.history.clear()
	c.callCount = 0
}

func (c *TPSCalculator) resetAll() {
	c.Reset()
	c.totalTx = 0
}

func (c *TPSCalculator) warnf(format string, args ...interface{}) {
	if c.log != nil {
		c.log.Warnf(format, args...)
	}
}

// SyncSpeedTracker keeps a moving average of blocks synchronized per
// second. A sample is recorded only when both the height delta and the
// time delta are strictly positive, so the average never mixes in
// stalls or clock steps.
type SyncSpeedTracker struct {
	blockDiffs *window
	timeDiffs  *window

	prevHeight int64
	prevTime   float64
	hasPrev    bool
}

func NewSyncSpeedTracker(historySize int) *SyncSpeedTracker {
	return &SyncSpeedTracker{
		blockDiffs: newWindow(historySize),
		timeDiffs:  newWindow(historySize),
	}
}

// Update records a height observation. The previous anchors advance on
// every call regardless of whether a sample was recorded.
func (t *SyncSpeedTracker) Update(height int64, now float64) {
	if t.hasPrev {
		blockDiff := height - t.prevHeight
		timeDiff := now - t.prevTime
		if blockDiff > 0 && timeDiff > 0 {
			t.blockDiffs.push(float64(blockDiff))
			t.timeDiffs.push(timeDiff)
		}
	}
	t.prevHeight = height
	t.prevTime = now
	t.hasPrev = true
}

// AverageSyncSpeed returns blocks per second over the window. ok is
// false while no valid sample pair has been observed; callers must
// distinguish "no data yet" from a zero speed.
func (t *SyncSpeedTracker) AverageSyncSpeed() (speed float64, ok bool) {
	if t.blockDiffs.len() == 0 || t.timeDiffs.len() == 0 {
		return 0, false
	}
	totalTime := t.timeDiffs.sum()
	if totalTime <= 0 {
		return 0, false
	}
	return t.blockDiffs.sum() / totalTime, true
}

// BlockDifferenceTracker keeps a trailing average of the block height
// gap between a local node and an external reference node.
type BlockDifferenceTracker struct {
	diffs *window
}

func NewBlockDifferenceTracker(historySize int) *BlockDifferenceTracker {
	return &BlockDifferenceTracker{diffs: newWindow(historySize)}
}

func (t *BlockDifferenceTracker) AddDifference(diff int64) {
	t.diffs.push(float64(diff))
}

// AverageDifference returns the trailing mean, 0 when empty.
func (t *BlockDifferenceTracker) AverageDifference() float64 {
	return t.diffs.mean()
}

// LatencyTracker records request latencies in milliseconds.
type LatencyTracker struct {
	latencies *window
}

func NewLatencyTracker(historySize int) *LatencyTracker {
	return &LatencyTracker{latencies: newWindow(historySize)}
}

func (t *LatencyTracker) AddLatency(ms float64) {
	t.latencies.push(ms)
}

func (t *LatencyTracker) AverageLatency() float64 {
	return t.latencies.mean()
}

func (t *LatencyTracker) MinLatency() (float64, bool) {
	if t.latencies.len() == 0 {
		return 0, false
	}
	min := t.latencies.vals[0]
	for _, v := range t.latencies.vals[1:] {
		if v < min {
			min = v
		}
	}
	return min, true
}

func (t *LatencyTracker) MaxLatency() (float64, bool) {
	if t.latencies.len() == 0 {
		return 0, false
	}
	max := t.latencies.vals[0]
	for _, v := range t.latencies.vals[1:] {
		if v > max {
			max = v
		}
	}
	return max, true
}

// ErrorRateTracker counts requests and failures.
type ErrorRateTracker struct {
	total  int64
	failed int64
}

func NewErrorRateTracker() *ErrorRateTracker {
	return &ErrorRateTracker{}
}

func (t *ErrorRateTracker) RecordRequest(success bool) {
	t.total++
	if !success {
		t.failed++
	}
}

// ErrorRate returns the failure percentage, 0 before any request.
func (t *ErrorRateTracker) ErrorRate() float64 {
	if t.total == 0 {
		return 0
	}
	return float64(t.failed) / float64(t.total) * 100
}
