package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/iconloop/goloop-watchdog/internal/goloop"
	"github.com/iconloop/goloop-watchdog/internal/metrics"
)

// NodeStatsConfig carries the plain values a NodeStatsMonitor needs;
// nothing is read from files or the environment here.
type NodeStatsConfig struct {
	Interval    time.Duration
	HistorySize int
	// LogInterval is the number of ticks between full static identity
	// lines (endpoint, channel, cid, nid).
	LogInterval int64
	// StallWarning fires an alert when the target height has not
	// advanced for this long. Zero disables stall alerting.
	StallWarning time.Duration
	// DiffWarning fires an alert when the gap to the comparison node
	// exceeds this many blocks. Zero disables lag alerting.
	DiffWarning int64
}

// NodeStatsMonitor polls one node's /admin/chain endpoint every tick,
// optionally compares its height against a second node, and feeds the
// rolling TPS / sync-speed / block-difference trackers.
type NodeStatsMonitor struct {
	api        string
	compareAPI string
	client     ChainAPI
	cfg        NodeStatsConfig
	alerter    Alerter
	log        *zap.SugaredLogger

	tps       *metrics.TPSCalculator
	blockDiff *metrics.BlockDifferenceTracker
	syncSpeed *metrics.SyncSpeedTracker
	latency   *metrics.LatencyTracker
	errRate   *metrics.ErrorRateTracker

	lastHeight    int64
	lastAdvance   time.Time
	stallReported bool
	lagReported   bool
}

func NewNodeStatsMonitor(api, compareAPI string, client ChainAPI, cfg NodeStatsConfig, alerter Alerter, log *zap.SugaredLogger) *NodeStatsMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = 20
	}
	return &NodeStatsMonitor{
		api:        api,
		compareAPI: compareAPI,
		client:     client,
		cfg:        cfg,
		alerter:    alerter,
		log:        log,
		tps:        metrics.NewTPSCalculator(cfg.HistorySize, cfg.Interval.Seconds(), true, log),
		blockDiff:  metrics.NewBlockDifferenceTracker(cfg.HistorySize),
		syncSpeed:  metrics.NewSyncSpeedTracker(cfg.HistorySize),
		latency:    metrics.NewLatencyTracker(cfg.HistorySize),
		errRate:    metrics.NewErrorRateTracker(),
	}
}

// fetchSide is one half of a tick's fetch: the target node's status or
// the comparison node's height. Either side may fail without touching
// the other.
type fetchSide struct {
	status  *goloop.ChainStatus
	height  int64
	elapsed time.Duration
	err     error
}

type tickData struct {
	target  fetchSide
	compare fetchSide
	hasComp bool
}

type tickStats struct {
	Height   int64
	TPS      float64
	AvgTPS   float64
	TxCount  float64
	Diff     int64
	State    string
	LastErr  string
	CID      string
	NID      string
	Channel  string
	SyncTime string
}

// fetchData queries the target and the comparison node concurrently.
// Failure of one side never aborts the other.
func (m *NodeStatsMonitor) fetchData(ctx context.Context) tickData {
	data := tickData{hasComp: m.compareAPI != ""}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		status, elapsed, err := m.client.ChainStatus(ctx, m.api)
		data.target = fetchSide{status: status, elapsed: elapsed, err: err}
	}()
	if data.hasComp {
		wg.Add(1)
		go func() {
			defer wg.Done()
			height, _, err := m.client.LastBlockHeight(ctx, m.compareAPI)
			data.compare = fetchSide{height: height, err: err}
		}()
	}
	wg.Wait()
	return data
}

// processStats validates the target reply and updates every tracker.
// A missing or failed target height is the tick's one hard error.
func (m *NodeStatsMonitor) processStats(data tickData) (*tickStats, error) {
	m.errRate.RecordRequest(data.target.err == nil && data.target.status != nil)
	if data.target.err != nil {
		return nil, errors.Wrapf(data.target.err, "invalid height from %s", m.api)
	}
	status := data.target.status
	if status == nil {
		return nil, errors.Errorf("invalid height from %s: empty reply", m.api)
	}
	if status.Height == nil {
		return nil, errors.Errorf("invalid height from %s: missing in reply", m.api)
	}
	height := *status.Height
	m.latency.AddLatency(float64(data.target.elapsed.Milliseconds()))

	now := nowSeconds()
	m.syncSpeed.Update(height, now)

	var diff int64
	if data.hasComp && data.compare.err == nil && data.compare.height > 0 {
		diff = data.compare.height - height
		if diff < 0 {
			diff = 0
		}
	}
	m.blockDiff.AddDifference(diff)

	current, average := m.tps.CalculateTPS(height, now)

	stats := &tickStats{
		Height:  height,
		TPS:     current,
		AvgTPS:  average,
		TxCount: m.tps.LastIntervalTx(),
		Diff:    diff,
		State:   status.State,
		LastErr: status.LastError,
		CID:     status.CID,
		NID:     status.NID,
		Channel: status.Channel,
	}

	if speed, ok := m.syncSpeed.AverageSyncSpeed(); ok && diff > 1 && speed > 0 {
		stats.SyncTime = secondToDayHHMM(float64(diff) / speed)
	}
	return stats, nil
}

// formatLogMessage renders one tick line. Every LogInterval-th tick it
// prepends the node's static identity. Reset/pruning states decode to
// progress percentages; a malformed state string is this function's
// only error.
func (m *NodeStatsMonitor) formatLogMessage(stats *tickStats) (string, error) {
	parts := []string{
		fmt.Sprintf("Height: %d", stats.Height),
		fmt.Sprintf("TPS: %.2f (Avg: %.2f)", stats.TPS, stats.AvgTPS),
		fmt.Sprintf("TX Count: %.2f", stats.TxCount),
		fmt.Sprintf("Diff: %d", stats.Diff),
	}
	if stats.SyncTime != "" {
		parts = append(parts, "Sync Time: "+stats.SyncTime)
	}

	if stats.State != "started" || stats.LastErr != "" {
		state, err := goloop.ParseNodeState(stats.State)
		if err != nil {
			return "", err
		}
		switch state.Kind {
		case goloop.StateResetting:
			parts = append(parts, fmt.Sprintf("State: reset %.2f%% | lastError: %s",
				state.Reset.Progress, stats.LastErr))
		case goloop.StatePruning:
			parts = append(parts, fmt.Sprintf("State: pruning %.2f%% (%.2f%%) | lastError: %s",
				state.Pruning.Progress, state.Pruning.ResolveProgress, stats.LastErr))
		default:
			parts = append(parts, fmt.Sprintf("State: %s | lastError: %s", stats.State, stats.LastErr))
		}
	}
	line := strings.Join(parts, " | ")

	if m.tps.CallCount()%m.cfg.LogInterval == 1 {
		static := fmt.Sprintf("%s, channel: %s, cid: %s, nid: %s, err-rate: %.1f%%, avg-latency: %.1fms",
			m.api, orNA(stats.Channel), orNA(stats.CID), orNA(stats.NID),
			m.errRate.ErrorRate(), m.latency.AverageLatency())
		return static + "\n" + line, nil
	}
	return line, nil
}

// checkAlerts watches for a stalled height or an excessive gap to the
// comparison node. One alert per condition until it recovers.
func (m *NodeStatsMonitor) checkAlerts(stats *tickStats) {
	if m.alerter == nil {
		return
	}

	now := time.Now()
	if stats.Height > m.lastHeight {
		m.lastHeight = stats.Height
		m.lastAdvance = now
		m.stallReported = false
	} else if m.cfg.StallWarning > 0 && !m.stallReported && !m.lastAdvance.IsZero() &&
		now.Sub(m.lastAdvance) > m.cfg.StallWarning {
		stuck := now.Sub(m.lastAdvance)
		m.alerter.Notify(
			fmt.Sprintf("%s block height stuck", m.api),
			fmt.Sprintf(stallMessage, m.api, stats.Height, stats.State, stats.LastErr,
				int64(stuck.Seconds()), stuck.Minutes()),
		)
		m.stallReported = true
	}

	if m.cfg.DiffWarning > 0 {
		if stats.Diff > m.cfg.DiffWarning && !m.lagReported {
			m.alerter.Notify(
				fmt.Sprintf("%s behind comparison node", m.api),
				fmt.Sprintf(lagMessage, m.api, stats.Height, stats.Diff, m.compareAPI),
			)
			m.lagReported = true
		} else if stats.Diff <= m.cfg.DiffWarning {
			m.lagReported = false
		}
	}
}

// Run polls until ctx is cancelled. A failed tick is logged and
// followed by a full fixed-interval sleep; a successful tick sleeps
// whatever remains of the interval so slow fetches do not drift the
// cadence.
func (m *NodeStatsMonitor) Run(ctx context.Context) error {
	m.log.Infof("[nodeStats] starting node monitor for %s", m.api)
	for {
		start := time.Now()
		sleep := m.cfg.Interval

		data := m.fetchData(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stats, err := m.processStats(data)
		if err == nil {
			var line string
			line, err = m.formatLogMessage(stats)
			if err == nil {
				m.log.Info(line)
				m.checkAlerts(stats)
				sleep = m.cfg.Interval - time.Since(start)
				if sleep < 0 {
					sleep = 0
				}
			}
		}
		if err != nil {
			m.log.Errorf("[nodeStats] an error occurred in monitor loop: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// secondToDayHHMM renders a duration in seconds as "D days HH:MM:SS".
func secondToDayHHMM(seconds float64) string {
	s := int64(seconds)
	days := s / 86400
	s %= 86400
	hours := s / 3600
	s %= 3600
	minutes := s / 60
	s %= 60
	return fmt.Sprintf("%d days %02d:%02d:%02d", days, hours, minutes, s)
}
