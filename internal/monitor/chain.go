package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ahmetb/go-linq"
	"go.uber.org/zap"

	"github.com/iconloop/goloop-watchdog/internal/goloop"
)

// portHistory bounds the per-port height/time sample windows.
const portHistory = 60

// warnAfterFailures marks a port "warn" once this many consecutive
// fetches failed. The port keeps being polled.
const warnAfterFailures = 3

// HealthLevel is the operator-visible health classification of one
// monitored port for a tick.
type HealthLevel int

const (
	HealthRed HealthLevel = iota
	HealthYellow
	HealthDim
)

func (h HealthLevel) String() string {
	switch h {
	case HealthRed:
		return "red"
	case HealthYellow:
		return "yellow"
	default:
		return "dim"
	}
}

// healthLevel reproduces the four-way status classification: anything
// not ok is red, an ok port with a completely flat TPS is red, busy
// ports are yellow, quiet healthy ports are dim.
func healthLevel(status string, avgTPS, recentTPS float64) HealthLevel {
	switch {
	case status != "ok":
		return HealthRed
	case avgTPS == 0 && recentTPS == 0:
		return HealthRed
	case avgTPS > 1:
		return HealthYellow
	default:
		return HealthDim
	}
}

// ChainMonitorConfig carries the plain values a ChainMonitor needs.
type ChainMonitorConfig struct {
	SleepDuration   time.Duration
	RefreshInterval time.Duration
	DialTimeout     time.Duration
	StartPort       int
	EndPort         int
}

// portState is the per-port rolling history. It is created when the
// port first appears in a scan and evicted entirely when the port
// disappears; a reappearing port starts clean.
type portState struct {
	heights  []int64
	times    []float64
	failures int
}

func (s *portState) append(height int64, now float64) {
	if len(s.heights) == portHistory {
		copy(s.heights, s.heights[1:])
		s.heights = s.heights[:portHistory-1]
		copy(s.times, s.times[1:])
		s.times = s.times[:portHistory-1]
	}
	s.heights = append(s.heights, height)
	s.times = append(s.times, now)
}

// PortStatus is one port's result for a tick, as exposed through
// Snapshot and the status endpoint.
type PortStatus struct {
	Port      int     `json:"port"`
	Status    string  `json:"status"`
	Health    string  `json:"health"`
	Height    int64   `json:"height"`
	NID       string  `json:"nid"`
	State     string  `json:"state"`
	RecentTPS float64 `json:"recent-tps"`
	AvgTPS    float64 `json:"avg-tps"`
	RecentTx  int64   `json:"recent-tx"`
	Failures  int     `json:"consecutive-failures"`
}

// ChainMonitor polls every chain RPC port on one host. Without a fixed
// port list it rescans periodically and tracks membership changes.
type ChainMonitor struct {
	host       string
	fixedPorts []int
	client     ChainAPI
	cfg        ChainMonitorConfig
	log        *zap.SugaredLogger

	openPorts   []int
	states      map[int]*portState
	lastRefresh time.Time

	mu         sync.Mutex
	snapshot   []PortStatus
	snapshotTS time.Time
}

func NewChainMonitor(host string, ports []int, client ChainAPI, cfg ChainMonitorConfig, log *zap.SugaredLogger) *ChainMonitor {
	if cfg.SleepDuration <= 0 {
		cfg.SleepDuration = 2 * time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.StartPort <= 0 {
		cfg.StartPort = DefaultStartPort
	}
	if cfg.EndPort <= 0 {
		cfg.EndPort = DefaultEndPort
	}
	return &ChainMonitor{
		host:       host,
		fixedPorts: append([]int(nil), ports...),
		client:     client,
		cfg:        cfg,
		log:        log,
		states:     map[int]*portState{},
	}
}

// calculateTPS derives a recent and a windowed average TPS from raw
// height/time samples. Deliberately simpler than the TPSCalculator:
// one instance of this runs per port, two points are enough.
func calculateTPS(heights []int64, times []float64, sleepDuration float64) (recentTPS, avgTPS float64, recentTx int64) {
	if len(heights) < 2 {
		return 0, 0, 0
	}
	recentTx = heights[len(heights)-1] - heights[len(heights)-2]
	avgTx := heights[len(heights)-1] - heights[0]
	if sleepDuration > 0 {
		recentTPS = float64(recentTx) / sleepDuration
	}
	if totalTime := times[len(times)-1] - times[0]; totalTime > 0 {
		avgTPS = float64(avgTx) / totalTime
	}
	return recentTPS, avgTPS, recentTx
}

func (m *ChainMonitor) baseURL(port int) string {
	host := m.host
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// maybeRefreshPorts rescans for open ports once RefreshInterval has
// passed and diffs the result against the tracked set. New ports get
// fresh state, disappeared ports are evicted outright.
func (m *ChainMonitor) maybeRefreshPorts(ctx context.Context) {
	if len(m.fixedPorts) > 0 {
		return
	}
	if time.Since(m.lastRefresh) < m.cfg.RefreshInterval {
		return
	}
	m.lastRefresh = time.Now()

	newPorts := findOpenPorts(ctx, m.host, m.cfg.StartPort, m.cfg.EndPort, m.cfg.DialTimeout, m.log)
	m.applyPortSet(newPorts)
}

func (m *ChainMonitor) applyPortSet(newPorts []int) {
	current := map[int]bool{}
	for _, p := range m.openPorts {
		current[p] = true
	}
	wanted := map[int]bool{}
	for _, p := range newPorts {
		wanted[p] = true
		if !current[p] {
			m.openPorts = append(m.openPorts, p)
			m.states[p] = &portState{}
		}
	}
	kept := m.openPorts[:0]
	for _, p := range m.openPorts {
		if wanted[p] {
			kept = append(kept, p)
		} else {
			delete(m.states, p)
		}
	}
	m.openPorts = kept
}

type fetchOutcome struct {
	status *goloop.ChainStatus
	err    error
}

// fetchAll fans out one status fetch per tracked port and returns the
// outcomes in the same order as m.openPorts. The zip between ports and
// results relies on that order.
func (m *ChainMonitor) fetchAll(ctx context.Context) []fetchOutcome {
	results := make([]fetchOutcome, len(m.openPorts))
	var wg sync.WaitGroup
	for i, port := range m.openPorts {
		wg.Add(1)
		go func(i, port int) {
			defer wg.Done()
			status, _, err := m.client.ChainStatus(ctx, m.baseURL(port))
			results[i] = fetchOutcome{status: status, err: err}
		}(i, port)
	}
	wg.Wait()
	return results
}

// processResult folds one port's fetch outcome into its rolling state
// and returns the tick's PortStatus.
func (m *ChainMonitor) processResult(port int, out fetchOutcome, now float64) PortStatus {
	st := m.states[port]
	ps := PortStatus{Port: port, Status: "no result"}

	if out.err == nil && out.status != nil && out.status.Height != nil {
		ps.Status = "ok"
		ps.Height = *out.status.Height
		ps.NID = orNA(out.status.NID)
		ps.State = m.stateLabel(port, out.status.State)

		st.append(*out.status.Height, now)
		if len(st.heights) >= 2 {
			ps.RecentTPS, ps.AvgTPS, ps.RecentTx = calculateTPS(st.heights, st.times, m.cfg.SleepDuration.Seconds())
			st.failures = 0
		} else {
			ps.Status = "initializing"
		}
	} else {
		st.failures++
		if st.failures >= warnAfterFailures {
			ps.Status = "warn"
		}
	}
	ps.Failures = st.failures
	ps.Health = healthLevel(ps.Status, ps.AvgTPS, ps.RecentTPS).String()

	if ps.Status == "ok" {
		m.log.Infof("[chainMonitor] [%s] Port %d: Status=%-3s, Height=%d, nid=%s, TPS(avg)=%5.2f, TPS(recent)=%5.2f, TX Cnt=%-3d, %s",
			ps.Health, port, ps.Status, ps.Height, ps.NID, ps.AvgTPS, ps.RecentTPS, ps.RecentTx, ps.State)
	} else if out.err != nil {
		m.log.Infof("[chainMonitor] [%s] Port %d: Status=%s, result=%v", ps.Health, port, ps.Status, out.err)
	} else {
		m.log.Infof("[chainMonitor] [%s] Port %d: Status=%s", ps.Health, port, ps.Status)
	}
	return ps
}

// stateLabel decodes reset/pruning progress for display. A malformed
// state string is logged with the raw parser error and shown as-is.
func (m *ChainMonitor) stateLabel(port int, raw string) string {
	state, err := goloop.ParseNodeState(raw)
	if err != nil {
		m.log.Errorf("[chainMonitor] Port %d: %v", port, err)
		return raw
	}
	switch state.Kind {
	case goloop.StateResetting:
		return fmt.Sprintf("reset %.2f%%", state.Reset.Progress)
	case goloop.StatePruning:
		return fmt.Sprintf("Progress %.2f%% (%.2f%%)", state.Pruning.Progress, state.Pruning.ResolveProgress)
	default:
		return raw
	}
}

func (m *ChainMonitor) storeSnapshot(statuses []PortStatus) {
	m.mu.Lock()
	m.snapshot = append([]PortStatus(nil), statuses...)
	m.snapshotTS = time.Now()
	m.mu.Unlock()
}

// Snapshot returns a copy of the most recent tick's port statuses.
func (m *ChainMonitor) Snapshot() (time.Time, []PortStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotTS, append([]PortStatus(nil), m.snapshot...)
}

// Run scans for ports once, then polls every tracked port each tick
// until ctx is cancelled. Finding no open ports at startup is the only
// natural termination.
func (m *ChainMonitor) Run(ctx context.Context) error {
	if len(m.fixedPorts) > 0 {
		m.applyPortSet(m.fixedPorts)
	} else {
		m.applyPortSet(findOpenPorts(ctx, m.host, m.cfg.StartPort, m.cfg.EndPort, m.cfg.DialTimeout, m.log))
	}
	if len(m.openPorts) == 0 {
		m.log.Infof("[chainMonitor] no open ports found on %s, exiting", m.host)
		return nil
	}
	m.lastRefresh = time.Now()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.maybeRefreshPorts(ctx)

		results := m.fetchAll(ctx)
		now := nowSeconds()

		statuses := make([]PortStatus, 0, len(m.openPorts))
		for i, port := range m.openPorts {
			statuses = append(statuses, m.processResult(port, results[i], now))
		}
		m.storeSnapshot(statuses)

		active := linq.From(results).CountWith(func(r interface{}) bool {
			return r.(fetchOutcome).err == nil && r.(fetchOutcome).status != nil
		})
		m.log.Debugf("[chainMonitor] active ports: %d/%d", active, len(m.openPorts))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.SleepDuration):
		}
	}
}
