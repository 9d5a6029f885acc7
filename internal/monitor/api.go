// Package monitor contains the polling monitors: NodeStatsMonitor
// watches a single goloop node against a reference node, ChainMonitor
// watches every chain endpoint exposed on one host.
package monitor

import (
	"context"
	"time"

	"github.com/iconloop/goloop-watchdog/internal/goloop"
)

// ChainAPI is the slice of the RPC client the monitors consume.
type ChainAPI interface {
	ChainStatus(ctx context.Context, baseURL string) (*goloop.ChainStatus, time.Duration, error)
	LastBlockHeight(ctx context.Context, baseURL string) (int64, time.Duration, error)
}

// Alerter delivers an incident notification. Implementations must not
// block the monitor loop for long and must never panic; a nil Alerter
// disables alerting.
type Alerter interface {
	Notify(incidentKey, message string)
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
