package monitor

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// Goloop exposes one RPC listener per chain somewhere in this
	// range by convention.
	DefaultStartPort = 9000
	DefaultEndPort   = 9999
)

// findOpenPorts dials every port in [start, end] on host concurrently
// and returns the ports that accepted, sorted ascending.
func findOpenPorts(ctx context.Context, host string, start, end int, dialTimeout time.Duration, log *zap.SugaredLogger) []int {
	if dialTimeout <= 0 {
		dialTimeout = 500 * time.Millisecond
	}

	var (
		mu   sync.Mutex
		open []int
		wg   sync.WaitGroup
	)
	for port := start; port <= end; port++ {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			d := net.Dialer{Timeout: dialTimeout}
			conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
			if err != nil {
				return
			}
			conn.Close()
			mu.Lock()
			open = append(open, port)
			mu.Unlock()
		}(port)
	}
	wg.Wait()

	sort.Ints(open)
	if log != nil {
		log.Infof("[chainMonitor] checking for open ports (%d ~ %d), found: %v", start, end, open)
	}
	return open
}
