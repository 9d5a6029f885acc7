package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ahmetb/go-linq"
	"go.uber.org/zap"

	"github.com/iconloop/goloop-watchdog/internal/monitor"
)

const timeFormat = "15:04:05 Jan _2 MST" // https://golang.org/pkg/time/#Time.Format

type statusReport struct {
	Build       string               `json:"watchdog-build-version"`
	Timestamp   string               `json:"timestamp"`
	ActivePorts int                  `json:"active-ports"`
	TotalPorts  int                  `json:"total-ports"`
	NIDs        []string             `json:"nids"`
	Ports       []monitor.PortStatus `json:"ports"`
}

func buildReport(ts time.Time, ports []monitor.PortStatus) statusReport {
	report := statusReport{
		Build:      versionS(),
		Timestamp:  ts.Format(timeFormat),
		TotalPorts: len(ports),
		NIDs:       []string{},
		Ports:      ports,
	}
	report.ActivePorts = linq.From(ports).CountWith(func(p interface{}) bool {
		return p.(monitor.PortStatus).Status == "ok"
	})
	linq.From(ports).Where(func(p interface{}) bool {
		return p.(monitor.PortStatus).NID != "" && p.(monitor.PortStatus).NID != "N/A"
	}).Select(func(p interface{}) interface{} {
		return p.(monitor.PortStatus).NID
	}).Distinct().ToSlice(&report.NIDs)
	return report
}

// startStatusServer serves the chain monitor's latest snapshot over
// plain HTTP until ctx is cancelled.
func startStatusServer(ctx context.Context, addr string, m *monitor.ChainMonitor, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		ts, ports := m.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(buildReport(ts, ports)); err != nil {
			log.Errorf("[status] could not write report: %v", err)
		}
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, ports := m.Snapshot()
		healthy := linq.From(ports).AnyWith(func(p interface{}) bool {
			return p.(monitor.PortStatus).Status == "ok"
		})
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		w.Write([]byte(http.StatusText(http.StatusOK)))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("[status] listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorf("[status] server stopped: %v", err)
	}
}
