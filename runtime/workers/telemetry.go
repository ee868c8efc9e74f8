package workers

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"
)

// MatchStats is the registry snapshot the worker reports alongside the
// process metrics. Kept as a local type so the workers package doesn't
// depend on the runtime package that supervises it.
type MatchStats struct {
	CachedMatches   int
	LiveConnections int
}

type StatsProvider func() MatchStats

// TelemetryWorker periodically logs process health (RSS, CPU) together with
// the registry load. Purely observational: it never touches match state.
type TelemetryWorker struct {
	log      *slog.Logger
	interval time.Duration
	stats    StatsProvider
}

func NewTelemetryWorker(log *slog.Logger, interval time.Duration, stats StatsProvider) *TelemetryWorker {
	return &TelemetryWorker{log: log, interval: interval, stats: stats}
}

func (w *TelemetryWorker) Run(ctx context.Context) error {
	w.log.Info("Starting telemetry worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			rss, cpu, err := selfStats(p)
			if err != nil {
				w.log.Error("Failed to collect self stats", "err", err)
				continue
			}

			snapshot := w.stats()
			w.log.Info("Telemetry",
				"matches", snapshot.CachedMatches,
				"connections", snapshot.LiveConnections,
				"ram_bytes", rss,
				"cpu_percent", cpu,
			)
		}
	}
}

// selfStats retrieves memory and CPU usage for the given process.
func selfStats(p *process.Process) (uint64, float64, error) {
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}

	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	return memInfo.RSS, cpuPercent, nil
}
