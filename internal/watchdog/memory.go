package watchdog

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/clipstash/importd/internal/metrics"
)

const (
	sampleInterval    = 10 * time.Second
	warnThreshold     = 0.85
	criticalThreshold = 0.95
)

// Memory samples heap usage against the configured cap. Purely an
// observability aid: it warns, hints the GC, and never kills the process.
type Memory struct {
	capBytes uint64
	logger   *slog.Logger
}

func NewMemory(capMB int, logger *slog.Logger) *Memory {
	return &Memory{
		capBytes: uint64(capMB) * 1024 * 1024,
		logger:   logger.With("component", "memory_watchdog"),
	}
}

func (w *Memory) Start(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	w.logger.Info("memory watchdog started", "cap_bytes", w.capBytes)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("memory watchdog shut down")
			return
		case <-ticker.C:
			w.sample()
		}
	}
}

func (w *Memory) sample() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	metrics.HeapBytes.Set(float64(stats.HeapAlloc))

	if w.capBytes == 0 {
		return
	}
	ratio := float64(stats.HeapAlloc) / float64(w.capBytes)

	switch {
	case ratio >= criticalThreshold:
		w.logger.Error("heap usage critical",
			"heap_bytes", stats.HeapAlloc, "cap_bytes", w.capBytes, "ratio", ratio)
		runtime.GC()
	case ratio >= warnThreshold:
		w.logger.Warn("heap usage high",
			"heap_bytes", stats.HeapAlloc, "cap_bytes", w.capBytes, "ratio", ratio)
		runtime.GC()
	}
}
