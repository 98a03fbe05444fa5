// Package driver implements spec §2's Driver layer: for each trace entry,
// call the selected engine, measure wall-clock, and capture the running
// counters that feed the two stats CSVs. Scheduling is single-threaded and
// synchronous (spec §5) — one trace entry fully retires before the next
// begins.
//
// Grounded on cmd/tinysql/main.go's execute() loop (parse one statement,
// time it, record the result, move to the next) and
// internal/storage/uuid_helpers.go's direct use of github.com/google/uuid
// for a run identifier.
package driver

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/fox-ftl/fox/internal/device"
	"github.com/fox-ftl/fox/internal/ftl"
	"github.com/fox-ftl/fox/internal/metrics"
	"github.com/fox-ftl/fox/internal/trace"
	"github.com/fox-ftl/fox/internal/workload"
)

// Run holds everything accumulated while replaying one trace against one
// engine: a UUID tag (so multiple runs against the same output directory
// are distinguishable, per the teacher's uuid.New()-directly convention),
// the per-entry IOStats rows, and the final heatmap snapshot.
type Run struct {
	ID        uuid.UUID
	Engine    ftl.Engine
	IOStats   []ftl.IOStats
	StartedAt time.Time
	Duration  time.Duration
}

// Heatmap returns the engine's final per-page counters, for
// internal/stats.WriteHeatmap.
func (r *Run) Heatmap() []ftl.HeatmapRow { return r.Engine.Heatmap() }

// Execute starts engineID against geo/wl/dev, replays every entry in
// entries in order, and returns the completed Run. metricsReg may be nil
// to skip Prometheus instrumentation entirely.
func Execute(engineID int, wl workload.Workload, dev device.Device, entries []trace.Entry, metricsReg *metrics.Registry) (*Run, error) {
	factory, err := ftl.ByID(engineID)
	if err != nil {
		return nil, fmt.Errorf("driver: %w", err)
	}
	eng := factory()
	geo := wl.Geometry()

	run := &Run{ID: uuid.New(), Engine: eng, StartedAt: time.Now()}
	log.Printf("driver: run %s starting engine %q on %d trace entries", run.ID, eng.Name(), len(entries))

	if err := eng.Start(geo, wl, dev); err != nil {
		return nil, fmt.Errorf("driver: engine %q start: %w", eng.Name(), err)
	}
	defer func() {
		if err := eng.Exit(); err != nil {
			log.Printf("driver: run %s: engine %q exit: %v", run.ID, eng.Name(), err)
		}
	}()

	run.IOStats = make([]ftl.IOStats, 0, len(entries))
	for i, e := range entries {
		start := time.Now()
		var (
			stats ftl.IOStats
			opErr error
		)
		switch e.Type {
		case trace.Read:
			stats, opErr = eng.Read(e.Offset, e.Size)
		case trace.Write:
			stats, opErr = eng.Write(e.Offset, e.Size)
		default:
			opErr = fmt.Errorf("driver: entry %d: unknown trace type %q", i, e.Type)
		}
		stats.ExeTimeUs = time.Since(start).Microseconds()
		if opErr != nil {
			if metricsReg != nil && errors.Is(opErr, ftl.ErrCapacityExhausted) {
				metricsReg.CapacityExhausted.Inc()
			}
			return run, fmt.Errorf("driver: run %s: entry %d (offset=%d size=%d type=%c): %w",
				run.ID, i, e.Offset, e.Size, e.Type, opErr)
		}
		run.IOStats = append(run.IOStats, stats)

		if metricsReg != nil {
			metricsReg.PagesRead.Add(float64(stats.PagesRead))
			metricsReg.PagesWritten.Add(float64(stats.PagesWritten))
			metricsReg.BlocksErased.Add(float64(stats.ErasedBlocks))
			metricsReg.GCInvocations.Add(float64(stats.GCCount))
			if stats.GCTimeUs > 0 {
				metricsReg.GCDuration.Observe(float64(stats.GCTimeUs) / 1e6)
			}
			metricsReg.RequestDuration.Observe(float64(stats.ExeTimeUs) / 1e6)
		}
	}

	run.Duration = time.Since(run.StartedAt)
	log.Printf("driver: run %s finished in %s (%d entries)", run.ID, run.Duration, len(run.IOStats))
	return run, nil
}
