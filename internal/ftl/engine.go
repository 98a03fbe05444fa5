// Package ftl implements the four write policies of spec §4.3-§4.6 on top
// of internal/geometry, internal/state, internal/pageio, and
// internal/device, plus the engine registry of spec §9 ("the registry that
// maps engine-id to engine-handle is an init-time table populated by each
// engine module").
package ftl

import (
	"errors"
	"fmt"

	"github.com/fox-ftl/fox/internal/device"
	"github.com/fox-ftl/fox/internal/geometry"
	"github.com/fox-ftl/fox/internal/workload"
)

// Sentinel errors modeling spec §7's error taxonomy as errors.Is-comparable
// values, rather than the original's magic integer return codes.
var (
	// ErrCapacityExhausted is returned when a GC loop cannot free any more
	// capacity and the write still cannot proceed (spec §7 "Out-of-capacity").
	ErrCapacityExhausted = errors.New("ftl: capacity exhausted, no free block/superblock available")
	// ErrBounds is returned for a byte offset at or beyond device capacity
	// (spec §7 "Bounds").
	ErrBounds = errors.New("ftl: offset out of device bounds")
)

// HeatmapRow is one row of heatmap_fox_io.csv (spec §6): per-vpg counters
// plus the geometry tuple they belong to.
type HeatmapRow struct {
	Ch, Lun, Blk, Pg       int
	Reads, Writes, Erases uint64
}

// IOStats mirrors the fields of the original's fox_iounit (spec §6
// iotime_fox_io.csv), accumulated for one trace entry.
type IOStats struct {
	Offset, Size    int64
	Type            byte // 'r' or 'w'
	ExeTimeUs       int64
	GCBenefitCost   float64
	NAbandoned      uint64
	NDirty          uint64
	NBlock          uint64
	MapChangeCount  uint64
	MapSetCount     uint64
	GCCount         uint64
	GCTimeUs        int64
	GCMapChangeCnt  uint64
	PagesRead       uint64
	BytesRead       uint64
	PagesWritten    uint64
	BytesWritten    uint64
	ErasedBlocks    uint64
}

// Engine is the contract every write policy implements. IDs and display
// names are stable across runs; the registry below is populated at package
// init by each engine file, mirroring the original's per-file
// fox_engine_register call.
type Engine interface {
	ID() int
	Name() string

	// Start allocates all engine-owned state from geo/wl and binds dev.
	Start(geo geometry.Geometry, wl workload.Workload, dev device.Device) error

	// Write services one write trace entry, returning its IOStats.
	Write(offset, size int64) (IOStats, error)

	// Read services one read trace entry, returning its IOStats.
	Read(offset, size int64) (IOStats, error)

	// Heatmap returns one row per virtual page, for stats output.
	Heatmap() []HeatmapRow

	// Exit releases engine-owned state. Idempotent.
	Exit() error
}

// Factory constructs a fresh, unstarted Engine instance.
type Factory func() Engine

type registration struct {
	id      int
	name    string
	factory Factory
}

var registry []registration

// Register adds an engine to the registry. Called from each engine file's
// init().
func Register(id int, name string, factory Factory) {
	registry = append(registry, registration{id: id, name: name, factory: factory})
}

// ByID looks up a registered engine factory by its stable numeric id.
func ByID(id int) (Factory, error) {
	for _, r := range registry {
		if r.id == id {
			return r.factory, nil
		}
	}
	return nil, fmt.Errorf("ftl: no engine registered with id %d", id)
}

// ByName looks up a registered engine factory by its display name.
func ByName(name string) (Factory, error) {
	for _, r := range registry {
		if r.name == name {
			return r.factory, nil
		}
	}
	return nil, fmt.Errorf("ftl: no engine registered with name %q", name)
}

// List returns every registered engine's id and name, in registration
// order.
func List() []struct {
	ID   int
	Name string
} {
	out := make([]struct {
		ID   int
		Name string
	}, len(registry))
	for i, r := range registry {
		out[i] = struct {
			ID   int
			Name string
		}{ID: r.id, Name: r.name}
	}
	return out
}

const (
	EngineInPlace    = 0
	EnginePageLog    = 1
	EngineSuperblock = 2
	EngineLogBlock   = 3
)
