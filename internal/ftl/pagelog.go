package ftl

import (
	"fmt"
	"time"

	"github.com/fox-ftl/fox/internal/device"
	"github.com/fox-ftl/fox/internal/geometry"
	"github.com/fox-ftl/fox/internal/pageio"
	"github.com/fox-ftl/fox/internal/state"
	"github.com/fox-ftl/fox/internal/workload"
)

func init() {
	Register(EnginePageLog, "page-log", func() Engine { return &PageLog{} })
}

// blockMeta tracks the live/dead page counts of one physical block, used by
// PageLog's greedy victim selection.
type blockMeta struct {
	ndirty     int
	nabandoned int
}

// puBlocks tracks one parallel unit's block lifecycle lists (spec §9:
// "owned collections with stable-indexed block metadata" rather than the
// original's intrusive doubly-linked lists).
type puBlocks struct {
	empty    []int // vblk, Clean and unused
	nonEmpty []int // vblk, full (or GC-eligible) but not currently active
	active   int   // vblk, or -1 if none
}

// PageLog is Engine B (spec §4.4): page-level log-structured writes with
// greedy-victim garbage collection. Writes never overwrite in place; they
// abandon the old mapping and allocate a fresh Clean page, round-robin
// across parallel units.
//
// Grounded on original_source/engines/fox-rewrite-ls-greedy.c. The PU
// cursor advance is a linear scan per request (spec §9), not the source's
// quadratic increment.
type PageLog struct {
	geo geometry.Geometry
	io  *pageio.Wrapper
	st  *state.Table

	vpg2ppg []Mapping
	ppg2vpg []Mapping
	blocks  []blockMeta // indexed by vblk
	pus     []puBlocks

	cursor     int // PU allocation cursor
	gcCursor   int // PU GC victim-scan cursor
	cleanPages int

	// Running per-engine counters, grounded on struct ls_meta's
	// map_change_count/gc_map_change_count/gc_time
	// (fox-rewrite-ls-greedy.c): snapshotted into IOStats on every request
	// rather than reset per request. dirty/abandoned counts are read
	// straight off e.st (the original's lm.dirty_pg_count/
	// abandoned_pg_count are themselves just a running tally of the same
	// page-state transitions e.st already records).
	mapChangeCount uint64
	gcMapChangeCnt uint64
	gcTimeUs       uint64
}

func (e *PageLog) ID() int      { return EnginePageLog }
func (e *PageLog) Name() string { return "page-log" }

func (e *PageLog) Start(geo geometry.Geometry, wl workload.Workload, dev device.Device) error {
	if err := geo.Validate(); err != nil {
		return err
	}
	e.geo = geo
	e.st = state.New(geo.TPG(), geo.NP)
	e.io = pageio.New(dev, geo, e.st)

	e.vpg2ppg = make([]Mapping, geo.TPG())
	e.ppg2vpg = make([]Mapping, geo.TPG())
	e.blocks = make([]blockMeta, geo.NumVBlocks())
	e.pus = make([]puBlocks, geo.NumPUs())
	for pu := range e.pus {
		empty := make([]int, 0, geo.NB)
		for blk := 0; blk < geo.NB; blk++ {
			empty = append(empty, pu+blk*geo.NumPUs())
		}
		e.pus[pu] = puBlocks{empty: empty, active: -1}
	}
	e.cleanPages = geo.TPG()
	return nil
}

func (e *PageLog) Exit() error { return nil }

func (e *PageLog) Heatmap() []HeatmapRow { return heatmapRows(e.geo, e.st) }

// isAllocated reports whether vpg currently has a live physical mapping.
func (e *PageLog) isAllocated(vpg int) bool { return e.vpg2ppg[vpg].OK() }

// abandon clears vpg's mapping if present, transitioning its physical page
// to Abandoned. No-op if vpg is already unmapped — this makes it safe to
// call both from the write path's "overwrite" handling and from gc's hint
// range without double-bookkeeping.
func (e *PageLog) abandon(vpg int) error {
	m := e.vpg2ppg[vpg]
	if !m.OK() {
		return nil
	}
	ppg := m.Index()
	if e.st.PageState(ppg) != state.PageDirty {
		return nil
	}
	if err := e.st.Abandon(ppg); err != nil {
		return err
	}
	vblk := e.geo.VPGToVBlk(ppg)
	e.blocks[vblk].ndirty--
	e.blocks[vblk].nabandoned++
	e.vpg2ppg[vpg] = Unmapped
	e.ppg2vpg[ppg] = Unmapped
	return nil
}

// selectPU is the "round-robin cursor" of spec §4.4/§9: a simple linear
// scan from the cursor (not the source's quadratic increment), picking the
// first PU that already has an active block, or failing that the first PU
// with a Clean block available to promote.
func (e *PageLog) selectPU() int {
	n := len(e.pus)
	for i := 0; i < n; i++ {
		idx := (e.cursor + i) % n
		p := &e.pus[idx]
		if p.active == -1 {
			if len(p.empty) == 0 {
				continue // this PU has no active block and no empty one to promote
			}
			p.active = p.empty[0]
			p.empty = p.empty[1:]
		}
		e.cursor = (idx + 1) % n
		return idx
	}
	return -1
}

// allocate binds vpg to a freshly chosen physical page, abandoning any
// prior mapping first. Returns the sentinel (ok=false) iff no empty block
// exists anywhere and no PU has an active block either.
func (e *PageLog) allocate(vpg int) (Mapping, error) {
	wasAllocated := e.isAllocated(vpg)
	if err := e.abandon(vpg); err != nil {
		return Unmapped, err
	}
	pu := e.selectPU()
	if pu == -1 {
		return Unmapped, nil
	}
	active := e.pus[pu].active
	posLocal := e.blocks[active].ndirty + e.blocks[active].nabandoned
	ppg := pageInBlock(e.geo, active, posLocal)

	e.vpg2ppg[vpg] = Mapped(ppg)
	e.ppg2vpg[ppg] = Mapped(vpg)
	e.blocks[active].ndirty++
	e.cleanPages--
	if wasAllocated {
		e.mapChangeCount++
	}

	if posLocal+1 == e.geo.NP {
		e.pus[pu].nonEmpty = append(e.pus[pu].nonEmpty, active)
		e.pus[pu].active = -1
	}
	return Mapped(ppg), nil
}

// gc abandons every page in hintBegin..hintEnd about to be overwritten,
// then reclaims the non-empty block with the fewest live (ndirty) pages
// across all PUs — scanning PUs starting at gcCursor, ties broken by scan
// order — copying its surviving Dirty pages elsewhere before erasing it.
func (e *PageLog) gc(hintBegin, hintEnd int) (freed bool, err error) {
	for vpg := hintBegin; vpg <= hintEnd; vpg++ {
		if err := e.abandon(vpg); err != nil {
			return false, err
		}
	}

	n := len(e.pus)
	victimPU, victimBlk, victimNDirty := -1, -1, -1
	for i := 0; i < n; i++ {
		idx := (e.gcCursor + i) % n
		for _, vblk := range e.pus[idx].nonEmpty {
			nd := e.blocks[vblk].ndirty
			if victimBlk == -1 || nd < victimNDirty {
				victimPU, victimBlk, victimNDirty = idx, vblk, nd
			}
		}
	}
	e.gcCursor = (e.gcCursor + 1) % n
	if victimBlk == -1 {
		return false, nil
	}

	type saved struct {
		vpg     int
		content []byte
	}
	var survivors []saved
	vpgSize := e.geo.VPGSize()
	for p := 0; p < e.geo.NP; p++ {
		ppg := pageInBlock(e.geo, victimBlk, p)
		if e.st.PageState(ppg) != state.PageDirty {
			continue
		}
		vpg := e.ppg2vpg[ppg].Index()
		buf := make([]byte, vpgSize)
		if err := e.io.ReadFull(ppg, buf); err != nil {
			return false, fmt.Errorf("pagelog: gc read victim ppg=%d: %w", ppg, err)
		}
		survivors = append(survivors, saved{vpg: vpg, content: buf})
		e.vpg2ppg[vpg] = Unmapped
		e.ppg2vpg[ppg] = Unmapped
	}

	if err := e.io.EraseBlock(victimBlk); err != nil {
		return false, fmt.Errorf("pagelog: gc erase victim vblk=%d: %w", victimBlk, err)
	}
	e.cleanPages += e.geo.NP
	e.blocks[victimBlk] = blockMeta{}
	pu := &e.pus[victimPU]
	for i, vblk := range pu.nonEmpty {
		if vblk == victimBlk {
			pu.nonEmpty = append(pu.nonEmpty[:i], pu.nonEmpty[i+1:]...)
			break
		}
	}
	pu.empty = append(pu.empty, victimBlk)

	for _, s := range survivors {
		ppg, err := e.allocate(s.vpg)
		if err != nil {
			return false, err
		}
		if !ppg.OK() {
			return false, fmt.Errorf("%w: gc could not reallocate surviving vpg=%d", ErrCapacityExhausted, s.vpg)
		}
		if err := e.io.WriteFull(ppg.Index(), s.content); err != nil {
			return false, fmt.Errorf("pagelog: gc rewrite vpg=%d: %w", s.vpg, err)
		}
	}
	e.gcMapChangeCnt += uint64(len(survivors))
	return true, nil
}

// snapshot copies the engine's running counters into stats, matching the
// original's per-request recording of cumulative lm.* fields rather than a
// per-request delta.
func (e *PageLog) snapshot(stats *IOStats) {
	stats.NAbandoned = uint64(e.st.CountAbandoned())
	stats.NDirty = uint64(e.st.CountDirty())
	stats.MapChangeCount = e.mapChangeCount
	stats.GCMapChangeCnt = e.gcMapChangeCnt
	stats.GCTimeUs = int64(e.gcTimeUs)
}

func (e *PageLog) ensureCapacity(pagesNeeded, hintBegin, hintEnd int) error {
	for e.cleanPages < pagesNeeded {
		freed, err := e.gc(hintBegin, hintEnd)
		if err != nil {
			return err
		}
		if !freed {
			return fmt.Errorf("%w: page-log engine made no progress", ErrCapacityExhausted)
		}
	}
	return nil
}

func (e *PageLog) Read(offset, size int64) (IOStats, error) {
	stats := IOStats{Offset: offset, Size: size, Type: 'r'}
	geo := e.geo
	vpgSize := geo.VPGSize()
	begin, end, beginOff, endOff := vpgRange(geo, offset, size)
	for vpg := begin; vpg <= end; vpg++ {
		lo, hi := 0, vpgSize
		if vpg == begin {
			lo = beginOff
		}
		if vpg == end {
			hi = endOff
		}
		m := e.vpg2ppg[vpg]
		if !m.OK() {
			stats.PagesRead++
			continue // never written: implicitly zero, no device touch
		}
		buf := make([]byte, hi-lo)
		if err := e.io.Read(m.Index(), lo, hi-lo, buf); err != nil {
			return stats, fmt.Errorf("pagelog: read vpg=%d: %w", vpg, err)
		}
		stats.PagesRead++
		stats.BytesRead += uint64(hi - lo)
	}
	e.snapshot(&stats)
	return stats, nil
}

func (e *PageLog) Write(offset, size int64) (IOStats, error) {
	stats := IOStats{Offset: offset, Size: size, Type: 'w'}
	geo := e.geo
	vpgSize := geo.VPGSize()
	begin, end, beginOff, endOff := vpgRange(geo, offset, size)
	if end >= geo.TPG() {
		return stats, fmt.Errorf("%w: offset=%d size=%d", ErrBounds, offset, size)
	}
	pagesNeeded := end - begin + 1

	beginPartial := beginOff != 0
	endPartial := endOff != vpgSize
	beginBuf := make([]byte, vpgSize)
	var endBuf []byte
	if begin == end {
		endBuf = beginBuf
	} else {
		endBuf = make([]byte, vpgSize)
	}
	if beginPartial {
		if m := e.vpg2ppg[begin]; m.OK() {
			if err := e.io.ReadFull(m.Index(), beginBuf); err != nil {
				return stats, fmt.Errorf("pagelog: pre-read begin vpg=%d: %w", begin, err)
			}
		}
	}
	if endPartial && end != begin {
		if m := e.vpg2ppg[end]; m.OK() {
			if err := e.io.ReadFull(m.Index(), endBuf); err != nil {
				return stats, fmt.Errorf("pagelog: pre-read end vpg=%d: %w", end, err)
			}
		}
	}

	beforeClean := e.cleanPages
	gcStart := time.Now()
	if err := e.ensureCapacity(pagesNeeded, begin, end); err != nil {
		return stats, err
	}
	if e.cleanPages != beforeClean {
		stats.GCCount++
		e.gcTimeUs += uint64(time.Since(gcStart).Microseconds())
	}

	pos := int64(0)
	for vpg := begin; vpg <= end; vpg++ {
		lo, hi := 0, vpgSize
		if vpg == begin {
			lo = beginOff
		}
		if vpg == end {
			hi = endOff
		}
		m, err := e.allocate(vpg)
		if err != nil {
			return stats, err
		}
		if !m.OK() {
			return stats, fmt.Errorf("%w", ErrCapacityExhausted)
		}
		page := make([]byte, vpgSize)
		if lo == 0 && hi == vpgSize {
			fillUserData(page, 0, vpgSize, offset, pos)
		} else {
			base := beginBuf
			if vpg == end {
				base = endBuf
			}
			copy(page, base)
			fillUserData(page, lo, hi, offset, pos)
		}
		if err := e.io.WriteFull(m.Index(), page); err != nil {
			return stats, fmt.Errorf("pagelog: write vpg=%d: %w", vpg, err)
		}
		stats.MapSetCount++
		stats.PagesWritten++
		stats.BytesWritten += uint64(hi - lo)
		pos += int64(hi - lo)
	}
	e.snapshot(&stats)
	return stats, nil
}
