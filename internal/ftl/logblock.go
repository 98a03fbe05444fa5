package ftl

import (
	"fmt"

	"github.com/fox-ftl/fox/internal/device"
	"github.com/fox-ftl/fox/internal/geometry"
	"github.com/fox-ftl/fox/internal/pageio"
	"github.com/fox-ftl/fox/internal/state"
	"github.com/fox-ftl/fox/internal/workload"
)

func init() {
	Register(EngineLogBlock, "log-block", func() Engine { return &LogBlock{} })
}

// logEntry is one slot of the log-block pool (spec §4.6): a dedicated
// physical superblock holding page-level overrides for a "hot" virtual
// superblock, indexed by in-sblk page position.
type logEntry struct {
	used               bool
	vsblk              int
	psblk              int
	vpg2ppg            []Mapping // indexed by in-sblk page k
	ndirty, nabandoned int
}

// LogBlock is Engine D (spec §4.6): a superblock data map exactly like
// Engine C, plus a small fixed-size pool of log-block entries absorbing
// page-level overwrites for hot superblocks until a merge folds the log
// block back into a data block (by adoption, if the log block's mapping
// happens to be the identity, or by copying every live page to a fresh
// superblock otherwise).
//
// Grounded on spec §4.6's prose (original_source/engines/fox-rewrite-ls-sb-hm.c
// skimmed for struct/function shape only).
type LogBlock struct {
	geo geometry.Geometry
	io  *pageio.Wrapper
	st  *state.Table

	sbPUs, sbBlks int
	outerPUCount  int
	outerBlkCount int
	sbTPG         int

	vsblk2psblk []Mapping
	emptySB     []int
	nonEmptySB  []int

	entries []logEntry

	// Running per-engine counters, grounded on struct ls_meta's
	// map_change_count/gc_map_change_count (fox-rewrite-ls-sb-hm.c:
	// 862-868). dirty/abandoned counts are read straight off e.st.
	mapChangeCount uint64
	gcMapChangeCnt uint64
}

func (e *LogBlock) ID() int      { return EngineLogBlock }
func (e *LogBlock) Name() string { return "log-block" }

func (e *LogBlock) Start(geo geometry.Geometry, wl workload.Workload, dev device.Device) error {
	if err := geo.Validate(); err != nil {
		return err
	}
	if err := wl.Validate(); err != nil {
		return err
	}
	e.geo = geo
	e.st = state.New(geo.TPG(), geo.NP)
	e.io = pageio.New(dev, geo, e.st)
	e.sbPUs, e.sbBlks = wl.SBPUs, wl.SBBlocks
	e.outerPUCount = geo.NumPUs() / e.sbPUs
	e.outerBlkCount = geo.NB / e.sbBlks
	e.sbTPG = e.sbPUs * e.sbBlks * geo.NP

	nsb := e.outerPUCount * e.outerBlkCount
	e.vsblk2psblk = make([]Mapping, nsb)
	e.emptySB = make([]int, nsb)
	for i := range e.emptySB {
		e.emptySB[i] = i
	}
	e.entries = make([]logEntry, wl.LogPoolSz)
	return nil
}

func (e *LogBlock) Exit() error { return nil }

func (e *LogBlock) Heatmap() []HeatmapRow { return heatmapRows(e.geo, e.st) }

func (e *LogBlock) decompose(vpg int) sbCoord {
	a := e.geo.VPGToGeo(vpg)
	pu := e.geo.PUIndex(a.Ch, a.Lun)
	outerPU, innerPU := pu/e.sbPUs, pu%e.sbPUs
	outerBlk, innerBlk := a.Blk/e.sbBlks, a.Blk%e.sbBlks
	return sbCoord{
		vsblk:    outerPU*e.outerBlkCount + outerBlk,
		innerPU:  innerPU,
		innerBlk: innerBlk,
		pg:       a.Pg,
	}
}

func (e *LogBlock) ppgForSB(psblk, innerPU, innerBlk, pg int) int {
	outerPU, outerBlk := psblk/e.outerBlkCount, psblk%e.outerBlkCount
	pu := outerPU*e.sbPUs + innerPU
	ch, lun := e.geo.PUToChLun(pu)
	blk := outerBlk*e.sbBlks + innerBlk
	return e.geo.GeoToVPG(geometry.Addr{Ch: ch, Lun: lun, Blk: blk, Pg: pg})
}

// encodeK/decodeK implement the "in_sblk_pg" address of spec §3: one
// superblock's pages linearized in inner_pu × pg × inner_blk major order.
func (e *LogBlock) encodeK(innerPU, pg, innerBlk int) int {
	return innerPU*e.geo.NP*e.sbBlks + pg*e.sbBlks + innerBlk
}

func (e *LogBlock) decodeK(k int) (innerPU, pg, innerBlk int) {
	innerBlk = k % e.sbBlks
	rest := k / e.sbBlks
	pg = rest % e.geo.NP
	innerPU = rest / e.geo.NP
	return
}

func (e *LogBlock) physPageInSB(psblk, k int) int {
	innerPU, pg, innerBlk := e.decodeK(k)
	return e.ppgForSB(psblk, innerPU, innerBlk, pg)
}

func (e *LogBlock) eraseSuperblock(psblk int) error {
	outerPU, outerBlk := psblk/e.outerBlkCount, psblk%e.outerBlkCount
	for ip := 0; ip < e.sbPUs; ip++ {
		pu := outerPU*e.sbPUs + ip
		ch, lun := e.geo.PUToChLun(pu)
		for ib := 0; ib < e.sbBlks; ib++ {
			blk := outerBlk*e.sbBlks + ib
			vblk := e.geo.GeoToVBlk(geometry.Addr{Ch: ch, Lun: lun, Blk: blk})
			if err := e.io.EraseBlock(vblk); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *LogBlock) countDirty(psblk int) int {
	n := 0
	for ip := 0; ip < e.sbPUs; ip++ {
		for ib := 0; ib < e.sbBlks; ib++ {
			for pg := 0; pg < e.geo.NP; pg++ {
				if e.st.PageState(e.ppgForSB(psblk, ip, ib, pg)) == state.PageDirty {
					n++
				}
			}
		}
	}
	return n
}

func (e *LogBlock) abandonAllDirty(psblk int) error {
	for ip := 0; ip < e.sbPUs; ip++ {
		for ib := 0; ib < e.sbBlks; ib++ {
			for pg := 0; pg < e.geo.NP; pg++ {
				ppg := e.ppgForSB(psblk, ip, ib, pg)
				if e.st.PageState(ppg) == state.PageDirty {
					if err := e.st.Abandon(ppg); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func (e *LogBlock) isBound(psblk int) bool {
	for _, m := range e.vsblk2psblk {
		if m.OK() && m.Index() == psblk {
			return true
		}
	}
	for _, ent := range e.entries {
		if ent.used && ent.psblk == psblk {
			return true
		}
	}
	return false
}

// gcSweepOnce erases every orphaned (unbound, fully dead) physical
// superblock it finds, returning whether it freed anything.
func (e *LogBlock) gcSweepOnce() (bool, error) {
	freedAny := false
	for i := 0; i < len(e.nonEmptySB); {
		p := e.nonEmptySB[i]
		if !e.isBound(p) && e.countDirty(p) == 0 {
			if err := e.eraseSuperblock(p); err != nil {
				return freedAny, err
			}
			e.nonEmptySB = append(e.nonEmptySB[:i], e.nonEmptySB[i+1:]...)
			e.emptySB = append(e.emptySB, p)
			freedAny = true
			continue
		}
		i++
	}
	return freedAny, nil
}

// gcUntilFreeSB is gc_until_find_next_free_sb (spec §4.6): repeats GC until
// a free physical superblock appears or no progress is made.
func (e *LogBlock) gcUntilFreeSB() error {
	for len(e.emptySB) == 0 {
		freed, err := e.gcSweepOnce()
		if err != nil {
			return err
		}
		if !freed {
			return fmt.Errorf("%w: log-block engine made no progress", ErrCapacityExhausted)
		}
	}
	return nil
}

func (e *LogBlock) obtainEmptySB() (int, error) {
	if len(e.emptySB) == 0 {
		if err := e.gcUntilFreeSB(); err != nil {
			return 0, err
		}
	}
	p := e.emptySB[0]
	e.emptySB = e.emptySB[1:]
	e.nonEmptySB = append(e.nonEmptySB, p)
	return p, nil
}

func (e *LogBlock) findMatch(vsblk int) int {
	for i, ent := range e.entries {
		if ent.used && ent.vsblk == vsblk {
			return i
		}
	}
	return -1
}

func (e *LogBlock) findAvail() int {
	for i, ent := range e.entries {
		if !ent.used {
			return i
		}
	}
	return -1
}

// mergeCost is 0 (data-fit) iff every mapped in-sblk page of entry already
// sits at the physical page its own index would resolve to inside the log
// block — i.e. the log block could be adopted as the data block with no
// copying. Otherwise it is sbTPG (a full rewrite is required).
func (e *LogBlock) mergeCost(idx int) int {
	ent := &e.entries[idx]
	for k, m := range ent.vpg2ppg {
		if !m.OK() {
			continue
		}
		if m.Index() != e.physPageInSB(ent.psblk, k) {
			return e.sbTPG
		}
	}
	return 0
}

func (e *LogBlock) selectMergeVictim() int {
	victim, best := -1, -1
	for i, ent := range e.entries {
		if !ent.used {
			continue
		}
		cost := e.mergeCost(i)
		if victim == -1 || cost < best {
			victim, best = i, cost
		}
	}
	return victim
}

// merge folds log-entry idx back into a data block, per spec §4.6's
// Merge(V): adoption with no copying if the log block is already a
// data-fit, otherwise a full copy-merge into a fresh psblk.
func (e *LogBlock) merge(idx int) error {
	ent := &e.entries[idx]
	V := ent.vsblk
	oldData := e.vsblk2psblk[V]

	if e.mergeCost(idx) == 0 {
		if oldData.OK() {
			if err := e.abandonAllDirty(oldData.Index()); err != nil {
				return err
			}
		}
		e.vsblk2psblk[V] = Mapped(ent.psblk)
	} else {
		T, err := e.obtainEmptySB()
		if err != nil {
			return err
		}
		vpgSize := e.geo.VPGSize()
		for k := 0; k < e.sbTPG; k++ {
			var src int
			have := false
			if m := ent.vpg2ppg[k]; m.OK() {
				src, have = m.Index(), true
			} else if oldData.OK() {
				cand := e.physPageInSB(oldData.Index(), k)
				if e.st.PageState(cand) == state.PageDirty {
					src, have = cand, true
				}
			}
			if !have {
				continue
			}
			buf := make([]byte, vpgSize)
			if err := e.io.ReadFull(src, buf); err != nil {
				return err
			}
			dst := e.physPageInSB(T, k)
			if err := e.io.WriteFull(dst, buf); err != nil {
				return err
			}
			e.gcMapChangeCnt++
		}
		e.vsblk2psblk[V] = Mapped(T)
		if oldData.OK() {
			if err := e.abandonAllDirty(oldData.Index()); err != nil {
				return err
			}
		}
		if err := e.abandonAllDirty(ent.psblk); err != nil {
			return err
		}
	}
	e.entries[idx] = logEntry{}
	return nil
}

// allocPage implements spec §4.6's allocation-on-write steps 1-4, returning
// the physical page the caller should write the new content to.
func (e *LogBlock) allocPage(vpg int) (int, error) {
	c := e.decompose(vpg)
	k := e.encodeK(c.innerPU, c.pg, c.innerBlk)

	idx := e.findMatch(c.vsblk)
	if idx == -1 {
		idx = e.findAvail()
		if idx == -1 {
			victim := e.selectMergeVictim()
			if err := e.merge(victim); err != nil {
				return 0, err
			}
			idx = victim
		}
		logP, err := e.obtainEmptySB()
		if err != nil {
			return 0, err
		}
		e.entries[idx] = logEntry{used: true, vsblk: c.vsblk, psblk: logP, vpg2ppg: make([]Mapping, e.sbTPG)}
	}

	entry := &e.entries[idx]
	if entry.ndirty+entry.nabandoned == e.sbTPG {
		if err := e.merge(idx); err != nil {
			return 0, err
		}
		logP, err := e.obtainEmptySB()
		if err != nil {
			return 0, err
		}
		e.entries[idx] = logEntry{used: true, vsblk: c.vsblk, psblk: logP, vpg2ppg: make([]Mapping, e.sbTPG)}
		entry = &e.entries[idx]
	}

	pos := entry.ndirty + entry.nabandoned
	ppg := e.physPageInSB(entry.psblk, pos)
	if old := entry.vpg2ppg[k]; old.OK() {
		if err := e.st.Abandon(old.Index()); err != nil {
			return 0, err
		}
		entry.nabandoned++
		e.mapChangeCount++
	} else {
		entry.ndirty++
	}
	entry.vpg2ppg[k] = Mapped(ppg)
	return ppg, nil
}

// resolve is the log-then-data address resolver: the log pool is checked
// first, falling through to the plain superblock data map.
func (e *LogBlock) resolve(vpg int) Mapping {
	c := e.decompose(vpg)
	k := e.encodeK(c.innerPU, c.pg, c.innerBlk)
	if idx := e.findMatch(c.vsblk); idx != -1 {
		if m := e.entries[idx].vpg2ppg[k]; m.OK() {
			return m
		}
	}
	if m := e.vsblk2psblk[c.vsblk]; m.OK() {
		return Mapped(e.ppgForSB(m.Index(), c.innerPU, c.innerBlk, c.pg))
	}
	return Unmapped
}

// snapshot copies the engine's running counters into stats, grounded on
// struct ls_meta's dirty_pg_count/abandoned_pg_count/map_change_count/
// gc_map_change_count (fox-rewrite-ls-sb-hm.c).
func (e *LogBlock) snapshot(stats *IOStats) {
	stats.NAbandoned = uint64(e.st.CountAbandoned())
	stats.NDirty = uint64(e.st.CountDirty())
	stats.MapChangeCount = e.mapChangeCount
	stats.GCMapChangeCnt = e.gcMapChangeCnt
}

func (e *LogBlock) Read(offset, size int64) (IOStats, error) {
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
		m := e.resolve(vpg)
		if !m.OK() {
			stats.PagesRead++
			continue
		}
		buf := make([]byte, hi-lo)
		if err := e.io.Read(m.Index(), lo, hi-lo, buf); err != nil {
			return stats, fmt.Errorf("logblock: read vpg=%d: %w", vpg, err)
		}
		stats.PagesRead++
		stats.BytesRead += uint64(hi - lo)
	}
	e.snapshot(&stats)
	return stats, nil
}

func (e *LogBlock) Write(offset, size int64) (IOStats, error) {
	stats := IOStats{Offset: offset, Size: size, Type: 'w'}
	geo := e.geo
	vpgSize := geo.VPGSize()
	begin, end, beginOff, endOff := vpgRange(geo, offset, size)
	if end >= geo.TPG() {
		return stats, fmt.Errorf("%w: offset=%d size=%d", ErrBounds, offset, size)
	}

	beginPartial := beginOff != 0
	endPartial := endOff != vpgSize
	beginBuf := make([]byte, vpgSize)
	var endBuf []byte
	if begin == end {
		endBuf = beginBuf
	} else {
		endBuf = make([]byte, vpgSize)
	}
	readCurrent := func(vpg int, buf []byte) error {
		m := e.resolve(vpg)
		if !m.OK() || e.st.PageState(m.Index()) != state.PageDirty {
			return nil
		}
		return e.io.ReadFull(m.Index(), buf)
	}
	if beginPartial {
		if err := readCurrent(begin, beginBuf); err != nil {
			return stats, fmt.Errorf("logblock: pre-read begin vpg=%d: %w", begin, err)
		}
	}
	if endPartial && end != begin {
		if err := readCurrent(end, endBuf); err != nil {
			return stats, fmt.Errorf("logblock: pre-read end vpg=%d: %w", end, err)
		}
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
		ppg, err := e.allocPage(vpg)
		if err != nil {
			return stats, err
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
		if err := e.io.WriteFull(ppg, page); err != nil {
			return stats, fmt.Errorf("logblock: write vpg=%d: %w", vpg, err)
		}
		stats.PagesWritten++
		stats.BytesWritten += uint64(hi - lo)
		pos += int64(hi - lo)
	}
	e.snapshot(&stats)
	return stats, nil
}
