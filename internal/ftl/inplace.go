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
	Register(EngineInPlace, "in-place", func() Engine { return &InPlace{} })
}

// InPlace is Engine A (spec §4.3): read-modify-erase-rewrite. Writes always
// land at the same vpg they logically address; a block is erased and its
// surviving Dirty pages preserved whenever the write would otherwise hit a
// non-Clean page in its own covered range.
//
// Grounded on original_source/engines/fox-rewrite.c's iterate_io.
type InPlace struct {
	geo geometry.Geometry
	io  *pageio.Wrapper
	st  *state.Table
}

func (e *InPlace) ID() int       { return EngineInPlace }
func (e *InPlace) Name() string  { return "in-place" }

func (e *InPlace) Start(geo geometry.Geometry, wl workload.Workload, dev device.Device) error {
	if err := geo.Validate(); err != nil {
		return err
	}
	e.geo = geo
	e.st = state.New(geo.TPG(), geo.NP)
	e.io = pageio.New(dev, geo, e.st)
	return nil
}

func (e *InPlace) Exit() error { return nil }

func (e *InPlace) Heatmap() []HeatmapRow { return heatmapRows(e.geo, e.st) }

func (e *InPlace) Read(offset, size int64) (IOStats, error) {
	stats := IOStats{Offset: offset, Size: size, Type: 'r'}
	begin, end, beginOff, endOff := vpgRange(e.geo, offset, size)
	vpgSize := e.geo.VPGSize()
	out := make([]byte, size)
	pos := int64(0)
	for vpg := begin; vpg <= end; vpg++ {
		lo := 0
		if vpg == begin {
			lo = beginOff
		}
		hi := vpgSize
		if vpg == end {
			hi = endOff
		}
		buf := make([]byte, hi-lo)
		if err := e.io.Read(vpg, lo, hi-lo, buf); err != nil {
			return stats, fmt.Errorf("inplace: read vpg=%d: %w", vpg, err)
		}
		copy(out[pos:], buf)
		pos += int64(len(buf))
		stats.PagesRead++
		stats.BytesRead += uint64(len(buf))
	}
	return stats, nil
}

func (e *InPlace) Write(offset, size int64) (IOStats, error) {
	stats := IOStats{Offset: offset, Size: size, Type: 'w'}
	geo := e.geo
	vpgSize := geo.VPGSize()
	begin, end, beginOff, endOff := vpgRange(geo, offset, size)

	if end >= geo.TPG() {
		return stats, fmt.Errorf("%w: offset=%d size=%d", ErrBounds, offset, size)
	}

	// Step 1: pre-read partial endpoints from their *current* content,
	// before any erase can destroy it. Only if currently allocated
	// (Dirty) — spec §9 rejects the unconditional pre-read.
	beginPartial := beginOff != 0
	endPartial := endOff != vpgSize
	beginBuf := make([]byte, vpgSize)
	var endBuf []byte
	if begin == end {
		endBuf = beginBuf
	} else {
		endBuf = make([]byte, vpgSize)
	}
	if beginPartial && e.st.PageState(begin) == state.PageDirty {
		if err := e.io.ReadFull(begin, beginBuf); err != nil {
			return stats, fmt.Errorf("inplace: pre-read begin vpg=%d: %w", begin, err)
		}
	}
	if endPartial && end != begin && e.st.PageState(end) == state.PageDirty {
		if err := e.io.ReadFull(end, endBuf); err != nil {
			return stats, fmt.Errorf("inplace: pre-read end vpg=%d: %w", end, err)
		}
	}

	// Step 2: walk the covered blocks; any block whose covered sub-range
	// contains a Dirty page must be erased and have its surviving pages
	// rewritten.
	firstBlk := geo.VPGToVBlk(begin)
	lastBlk := geo.VPGToVBlk(end)
	for vblk := firstBlk; vblk <= lastBlk; vblk++ {
		blkBaseVpg := geo.VBlkToVPG(vblk)
		loLocal, hiLocal := 0, geo.NP-1
		if vblk == firstBlk {
			loLocal = begin - blkBaseVpg
		}
		if vblk == lastBlk {
			hiLocal = end - blkBaseVpg
		}
		needErase := false
		for p := loLocal; p <= hiLocal; p++ {
			if e.st.PageState(blkBaseVpg+p) == state.PageDirty {
				needErase = true
				break
			}
		}
		if !needErase {
			continue
		}
		// Preserve every Dirty page outside the covered sub-range.
		type saved struct {
			vpg int
			buf []byte
		}
		var preserved []saved
		for p := 0; p < geo.NP; p++ {
			if p >= loLocal && p <= hiLocal {
				continue
			}
			vpg := blkBaseVpg + p
			if e.st.PageState(vpg) != state.PageDirty {
				continue
			}
			buf := make([]byte, vpgSize)
			if err := e.io.ReadFull(vpg, buf); err != nil {
				return stats, fmt.Errorf("inplace: preserve vpg=%d: %w", vpg, err)
			}
			preserved = append(preserved, saved{vpg: vpg, buf: buf})
		}
		if err := e.io.EraseBlock(vblk); err != nil {
			return stats, fmt.Errorf("inplace: erase vblk=%d: %w", vblk, err)
		}
		stats.ErasedBlocks++
		for _, s := range preserved {
			if err := e.io.WriteFull(s.vpg, s.buf); err != nil {
				return stats, fmt.Errorf("inplace: rewrite preserved vpg=%d: %w", s.vpg, err)
			}
		}
	}

	// Step 3: perform the requested writes.
	pos := int64(0)
	for vpg := begin; vpg <= end; vpg++ {
		lo := 0
		if vpg == begin {
			lo = beginOff
		}
		hi := vpgSize
		if vpg == end {
			hi = endOff
		}
		n := int64(hi - lo)
		if lo == 0 && hi == vpgSize {
			buf := make([]byte, vpgSize)
			fillUserData(buf, 0, vpgSize, offset, pos)
			if err := e.io.WriteFull(vpg, buf); err != nil {
				return stats, fmt.Errorf("inplace: write vpg=%d: %w", vpg, err)
			}
		} else {
			base := beginBuf
			if vpg == end {
				base = endBuf
			}
			page := make([]byte, vpgSize)
			copy(page, base)
			fillUserData(page, lo, hi, offset, pos)
			if err := e.io.WriteFull(vpg, page); err != nil {
				return stats, fmt.Errorf("inplace: write vpg=%d: %w", vpg, err)
			}
		}
		stats.PagesWritten++
		stats.BytesWritten += uint64(n)
		pos += n
	}
	return stats, nil
}

