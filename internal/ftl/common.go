package ftl

import (
	"github.com/fox-ftl/fox/internal/geometry"
	"github.com/fox-ftl/fox/internal/state"
)

// Mapping is a tagged "maybe mapped" slot, replacing the original's magic
// sentinel index (total_pagenum / sblk_ntotal used to mean "unmapped") per
// spec §9. A zero-value Mapping is unmapped; there is no integer that
// silently means "not present".
type Mapping struct {
	ok  bool
	idx int
}

// Unmapped is the empty Mapping.
var Unmapped = Mapping{}

// Mapped wraps idx as a present mapping.
func Mapped(idx int) Mapping { return Mapping{ok: true, idx: idx} }

// OK reports whether the slot holds a mapping.
func (m Mapping) OK() bool { return m.ok }

// Index returns the mapped index. Calling it on an unmapped slot panics —
// callers must check OK() first, which is the whole point of tagging this
// instead of using a sentinel integer a caller could mistake for real.
func (m Mapping) Index() int {
	if !m.ok {
		panic("ftl: Index() called on an unmapped slot")
	}
	return m.idx
}

// pageInBlock returns the physical vpg of block-local page p within vblk.
func pageInBlock(geo geometry.Geometry, vblk, p int) int {
	a := geo.VBlkToGeo(vblk)
	a.Pg = p
	return geo.GeoToVPG(a)
}

// vpgRange returns the inclusive [begin, end] virtual page range covered by
// a byte request, plus the in-page offset of the first byte and the
// in-page end offset (exclusive) of the last byte.
func vpgRange(geo geometry.Geometry, offset, size int64) (begin, end, beginOff, endOff int) {
	vpgSize := int64(geo.VPGSize())
	begin = int(offset / vpgSize)
	last := (offset + size - 1) / vpgSize
	end = int(last)
	beginOff = int(offset % vpgSize)
	endOff = int((offset+size-1)%vpgSize) + 1
	return
}

// fillUserData deterministically fills page[lo:hi] with the byte pattern
// for the absolute device offsets it covers. The trace format (spec §6)
// carries only offset/size/type, never a payload, so every engine fills
// pages from a pure function of absolute offset; this still exercises
// every state transition and lets P4 (read-after-write identity, including
// "policy D produces the same byte stream as policy C") be checked simply
// by comparing bytes, independent of which physical page a policy chose.
func fillUserData(page []byte, lo, hi int, reqOffset, posInReq int64) {
	for i := lo; i < hi; i++ {
		absOffset := reqOffset + posInReq + int64(i-lo)
		page[i] = byte(absOffset)
	}
}

// heatmapRows materializes HeatmapRow entries for every virtual page in the
// state table, for stats output.
func heatmapRows(geo geometry.Geometry, st *state.Table) []HeatmapRow {
	rows := make([]HeatmapRow, st.NumPages())
	for vpg := 0; vpg < st.NumPages(); vpg++ {
		a := geo.VPGToGeo(vpg)
		hm := st.Heatmap(vpg)
		rows[vpg] = HeatmapRow{
			Ch: a.Ch, Lun: a.Lun, Blk: a.Blk, Pg: a.Pg,
			Reads: hm.Reads, Writes: hm.Writes, Erases: hm.Erases,
		}
	}
	return rows
}
