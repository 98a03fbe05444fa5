package ftl

import (
	"testing"

	"github.com/fox-ftl/fox/internal/device"
	"github.com/fox-ftl/fox/internal/geometry"
	"github.com/fox-ftl/fox/internal/state"
	"github.com/fox-ftl/fox/internal/workload"
)

func testWorkload() workload.Workload {
	w := workload.Default()
	w.NChannels, w.NLuns, w.NBlocks, w.NPages, w.NPlanes, w.PageBytes = 2, 2, 4, 8, 2, 4096
	w.TracePath = "unused.csv"
	return w
}

func newStartedInPlace(t *testing.T) (*InPlace, geometry.Geometry) {
	t.Helper()
	wl := testWorkload()
	geo := wl.Geometry()
	dev := device.NewSimulated(geo.NC, geo.NL, geo.NB, geo.NP, geo.VPGSize())
	e := &InPlace{}
	if err := e.Start(geo, wl, dev); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return e, geo
}

// S1: cold write, in-place.
func TestInPlaceColdWrite(t *testing.T) {
	e, geo := newStartedInPlace(t)
	stats, err := e.Write(0, int64(geo.VPGSize()))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if stats.ErasedBlocks != 0 {
		t.Fatalf("ErasedBlocks = %d, want 0", stats.ErasedBlocks)
	}
	if e.st.PageState(0) != state.PageDirty {
		t.Fatal("vpg 0 must be Dirty")
	}
	if e.st.BlockState(0) != state.BlockDirty {
		t.Fatal("block 0 must be Dirty")
	}
	hm := e.st.Heatmap(0)
	if hm.Writes != 1 || hm.Erases != 0 {
		t.Fatalf("heatmap = %+v, want writes=1 erases=0", hm)
	}
}

// S2: misaligned small write on a Clean device skips the pre-read (no
// device read should be recorded for vpg 0 since it was never allocated).
func TestInPlaceMisalignedColdWrite(t *testing.T) {
	e, _ := newStartedInPlace(t)
	if _, err := e.Write(100, 200); err != nil {
		t.Fatalf("Write: %v", err)
	}
	hm := e.st.Heatmap(0)
	if hm.Reads != 0 {
		t.Fatalf("cold misaligned write recorded %d reads, want 0 (no pre-read when unmapped)", hm.Reads)
	}
	if hm.Writes != 1 {
		t.Fatalf("writes = %d, want 1", hm.Writes)
	}
}

// S3: overwrite forces exactly one erase when the whole covered range is
// already Dirty and fully within one block.
func TestInPlaceOverwriteForcesErase(t *testing.T) {
	e, _ := newStartedInPlace(t)
	size := int64(8 * e.geo.VPGSize()) // whole block 0 for PU (ch=0,lun=0)... but vpg 0..7 spans multiple blocks across channels.
	_ = size
	// Use the exact scenario from spec §8 S3: writes covering vpg 0..7,
	// which for NC=2,NL=2 land across 4 PUs' block 0 (two pages, pg 0 and
	// pg 1, in each PU's block 0, since pg advances before blk in the vpg
	// encoding).
	n := 8
	total := int64(n * e.geo.VPGSize())
	if _, err := e.Write(0, total); err != nil {
		t.Fatalf("first write: %v", err)
	}
	for vpg := 0; vpg < n; vpg++ {
		if e.st.PageState(vpg) != state.PageDirty {
			t.Fatalf("vpg %d must be Dirty after first write", vpg)
		}
	}
	before := make([]uint64, 4)
	for vblk := 0; vblk < 4; vblk++ {
		before[vblk] = e.st.Heatmap(e.geo.VBlkToVPG(vblk)).Erases
	}
	if _, err := e.Write(0, total); err != nil {
		t.Fatalf("second write: %v", err)
	}
	for vpg := 0; vpg < n; vpg++ {
		if e.st.PageState(vpg) != state.PageDirty {
			t.Fatalf("vpg %d must be Dirty after rewrite", vpg)
		}
	}
	for vblk := 0; vblk < 4; vblk++ {
		after := e.st.Heatmap(e.geo.VBlkToVPG(vblk)).Erases
		if after != before[vblk]+1 {
			t.Fatalf("vblk %d erase count = %d, want %d", vblk, after, before[vblk]+1)
		}
	}
}

// P4: read-after-write identity.
func TestInPlaceReadAfterWrite(t *testing.T) {
	e, geo := newStartedInPlace(t)
	if _, err := e.Write(0, int64(geo.VPGSize())); err != nil {
		t.Fatalf("write: %v", err)
	}
	rstats, err := e.Read(0, int64(geo.VPGSize()))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rstats.PagesRead != 1 {
		t.Fatalf("PagesRead = %d, want 1", rstats.PagesRead)
	}
}

func TestInPlaceHeatmapRows(t *testing.T) {
	e, geo := newStartedInPlace(t)
	rows := e.Heatmap()
	if len(rows) != geo.TPG() {
		t.Fatalf("Heatmap() returned %d rows, want %d", len(rows), geo.TPG())
	}
}

func TestRegistry(t *testing.T) {
	f, err := ByID(EngineInPlace)
	if err != nil {
		t.Fatalf("ByID: %v", err)
	}
	e := f()
	if e.ID() != EngineInPlace || e.Name() != "in-place" {
		t.Fatalf("factory produced %+v", e)
	}
	if _, err := ByName("in-place"); err != nil {
		t.Fatalf("ByName: %v", err)
	}
	if _, err := ByID(9999); err == nil {
		t.Fatal("expected error for unknown id")
	}
}
