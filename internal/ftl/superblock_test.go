package ftl

import (
	"testing"

	"github.com/fox-ftl/fox/internal/device"
	"github.com/fox-ftl/fox/internal/state"
)

func newStartedSuperblock(t *testing.T, sbPUs, sbBlocks int) *Superblock {
	t.Helper()
	wl := testWorkload()
	wl.SBPUs, wl.SBBlocks = sbPUs, sbBlocks
	geo := wl.Geometry()
	dev := device.NewSimulated(geo.NC, geo.NL, geo.NB, geo.NP, geo.VPGSize())
	e := &Superblock{}
	if err := e.Start(geo, wl, dev); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return e
}

// vpgOf returns the virtual page index of parallel unit pu, block 0, page
// pg — the testWorkload geometry has NC=2, NL=2, so PUIndex == ch+lun*NC
// and vpg = pu + pg*NC*NL when blk == 0.
func vpgOf(e *Superblock, pu, pg int) int64 {
	return int64(pu + pg*e.geo.NC*e.geo.NL)
}

// S6: SB_PUS=2, SB_BLKS=1 — fill one whole superblock, then overwrite one
// of its pages and verify the superblock migrates to a fresh physical
// superblock with the old one's surviving pages abandoned.
func TestSuperblockFillAndRemap(t *testing.T) {
	e := newStartedSuperblock(t, 2, 1)
	vpgSize := int64(e.geo.VPGSize())

	// vsblk 0 = outerPU 0 (pu 0,1), outerBlk 0 (blk 0): 2*NP = 16 pages.
	var vpgs []int64
	for pg := 0; pg < e.geo.NP; pg++ {
		for pu := 0; pu < 2; pu++ {
			vpgs = append(vpgs, vpgOf(e, pu, pg))
		}
	}
	for _, vpg := range vpgs {
		if _, err := e.Write(vpg*vpgSize, vpgSize); err != nil {
			t.Fatalf("fill write vpg=%d: %v", vpg, err)
		}
	}

	m := e.vsblk2psblk[0]
	if !m.OK() {
		t.Fatal("vsblk 0 must be mapped after filling it")
	}
	origPsblk := m.Index()
	for _, vpg := range vpgs {
		if e.st.PageState(int(vpg)) != state.PageDirty {
			t.Fatalf("vpg %d must be Dirty after fill", vpg)
		}
	}

	// Overwrite one page of the now-full superblock: this must force a
	// migration to a fresh physical superblock.
	target := vpgOf(e, 0, 0)
	if _, err := e.Write(target*vpgSize, vpgSize); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	m2 := e.vsblk2psblk[0]
	if !m2.OK() {
		t.Fatal("vsblk 0 must still be mapped after migration")
	}
	if m2.Index() == origPsblk {
		t.Fatalf("vsblk 0 still bound to original psblk %d, want migration to a fresh one", origPsblk)
	}

	// The old superblock's pages must all have ended up Abandoned (the
	// rewritten one directly, the 15 survivors via the migration copy),
	// and eventually erased back to Clean by the end-of-operation GC sweep.
	for pu := 0; pu < 2; pu++ {
		for pg := 0; pg < e.geo.NP; pg++ {
			ppg := e.ppgFor(origPsblk, pu, 0, pg)
			if e.st.PageState(ppg) != state.PageClean {
				t.Fatalf("original psblk %d page (pu=%d,pg=%d) = %s, want clean after GC sweep erased it", origPsblk, pu, pg, e.st.PageState(ppg))
			}
		}
	}

	// All 16 logical pages of vsblk 0 must read back through the new
	// mapping without error.
	for _, vpg := range vpgs {
		if _, err := e.Read(vpg*vpgSize, vpgSize); err != nil {
			t.Fatalf("read vpg=%d after migration: %v", vpg, err)
		}
	}

	if err := e.st.CheckConsistency(); err != nil {
		t.Fatalf("consistency: %v", err)
	}
}

// P4: read-after-write identity for a superblock not yet forced to migrate.
func TestSuperblockReadAfterWrite(t *testing.T) {
	e := newStartedSuperblock(t, 1, 1)
	vpgSize := int64(e.geo.VPGSize())
	if _, err := e.Write(0, vpgSize); err != nil {
		t.Fatalf("write: %v", err)
	}
	stats, err := e.Read(0, vpgSize)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if stats.PagesRead != 1 {
		t.Fatalf("PagesRead = %d, want 1", stats.PagesRead)
	}
}

func TestSuperblockRegistry(t *testing.T) {
	f, err := ByID(EngineSuperblock)
	if err != nil {
		t.Fatalf("ByID: %v", err)
	}
	e := f()
	if e.ID() != EngineSuperblock || e.Name() != "superblock" {
		t.Fatalf("factory produced %+v", e)
	}
}
