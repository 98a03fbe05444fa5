package ftl

import (
	"testing"

	"github.com/fox-ftl/fox/internal/device"
)

func newStartedLogBlock(t *testing.T, sbPUs, sbBlocks, logPoolSz int) *LogBlock {
	t.Helper()
	wl := testWorkload()
	wl.SBPUs, wl.SBBlocks, wl.LogPoolSz = sbPUs, sbBlocks, logPoolSz
	geo := wl.Geometry()
	dev := device.NewSimulated(geo.NC, geo.NL, geo.NB, geo.NP, geo.VPGSize())
	e := &LogBlock{}
	if err := e.Start(geo, wl, dev); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return e
}

// S7: SB_PUS=1, SB_BLKS=1, LBPM=10 — writing pages of one virtual
// superblock in strictly increasing in-sblk order produces an identity
// log-block mapping; a merge triggered afterward must adopt it as the data
// block with no page copies, rather than allocate a fresh one and copy.
func TestLogBlockMergeAdoptsDataFit(t *testing.T) {
	e := newStartedLogBlock(t, 1, 1, 10)
	vpgSize := int64(e.geo.VPGSize())

	// pu=0 (ch=0,lun=0), blk=0 ⇒ vsblk 0; pg advances the in-sblk index k
	// directly since SB_PUS=SB_BLKS=1.
	for pg := 0; pg < e.geo.NP; pg++ {
		vpg := int64(pg * e.geo.NC * e.geo.NL)
		if _, err := e.Write(vpg*vpgSize, vpgSize); err != nil {
			t.Fatalf("fill write pg=%d: %v", pg, err)
		}
	}

	idx := e.findMatch(0)
	if idx == -1 {
		t.Fatal("vsblk 0 must have a log entry after filling it")
	}
	if cost := e.mergeCost(idx); cost != 0 {
		t.Fatalf("mergeCost = %d, want 0 (identity mapping)", cost)
	}
	if e.entries[idx].ndirty+e.entries[idx].nabandoned != e.sbTPG {
		t.Fatalf("log entry not full: ndirty=%d nabandoned=%d sbTPG=%d",
			e.entries[idx].ndirty, e.entries[idx].nabandoned, e.sbTPG)
	}

	logPsblk := e.entries[idx].psblk

	// A 9th write to the same vsblk (re-touching pg=0/k=0) finds the entry
	// full and must merge it before allocating a new log block.
	if _, err := e.Write(0, vpgSize); err != nil {
		t.Fatalf("triggering write: %v", err)
	}

	if !e.vsblk2psblk[0].OK() {
		t.Fatal("vsblk 0 must be bound to a data psblk after the data-fit merge")
	}
	if got := e.vsblk2psblk[0].Index(); got != logPsblk {
		t.Fatalf("vsblk 0 bound to psblk %d, want the adopted log psblk %d (no copy to a fresh superblock)", got, logPsblk)
	}
	newIdx := e.findMatch(0)
	if newIdx == -1 {
		t.Fatal("vsblk 0 must have a fresh log entry for the triggering write")
	}
	if got := e.entries[newIdx].ndirty; got != 1 {
		t.Fatalf("fresh log entry ndirty = %d, want 1 (only the triggering write)", got)
	}

	// Every page of the superblock must still read back without error.
	for pg := 0; pg < e.geo.NP; pg++ {
		vpg := int64(pg * e.geo.NC * e.geo.NL)
		if _, err := e.Read(vpg*vpgSize, vpgSize); err != nil {
			t.Fatalf("read pg=%d after merge: %v", pg, err)
		}
	}
}

// P4: read-after-write identity through the log-then-data resolver.
func TestLogBlockReadAfterWrite(t *testing.T) {
	e := newStartedLogBlock(t, 1, 1, 10)
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

func TestLogBlockRegistry(t *testing.T) {
	f, err := ByID(EngineLogBlock)
	if err != nil {
		t.Fatalf("ByID: %v", err)
	}
	e := f()
	if e.ID() != EngineLogBlock || e.Name() != "log-block" {
		t.Fatalf("factory produced %+v", e)
	}
}
