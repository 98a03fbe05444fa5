package state

import (
	"errors"
	"testing"
)

func TestWriteEraseCycle(t *testing.T) {
	tbl := New(16, 4) // 4 blocks of 4 pages

	if tbl.PageState(0) != PageClean {
		t.Fatal("new page must start Clean")
	}
	if err := tbl.MarkWritten(0); err != nil {
		t.Fatalf("MarkWritten: %v", err)
	}
	if tbl.PageState(0) != PageDirty {
		t.Fatal("page must be Dirty after write")
	}
	if tbl.BlockState(0) != BlockDirty {
		t.Fatal("block must be Dirty after any page write (I1)")
	}

	// Dirty -> Dirty is forbidden (I2).
	if err := tbl.MarkWritten(0); !errors.Is(err, ErrDirtyRewrite) {
		t.Fatalf("MarkWritten on dirty page = %v, want ErrDirtyRewrite", err)
	}

	if err := tbl.Abandon(0); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if tbl.PageState(0) != PageAbandoned {
		t.Fatal("page must be Abandoned")
	}

	// Abandoned pages are not rewritable (I4).
	if err := tbl.MarkWritten(0); !errors.Is(err, ErrAbandonedPage) {
		t.Fatalf("MarkWritten on abandoned page = %v, want ErrAbandonedPage", err)
	}

	tbl.EraseBlock(0)
	for p := 0; p < 4; p++ {
		if tbl.PageState(p) != PageClean {
			t.Fatalf("page %d must be Clean after erase (I3)", p)
		}
	}
	if tbl.BlockState(0) != BlockClean {
		t.Fatal("block must be Clean after erase")
	}
	if got := tbl.Heatmap(0).Erases; got != 1 {
		t.Fatalf("erase count = %d, want 1", got)
	}
}

// P2: I1 holds after every operation.
func TestConsistencyInvariant(t *testing.T) {
	tbl := New(16, 4)
	if err := tbl.CheckConsistency(); err != nil {
		t.Fatalf("fresh table: %v", err)
	}
	_ = tbl.MarkWritten(5)
	if err := tbl.CheckConsistency(); err != nil {
		t.Fatalf("after write: %v", err)
	}
	tbl.EraseBlock(1)
	if err := tbl.CheckConsistency(); err != nil {
		t.Fatalf("after erase: %v", err)
	}
}

func TestCountDirtyAndAbandoned(t *testing.T) {
	tbl := New(16, 4)
	if got := tbl.CountDirty(); got != 0 {
		t.Fatalf("fresh table CountDirty = %d, want 0", got)
	}
	if got := tbl.CountAbandoned(); got != 0 {
		t.Fatalf("fresh table CountAbandoned = %d, want 0", got)
	}

	_ = tbl.MarkWritten(0)
	_ = tbl.MarkWritten(1)
	if got := tbl.CountDirty(); got != 2 {
		t.Fatalf("CountDirty after two writes = %d, want 2", got)
	}

	_ = tbl.Abandon(0)
	if got := tbl.CountDirty(); got != 1 {
		t.Fatalf("CountDirty after abandon = %d, want 1", got)
	}
	if got := tbl.CountAbandoned(); got != 1 {
		t.Fatalf("CountAbandoned after abandon = %d, want 1", got)
	}

	tbl.EraseBlock(0)
	if got := tbl.CountDirty(); got != 0 {
		t.Fatalf("CountDirty after erase = %d, want 0", got)
	}
	if got := tbl.CountAbandoned(); got != 0 {
		t.Fatalf("CountAbandoned after erase = %d, want 0", got)
	}
}

// P7: heatmap accounting matches the number of operations issued.
func TestHeatmapAccounting(t *testing.T) {
	tbl := New(8, 4)
	tbl.RecordRead(2)
	tbl.RecordRead(2)
	_ = tbl.MarkWritten(2)
	hm := tbl.Heatmap(2)
	if hm.Reads != 2 || hm.Writes != 1 || hm.Erases != 0 {
		t.Fatalf("heatmap = %+v, want {2 1 0}", hm)
	}
}
