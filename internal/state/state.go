// Package state owns the per-page and per-block state tables shared by
// every engine, plus the heatmap counters. It enforces the page and block
// state machines of spec §4.7 and invariants I1-I5:
//
//	Page:  Clean -write→ Dirty -abandon→ Abandoned -erase(blk)→ Clean
//	       Dirty -erase(blk)→ Clean
//	Block: Clean -(any page write)→ Dirty -erase→ Clean
//
// Dirty→Dirty is forbidden and is a fatal bug trap on the caller, not a
// recoverable condition — see ErrDirtyRewrite.
package state

import (
	"errors"
	"fmt"
)

// PageState is one page's position in its state machine.
type PageState uint8

const (
	PageClean PageState = iota
	PageDirty
	PageAbandoned
)

func (s PageState) String() string {
	switch s {
	case PageClean:
		return "clean"
	case PageDirty:
		return "dirty"
	case PageAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("PageState(%d)", uint8(s))
	}
}

// BlockState is one block's position in its state machine.
type BlockState uint8

const (
	BlockClean BlockState = iota
	BlockDirty
)

func (s BlockState) String() string {
	if s == BlockDirty {
		return "dirty"
	}
	return "clean"
}

// Errors raised when a caller violates a state machine invariant. These are
// bug traps on the engine itself (spec §7 "Invariant violation"), never
// recovered locally.
var (
	ErrDirtyRewrite  = errors.New("state: write to a dirty page")
	ErrAbandonedPage = errors.New("state: page is abandoned, not rewritable until its block is erased")
	ErrOutOfRange    = errors.New("state: index out of range")
)

// Heatmap counts device operations touching one virtual page over the
// lifetime of an engine instance.
type Heatmap struct {
	Reads  uint64
	Writes uint64
	Erases uint64
}

// Table is the state table for one engine instance: dense per-page and
// per-block state arrays plus per-page heatmap counters, sized from the
// geometry at construction and never resized.
type Table struct {
	pagesPerBlock int
	pageState     []PageState
	blockState    []BlockState
	heatmap       []Heatmap
}

// New allocates a state table for numPages pages grouped pagesPerBlock per
// block. All pages and blocks start Clean.
func New(numPages, pagesPerBlock int) *Table {
	if pagesPerBlock <= 0 {
		panic("state: pagesPerBlock must be positive")
	}
	numBlocks := numPages / pagesPerBlock
	return &Table{
		pagesPerBlock: pagesPerBlock,
		pageState:     make([]PageState, numPages),
		blockState:    make([]BlockState, numBlocks),
		heatmap:       make([]Heatmap, numPages),
	}
}

func (t *Table) blockOf(vpg int) int { return vpg / t.pagesPerBlock }

// PageState returns the current state of vpg.
func (t *Table) PageState(vpg int) PageState { return t.pageState[vpg] }

// BlockState returns the current state of vblk.
func (t *Table) BlockState(vblk int) BlockState { return t.blockState[vblk] }

// Heatmap returns the counters accumulated for vpg.
func (t *Table) Heatmap(vpg int) Heatmap { return t.heatmap[vpg] }

// NumPages returns the page-array length.
func (t *Table) NumPages() int { return len(t.pageState) }

// NumBlocks returns the block-array length.
func (t *Table) NumBlocks() int { return len(t.blockState) }

// RecordRead increments vpg's read counter. Does not change page state.
func (t *Table) RecordRead(vpg int) { t.heatmap[vpg].Reads++ }

// MarkWritten transitions vpg from Clean to Dirty (I2) and its containing
// block to Dirty (I1), and increments the write counter. It is a fatal bug
// trap to call this on a non-Clean page.
func (t *Table) MarkWritten(vpg int) error {
	switch t.pageState[vpg] {
	case PageDirty:
		return fmt.Errorf("%w: vpg=%d", ErrDirtyRewrite, vpg)
	case PageAbandoned:
		return fmt.Errorf("%w: vpg=%d", ErrAbandonedPage, vpg)
	}
	t.pageState[vpg] = PageDirty
	t.blockState[t.blockOf(vpg)] = BlockDirty
	t.heatmap[vpg].Writes++
	return nil
}

// Abandon transitions vpg from Dirty to Abandoned (used by log-structured
// engines when a write supersedes an old mapping). The block stays Dirty
// (I1: still has a non-Clean page).
func (t *Table) Abandon(vpg int) error {
	if t.pageState[vpg] != PageDirty {
		return fmt.Errorf("state: abandon of non-dirty vpg=%d (state=%s)", vpg, t.pageState[vpg])
	}
	t.pageState[vpg] = PageAbandoned
	return nil
}

// EraseBlock resets every page in vblk to Clean and the block itself to
// Clean (I3), incrementing each page's erase counter.
func (t *Table) EraseBlock(vblk int) {
	base := vblk * t.pagesPerBlock
	for p := base; p < base+t.pagesPerBlock; p++ {
		t.pageState[p] = PageClean
		t.heatmap[p].Erases++
	}
	t.blockState[vblk] = BlockClean
}

// CountDirty returns the number of pages currently Dirty, grounded on the
// original's running lm.dirty_pg_count (the live-page count every
// write-policy engine reports per request).
func (t *Table) CountDirty() int { return t.countState(PageDirty) }

// CountAbandoned returns the number of pages currently Abandoned, grounded
// on the original's running lm.abandoned_pg_count.
func (t *Table) CountAbandoned() int { return t.countState(PageAbandoned) }

func (t *Table) countState(want PageState) int {
	n := 0
	for _, s := range t.pageState {
		if s == want {
			n++
		}
	}
	return n
}

// CheckConsistency verifies I1 across the whole table: a block is Dirty iff
// at least one of its pages is non-Clean. Intended for tests and property
// checks, not the hot path.
func (t *Table) CheckConsistency() error {
	for vblk := 0; vblk < len(t.blockState); vblk++ {
		base := vblk * t.pagesPerBlock
		anyNonClean := false
		for p := base; p < base+t.pagesPerBlock; p++ {
			if t.pageState[p] != PageClean {
				anyNonClean = true
				break
			}
		}
		wantDirty := t.blockState[vblk] == BlockDirty
		if anyNonClean != wantDirty {
			return fmt.Errorf("state: I1 violated at vblk=%d: blockState=%s anyNonClean=%v", vblk, t.blockState[vblk], anyNonClean)
		}
	}
	return nil
}
