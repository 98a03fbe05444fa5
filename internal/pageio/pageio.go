// Package pageio implements the page I/O wrapper (spec §4.2): the single
// choke point through which every engine reads, writes, and erases, so
// write-once-until-erase and the full-page-write-only policy are enforced
// in exactly one place.
package pageio

import (
	"errors"
	"fmt"

	"github.com/fox-ftl/fox/internal/device"
	"github.com/fox-ftl/fox/internal/geometry"
	"github.com/fox-ftl/fox/internal/state"
)

// ErrPartialWrite is returned when a write does not cover a full page.
// Partial-page writes are rejected outright at this layer; engines must
// pre-stage a partial write by reading the existing page, merging, and
// writing the full page back (spec §4.2, load-bearing — do not relax).
var ErrPartialWrite = errors.New("pageio: partial-page device write rejected")

// Wrapper binds a Device, a Geometry, and a state.Table together so every
// page operation updates state and heatmap consistently.
type Wrapper struct {
	Dev   device.Device
	Geo   geometry.Geometry
	State *state.Table
}

// New constructs a page I/O wrapper over an existing device and state
// table.
func New(dev device.Device, geo geometry.Geometry, st *state.Table) *Wrapper {
	return &Wrapper{Dev: dev, Geo: geo, State: st}
}

func (w *Wrapper) target(vpg int) (device.Target, int) {
	a := w.Geo.VPGToGeo(vpg)
	return w.Dev.VblkTgt(a.Ch, a.Lun, a.Blk), a.Pg
}

// ReadFull reads the entire page content of vpg into buf (len(buf) must
// equal VPGSize) and records a heatmap read. Reading is legal regardless
// of page state — callers may read Dirty, Abandoned, or even Clean
// (zero-filled) pages.
func (w *Wrapper) ReadFull(vpg int, buf []byte) error {
	tgt, pg := w.target(vpg)
	if err := w.Dev.ReadPage(tgt, buf, pg); err != nil {
		return fmt.Errorf("pageio: read vpg=%d: %w", vpg, err)
	}
	w.State.RecordRead(vpg)
	return nil
}

// Read copies size bytes starting at inPage from vpg's page content into
// buf. Preconditions: inPage+size <= VPGSize.
func (w *Wrapper) Read(vpg, inPage, size int, buf []byte) error {
	vpgSize := w.Geo.VPGSize()
	if inPage+size > vpgSize {
		return fmt.Errorf("pageio: read range [%d,%d) exceeds page size %d", inPage, inPage+size, vpgSize)
	}
	scratch := make([]byte, vpgSize)
	if err := w.ReadFull(vpg, scratch); err != nil {
		return err
	}
	copy(buf, scratch[inPage:inPage+size])
	return nil
}

// WriteFull issues a full-page write to vpg (len(page) must equal
// VPGSize), enforcing write-once-until-erase: it fails if the page is not
// Clean, and fails if the buffer isn't exactly one page (the latter can
// only happen if a caller bypasses Write's merge step).
func (w *Wrapper) WriteFull(vpg int, page []byte) error {
	vpgSize := w.Geo.VPGSize()
	if len(page) != vpgSize {
		return fmt.Errorf("%w: vpg=%d size=%d want=%d", ErrPartialWrite, vpg, len(page), vpgSize)
	}
	if err := w.State.MarkWritten(vpg); err != nil {
		return err
	}
	tgt, pg := w.target(vpg)
	if err := w.Dev.WritePage(tgt, page, pg); err != nil {
		return fmt.Errorf("pageio: write vpg=%d: %w", vpg, err)
	}
	return nil
}

// EraseBlock erases vblk at the device, then resets its state-table entry
// (I3).
func (w *Wrapper) EraseBlock(vblk int) error {
	a := w.Geo.VBlkToGeo(vblk)
	tgt := w.Dev.VblkTgt(a.Ch, a.Lun, a.Blk)
	if err := w.Dev.EraseBlock(tgt); err != nil {
		return fmt.Errorf("pageio: erase vblk=%d: %w", vblk, err)
	}
	w.State.EraseBlock(vblk)
	return nil
}
