// Package geometry implements the pure bijections between linear virtual
// indices (vpg, vblk) and device geometry tuples ⟨channel, LUN, block,
// page, byte-offset⟩.
//
// Encoding is channel-major, block-slowest: vpg = ch + lun·NC + pg·NC·NL +
// blk·NC·NL·NP, and vblk = ch + lun·NC + blk·NC·NL. Every function here is
// stateless; the only state a caller needs is the Geometry itself.
package geometry

import "fmt"

// Geometry holds the compile-/init-time constants of one Open-Channel SSD
// node. All fields are immutable once constructed.
type Geometry struct {
	NC         int // channels
	NL         int // LUNs per channel
	NB         int // blocks per parallel unit
	NP         int // pages per block
	Planes     int
	PageBytes  int
}

// VPGSize is the byte size of one virtual page (page bytes × planes).
func (g Geometry) VPGSize() int { return g.PageBytes * g.Planes }

// NumPUs is the number of parallel units (channel, LUN) pairs.
func (g Geometry) NumPUs() int { return g.NC * g.NL }

// TPG is the total page count across the whole node.
func (g Geometry) TPG() int { return g.NC * g.NL * g.NB * g.NP }

// NumVBlocks is the total block count across the whole node.
func (g Geometry) NumVBlocks() int { return g.NC * g.NL * g.NB }

// Validate rejects a non-positive or otherwise nonsensical geometry.
func (g Geometry) Validate() error {
	if g.NC <= 0 || g.NL <= 0 || g.NB <= 0 || g.NP <= 0 || g.Planes <= 0 || g.PageBytes <= 0 {
		return fmt.Errorf("geometry: all dimensions must be positive, got %+v", g)
	}
	return nil
}

// Addr is the geometry-coordinate form of an address: ⟨channel, LUN, block,
// page⟩ plus any byte offset inside the page that isn't page-aligned.
type Addr struct {
	OffsetInPage int
	Ch           int
	Lun          int
	Blk          int
	Pg           int
}

// GeoToVPG encodes a geometry tuple into its linear virtual page index.
// The OffsetInPage field is ignored — vpg addresses whole pages.
func (g Geometry) GeoToVPG(a Addr) int {
	return a.Ch + a.Lun*g.NC + a.Pg*g.NC*g.NL + a.Blk*g.NC*g.NL*g.NP
}

// GeoToVBlk encodes a geometry tuple into its linear virtual block index.
func (g Geometry) GeoToVBlk(a Addr) int {
	return a.Ch + a.Lun*g.NC + a.Blk*g.NC*g.NL
}

// VPGToGeo is the inverse of GeoToVPG. The returned Addr always has
// OffsetInPage == 0.
func (g Geometry) VPGToGeo(vpg int) Addr {
	ch := vpg % g.NC
	rest := vpg / g.NC
	lun := rest % g.NL
	rest /= g.NL
	pg := rest % g.NP
	blk := rest / g.NP
	return Addr{Ch: ch, Lun: lun, Blk: blk, Pg: pg}
}

// VBlkToGeo is the inverse of GeoToVBlk. The returned Addr always has
// OffsetInPage == 0 and Pg == 0.
func (g Geometry) VBlkToGeo(vblk int) Addr {
	ch := vblk % g.NC
	rest := vblk / g.NC
	lun := rest % g.NL
	blk := rest / g.NL
	return Addr{Ch: ch, Lun: lun, Blk: blk}
}

// VPGToVBlk truncates a virtual page index down to its containing block.
func (g Geometry) VPGToVBlk(vpg int) int {
	a := g.VPGToGeo(vpg)
	return g.GeoToVBlk(a)
}

// VBlkToVPG returns the first (page 0) virtual page index of a block.
func (g Geometry) VBlkToVPG(vblk int) int {
	a := g.VBlkToGeo(vblk)
	return g.GeoToVPG(a)
}

// ByteOffsetToGeo decomposes a linear byte offset into the virtual page it
// falls in and the unaligned byte offset within that page.
func (g Geometry) ByteOffsetToGeo(offset int64) Addr {
	vpgSize := int64(g.VPGSize())
	vpg := int(offset / vpgSize)
	inPage := int(offset % vpgSize)
	a := g.VPGToGeo(vpg)
	a.OffsetInPage = inPage
	return a
}

// PUIndex linearizes ⟨ch, lun⟩ into a single parallel-unit index.
func (g Geometry) PUIndex(ch, lun int) int { return ch + lun*g.NC }

// PUToChLun is the inverse of PUIndex.
func (g Geometry) PUToChLun(pu int) (ch, lun int) {
	return pu % g.NC, pu / g.NC
}
