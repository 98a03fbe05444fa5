package geometry

import "testing"

func testGeometry() Geometry {
	return Geometry{NC: 2, NL: 2, NB: 4, NP: 8, Planes: 2, PageBytes: 4096}
}

func TestDerivedSizes(t *testing.T) {
	g := testGeometry()
	if got := g.VPGSize(); got != 8192 {
		t.Fatalf("VPGSize() = %d, want 8192", got)
	}
	if got := g.TPG(); got != 128 {
		t.Fatalf("TPG() = %d, want 128", got)
	}
	if got := g.NumPUs(); got != 4 {
		t.Fatalf("NumPUs() = %d, want 4", got)
	}
	if got := g.NumVBlocks(); got != 16 {
		t.Fatalf("NumVBlocks() = %d, want 16", got)
	}
}

// P1: geo_to_vpg(vpg_to_geo(i)) = i for all i in [0, TPG).
func TestVPGRoundTrip(t *testing.T) {
	g := testGeometry()
	for i := 0; i < g.TPG(); i++ {
		a := g.VPGToGeo(i)
		if a.OffsetInPage != 0 {
			t.Fatalf("vpg_to_geo(%d).OffsetInPage = %d, want 0", i, a.OffsetInPage)
		}
		if got := g.GeoToVPG(a); got != i {
			t.Fatalf("geo_to_vpg(vpg_to_geo(%d)) = %d, want %d (addr=%+v)", i, got, i, a)
		}
	}
}

// P1: geo_to_vblk(vblk_to_geo(i)) = i for all i in [0, NumVBlocks).
func TestVBlkRoundTrip(t *testing.T) {
	g := testGeometry()
	for i := 0; i < g.NumVBlocks(); i++ {
		a := g.VBlkToGeo(i)
		if a.Pg != 0 {
			t.Fatalf("vblk_to_geo(%d).Pg = %d, want 0", i, a.Pg)
		}
		if got := g.GeoToVBlk(a); got != i {
			t.Fatalf("geo_to_vblk(vblk_to_geo(%d)) = %d, want %d", i, got, i)
		}
	}
}

func TestByteOffsetToGeo(t *testing.T) {
	g := testGeometry()
	a := g.ByteOffsetToGeo(100)
	if a.Ch != 0 || a.Lun != 0 || a.Blk != 0 || a.Pg != 0 || a.OffsetInPage != 100 {
		t.Fatalf("ByteOffsetToGeo(100) = %+v", a)
	}
	a2 := g.ByteOffsetToGeo(8192)
	if g.GeoToVPG(a2) != 1 || a2.OffsetInPage != 0 {
		t.Fatalf("ByteOffsetToGeo(8192) = %+v, want vpg 1 offset 0", a2)
	}
}

func TestPUIndexRoundTrip(t *testing.T) {
	g := testGeometry()
	for pu := 0; pu < g.NumPUs(); pu++ {
		ch, lun := g.PUToChLun(pu)
		if got := g.PUIndex(ch, lun); got != pu {
			t.Fatalf("PUIndex(PUToChLun(%d)) = %d, want %d", pu, got, pu)
		}
	}
}

func TestVPGVBlkConsistency(t *testing.T) {
	g := testGeometry()
	for vblk := 0; vblk < g.NumVBlocks(); vblk++ {
		first := g.VBlkToVPG(vblk)
		if got := g.VPGToVBlk(first); got != vblk {
			t.Fatalf("VPGToVBlk(VBlkToVPG(%d)) = %d, want %d", vblk, got, vblk)
		}
	}
}

func TestValidate(t *testing.T) {
	g := testGeometry()
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
	bad := g
	bad.NC = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("Validate() = nil for NC=0, want error")
	}
}
