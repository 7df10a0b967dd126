package memmap_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"rawdump2dmp/container"
	"rawdump2dmp/core"
	"rawdump2dmp/memmap"
)

type fakeSource struct{ data []byte }

func (f *fakeSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off)+len(p) > len(f.data) {
		return 0, core.ErrReadShort
	}
	return copy(p, f.data[off:]), nil
}
func (f *fakeSource) WriteAt(p []byte, off int64) (int, error) {
	return 0, core.ErrWriteShort
}
func (f *fakeSource) Size() (int64, error) { return int64(len(f.data)), nil }

func ddr(base, size, offset uint64, idx int) container.SectionHeader {
	s := container.SectionHeader{Type: container.SectionDDRRange, Offset: offset, Size: size}
	binary.LittleEndian.PutUint64(s.Info[:8], base)
	return s
}

func TestBuildSortsAndMarksContiguity(t *testing.T) {
	t.Log("Test Build sorts by base and marks contiguity")

	sections := []container.SectionHeader{
		ddr(0x1000_0000, 0x1000_0000, 0x2000, 0),
		ddr(0, 0x1000_0000, 0x1000, 1),
	}
	regions, err := memmap.Build(sections)
	if err != nil {
		t.Fatal(err)
	}
	if len(regions) != 2 || regions[0].Base != 0 || regions[1].Base != 0x1000_0000 {
		t.Fatalf("unexpected region order: %+v", regions)
	}
	if !regions[1].Contiguous {
		t.Fatal("expected region 1 to be contiguous with region 0")
	}
}

func TestBuildDetectsGapAndOverlap(t *testing.T) {
	t.Log("Test Build marks a gap as non-contiguous and rejects overlap")

	gapped := []container.SectionHeader{
		ddr(0, 0x1000_0000, 0x1000, 0),
		ddr(0x1001_0000, 0x1000_0000, 0x2000, 1),
	}
	regions, err := memmap.Build(gapped)
	if err != nil {
		t.Fatal(err)
	}
	if regions[1].Contiguous {
		t.Fatal("expected gap to break contiguity")
	}

	overlapping := []container.SectionHeader{
		ddr(0, 0x1000, 0x1000, 0),
		ddr(0x800, 0x1000, 0x2000, 1),
	}
	if _, err := memmap.Build(overlapping); err == nil {
		t.Fatal("expected overlap to be rejected")
	}
}

func TestBuildRejectsZeroSizeAndInverted(t *testing.T) {
	t.Log("Test Build rejects zero-size and inverted regions")

	if _, err := memmap.Build([]container.SectionHeader{ddr(0, 0, 0x1000, 0)}); err == nil {
		t.Fatal("expected zero-size rejection")
	}
	// base + size - 1 wraps past 2^64, so End lands below Base.
	if _, err := memmap.Build([]container.SectionHeader{ddr(0xFFFF_FFFF_FFFF_F000, 0x2000, 0x1000, 0)}); err == nil {
		t.Fatal("expected inverted-region rejection")
	}
}

func TestPhysicalReaderSpansContiguousRegions(t *testing.T) {
	t.Log("Test PhysicalReader reads across a contiguous region boundary")

	data := make([]byte, 0x3000)
	for i := range data {
		data[i] = byte(i)
	}
	src := &fakeSource{data: data}
	regions := []memmap.DdrRegion{
		{Base: 0, End: 0xFFF, Size: 0x1000, Offset: 0, Contiguous: true},
		{Base: 0x1000, End: 0x1FFF, Size: 0x1000, Offset: 0x1000, Contiguous: true},
	}
	pr := memmap.NewPhysicalReader(src, regions)

	buf := make([]byte, 16)
	if err := pr.Read(0xFF8, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, data[0xFF8:0xFF8+16]) {
		t.Fatalf("Except: %v, But: %v", data[0xFF8:0xFF8+16], buf)
	}
}

func TestPhysicalReaderFailsAcrossDiscontiguousSpan(t *testing.T) {
	t.Log("Test PhysicalReader fails reading across a discontiguous gap")

	src := &fakeSource{data: make([]byte, 0x4000)}
	regions := []memmap.DdrRegion{
		{Base: 0, End: 0xFFF, Size: 0x1000, Offset: 0, Contiguous: true},
		{Base: 0x2000, End: 0x2FFF, Size: 0x1000, Offset: 0x2000, Contiguous: false},
	}
	pr := memmap.NewPhysicalReader(src, regions)

	buf := make([]byte, 16)
	if err := pr.Read(0xFF8, buf); err == nil {
		t.Fatal("expected discontiguous span error")
	}
}

func TestPhysicalWriterResolvesByPA(t *testing.T) {
	t.Log("Test PhysicalWriter.WriteByPA resolves against output runs")

	src := &memSource{data: make([]byte, 0x2000)}
	runs := []memmap.OutputRun{{Base: 0x1000, End: 0x1FFF, FileOffset: 0}}
	pw := memmap.NewPhysicalWriter(src, runs, 0x1000)

	payload := []byte{1, 2, 3, 4}
	if err := pw.WriteByPA(0x1000, payload); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(src.data[0x1000:0x1004], payload) {
		t.Fatalf("Except: %v, But: %v", payload, src.data[0x1000:0x1004])
	}
}

type memSource struct{ data []byte }

func (m *memSource) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.data[off:]), nil
}
func (m *memSource) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.data[off:], p), nil
}
func (m *memSource) Size() (int64, error) { return int64(len(m.data)), nil }
