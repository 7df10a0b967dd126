package dumphdr_test

import (
	"testing"

	"rawdump2dmp/core"
	"rawdump2dmp/dumphdr"
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
	if int(off)+len(p) > len(f.data) {
		return 0, core.ErrWriteShort
	}
	return copy(f.data[off:], p), nil
}
func (f *fakeSource) Size() (int64, error) { return int64(len(f.data)), nil }

func TestBestEffortHeaderRoundTrips(t *testing.T) {
	t.Log("Test NewBestEffort + Encode round trips the patched fields")

	hdr := dumphdr.NewBestEffort(dumphdr.Bits32)
	hdr.BugCheckParameter = [4]uint64{0xFFFF, 1, 0x030201, 0xDEAD}
	hdr.RequiredDumpSpace = uint64(len(hdr.Raw))

	raw, err := hdr.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != len(hdr.Raw) {
		t.Fatalf("Except len %d, But: %d", len(hdr.Raw), len(raw))
	}
	if string(raw[0:4]) != "PAGE" || string(raw[4:8]) != "DUMP" {
		t.Fatalf("Except PAGE/DUMP tags, But: %q/%q", raw[0:4], raw[4:8])
	}
}

// buildCandidate encodes a minimal valid 32-bit dump-header candidate,
// built via NewBestEffort since onDisk32 itself is unexported, with every
// field validateCandidate inspects patched to pass.
func buildCandidate(t *testing.T, instanceID uint64) []byte {
	t.Helper()
	hdr := dumphdr.NewBestEffort(dumphdr.Bits32)
	hdr.BugCheckCode = dumphdr.FatalAbnormalResetError
	hdr.DumpType = dumphdr.DumpTypeFull
	hdr.RequiredDumpSpace = uint64('P') | uint64('A')<<8 | uint64('G')<<16 | uint64('E')<<24
	hdr.SetInstanceID(instanceID)
	raw, err := hdr.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestLocateFindsValidCandidate(t *testing.T) {
	t.Log("Test Locate finds and validates an embedded dump header")

	candidate := buildCandidate(t, 0xDEAD_BEEF_0000_0001)

	region := make([]byte, 0x10000)
	magicOffset := 0x4000
	copy(region[magicOffset+24:], candidate)
	copy(region[magicOffset:], dumphdr.Magic[:])

	src := &fakeSource{data: region}
	regions := []memmap.DdrRegion{{Base: 0, End: uint64(len(region) - 1), Size: uint64(len(region)), Offset: 0, Contiguous: true}}
	pr := memmap.NewPhysicalReader(src, regions)

	located, err := dumphdr.Locate(src, regions, pr, 0xDEAD_BEEF_0000_0001)
	if err != nil {
		t.Fatal(err)
	}
	if located.Status != dumphdr.StatusValid {
		t.Fatalf("Except StatusValid, But: %v", located.Status)
	}
}

func TestLocateRejectsInstanceMismatch(t *testing.T) {
	t.Log("Test Locate rejects a candidate whose instance id does not match (spec scenario 3)")

	candidate := buildCandidate(t, 0xDEAD_BEEF_0000_0002)

	region := make([]byte, 0x10000)
	magicOffset := 0x4000
	copy(region[magicOffset+24:], candidate)
	copy(region[magicOffset:], dumphdr.Magic[:])

	src := &fakeSource{data: region}
	regions := []memmap.DdrRegion{{Base: 0, End: uint64(len(region) - 1), Size: uint64(len(region)), Offset: 0, Contiguous: true}}
	pr := memmap.NewPhysicalReader(src, regions)

	located, err := dumphdr.Locate(src, regions, pr, 0xDEAD_BEEF_0000_0001)
	if err != nil {
		t.Fatal(err)
	}
	if located.Status == dumphdr.StatusValid {
		t.Fatal("expected mismatched instance id to be rejected")
	}
}

func TestLocateNotFoundWithoutMagic(t *testing.T) {
	t.Log("Test Locate reports NotFound when no magic is present")

	region := make([]byte, 0x10000)
	src := &fakeSource{data: region}
	regions := []memmap.DdrRegion{{Base: 0, End: uint64(len(region) - 1), Size: uint64(len(region)), Offset: 0, Contiguous: true}}
	pr := memmap.NewPhysicalReader(src, regions)

	located, err := dumphdr.Locate(src, regions, pr, 0)
	if err != nil {
		t.Fatal(err)
	}
	if located.Status != dumphdr.StatusNotFound {
		t.Fatalf("Except StatusNotFound, But: %v", located.Status)
	}
}

func TestValidateMemoryBlockAcceptsContiguousSpan(t *testing.T) {
	t.Log("Test ValidateMemoryBlock accepts a run spanning two contiguous DDR regions")

	regions := []memmap.DdrRegion{
		{Base: 0, End: 0x0FFF, Size: 0x1000, Contiguous: true},
		{Base: 0x1000, End: 0x1FFF, Size: 0x1000, Contiguous: true},
	}
	runs := []dumphdr.Run{{BasePage: 0, PageCount: 2}}
	if err := dumphdr.ValidateMemoryBlock(regions, runs); err != nil {
		t.Fatal(err)
	}
}

func TestValidateMemoryBlockRejectsDiscontiguousSpan(t *testing.T) {
	t.Log("Test ValidateMemoryBlock rejects a run spanning a discontiguous gap")

	regions := []memmap.DdrRegion{
		{Base: 0, End: 0x0FFF, Size: 0x1000, Contiguous: true},
		{Base: 0x2000, End: 0x2FFF, Size: 0x1000, Contiguous: false},
	}
	runs := []dumphdr.Run{{BasePage: 0, PageCount: 2}}
	if err := dumphdr.ValidateMemoryBlock(regions, runs); err == nil {
		t.Fatal("expected discontiguous-span error")
	}
}

