package container_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"rawdump2dmp/container"
	"rawdump2dmp/core"
	"rawdump2dmp/guids"
)

// fakeSource is a minimal in-memory core.ByteSource for container tests.
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

func buildContainer(t *testing.T, sections []container.SectionHeader, flags uint32) *fakeSource {
	t.Helper()
	var buf bytes.Buffer
	hdr := container.RawDumpHeader{
		Signature:     [8]byte{'R', 'A', 'W', '_', 'D', 'M', 'P', '!'},
		Version:       1,
		Flags:         flags,
		DumpSize:      0x1000,
		SectionsCount: uint32(len(sections)),
	}
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		t.Fatal(err)
	}
	for i := range sections {
		if err := binary.Write(&buf, binary.LittleEndian, &sections[i]); err != nil {
			t.Fatal(err)
		}
	}
	data := buf.Bytes()
	// pad so later section payload offsets used in other tests stay valid
	data = append(data, make([]byte, 4096)...)
	return &fakeSource{data: data}
}

func ddrSection(base, size, offset uint64) container.SectionHeader {
	s := container.SectionHeader{
		Flags:   container.FlagValid,
		Version: container.RawDumpSectionHeaderVersion,
		Type:    container.SectionDDRRange,
		Offset:  offset,
		Size:    size,
	}
	binary.LittleEndian.PutUint64(s.Info[:8], base)
	return s
}

func svSection(g guids.GUID, size, offset uint64) container.SectionHeader {
	s := container.SectionHeader{
		Flags:   container.FlagValid,
		Version: container.RawDumpSectionHeaderVersion,
		Type:    container.SectionSVSpecific,
		Offset:  offset,
		Size:    size,
	}
	b := g.Bytes()
	copy(s.Info[:], b[:])
	return s
}

func TestParseHappyPath(t *testing.T) {
	t.Log("Test Parse accepts a well-formed container and computes stats")

	sections := []container.SectionHeader{
		ddrSection(0, 0x4000_0000, 0x1000),
		svSection(guids.SVSectionOCIMEM, 0x10000, 0x2000),
	}
	src := buildContainer(t, sections, container.FlagValid)

	parsed, err := container.Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Stats.DDRSectionCount != 1 {
		t.Fatalf("Except DDRSectionCount 1, But: %d", parsed.Stats.DDRSectionCount)
	}
	if parsed.Stats.TotalDDRBytes != 0x4000_0000 {
		t.Fatalf("Except TotalDDRBytes 0x4000_0000, But: 0x%X", parsed.Stats.TotalDDRBytes)
	}
	if parsed.Stats.SVSectionCount != 1 {
		t.Fatalf("Except SVSectionCount 1, But: %d", parsed.Stats.SVSectionCount)
	}
}

func TestParseRejectsBadSignature(t *testing.T) {
	t.Log("Test Parse rejects a bad signature")

	src := buildContainer(t, []container.SectionHeader{ddrSection(0, 0x1000, 0x1000)}, container.FlagValid)
	src.data[0] = 'X'

	if _, err := container.Parse(src); err == nil {
		t.Fatal("expected bad-signature error")
	}
}

func TestParseRejectsMissingValidFlag(t *testing.T) {
	t.Log("Test Parse rejects a header missing FlagValid")

	src := buildContainer(t, []container.SectionHeader{ddrSection(0, 0x1000, 0x1000)}, 0)
	if _, err := container.Parse(src); err == nil {
		t.Fatal("expected bad-flags error")
	}
}

func TestParseRejectsZeroSections(t *testing.T) {
	t.Log("Test Parse rejects zero sections")

	src := buildContainer(t, nil, container.FlagValid)
	if _, err := container.Parse(src); err == nil {
		t.Fatal("expected zero-sections error")
	}
}

func TestInsufficientStorageMustBeFinal(t *testing.T) {
	t.Log("Test a non-final insufficient-storage section is rejected")

	s1 := ddrSection(0, 0x1000, 0x1000)
	s1.Flags |= container.FlagInsufficientStorage
	s2 := ddrSection(0x1000, 0x1000, 0x2000)
	src := buildContainer(t, []container.SectionHeader{s1, s2}, container.FlagValid)

	if _, err := container.Parse(src); err == nil {
		t.Fatal("expected insufficient-storage-flag error")
	}
}
