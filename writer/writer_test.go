package writer_test

import (
	"bytes"
	"testing"

	"rawdump2dmp/completemap"
	"rawdump2dmp/container"
	"rawdump2dmp/core"
	"rawdump2dmp/deviceinfo"
	"rawdump2dmp/dumphdr"
	"rawdump2dmp/guids"
	"rawdump2dmp/memmap"
	"rawdump2dmp/writer"
)

// fakeSource is a growable in-memory core.ByteSource that also satisfies the
// package-private flusher interface via Flush.
type fakeSource struct {
	data    []byte
	flushed int
}

func (f *fakeSource) ReadAt(p []byte, off int64) (int, error) {
	if int(off)+len(p) > len(f.data) {
		return 0, core.ErrReadShort
	}
	return copy(p, f.data[off:]), nil
}
func (f *fakeSource) WriteAt(p []byte, off int64) (int, error) {
	end := int(off) + len(p)
	if end > len(f.data) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	return copy(f.data[off:], p), nil
}
func (f *fakeSource) Size() (int64, error) { return int64(len(f.data)), nil }
func (f *fakeSource) Flush() error         { f.flushed++; return nil }

func wholeSpaceReader(src core.ByteSource, size uint64) *memmap.PhysicalReader {
	regions := []memmap.DdrRegion{{Base: 0, End: size - 1, Size: size, Offset: 0, Contiguous: true}}
	return memmap.NewPhysicalReader(src, regions)
}

func TestWriteDumpCopiesRunsAndPatchesHeader(t *testing.T) {
	t.Log("Test WriteDump writes the patched header then copies every PhysicalMemoryBlock run")

	ddr := make([]byte, 0x2000)
	for i := range ddr {
		ddr[i] = byte(i)
	}
	src := &fakeSource{data: ddr}
	pr := wholeSpaceReader(src, uint64(len(ddr)))

	hdr := dumphdr.NewBestEffort(dumphdr.Bits32)
	hdr.Runs = []dumphdr.Run{{BasePage: 0, PageCount: 2}}

	devInfo := &deviceinfo.Info{BugCheckCode: 0xEF, BugCheckParameter: [4]uint64{1, 2, 3, 4}}

	out := &fakeSource{data: make([]byte, len(hdr.Raw)+0x2000)}
	result, err := writer.WriteDump(out, hdr, pr, devInfo, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.DdrFileOffset != uint64(len(hdr.Raw)) {
		t.Fatalf("Except DdrFileOffset %d, But: %d", len(hdr.Raw), result.DdrFileOffset)
	}
	if !bytes.Equal(out.data[result.DdrFileOffset:result.DdrFileOffset+uint64(len(ddr))], ddr) {
		t.Fatal("expected ddr payload copied verbatim into output")
	}
	if hdr.BugCheckCode != 0xEF {
		t.Fatalf("Except BugCheckCode patched to 0xEF, But: 0x%X", hdr.BugCheckCode)
	}
	if hdr.SecondaryDataState != writer.SecondaryDataStateSuccess {
		t.Fatalf("Except SecondaryDataStateSuccess, But: %d", hdr.SecondaryDataState)
	}
	if out.flushed == 0 {
		t.Fatal("expected at least one flush after a run copy")
	}
}

func TestWriteDumpWithoutSVOrCPUSetsStateNone(t *testing.T) {
	t.Log("Test WriteDump sets SecondaryDataStateNone when there is no CPU context or SV data")

	ddr := make([]byte, 0x1000)
	src := &fakeSource{data: ddr}
	pr := wholeSpaceReader(src, uint64(len(ddr)))

	hdr := dumphdr.NewBestEffort(dumphdr.Bits32)
	hdr.Runs = []dumphdr.Run{{BasePage: 0, PageCount: 1}}
	devInfo := &deviceinfo.Info{}

	out := &fakeSource{data: make([]byte, len(hdr.Raw)+0x1000)}
	_, err := writer.WriteDump(out, hdr, pr, devInfo, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.SecondaryDataState != writer.SecondaryDataStateNone {
		t.Fatalf("Except SecondaryDataStateNone, But: %d", hdr.SecondaryDataState)
	}
}

func TestWriteSecondaryAppendsBlobStream(t *testing.T) {
	t.Log("Test WriteSecondary writes the file header plus RawDumpTable and MemoryMap blobs")

	parsed := &container.Parsed{
		Header:   container.RawDumpHeader{Signature: [8]byte{'R', 'A', 'W', '_', 'D', 'M', 'P', '!'}},
		Sections: nil,
	}
	src := &fakeSource{data: make([]byte, 0x1000)}

	in := writer.SecondaryInput{
		Src:         src,
		Parsed:      parsed,
		CompleteMap: []completemap.Region{{Base: 0, End: 0xFFF, Size: 0x1000, Kind: 0}},
	}

	out := &fakeSource{data: make([]byte, 0x2000)}
	end, err := writer.WriteSecondary(out, 0, in)
	if err != nil {
		t.Fatal(err)
	}
	if end <= 0 {
		t.Fatalf("Except positive cursor, But: %d", end)
	}
	if string(out.data[0:4]) != "SDBF" || string(out.data[4:8]) != "MRWD" {
		t.Fatalf("Except SDBF/MRWD file header tags, But: %q/%q", out.data[0:4], out.data[4:8])
	}

	// The first blob written is RawDumpTable; its tag follows the 16-byte
	// file header and the blob header's 4-byte HeaderSize field.
	tagOffset := 16 + 4
	wantTag := guids.RawDumpTable.Bytes()
	if !bytes.Equal(out.data[tagOffset:tagOffset+16], wantTag[:]) {
		t.Fatal("expected first blob tag to be RawDumpTable")
	}
}

func TestSummarizeTotalsByKind(t *testing.T) {
	t.Log("Test Summarize totals OS/NonOS/NA bytes from the complete map")

	parsed := &container.Parsed{Sections: make([]container.SectionHeader, 2)}
	completeMap := []completemap.Region{
		{Kind: memmap.KindOS, Size: 0x1000},
		{Kind: memmap.KindNonOS, Size: 0x2000},
		{Kind: memmap.KindNA, Size: 0x3000},
	}

	s := writer.Summarize(parsed, completeMap, 4, 0x500)
	if s.Sections != 2 {
		t.Fatalf("Except Sections 2, But: %d", s.Sections)
	}
	if s.OSBytes != 0x1000 || s.NonOSBytes != 0x2000 || s.NABytes != 0x3000 {
		t.Fatalf("Except OS/NonOS/NA 0x1000/0x2000/0x3000, But: 0x%X/0x%X/0x%X", s.OSBytes, s.NonOSBytes, s.NABytes)
	}
	if s.CPUContexts != 4 || s.SecondaryBytes != 0x500 {
		t.Fatalf("Except CPUContexts 4 SecondaryBytes 0x500, But: %d/0x%X", s.CPUContexts, s.SecondaryBytes)
	}

	var buf bytes.Buffer
	s.Log(core.NewLogger(&buf))
	if buf.Len() == 0 {
		t.Fatal("expected Log to write a structured summary line")
	}
}
