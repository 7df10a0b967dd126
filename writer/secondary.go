package writer

import (
	"bytes"
	"encoding/binary"

	"github.com/dustin/go-humanize"

	"rawdump2dmp/completemap"
	"rawdump2dmp/container"
	"rawdump2dmp/core"
	"rawdump2dmp/guids"
	"rawdump2dmp/memmap"
)

// DumpBlobFileHeader marks the start of the secondary blob stream.
type DumpBlobFileHeader struct {
	Signature1  [4]byte // "SDBF"
	Signature2  [4]byte // "MRWD"
	HeaderSize  uint32
	BuildNumber uint32
}

const dumpBlobFileHeaderSize = 4 + 4 + 4 + 4

// BuildNumber is stamped into every DumpBlobFileHeader this tool writes.
const BuildNumber uint32 = 1205

// DumpBlobHeader precedes every individual blob's payload.
type DumpBlobHeader struct {
	HeaderSize uint32
	Tag        [16]byte
	DataSize   uint32
	PrePad     uint32
	PostPad    uint32
}

const dumpBlobHeaderSize = 4 + 16 + 4 + 4 + 4

// SecondaryInput bundles everything WriteSecondary needs beyond the output
// cursor: the original container, the input ByteSource (for SV section and
// NonOS-memory bytes, which live at container offsets rather than physical
// addresses), an optional legacy CPU-context blob, and the completed
// memory map.
type SecondaryInput struct {
	Src         core.ByteSource
	Parsed      *container.Parsed
	CPUContext  []byte // legacy AP_REG blob; nil when none was parsed (no CpuContext blob is written)
	CompleteMap []completemap.Region
	Log         *core.Logger
}

// WriteSecondary appends the blob stream after the DDR payload, per spec
// §4.K, returning the final cursor position.
func WriteSecondary(out core.ByteSource, cursor int64, in SecondaryInput) (int64, error) {
	fileHdr := DumpBlobFileHeader{
		Signature1:  [4]byte{'S', 'D', 'B', 'F'},
		Signature2:  [4]byte{'M', 'R', 'W', 'D'},
		HeaderSize:  dumpBlobFileHeaderSize,
		BuildNumber: BuildNumber,
	}
	var fhBuf bytes.Buffer
	if err := binary.Write(&fhBuf, binary.LittleEndian, &fileHdr); err != nil {
		return 0, core.Wrap(core.ErrIO, "encode blob file header")
	}
	n, err := out.WriteAt(fhBuf.Bytes(), cursor)
	if err != nil || n != fhBuf.Len() {
		return 0, core.Wrap(core.ErrIO, "write blob file header @ offset 0x%X", cursor)
	}
	cursor += int64(fhBuf.Len())

	// 1. RawDumpTable: original header + section table.
	var rawTable bytes.Buffer
	if err := binary.Write(&rawTable, binary.LittleEndian, &in.Parsed.Header); err != nil {
		return 0, core.Wrap(core.ErrIO, "encode raw dump header for blob")
	}
	for i := range in.Parsed.Sections {
		if err := binary.Write(&rawTable, binary.LittleEndian, &in.Parsed.Sections[i]); err != nil {
			return 0, core.Wrap(core.ErrIO, "encode section header %d for blob", i)
		}
	}
	cursor, err = writeBlob(out, cursor, guids.RawDumpTable, rawTable.Bytes())
	if err != nil {
		return 0, err
	}

	// 2. CpuContext, if present.
	if in.CPUContext != nil {
		cursor, err = writeBlob(out, cursor, guids.CPUContext, in.CPUContext)
		if err != nil {
			return 0, err
		}
	}

	// 3. One blob per SV_SPECIFIC section.
	for _, s := range in.Parsed.Sections {
		if s.Type != container.SectionSVSpecific {
			continue
		}
		name, tag := guids.NameForSVSection(s.GUID())
		payload := make([]byte, guids.NameLength+int(s.Size))
		copy(payload, padName(name))
		if _, err := in.Src.ReadAt(payload[guids.NameLength:], int64(s.Offset)); err != nil {
			return 0, core.Wrap(core.ErrIO, "read sv section %q payload", name)
		}
		cursor, err = writeBlob(out, cursor, tag, payload)
		if err != nil {
			return 0, err
		}
	}

	// 4. MemoryMap.
	var mm bytes.Buffer
	for _, r := range in.CompleteMap {
		rec := struct {
			Base, End, Size, Offset uint64
			Kind                    uint32
			DDRIndex                uint32
		}{r.Base, r.End, r.Size, r.Offset, uint32(r.Kind), uint32(r.DDRIndex)}
		if err := binary.Write(&mm, binary.LittleEndian, &rec); err != nil {
			return 0, core.Wrap(core.ErrIO, "encode memory map entry")
		}
	}
	cursor, err = writeBlob(out, cursor, guids.MemoryMap, mm.Bytes())
	if err != nil {
		return 0, err
	}

	// 5. NonOSMemory: concatenation of every NonOS region's bytes.
	var nonOS bytes.Buffer
	for _, r := range in.CompleteMap {
		if r.Kind != memmap.KindNonOS {
			continue
		}
		buf := make([]byte, r.Size)
		if _, err := in.Src.ReadAt(buf, int64(r.Offset)); err != nil {
			return 0, core.Wrap(core.ErrIO, "read nonos region @ offset 0x%X", r.Offset)
		}
		nonOS.Write(buf)
	}
	cursor, err = writeBlob(out, cursor, guids.NonOSDDR, nonOS.Bytes())
	if err != nil {
		return 0, err
	}

	if in.Log != nil {
		in.Log.Info("wrote secondary data blob stream", core.F("total_size", humanize.Bytes(uint64(cursor))))
	}

	return cursor, nil
}

// Summary is a short end-of-run accounting of what got converted, matching
// the original tool's closing console report.
type Summary struct {
	Sections       int
	OSBytes        uint64
	NonOSBytes     uint64
	NABytes        uint64
	CPUContexts    int
	SecondaryBytes uint64
}

// Summarize computes a Summary from the same inputs WriteSecondary consumed.
func Summarize(parsed *container.Parsed, completeMap []completemap.Region, resolvedCPUContexts int, secondaryBytes uint64) Summary {
	s := Summary{Sections: len(parsed.Sections), CPUContexts: resolvedCPUContexts, SecondaryBytes: secondaryBytes}
	for _, r := range completeMap {
		switch r.Kind {
		case memmap.KindOS:
			s.OSBytes += r.Size
		case memmap.KindNonOS:
			s.NonOSBytes += r.Size
		case memmap.KindNA:
			s.NABytes += r.Size
		}
	}
	return s
}

// Log writes s as a single structured line via log, or does nothing if log
// is nil.
func (s Summary) Log(log *core.Logger) {
	if log == nil {
		return
	}
	log.Info("conversion summary",
		core.F("sections", s.Sections),
		core.F("os_bytes", humanize.Bytes(s.OSBytes)),
		core.F("nonos_bytes", humanize.Bytes(s.NonOSBytes)),
		core.F("na_bytes", humanize.Bytes(s.NABytes)),
		core.F("cpu_contexts", s.CPUContexts),
		core.F("secondary_bytes", humanize.Bytes(s.SecondaryBytes)))
}

func padName(name string) []byte {
	b := make([]byte, guids.NameLength)
	copy(b, name)
	return b
}

func writeBlob(out core.ByteSource, cursor int64, tag guids.GUID, payload []byte) (int64, error) {
	hdr := DumpBlobHeader{
		HeaderSize: dumpBlobHeaderSize,
		Tag:        tag.Bytes(),
		DataSize:   uint32(len(payload)),
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return 0, core.Wrap(core.ErrIO, "encode blob header for tag %s", tag)
	}
	n, err := out.WriteAt(buf.Bytes(), cursor)
	if err != nil || n != buf.Len() {
		return 0, core.Wrap(core.ErrIO, "write blob header @ offset 0x%X", cursor)
	}
	cursor += int64(buf.Len())

	if len(payload) > 0 {
		n, err = out.WriteAt(payload, cursor)
		if err != nil {
			return 0, core.Wrap(core.ErrIO, "write blob payload @ offset 0x%X", cursor)
		}
		if n != len(payload) {
			return 0, core.Wrap(core.ErrBlobSizeMismatch, "wrote %d of %d bytes for tag %s", n, len(payload), tag)
		}
	}
	cursor += int64(len(payload))

	if f, ok := out.(flusher); ok {
		if err := f.Flush(); err != nil {
			return 0, core.Wrap(core.ErrIO, "flush after blob tag %s", tag)
		}
	}
	return cursor, nil
}
