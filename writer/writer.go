// Package writer implements DumpWriter (spec §4.J, component J) and
// SecondaryDataWriter (spec §4.K, component K): the two stages that mutate
// the output ByteSource, writing the patched dump header, the DDR payload,
// and the trailing GUID-tagged blob stream.
package writer

import (
	"github.com/dustin/go-humanize"

	"rawdump2dmp/core"
	"rawdump2dmp/deviceinfo"
	"rawdump2dmp/dumphdr"
	"rawdump2dmp/memmap"
	"rawdump2dmp/pagewalk"
)

// SecondaryDataState values patched into the dump header.
const (
	SecondaryDataStateNone    uint32 = 0
	SecondaryDataStateSuccess uint32 = 1
)

const copyChunkSize = 2 * 1024 * 1024

// flusher is implemented by ByteSources that can flush pending writes; the
// flush discipline spec §4.J requires is "at-least after-section", which we
// satisfy by flushing after every DDR run copy.
type flusher interface {
	Flush() error
}

// Result carries what SecondaryDataWriter needs to pick up where
// DumpWriter left off, plus the output memory-run map later components
// resolve write_by_pa against.
type Result struct {
	DdrFileOffset  uint64
	HeaderSize     uint64
	ActualDumpSize uint64
	Cursor         int64
	OutputRuns     []memmap.OutputRun
}

// WriteDump patches hdr in place (required_dump_space, bug check fields,
// secondary_data_state, zeroed comment), writes it to out, then copies each
// PhysicalMemoryBlock run from pr into out in copyChunkSize pieces,
// flushing after each run, per spec §4.J.
func WriteDump(out core.ByteSource, hdr *dumphdr.Header, pr *memmap.PhysicalReader, devInfo *deviceinfo.Info, hasCPUOrSV bool, log *core.Logger) (*Result, error) {
	var totalRunBytes uint64
	for _, r := range hdr.Runs {
		totalRunBytes += r.PageCount * pagewalk.PageSize
	}

	headerSize := uint64(len(hdr.Raw))
	hdr.BugCheckCode = devInfo.BugCheckCode
	hdr.BugCheckParameter = devInfo.BugCheckParameter
	hdr.RequiredDumpSpace = headerSize + totalRunBytes
	if hasCPUOrSV {
		hdr.SecondaryDataState = SecondaryDataStateSuccess
	} else {
		hdr.SecondaryDataState = SecondaryDataStateNone
	}
	hdr.ZeroComment()

	raw, err := hdr.Encode()
	if err != nil {
		return nil, err
	}
	if _, err := out.WriteAt(raw, 0); err != nil {
		return nil, core.Wrap(core.ErrIO, "write dump header")
	}

	cursor := int64(len(raw))
	ddrFileOffset := uint64(cursor)
	outputRuns := make([]memmap.OutputRun, 0, len(hdr.Runs))
	var totalPagesWritten uint64
	var totalPagesExpected uint64

	for _, run := range hdr.Runs {
		totalPagesExpected += run.PageCount
		runBase := run.BasePage * pagewalk.PageSize
		runBytes := run.PageCount * pagewalk.PageSize
		outputRuns = append(outputRuns, memmap.OutputRun{
			Base:       runBase,
			End:        runBase + runBytes - 1,
			FileOffset: uint64(cursor) - ddrFileOffset,
		})

		var written uint64
		for written < runBytes {
			chunk := copyChunkSize
			if uint64(chunk) > runBytes-written {
				chunk = int(runBytes - written)
			}
			buf := make([]byte, chunk)
			if err := pr.Read(runBase+written, buf); err != nil {
				return nil, err
			}
			n, err := out.WriteAt(buf, cursor)
			if err != nil {
				return nil, core.Wrap(core.ErrIO, "write ddr payload @ output offset 0x%X", cursor)
			}
			if n != chunk {
				return nil, core.Wrap(core.ErrPartialWrite, "wrote %d of %d bytes @ output offset 0x%X", n, chunk, cursor)
			}
			cursor += int64(chunk)
			written += uint64(chunk)
		}
		if f, ok := out.(flusher); ok {
			if err := f.Flush(); err != nil {
				return nil, core.Wrap(core.ErrIO, "flush after run base=0x%X", runBase)
			}
		}
		totalPagesWritten += written / pagewalk.PageSize
	}

	if totalPagesWritten != totalPagesExpected {
		return nil, core.Wrap(core.ErrPagesWrittenMismatch, "wrote %d pages, expected %d", totalPagesWritten, totalPagesExpected)
	}

	if log != nil {
		log.Info("wrote dump payload", core.F("ddr_bytes", humanize.Bytes(totalRunBytes)), core.F("runs", len(hdr.Runs)))
	}

	return &Result{
		DdrFileOffset:  ddrFileOffset,
		HeaderSize:     headerSize,
		ActualDumpSize: hdr.RequiredDumpSpace,
		Cursor:         cursor,
		OutputRuns:     outputRuns,
	}, nil
}
