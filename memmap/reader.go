package memmap

import (
	"sort"

	"rawdump2dmp/core"
)

// PhysicalReader reads bytes from physical addresses by resolving which
// DDR section(s) on disk back them, transparently spanning contiguous
// sections (spec §4.D).
type PhysicalReader struct {
	src     core.ByteSource
	regions []DdrRegion
}

// NewPhysicalReader builds a reader over the given input ByteSource and
// sorted DDR region list.
func NewPhysicalReader(src core.ByteSource, regions []DdrRegion) *PhysicalReader {
	return &PhysicalReader{src: src, regions: regions}
}

// Regions returns the region list this reader was built with.
func (r *PhysicalReader) Regions() []DdrRegion { return r.regions }

// Read fills buf with len(buf) bytes starting at physical address pa,
// per spec §4.D's algorithm: walk the sorted region list, read each
// contiguous overlapping span, and fail if a gap or discontiguity is hit
// before buf is full.
func (r *PhysicalReader) Read(pa uint64, buf []byte) error {
	start := pa
	remaining := len(buf)
	written := 0
	spanCount := 0

	for remaining > 0 {
		region, ok := Find(r.regions, start)
		if !ok {
			return core.Wrap(core.ErrIncompleteRead, "no DDR region backs PA 0x%X (read of %d bytes @ 0x%X)", start, len(buf), pa)
		}
		if spanCount > 0 && !region.Contiguous {
			return core.Wrap(core.ErrSpanDiscontiguous, "PA 0x%X is not contiguous with the previous span", start)
		}

		toRead := region.End - start + 1
		if toRead > uint64(remaining) {
			toRead = uint64(remaining)
		}
		off := region.Offset + (start - region.Base)

		n, err := r.src.ReadAt(buf[written:written+int(toRead)], int64(off))
		if err != nil {
			return core.Wrap(core.ErrIO, "read %d bytes @ input offset 0x%X", toRead, off)
		}
		if uint64(n) != toRead {
			return core.Wrap(core.ErrReadShort, "got %d of %d bytes @ input offset 0x%X", n, toRead, off)
		}

		start += toRead
		written += int(toRead)
		remaining -= int(toRead)
		spanCount++
	}

	return nil
}

// OutputRun is one entry of the output dump's PhysicalMemoryBlock, the
// unit write_by_pa resolves against (spec §4.D's write path).
type OutputRun struct {
	Base uint64 // base physical address
	End  uint64 // Base + (PageCount*PageSize) - 1
	// FileOffset is this run's byte offset within the output's DDR
	// payload region (i.e. relative to DDRFileOffset).
	FileOffset uint64
}

// PhysicalWriter resolves a physical address against the output dump's own
// memory runs and writes there, per spec §4.D's write_by_pa.
type PhysicalWriter struct {
	out           core.ByteSource
	runs          []OutputRun
	ddrFileOffset uint64
}

// NewPhysicalWriter builds a writer over the output ByteSource, its
// physical memory runs (sorted by Base, non-overlapping), and the byte
// offset at which the DDR payload begins in the output file.
func NewPhysicalWriter(out core.ByteSource, runs []OutputRun, ddrFileOffset uint64) *PhysicalWriter {
	return &PhysicalWriter{out: out, runs: runs, ddrFileOffset: ddrFileOffset}
}

// WriteByPA writes data at physical address pa, resolved against the
// output's own memory runs rather than the input DDR map.
func (w *PhysicalWriter) WriteByPA(pa uint64, data []byte) error {
	start := pa
	remaining := len(data)
	written := 0

	for remaining > 0 {
		i := sort.Search(len(w.runs), func(i int) bool { return w.runs[i].End >= start })
		if i >= len(w.runs) || w.runs[i].Base > start {
			return core.Wrap(core.ErrIncompleteRead, "no output run backs PA 0x%X", start)
		}
		run := w.runs[i]

		toWrite := run.End - start + 1
		if toWrite > uint64(remaining) {
			toWrite = uint64(remaining)
		}
		off := w.ddrFileOffset + run.FileOffset + (start - run.Base)

		n, err := w.out.WriteAt(data[written:written+int(toWrite)], int64(off))
		if err != nil {
			return core.Wrap(core.ErrIO, "write %d bytes @ output offset 0x%X", toWrite, off)
		}
		if uint64(n) != toWrite {
			return core.Wrap(core.ErrWriteShort, "wrote %d of %d bytes @ output offset 0x%X", n, toWrite, off)
		}

		start += toWrite
		written += int(toWrite)
		remaining -= int(toWrite)
	}

	return nil
}
