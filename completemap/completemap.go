// Package completemap interleaves the DDR physical memory map with the
// dump header's PhysicalMemoryBlock runs to produce the OS/NonOS/NA
// partition written out as the MemoryMap blob (spec §4.I, component I).
package completemap

import (
	"sort"

	"rawdump2dmp/core"
	"rawdump2dmp/dumphdr"
	"rawdump2dmp/memmap"
	"rawdump2dmp/pagewalk"
)

// Thresholds from the source tool; see spec §9's open question on their
// exact values.
const (
	NonOSMemoryLimit uint64 = 0x2000_0000
	NonOSSizeLimit   uint64 = 0x1000_0000
)

// Region is one entry of the interleaved, ordered memory map.
type Region struct {
	Base     uint64
	End      uint64 // Base + Size - 1
	Size     uint64
	Offset   uint64 // byte offset of this span within the input container
	Kind     memmap.Kind
	DDRIndex int
}

type interval struct{ start, end uint64 } // inclusive byte range

// Build partitions every DDR region's span into OS runs (where a dump-header
// run overlaps it) and NonOS/NA gaps (per the threshold rules in §4.I),
// returning the concatenation in ascending Base order plus a fatal error if
// the resulting NonOS total plus the OS descriptor total exceeds total DDR
// bytes.
func Build(regions []memmap.DdrRegion, runs []dumphdr.Run) ([]Region, error) {
	osIntervals := make([]interval, 0, len(runs))
	var sizeFromDescriptors uint64
	for _, r := range runs {
		start := r.BasePage * pagewalk.PageSize
		size := r.PageCount * pagewalk.PageSize
		if size == 0 {
			continue
		}
		osIntervals = append(osIntervals, interval{start: start, end: start + size - 1})
		sizeFromDescriptors += size
	}
	sort.Slice(osIntervals, func(i, j int) bool { return osIntervals[i].start < osIntervals[j].start })

	var out []Region
	var totalDDRBytes, totalNonOSBytes uint64

	for _, region := range regions {
		totalDDRBytes += region.Size
		cursor := region.Base

		for _, iv := range osIntervals {
			ovStart, ovEnd := iv.start, iv.end
			if ovEnd < cursor || ovStart > region.End {
				continue
			}
			if ovStart < cursor {
				ovStart = cursor
			}
			if ovEnd > region.End {
				ovEnd = region.End
			}
			if ovStart > cursor {
				gap := makeGap(cursor, ovStart-1, region)
				totalNonOSBytes += gapNonOSBytes(gap)
				out = append(out, gap)
			}
			out = append(out, Region{
				Base:     ovStart,
				End:      ovEnd,
				Size:     ovEnd - ovStart + 1,
				Offset:   region.Offset + (ovStart - region.Base),
				Kind:     memmap.KindOS,
				DDRIndex: region.SectionIndex,
			})
			cursor = ovEnd + 1
		}

		if cursor <= region.End {
			gap := makeGap(cursor, region.End, region)
			totalNonOSBytes += gapNonOSBytes(gap)
			out = append(out, gap)
		}
	}

	if totalNonOSBytes+sizeFromDescriptors > totalDDRBytes {
		return nil, core.Wrap(core.ErrIncompleteRead,
			"nonos bytes 0x%X + descriptor bytes 0x%X exceeds total ddr bytes 0x%X",
			totalNonOSBytes, sizeFromDescriptors, totalDDRBytes)
	}

	return out, nil
}

func makeGap(start, end uint64, region memmap.DdrRegion) Region {
	size := end - start + 1
	kind := memmap.KindNA
	if start < NonOSMemoryLimit || size < NonOSSizeLimit {
		kind = memmap.KindNonOS
	}
	return Region{
		Base:     start,
		End:      end,
		Size:     size,
		Offset:   region.Offset + (start - region.Base),
		Kind:     kind,
		DDRIndex: region.SectionIndex,
	}
}

func gapNonOSBytes(r Region) uint64 {
	if r.Kind == memmap.KindNonOS {
		return r.Size
	}
	return 0
}
