package dumphdr

import (
	"sort"

	"rawdump2dmp/core"
	"rawdump2dmp/memmap"
	"rawdump2dmp/pagewalk"
)

// ValidateMemoryBlock walks every run in the dump header's
// PhysicalMemoryBlock and confirms it is fully contained in contiguous DDR,
// per spec §4.H. regions must be sorted by Base ascending (memmap.Build's
// output).
func ValidateMemoryBlock(regions []memmap.DdrRegion, runs []Run) error {
	for i, run := range runs {
		startPD := run.BasePage * pagewalk.PageSize
		endPD := startPD + run.PageCount*pagewalk.PageSize - 1

		region, ok := memmap.Find(regions, startPD)
		if !ok {
			return core.Wrap(core.ErrIncompleteRead, "run %d start 0x%X is outside every DDR region", i, startPD)
		}

		for {
			if endPD <= region.End {
				break // run fully contained in this region
			}
			// run extends past this region: the next region must pick up
			// exactly where this one left off.
			next, ok := nextRegion(regions, region)
			if !ok || next.Base != region.End+1 {
				return core.Wrap(core.ErrSpanDiscontiguous, "run %d [0x%X-0x%X] is discontiguous past 0x%X", i, startPD, endPD, region.End)
			}
			region = next
		}
	}
	return nil
}

func nextRegion(regions []memmap.DdrRegion, cur memmap.DdrRegion) (memmap.DdrRegion, bool) {
	i := sort.Search(len(regions), func(i int) bool { return regions[i].Base > cur.Base })
	if i < len(regions) {
		return regions[i], true
	}
	return memmap.DdrRegion{}, false
}
