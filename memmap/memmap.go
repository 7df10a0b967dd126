// Package memmap builds the deduplicated, sorted physical-memory map from
// a container's DDR sections (spec §4.C, component C) and implements the
// cross-section physical-address reader built on top of it (spec §4.D,
// component D).
package memmap

import (
	"sort"

	"rawdump2dmp/container"
	"rawdump2dmp/core"
)

// Kind tags a region of physical memory once CompleteMap (package
// completemap) has classified it against the dump header's memory runs.
// DdrRegion carries it so the field exists per spec §3's data model, but it
// is only ever set by completemap; MemoryMap.Build leaves every region NA.
type Kind int

const (
	KindNA Kind = iota
	KindOS
	KindNonOS
)

// DdrRegion is one entry of the sorted, gap-tolerant physical memory map.
type DdrRegion struct {
	Base        uint64
	End         uint64 // Base + Size - 1
	Size        uint64
	Offset      uint64 // byte offset of this section's payload in the container
	Contiguous  bool   // true iff Base == previous region's End + 1
	Kind        Kind
	SectionIndex int // index into the SectionHeader slice this region came from
}

// Build copies each DDR section's Base/Size/Offset into a DdrRegion, sorts
// by Base ascending, and marks contiguity per spec §4.C. An overlapping
// map is rejected with core.ErrDdrOverlap; a zero-size or inverted region
// is rejected immediately.
func Build(sections []container.SectionHeader) ([]DdrRegion, error) {
	var regions []DdrRegion
	for i, s := range sections {
		if s.Type != container.SectionDDRRange {
			continue
		}
		if s.Size == 0 {
			return nil, core.Wrap(core.ErrDdrSizeZero, "section %d", i)
		}
		base := s.BasePhysicalAddress()
		end := base + s.Size - 1
		if end < base {
			return nil, core.Wrap(core.ErrDdrInverted, "section %d base=0x%X size=0x%X", i, base, s.Size)
		}
		regions = append(regions, DdrRegion{
			Base:         base,
			End:          end,
			Size:         s.Size,
			Offset:       s.Offset,
			SectionIndex: i,
		})
	}

	sort.SliceStable(regions, func(i, j int) bool {
		return regions[i].Base < regions[j].Base
	})

	for i := range regions {
		if i == 0 {
			regions[i].Contiguous = true
			continue
		}
		prev := regions[i-1]
		cur := regions[i]
		switch {
		case prev.End >= cur.Base:
			return nil, core.Wrap(core.ErrDdrOverlap, "region %d [0x%X-0x%X] overlaps region %d [0x%X-0x%X]",
				i-1, prev.Base, prev.End, i, cur.Base, cur.End)
		case prev.End+1 == cur.Base:
			regions[i].Contiguous = true
		default:
			regions[i].Contiguous = false
		}
	}

	return regions, nil
}

// Find returns the region containing physical address pa, or false.
func Find(regions []DdrRegion, pa uint64) (DdrRegion, bool) {
	i := sort.Search(len(regions), func(i int) bool { return regions[i].End >= pa })
	if i < len(regions) && regions[i].Base <= pa && pa <= regions[i].End {
		return regions[i], true
	}
	return DdrRegion{}, false
}
