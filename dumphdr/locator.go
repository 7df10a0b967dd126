package dumphdr

import (
	"bytes"

	"rawdump2dmp/core"
	"rawdump2dmp/memmap"
	"rawdump2dmp/pagewalk"
)

// Status is the DumpHeaderLocator's terminal classification, per spec §4.G.
type Status int

const (
	StatusUnknown Status = iota
	StatusNotFound
	StatusInvalid
	StatusNoSvInfo
	StatusValid
)

// chunkSize is the scan window; probes are 4 KiB-aligned within it.
const chunkSize = 8 * 1024 * 1024

// readAheadPad lets a magic match straddling a chunk boundary still be
// found, per the design notes' "overlapping reads during scanning" note.
const readAheadPad = 32

// Located bundles the result of a DumpHeaderLocator scan.
type Located struct {
	Header   *Header
	HeaderPA uint64
	Status   Status
}

// Locate scans every DDR region for the embedded dump header magic,
// validates each candidate, and returns the first one that passes every
// check in spec §4.G. expectedInstanceID is compared against the 64-bit
// value packed into the candidate's comment field.
func Locate(src core.ByteSource, regions []memmap.DdrRegion, pr *memmap.PhysicalReader, expectedInstanceID uint64) (*Located, error) {
	sawInvalidCandidate := false

	for _, region := range regions {
		remaining := region.Size
		chunkStart := region.Offset

		for remaining > 0 {
			readLen := chunkSize
			if uint64(readLen) > remaining {
				readLen = int(remaining)
			}
			bufLen := readLen + readAheadPad
			maxAvail := region.Offset + region.Size - chunkStart
			if uint64(bufLen) > maxAvail {
				bufLen = int(maxAvail)
			}

			buf := make([]byte, bufLen)
			if _, err := src.ReadAt(buf, int64(chunkStart)); err != nil {
				return nil, core.Wrap(core.ErrIO, "scan chunk @ offset 0x%X", chunkStart)
			}

			for probe := 0; probe+32 <= len(buf); probe += pagewalk.PageSize {
				if !bytes.Equal(buf[probe:probe+24], Magic[:]) {
					continue
				}
				tag := buf[probe+24 : probe+32]
				var bits Bits
				switch {
				case bytes.Equal(tag, []byte(tagPAGE+tagDUMP)):
					bits = Bits32
				case bytes.Equal(tag, []byte(tagPAGE+tagDU64)):
					bits = Bits64
				default:
					continue
				}

				dumpHeaderPA := region.Base + (chunkStart + uint64(probe) + 24 - region.Offset)

				hdr, ok, err := validateCandidate(pr, bits, dumpHeaderPA, expectedInstanceID)
				if err != nil {
					return nil, err
				}
				if !ok {
					sawInvalidCandidate = true
					continue
				}
				return &Located{Header: hdr, HeaderPA: dumpHeaderPA, Status: StatusValid}, nil
			}

			advance := uint64(readLen)
			if advance == 0 {
				break
			}
			chunkStart += advance
			remaining -= advance
		}
	}

	if sawInvalidCandidate {
		return &Located{Status: StatusInvalid}, nil
	}
	return &Located{Status: StatusNotFound}, nil
}

// validateCandidate implements the 6-step candidate validation of §4.G.
func validateCandidate(pr *memmap.PhysicalReader, bits Bits, dumpHeaderPA, expectedInstanceID uint64) (*Header, bool, error) {
	size := onDisk32Size
	if bits == Bits64 {
		size = onDisk64Size
	}
	raw := make([]byte, size)
	if err := pr.Read(dumpHeaderPA, raw); err != nil {
		return nil, false, nil
	}

	if !bytes.Equal(raw[0:4], []byte(tagPAGE)) {
		return nil, false, nil
	}

	var hdr *Header
	var err error
	if bits == Bits32 {
		if !bytes.Equal(raw[4:8], []byte(tagDUMP)) {
			return nil, false, nil
		}
		hdr, err = decode32(raw)
	} else {
		if !bytes.Equal(raw[4:8], []byte(tagDU64)) {
			return nil, false, nil
		}
		hdr, err = decode64(raw)
	}
	if err != nil {
		return nil, false, err
	}

	if hdr.BugCheckCode != FatalAbnormalResetError {
		return nil, false, nil
	}
	if hdr.DumpType != DumpTypeFull {
		return nil, false, nil
	}
	if byte(hdr.RequiredDumpSpace) != 'P' || byte(hdr.RequiredDumpSpace>>8) != 'A' ||
		byte(hdr.RequiredDumpSpace>>16) != 'G' || byte(hdr.RequiredDumpSpace>>24) != 'E' {
		return nil, false, nil
	}
	if hdr.InstanceID() != expectedInstanceID {
		return nil, false, nil
	}

	return hdr, true, nil
}
