// Command rawdump2dmp converts a vendor raw-dump container into a
// Windows-compatible kernel minidump, offline and without a live debugger
// session: locating the embedded DumpHeader, validating and reassembling
// the DDR memory map, reconstructing per-CPU CONTEXT records, and
// appending the vendor-specific secondary data blob stream.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"rawdump2dmp/bytesource"
	"rawdump2dmp/completemap"
	"rawdump2dmp/container"
	"rawdump2dmp/context"
	"rawdump2dmp/core"
	"rawdump2dmp/deviceinfo"
	"rawdump2dmp/dumphdr"
	"rawdump2dmp/guids"
	"rawdump2dmp/kdbg"
	"rawdump2dmp/memmap"
	"rawdump2dmp/pagewalk"
	"rawdump2dmp/writer"
)

const (
	mmRecordSize       = 8 + 8 + 8 + 8 + 4 + 4
	rawDumpHeaderSize  = 48
	sectionHeaderSize  = 4 + 4 + 4 + 8 + 8 + guids.NameLength + 16
	dumpBlobHeaderSize = 4 + 16 + 4 + 4 + 4
	dumpBlobFileHeader = 4 + 4 + 4 + 4
)

func main() {
	rawDumpPath := flag.String("rawDumpPath", "", "path to the input raw-dump container")
	rawInfoFile := flag.String("rawInfoFile", "", "optional external DeviceSpecificInfo XML sidecar")
	logFile := flag.String("logFile", "", "optional path to write structured logs (default stderr)")
	windowsDumpFile := flag.String("windowsDumpFile", "", "path to write the output Windows-compatible minidump")
	flag.Parse()

	if *rawDumpPath == "" || *windowsDumpFile == "" {
		fmt.Fprintln(os.Stderr, "usage: rawdump2dmp -rawDumpPath FILE -windowsDumpFile FILE [-rawInfoFile FILE] [-logFile FILE]")
		os.Exit(2)
	}

	var logOut *os.File
	if *logFile != "" {
		f, err := os.Create(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
			os.Exit(1)
		}
		logOut = f
		defer f.Close()
	}
	log := core.NewLogger(logOut)

	if err := run(*rawDumpPath, *rawInfoFile, *windowsDumpFile, log); err != nil {
		log.Error("fatal", core.F("err", err))
		os.Exit(1)
	}
}

func run(rawDumpPath, rawInfoFile, windowsDumpFile string, log *core.Logger) error {
	src, err := bytesource.Open(rawDumpPath)
	if err != nil {
		return err
	}
	defer src.Close()

	parsed, err := container.Parse(src)
	if err != nil {
		return err
	}
	log.Info("parsed container", core.F("sections", len(parsed.Sections)), core.F("ddr_sections", parsed.Stats.DDRSectionCount))

	regions, err := memmap.Build(parsed.Sections)
	if err != nil {
		return err
	}
	pr := memmap.NewPhysicalReader(src, regions)
	log.Info("built physical memory map", core.F("regions", len(regions)))

	devInfo, err := loadDeviceInfo(src, rawInfoFile)
	if err != nil {
		return err
	}
	log.Info("loaded device info", core.F("instance_id", fmt.Sprintf("0x%X", devInfo.DumpHeaderInstanceID)), core.F("type", devInfo.Type))

	located, err := dumphdr.Locate(src, regions, pr, devInfo.DumpHeaderInstanceID)
	if err != nil {
		return err
	}
	log.Info("dump header scan result", core.F("status", located.Status))

	hasSV := parsed.Stats.SVSectionCount > 0
	if located.Status != dumphdr.StatusValid || !hasSV {
		status := located.Status
		if located.Status == dumphdr.StatusValid && !hasSV {
			status = dumphdr.StatusNoSvInfo
		}
		log.Info("taking best-effort header path", core.F("status", status))
		return writeBestEffort(windowsDumpFile, devInfo, status, log)
	}

	hdr := located.Header
	if err := dumphdr.ValidateMemoryBlock(regions, hdr.Runs); err != nil {
		return err
	}
	log.Info("validated physical memory block", core.F("runs", len(hdr.Runs)))

	completeMap, err := completemap.Build(regions, hdr.Runs)
	if err != nil {
		return err
	}
	log.Info("built complete memory map", core.F("regions", len(completeMap)))

	out, err := createOutput(windowsDumpFile, hdr, parsed, completeMap)
	if err != nil {
		return err
	}
	defer out.Close()

	hasCPUOrSV := parsed.Stats.CPUContextCount > 0 || parsed.Stats.SVSectionCount > 0
	result, err := writer.WriteDump(out, hdr, pr, devInfo, hasCPUOrSV, log)
	if err != nil {
		return err
	}

	pw := memmap.NewPhysicalWriter(out, result.OutputRuns, result.DdrFileOffset)
	mode := pagingModeFor(hdr)
	vr := pagewalk.NewVirtualReader(pr, mode, hdr.DirectoryTableBase, nil)

	var cpuContextBlob []byte
	var resolved []*context.Resolved

	kdBlock, err := kdbg.Locate(vr, pr, hdr.KdDebuggerDataBlock, located.HeaderPA)
	if err != nil {
		log.Error("kd debugger data block unavailable, skipping context reconstruction", core.F("err", err))
	} else {
		if err := kdbg.PatchBugcheckArray(vr, pw, kdBlock, devInfo.BugCheckCode, devInfo.BugCheckParameter); err != nil {
			log.Error("patch bugcheck array failed", core.F("err", err))
		}
		if err := kdbg.WriteBack(pw, kdBlock); err != nil {
			return err
		}

		arch := contextArchFor(parsed.Stats.CPUArchitecture)
		resolved, err = context.ResolveViaPRCB(vr, hdr.WordSize, kdBlock.KiProcessorBlock, uint64(kdBlock.OffsetPrcbContext), hdr.NumberProcessors, arch)
		if err != nil {
			log.Error("resolve per-cpu context failed", core.F("err", err))
		}

		if devInfo.APRegPA != 0 && (arch == context.ArchARM || arch == context.ArchARM64) {
			cpuContextBlob = overlayAPReg(pr, devInfo.APRegPA, resolved, log)
		}

		for _, r := range resolved {
			if err := context.WriteBack(pw, r); err != nil {
				log.Error("write back cpu context failed", core.F("cpu", r.CPU), core.F("err", err))
			}
		}
		log.Info("resolved per-cpu contexts", core.F("count", len(resolved)))
	}

	secIn := writer.SecondaryInput{
		Src:         src,
		Parsed:      parsed,
		CPUContext:  cpuContextBlob,
		CompleteMap: completeMap,
		Log:         log,
	}
	secondaryEnd, err := writer.WriteSecondary(out, result.Cursor, secIn)
	if err != nil {
		return err
	}

	summary := writer.Summarize(parsed, completeMap, len(resolved), uint64(secondaryEnd-result.Cursor))
	summary.Log(log)

	return nil
}

func loadDeviceInfo(src core.ByteSource, rawInfoFile string) (*deviceinfo.Info, error) {
	if info, err := deviceinfo.ParseTrailer(src); err == nil {
		return info, nil
	}
	if rawInfoFile == "" {
		return nil, core.Wrap(core.ErrNotFound, "no device-info trailer and no rawInfoFile given")
	}
	f, err := os.Open(rawInfoFile)
	if err != nil {
		return nil, core.Wrap(core.ErrNotFound, "open rawInfoFile %s", rawInfoFile)
	}
	defer f.Close()
	return deviceinfo.ParseXML(f)
}

// pagingModeFor picks the PagingMode a located header implies. The
// normalized Header does not carry the on-disk PaeEnabled flag, so 32-bit
// headers always walk as non-PAE; a deployment needing PAE support would
// thread that bit through decode32 the same way Bits is threaded today.
func pagingModeFor(hdr *dumphdr.Header) pagewalk.Mode {
	if hdr.Bits == dumphdr.Bits64 {
		return pagewalk.Mode64
	}
	return pagewalk.Mode32
}

func contextArchFor(a container.CPUArchitecture) context.Architecture {
	switch a {
	case container.ArchARM:
		return context.ArchARM
	case container.ArchARM64:
		return context.ArchARM64
	case container.ArchAMD64:
		return context.ArchX64
	default:
		return context.ArchX86
	}
}

// overlayAPReg tries the legacy fixed-layout AP_REG blob first, falling
// back to the modern ApRegDumpTable tree; either format is optional and a
// failure here only means the OS-saved CONTEXT records are written
// unmodified, never a fatal error for the run.
func overlayAPReg(pr *memmap.PhysicalReader, apRegPA uint64, resolved []*context.Resolved, log *core.Logger) []byte {
	buf := make([]byte, 4096)
	if err := pr.Read(apRegPA, buf); err != nil {
		log.Error("read ap_reg blob failed", core.F("err", err))
		return nil
	}

	if version, cpuStatus, secure, err := context.ParseLegacy(buf); err == nil {
		for i, r := range resolved {
			if i >= len(cpuStatus) {
				break
			}
			ctx, ok := context.OverlayLegacy(version, cpuStatus[i], secure)
			if !ok {
				continue
			}
			encoded, err := context.EncodeArm(ctx)
			if err != nil {
				continue
			}
			r.Data = encoded
		}
		return append([]byte(nil), buf...)
	}

	rootVersion := binary.LittleEndian.Uint32(buf[0:4])
	numEntries := binary.LittleEndian.Uint32(buf[4:8])
	treeReader := context.NewPhysicalTreeReader(pr)
	captures, err := context.ParseTree(treeReader, apRegPA+8, rootVersion, numEntries)
	if err != nil {
		log.Error("ap_reg tree parse failed", core.F("err", err))
		return nil
	}
	for i, r := range resolved {
		if i >= len(captures) {
			break
		}
		raw := make([]byte, captures[i].Length)
		if err := pr.Read(captures[i].Address, raw); err != nil {
			continue
		}
		switch rootVersion {
		case context.ApRegTreeVersionArm:
			if ctx, err := context.OverlayTreeArm32(raw); err == nil {
				if encoded, err := context.EncodeArm(ctx); err == nil {
					r.Data = encoded
				}
			}
		case context.ApRegTreeVersionArm64:
			if ctx, err := context.OverlayTreeArm64(raw); err == nil {
				if encoded, err := context.EncodeArm64(ctx); err == nil {
					r.Data = encoded
				}
			}
		}
	}
	return nil
}

// createOutput precomputes the output file's final size (header + DDR
// payload + secondary blob stream) so it can be mmap'd once up front,
// matching bytesource.Create's fixed-size contract.
func createOutput(path string, hdr *dumphdr.Header, parsed *container.Parsed, completeMap []completemap.Region) (*bytesource.File, error) {
	var ddrBytes uint64
	for _, r := range hdr.Runs {
		ddrBytes += r.PageCount * pagewalk.PageSize
	}

	secondary := uint64(dumpBlobFileHeader)
	secondary += dumpBlobHeaderSize + rawDumpHeaderSize + uint64(len(parsed.Sections))*sectionHeaderSize

	hasCPUContext := parsed.Stats.CPUContextCount > 0
	if hasCPUContext {
		secondary += dumpBlobHeaderSize + parsed.Stats.TotalCPUContextBytes
	}
	for _, s := range parsed.Sections {
		if s.Type == container.SectionSVSpecific {
			secondary += dumpBlobHeaderSize + uint64(guids.NameLength) + s.Size
		}
	}
	secondary += dumpBlobHeaderSize + uint64(len(completeMap))*mmRecordSize
	var nonOSBytes uint64
	for _, r := range completeMap {
		if r.Kind == memmap.KindNonOS {
			nonOSBytes += r.Size
		}
	}
	secondary += dumpBlobHeaderSize + nonOSBytes

	total := int64(len(hdr.Raw)) + int64(ddrBytes) + int64(secondary)
	return bytesource.Create(path, total)
}

// writeBestEffort implements spec §7's recovered-LookupError path: a
// header carrying only the patched bugcheck fields, no memory runs, no
// secondary data.
func writeBestEffort(path string, devInfo *deviceinfo.Info, status dumphdr.Status, log *core.Logger) error {
	bits := dumphdr.Bits32
	if devInfo.Type == deviceinfo.ArchARM64 || devInfo.Type == deviceinfo.ArchAMD64 {
		bits = dumphdr.Bits64
	}
	hdr := dumphdr.NewBestEffort(bits)

	param2 := uint64(1)
	if status == dumphdr.StatusNoSvInfo {
		param2 = 0
	}
	p1 := devInfo.BugCheckParameter[0] & 0xFF
	p2 := devInfo.BugCheckParameter[1] & 0xFF
	p3 := devInfo.BugCheckParameter[2] & 0xFF
	param3 := p1 | (p2 << 8) | (p3 << 16)

	hdr.BugCheckCode = devInfo.BugCheckCode
	hdr.BugCheckParameter = [4]uint64{0xFFFF, param2, param3, devInfo.BufferVA}
	hdr.RequiredDumpSpace = uint64(len(hdr.Raw))

	raw, err := hdr.Encode()
	if err != nil {
		return err
	}
	out, err := bytesource.Create(path, int64(len(raw)))
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := out.WriteAt(raw, 0); err != nil {
		return core.Wrap(core.ErrIO, "write best-effort header")
	}
	log.Info("wrote best-effort header", core.F("status", status), core.F("param2", param2), core.F("param3", fmt.Sprintf("0x%X", param3)))
	return nil
}
