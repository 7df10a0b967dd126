package deviceinfo_test

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"rawdump2dmp/core"
	"rawdump2dmp/deviceinfo"
)

type fakeSource struct{ data []byte }

func (f *fakeSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off)+len(p) > len(f.data) {
		return 0, core.ErrReadShort
	}
	return copy(p, f.data[off:]), nil
}
func (f *fakeSource) WriteAt(p []byte, off int64) (int, error) { return 0, core.ErrWriteShort }
func (f *fakeSource) Size() (int64, error)                     { return int64(len(f.data)), nil }

func TestParseTrailerRoundTrips(t *testing.T) {
	t.Log("Test ParseTrailer decodes a trailer written at Size()-TrailerSize")

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(deviceinfo.ArchARM64))
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // pad
	binary.Write(&buf, binary.LittleEndian, uint64(0xDEAD_BEEF_0000_0001))
	binary.Write(&buf, binary.LittleEndian, uint64(0)) // CPUContextAddress
	binary.Write(&buf, binary.LittleEndian, uint64(0x8000_1000))
	binary.Write(&buf, binary.LittleEndian, uint64(0x9000_0000))
	binary.Write(&buf, binary.LittleEndian, uint64(0x9000_1000))
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))
	binary.Write(&buf, binary.LittleEndian, uint32(0x000000EF))
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // pad
	binary.Write(&buf, binary.LittleEndian, [4]uint64{1, 2, 3, 4})
	trailer := buf.Bytes()
	padded := make([]byte, deviceinfo.TrailerSize)
	copy(padded, trailer)

	input := append(make([]byte, 4096), padded...)
	src := &fakeSource{data: input}

	info, err := deviceinfo.ParseTrailer(src)
	if err != nil {
		t.Fatal(err)
	}
	if info.Type != deviceinfo.ArchARM64 {
		t.Fatalf("Except ArchARM64, But: %v", info.Type)
	}
	if info.DumpHeaderInstanceID != 0xDEAD_BEEF_0000_0001 {
		t.Fatalf("Except instance id 0xDEAD_BEEF_0000_0001, But: 0x%X", info.DumpHeaderInstanceID)
	}
	if info.APRegPA != 0x8000_1000 {
		t.Fatalf("Except APRegPA 0x8000_1000, But: 0x%X", info.APRegPA)
	}
	if info.BugCheckCode != 0x000000EF {
		t.Fatalf("Except BugCheckCode 0xEF, But: 0x%X", info.BugCheckCode)
	}
	if info.BugCheckParameter != [4]uint64{1, 2, 3, 4} {
		t.Fatalf("Except BugCheckParameter [1,2,3,4], But: %v", info.BugCheckParameter)
	}
}

func TestParseTrailerRejectsUndersizedInput(t *testing.T) {
	t.Log("Test ParseTrailer rejects an input smaller than TrailerSize")

	src := &fakeSource{data: make([]byte, 16)}
	if _, err := deviceinfo.ParseTrailer(src); err == nil {
		t.Fatal("expected undersized-input error")
	}
}

func TestParseXMLDecodesSidecar(t *testing.T) {
	t.Log("Test ParseXML decodes the external sidecar format")

	doc := `<DeviceInfo>
		<Type>3</Type>
		<DumpHeaderInstanceId>42</DumpHeaderInstanceId>
		<ApRegPhysicalAddress>4096</ApRegPhysicalAddress>
		<BufferVirtualAddress>4294967296</BufferVirtualAddress>
		<BufferPhysicalAddress>8192</BufferPhysicalAddress>
		<BufferSize>1048576</BufferSize>
		<BugCheckCode>239</BugCheckCode>
		<BugCheckParameter1>1</BugCheckParameter1>
		<BugCheckParameter2>2</BugCheckParameter2>
		<BugCheckParameter3>3</BugCheckParameter3>
		<BugCheckParameter4>4</BugCheckParameter4>
	</DeviceInfo>`

	info, err := deviceinfo.ParseXML(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	if info.Type != deviceinfo.ArchARM64 {
		t.Fatalf("Except ArchARM64, But: %v", info.Type)
	}
	if info.DumpHeaderInstanceID != 42 {
		t.Fatalf("Except instance id 42, But: %d", info.DumpHeaderInstanceID)
	}
	if info.APRegPA != 4096 {
		t.Fatalf("Except APRegPA 4096, But: %d", info.APRegPA)
	}
	if info.BugCheckParameter != [4]uint64{1, 2, 3, 4} {
		t.Fatalf("Except BugCheckParameter [1,2,3,4], But: %v", info.BugCheckParameter)
	}
}
