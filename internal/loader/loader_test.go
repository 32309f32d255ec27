package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/mellow-hype/sfuzz/internal/mmu"
)

func TestPermFromFlags(t *testing.T) {
	cases := []struct {
		name string
		in   elf.ProgFlag
		want mmu.Perm
	}{
		{"none", 0, 0},
		{"read only", elf.PF_R, mmu.PermRead},
		{"read+exec (typical .text)", elf.PF_R | elf.PF_X, mmu.PermRead | mmu.PermExec},
		{"read+write (typical .data)", elf.PF_R | elf.PF_W, mmu.PermRead | mmu.PermWrite},
		{"all three", elf.PF_R | elf.PF_W | elf.PF_X, mmu.PermRead | mmu.PermWrite | mmu.PermExec},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := permFromFlags(c.in); got != c.want {
				t.Fatalf("permFromFlags(%v) = %v, want %v", c.in, got, c.want)
			}
		})
	}
}

func TestLoadWritesFileBytesAndZeroPadsBss(t *testing.T) {
	m, err := mmu.New(1 << 16)
	if err != nil {
		t.Fatalf("mmu.New: %v", err)
	}
	defer m.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "target.bin")
	fileContent := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := os.WriteFile(path, fileContent, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	img := &Image{
		Entry: 0x1000,
		Segments: []Segment{
			{FileOffset: 0, VirtAddr: 0x1000, FileSize: 4, MemSize: 16, Perm: mmu.PermRead | mmu.PermExec},
		},
	}
	if err := Load(path, img, m); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := make([]byte, 16)
	if err := m.Read(0x1000, got); err != nil {
		t.Fatalf("Read back segment: %v", err)
	}
	if !bytes.Equal(got[:4], fileContent) {
		t.Fatalf("segment file bytes = %x, want %x", got[:4], fileContent)
	}
	for i, b := range got[4:] {
		if b != 0 {
			t.Fatalf("bss tail byte %d = %#x, want 0", 4+i, b)
		}
	}

	probe := make([]byte, 16)
	if err := m.ReadPerms(0x1000, probe, mmu.PermRead|mmu.PermExec); err != nil {
		t.Fatalf("segment should carry PermRead|PermExec after Load, got: %v", err)
	}
	if err := m.Write(0x1000, []byte{0}); err == nil {
		t.Fatalf("Load should have demoted the segment off PermWrite, but a write succeeded")
	}
}

func TestLoadRejectsSegmentPastEndOfFile(t *testing.T) {
	m, err := mmu.New(1 << 16)
	if err != nil {
		t.Fatalf("mmu.New: %v", err)
	}
	defer m.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "short.bin")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	img := &Image{Segments: []Segment{
		{FileOffset: 0, VirtAddr: 0x2000, FileSize: 100, MemSize: 100, Perm: mmu.PermRead},
	}}
	if err := Load(path, img, m); err == nil {
		t.Fatalf("Load: expected error for segment reading past end of file, got nil")
	}
}

// buildMinimalRiscv64Exec assembles the smallest valid ELF64 file debug/elf
// will parse as a statically linked RV64 executable: a file header and one
// PT_LOAD program header covering entryCode, with no section headers at
// all, exercising resolveHookSymbols' no-symbol-table path.
func buildMinimalRiscv64Exec(t *testing.T, entryCode []byte) []byte {
	t.Helper()

	const (
		ehsize  = 64
		phsize  = 56
		entry   = 0x10000
		loadOff = ehsize + phsize
	)

	var buf bytes.Buffer

	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* ELFDATA2LSB */, 1 /* EV_CURRENT */}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(elf.ET_EXEC))
	binary.Write(&buf, binary.LittleEndian, uint16(elf.EM_RISCV))
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // e_version
	binary.Write(&buf, binary.LittleEndian, uint64(entry))
	binary.Write(&buf, binary.LittleEndian, uint64(ehsize)) // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint64(0))      // e_shoff (none)
	binary.Write(&buf, binary.LittleEndian, uint32(0))      // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize))
	binary.Write(&buf, binary.LittleEndian, uint16(phsize))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shstrndx
	if buf.Len() != ehsize {
		t.Fatalf("header build produced %d bytes, want %d", buf.Len(), ehsize)
	}

	binary.Write(&buf, binary.LittleEndian, uint32(elf.PT_LOAD))
	binary.Write(&buf, binary.LittleEndian, uint32(elf.PF_R|elf.PF_X))
	binary.Write(&buf, binary.LittleEndian, uint64(loadOff))
	binary.Write(&buf, binary.LittleEndian, uint64(entry))
	binary.Write(&buf, binary.LittleEndian, uint64(entry))
	binary.Write(&buf, binary.LittleEndian, uint64(len(entryCode)))
	binary.Write(&buf, binary.LittleEndian, uint64(len(entryCode)))
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))
	if buf.Len() != loadOff {
		t.Fatalf("header+phdr build produced %d bytes, want %d", buf.Len(), loadOff)
	}

	buf.Write(entryCode)
	return buf.Bytes()
}

func TestOpenParsesRiscv64ExecAndItsLoadSegment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mini")
	raw := buildMinimalRiscv64Exec(t, []byte{0x13, 0x00, 0x00, 0x00}) // nop (addi x0,x0,0)
	if err := os.WriteFile(path, raw, 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	img, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if img.Entry != 0x10000 {
		t.Fatalf("Entry = %s, want 0x10000", img.Entry)
	}
	if len(img.Segments) != 1 {
		t.Fatalf("len(Segments) = %d, want 1", len(img.Segments))
	}
	seg := img.Segments[0]
	if seg.VirtAddr != 0x10000 || seg.FileSize != 4 || seg.MemSize != 4 {
		t.Fatalf("unexpected segment: %+v", seg)
	}
	if seg.Perm != mmu.PermRead|mmu.PermExec {
		t.Fatalf("segment perm = %v, want PermRead|PermExec", seg.Perm)
	}
	if img.HasMalloc || img.HasFree {
		t.Fatalf("a binary with no symbol table should resolve no hooks")
	}
}

func TestOpenRejectsNonExecutableType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notexec")
	raw := buildMinimalRiscv64Exec(t, []byte{0x13, 0x00, 0x00, 0x00})
	// Flip e_type (offset 16) from ET_EXEC to ET_DYN so Open's type check fires.
	raw[16] = byte(elf.ET_DYN)
	if err := os.WriteFile(path, raw, 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Open(path); err == nil {
		t.Fatalf("Open: expected error for a non-ET_EXEC file, got nil")
	}
}
