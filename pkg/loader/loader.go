// Package loader turns sBPF ELF images into verified executables.
//
// Loading is a single pass with no partial effects: parse the ELF64
// header and sections, lift .text into instruction slots, build the
// function registry from FUNC symbols, apply relocations (patching call
// immediates with murmur3 name hashes), resolve every external call
// against the syscall registry, and statically verify the relocated
// text. A program that loads successfully cannot hit an unresolved
// symbol or an undecodable instruction at runtime.
package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/sbpf/pkg/sbpf"
	"github.com/fortiblox/sbpf/pkg/syscall"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

const (
	elfClass64 = 2
	elfDataLSB = 1

	elfMachineBPF  = 247
	elfMachineSBPF = 263

	elfTypeExec = 2
	elfTypeDyn  = 3
)

// Section types.
const (
	shtNobits = 8
)

// Symbol types.
const (
	sttFunc = 2
)

// sBPF relocation types.
const (
	rBPF64_64    = 1
	rBPFRelative = 8
	rBPF64_32    = 10
)

// Load errors.
var (
	ErrInvalidELF         = errors.New("invalid ELF image")
	ErrUnsupportedClass   = errors.New("unsupported ELF class (expected 64-bit)")
	ErrUnsupportedEndian  = errors.New("unsupported endianness (expected little-endian)")
	ErrUnsupportedMachine = errors.New("unsupported machine type (expected BPF/sBPF)")
	ErrNoTextSection      = errors.New("no .text section")
	ErrInvalidSection     = errors.New("invalid section")
	ErrRelocationFailed   = errors.New("relocation failed")
	ErrUnresolvedSyscall  = errors.New("unresolved syscall")
	ErrTooLarge           = errors.New("ELF image too large")
	ErrVerification       = sbpf.ErrVerification
)

// Structural limits.
const (
	MaxELFSize      = 10 * 1024 * 1024
	MaxSections     = 256
	MaxSymbols      = 100000
	MaxRelocations  = 100000
	MaxInstructions = 1000000
)

type elfHeader struct {
	class    uint8
	data     uint8
	typ      uint16
	machine  uint16
	entry    uint64
	shOff    uint64
	shEntSz  uint16
	shNum    uint16
	shStrNdx uint16
}

type section struct {
	name    string
	typ     uint32
	addr    uint64
	offset  uint64
	size    uint64
	entSize uint64
}

type symbol struct {
	name  uint32
	info  uint8
	shndx uint16
	value uint64
}

// Executable is a loaded, relocated, verified sBPF program.
type Executable struct {
	// Program is the executable representation shared with the VM.
	Program *sbpf.Program

	// Syscalls lists the external syscall hashes the program calls.
	Syscalls []uint32
}

// Load parses, relocates, and verifies an ELF image. Every external call
// must resolve against registry before execution ever starts; nil
// registry rejects any program that uses syscalls.
func Load(image []byte, registry *syscall.Registry) (*Executable, error) {
	if len(image) > MaxELFSize {
		return nil, ErrTooLarge
	}
	if len(image) < 64 {
		return nil, ErrInvalidELF
	}

	f, err := parseELF(image)
	if err != nil {
		return nil, err
	}

	textSec := f.section(".text")
	if textSec == nil {
		return nil, ErrNoTextSection
	}
	text, err := f.lift(textSec)
	if err != nil {
		return nil, err
	}

	var ro []byte
	if roSec := f.section(".rodata"); roSec != nil {
		ro, err = f.bytes(roSec)
		if err != nil {
			return nil, err
		}
	}

	symbols, strtab, err := f.symbolTable()
	if err != nil {
		return nil, err
	}

	functions := make(map[uint32]uint64)
	for _, sym := range symbols {
		if sym.info&0xf != sttFunc || sym.shndx == 0 {
			continue
		}
		name := symbolName(strtab, sym.name)
		if name == "" {
			continue
		}
		value := sym.value
		if textSec.addr > 0 && value >= textSec.addr {
			value -= textSec.addr
		}
		functions[syscall.Murmur3Hash(name)] = value / 8
	}

	var externals []uint32
	for _, relName := range []string{".rel.text", ".rel.dyn"} {
		relSec := f.section(relName)
		if relSec == nil {
			continue
		}
		if err := f.relocate(relSec, text, symbols, strtab, &externals); err != nil {
			return nil, err
		}
	}

	entry := f.header.entry / 8
	if textSec.addr > 0 {
		entry = (f.header.entry - textSec.addr) / 8
	}

	prog := &sbpf.Program{
		Text:      text,
		RO:        ro,
		Entry:     entry,
		Functions: functions,
	}

	var resolve func(uint32) bool
	if registry != nil {
		resolve = registry.Resolver()
	}
	for _, hash := range externals {
		if _, internal := functions[hash]; internal {
			continue
		}
		if resolve == nil || !resolve(hash) {
			return nil, fmt.Errorf("%w: 0x%x", ErrUnresolvedSyscall, hash)
		}
	}
	if err := prog.Verify(resolve); err != nil {
		return nil, err
	}

	return &Executable{Program: prog, Syscalls: externals}, nil
}

// elfFile is a parsed image: validated header plus named sections.
type elfFile struct {
	data     []byte
	header   elfHeader
	sections []section
}

func parseELF(data []byte) (*elfFile, error) {
	if !bytes.Equal(data[0:4], elfMagic) {
		return nil, ErrInvalidELF
	}

	h := elfHeader{
		class:    data[4],
		data:     data[5],
		typ:      binary.LittleEndian.Uint16(data[16:18]),
		machine:  binary.LittleEndian.Uint16(data[18:20]),
		entry:    binary.LittleEndian.Uint64(data[24:32]),
		shOff:    binary.LittleEndian.Uint64(data[40:48]),
		shEntSz:  binary.LittleEndian.Uint16(data[58:60]),
		shNum:    binary.LittleEndian.Uint16(data[60:62]),
		shStrNdx: binary.LittleEndian.Uint16(data[62:64]),
	}

	switch {
	case h.class != elfClass64:
		return nil, ErrUnsupportedClass
	case h.data != elfDataLSB:
		return nil, ErrUnsupportedEndian
	case h.machine != elfMachineBPF && h.machine != elfMachineSBPF:
		return nil, ErrUnsupportedMachine
	case h.typ != elfTypeExec && h.typ != elfTypeDyn:
		return nil, fmt.Errorf("%w: ELF type %d", ErrInvalidELF, h.typ)
	}

	f := &elfFile{data: data, header: h}
	if err := f.parseSections(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *elfFile) parseSections() error {
	h := f.header
	if h.shNum == 0 {
		return nil
	}
	if h.shNum > MaxSections {
		return fmt.Errorf("%w: %d sections", ErrInvalidELF, h.shNum)
	}

	end := h.shOff + uint64(h.shEntSz)*uint64(h.shNum)
	if end > uint64(len(f.data)) || h.shEntSz < 64 {
		return ErrInvalidELF
	}

	raw := make([]struct {
		nameOff uint32
		sec     section
	}, h.shNum)
	for i := range raw {
		off := h.shOff + uint64(i)*uint64(h.shEntSz)
		b := f.data[off:]
		raw[i].nameOff = binary.LittleEndian.Uint32(b[0:4])
		raw[i].sec = section{
			typ:     binary.LittleEndian.Uint32(b[4:8]),
			addr:    binary.LittleEndian.Uint64(b[16:24]),
			offset:  binary.LittleEndian.Uint64(b[24:32]),
			size:    binary.LittleEndian.Uint64(b[32:40]),
			entSize: binary.LittleEndian.Uint64(b[56:64]),
		}
	}

	if h.shStrNdx >= h.shNum {
		return ErrInvalidSection
	}
	strSec := raw[h.shStrNdx].sec
	if strSec.offset+strSec.size > uint64(len(f.data)) {
		return ErrInvalidSection
	}
	names := f.data[strSec.offset : strSec.offset+strSec.size]

	f.sections = make([]section, h.shNum)
	for i := range raw {
		f.sections[i] = raw[i].sec
		if off := raw[i].nameOff; off < uint32(len(names)) {
			f.sections[i].name = cString(names[off:])
		}
	}
	return nil
}

func (f *elfFile) section(name string) *section {
	for i := range f.sections {
		if f.sections[i].name == name {
			return &f.sections[i]
		}
	}
	return nil
}

// bytes returns a copy of a section's contents. NOBITS sections come back
// zero-filled.
func (f *elfFile) bytes(sec *section) ([]byte, error) {
	if sec.typ == shtNobits {
		return make([]byte, sec.size), nil
	}
	end := sec.offset + sec.size
	if end < sec.offset || end > uint64(len(f.data)) {
		return nil, ErrInvalidSection
	}
	out := make([]byte, sec.size)
	copy(out, f.data[sec.offset:end])
	return out, nil
}

// lift decodes a text section into 8-byte instruction slots.
func (f *elfFile) lift(sec *section) ([]uint64, error) {
	raw, err := f.bytes(sec)
	if err != nil {
		return nil, err
	}
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("%w: text size %d not slot aligned", ErrInvalidSection, len(raw))
	}
	n := len(raw) / 8
	if n > MaxInstructions {
		return nil, fmt.Errorf("%w: %d instructions", ErrTooLarge, n)
	}

	text := make([]uint64, n)
	for i := range text {
		text[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return text, nil
}

// symbolTable returns the symbols and their string table, preferring
// .symtab/.strtab and falling back to the dynamic pair.
func (f *elfFile) symbolTable() ([]symbol, []byte, error) {
	var symSec, strSec *section
	if symSec, strSec = f.section(".symtab"), f.section(".strtab"); symSec == nil || strSec == nil {
		if symSec, strSec = f.section(".dynsym"), f.section(".dynstr"); symSec == nil || strSec == nil {
			return nil, nil, nil
		}
	}

	entSize := symSec.entSize
	if entSize == 0 {
		entSize = 24
	}
	count := symSec.size / entSize
	if count > MaxSymbols {
		return nil, nil, fmt.Errorf("%w: %d symbols", ErrInvalidELF, count)
	}
	if symSec.offset+symSec.size > uint64(len(f.data)) {
		return nil, nil, ErrInvalidSection
	}

	symbols := make([]symbol, count)
	for i := uint64(0); i < count; i++ {
		b := f.data[symSec.offset+i*entSize:]
		symbols[i] = symbol{
			name:  binary.LittleEndian.Uint32(b[0:4]),
			info:  b[4],
			shndx: binary.LittleEndian.Uint16(b[6:8]),
			value: binary.LittleEndian.Uint64(b[8:16]),
		}
	}

	strtab, err := f.bytes(strSec)
	if err != nil {
		return nil, nil, err
	}
	return symbols, strtab, nil
}

// relocate applies one relocation section to the lifted text, collecting
// the hashes of external symbols patched into call immediates.
func (f *elfFile) relocate(sec *section, text []uint64, symbols []symbol, strtab []byte, externals *[]uint32) error {
	entSize := sec.entSize
	if entSize == 0 {
		entSize = 24
	}
	count := sec.size / entSize
	if count > MaxRelocations {
		return fmt.Errorf("%w: %d relocations", ErrInvalidELF, count)
	}
	if sec.offset+sec.size > uint64(len(f.data)) {
		return ErrInvalidSection
	}

	for i := uint64(0); i < count; i++ {
		b := f.data[sec.offset+i*entSize:]
		offset := binary.LittleEndian.Uint64(b[0:8])
		info := binary.LittleEndian.Uint64(b[8:16])
		var addend int64
		if entSize >= 24 {
			addend = int64(binary.LittleEndian.Uint64(b[16:24]))
		}

		symIdx := info >> 32
		relType := uint32(info)
		if symIdx >= uint64(len(symbols)) {
			continue
		}
		sym := symbols[symIdx]

		slot := offset / 8
		if slot >= uint64(len(text)) {
			continue
		}

		switch relType {
		case rBPF64_32:
			// Call-by-name: patch the murmur3 hash of the symbol into
			// the immediate field.
			hash := syscall.Murmur3Hash(symbolName(strtab, sym.name))
			if sym.shndx == 0 {
				*externals = append(*externals, hash)
			}
			text[slot] = text[slot]&0x00000000FFFFFFFF | uint64(hash)<<32

		case rBPF64_64:
			// 64-bit address split across both lddw slots.
			if slot+1 >= uint64(len(text)) {
				return fmt.Errorf("%w: lddw relocation at final slot %d", ErrRelocationFailed, slot)
			}
			target := sym.value + uint64(addend)
			text[slot] = text[slot]&0x00000000FFFFFFFF | uint64(uint32(target))<<32
			text[slot+1] = text[slot+1]&0x00000000FFFFFFFF | uint64(uint32(target>>32))<<32

		case rBPFRelative:
			rel := int64(slot*8) + addend
			text[slot] = text[slot]&0x00000000FFFFFFFF | uint64(uint32(int32(rel)))<<32
		}
	}

	return nil
}

func symbolName(strtab []byte, off uint32) string {
	if off >= uint32(len(strtab)) {
		return ""
	}
	return cString(strtab[off:])
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
