// Package jitdump writes and reads perf jitdump files. perf inject uses
// them to turn anonymous executable memory into named symbols, including
// the code bytes, which perf maps can't carry.
//
// Format:
//
//	https://github.com/torvalds/linux/blob/master/tools/perf/Documentation/jitdump-specification.txt
package jitdump

import (
	"debug/elf"
	"encoding/binary"
	"runtime"
)

const (
	Magic   = 0x4A695444
	Version = 1
)

// Header is the file header.
type Header struct {
	Magic     uint32
	Version   uint32
	TotalSize uint32
	ElfMach   uint32
	Pad1      uint32
	Pid       uint32
	Timestamp uint64
	Flags     uint64
}

const headerSize = 40

// RecordType identifies a record.
type RecordType uint32

const (
	RecordCodeLoad RecordType = iota
	RecordCodeMove
	RecordCodeDebugInfo
	RecordCodeClose
	RecordCodeUnwindingInfo
)

// Prefix starts every record. TotalSize includes the prefix.
type Prefix struct {
	ID        RecordType
	TotalSize uint32
	Timestamp uint64
}

const prefixSize = 16

// codeLoadFixed is the part of a code load record between the prefix and
// the name.
type codeLoadFixed struct {
	PID       uint32
	TID       uint32
	VMA       uint64
	CodeAddr  uint64
	CodeSize  uint64
	CodeIndex uint64
}

const codeLoadFixedSize = 40

// CodeLoad describes one piece of code.
type CodeLoad struct {
	Prefix    Prefix
	PID       uint32
	TID       uint32
	VMA       uint64
	CodeAddr  uint64
	CodeSize  uint64
	CodeIndex uint64
	Name      string
	Code      []byte
}

// CodeMove records code moving from OldCodeAddr.
type CodeMove struct {
	Prefix      Prefix
	PID         uint32
	TID         uint32
	VMA         uint64
	OldCodeAddr uint64
	NewCodeAddr uint64
	CodeSize    uint64
	CodeIndex   uint64
}

// perf reads the file in the byte order of the machine that wrote it.
var byteOrder = binary.NativeEndian

func elfMachine() elf.Machine {
	switch runtime.GOARCH {
	case "amd64":
		return elf.EM_X86_64
	case "arm64":
		return elf.EM_AARCH64
	case "386":
		return elf.EM_386
	case "arm":
		return elf.EM_ARM
	case "riscv64":
		return elf.EM_RISCV
	case "ppc64", "ppc64le":
		return elf.EM_PPC64
	case "s390x":
		return elf.EM_S390
	case "loong64":
		return elf.EM_LOONGARCH
	default:
		return elf.EM_NONE
	}
}
