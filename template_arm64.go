package perftramp

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

const (
	// STP x29, x30, [sp, #-16]!
	_STP_FP_LR = uint32(0xa9bf7bfd)

	// MOV x29, sp (ADD x29, sp, #0)
	_MOV_FP_SP = uint32(0x910003fd)

	// -----------------------------------------
	// | 1101011000111111000000 | Rn | 00000 |
	// -----------------------------------------
	_BLR = uint32(0xd63f0000)

	// LDP x29, x30, [sp], #16
	_LDP_FP_LR = uint32(0xa8c17bfd)

	_RET = uint32(0xd65f03c0)

	// Permanently undefined, traps if executed.
	_UDF = uint32(0)

	templateAlign = 16
)

// nativeTemplateCode returns the AAPCS64 equivalent of:
//
//	STP x29, x30, [sp, #-16]!
//	MOV x29, sp
//	BLR x3
//	LDP x29, x30, [sp], #16
//	RET
//
// The dispatch arguments arrive in x0-x2 and the routine in x3.
func nativeTemplateCode() ([]byte, byte) {
	insts := []uint32{
		_STP_FP_LR,
		_MOV_FP_SP,
		_BLR | 3<<5,
		_LDP_FP_LR,
		_RET,
	}

	code := make([]byte, 0, len(insts)*4+templateAlign)
	for _, inst := range insts {
		code = binary.LittleEndian.AppendUint32(code, inst)
	}

	// Pad to 16-bytes
	for len(code)%templateAlign != 0 {
		code = binary.LittleEndian.AppendUint32(code, _UDF)
	}

	return code, byte(_UDF)
}

// validateTemplate decodes code up to its first RET and checks that only
// trap bytes follow.
func validateTemplate(code []byte, trap byte) error {
	if len(code)%4 != 0 {
		return fmt.Errorf("template length %d is not a multiple of 4", len(code))
	}

	for i := 0; i < len(code); i += 4 {
		instruction, err := arm64asm.Decode(code[i : i+4])
		if err != nil {
			return fmt.Errorf("decode error at offset %d %v: %w", i, code[i:i+4], err)
		}

		if instruction.Op != arm64asm.RET {
			continue
		}

		for j := i + 4; j < len(code); j++ {
			if code[j] != trap {
				return fmt.Errorf("unexpected byte %#x after RET at offset %d", code[j], j)
			}
		}
		return nil
	}

	return errors.New("template does not return")
}

func disassemble(code []byte, baseAddr uintptr) (string, error) {
	var buf bytes.Buffer

	for i := 0; i < len(code)&^3; i += 4 {
		var asm string
		instruction, err := arm64asm.Decode(code[i:])
		if err == nil {
			asm = instruction.String()
		} else {
			asm = "?"
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", baseAddr+uintptr(i), hex.EncodeToString(code[i:i+4]), asm)
	}

	return buf.String(), nil
}
