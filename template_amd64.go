package perftramp

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeCALLabs = 0xff // CALL r/m64
	opcodeINT3    = 0xcc
	opcodeMOV_r   = 0x89 // MOV r/m64, r64
	opcodePOPBP   = 0x5d
	opcodePUSHBP  = 0x55
	opcodeRET     = 0xc3

	regModeDirect = 3
	registerCX    = 1
	registerSP    = 4
	registerBP    = 5

	templateAlign = 16
)

// nativeTemplateCode returns the System V x86-64 equivalent of:
//
//	PUSHQ BP
//	MOVQ SP, BP
//	CALL CX
//	POPQ BP
//	RET
//
// The dispatch arguments arrive in DI, SI and DX and the routine in CX, so
// the call forwards them as they are. The frame pointer makes the
// trampoline show up in frame pointer unwinds.
func nativeTemplateCode() ([]byte, byte) {
	code := []byte{
		opcodePUSHBP,
		byte(x86asm.PrefixREX) | byte(x86asm.PrefixREXW), opcodeMOV_r, regModeDirect<<6 | registerSP<<3 | registerBP,
		opcodeCALLabs, regModeDirect<<6 | 2<<3 | registerCX,
		opcodePOPBP,
		opcodeRET,
	}

	// Pad to 16-bytes
	for len(code)%templateAlign != 0 {
		code = append(code, opcodeINT3)
	}

	return code, opcodeINT3
}

// validateTemplate decodes code up to its first RET and checks that only
// trap bytes follow.
func validateTemplate(code []byte, trap byte) error {
	for i := 0; i < len(code); {
		instruction, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return fmt.Errorf("decode error at offset %d: %w", i, err)
		}
		i += instruction.Len

		if instruction.Op != x86asm.RET {
			continue
		}

		for j := i; j < len(code); j++ {
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

	for i := 0; i < len(code); {
		instruction, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return "", fmt.Errorf("decode error at offset %d: %w", i, err)
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", baseAddr+uintptr(i), hex.EncodeToString(code[i:i+instruction.Len]), instruction.String())

		i += instruction.Len
	}

	return buf.String(), nil
}
