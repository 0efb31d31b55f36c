//go:build !amd64 && !arm64

package perftramp

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

func nativeTemplateCode() ([]byte, byte) {
	return nil, 0
}

func validateTemplate([]byte, byte) error {
	return ErrUnsupported
}

// No decoder here, so just dump the bytes.
func disassemble(code []byte, baseAddr uintptr) (string, error) {
	var buf bytes.Buffer
	for i := 0; i < len(code); i += 16 {
		end := min(i+16, len(code))
		fmt.Fprintf(&buf, "0x%08x\t%s\n", baseAddr+uintptr(i), hex.EncodeToString(code[i:end]))
	}
	return buf.String(), nil
}
