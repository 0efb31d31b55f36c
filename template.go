package perftramp

import (
	"errors"
	"fmt"
)

// Template is the block of machine code copied into every trampoline slot.
// Its length is the per-trampoline code size.
type Template struct {
	code   []byte
	trap   byte
	native bool
}

// NativeTemplate returns the built-in template for the current
// architecture. The code takes the dispatch routine's arguments plus the
// routine itself, sets up a frame and calls the routine with the arguments
// untouched.
func NativeTemplate() (*Template, error) {
	code, trap := nativeTemplateCode()
	if code == nil {
		return nil, ErrUnsupported
	}

	if err := validateTemplate(code, trap); err != nil {
		return nil, fmt.Errorf("invalid native template: %w", err)
	}

	return &Template{
		code:   code,
		trap:   trap,
		native: true,
	}, nil
}

// NewTemplate returns a template made of arbitrary bytes. Trampolines built
// from it are allocated and registered like native ones, but they're never
// executed: the dispatch routine is called directly instead.
//
// trap fills the unused tail of an arena.
func NewTemplate(code []byte, trap byte) (*Template, error) {
	if len(code) == 0 {
		return nil, errors.New("empty trampoline template")
	}

	t := &Template{
		code: make([]byte, len(code)),
		trap: trap,
	}
	copy(t.code, code)
	return t, nil
}

// Size returns the code size of one trampoline.
func (t *Template) Size() int {
	return len(t.code)
}

// Native reports whether trampolines made from t are executed.
func (t *Template) Native() bool {
	return t.native && nativeCalls
}

// Disassemble returns a listing of the template as if it were loaded at
// base.
func (t *Template) Disassemble(base uintptr) (string, error) {
	return disassemble(t.code, base)
}

// fill copies the template back-to-back into buf. Any tail shorter than one
// template is filled with the trap byte.
func (t *Template) fill(buf []byte) int {
	n := len(buf) / len(t.code)
	for i := 0; i < n; i++ {
		copy(buf[i*len(t.code):], t.code)
	}

	for i := n * len(t.code); i < len(buf); i++ {
		buf[i] = t.trap
	}

	return n
}
