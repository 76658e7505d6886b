package bytecode

import (
	"github.com/slowlang/slab/compiler/meta"
)

type (
	// Header is the table of contents of an executable image.
	Header struct {
		Funcs []Func     `cbor:"1,keyasint"`
		Data  []DataInfo `cbor:"2,keyasint"`

		Reflection *meta.Table `cbor:"3,keyasint,omitempty"`
	}

	Func struct {
		Name string `cbor:"1,keyasint"`

		// Offset of the body in the code buffer or -1 for extern functions.
		Offset int `cbor:"2,keyasint"`
		Size   int `cbor:"3,keyasint"`

		Args    []Var `cbor:"4,keyasint"`
		Locals  []Var `cbor:"5,keyasint"`
		Returns []Var `cbor:"6,keyasint"`

		// Labels offsets are in words from the function start.
		Labels []Label `cbor:"7,keyasint"`
	}

	Var struct {
		Name string `cbor:"1,keyasint"`
		Size int    `cbor:"2,keyasint"`
	}

	Label struct {
		Name   string `cbor:"1,keyasint"`
		Offset int    `cbor:"2,keyasint"`
	}

	DataInfo struct {
		Name   string `cbor:"1,keyasint"`
		Offset int    `cbor:"2,keyasint"`
		Size   int    `cbor:"3,keyasint"`
	}
)

// ExternOffset marks functions without a body.
const ExternOffset = -1

// Func looks up a function index by mangled name.
func (h *Header) Func(name string) (int, bool) {
	for i, f := range h.Funcs {
		if f.Name == name {
			return i, true
		}
	}

	return -1, false
}

func (f *Func) Extern() bool { return f.Offset == ExternOffset }

// Slots returns variables in slot order: arguments, locals, returns.
func (f *Func) Slots() []Var {
	r := make([]Var, 0, len(f.Args)+len(f.Locals)+len(f.Returns))

	r = append(r, f.Args...)
	r = append(r, f.Locals...)
	r = append(r, f.Returns...)

	return r
}

func VarsSize(vs []Var) (s int) {
	for _, v := range vs {
		s += v.Size
	}

	return s
}

// Body returns the code of f out of the flat buffer.
func (f *Func) Body(code []byte) []byte {
	if f.Extern() {
		return nil
	}

	return code[f.Offset : f.Offset+f.Size]
}
