// Package asm lays out IR functions and their constant data into one flat
// buffer and builds the executable header.
package asm

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/slab/compiler/bytecode"
	"github.com/slowlang/slab/compiler/diag"
	"github.com/slowlang/slab/compiler/ir"
)

type (
	// funcContext holds symbol tables of the function being assembled.
	funcContext struct {
		*ir.Func

		slots  map[string]int
		data   map[string]int
		labels []int
	}
)

// DataAlign is the alignment of constant blobs in the buffer.
const DataAlign = 4

// Build assembles p. Functions are laid out in the order of p.Funcs.
func Build(ctx context.Context, p *ir.Program) (h *bytecode.Header, code []byte, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "asm: build", "funcs", len(p.Funcs))
	defer tr.Finish("err", &err)

	h = &bytecode.Header{
		Reflection: p.Reflection,
	}

	funcs := make(map[string]int, len(p.Funcs))

	for i, f := range p.Funcs {
		if _, ok := funcs[f.Name]; ok {
			return nil, nil, diag.Internal("asm", errors.New("duplicate function")).InFunc(f.Name)
		}

		funcs[f.Name] = i
	}

	for _, f := range p.Funcs {
		var hf bytecode.Func

		hf, code, err = buildFunc(h, funcs, code, f)
		if err != nil {
			return nil, nil, errors.Wrap(err, "func %v", f.Name)
		}

		h.Funcs = append(h.Funcs, hf)

		tr.V("asm_func").Printw("func", "name", hf.Name, "offset", hf.Offset, "size", hf.Size, "labels", len(hf.Labels))
	}

	if tr.If("dump_asm") {
		l, err := bytecode.DisasmAll(nil, h, code)
		if err != nil {
			return nil, nil, errors.Wrap(err, "disasm")
		}

		tr.Printw("listing", "text", l)
	}

	return h, code, nil
}

func buildFunc(h *bytecode.Header, funcs map[string]int, b []byte, f *ir.Func) (hf bytecode.Func, _ []byte, err error) {
	hf = bytecode.Func{
		Name:    f.Name,
		Offset:  bytecode.ExternOffset,
		Args:    vars(f.VarsOf(ir.ClassArg)),
		Locals:  vars(f.VarsOf(ir.ClassLocal)),
		Returns: vars(f.VarsOf(ir.ClassReturn)),
	}

	if f.Extern {
		if len(f.Code) != 0 {
			return hf, nil, diag.Internal("asm", errors.New("extern function has a body")).InFunc(f.Name)
		}

		return hf, b, nil
	}

	fc := &funcContext{
		Func:  f,
		slots: make(map[string]int),
		data:  make(map[string]int),
	}

	for i, v := range hf.Slots() {
		fc.slots[v.Name] = i
	}

	for _, d := range f.Data {
		b = align(b, DataAlign)

		fc.data[d.Name] = len(h.Data)
		h.Data = append(h.Data, bytecode.DataInfo{
			Name:   f.Name + "/" + d.Name,
			Offset: len(b),
			Size:   len(d.Bytes),
		})

		b = append(b, d.Bytes...)
	}

	b = align(b, bytecode.WordSize)

	ins, err := fc.resolve(funcs)
	if err != nil {
		return hf, nil, err
	}

	for i, name := range f.Labels {
		if fc.labels[i] < 0 {
			return hf, nil, diag.Internal("asm", errors.New("label %v is never placed", name)).InFunc(f.Name)
		}

		hf.Labels = append(hf.Labels, bytecode.Label{Name: name, Offset: fc.labels[i]})
	}

	hf.Offset = len(b)

	b, err = bytecode.EncodeAll(b, ins)
	if err != nil {
		return hf, nil, diag.Internal("asm", err).InFunc(f.Name)
	}

	hf.Size = len(b) - hf.Offset

	return hf, b, nil
}

// resolve places labels and replaces symbolic operands by table indexes.
func (fc *funcContext) resolve(funcs map[string]int) ([]bytecode.Instr, error) {
	fc.labels = make([]int, len(fc.Labels))
	for i := range fc.labels {
		fc.labels[i] = -1
	}

	var ins []bytecode.Instr
	words := 0

	for _, x := range fc.Code {
		switch x := x.(type) {
		case ir.Label:
			if int(x) >= len(fc.labels) {
				return nil, fc.internal(len(ins), errors.New("undefined label %d", x))
			}

			fc.labels[x] = words
		case ir.Instr:
			in, err := fc.instr(funcs, x)
			if err != nil {
				return nil, fc.internal(len(ins), err)
			}

			ins = append(ins, in)
			words += in.Len()
		default:
			panic(x)
		}
	}

	return ins, nil
}

func (fc *funcContext) instr(funcs map[string]int, x ir.Instr) (in bytecode.Instr, err error) {
	in = bytecode.Instr{Op: x.Op, Sub: x.Sub}

	shapes := x.Op.Info().Shapes
	if len(shapes) != len(x.Arg) {
		return in, errors.New("%v: %d operands, expected %d", x.Op, len(x.Arg), len(shapes))
	}

	for i, a := range x.Arg {
		var w int
		var ok bool

		switch a := a.(type) {
		case ir.Label:
			w, ok = int(a), int(a) < len(fc.Labels)
		case ir.FuncRef:
			w, ok = funcs[string(a)]
		case ir.VarRef:
			w, ok = fc.slots[string(a)]
		case ir.DataRef:
			w, ok = fc.data[string(a)]
		case ir.Raw:
			w, ok = int(a), true
		case ir.Const:
			in.Const = a
			continue
		default:
			panic(a)
		}

		if !ok {
			return in, errors.New("%v: undefined %v symbol %v", x.Op, shapes[i], a)
		}

		in.Args = append(in.Args, uint32(w))
	}

	return in, nil
}

func (fc *funcContext) internal(off int, err error) error {
	return diag.Internal("asm", err).InFunc(fc.Name).AtOffset(off)
}

func vars(vs []ir.Var) []bytecode.Var {
	if len(vs) == 0 {
		return nil
	}

	r := make([]bytecode.Var, len(vs))

	for i, v := range vs {
		r[i] = bytecode.Var{Name: v.Name, Size: v.Size}
	}

	return r
}

func align(b []byte, n int) []byte {
	for len(b)%n != 0 {
		b = append(b, 0)
	}

	return b
}
