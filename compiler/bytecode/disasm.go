package bytecode

import (
	"encoding/binary"
	"math"

	"github.com/nikandfor/hacked/hfmt"
	"tlog.app/go/errors"
)

// EncodeAll encodes a function body.
func EncodeAll(b []byte, ins []Instr) (_ []byte, err error) {
	for i, in := range ins {
		b, err = Append(b, in)
		if err != nil {
			return nil, errors.Wrap(err, "instr %d", i)
		}
	}

	return b, nil
}

// DisasmAll appends listings of every function of the image.
func DisasmAll(b []byte, h *Header, code []byte) (_ []byte, err error) {
	for i := range h.Funcs {
		if i != 0 {
			b = append(b, '\n')
		}

		b, err = Disasm(b, h, code, i)
		if err != nil {
			return nil, err
		}
	}

	return b, nil
}

// Disasm appends a listing of function fi.
func Disasm(b []byte, h *Header, code []byte, fi int) ([]byte, error) {
	f := &h.Funcs[fi]

	if f.Extern() {
		b = hfmt.Appendf(b, "extern %s\n", f.Name)
		b = appendVars(b, "args", f.Args)
		b = appendVars(b, "returns", f.Returns)

		return b, nil
	}

	b = hfmt.Appendf(b, "func %s  // offset %d size %d\n", f.Name, f.Offset, f.Size)
	b = appendVars(b, "args", f.Args)
	b = appendVars(b, "locals", f.Locals)
	b = appendVars(b, "returns", f.Returns)

	slots := f.Slots()
	body := f.Body(code)

	labels := make(map[int][]string, len(f.Labels))
	for _, l := range f.Labels {
		labels[l.Offset] = append(labels[l.Offset], l.Name)
	}

	for off := 0; off < len(body); {
		for _, l := range labels[off/WordSize] {
			b = hfmt.Appendf(b, "%s:\n", l)
		}

		in, n, err := Decode(body[off:])
		if err != nil {
			return nil, errors.Wrap(err, "func %v: offset %d", f.Name, off)
		}

		b = hfmt.Appendf(b, "\t%04x\t%-10s", off/WordSize, in.Op)
		b = appendOperands(b, h, f, slots, in)
		b = append(b, '\n')

		off += n
	}

	for _, l := range labels[len(body)/WordSize] {
		b = hfmt.Appendf(b, "%s:\n", l)
	}

	return b, nil
}

func appendVars(b []byte, name string, vs []Var) []byte {
	if len(vs) == 0 {
		return b
	}

	b = hfmt.Appendf(b, "\t// %s", name)

	for _, v := range vs {
		b = hfmt.Appendf(b, " %s:%d", v.Name, v.Size)
	}

	return append(b, '\n')
}

func appendOperands(b []byte, h *Header, f *Func, slots []Var, in Instr) []byte {
	switch in.Op {
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpNeg, OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		b = hfmt.Appendf(b, "%v", Num(in.Sub))
	case OpConv:
		from, to := SplitConv(in.Sub)
		b = hfmt.Appendf(b, "%v -> %v", from, to)
	case OpDrop, OpDup, OpLoadPtr, OpStorePtr:
		b = hfmt.Appendf(b, "size %d", in.Sub)
	}

	i := 0

	for _, s := range in.Op.Info().Shapes {
		if s == ShapeConst {
			b = appendConst(b, in.Const)
			continue
		}

		x := int(in.Args[i])
		i++

		if i > 1 {
			b = append(b, ',')
		}

		b = append(b, ' ')

		switch s {
		case ShapeJump:
			if x < len(f.Labels) {
				b = hfmt.Appendf(b, "%s", f.Labels[x].Name)
			} else {
				b = hfmt.Appendf(b, "label?%d", x)
			}
		case ShapeFunc:
			if x < len(h.Funcs) {
				b = hfmt.Appendf(b, "%s", h.Funcs[x].Name)
			} else {
				b = hfmt.Appendf(b, "func?%d", x)
			}
		case ShapeData:
			if x < len(h.Data) {
				b = hfmt.Appendf(b, "%s", h.Data[x].Name)
			} else {
				b = hfmt.Appendf(b, "data?%d", x)
			}
		case ShapeVar:
			if x < len(slots) {
				b = hfmt.Appendf(b, "%s", slots[x].Name)
			} else {
				b = hfmt.Appendf(b, "var?%d", x)
			}
		case ShapeRaw:
			b = hfmt.Appendf(b, "%d", x)
		default:
			panic(s)
		}
	}

	return b
}

func appendConst(b []byte, c []byte) []byte {
	switch len(c) {
	case 8:
		v := binary.LittleEndian.Uint64(c)
		return hfmt.Appendf(b, "%v  // %#x", math.Float64frombits(v), v)
	case 1:
		return hfmt.Appendf(b, "%d", c[0])
	default:
		return hfmt.Appendf(b, "% x", c)
	}
}
