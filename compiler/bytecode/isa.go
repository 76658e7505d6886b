// Package bytecode defines the instruction set of the virtual machine,
// its binary encoding, the executable header and the image file format.
package bytecode

import (
	"encoding/binary"

	"tlog.app/go/errors"
	"tlog.app/go/tlog/tlwire"
)

type (
	Op  uint16
	Num uint16

	// Shape is the kind of one operand word.
	Shape int

	OpInfo struct {
		Name   string
		Shapes []Shape
	}

	// Instr is one decoded instruction.
	Instr struct {
		Op  Op
		Sub uint16

		// Args holds one word per operand shape except ShapeConst.
		Args []uint32

		// Const is the payload of ShapeConst, Sub bytes long.
		Const []byte
	}
)

const (
	ShapeJump Shape = iota + 1
	ShapeRaw
	ShapeFunc
	ShapeData
	ShapeVar
	ShapeConst
)

const (
	OpNop Op = iota

	OpLoad     // var; Sub: size
	OpStore    // var; Sub: size
	OpVarAddr  // var
	OpConst    // const; Sub: size
	OpData     // data; Sub: element size
	OpDrop     // Sub: size
	OpDup      // Sub: size
	OpLoadPtr  // Sub: size
	OpStorePtr // Sub: size
	OpMember   // raw aggregate size, raw offset, raw size

	OpAdd // Sub: Num
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNeg

	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe

	OpNot
	OpConv // Sub: from<<8 | to

	OpBr
	OpBrFalse
	OpBrTrue

	OpCall // func
	OpRet

	opCount
)

const (
	NumF64 Num = iota + 1
	NumU64
	NumU8
)

// WordSize is the size of an instruction header and of every operand word.
const WordSize = 4

var ops = [opCount]OpInfo{
	OpNop:      {Name: "NOP"},
	OpLoad:     {Name: "LOAD", Shapes: []Shape{ShapeVar}},
	OpStore:    {Name: "STORE", Shapes: []Shape{ShapeVar}},
	OpVarAddr:  {Name: "VAR_ADDR", Shapes: []Shape{ShapeVar}},
	OpConst:    {Name: "CONST", Shapes: []Shape{ShapeConst}},
	OpData:     {Name: "DATA", Shapes: []Shape{ShapeData}},
	OpDrop:     {Name: "DROP"},
	OpDup:      {Name: "DUP"},
	OpLoadPtr:  {Name: "LOAD_PTR"},
	OpStorePtr: {Name: "STORE_PTR"},
	OpMember:   {Name: "MEMBER", Shapes: []Shape{ShapeRaw, ShapeRaw, ShapeRaw}},
	OpAdd:      {Name: "ADD"},
	OpSub:      {Name: "SUB"},
	OpMul:      {Name: "MUL"},
	OpDiv:      {Name: "DIV"},
	OpMod:      {Name: "MOD"},
	OpNeg:      {Name: "NEG"},
	OpEq:       {Name: "EQ"},
	OpNe:       {Name: "NE"},
	OpLt:       {Name: "LT"},
	OpLe:       {Name: "LE"},
	OpGt:       {Name: "GT"},
	OpGe:       {Name: "GE"},
	OpNot:      {Name: "NOT"},
	OpConv:     {Name: "CONV"},
	OpBr:       {Name: "BR", Shapes: []Shape{ShapeJump}},
	OpBrFalse:  {Name: "BR_FALSE", Shapes: []Shape{ShapeJump}},
	OpBrTrue:   {Name: "BR_TRUE", Shapes: []Shape{ShapeJump}},
	OpCall:     {Name: "CALL", Shapes: []Shape{ShapeFunc}},
	OpRet:      {Name: "RET"},
}

var ErrUnknownOpcode = errors.New("unknown opcode")

func Ops() int { return int(opCount) }

func (op Op) Valid() bool { return op < opCount }

func (op Op) Info() OpInfo {
	if !op.Valid() {
		return OpInfo{Name: "op?"}
	}

	return ops[op]
}

func (op Op) String() string { return op.Info().Name }

func (n Num) String() string {
	switch n {
	case NumF64:
		return "f64"
	case NumU64:
		return "u64"
	case NumU8:
		return "u8"
	default:
		return "num?"
	}
}

// Size is the operand size of a numeric subtype.
func (n Num) Size() int {
	switch n {
	case NumF64, NumU64:
		return 8
	case NumU8:
		return 1
	default:
		return 0
	}
}

func Conv(from, to Num) uint16 { return uint16(from)<<8 | uint16(to) }

func SplitConv(sub uint16) (from, to Num) { return Num(sub >> 8), Num(sub & 0xff) }

func (s Shape) String() string {
	switch s {
	case ShapeJump:
		return "jump"
	case ShapeRaw:
		return "raw"
	case ShapeFunc:
		return "func"
	case ShapeData:
		return "data"
	case ShapeVar:
		return "var"
	case ShapeConst:
		return "const"
	default:
		return "shape?"
	}
}

func Word(op Op, sub uint16) uint32 { return uint32(op)<<16 | uint32(sub) }

func SplitWord(w uint32) (Op, uint16) { return Op(w >> 16), uint16(w) }

// Len is the encoded size of the instruction in words.
func (in Instr) Len() int {
	n := 1

	for _, s := range in.Op.Info().Shapes {
		if s == ShapeConst {
			n += (len(in.Const) + WordSize - 1) / WordSize
		} else {
			n++
		}
	}

	return n
}

// Append encodes in to b.
func Append(b []byte, in Instr) ([]byte, error) {
	if !in.Op.Valid() {
		return nil, errors.Wrap(ErrUnknownOpcode, "op %d", in.Op)
	}

	b = binary.LittleEndian.AppendUint32(b, Word(in.Op, in.Sub))

	i := 0

	for _, s := range in.Op.Info().Shapes {
		if s == ShapeConst {
			if len(in.Const) != int(in.Sub) {
				return nil, errors.New("%v: const payload %d bytes, subtype %d", in.Op, len(in.Const), in.Sub)
			}

			b = append(b, in.Const...)

			for pad := len(in.Const) % WordSize; pad != 0 && pad < WordSize; pad++ {
				b = append(b, 0)
			}

			continue
		}

		if i >= len(in.Args) {
			return nil, errors.New("%v: missing %v operand", in.Op, s)
		}

		b = binary.LittleEndian.AppendUint32(b, in.Args[i])
		i++
	}

	if i != len(in.Args) {
		return nil, errors.New("%v: %d operands, expected %d", in.Op, len(in.Args), i)
	}

	return b, nil
}

// Decode decodes one instruction from the start of b.
// It returns the number of bytes consumed.
func Decode(b []byte) (in Instr, n int, err error) {
	if len(b) < WordSize {
		return in, 0, errors.New("unexpected end of code")
	}

	in.Op, in.Sub = SplitWord(binary.LittleEndian.Uint32(b))
	n = WordSize

	if !in.Op.Valid() {
		return in, n, errors.Wrap(ErrUnknownOpcode, "op %d", in.Op)
	}

	for _, s := range in.Op.Info().Shapes {
		if s == ShapeConst {
			size := int(in.Sub)
			padded := (size + WordSize - 1) / WordSize * WordSize

			if n+padded > len(b) {
				return in, n, errors.New("%v: const payload out of bounds", in.Op)
			}

			in.Const = b[n : n+size : n+size]
			n += padded

			continue
		}

		if n+WordSize > len(b) {
			return in, n, errors.New("%v: %v operand out of bounds", in.Op, s)
		}

		in.Args = append(in.Args, binary.LittleEndian.Uint32(b[n:]))
		n += WordSize
	}

	return in, n, nil
}

// DecodeAll decodes a function body.
func DecodeAll(b []byte) (r []Instr, err error) {
	for off := 0; off < len(b); {
		in, n, err := Decode(b[off:])
		if err != nil {
			return nil, errors.Wrap(err, "offset %d", off)
		}

		r = append(r, in)
		off += n
	}

	return r, nil
}

func (in Instr) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendMap(b, 3)
	b = e.AppendKeyInt64(b, "op", int64(in.Op))
	b = e.AppendKeyInt64(b, "sub", int64(in.Sub))
	b = e.AppendKeyInt64(b, "len", int64(in.Len()))

	return b
}
