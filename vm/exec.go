package vm

import (
	"context"
	"encoding/binary"
	"math"

	"tlog.app/go/errors"

	"github.com/slowlang/slab/compiler/bytecode"
)

func (v *VM) step(ctx context.Context, fr *frame, in bytecode.Instr) (err error) {
	size := int(in.Sub)

	switch in.Op {
	case bytecode.OpNop:
	case bytecode.OpLoad:
		m, err := v.slot(fr, in.Args[0], size)
		if err != nil {
			return err
		}

		v.ops = append(v.ops, m...)
	case bytecode.OpStore:
		m, err := v.slot(fr, in.Args[0], size)
		if err != nil {
			return err
		}

		b, err := v.pop(size)
		if err != nil {
			return err
		}

		copy(m, b)
	case bytecode.OpVarAddr:
		if int(in.Args[0]) >= len(fr.refs) {
			return errors.New("no slot %d", in.Args[0])
		}

		v.pushU64(uint64(fr.refs[in.Args[0]]))
	case bytecode.OpConst:
		v.ops = append(v.ops, in.Const...)
	case bytecode.OpData:
		di := int(in.Args[0])
		if di >= len(v.h.Data) {
			return errors.New("no data %d", di)
		}

		if size == 0 {
			return errors.New("zero element size")
		}

		d := v.h.Data[di]

		v.ops = append(v.ops, Slice(MakeAddr(SegData, d.Offset), d.Size/size)...)
	case bytecode.OpDrop:
		_, err = v.pop(size)
	case bytecode.OpDup:
		if size > len(v.ops) {
			return errors.Wrap(ErrStackImbalance, "dup %d bytes of %d", size, len(v.ops))
		}

		v.ops = append(v.ops, v.ops[len(v.ops)-size:]...)
	case bytecode.OpLoadPtr:
		a, err := v.popU64()
		if err != nil {
			return err
		}

		m, err := v.mem(Addr(a), size, false)
		if err != nil {
			return err
		}

		v.ops = append(v.ops, m...)
	case bytecode.OpStorePtr:
		b, err := v.pop(size)
		if err != nil {
			return err
		}

		val := append([]byte(nil), b...)

		a, err := v.popU64()
		if err != nil {
			return err
		}

		return v.Store(Addr(a), val)
	case bytecode.OpMember:
		agg, off, n := int(in.Args[0]), int(in.Args[1]), int(in.Args[2])
		if off+n > agg {
			return errors.New("member %d:%d out of %d bytes", off, n, agg)
		}

		b, err := v.pop(agg)
		if err != nil {
			return err
		}

		v.ops = append(v.ops, b[off:off+n]...)
	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod,
		bytecode.OpEq, bytecode.OpNe, bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
		return v.binary(in.Op, bytecode.Num(in.Sub))
	case bytecode.OpNeg:
		return v.neg(bytecode.Num(in.Sub))
	case bytecode.OpNot:
		b, err := v.pop(1)
		if err != nil {
			return err
		}

		v.pushBool(b[0] == 0)
	case bytecode.OpConv:
		return v.conv(bytecode.SplitConv(in.Sub))
	case bytecode.OpBr:
		return v.jump(fr, in.Args[0])
	case bytecode.OpBrFalse, bytecode.OpBrTrue:
		b, err := v.pop(1)
		if err != nil {
			return err
		}

		if (b[0] != 0) == (in.Op == bytecode.OpBrTrue) {
			return v.jump(fr, in.Args[0])
		}
	case bytecode.OpCall:
		return v.call(ctx, int(in.Args[0]))
	case bytecode.OpRet:
		return v.ret(fr)
	default:
		return errors.Wrap(ErrUnknownOpcode, "op %d", in.Op)
	}

	return err
}

func (v *VM) slot(fr *frame, i uint32, size int) ([]byte, error) {
	if int(i) >= len(fr.refs) {
		return nil, errors.New("no slot %d", i)
	}

	return v.mem(fr.refs[i], size, false)
}

func (v *VM) jump(fr *frame, l uint32) error {
	if int(l) >= len(fr.labels) {
		return errors.New("no label %d", l)
	}

	fr.pc = fr.labels[l]

	return nil
}

func (v *VM) binary(op bytecode.Op, num bytecode.Num) error {
	size := num.Size()
	if size == 0 {
		return errors.New("%v: bad numeric subtype %d", op, num)
	}

	rb, err := v.pop(size)
	if err != nil {
		return err
	}

	r := decodeNum(num, rb)

	lb, err := v.pop(size)
	if err != nil {
		return err
	}

	l := decodeNum(num, lb)

	if num == bytecode.NumF64 {
		a, b := math.Float64frombits(l), math.Float64frombits(r)

		switch op {
		case bytecode.OpAdd:
			v.pushU64(math.Float64bits(a + b))
		case bytecode.OpSub:
			v.pushU64(math.Float64bits(a - b))
		case bytecode.OpMul:
			v.pushU64(math.Float64bits(a * b))
		case bytecode.OpDiv:
			v.pushU64(math.Float64bits(a / b))
		case bytecode.OpMod:
			v.pushU64(math.Float64bits(math.Mod(a, b)))
		default:
			v.pushBool(compare(op, a, b))
		}

		return nil
	}

	switch op {
	case bytecode.OpAdd:
		v.pushNum(num, l+r)
	case bytecode.OpSub:
		v.pushNum(num, l-r)
	case bytecode.OpMul:
		v.pushNum(num, l*r)
	case bytecode.OpDiv, bytecode.OpMod:
		if r == 0 {
			return errors.New("%v: integer division by zero", op)
		}

		if op == bytecode.OpDiv {
			v.pushNum(num, l/r)
		} else {
			v.pushNum(num, l%r)
		}
	default:
		v.pushBool(compare(op, l, r))
	}

	return nil
}

func compare[T float64 | uint64](op bytecode.Op, a, b T) bool {
	switch op {
	case bytecode.OpEq:
		return a == b
	case bytecode.OpNe:
		return a != b
	case bytecode.OpLt:
		return a < b
	case bytecode.OpLe:
		return a <= b
	case bytecode.OpGt:
		return a > b
	case bytecode.OpGe:
		return a >= b
	default:
		panic(op)
	}
}

func (v *VM) neg(num bytecode.Num) error {
	size := num.Size()
	if size == 0 {
		return errors.New("neg: bad numeric subtype %d", num)
	}

	b, err := v.pop(size)
	if err != nil {
		return err
	}

	x := decodeNum(num, b)

	if num == bytecode.NumF64 {
		v.pushU64(math.Float64bits(-math.Float64frombits(x)))
	} else {
		v.pushNum(num, -x)
	}

	return nil
}

func (v *VM) conv(from, to bytecode.Num) error {
	if from.Size() == 0 || to.Size() == 0 {
		return errors.New("conv: bad numeric subtypes %d -> %d", from, to)
	}

	b, err := v.pop(from.Size())
	if err != nil {
		return err
	}

	x := decodeNum(from, b)

	var f float64
	var u uint64

	if from == bytecode.NumF64 {
		f = math.Float64frombits(x)
		u = uint64(f)
	} else {
		u = x
		f = float64(x)
	}

	if to == bytecode.NumF64 {
		v.pushU64(math.Float64bits(f))
	} else {
		v.pushNum(to, u)
	}

	return nil
}

func (v *VM) pop(n int) ([]byte, error) {
	if n > len(v.ops) {
		return nil, errors.Wrap(ErrStackImbalance, "pop %d bytes of %d", n, len(v.ops))
	}

	l := len(v.ops) - n
	b := v.ops[l:]
	v.ops = v.ops[:l]

	return b, nil
}

func (v *VM) popU64() (uint64, error) {
	b, err := v.pop(8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

func (v *VM) pushU64(x uint64) {
	v.ops = binary.LittleEndian.AppendUint64(v.ops, x)
}

func (v *VM) pushNum(num bytecode.Num, x uint64) {
	if num.Size() == 1 {
		v.ops = append(v.ops, byte(x))
		return
	}

	v.pushU64(x)
}

func (v *VM) pushBool(x bool) {
	if x {
		v.ops = append(v.ops, 1)
	} else {
		v.ops = append(v.ops, 0)
	}
}

func decodeNum(num bytecode.Num, b []byte) uint64 {
	if num.Size() == 1 {
		return uint64(b[0])
	}

	return binary.LittleEndian.Uint64(b)
}
