package emit

import (
	"encoding/binary"
	"math"

	"tlog.app/go/errors"

	"github.com/slowlang/slab/compiler/bytecode"
	"github.com/slowlang/slab/compiler/ir"
	"github.com/slowlang/slab/compiler/tp"
	"github.com/slowlang/slab/compiler/typed"
)

func (b *builder) invocation(n *typed.Invocation) error {
	f := n.Func

	switch f.Kind {
	case tp.FuncUser, tp.FuncExtern:
		return b.call(n)
	case tp.FuncIntrinsic:
		return b.intrinsic(n)
	case tp.FuncFold:
		return b.internal(errors.New("unfolded constant operation %v", f.Mangled()))
	default:
		panic(f.Kind)
	}
}

func (b *builder) call(n *typed.Invocation) error {
	args := 0

	for _, a := range n.Args {
		if err := b.value(a); err != nil {
			return err
		}

		args += tp.Runtime(a.Type()).Size()
	}

	res := tp.Runtime(n.Func.Result).Size()

	return b.instr(bytecode.OpCall, 0, args, res, ir.FuncRef(n.Func.Mangled()))
}

func (b *builder) intrinsic(n *typed.Invocation) error {
	f := n.Func

	switch f.Op {
	case tp.OpAdd, tp.OpSub, tp.OpMul, tp.OpDiv, tp.OpMod:
		return b.binary(n, arith[f.Op], numOf(f.Args[0].Type), 8)
	case tp.OpEq, tp.OpNe, tp.OpLt, tp.OpLe, tp.OpGt, tp.OpGe:
		return b.binary(n, arith[f.Op], numOf(f.Args[0].Type), 1)
	case tp.OpNeg:
		if err := b.value(n.Args[0]); err != nil {
			return err
		}

		return b.instr(bytecode.OpNeg, uint16(bytecode.NumF64), 8, 8)
	case tp.OpNot:
		if err := b.value(n.Args[0]); err != nil {
			return err
		}

		return b.instr(bytecode.OpNot, uint16(bytecode.NumU8), 1, 1)
	case tp.OpAnd:
		return b.shortCircuit(n, bytecode.OpBrFalse, 0)
	case tp.OpOr:
		return b.shortCircuit(n, bytecode.OpBrTrue, 1)
	case tp.OpAssign:
		return b.assign(n)
	case tp.OpAddr:
		return b.address(n.Args[0])
	case tp.OpDeref, tp.OpIndex:
		if err := b.address(n); err != nil {
			return err
		}

		size := tp.Runtime(n.Type()).Size()

		return b.instr(bytecode.OpLoadPtr, uint16(size), tp.PointerSize, size)
	case tp.OpInc, tp.OpDec:
		return b.incdec(n)
	case tp.OpConstruct:
		for _, a := range n.Args {
			if err := b.value(a); err != nil {
				return err
			}
		}

		return nil
	case tp.OpDefer:
		return b.deferred(n)
	default:
		return b.internal(errors.New("no code generator for %v (%v)", f.Mangled(), f.Op))
	}
}

var arith = map[tp.Op]bytecode.Op{
	tp.OpAdd: bytecode.OpAdd,
	tp.OpSub: bytecode.OpSub,
	tp.OpMul: bytecode.OpMul,
	tp.OpDiv: bytecode.OpDiv,
	tp.OpMod: bytecode.OpMod,
	tp.OpEq:  bytecode.OpEq,
	tp.OpNe:  bytecode.OpNe,
	tp.OpLt:  bytecode.OpLt,
	tp.OpLe:  bytecode.OpLe,
	tp.OpGt:  bytecode.OpGt,
	tp.OpGe:  bytecode.OpGe,
}

func numOf(t tp.Type) bytecode.Num {
	p, ok := tp.Runtime(t).(*tp.Primitive)
	if !ok {
		panic(t)
	}

	switch p.Repr {
	case tp.ReprFloat64:
		return bytecode.NumF64
	case tp.ReprUint64:
		return bytecode.NumU64
	case tp.ReprUint8, tp.ReprBool:
		return bytecode.NumU8
	default:
		panic(p.Repr)
	}
}

func (b *builder) binary(n *typed.Invocation, op bytecode.Op, num bytecode.Num, res int) error {
	for _, a := range n.Args {
		if err := b.value(a); err != nil {
			return err
		}
	}

	return b.instr(op, uint16(num), 2*num.Size(), res)
}

// shortCircuit skips the right operand when the left one decides.
func (b *builder) shortCircuit(n *typed.Invocation, br bytecode.Op, decided byte) error {
	d := b.depth

	if err := b.value(n.Args[0]); err != nil {
		return err
	}

	short := b.label("short")
	end := b.label("endbool")

	if err := b.instr(br, 0, 1, 0, short); err != nil {
		return err
	}

	if err := b.value(n.Args[1]); err != nil {
		return err
	}

	if err := b.instr(bytecode.OpBr, 0, 0, 0, end); err != nil {
		return err
	}

	b.place(short, d)

	if err := b.instr(bytecode.OpConst, 1, 0, 1, ir.Const{decided}); err != nil {
		return err
	}

	b.place(end, d+1)

	return nil
}

func (b *builder) assign(n *typed.Invocation) error {
	dst, src := n.Args[0], n.Args[1]
	size := tp.Runtime(src.Type()).Size()

	if v, ok := dst.(*typed.VariableDereference); ok {
		if err := b.value(src); err != nil {
			return err
		}

		return b.instr(bytecode.OpStore, uint16(size), size, 0, ir.VarRef(v.Name))
	}

	if err := b.address(dst); err != nil {
		return err
	}

	if err := b.value(src); err != nil {
		return err
	}

	return b.instr(bytecode.OpStorePtr, uint16(size), tp.PointerSize+size, 0)
}

func (b *builder) incdec(n *typed.Invocation) error {
	op := bytecode.OpAdd
	if n.Func.Op == tp.OpDec {
		op = bytecode.OpSub
	}

	one := ir.Const(binary.LittleEndian.AppendUint64(nil, math.Float64bits(1)))
	f64 := uint16(bytecode.NumF64)

	if v, ok := n.Args[0].(*typed.VariableDereference); ok {
		for _, in := range []struct {
			op       bytecode.Op
			sub      uint16
			pop, psh int
			args     []any
		}{
			{bytecode.OpLoad, 8, 0, 8, []any{ir.VarRef(v.Name)}},
			{bytecode.OpConst, 8, 0, 8, []any{one}},
			{op, f64, 16, 8, nil},
			{bytecode.OpDup, 8, 8, 16, nil},
			{bytecode.OpStore, 8, 8, 0, []any{ir.VarRef(v.Name)}},
		} {
			if err := b.instr(in.op, in.sub, in.pop, in.psh, in.args...); err != nil {
				return err
			}
		}

		return nil
	}

	if err := b.address(n.Args[0]); err != nil {
		return err
	}

	t := b.tmp(8)

	for _, in := range []struct {
		op       bytecode.Op
		sub      uint16
		pop, psh int
		args     []any
	}{
		{bytecode.OpDup, 8, 8, 16, nil},
		{bytecode.OpLoadPtr, 8, 8, 8, nil},
		{bytecode.OpConst, 8, 0, 8, []any{one}},
		{op, f64, 16, 8, nil},
		{bytecode.OpDup, 8, 8, 16, nil},
		{bytecode.OpStore, 8, 8, 0, []any{ir.VarRef(t)}},
		{bytecode.OpStorePtr, 8, 16, 0, nil},
		{bytecode.OpLoad, 8, 0, 8, []any{ir.VarRef(t)}},
	} {
		if err := b.instr(in.op, in.sub, in.pop, in.psh, in.args...); err != nil {
			return err
		}
	}

	return nil
}

// address emits the address of an assignable node.
func (b *builder) address(n typed.Node) error {
	d := b.depth

	if err := b.addressOf(n); err != nil {
		return err
	}

	if b.depth != d+tp.PointerSize {
		return b.internal(errors.New("address of %T emitted %d bytes", n, b.depth-d)).OfType(n.Type().Name())
	}

	return nil
}

func (b *builder) addressOf(n typed.Node) error {
	switch n := n.(type) {
	case *typed.VariableDereference:
		return b.instr(bytecode.OpVarAddr, 0, 0, tp.PointerSize, ir.VarRef(n.Name))
	case *typed.MemberAccess:
		if !tp.IsReference(n.X.Type()) {
			return b.internal(errors.New("member of a temporary value is not addressable")).OfType(n.X.Type().Name())
		}

		if err := b.address(n.X); err != nil {
			return err
		}

		if n.Offset == 0 {
			return nil
		}

		return b.offset(uint64(n.Offset))
	case *typed.Invocation:
		switch n.Func.Op {
		case tp.OpDeref:
			return b.value(n.Args[0])
		case tp.OpIndex:
			return b.index(n)
		}
	}

	return b.internal(errors.New("%T is not addressable", n)).OfType(n.Type().Name())
}

func (b *builder) offset(off uint64) error {
	c := ir.Const(binary.LittleEndian.AppendUint64(nil, off))

	if err := b.instr(bytecode.OpConst, 8, 0, 8, c); err != nil {
		return err
	}

	return b.instr(bytecode.OpAdd, uint16(bytecode.NumU64), 16, 8)
}

// index emits base + i*E where E is the element size.
func (b *builder) index(n *typed.Invocation) error {
	base, i := n.Args[0], n.Args[1]

	if err := b.value(base); err != nil {
		return err
	}

	if _, ok := tp.Runtime(base.Type()).(*tp.Slice); ok {
		err := b.instr(bytecode.OpMember, 0, tp.SliceSize, tp.PointerSize, ir.Raw(tp.SliceSize), ir.Raw(0), ir.Raw(tp.PointerSize))
		if err != nil {
			return err
		}
	}

	if err := b.value(i); err != nil {
		return err
	}

	if err := b.instr(bytecode.OpConv, bytecode.Conv(bytecode.NumF64, bytecode.NumU64), 8, 8); err != nil {
		return err
	}

	elem := uint64(tp.Runtime(n.Type()).Size())
	c := ir.Const(binary.LittleEndian.AppendUint64(nil, elem))

	if err := b.instr(bytecode.OpConst, 8, 0, 8, c); err != nil {
		return err
	}

	if err := b.instr(bytecode.OpMul, uint16(bytecode.NumU64), 16, 8); err != nil {
		return err
	}

	return b.instr(bytecode.OpAdd, uint16(bytecode.NumU64), 16, 8)
}

// deferred registers a cleanup in the innermost scope. Its arguments are
// evaluated now and kept in temporaries until the scope exits.
func (b *builder) deferred(n *typed.Invocation) error {
	if len(b.scopes) == 0 {
		return b.internal(errors.New("defer outside of a scope"))
	}

	x := n.Args[0]

	c := cleanup{fn: n.Func.Dispose}
	vals := []typed.Node{x}

	if inv, ok := typed.DeferredCall(x); ok {
		c.fn = inv.Func
		vals = inv.Args
	}

	if c.fn == nil {
		return b.internal(errors.New("no disposal for deferred %v", x.Type().Name()))
	}

	for _, v := range vals {
		if err := b.value(v); err != nil {
			return err
		}

		size := tp.Runtime(v.Type()).Size()
		if size == 0 {
			c.args = append(c.args, capture{})
			continue
		}

		t := b.tmp(size)

		if err := b.instr(bytecode.OpStore, uint16(size), size, 0, ir.VarRef(t)); err != nil {
			return err
		}

		c.args = append(c.args, capture{name: t, size: size})
	}

	s := b.scopes[len(b.scopes)-1]
	s.cleanups = append(s.cleanups, c)

	return nil
}
