package emit

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/slab/compiler/ast"
	"github.com/slowlang/slab/compiler/ast/astb"
	"github.com/slowlang/slab/compiler/bytecode"
	"github.com/slowlang/slab/compiler/check"
	"github.com/slowlang/slab/compiler/diag"
	"github.com/slowlang/slab/compiler/ir"
	"github.com/slowlang/slab/compiler/tp"
	"github.com/slowlang/slab/compiler/typed"
)

func emit(t *testing.T, b *astb.B, ds ...ast.Decl) *ir.Program {
	t.Helper()

	ctx := context.Background()

	p, err := check.Build(ctx, b.Program(ds...))
	require.NoError(t, err)

	r, err := Emit(ctx, p)
	require.NoError(t, err)

	return r
}

func fn(t *testing.T, p *ir.Program, name string) *ir.Func {
	t.Helper()

	f, ok := p.Func(name)
	require.True(t, ok, "func %v", name)

	return f
}

func ops(f *ir.Func) (r []bytecode.Op) {
	for _, in := range f.Instrs() {
		r = append(r, in.Op)
	}

	return r
}

func TestAdd(t *testing.T) {
	b := astb.New("add")

	p := emit(t, b,
		b.Func("add", []ast.Param{b.Param("a", b.Id("Number")), b.Param("b", b.Id("Number"))}, b.Id("Number"),
			b.Bin("+", b.Id("a"), b.Id("b"))),
	)

	f := fn(t, p, "add(a: Number, b: Number): Number")

	assert.Equal(t, []bytecode.Op{
		bytecode.OpLoad,
		bytecode.OpLoad,
		bytecode.OpAdd,
		bytecode.OpStore,
		bytecode.OpRet,
	}, ops(f))

	assert.Equal(t, []ir.Var{
		{Name: "a", Size: 8, Class: ir.ClassArg},
		{Name: "b", Size: 8, Class: ir.ClassArg},
		{Name: "$ret", Size: 8, Class: ir.ClassReturn},
	}, f.Vars)
}

func TestDeferOrder(t *testing.T) {
	b := astb.New("defer")

	num := func() ast.Expr { return b.Id("Number") }

	p := emit(t, b,
		b.Func("acquire", []ast.Param{b.Param("n", num())}, num(), b.Id("n")),
		b.Extern("dispose", []ast.Param{b.Param("n", num())}, nil),
		b.Func("main", nil, nil, b.Block(
			b.Var("a", nil, b.CallN("acquire", b.Num(1))),
			b.Var("b", nil, b.CallN("acquire", b.Num(2))),
			b.CallN("@defer", b.Id("a")),
			b.CallN("@defer", b.Id("b")),
			b.CallN("acquire", b.Num(3)),
		)),
	)

	f := fn(t, p, "main(): Void")
	ins := f.Instrs()

	captured := map[ir.VarRef]ir.VarRef{}
	var disposed []ir.VarRef

	for i, in := range ins {
		switch {
		case in.Op == bytecode.OpStore && i > 0 && ins[i-1].Op == bytecode.OpLoad:
			captured[in.Arg[0].(ir.VarRef)] = ins[i-1].Arg[0].(ir.VarRef)
		case in.Op == bytecode.OpCall && in.Arg[0] == ir.FuncRef("dispose(n: Number): Void"):
			prev := ins[i-1]
			require.Equal(t, bytecode.OpLoad, prev.Op)

			disposed = append(disposed, captured[prev.Arg[0].(ir.VarRef)])
		}
	}

	assert.Equal(t, []ir.VarRef{"b", "a"}, disposed)
	assert.Equal(t, bytecode.OpRet, ins[len(ins)-1].Op)

	ext := fn(t, p, "dispose(n: Number): Void")
	assert.True(t, ext.Extern)
	assert.Empty(t, ext.Code)
}

func TestDeferCapturesArguments(t *testing.T) {
	b := astb.New("defercall")

	num := func() ast.Expr { return b.Id("Number") }

	p := emit(t, b,
		b.Extern("release", []ast.Param{b.Param("n", num())}, nil),
		b.Func("main", nil, nil, b.Block(
			b.Var("a", num(), b.Num(1)),
			b.CallN("@defer", b.CallN("release", b.Id("a"))),
			b.Assign(b.Id("a"), b.Num(5)),
		)),
	)

	ins := fn(t, p, "main(): Void").Instrs()

	var at int

	for i, in := range ins {
		if in.Op == bytecode.OpCall {
			at = i
		}
	}

	require.NotZero(t, at)
	require.Equal(t, bytecode.OpLoad, ins[at-1].Op)
	assert.NotEqual(t, ir.VarRef("a"), ins[at-1].Arg[0])
}

func TestDeferRunsOnReturn(t *testing.T) {
	b := astb.New("deferret")

	p := emit(t, b,
		b.Extern("release", []ast.Param{b.Param("n", b.Id("Number"))}, nil),
		b.Func("f", []ast.Param{b.Param("c", b.Id("Boolean"))}, b.Id("Number"), b.Block(
			b.CallN("@defer", b.CallN("release", b.Num(1))),
			b.If(b.Id("c"), b.Block(b.Ret(b.Num(2))), nil),
			b.Ret(b.Num(3)),
		)),
	)

	f := fn(t, p, "f(c: Boolean): Number")

	calls := 0
	rets := 0

	for _, in := range f.Instrs() {
		switch in.Op {
		case bytecode.OpCall:
			calls++
		case bytecode.OpRet:
			rets++
		}
	}

	assert.Equal(t, 2, rets)
	assert.Equal(t, 2, calls)
}

func TestStaticFalseIfEmitsNoBranch(t *testing.T) {
	b := astb.New("staticif")

	p := emit(t, b,
		b.Func("main", nil, b.Id("Number"), b.Block(
			b.If(b.Id("false"), b.Block(b.Ret(b.Num(1))), nil),
			b.Ret(b.Num(2)),
		)),
	)

	f := fn(t, p, "main(): Number")

	for _, op := range ops(f) {
		assert.NotContains(t, []bytecode.Op{bytecode.OpBr, bytecode.OpBrFalse, bytecode.OpBrTrue}, op)
	}

	assert.Equal(t, []bytecode.Op{bytecode.OpConst, bytecode.OpStore, bytecode.OpRet}, ops(f))
}

func TestIfValue(t *testing.T) {
	b := astb.New("ifvalue")

	p := emit(t, b,
		b.Func("f", []ast.Param{b.Param("c", b.Id("Boolean"))}, b.Id("Number"),
			b.If(b.Id("c"), b.Num(1), b.Num(2))),
	)

	f := fn(t, p, "f(c: Boolean): Number")

	assert.Equal(t, []bytecode.Op{
		bytecode.OpLoad,
		bytecode.OpBrFalse,
		bytecode.OpConst,
		bytecode.OpBr,
		bytecode.OpConst,
		bytecode.OpStore,
		bytecode.OpRet,
	}, ops(f))

	assert.Len(t, f.Labels, 2)
}

func TestShortCircuit(t *testing.T) {
	b := astb.New("and")

	p := emit(t, b,
		b.Func("f", []ast.Param{b.Param("a", b.Id("Boolean")), b.Param("b", b.Id("Boolean"))}, nil,
			b.Bin("&&", b.Id("a"), b.Id("b"))),
	)

	f := fn(t, p, "f(a: Boolean, b: Boolean): Boolean")

	assert.Equal(t, []bytecode.Op{
		bytecode.OpLoad,
		bytecode.OpBrFalse,
		bytecode.OpLoad,
		bytecode.OpBr,
		bytecode.OpConst,
		bytecode.OpStore,
		bytecode.OpRet,
	}, ops(f))
}

func TestSliceIndexAddressing(t *testing.T) {
	for _, tc := range []struct {
		elem string
		size uint64
	}{
		{"Number", 8},
		{"Char", 1},
	} {
		t.Run(tc.elem, func(t *testing.T) {
			b := astb.New("index")

			p := emit(t, b,
				b.Func("f", []ast.Param{
					b.Param("s", b.SpecN("Slice", b.Id(tc.elem))),
					b.Param("i", b.Id("Number")),
				}, nil, b.Index(b.Id("s"), b.Id("i"))),
			)

			f := p.Funcs[0]
			ins := f.Instrs()

			assert.Equal(t, []bytecode.Op{
				bytecode.OpLoad,
				bytecode.OpMember,
				bytecode.OpLoad,
				bytecode.OpConv,
				bytecode.OpConst,
				bytecode.OpMul,
				bytecode.OpAdd,
				bytecode.OpLoadPtr,
				bytecode.OpStore,
				bytecode.OpRet,
			}, ops(f))

			c := ins[4].Arg[0].(ir.Const)
			assert.Equal(t, tc.size, binary.LittleEndian.Uint64(c))
			assert.Equal(t, uint16(tc.size), ins[7].Sub)
		})
	}
}

func TestAssignThroughPointer(t *testing.T) {
	b := astb.New("ptr")

	p := emit(t, b,
		b.Func("main", nil, b.Id("Number"), b.Block(
			b.Var("x", b.Id("Number"), b.Num(1)),
			b.Var("r", nil, b.CallN("@addr", b.Id("x"))),
			b.Assign(b.CallN("@deref", b.Id("r")), b.Num(2)),
			b.Ret(b.Id("x")),
		)),
	)

	f := fn(t, p, "main(): Number")

	assert.Equal(t, []bytecode.Op{
		bytecode.OpConst, bytecode.OpStore, // x = 1
		bytecode.OpVarAddr, bytecode.OpStore, // r = @addr(x)
		bytecode.OpLoad, bytecode.OpConst, bytecode.OpStorePtr, // @deref(r) = 2
		bytecode.OpLoad, bytecode.OpStore, bytecode.OpRet,
	}, ops(f))
}

func TestVoidImplicitReturn(t *testing.T) {
	b := astb.New("void")

	p := emit(t, b,
		b.Func("f", nil, nil, b.Block()),
	)

	f := fn(t, p, "f(): Void")

	assert.Equal(t, []bytecode.Op{bytecode.OpRet}, ops(f))
	assert.Equal(t, []ir.Var{{Name: "$ret", Size: 0, Class: ir.ClassReturn}}, f.Vars)
}

func TestWhileLoop(t *testing.T) {
	b := astb.New("while")

	p := emit(t, b,
		b.Func("f", []ast.Param{b.Param("n", b.Id("Number"))}, b.Id("Number"), b.Block(
			b.Var("s", nil, b.Num(0)),
			b.While(b.Bin(">", b.Id("n"), b.Num(0)), b.Block(
				b.Assign(b.Id("s"), b.Bin("+", b.Id("s"), b.Id("n"))),
				b.Un("--", b.Id("n")),
			)),
			b.Ret(b.Id("s")),
		)),
	)

	f := fn(t, p, "f(n: Number): Number")

	labels := 0

	for _, x := range f.Code {
		if _, ok := x.(ir.Label); ok {
			labels++
		}
	}

	assert.Equal(t, 2, labels)
	assert.Contains(t, ops(f), bytecode.OpGt)
	assert.Contains(t, ops(f), bytecode.OpDup)
}

func TestSizeMismatchIsInternal(t *testing.T) {
	sig := tp.NewFunc("bad", tp.FuncUser, tp.OpNone, tp.Number)

	bogus := tp.NewFunc("bogus", tp.FuncIntrinsic, tp.OpConstruct, tp.Number, tp.Arg{Name: "c", Type: tp.Char})

	body := &typed.Invocation{
		Base: typed.At(tp.Number, ast.Native),
		Func: bogus,
		Args: []typed.Node{&typed.Literal{Base: typed.At(tp.Char, ast.Native), Value: tp.CharConst('x')}},
	}

	_, err := Func(context.Background(), &typed.Function{Sig: sig, Body: body})
	require.Error(t, err)

	var ierr *diag.InternalError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, "emit", ierr.Phase)
	assert.Equal(t, "bad(): Number", ierr.Func)
	assert.Equal(t, "Number", ierr.Type)
}

func TestNotInstantiableVariable(t *testing.T) {
	sig := tp.NewFunc("bad", tp.FuncUser, tp.OpNone, tp.Void, tp.Arg{Name: "t", Type: tp.Meta})

	_, err := Func(context.Background(), &typed.Function{Sig: sig, Args: []string{"t"}, Body: typed.NewNOP(ast.Native)})

	var ierr *diag.InternalError
	require.ErrorAs(t, err, &ierr)
}

func TestOversizedValueIsInternal(t *testing.T) {
	elems := make([]tp.Type, 8193)
	for i := range elems {
		elems[i] = tp.Number
	}

	big := tp.NewTuple(elems...)
	require.Greater(t, big.Size(), 0xffff)

	sig := tp.NewFunc("big", tp.FuncUser, tp.OpNone, tp.Void, tp.Arg{Name: "x", Type: big})

	_, err := Func(context.Background(), &typed.Function{Sig: sig, Args: []string{"x"}, Body: typed.NewNOP(ast.Native)})

	var ierr *diag.InternalError
	require.ErrorAs(t, err, &ierr)
	assert.Contains(t, ierr.Error(), "exceeds instruction limit")
}
