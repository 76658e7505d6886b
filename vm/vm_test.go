package vm

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/slab/compiler/asm"
	"github.com/slowlang/slab/compiler/bytecode"
	"github.com/slowlang/slab/compiler/ir"
)

const (
	addName  = "add(a: Number, b: Number): Number"
	mainName = "main(): Number"
)

func f64(x float64) []byte {
	return binary.LittleEndian.AppendUint64(nil, math.Float64bits(x))
}

func num(t *testing.T, b []byte) float64 {
	t.Helper()

	require.Len(t, b, 8)

	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

func in(op bytecode.Op, sub uint16, args ...any) ir.Instr {
	return ir.Instr{Op: op, Sub: sub, Arg: args}
}

func cnst(x float64) ir.Instr {
	return in(bytecode.OpConst, 8, ir.Const(f64(x)))
}

func numFunc(name string, code ...any) *ir.Func {
	return &ir.Func{
		Name: name,
		Vars: []ir.Var{{Name: "$ret", Size: 8, Class: ir.ClassReturn}},
		Code: code,
	}
}

func addFunc() *ir.Func {
	return &ir.Func{
		Name: addName,
		Vars: []ir.Var{
			{Name: "a", Size: 8, Class: ir.ClassArg},
			{Name: "b", Size: 8, Class: ir.ClassArg},
			{Name: "$ret", Size: 8, Class: ir.ClassReturn},
		},
		Code: []any{
			in(bytecode.OpLoad, 8, ir.VarRef("a")),
			in(bytecode.OpLoad, 8, ir.VarRef("b")),
			in(bytecode.OpAdd, uint16(bytecode.NumF64)),
			in(bytecode.OpStore, 8, ir.VarRef("$ret")),
			in(bytecode.OpRet, 0),
		},
	}
}

func newVM(t *testing.T, fs ...*ir.Func) *VM {
	t.Helper()

	h, code, err := asm.Build(context.Background(), &ir.Program{Funcs: fs})
	require.NoError(t, err)

	return New(h, code, DefaultConfig())
}

func TestAdd(t *testing.T) {
	v := newVM(t, addFunc())

	err := v.Start(context.Background(), addName, append(f64(5), f64(7)...))
	require.NoError(t, err)

	assert.Equal(t, StateDone, v.State())
	assert.Equal(t, 12.0, num(t, v.Result()))
}

func TestCallStackBalance(t *testing.T) {
	v := newVM(t, addFunc(), numFunc(mainName,
		cnst(1),
		cnst(5),
		cnst(7),
		in(bytecode.OpCall, 0, ir.FuncRef(addName)),
		in(bytecode.OpAdd, uint16(bytecode.NumF64)),
		in(bytecode.OpStore, 8, ir.VarRef("$ret")),
		in(bytecode.OpRet, 0),
	))

	err := v.Start(context.Background(), mainName, nil)
	require.NoError(t, err)

	assert.Equal(t, 13.0, num(t, v.Result()))
	assert.Empty(t, v.ops)
	assert.Empty(t, v.stack)
	assert.Empty(t, v.frames)
}

func TestStackImbalance(t *testing.T) {
	v := newVM(t, numFunc(mainName,
		cnst(1),
		in(bytecode.OpRet, 0),
	))

	err := v.Start(context.Background(), mainName, nil)
	assert.ErrorIs(t, err, ErrStackImbalance)
	assert.Equal(t, StateFailed, v.State())

	err = v.Start(context.Background(), mainName, nil)
	assert.ErrorIs(t, err, ErrStackImbalance)
}

func TestLoop(t *testing.T) {
	// sum of 1..n
	f := &ir.Func{
		Name: "sum(n: Number): Number",
		Vars: []ir.Var{
			{Name: "n", Size: 8, Class: ir.ClassArg},
			{Name: "s", Size: 8, Class: ir.ClassLocal},
			{Name: "$ret", Size: 8, Class: ir.ClassReturn},
		},
		Code: []any{
			cnst(0),
			in(bytecode.OpStore, 8, ir.VarRef("s")),
			ir.Label(0),
			in(bytecode.OpLoad, 8, ir.VarRef("n")),
			cnst(0),
			in(bytecode.OpGt, uint16(bytecode.NumF64)),
			in(bytecode.OpBrFalse, 0, ir.Label(1)),
			in(bytecode.OpLoad, 8, ir.VarRef("s")),
			in(bytecode.OpLoad, 8, ir.VarRef("n")),
			in(bytecode.OpAdd, uint16(bytecode.NumF64)),
			in(bytecode.OpStore, 8, ir.VarRef("s")),
			in(bytecode.OpLoad, 8, ir.VarRef("n")),
			cnst(1),
			in(bytecode.OpSub, uint16(bytecode.NumF64)),
			in(bytecode.OpStore, 8, ir.VarRef("n")),
			in(bytecode.OpBr, 0, ir.Label(0)),
			ir.Label(1),
			in(bytecode.OpLoad, 8, ir.VarRef("s")),
			in(bytecode.OpStore, 8, ir.VarRef("$ret")),
			in(bytecode.OpRet, 0),
		},
		Labels: []string{"L0_loop", "L1_endloop"},
	}

	v := newVM(t, f)

	err := v.Start(context.Background(), f.Name, f64(10))
	require.NoError(t, err)

	assert.Equal(t, 55.0, num(t, v.Result()))
}

func TestPointerStore(t *testing.T) {
	f := &ir.Func{
		Name: mainName,
		Vars: []ir.Var{
			{Name: "x", Size: 8, Class: ir.ClassLocal},
			{Name: "$ret", Size: 8, Class: ir.ClassReturn},
		},
		Code: []any{
			cnst(1),
			in(bytecode.OpStore, 8, ir.VarRef("x")),
			in(bytecode.OpVarAddr, 0, ir.VarRef("x")),
			cnst(2),
			in(bytecode.OpStorePtr, 8),
			in(bytecode.OpLoad, 8, ir.VarRef("x")),
			in(bytecode.OpStore, 8, ir.VarRef("$ret")),
			in(bytecode.OpRet, 0),
		},
	}

	v := newVM(t, f)

	err := v.Start(context.Background(), mainName, nil)
	require.NoError(t, err)

	assert.Equal(t, 2.0, num(t, v.Result()))
}

func TestDataSegment(t *testing.T) {
	f := &ir.Func{
		Name: "second(): Char",
		Vars: []ir.Var{{Name: "$ret", Size: 1, Class: ir.ClassReturn}},
		Code: []any{
			in(bytecode.OpData, 1, ir.DataRef("d0")),
			in(bytecode.OpMember, 0, ir.Raw(16), ir.Raw(0), ir.Raw(8)),
			in(bytecode.OpConst, 8, ir.Const(binary.LittleEndian.AppendUint64(nil, 1))),
			in(bytecode.OpAdd, uint16(bytecode.NumU64)),
			in(bytecode.OpLoadPtr, 1),
			in(bytecode.OpStore, 1, ir.VarRef("$ret")),
			in(bytecode.OpRet, 0),
		},
		Data: []ir.Data{{Name: "d0", Bytes: []byte("xyz")}},
	}

	v := newVM(t, f)

	err := v.Start(context.Background(), f.Name, nil)
	require.NoError(t, err)

	assert.Equal(t, []byte("y"), v.Result())

	a := v.AllocData([]byte("hello"))
	assert.Equal(t, SegData, a.Segment())

	b, err := v.Load(a, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	err = v.Store(a, []byte("j"))
	assert.ErrorIs(t, err, ErrBadSegment)
}

func TestNullPointer(t *testing.T) {
	v := newVM(t, numFunc(mainName,
		in(bytecode.OpConst, 8, ir.Const(make([]byte, 8))),
		in(bytecode.OpLoadPtr, 8),
		in(bytecode.OpStore, 8, ir.VarRef("$ret")),
		in(bytecode.OpRet, 0),
	))

	err := v.Start(context.Background(), mainName, nil)
	assert.ErrorIs(t, err, ErrBadSegment)
}

func TestUnknownOpcode(t *testing.T) {
	h := &bytecode.Header{
		Funcs: []bytecode.Func{{Name: mainName, Offset: 0, Size: 4, Returns: []bytecode.Var{{Name: "$ret", Size: 8}}}},
	}

	code := binary.LittleEndian.AppendUint32(nil, bytecode.Word(bytecode.Op(0x7fff), 0))

	v := New(h, code, DefaultConfig())

	err := v.Start(context.Background(), mainName, nil)
	assert.ErrorIs(t, err, ErrUnknownOpcode)
}

func externProgram(name string) []*ir.Func {
	ext := &ir.Func{
		Name:   name,
		Extern: true,
		Vars:   []ir.Var{{Name: "$ret", Size: 8, Class: ir.ClassReturn}},
	}

	return []*ir.Func{ext, numFunc(mainName,
		cnst(1),
		in(bytecode.OpCall, 0, ir.FuncRef(name)),
		in(bytecode.OpAdd, uint16(bytecode.NumF64)),
		in(bytecode.OpStore, 8, ir.VarRef("$ret")),
		in(bytecode.OpRet, 0),
	)}
}

func TestUnboundExtern(t *testing.T) {
	v := newVM(t, externProgram("random(): Number")...)

	err := v.Start(context.Background(), mainName, nil)
	assert.ErrorIs(t, err, ErrUnboundExtern)
}

func TestExternSyncResume(t *testing.T) {
	v := newVM(t, externProgram("random(): Number")...)

	v.Resolve(func(name string) (Extern, bool) {
		if !ExternName(name, "random") {
			return nil, false
		}

		return func(ctx context.Context, c *Call) error {
			assert.Equal(t, "random(): Number", c.Func.Name)
			assert.Empty(t, c.Args)

			return c.VM.Resume(ctx, f64(0.5))
		}, true
	})

	err := v.Start(context.Background(), mainName, nil)
	require.NoError(t, err)

	assert.Equal(t, StateDone, v.State())
	assert.Equal(t, 1.5, num(t, v.Result()))
}

func TestExternAsyncResume(t *testing.T) {
	v := newVM(t, externProgram("input(): Number")...)

	var calls int

	v.Bind("input(): Number", func(ctx context.Context, c *Call) error {
		calls++
		return nil
	})

	ctx := context.Background()

	err := v.Start(ctx, mainName, nil)
	require.NoError(t, err)

	assert.Equal(t, StateSuspended, v.State())
	assert.Equal(t, 1, calls)
	assert.Nil(t, v.Result())

	err = v.Start(ctx, mainName, nil)
	assert.ErrorIs(t, err, ErrBusy)

	err = v.Resume(ctx, f64(41))
	require.NoError(t, err)

	assert.Equal(t, StateDone, v.State())
	assert.Equal(t, 42.0, num(t, v.Result()))

	err = v.Resume(ctx, nil)
	assert.ErrorIs(t, err, ErrNotSuspended)
}

func TestResumeWrongSize(t *testing.T) {
	v := newVM(t, externProgram("input(): Number")...)

	v.Bind("input(): Number", func(ctx context.Context, c *Call) error { return nil })

	ctx := context.Background()

	err := v.Start(ctx, mainName, nil)
	require.NoError(t, err)

	err = v.Resume(ctx, []byte{1})
	assert.Error(t, err)
	assert.Equal(t, StateFailed, v.State())
}

func TestExternArgs(t *testing.T) {
	ext := &ir.Func{
		Name:   "twice(x: Number): Number",
		Extern: true,
		Vars: []ir.Var{
			{Name: "x", Size: 8, Class: ir.ClassArg},
			{Name: "$ret", Size: 8, Class: ir.ClassReturn},
		},
	}

	v := newVM(t, ext, numFunc(mainName,
		cnst(21),
		in(bytecode.OpCall, 0, ir.FuncRef(ext.Name)),
		in(bytecode.OpStore, 8, ir.VarRef("$ret")),
		in(bytecode.OpRet, 0),
	))

	v.Bind(ext.Name, func(ctx context.Context, c *Call) error {
		require.Len(t, c.Args, 1)
		assert.Equal(t, SegStack, c.Args[0].Segment())

		b, err := c.VM.Load(c.Args[0], 8)
		if err != nil {
			return err
		}

		return c.VM.Resume(ctx, f64(2*num(t, b)))
	})

	err := v.Start(context.Background(), mainName, nil)
	require.NoError(t, err)

	assert.Equal(t, 42.0, num(t, v.Result()))
}

func TestAddr(t *testing.T) {
	a := MakeAddr(SegStack, 24)

	assert.Equal(t, SegStack, a.Segment())
	assert.Equal(t, 24, a.Offset())
	assert.Equal(t, Addr(SegmentSize+24), a)

	d, n := SplitSlice(Slice(MakeAddr(SegData, 8), 3))
	assert.Equal(t, MakeAddr(SegData, 8), d)
	assert.Equal(t, 3, n)
}
