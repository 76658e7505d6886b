package asm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/slab/compiler/bytecode"
	"github.com/slowlang/slab/compiler/diag"
	"github.com/slowlang/slab/compiler/ir"
)

func addFunc() *ir.Func {
	return &ir.Func{
		Name: "add(a: Number, b: Number): Number",
		Vars: []ir.Var{
			{Name: "a", Size: 8, Class: ir.ClassArg},
			{Name: "b", Size: 8, Class: ir.ClassArg},
			{Name: "$ret", Size: 8, Class: ir.ClassReturn},
		},
		Code: []any{
			ir.Instr{Op: bytecode.OpLoad, Sub: 8, Arg: []any{ir.VarRef("a")}},
			ir.Instr{Op: bytecode.OpLoad, Sub: 8, Arg: []any{ir.VarRef("b")}},
			ir.Instr{Op: bytecode.OpAdd, Sub: uint16(bytecode.NumF64)},
			ir.Instr{Op: bytecode.OpStore, Sub: 8, Arg: []any{ir.VarRef("$ret")}},
			ir.Instr{Op: bytecode.OpRet},
		},
	}
}

func TestBuildAdd(t *testing.T) {
	h, code, err := Build(context.Background(), &ir.Program{Funcs: []*ir.Func{addFunc()}})
	require.NoError(t, err)

	require.Len(t, h.Funcs, 1)

	f := h.Funcs[0]
	assert.Equal(t, 0, f.Offset)
	assert.Equal(t, 8*bytecode.WordSize, f.Size)
	assert.Len(t, code, f.Size)

	ins, err := bytecode.DecodeAll(f.Body(code))
	require.NoError(t, err)
	require.Len(t, ins, 5)

	assert.Equal(t, []uint32{0}, ins[0].Args)
	assert.Equal(t, []uint32{1}, ins[1].Args)
	assert.Equal(t, []uint32{2}, ins[3].Args)

	again, err := bytecode.EncodeAll(nil, ins)
	require.NoError(t, err)
	assert.Equal(t, f.Body(code), again)
}

func TestLabelsAreWordOffsets(t *testing.T) {
	f := &ir.Func{
		Name: "loop(): Void",
		Vars: []ir.Var{{Name: "$ret", Size: 0, Class: ir.ClassReturn}},
		Code: []any{
			ir.Label(0),
			ir.Instr{Op: bytecode.OpConst, Sub: 1, Arg: []any{ir.Const{1}}},
			ir.Instr{Op: bytecode.OpBrFalse, Arg: []any{ir.Label(1)}},
			ir.Instr{Op: bytecode.OpBr, Arg: []any{ir.Label(0)}},
			ir.Label(1),
			ir.Instr{Op: bytecode.OpRet},
		},
		Labels: []string{"L0_loop", "L1_endloop"},
	}

	h, code, err := Build(context.Background(), &ir.Program{Funcs: []*ir.Func{f}})
	require.NoError(t, err)

	assert.Equal(t, []bytecode.Label{
		{Name: "L0_loop", Offset: 0},
		{Name: "L1_endloop", Offset: 6},
	}, h.Funcs[0].Labels)

	ins, err := bytecode.DecodeAll(h.Funcs[0].Body(code))
	require.NoError(t, err)

	assert.Equal(t, []uint32{1}, ins[1].Args)
	assert.Equal(t, []uint32{0}, ins[2].Args)
}

func TestDataAlignment(t *testing.T) {
	f := &ir.Func{
		Name: "s(): Slice<Char>",
		Vars: []ir.Var{{Name: "$ret", Size: 16, Class: ir.ClassReturn}},
		Code: []any{
			ir.Instr{Op: bytecode.OpData, Sub: 1, Arg: []any{ir.DataRef("d1")}},
			ir.Instr{Op: bytecode.OpStore, Sub: 16, Arg: []any{ir.VarRef("$ret")}},
			ir.Instr{Op: bytecode.OpRet},
		},
		Data: []ir.Data{
			{Name: "d0", Bytes: []byte("abc")},
			{Name: "d1", Bytes: []byte("hello")},
		},
	}

	h, code, err := Build(context.Background(), &ir.Program{Funcs: []*ir.Func{addFunc(), f}})
	require.NoError(t, err)

	base := h.Funcs[0].Size

	assert.Equal(t, []bytecode.DataInfo{
		{Name: "s(): Slice<Char>/d0", Offset: base, Size: 3},
		{Name: "s(): Slice<Char>/d1", Offset: base + 4, Size: 5},
	}, h.Data)

	assert.Equal(t, "hello", string(code[base+4:base+9]))
	assert.Equal(t, base+12, h.Funcs[1].Offset)

	ins, err := bytecode.DecodeAll(h.Funcs[1].Body(code))
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, ins[0].Args)
}

func TestExternHasNoBody(t *testing.T) {
	ext := &ir.Func{
		Name:   "print(x: Number): Void",
		Extern: true,
		Vars: []ir.Var{
			{Name: "x", Size: 8, Class: ir.ClassArg},
			{Name: "$ret", Size: 0, Class: ir.ClassReturn},
		},
	}

	main := &ir.Func{
		Name: "main(): Void",
		Vars: []ir.Var{{Name: "$ret", Size: 0, Class: ir.ClassReturn}},
		Code: []any{
			ir.Instr{Op: bytecode.OpConst, Sub: 8, Arg: []any{ir.Const(make([]byte, 8))}},
			ir.Instr{Op: bytecode.OpCall, Arg: []any{ir.FuncRef(ext.Name)}},
			ir.Instr{Op: bytecode.OpRet},
		},
	}

	h, code, err := Build(context.Background(), &ir.Program{Funcs: []*ir.Func{ext, main}})
	require.NoError(t, err)

	assert.True(t, h.Funcs[0].Extern())
	assert.Equal(t, 0, h.Funcs[0].Size)
	assert.Equal(t, []bytecode.Var{{Name: "x", Size: 8}}, h.Funcs[0].Args)

	assert.Equal(t, 0, h.Funcs[1].Offset)

	ins, err := bytecode.DecodeAll(h.Funcs[1].Body(code))
	require.NoError(t, err)
	assert.Equal(t, []uint32{0}, ins[1].Args)

	l, err := bytecode.DisasmAll(nil, h, code)
	require.NoError(t, err)
	assert.Regexp(t, `CALL\s+print\(x: Number\): Void`, string(l))
}

func TestUndefinedSymbol(t *testing.T) {
	for _, arg := range []any{ir.VarRef("nope"), ir.FuncRef("nope(): Void")} {
		op := bytecode.OpLoad
		if _, ok := arg.(ir.FuncRef); ok {
			op = bytecode.OpCall
		}

		f := &ir.Func{
			Name: "bad(): Void",
			Vars: []ir.Var{{Name: "$ret", Size: 0, Class: ir.ClassReturn}},
			Code: []any{
				ir.Instr{Op: bytecode.OpRet},
				ir.Instr{Op: op, Sub: 8, Arg: []any{arg}},
			},
		}

		_, _, err := Build(context.Background(), &ir.Program{Funcs: []*ir.Func{f}})

		var ierr *diag.InternalError
		require.ErrorAs(t, err, &ierr)
		assert.Equal(t, "asm", ierr.Phase)
		assert.Equal(t, "bad(): Void", ierr.Func)
		assert.Equal(t, 1, ierr.Offset)
	}
}

func TestUnplacedLabel(t *testing.T) {
	f := &ir.Func{
		Name: "bad(): Void",
		Vars: []ir.Var{{Name: "$ret", Size: 0, Class: ir.ClassReturn}},
		Code: []any{
			ir.Instr{Op: bytecode.OpBr, Arg: []any{ir.Label(0)}},
		},
		Labels: []string{"L0_lost"},
	}

	_, _, err := Build(context.Background(), &ir.Program{Funcs: []*ir.Func{f}})

	var ierr *diag.InternalError
	require.ErrorAs(t, err, &ierr)
}
