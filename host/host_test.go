package host

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/slab/compiler/asm"
	"github.com/slowlang/slab/compiler/bytecode"
	"github.com/slowlang/slab/compiler/ir"
	"github.com/slowlang/slab/compiler/meta"
	"github.com/slowlang/slab/vm"
)

const (
	printPoint  = "print(p: Point): Void"
	printString = "print(s: Slice<Char>): Void"
	readLine    = "readLine(): Slice<Char>"
	random      = "random(): Number"
)

var reflection = &meta.Table{
	Types: []meta.TypeInfo{
		{Name: "Number", Size: 8, Kind: meta.KindPrimitive},
		{Name: "Char", Size: 1, Kind: meta.KindPrimitive},
		{Name: "Void", Size: 0, Kind: meta.KindPrimitive},
		{Name: "Slice<Char>", Size: 16, Kind: meta.KindSlice, Elem: "Char"},
		{Name: "Point", Size: 16, Kind: meta.KindStruct, Props: []meta.PropInfo{
			{Name: "x", Type: "Number", Offset: 0},
			{Name: "y", Type: "Number", Offset: 8},
		}},
	},
	Funcs: []meta.FuncInfo{
		{Name: printPoint, Result: "Void", Args: []meta.ArgInfo{{Name: "p", Type: "Point"}}},
		{Name: printString, Result: "Void", Args: []meta.ArgInfo{{Name: "s", Type: "Slice<Char>"}}},
		{Name: readLine, Result: "Slice<Char>"},
		{Name: random, Result: "Number"},
	},
}

func in(op bytecode.Op, sub uint16, args ...any) ir.Instr {
	return ir.Instr{Op: op, Sub: sub, Arg: args}
}

func f64(x float64) ir.Const {
	return binary.LittleEndian.AppendUint64(nil, math.Float64bits(x))
}

func extern(name string, ret int, args ...ir.Var) *ir.Func {
	f := &ir.Func{Name: name, Extern: true}

	for _, a := range args {
		a.Class = ir.ClassArg
		f.Vars = append(f.Vars, a)
	}

	f.Vars = append(f.Vars, ir.Var{Name: "$ret", Size: ret, Class: ir.ClassReturn})

	return f
}

func program(t *testing.T, ret int, main []any, data ...ir.Data) *vm.VM {
	t.Helper()

	fs := []*ir.Func{
		extern(printPoint, 0, ir.Var{Name: "p", Size: 16}),
		extern(printString, 0, ir.Var{Name: "s", Size: 16}),
		extern(readLine, 16),
		extern(random, 8),
		{
			Name: "main()",
			Vars: []ir.Var{{Name: "$ret", Size: ret, Class: ir.ClassReturn}},
			Code: main,
			Data: data,
		},
	}

	h, code, err := asm.Build(context.Background(), &ir.Program{Funcs: fs, Reflection: reflection})
	require.NoError(t, err)

	return vm.New(h, code, vm.DefaultConfig())
}

func run(t *testing.T, v *vm.VM, input string) string {
	t.Helper()

	var out bytes.Buffer

	h := New(&out, strings.NewReader(input), 1)
	h.Bind(v)

	err := h.Run(context.Background(), v, "main()", nil)
	require.NoError(t, err)
	require.Equal(t, vm.StateDone, v.State())

	return out.String()
}

func TestPrintStruct(t *testing.T) {
	v := program(t, 0, []any{
		in(bytecode.OpConst, 8, f64(1)),
		in(bytecode.OpConst, 8, f64(2.5)),
		in(bytecode.OpCall, 0, ir.FuncRef(printPoint)),
		in(bytecode.OpRet, 0),
	})

	assert.Equal(t, "Point{x: 1, y: 2.5}\n", run(t, v, ""))
}

func TestPrintString(t *testing.T) {
	v := program(t, 0, []any{
		in(bytecode.OpData, 1, ir.DataRef("d0")),
		in(bytecode.OpCall, 0, ir.FuncRef(printString)),
		in(bytecode.OpRet, 0),
	}, ir.Data{Name: "d0", Bytes: []byte("hi there")})

	assert.Equal(t, "hi there\n", run(t, v, ""))
}

func TestReadLineEcho(t *testing.T) {
	v := program(t, 0, []any{
		in(bytecode.OpCall, 0, ir.FuncRef(readLine)),
		in(bytecode.OpCall, 0, ir.FuncRef(printString)),
		in(bytecode.OpCall, 0, ir.FuncRef(readLine)),
		in(bytecode.OpCall, 0, ir.FuncRef(printString)),
		in(bytecode.OpCall, 0, ir.FuncRef(readLine)),
		in(bytecode.OpCall, 0, ir.FuncRef(printString)),
		in(bytecode.OpRet, 0),
	})

	assert.Equal(t, "hello\nworld\n\n", run(t, v, "hello\r\nworld"))
}

func TestReadLineLength(t *testing.T) {
	v := program(t, 8, []any{
		in(bytecode.OpCall, 0, ir.FuncRef(readLine)),
		in(bytecode.OpMember, 0, ir.Raw(16), ir.Raw(8), ir.Raw(8)),
		in(bytecode.OpStore, 8, ir.VarRef("$ret")),
		in(bytecode.OpRet, 0),
	})

	run(t, v, "abcde\n")

	assert.Equal(t, 5.0, math.Float64frombits(binary.LittleEndian.Uint64(v.Result())))
}

func TestRunCanceled(t *testing.T) {
	v := program(t, 0, []any{
		in(bytecode.OpCall, 0, ir.FuncRef(readLine)),
		in(bytecode.OpCall, 0, ir.FuncRef(printString)),
		in(bytecode.OpRet, 0),
	})

	pr, pw := io.Pipe()
	defer pw.Close()

	h := New(io.Discard, pr, 1)
	h.Bind(v)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := h.Run(ctx, v, "main()", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, vm.StateSuspended, v.State())
}

func TestRunSkipsStaleResume(t *testing.T) {
	stale := program(t, 0, []any{in(bytecode.OpRet, 0)})

	v := program(t, 0, []any{
		in(bytecode.OpCall, 0, ir.FuncRef(readLine)),
		in(bytecode.OpCall, 0, ir.FuncRef(printString)),
		in(bytecode.OpRet, 0),
	})

	var out bytes.Buffer

	h := New(&out, strings.NewReader("fresh\n"), 1)
	h.Bind(v)

	h.pending <- resume{vm: stale, f: func(ctx context.Context) error {
		t.Error("resume of another vm was run")
		return nil
	}}

	err := h.Run(context.Background(), v, "main()", nil)
	require.NoError(t, err)

	assert.Equal(t, vm.StateDone, v.State())
	assert.Equal(t, "fresh\n", out.String())
}

func TestRandom(t *testing.T) {
	v := program(t, 8, []any{
		in(bytecode.OpCall, 0, ir.FuncRef(random)),
		in(bytecode.OpStore, 8, ir.VarRef("$ret")),
		in(bytecode.OpRet, 0),
	})

	run(t, v, "")

	x := math.Float64frombits(binary.LittleEndian.Uint64(v.Result()))
	assert.GreaterOrEqual(t, x, 0.0)
	assert.Less(t, x, 1.0)
}

func TestFormatSlice(t *testing.T) {
	tab := &meta.Table{
		Types: []meta.TypeInfo{
			{Name: "Number", Size: 8, Kind: meta.KindPrimitive},
			{Name: "Boolean", Size: 1, Kind: meta.KindPrimitive},
			{Name: "Slice<Number>", Size: 16, Kind: meta.KindSlice, Elem: "Number"},
			{Name: "Pointer<Number>", Size: 8, Kind: meta.KindPointer, Elem: "Number"},
			{Name: "Tuple<Number, Boolean>", Size: 9, Kind: meta.KindTuple, Props: []meta.PropInfo{
				{Name: "item0", Type: "Number", Offset: 0},
				{Name: "item1", Type: "Boolean", Offset: 8},
			}},
		},
	}

	v := vm.New(&bytecode.Header{Reflection: tab}, nil, vm.DefaultConfig())

	a := v.AllocData(append(f64(1), f64(-2)...))

	b, err := Format(nil, v, "Slice<Number>", vm.Slice(a, 2))
	require.NoError(t, err)
	assert.Equal(t, "[1, -2]", string(b))

	b, err = Format(nil, v, "Tuple<Number, Boolean>", append(f64(3), 1))
	require.NoError(t, err)
	assert.Equal(t, "(3, true)", string(b))

	b, err = Format(nil, v, "Pointer<Number>", binary.LittleEndian.AppendUint64(nil, uint64(vm.MakeAddr(vm.SegData, 16))))
	require.NoError(t, err)
	assert.Equal(t, "0x200000010", string(b))

	_, err = Format(nil, v, "Nope", nil)
	assert.Error(t, err)
}
