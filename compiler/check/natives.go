package check

import (
	"tlog.app/go/errors"

	"github.com/slowlang/slab/compiler/ast"
	"github.com/slowlang/slab/compiler/tp"
)

// Names of native operator definitions in the root scope.
const (
	opAssign = "="
	opIndex  = "[]"
	opNeg    = "neg"
	opInc    = "++"
	opDec    = "--"

	intrAddr   = "@addr"
	intrDeref  = "@deref"
	intrDefer  = "@defer"
	intrSizeof = "@sizeof"

	// disposeName is the overload set @defer resolves disposal from.
	disposeName = "dispose"
)

// newRoot creates the root scope holding primitives, operators and
// intrinsics.
func newRoot() *Scope {
	s := newScope(nil)

	declare := func(name string, b Binding) {
		b.Span = ast.Native

		if err := s.Declare(name, b); err != nil {
			panic(err)
		}
	}

	for _, p := range []*tp.Primitive{tp.Number, tp.Char, tp.Boolean, tp.Void, tp.Meta} {
		declare(p.Name(), Binding{Kind: BindType, Type: p})
	}

	declare("true", Binding{Kind: BindConst, Type: tp.NewConst(tp.Boolean, tp.BoolConst(true))})
	declare("false", Binding{Kind: BindConst, Type: tp.NewConst(tp.Boolean, tp.BoolConst(false))})

	declare("Pointer", Binding{Kind: BindType, Type: tp.NewTemplate("Pointer", 1, nil, func(_ *tp.Template, ps []tp.Type) (tp.Type, error) {
		return tp.NewPointer(ps[0]), nil
	})})
	declare("Slice", Binding{Kind: BindType, Type: tp.NewTemplate("Slice", 1, nil, func(_ *tp.Template, ps []tp.Type) (tp.Type, error) {
		return tp.NewSlice(ps[0]), nil
	})})
	declare("Tuple", Binding{Kind: BindType, Type: tp.NewTemplate("Tuple", -1, nil, func(_ *tp.Template, ps []tp.Type) (tp.Type, error) {
		return tp.NewTuple(ps...), nil
	})})

	binary := func(name string, op tp.Op, prim *tp.Primitive, result *tp.Primitive) {
		d := definition(s, name)

		if prim.CanFold(op) {
			f := tp.NewFunc(name, tp.FuncFold, op, tp.AnyConst(result), arg("a", tp.AnyConst(prim)), arg("b", tp.AnyConst(prim)))
			f.Fold = func(args []tp.Const) (tp.Const, error) { return prim.Fold(op, args) }

			d.Add(f)
		}

		d.Add(tp.NewFunc(name, tp.FuncIntrinsic, op, result, arg("a", prim), arg("b", prim)))
	}

	unary := func(name string, op tp.Op, prim *tp.Primitive) {
		d := definition(s, name)

		f := tp.NewFunc(name, tp.FuncFold, op, tp.AnyConst(prim), arg("x", tp.AnyConst(prim)))
		f.Fold = func(args []tp.Const) (tp.Const, error) { return prim.Fold(op, args) }

		d.Add(f)
		d.Add(tp.NewFunc(name, tp.FuncIntrinsic, op, prim, arg("x", prim)))
	}

	for _, x := range []struct {
		name string
		op   tp.Op
	}{
		{"+", tp.OpAdd},
		{"-", tp.OpSub},
		{"*", tp.OpMul},
		{"/", tp.OpDiv},
		{"%", tp.OpMod},
	} {
		binary(x.name, x.op, tp.Number, tp.Number)
	}

	for _, x := range []struct {
		name string
		op   tp.Op
	}{
		{"==", tp.OpEq},
		{"!=", tp.OpNe},
		{"<", tp.OpLt},
		{"<=", tp.OpLe},
		{">", tp.OpGt},
		{">=", tp.OpGe},
	} {
		binary(x.name, x.op, tp.Number, tp.Boolean)

		if x.op == tp.OpEq || x.op == tp.OpNe {
			binary(x.name, x.op, tp.Char, tp.Boolean)
			binary(x.name, x.op, tp.Boolean, tp.Boolean)
		}
	}

	binary("&&", tp.OpAnd, tp.Boolean, tp.Boolean)
	binary("||", tp.OpOr, tp.Boolean, tp.Boolean)

	unary(opNeg, tp.OpNeg, tp.Number)
	unary("!", tp.OpNot, tp.Boolean)

	for _, x := range []struct {
		name string
		op   tp.Op
	}{
		{opInc, tp.OpInc},
		{opDec, tp.OpDec},
	} {
		definition(s, x.name).Add(tp.NewFunc(x.name, tp.FuncIntrinsic, x.op, tp.Number, arg("x", tp.MustRef(tp.Number))))
	}

	sizeof := definition(s, intrSizeof)
	{
		f := tp.NewFunc(intrSizeof, tp.FuncFold, tp.OpNone, tp.AnyConst(tp.Number), arg("type", tp.AnyConst(tp.Meta)))
		f.Fold = foldSizeof

		sizeof.Add(f)
	}

	template := func(name string, strategy tp.Strategy, build func(name string, t tp.Type) []*tp.SpecificFunction) {
		infer := &tp.Infer{Strategy: strategy, Args: []int{0}}

		declare(name, Binding{Kind: BindType, Type: tp.NewTemplate(name, 1, infer, func(tm *tp.Template, ps []tp.Type) (tp.Type, error) {
			d := tp.NewFunctionDefinition(tm.SpecializationName(ps))

			for _, f := range build(name, ps[0]) {
				d.Add(f)
			}

			return d, nil
		})})
	}

	template(opAssign, tp.StrategyAny, func(name string, t tp.Type) []*tp.SpecificFunction {
		return []*tp.SpecificFunction{
			tp.NewFunc(name, tp.FuncIntrinsic, tp.OpAssign, tp.Void, arg("dst", tp.MustRef(t)), arg("src", t)),
		}
	})

	template(intrAddr, tp.StrategyAny, func(name string, t tp.Type) []*tp.SpecificFunction {
		return []*tp.SpecificFunction{
			tp.NewFunc(name, tp.FuncIntrinsic, tp.OpAddr, tp.NewPointer(t), arg("x", tp.MustRef(t))),
		}
	})

	template(intrDeref, tp.StrategyChild, func(name string, t tp.Type) []*tp.SpecificFunction {
		return []*tp.SpecificFunction{
			tp.NewFunc(name, tp.FuncIntrinsic, tp.OpDeref, tp.MustRef(t), arg("p", tp.NewPointer(t))),
		}
	})

	template(opIndex, tp.StrategyChild, func(name string, t tp.Type) []*tp.SpecificFunction {
		return []*tp.SpecificFunction{
			tp.NewFunc(name, tp.FuncIntrinsic, tp.OpIndex, tp.MustRef(t), arg("s", tp.NewSlice(t)), arg("i", tp.Number)),
			tp.NewFunc(name, tp.FuncIntrinsic, tp.OpIndex, tp.MustRef(t), arg("p", tp.NewPointer(t)), arg("i", tp.Number)),
		}
	})

	template(intrDefer, tp.StrategyAny, func(name string, t tp.Type) []*tp.SpecificFunction {
		return []*tp.SpecificFunction{
			tp.NewFunc(name, tp.FuncIntrinsic, tp.OpDefer, tp.Void, arg("value", t)),
		}
	})

	s.Seal()

	return s
}

func definition(s *Scope, name string) *tp.FunctionDefinition {
	if b, ok := s.Local(name); ok {
		return b.Type.(*tp.FunctionDefinition)
	}

	d := tp.NewFunctionDefinition(name)

	if err := s.Declare(name, Binding{Kind: BindType, Type: d, Span: ast.Native}); err != nil {
		panic(err)
	}

	return d
}

func arg(name string, t tp.Type) tp.Arg {
	return tp.Arg{Name: name, Type: t}
}

func foldSizeof(args []tp.Const) (tp.Const, error) {
	tc, ok := args[0].(tp.TypeConst)
	if !ok {
		return nil, errors.New("@sizeof: expected a type, got %v", args[0])
	}

	size := tp.Runtime(tc.Type).Size()
	if size == tp.NotInstantiable {
		return nil, errors.New("@sizeof: %v is not instantiable", tc.Type.Name())
	}

	return tp.NumberConst(size), nil
}
