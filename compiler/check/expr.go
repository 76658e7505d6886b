package check

import (
	"context"
	"strconv"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/slab/compiler/ast"
	"github.com/slowlang/slab/compiler/diag"
	"github.com/slowlang/slab/compiler/tp"
	"github.com/slowlang/slab/compiler/typed"
)

var unaryOps = map[string]string{
	"-":  opNeg,
	"!":  "!",
	"++": opInc,
	"--": opDec,
}

func (c *Checker) checkExpr(ctx context.Context, s *Scope, fc *funcConstruct, e ast.Expr) (typed.Node, error) {
	switch e := e.(type) {
	case *ast.Ident:
		return c.checkIdent(s, e)
	case *ast.Number:
		return literal(tp.Number, tp.NumberConst(e.Value), e.Span()), nil
	case *ast.Char:
		return literal(tp.Char, tp.CharConst(e.Value), e.Span()), nil
	case *ast.String:
		return &typed.Data{Base: typed.At(tp.NewSlice(tp.Char), e.Span()), Bytes: []byte(e.Value)}, nil
	case *ast.Binary:
		return c.checkBinary(ctx, s, fc, e)
	case *ast.Unary:
		name, ok := unaryOps[e.Op]
		if !ok {
			return nil, diag.New(e.Span(), "unsupported unary operator %v", e.Op)
		}

		return c.callNamed(ctx, s, fc, name, e.Span(), []ast.Expr{e.X})
	case *ast.Call:
		return c.checkCall(ctx, s, fc, e)
	case *ast.Specialize:
		return c.checkSpecialize(ctx, s, fc, e)
	case *ast.Member:
		return c.checkMember(ctx, s, fc, e)
	case *ast.Index:
		return c.callNamed(ctx, s, fc, opIndex, e.Span(), []ast.Expr{e.X, e.Index})
	case *ast.TupleLit:
		return c.checkTuple(ctx, s, fc, e)
	case *ast.Block:
		return c.checkBlock(ctx, s, fc, e)
	case *ast.If:
		return c.checkIf(ctx, s, fc, e)
	case *ast.While:
		return c.checkWhile(ctx, s, fc, e)
	case *ast.For:
		return c.checkFor(ctx, s, fc, e)
	case *ast.Return:
		return c.checkReturn(ctx, s, fc, e)
	case *ast.VarDecl:
		return c.checkVar(ctx, s, fc, e)
	default:
		panic(e)
	}
}

func literal(t tp.Type, v tp.Const, span ast.Span) *typed.Literal {
	return &typed.Literal{Base: typed.At(tp.NewConst(t, v), span), Value: v}
}

func (c *Checker) checkIdent(s *Scope, e *ast.Ident) (typed.Node, error) {
	b, ok := s.Lookup(e.Name)
	if !ok {
		return nil, diag.New(e.Span(), "undefined: %v", e.Name)
	}

	switch b.Kind {
	case BindVar:
		return &typed.VariableDereference{
			Base: typed.At(tp.MustRef(b.Type), e.Span()),
			Name: b.Local,
		}, nil
	case BindConst:
		v, _ := tp.ConstOf(b.Type)

		return &typed.Literal{Base: typed.At(b.Type, e.Span()), Value: v}, nil
	case BindType:
		return literal(tp.Meta, tp.TypeConst{Type: b.Type}, e.Span()), nil
	default:
		panic(b.Kind)
	}
}

// evalType evaluates a type expression.
func (c *Checker) evalType(ctx context.Context, s *Scope, e ast.Expr) (tp.Type, error) {
	n, err := c.checkExpr(ctx, s, nil, e)
	if err != nil {
		return nil, err
	}

	t, ok := tp.TypeOf(n.Type())
	if !ok {
		return nil, diag.New(e.Span(), "expected a type, got a value of type %v", n.Type().Name())
	}

	switch t.(type) {
	case *tp.FunctionDefinition, *tp.SpecificFunction, *tp.Template:
		return nil, diag.New(e.Span(), "%v is not a data type", t.Name())
	}

	return t, nil
}

func (c *Checker) checkArgs(ctx context.Context, s *Scope, fc *funcConstruct, es []ast.Expr) ([]typed.Node, error) {
	args := make([]typed.Node, len(es))

	for i, e := range es {
		n, err := c.checkExpr(ctx, s, fc, e)
		if err != nil {
			return nil, err
		}

		args[i] = n
	}

	return args, nil
}

func (c *Checker) callNamed(ctx context.Context, s *Scope, fc *funcConstruct, name string, span ast.Span, es []ast.Expr) (typed.Node, error) {
	args, err := c.checkArgs(ctx, s, fc, es)
	if err != nil {
		return nil, err
	}

	b, ok := c.root.Local(name)
	if !ok {
		return nil, diag.Internal("check", errors.New("native %q is not registered", name))
	}

	return c.invoke(ctx, span, b.Type, args)
}

func (c *Checker) checkBinary(ctx context.Context, s *Scope, fc *funcConstruct, e *ast.Binary) (typed.Node, error) {
	if e.Op == opAssign {
		return c.callNamed(ctx, s, fc, opAssign, e.Span(), []ast.Expr{e.Left, e.Right})
	}

	if _, ok := c.root.Local(e.Op); !ok || e.Op == opIndex {
		return nil, diag.New(e.Span(), "unsupported binary operator %v", e.Op)
	}

	return c.callNamed(ctx, s, fc, e.Op, e.Span(), []ast.Expr{e.Left, e.Right})
}

func (c *Checker) checkCall(ctx context.Context, s *Scope, fc *funcConstruct, e *ast.Call) (typed.Node, error) {
	callee, err := c.checkExpr(ctx, s, fc, e.Callee)
	if err != nil {
		return nil, err
	}

	t, ok := tp.TypeOf(callee.Type())
	if !ok {
		return nil, diag.New(e.Callee.Span(), "value of type %v is not callable", callee.Type().Name())
	}

	args, err := c.checkArgs(ctx, s, fc, e.Args)
	if err != nil {
		return nil, err
	}

	return c.invoke(ctx, e.Span(), t, args)
}

// invoke resolves a call of callee with args.
func (c *Checker) invoke(ctx context.Context, span ast.Span, callee tp.Type, args []typed.Node) (typed.Node, error) {
	types := make([]tp.Type, len(args))

	for i, a := range args {
		types[i] = a.Type()
	}

	switch x := callee.(type) {
	case *tp.FunctionDefinition:
		r, err := tp.Resolve(x, types)
		if err != nil {
			return nil, c.resolveError(span, err)
		}

		tlog.V("resolve").Printw("resolved", "callee", x.Name(), "func", r.Func.Mangled(), "folded", r.Value != nil)

		if r.Value != nil {
			return &typed.Literal{Base: typed.At(r.Result, span), Value: r.Value}, nil
		}

		if r.Func.Op == tp.OpDefer {
			if err := c.disposal(span, r.Func, args[0]); err != nil {
				return nil, err
			}
		}

		return &typed.Invocation{Base: typed.At(r.Result, span), Func: r.Func, Args: args}, nil
	case *tp.Template:
		params, err := x.InferParams(types)
		if err != nil {
			return nil, diag.New(span, "%v", err)
		}

		spec, err := x.Specialize(params)
		if err != nil {
			return nil, c.specializeError(span, err)
		}

		return c.invoke(ctx, span, spec, args)
	case *tp.Struct, *tp.Slice, *tp.Tuple:
		d, err := c.constructor(span, x)
		if err != nil {
			return nil, err
		}

		return c.invoke(ctx, span, d, args)
	default:
		return nil, diag.New(span, "%v is not callable", callee.Name())
	}
}

// disposal resolves what a deferred value runs on scope exit and stores
// it on the @defer specialization. A deferred call of a Void function is
// run as is, with arguments evaluated at the defer point.
func (c *Checker) disposal(span ast.Span, f *tp.SpecificFunction, x typed.Node) error {
	if _, ok := typed.DeferredCall(x); ok {
		return nil
	}

	if f.Dispose != nil {
		return nil
	}

	t := tp.Runtime(f.Args[0].Type)

	var def *tp.FunctionDefinition

	if b, ok := c.global.Lookup(disposeName); ok {
		def, _ = b.Type.(*tp.FunctionDefinition)
	}

	if def == nil {
		return diag.New(span, "@defer: no %v function for %v", disposeName, t.Name())
	}

	r, err := tp.Resolve(def, []tp.Type{t})
	if err != nil || !r.Func.IsConcrete() {
		return diag.New(span, "@defer: no %v overload for %v", disposeName, t.Name())
	}

	f.Dispose = r.Func

	return nil
}

func (c *Checker) resolveError(span ast.Span, err error) error {
	var nerr *tp.NoOverloadError
	if !errors.As(err, &nerr) {
		return diag.New(span, "%v", err)
	}

	var ds diag.List

	d := diag.New(span, "no overload of %v found for arguments (%v)", nerr.Name, typeNames(nerr.Args))
	ds.Add(d)

	for _, m := range nerr.Mismatches {
		ds.Add(diag.New(span, "candidate %v: %v", m.Candidate.Mangled(), m.Reason))
	}

	return ds
}

func (c *Checker) specializeError(span ast.Span, err error) error {
	var ds diag.List
	if collect(&ds, err) {
		return ds
	}

	return diag.New(span, "%v", err)
}

func typeNames(ts []tp.Type) string {
	var b []byte

	for i, t := range ts {
		if i != 0 {
			b = append(b, ", "...)
		}

		b = append(b, t.Name()...)
	}

	return string(b)
}

// constructor returns the definition building a value of t from its parts.
func (c *Checker) constructor(span ast.Span, t tp.Type) (*tp.FunctionDefinition, error) {
	if d, ok := c.ctors[t.Name()]; ok {
		return d, nil
	}

	var args []tp.Arg

	switch t := t.(type) {
	case *tp.Struct:
		if !t.Finalized() {
			return nil, diag.New(span, "struct %v is not complete", t.Name())
		}

		for _, p := range t.Properties() {
			args = append(args, tp.Arg{Name: p.Name, Type: p.Type})
		}
	case *tp.Slice:
		args = []tp.Arg{
			{Name: "data", Type: tp.NewPointer(t.Elem)},
			{Name: "length", Type: tp.Number},
		}
	case *tp.Tuple:
		for i, e := range t.Elems {
			args = append(args, tp.Arg{Name: "item" + strconv.Itoa(i), Type: e})
		}
	default:
		panic(t)
	}

	if t.Size() == tp.NotInstantiable {
		return nil, diag.New(span, "%v is not instantiable", t.Name())
	}

	tp.Register(c.meta, t)

	d := tp.NewFunctionDefinition(t.Name())
	d.Add(tp.NewFunc(t.Name(), tp.FuncIntrinsic, tp.OpConstruct, t, args...))

	c.ctors[t.Name()] = d

	return d, nil
}

func (c *Checker) checkSpecialize(ctx context.Context, s *Scope, fc *funcConstruct, e *ast.Specialize) (typed.Node, error) {
	x, err := c.checkExpr(ctx, s, fc, e.X)
	if err != nil {
		return nil, err
	}

	t, ok := tp.TypeOf(x.Type())
	tmpl, isTmpl := t.(*tp.Template)

	if !ok || !isTmpl {
		return nil, diag.New(e.X.Span(), "%v is not a template", x.Type().Name())
	}

	params := make([]tp.Type, len(e.Args))

	for i, a := range e.Args {
		params[i], err = c.evalType(ctx, s, a)
		if err != nil {
			return nil, err
		}
	}

	spec, err := tmpl.Specialize(params)
	if err != nil {
		return nil, c.specializeError(e.Span(), err)
	}

	return literal(tp.Meta, tp.TypeConst{Type: spec}, e.Span()), nil
}

func (c *Checker) checkMember(ctx context.Context, s *Scope, fc *funcConstruct, e *ast.Member) (typed.Node, error) {
	x, err := c.checkExpr(ctx, s, fc, e.X)
	if err != nil {
		return nil, err
	}

	if _, ok := tp.TypeOf(x.Type()); ok {
		return nil, diag.New(e.Span(), "%v: member access on a type", e.Name)
	}

	p, ok := tp.PropertyOf(x.Type(), e.Name)
	if !ok {
		return nil, diag.New(e.Span(), "%v has no property %v", tp.Runtime(x.Type()).Name(), e.Name)
	}

	if v, ok := tp.ConstOf(p.Type); ok {
		return &typed.Literal{Base: typed.At(p.Type, e.Span()), Value: v}, nil
	}

	var t tp.Type = p.Type

	if tp.IsReference(x.Type()) && !p.ReadOnly {
		t = tp.MustRef(p.Type)
	}

	m := &typed.MemberAccess{
		Base:   typed.At(t, e.Span()),
		X:      x,
		Offset: p.Offset,
	}

	if inner, ok := x.(*typed.MemberAccess); ok {
		m.X = inner.X
		m.Offset += inner.Offset
	}

	return m, nil
}

func (c *Checker) checkTuple(ctx context.Context, s *Scope, fc *funcConstruct, e *ast.TupleLit) (typed.Node, error) {
	args, err := c.checkArgs(ctx, s, fc, e.Items)
	if err != nil {
		return nil, err
	}

	elems := make([]tp.Type, len(args))

	for i, a := range args {
		elems[i] = tp.Runtime(a.Type())
	}

	return c.invoke(ctx, e.Span(), tp.NewTuple(elems...), args)
}

func (c *Checker) checkBlock(ctx context.Context, par *Scope, fc *funcConstruct, e *ast.Block) (typed.Node, error) {
	s := newScope(par)
	defer s.Seal()

	b := &typed.Block{Base: typed.At(tp.Void, e.Span())}

	for _, st := range e.Stmts {
		n, err := c.checkExpr(ctx, s, fc, st)
		if err != nil {
			return nil, err
		}

		if tp.Runtime(n.Type()).Size() == tp.NotInstantiable {
			return nil, diag.New(st.Span(), "%v is not a value", n.Type().Name())
		}

		b.Stmts = append(b.Stmts, n)
	}

	if l := len(b.Stmts); l != 0 && b.Stmts[l-1].Type() == tp.Never {
		b.T = tp.Never
	}

	return b, nil
}

func (c *Checker) checkCond(ctx context.Context, s *Scope, fc *funcConstruct, e ast.Expr) (typed.Node, error) {
	n, err := c.checkExpr(ctx, s, fc, e)
	if err != nil {
		return nil, err
	}

	if !tp.Normalize(n.Type()).AssignableTo(tp.Boolean) {
		return nil, diag.New(e.Span(), "condition must be %v, got %v", tp.Boolean.Name(), n.Type().Name())
	}

	return n, nil
}

func (c *Checker) checkIf(ctx context.Context, s *Scope, fc *funcConstruct, e *ast.If) (typed.Node, error) {
	cond, err := c.checkCond(ctx, s, fc, e.Cond)
	if err != nil {
		return nil, err
	}

	then, err := c.checkExpr(ctx, s, fc, e.Then)
	if err != nil {
		return nil, err
	}

	var els typed.Node

	if e.Else != nil {
		els, err = c.checkExpr(ctx, s, fc, e.Else)
		if err != nil {
			return nil, err
		}
	}

	if v, ok := tp.ConstOf(cond.Type()); ok {
		switch {
		case v == tp.BoolConst(true):
			return then, nil
		case els != nil:
			return els, nil
		default:
			return typed.NewNOP(e.Span()), nil
		}
	}

	n := &typed.IfStatement{
		Base: typed.At(tp.Void, e.Span()),
		Cond: cond,
		Then: then,
		Else: els,
	}

	if els != nil {
		if t, ok := tp.Unify(tp.Runtime(then.Type()), tp.Runtime(els.Type())); ok {
			n.T = t
		}
	}

	return n, nil
}

func (c *Checker) checkWhile(ctx context.Context, s *Scope, fc *funcConstruct, e *ast.While) (typed.Node, error) {
	cond, err := c.checkCond(ctx, s, fc, e.Cond)
	if err != nil {
		return nil, err
	}

	body, err := c.checkExpr(ctx, s, fc, e.Body)
	if err != nil {
		return nil, err
	}

	if v, ok := tp.ConstOf(cond.Type()); ok && v == tp.BoolConst(false) {
		return typed.NewNOP(e.Span()), nil
	}

	return &typed.WhileLoop{
		Base: typed.At(tp.Void, e.Span()),
		Cond: cond,
		Body: body,
	}, nil
}

func (c *Checker) checkFor(ctx context.Context, par *Scope, fc *funcConstruct, e *ast.For) (_ typed.Node, err error) {
	s := newScope(par)
	defer s.Seal()

	n := &typed.ForLoop{Base: typed.At(tp.Void, e.Span())}

	if e.Init != nil {
		if n.Init, err = c.checkExpr(ctx, s, fc, e.Init); err != nil {
			return nil, err
		}
	}

	if e.Cond != nil {
		if n.Cond, err = c.checkCond(ctx, s, fc, e.Cond); err != nil {
			return nil, err
		}
	}

	if e.Step != nil {
		if n.Step, err = c.checkExpr(ctx, s, fc, e.Step); err != nil {
			return nil, err
		}
	}

	if n.Body, err = c.checkExpr(ctx, s, fc, e.Body); err != nil {
		return nil, err
	}

	return n, nil
}

func (c *Checker) checkReturn(ctx context.Context, s *Scope, fc *funcConstruct, e *ast.Return) (typed.Node, error) {
	if fc == nil {
		return nil, diag.New(e.Span(), "return outside of a function")
	}

	n := &typed.Return{Base: typed.At(tp.Never, e.Span())}

	var t tp.Type = tp.Void

	if e.Value != nil {
		v, err := c.checkExpr(ctx, s, fc, e.Value)
		if err != nil {
			return nil, err
		}

		n.Value = v
		t = v.Type()
	}

	if err := fc.unify(e.Span(), t); err != nil {
		return nil, err
	}

	return n, nil
}

func (c *Checker) checkVar(ctx context.Context, s *Scope, fc *funcConstruct, e *ast.VarDecl) (typed.Node, error) {
	if fc == nil {
		return nil, diag.New(e.Span(), "variable declaration outside of a function")
	}

	if e.Value == nil {
		return nil, diag.New(e.Span(), "variable %v has no initializer", e.Name)
	}

	val, err := c.checkExpr(ctx, s, fc, e.Value)
	if err != nil {
		return nil, err
	}

	var t tp.Type

	if e.Type != nil {
		t, err = c.evalType(ctx, s, e.Type)
		if err != nil {
			return nil, err
		}

		if !tp.Normalize(val.Type()).AssignableTo(t) {
			return nil, diag.New(e.Value.Span(), "cannot use %v as %v in declaration of %v", val.Type().Name(), t.Name(), e.Name)
		}
	} else {
		t = tp.Runtime(val.Type())
	}

	if size := t.Size(); size == tp.NotInstantiable || t == tp.Void || t == tp.Never {
		return nil, diag.New(e.Span(), "variable %v: type %v cannot be stored", e.Name, t.Name())
	}

	local := fc.local(e.Name)

	err = s.Declare(e.Name, Binding{Kind: BindVar, Type: t, Local: local, Span: e.Span()})
	if err != nil {
		return nil, err
	}

	dst := &typed.VariableDereference{
		Base: typed.At(tp.MustRef(t), e.Span()),
		Name: local,
	}

	b, _ := c.root.Local(opAssign)

	init, err := c.invoke(ctx, e.Span(), b.Type, []typed.Node{dst, val})
	if err != nil {
		return nil, err
	}

	return &typed.Variable{
		Base: typed.At(tp.Void, e.Span()),
		Name: local,
		Var:  t,
		Init: init,
	}, nil
}
