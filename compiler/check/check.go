// Package check builds a fully resolved typed program from a syntax tree.
package check

import (
	"context"
	"strconv"

	"nikand.dev/go/heap"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/slab/compiler/ast"
	"github.com/slowlang/slab/compiler/diag"
	"github.com/slowlang/slab/compiler/meta"
	"github.com/slowlang/slab/compiler/tp"
	"github.com/slowlang/slab/compiler/typed"
)

type (
	Checker struct {
		root   *Scope
		global *Scope

		prog *typed.Program
		meta *meta.Builder

		// spans of user functions by SpecificFunction.ID
		funcSpans map[int]ast.Span

		ctors map[string]*tp.FunctionDefinition

		specializing map[string]bool
	}

	pending struct {
		idx  int
		decl ast.Decl

		// state kept between attempts
		st  *tp.Struct
		sig *tp.SpecificFunction

		diags diag.List
	}

	// final marks diagnostics that declaring more names cannot cure.
	final struct {
		error
	}

	worklist struct {
		heap.Heap[*pending]
	}

	// funcConstruct tracks a function body being typed.
	funcConstruct struct {
		name string

		declared tp.Type
		inferred tp.Type

		locals map[string]int
	}
)

func New() *Checker {
	c := &Checker{
		root:         newRoot(),
		prog:         typed.NewProgram(),
		meta:         meta.NewBuilder(),
		funcSpans:    make(map[int]ast.Span),
		ctors:        make(map[string]*tp.FunctionDefinition),
		specializing: make(map[string]bool),
	}

	c.global = newScope(c.root)

	return c
}

// Build type checks every declaration of the file.
// Diagnostics are returned as diag.List.
func Build(ctx context.Context, f *ast.File) (*typed.Program, error) {
	return New().Build(ctx, f)
}

func (c *Checker) Build(ctx context.Context, f *ast.File) (_ *typed.Program, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "check: build program", "file", f.Name, "decls", len(f.Decls))
	defer tr.Finish("err", &err)

	work := newWorklist()

	for i, d := range f.Decls {
		work.Push(&pending{idx: i, decl: d})
	}

	var failed diag.List

	for pass := 0; work.Len() != 0; pass++ {
		next := newWorklist()
		progress := false

		for work.Len() != 0 {
			p := work.Pop()

			ds, fin, err := c.declare(ctx, p)
			if err != nil {
				return nil, errors.Wrap(err, "decl %v", p.decl.DeclName())
			}

			switch {
			case len(ds) == 0:
				progress = true
			case fin:
				failed.Add(ds...)
				progress = true
			default:
				p.diags = ds
				next.Push(p)
			}
		}

		tr.V("check_pass").Printw("pass done", "pass", pass, "deferred", next.Len(), "progress", progress)

		if !progress {
			for _, p := range next.Data {
				failed.Add(p.diags...)
			}

			break
		}

		work = next
	}

	c.global.Seal()

	if len(failed) != 0 {
		return nil, failed
	}

	c.prog.Reflection = c.meta.Table()

	if tr.If("dump_program") {
		for _, e := range c.prog.Entries {
			tr.Printw("entry", "name", e.Name, "type", tlog.NextAsType, e.Type, "func", e.Func != nil)
		}
	}

	return c.prog, nil
}

func (f final) Unwrap() error { return f.error }

func newWorklist() *worklist {
	return &worklist{Heap: heap.Heap[*pending]{Less: pendingLess}}
}

func pendingLess(d []*pending, i, j int) bool {
	return d[i].idx < d[j].idx
}

// declare attempts one declaration. Diagnostics mean the attempt failed
// and may be retried unless fin is set; an error is an internal failure.
func (c *Checker) declare(ctx context.Context, p *pending) (_ diag.List, fin bool, _ error) {
	var err error

	switch d := p.decl.(type) {
	case *ast.FuncDecl:
		if d.Template != nil {
			err = c.declareTemplate(ctx, d)
		} else {
			err = c.declareFunc(ctx, p, d)
		}
	case *ast.StructDecl:
		err = c.declareStruct(ctx, p, d)
	default:
		panic(d)
	}

	if err == nil {
		return nil, false, nil
	}

	var ds diag.List

	if !collect(&ds, err) {
		return nil, false, err
	}

	var f final
	fin = errors.As(err, &f)

	tlog.V("check_defer").Printw("declaration failed", "name", p.decl.DeclName(), "diags", len(ds), "final", fin)

	return ds, fin, nil
}

// collect appends diagnostics carried by err. It reports false for
// errors that are not diagnostics.
func collect(ds *diag.List, err error) bool {
	var l diag.List
	if errors.As(err, &l) {
		ds.Add(l...)
		return true
	}

	var d *diag.Diagnostic
	if errors.As(err, &d) {
		ds.Add(d)
		return true
	}

	return false
}

func (c *Checker) declareStruct(ctx context.Context, p *pending, d *ast.StructDecl) error {
	if p.st == nil {
		st := tp.NewStruct(d.Name)

		err := c.global.Declare(d.Name, Binding{Kind: BindType, Type: st, Span: d.Span()})
		if err != nil {
			return final{err}
		}

		p.st = st
	}

	st := tp.NewStruct(d.Name)

	for _, prop := range d.Props {
		t, err := c.evalType(ctx, c.global, prop.Type)
		if err != nil {
			return err
		}

		if t.Size() == tp.NotInstantiable {
			return diag.New(prop.Span(), "property %v: type %v is not instantiable", prop.Name, t.Name())
		}

		if err = st.AddProperty(prop.Name, t); err != nil {
			return diag.New(prop.Span(), "%v", err)
		}
	}

	for _, prop := range st.Properties() {
		if err := p.st.AddProperty(prop.Name, prop.Type); err != nil {
			return diag.Internal("check", err).OfType(d.Name)
		}
	}

	if err := p.st.Finalize(); err != nil {
		return diag.Internal("check", err).OfType(d.Name)
	}

	tp.Register(c.meta, p.st)

	c.prog.Add(&typed.Entry{Name: d.Name, Type: p.st})

	tlog.Printw("struct declared", "name", d.Name, "size", p.st.Size())

	return nil
}

func (c *Checker) declareFunc(ctx context.Context, p *pending, d *ast.FuncDecl) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "check: function", "name", d.Name)
	defer tr.Finish("err", &err)

	def, err := c.funcDefinition(d)
	if err != nil {
		return err
	}

	sig := p.sig

	if sig == nil {
		sig, err = c.signature(ctx, c.global, d.Name, d)
		if err != nil {
			return err
		}

		if d.Result != nil || d.Extern {
			if err = c.addOverload(def, sig, d.Span()); err != nil {
				return err
			}

			p.sig = sig
		}
	}

	if d.Extern {
		return c.addFunction(sig, d, nil)
	}

	body, err := c.checkBody(ctx, c.global, sig, d)
	if err != nil {
		return err
	}

	if p.sig == nil {
		if err = c.addOverload(def, sig, d.Span()); err != nil {
			return err
		}

		p.sig = sig
	}

	return c.addFunction(sig, d, body)
}

func (c *Checker) funcDefinition(d *ast.FuncDecl) (*tp.FunctionDefinition, error) {
	b, ok := c.global.Local(d.Name)
	if !ok {
		def := tp.NewFunctionDefinition(d.Name)

		err := c.global.Declare(d.Name, Binding{Kind: BindType, Type: def, Span: d.Span()})
		if err != nil {
			return nil, final{err}
		}

		return def, nil
	}

	def, ok := b.Type.(*tp.FunctionDefinition)
	if !ok {
		return nil, final{diag.New(d.Span(), "%v redeclared as a function", d.Name).
			With(b.Span, "previous declaration of %v", d.Name)}
	}

	return def, nil
}

func (c *Checker) addOverload(def *tp.FunctionDefinition, sig *tp.SpecificFunction, span ast.Span) error {
	if dup := def.Add(sig); dup != nil {
		return final{diag.New(span, "%v redeclared", sig.Mangled()).
			With(c.funcSpans[dup.ID], "previous declaration of %v", dup.Mangled())}
	}

	c.funcSpans[sig.ID] = span

	return nil
}

func (c *Checker) addFunction(sig *tp.SpecificFunction, d *ast.FuncDecl, body typed.Node) error {
	f := &typed.Function{
		Sig:  sig,
		Body: body,
	}

	for _, a := range d.Params {
		f.Args = append(f.Args, a.Name)
	}

	if !c.prog.Add(&typed.Entry{Name: sig.Mangled(), Type: sig, Func: f}) {
		return diag.Internal("check", errors.New("duplicate program entry")).InFunc(sig.Mangled())
	}

	tp.RegisterFunc(c.meta, sig)

	tlog.Printw("function declared", "name", sig.Mangled(), "kind", sig.Kind)

	return nil
}

// signature resolves parameter and declared result types.
// Result is nil when it has to be inferred from the body.
func (c *Checker) signature(ctx context.Context, s *Scope, name string, d *ast.FuncDecl) (*tp.SpecificFunction, error) {
	var args []tp.Arg

	for _, p := range d.Params {
		t, err := c.evalType(ctx, s, p.Type)
		if err != nil {
			return nil, err
		}

		if t.Size() == tp.NotInstantiable {
			return nil, diag.New(p.Span(), "parameter %v: type %v is not instantiable", p.Name, t.Name())
		}

		args = append(args, tp.Arg{Name: p.Name, Type: t})
	}

	var result tp.Type

	switch {
	case d.Result != nil:
		t, err := c.evalType(ctx, s, d.Result)
		if err != nil {
			return nil, err
		}

		if t.Size() == tp.NotInstantiable {
			return nil, diag.New(d.Result.Span(), "result type %v is not instantiable", t.Name())
		}

		result = t
	case d.Extern:
		result = tp.Void
	}

	kind := tp.FuncUser
	if d.Extern {
		kind = tp.FuncExtern
	}

	return tp.NewFunc(name, kind, tp.OpNone, result, args...), nil
}

// checkBody types the body of d. When sig has no result yet it is set
// to the type inferred from the returns.
func (c *Checker) checkBody(ctx context.Context, par *Scope, sig *tp.SpecificFunction, d *ast.FuncDecl) (typed.Node, error) {
	if d.Body == nil {
		return nil, diag.New(d.Span(), "function %v has no body", d.Name)
	}

	s := newScope(par)

	fc := &funcConstruct{
		name:     d.Name,
		declared: sig.Result,
		locals:   make(map[string]int),
	}

	for i, a := range sig.Args {
		err := s.Declare(a.Name, Binding{Kind: BindVar, Type: a.Type, Local: fc.local(a.Name), Span: d.Params[i].Span()})
		if err != nil {
			return nil, err
		}
	}

	var body typed.Node
	var err error

	if blk, ok := d.Body.(*ast.Block); ok {
		body, err = c.checkBlock(ctx, s, fc, blk)
	} else {
		body, err = c.checkExpr(ctx, s, fc, d.Body)
		if err == nil {
			err = fc.unify(d.Body.Span(), body.Type())
		}
	}

	s.Seal()

	if err != nil {
		return nil, err
	}

	switch {
	case sig.Result != nil:
	case fc.inferred != nil:
		if tp.Runtime(fc.inferred).Size() == tp.NotInstantiable {
			return nil, diag.New(d.Body.Span(), "%v returns %v which is not a value", d.Name, fc.inferred.Name())
		}

		sig.Result = fc.inferred
	default:
		sig.Result = tp.Void
	}

	if _, ok := d.Body.(*ast.Block); ok && sig.Result.Size() != 0 && !returns(body) {
		return nil, diag.New(d.Span(), "missing return at the end of %v", d.Name)
	}

	return body, nil
}

func (c *Checker) declareTemplate(ctx context.Context, d *ast.FuncDecl) error {
	var infer *tp.Infer

	if in := d.Template.Infer; in != nil {
		st, err := tp.ParseStrategy(in.Strategy)
		if err != nil {
			return diag.New(d.Span(), "%v", err)
		}

		infer = &tp.Infer{Strategy: st, Args: in.Args}
	}

	tmpl := tp.NewTemplate(d.Name, len(d.Template.Names), infer, func(t *tp.Template, params []tp.Type) (tp.Type, error) {
		return c.specialize(ctx, t, d, params)
	})

	if err := c.global.Declare(d.Name, Binding{Kind: BindType, Type: tmpl, Span: d.Span()}); err != nil {
		return final{err}
	}

	return nil
}

// specialize checks a template function with its parameters bound.
func (c *Checker) specialize(ctx context.Context, t *tp.Template, d *ast.FuncDecl, params []tp.Type) (_ tp.Type, err error) {
	name := t.SpecializationName(params)

	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "check: specialize", "name", name)
	defer tr.Finish("err", &err)

	if c.specializing[name] {
		return nil, diag.New(d.Span(), "recursive specialization of %v", name)
	}

	c.specializing[name] = true
	defer delete(c.specializing, name)

	s := newScope(c.global)

	for i, n := range d.Template.Names {
		if err = s.Declare(n, Binding{Kind: BindType, Type: params[i], Span: d.Span()}); err != nil {
			return nil, err
		}
	}

	s.Seal()

	sig, err := c.signature(ctx, s, name, d)
	if err != nil {
		return nil, err
	}

	var body typed.Node

	if !d.Extern {
		body, err = c.checkBody(ctx, s, sig, d)
		if err != nil {
			return nil, err
		}
	}

	def := tp.NewFunctionDefinition(name)
	def.Add(sig)

	t.AddSpecialization(sig)
	c.funcSpans[sig.ID] = d.Span()

	if err = c.addFunction(sig, d, body); err != nil {
		return nil, err
	}

	return def, nil
}

func (fc *funcConstruct) local(name string) string {
	n := fc.locals[name]
	fc.locals[name] = n + 1

	if n == 0 {
		return name
	}

	return name + "#" + strconv.Itoa(n)
}

// unify merges the type of a new return into the function result.
func (fc *funcConstruct) unify(span ast.Span, t tp.Type) error {
	t = tp.Runtime(t)

	if fc.declared != nil {
		if !t.AssignableTo(fc.declared) {
			return diag.New(span, "cannot return %v from %v: result type is %v", t.Name(), fc.name, fc.declared.Name())
		}

		return nil
	}

	u, ok := tp.Unify(fc.inferred, t)
	if !ok {
		return diag.New(span, "return type %v of %v does not match earlier returns of type %v", t.Name(), fc.name, fc.inferred.Name())
	}

	if u != tp.Never {
		fc.inferred = u
	}

	return nil
}

// returns reports whether every path through n ends with a return.
func returns(n typed.Node) bool {
	switch n := n.(type) {
	case *typed.Return:
		return true
	case *typed.Block:
		return len(n.Stmts) != 0 && returns(n.Stmts[len(n.Stmts)-1])
	case *typed.IfStatement:
		return n.Else != nil && returns(n.Then) && returns(n.Else)
	default:
		return false
	}
}
