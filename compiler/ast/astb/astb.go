// Package astb builds syntax trees in code.
// Every node gets a distinct position so diagnostics stay attributable.
package astb

import (
	"github.com/slowlang/slab/compiler/ast"
)

type (
	B struct {
		File string
		pos  int
	}
)

func New(file string) *B {
	return &B{File: file}
}

func (b *B) at() ast.Base {
	b.pos++

	return ast.Base{At: ast.Span{File: b.File, Pos: b.pos, End: b.pos + 1}}
}

func (b *B) Program(ds ...ast.Decl) *ast.File {
	return &ast.File{Base: b.at(), Name: b.File, Decls: ds}
}

func (b *B) Param(name string, t ast.Expr) ast.Param {
	return ast.Param{Base: b.at(), Name: name, Type: t}
}

// Func declares a function. Result may be nil to infer it.
func (b *B) Func(name string, params []ast.Param, result ast.Expr, body ast.Expr) *ast.FuncDecl {
	return &ast.FuncDecl{Base: b.at(), Name: name, Params: params, Result: result, Body: body}
}

func (b *B) Extern(name string, params []ast.Param, result ast.Expr) *ast.FuncDecl {
	return &ast.FuncDecl{Base: b.at(), Name: name, Params: params, Result: result, Extern: true}
}

// Template declares a function template over names.
// Strategy may be empty for explicit-only specialization.
func (b *B) Template(f *ast.FuncDecl, names []string, strategy string, args ...int) *ast.FuncDecl {
	f.Template = &ast.TemplateParams{Names: names}

	if strategy != "" {
		f.Template.Infer = &ast.Infer{Strategy: strategy, Args: args}
	}

	return f
}

func (b *B) Struct(name string, props ...ast.Param) *ast.StructDecl {
	return &ast.StructDecl{Base: b.at(), Name: name, Props: props}
}

func (b *B) Id(name string) *ast.Ident { return &ast.Ident{Base: b.at(), Name: name} }

func (b *B) Num(v float64) *ast.Number { return &ast.Number{Base: b.at(), Value: v} }

func (b *B) Char(v byte) *ast.Char { return &ast.Char{Base: b.at(), Value: v} }

func (b *B) Str(v string) *ast.String { return &ast.String{Base: b.at(), Value: v} }

func (b *B) Call(callee ast.Expr, args ...ast.Expr) *ast.Call {
	return &ast.Call{Base: b.at(), Callee: callee, Args: args}
}

// CallN calls a function by name.
func (b *B) CallN(name string, args ...ast.Expr) *ast.Call {
	return b.Call(b.Id(name), args...)
}

func (b *B) Bin(op string, l, r ast.Expr) *ast.Binary {
	return &ast.Binary{Base: b.at(), Op: op, Left: l, Right: r}
}

func (b *B) Un(op string, x ast.Expr) *ast.Unary {
	return &ast.Unary{Base: b.at(), Op: op, X: x}
}

func (b *B) Assign(dst, src ast.Expr) *ast.Binary { return b.Bin("=", dst, src) }

func (b *B) Member(x ast.Expr, name string) *ast.Member {
	return &ast.Member{Base: b.at(), X: x, Name: name}
}

func (b *B) Index(x, i ast.Expr) *ast.Index {
	return &ast.Index{Base: b.at(), X: x, Index: i}
}

func (b *B) Spec(x ast.Expr, args ...ast.Expr) *ast.Specialize {
	return &ast.Specialize{Base: b.at(), X: x, Args: args}
}

// SpecN specializes a template by name.
func (b *B) SpecN(name string, args ...ast.Expr) *ast.Specialize {
	return b.Spec(b.Id(name), args...)
}

func (b *B) Tuple(items ...ast.Expr) *ast.TupleLit {
	return &ast.TupleLit{Base: b.at(), Items: items}
}

func (b *B) Block(stmts ...ast.Expr) *ast.Block {
	return &ast.Block{Base: b.at(), Stmts: stmts}
}

func (b *B) If(cond, then, els ast.Expr) *ast.If {
	return &ast.If{Base: b.at(), Cond: cond, Then: then, Else: els}
}

func (b *B) While(cond, body ast.Expr) *ast.While {
	return &ast.While{Base: b.at(), Cond: cond, Body: body}
}

func (b *B) For(init, cond, step, body ast.Expr) *ast.For {
	return &ast.For{Base: b.at(), Init: init, Cond: cond, Step: step, Body: body}
}

func (b *B) Ret(v ast.Expr) *ast.Return {
	return &ast.Return{Base: b.at(), Value: v}
}

// Var declares a local. Type may be nil to take the type of the value.
func (b *B) Var(name string, t, v ast.Expr) *ast.VarDecl {
	return &ast.VarDecl{Base: b.at(), Name: name, Type: t, Value: v}
}
