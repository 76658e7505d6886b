// Package ast is the syntax tree handed to the type checker by a parser.
package ast

import (
	"tlog.app/go/tlog/tlwire"
)

type (
	Node interface {
		Span() Span
	}

	Decl interface {
		Node
		DeclName() string
	}

	Expr interface {
		Node
		expr()
	}

	Span struct {
		File string
		Pos  int
		End  int
	}

	Base struct {
		At Span `tlog:",embed"`
	}

	File struct {
		Base `tlog:",embed"`

		Name  string
		Decls []Decl
	}

	Param struct {
		Base `tlog:",embed"`

		Name string
		Type Expr
	}

	// FuncDecl is a free function. Body is nil for extern functions.
	// Body that is not a Block is an expression body (`=> expr`).
	FuncDecl struct {
		Base `tlog:",embed"`

		Name     string
		Params   []Param
		Result   Expr
		Body     Expr
		Extern   bool
		Template *TemplateParams
	}

	TemplateParams struct {
		Names []string

		// Infer is nil if the template can only be specialized explicitly.
		Infer *Infer
	}

	Infer struct {
		Strategy string // "any" or "child"
		Args     []int
	}

	StructDecl struct {
		Base `tlog:",embed"`

		Name  string
		Props []Param
	}

	Ident struct {
		Base `tlog:",embed"`

		Name string
	}

	Number struct {
		Base `tlog:",embed"`

		Value float64
	}

	Char struct {
		Base `tlog:",embed"`

		Value byte
	}

	String struct {
		Base `tlog:",embed"`

		Value string
	}

	Call struct {
		Base `tlog:",embed"`

		Callee Expr
		Args   []Expr
	}

	Binary struct {
		Base `tlog:",embed"`

		Op    string
		Left  Expr
		Right Expr
	}

	Unary struct {
		Base `tlog:",embed"`

		Op string
		X  Expr
	}

	Member struct {
		Base `tlog:",embed"`

		X    Expr
		Name string
	}

	Index struct {
		Base `tlog:",embed"`

		X     Expr
		Index Expr
	}

	Specialize struct {
		Base `tlog:",embed"`

		X    Expr
		Args []Expr
	}

	TupleLit struct {
		Base `tlog:",embed"`

		Items []Expr
	}

	Block struct {
		Base `tlog:",embed"`

		Stmts []Expr
	}

	If struct {
		Base `tlog:",embed"`

		Cond Expr
		Then Expr
		Else Expr
	}

	While struct {
		Base `tlog:",embed"`

		Cond Expr
		Body Expr
	}

	For struct {
		Base `tlog:",embed"`

		Init Expr
		Cond Expr
		Step Expr
		Body Expr
	}

	Return struct {
		Base `tlog:",embed"`

		Value Expr
	}

	VarDecl struct {
		Base `tlog:",embed"`

		Name  string
		Type  Expr
		Value Expr
	}
)

// Native is the span of everything the compiler synthesizes itself.
var Native = Span{File: "<native>", Pos: -1, End: -1}

func (b Base) Span() Span { return b.At }

func (d *FuncDecl) DeclName() string   { return d.Name }
func (d *StructDecl) DeclName() string { return d.Name }

func (*Ident) expr()      {}
func (*Number) expr()     {}
func (*Char) expr()       {}
func (*String) expr()     {}
func (*Call) expr()       {}
func (*Binary) expr()     {}
func (*Unary) expr()      {}
func (*Member) expr()     {}
func (*Index) expr()      {}
func (*Specialize) expr() {}
func (*TupleLit) expr()   {}
func (*Block) expr()      {}
func (*If) expr()         {}
func (*While) expr()      {}
func (*For) expr()        {}
func (*Return) expr()     {}
func (*VarDecl) expr()    {}

func (s Span) IsNative() bool { return s == Native }

func (s Span) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	if s.IsNative() {
		return e.AppendFormat(b, "%s", s.File)
	}

	return e.AppendFormat(b, "%s:%d-%d", s.File, s.Pos, s.End)
}
