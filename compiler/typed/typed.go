// Package typed is the fully resolved program produced by the type checker.
package typed

import (
	"github.com/slowlang/slab/compiler/ast"
	"github.com/slowlang/slab/compiler/meta"
	"github.com/slowlang/slab/compiler/tp"
)

type (
	// Node is one of the variants below. Its Type is the single source
	// of truth for its runtime size.
	Node interface {
		Type() tp.Type
		Span() ast.Span

		isNode()
	}

	Base struct {
		T  tp.Type  `tlog:"type"`
		At ast.Span `tlog:"at"`
	}

	// Variable declares a local and initializes it with Init,
	// which is the assignment invocation.
	Variable struct {
		Base

		Name string
		Var  tp.Type
		Init Node
	}

	VariableDereference struct {
		Base

		Name string
	}

	Invocation struct {
		Base

		Func *tp.SpecificFunction
		Args []Node
	}

	Literal struct {
		Base

		Value tp.Const
	}

	// Data is a constant blob, materialized as a slice into the data segment.
	Data struct {
		Base

		Bytes []byte
	}

	Block struct {
		Base

		Stmts []Node
	}

	IfStatement struct {
		Base

		Cond Node
		Then Node
		Else Node
	}

	WhileLoop struct {
		Base

		Cond Node
		Body Node
	}

	ForLoop struct {
		Base

		Init Node
		Cond Node
		Step Node
		Body Node
	}

	Return struct {
		Base

		Value Node
	}

	// MemberAccess projects Size bytes at Offset out of X.
	MemberAccess struct {
		Base

		X      Node
		Offset int
	}

	NOP struct {
		Base
	}

	Function struct {
		Sig  *tp.SpecificFunction
		Args []string

		// Body is nil for extern functions.
		Body Node
	}

	Entry struct {
		Name string
		Type tp.Type
		Func *Function
	}

	Program struct {
		Entries []*Entry

		Reflection *meta.Table

		index map[string]int
	}
)

func (b Base) Type() tp.Type   { return b.T }
func (b Base) Span() ast.Span { return b.At }

func (*Variable) isNode()            {}
func (*VariableDereference) isNode() {}
func (*Invocation) isNode()          {}
func (*Literal) isNode()             {}
func (*Data) isNode()                {}
func (*Block) isNode()               {}
func (*IfStatement) isNode()         {}
func (*WhileLoop) isNode()           {}
func (*ForLoop) isNode()             {}
func (*Return) isNode()              {}
func (*MemberAccess) isNode()        {}
func (*NOP) isNode()                 {}

func At(t tp.Type, span ast.Span) Base {
	return Base{T: t, At: span}
}

func NewNOP(span ast.Span) *NOP {
	return &NOP{Base: At(tp.Void, span)}
}

// Used reports whether the value of an if statement is consumed.
func (s *IfStatement) Used() bool {
	return s.Else != nil && tp.Runtime(s.T).Size() > 0
}

// DeferredCall reports whether n, deferred as a whole, is a call of a
// Void function to run on scope exit rather than a value to dispose.
func DeferredCall(n Node) (*Invocation, bool) {
	inv, ok := n.(*Invocation)
	if !ok || !inv.Func.IsConcrete() || tp.Runtime(inv.T).Size() != 0 {
		return nil, false
	}

	return inv, true
}

func NewProgram() *Program {
	return &Program{index: make(map[string]int)}
}

// Add appends a named entry. Names are unique.
func (p *Program) Add(e *Entry) bool {
	if _, ok := p.index[e.Name]; ok {
		return false
	}

	p.index[e.Name] = len(p.Entries)
	p.Entries = append(p.Entries, e)

	return true
}

func (p *Program) Lookup(name string) (*Entry, bool) {
	i, ok := p.index[name]
	if !ok {
		return nil, false
	}

	return p.Entries[i], true
}

// Functions returns function entries in declaration order.
func (p *Program) Functions() []*Function {
	var fs []*Function

	for _, e := range p.Entries {
		if e.Func != nil {
			fs = append(fs, e.Func)
		}
	}

	return fs
}
