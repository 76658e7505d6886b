package check

import (
	"tlog.app/go/errors"
	"tlog.app/go/loc"
	"tlog.app/go/tlog"

	"github.com/slowlang/slab/compiler/ast"
	"github.com/slowlang/slab/compiler/diag"
	"github.com/slowlang/slab/compiler/tp"
)

type (
	// Scope is a lexical environment. Names are inserted while the region
	// it belongs to is being typed; after Seal it never changes.
	Scope struct {
		parent *Scope
		names  map[string]Binding

		sealed bool
		depth  int

		from loc.PC
	}

	BindKind int

	Binding struct {
		Kind BindKind

		// Type is the entity for BindType, the variable type for BindVar
		// and the ConstExpr for BindConst.
		Type tp.Type

		// Local is the function-unique name of a variable.
		Local string

		Span ast.Span
	}
)

const (
	BindType BindKind = iota
	BindVar
	BindConst
)

var errSealed = errors.New("scope is sealed")

func newScope(parent *Scope) *Scope {
	s := &Scope{
		parent: parent,
		names:  make(map[string]Binding),
		from:   loc.Caller(1),
	}

	if parent != nil {
		s.depth = parent.depth + 1
	}

	return s
}

// Declare binds name in this scope. A name already bound in this very
// scope is a duplicate declaration; shadowing a parent is allowed.
func (s *Scope) Declare(name string, b Binding) error {
	if s.sealed {
		return diag.Internal("check", errors.Wrap(errSealed, "declare %v", name))
	}

	if prev, ok := s.names[name]; ok {
		return diag.New(b.Span, "%v redeclared in this scope", name).
			With(prev.Span, "previous declaration of %v", name)
	}

	s.names[name] = b

	tlog.V("scope").Printw("declare", "name", name, "kind", b.Kind, "d", s.depth, "from", loc.Callers(1, 2))

	return nil
}

func (s *Scope) Lookup(name string) (Binding, bool) {
	for x := s; x != nil; x = x.parent {
		if b, ok := x.names[name]; ok {
			return b, true
		}
	}

	return Binding{}, false
}

// Local looks up name in this scope only.
func (s *Scope) Local(name string) (Binding, bool) {
	b, ok := s.names[name]
	return b, ok
}

func (s *Scope) Seal() { s.sealed = true }

func (s *Scope) Parent() *Scope { return s.parent }
