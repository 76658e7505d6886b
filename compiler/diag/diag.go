// Package diag holds the two error classes of the compiler:
// user-facing Diagnostics and fatal internal invariant failures.
package diag

import (
	"fmt"
	"strings"

	"tlog.app/go/loc"

	"github.com/slowlang/slab/compiler/ast"
)

type (
	Diagnostic struct {
		Message string
		Span    ast.Span

		Related []Related
	}

	Related struct {
		Message string
		Span    ast.Span
	}

	List []*Diagnostic

	// InternalError is an assumption of an earlier phase being violated.
	// It is never presented as a Diagnostic.
	InternalError struct {
		Phase  string
		Func   string
		Offset int
		Type   string

		From loc.PC
		Err  error
	}
)

func New(span ast.Span, format string, args ...any) *Diagnostic {
	return &Diagnostic{
		Message: fmt.Sprintf(format, args...),
		Span:    span,
	}
}

func (d *Diagnostic) With(span ast.Span, format string, args ...any) *Diagnostic {
	d.Related = append(d.Related, Related{
		Message: fmt.Sprintf(format, args...),
		Span:    span,
	})

	return d
}

func (d *Diagnostic) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s:%d: %s", d.Span.File, d.Span.Pos, d.Message)

	for _, r := range d.Related {
		fmt.Fprintf(&b, "\n\t%s:%d: %s", r.Span.File, r.Span.Pos, r.Message)
	}

	return b.String()
}

func (l *List) Add(ds ...*Diagnostic) {
	*l = append(*l, ds...)
}

func (l List) Err() error {
	if len(l) == 0 {
		return nil
	}

	return l
}

func (l List) Error() string {
	if len(l) == 1 {
		return l[0].Error()
	}

	var b strings.Builder

	fmt.Fprintf(&b, "%d diagnostics:", len(l))

	for _, d := range l {
		b.WriteString("\n")
		b.WriteString(d.Error())
	}

	return b.String()
}

// Internal creates an InternalError remembering the caller as the raise site.
func Internal(phase string, err error) *InternalError {
	return &InternalError{
		Phase:  phase,
		Offset: -1,
		From:   loc.Caller(1),
		Err:    err,
	}
}

func (e *InternalError) InFunc(name string) *InternalError {
	e.Func = name
	return e
}

func (e *InternalError) AtOffset(off int) *InternalError {
	e.Offset = off
	return e
}

func (e *InternalError) OfType(name string) *InternalError {
	e.Type = name
	return e
}

func (e *InternalError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "internal error: %s", e.Phase)

	if e.Func != "" {
		fmt.Fprintf(&b, ": func %s", e.Func)
	}

	if e.Offset >= 0 {
		fmt.Fprintf(&b, ": offset %d", e.Offset)
	}

	if e.Type != "" {
		fmt.Fprintf(&b, ": type %s", e.Type)
	}

	fmt.Fprintf(&b, ": %v (raised at %v)", e.Err, e.From)

	return b.String()
}

func (e *InternalError) Unwrap() error { return e.Err }
