package tp

import (
	"fmt"
	"strings"

	"tlog.app/go/errors"
)

type (
	Resolution struct {
		Func   *SpecificFunction
		Result Type

		// Value is set when the call was folded at compile time.
		Value Const
	}

	Mismatch struct {
		Candidate *SpecificFunction
		Reason    string
	}

	NoOverloadError struct {
		Name       string
		Args       []Type
		Mismatches []Mismatch
	}
)

// Match checks f against the argument types of a call site.
func Match(f *SpecificFunction, args []Type) (reason string, ok bool) {
	if len(args) != len(f.Args) {
		return fmt.Sprintf("expected %d arguments, got %d", len(f.Args), len(args)), false
	}

	for i, a := range args {
		p := f.Args[i].Type

		if !IsReference(p) {
			a = Normalize(a)
		}

		if !a.AssignableTo(p) {
			return fmt.Sprintf("argument %d (%v): %v is not assignable to %v", i, f.Args[i].Name, a.Name(), p.Name()), false
		}
	}

	return "", true
}

// Resolve picks the first overload of d matching args.
// Folding overloads yield a constant value when every argument is constant.
func Resolve(d *FunctionDefinition, args []Type) (*Resolution, error) {
	var mis []Mismatch

	for _, f := range d.Overloads {
		reason, ok := Match(f, args)
		if !ok {
			mis = append(mis, Mismatch{Candidate: f, Reason: reason})
			continue
		}

		if f.Kind != FuncFold {
			return &Resolution{Func: f, Result: f.Result}, nil
		}

		vals, ok := constArgs(args)
		if !ok {
			mis = append(mis, Mismatch{Candidate: f, Reason: "arguments are not compile-time constants"})
			continue
		}

		v, err := f.Fold(vals)
		if err != nil {
			return nil, errors.Wrap(err, "fold %v", d.Name())
		}

		return &Resolution{
			Func:   f,
			Result: NewConst(Runtime(f.Result), v),
			Value:  v,
		}, nil
	}

	return nil, &NoOverloadError{
		Name:       d.Name(),
		Args:       args,
		Mismatches: mis,
	}
}

func constArgs(args []Type) ([]Const, bool) {
	vals := make([]Const, len(args))

	for i, a := range args {
		v, ok := ConstOf(a)
		if !ok {
			return nil, false
		}

		vals[i] = v
	}

	return vals, true
}

func (e *NoOverloadError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "no overload of %v found for (", e.Name)

	for i, a := range e.Args {
		if i != 0 {
			b.WriteString(", ")
		}

		b.WriteString(a.Name())
	}

	b.WriteString(")")

	for _, m := range e.Mismatches {
		fmt.Fprintf(&b, "\n\t%v: %v", m.Candidate.Mangled(), m.Reason)
	}

	return b.String()
}

// Unify merges two result types: the one the other is assignable to wins.
func Unify(a, b Type) (Type, bool) {
	switch {
	case a == nil:
		return b, true
	case b == nil:
		return a, true
	case b.AssignableTo(a):
		return a, true
	case a.AssignableTo(b):
		return b, true
	}

	return nil, false
}
