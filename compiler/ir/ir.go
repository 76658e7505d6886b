// Package ir is the linear, symbolic form of function bodies produced by
// the emitter and consumed once by the assembler.
package ir

import (
	"github.com/slowlang/slab/compiler/bytecode"
	"github.com/slowlang/slab/compiler/meta"
)

type (
	Class int

	Var struct {
		Name  string
		Size  int
		Class Class
	}

	Label int

	// Operands. Symbolic ones are resolved by the assembler.
	FuncRef string
	VarRef  string
	DataRef string
	Raw     uint32
	Const   []byte

	// Instr is one instruction with symbolic operands.
	Instr struct {
		Op  bytecode.Op
		Sub uint16
		Arg []any `tlog:",omitempty"`
	}

	Data struct {
		Name  string
		Bytes []byte
	}

	Func struct {
		Name   string
		Extern bool

		Vars []Var

		// Code holds Instr and Label values.
		Code []any

		// Labels are label names by index.
		Labels []string

		Data []Data
	}

	Program struct {
		Funcs []*Func

		Reflection *meta.Table
	}
)

const (
	ClassArg Class = iota
	ClassLocal
	ClassReturn
)

func (c Class) String() string {
	switch c {
	case ClassArg:
		return "arg"
	case ClassLocal:
		return "local"
	case ClassReturn:
		return "return"
	default:
		return "class?"
	}
}

// Var looks up a variable by name.
func (f *Func) Var(name string) (Var, bool) {
	for _, v := range f.Vars {
		if v.Name == name {
			return v, true
		}
	}

	return Var{}, false
}

// VarsOf returns variables of the class in declaration order.
func (f *Func) VarsOf(c Class) (r []Var) {
	for _, v := range f.Vars {
		if v.Class == c {
			r = append(r, v)
		}
	}

	return r
}

// Instrs returns only instructions of the body, without labels.
func (f *Func) Instrs() (r []Instr) {
	for _, x := range f.Code {
		if in, ok := x.(Instr); ok {
			r = append(r, in)
		}
	}

	return r
}

func (p *Program) Func(name string) (*Func, bool) {
	for _, f := range p.Funcs {
		if f.Name == name {
			return f, true
		}
	}

	return nil, false
}
