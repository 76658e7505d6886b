package tp

import (
	"strings"
	"sync/atomic"

	"tlog.app/go/errors"
)

type (
	Op int

	FuncKind int

	// FunctionDefinition is a named set of overloads.
	FunctionDefinition struct {
		name      string
		Overloads []*SpecificFunction
	}

	// SpecificFunction is one concrete callable signature.
	SpecificFunction struct {
		ID int
		// Ident is the unmangled function name.
		Ident string

		Args   []Arg
		Result Type

		Kind FuncKind
		Op   Op

		// Fold is set for FuncFold.
		Fold FoldFunc

		// Template is the template this function is a specialization of.
		Template *Template

		// Dispose is run on scope exit for a value deferred by this
		// @defer specialization.
		Dispose *SpecificFunction
	}

	Arg struct {
		Name string
		Type Type
	}
)

const (
	FuncUser FuncKind = iota
	FuncExtern
	FuncIntrinsic
	FuncFold
)

const (
	OpNone Op = iota

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNeg

	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe

	OpNot
	OpAnd
	OpOr

	OpAssign
	OpAddr
	OpDeref
	OpIndex
	OpInc
	OpDec

	OpConstruct
	OpDefer

	opCount
)

var opNames = [...]string{
	OpNone:      "none",
	OpAdd:       "add",
	OpSub:       "sub",
	OpMul:       "mul",
	OpDiv:       "div",
	OpMod:       "mod",
	OpNeg:       "neg",
	OpEq:        "eq",
	OpNe:        "ne",
	OpLt:        "lt",
	OpLe:        "le",
	OpGt:        "gt",
	OpGe:        "ge",
	OpNot:       "not",
	OpAnd:       "and",
	OpOr:        "or",
	OpAssign:    "assign",
	OpAddr:      "addr",
	OpDeref:     "deref",
	OpIndex:     "index",
	OpInc:       "inc",
	OpDec:       "dec",
	OpConstruct: "construct",
	OpDefer:     "defer",
}

var lastFuncID atomic.Int64

func (op Op) String() string {
	if op < 0 || op >= opCount {
		return "op?"
	}

	return opNames[op]
}

func (k FuncKind) String() string {
	switch k {
	case FuncUser:
		return "user"
	case FuncExtern:
		return "extern"
	case FuncIntrinsic:
		return "intrinsic"
	case FuncFold:
		return "fold"
	default:
		return "kind?"
	}
}

func NewFunctionDefinition(name string) *FunctionDefinition {
	return &FunctionDefinition{name: name}
}

func (*FunctionDefinition) isType() {}

func (d *FunctionDefinition) Name() string { return d.name }
func (d *FunctionDefinition) Size() int    { return NotInstantiable }

func (d *FunctionDefinition) AssignableTo(t Type) bool { return d == t }

// Add registers an overload. An overload with the same argument types
// is a duplicate and is returned as the second result.
func (d *FunctionDefinition) Add(f *SpecificFunction) (dup *SpecificFunction) {
	for _, o := range d.Overloads {
		if sameArgs(o.Args, f.Args) {
			return o
		}
	}

	d.Overloads = append(d.Overloads, f)

	return nil
}

func NewFunc(name string, kind FuncKind, op Op, result Type, args ...Arg) *SpecificFunction {
	return &SpecificFunction{
		ID:     int(lastFuncID.Add(1)),
		Ident:  name,
		Args:   args,
		Result: result,
		Kind:   kind,
		Op:     op,
	}
}

func (*SpecificFunction) isType() {}

// Name of a specific function is its mangled signature.
func (f *SpecificFunction) Name() string { return f.Mangled() }
func (f *SpecificFunction) Size() int    { return NotInstantiable }

func (f *SpecificFunction) AssignableTo(t Type) bool { return f == t }

// Mangled returns `name(a: T, b: U): R`, the name used to bind
// the function in images and hosts.
func (f *SpecificFunction) Mangled() string {
	var b strings.Builder

	b.WriteString(f.Ident)
	b.WriteByte('(')

	for i, a := range f.Args {
		if i != 0 {
			b.WriteString(", ")
		}

		b.WriteString(a.Name)
		b.WriteString(": ")
		b.WriteString(a.Type.Name())
	}

	b.WriteString("): ")
	b.WriteString(f.Result.Name())

	return b.String()
}

func (f *SpecificFunction) IsConcrete() bool {
	return f.Kind == FuncUser || f.Kind == FuncExtern
}

func (f *SpecificFunction) ArgTypes() []Type {
	r := make([]Type, len(f.Args))

	for i, a := range f.Args {
		r[i] = a.Type
	}

	return r
}

// CheckSizes returns an error if an argument or the result of f
// cannot exist at run time.
func (f *SpecificFunction) CheckSizes() error {
	for _, a := range f.Args {
		if Runtime(a.Type).Size() == NotInstantiable {
			return errors.New("argument %v: type %v is not instantiable", a.Name, a.Type.Name())
		}
	}

	if Runtime(f.Result).Size() == NotInstantiable {
		return errors.New("result type %v is not instantiable", f.Result.Name())
	}

	return nil
}

func sameArgs(a, b []Arg) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if !Same(a[i].Type, b[i].Type) {
			return false
		}
	}

	return true
}
