// Package tp is the type algebra: the closed set of type variants
// with their sizes, layouts and assignability rules.
package tp

import (
	"strings"

	"tlog.app/go/errors"
)

type (
	// Type is implemented only by the variants of this package.
	Type interface {
		Name() string
		Size() int

		// AssignableTo reports whether a value of the receiver type
		// can be used where t is expected.
		AssignableTo(t Type) bool

		isType()
	}

	Repr int

	Primitive struct {
		name string
		size int
		Repr Repr

		folds map[Op]FoldFunc
	}

	Pointer struct {
		Elem Type
	}

	Slice struct {
		Elem Type
	}

	Tuple struct {
		Elems []Type
	}

	Struct struct {
		name  string
		props []Property
		size  int

		finalized bool
	}

	// Reference is T usable as an assignment target.
	// It only exists at compile time.
	Reference struct {
		Elem Type
	}

	// ConstExpr is a compile-time known value of Elem.
	// Nil Value matches any constant of Elem.
	ConstExpr struct {
		Elem  Type
		Value Const
	}

	Property struct {
		Name     string
		Type     Type
		Offset   int
		ReadOnly bool
	}
)

const (
	NotInstantiable = -1

	PointerSize = 8
	SliceSize   = PointerSize + 8
)

const (
	ReprNone Repr = iota
	ReprFloat64
	ReprUint8
	ReprBool
	ReprUint64
)

var (
	Number  = newPrimitive("Number", 8, ReprFloat64)
	Char    = newPrimitive("Char", 1, ReprUint8)
	Boolean = newPrimitive("Boolean", 1, ReprBool)
	Void    = newPrimitive("Void", 0, ReprNone)
	Never   = newPrimitive("Never", 0, ReprNone)

	// Meta is the type of compile-time type values.
	Meta = newPrimitive("Type", NotInstantiable, ReprNone)
)

var ErrNestedReference = errors.New("reference to reference")

func newPrimitive(name string, size int, r Repr) *Primitive {
	return &Primitive{
		name:  name,
		size:  size,
		Repr:  r,
		folds: make(map[Op]FoldFunc),
	}
}

func (*Primitive) isType() {}
func (*Pointer) isType()   {}
func (*Slice) isType()     {}
func (*Tuple) isType()     {}
func (*Struct) isType()    {}
func (*Reference) isType() {}
func (*ConstExpr) isType() {}

func (p *Primitive) Name() string { return p.name }
func (p *Primitive) Size() int    { return p.size }

func (p *Primitive) AssignableTo(t Type) bool {
	if p == Never {
		return true
	}

	return Same(p, t)
}

func NewPointer(elem Type) *Pointer { return &Pointer{Elem: elem} }

func (p *Pointer) Name() string { return "Pointer<" + p.Elem.Name() + ">" }
func (p *Pointer) Size() int    { return PointerSize }

func (p *Pointer) AssignableTo(t Type) bool {
	q, ok := t.(*Pointer)

	return ok && p.Elem.AssignableTo(q.Elem)
}

func NewSlice(elem Type) *Slice { return &Slice{Elem: elem} }

func (s *Slice) Name() string { return "Slice<" + s.Elem.Name() + ">" }
func (s *Slice) Size() int    { return SliceSize }

func (s *Slice) AssignableTo(t Type) bool {
	q, ok := t.(*Slice)

	return ok && s.Elem.AssignableTo(q.Elem)
}

func (s *Slice) Property(name string) (Property, bool) {
	switch name {
	case "data":
		return Property{Name: name, Type: NewPointer(s.Elem), Offset: 0, ReadOnly: true}, true
	case "length":
		return Property{Name: name, Type: Number, Offset: PointerSize, ReadOnly: true}, true
	}

	return Property{}, false
}

func NewTuple(elems ...Type) *Tuple { return &Tuple{Elems: elems} }

func (t *Tuple) Name() string {
	var b strings.Builder

	b.WriteString("Tuple<")

	for i, e := range t.Elems {
		if i != 0 {
			b.WriteString(", ")
		}

		b.WriteString(e.Name())
	}

	b.WriteString(">")

	return b.String()
}

func (t *Tuple) Size() (s int) {
	for _, e := range t.Elems {
		es := e.Size()
		if es == NotInstantiable {
			return NotInstantiable
		}

		s += es
	}

	return s
}

func (t *Tuple) AssignableTo(x Type) bool {
	q, ok := x.(*Tuple)
	if !ok || len(q.Elems) != len(t.Elems) {
		return false
	}

	for i, e := range t.Elems {
		if !e.AssignableTo(q.Elems[i]) {
			return false
		}
	}

	return true
}

func (t *Tuple) Offset(i int) (off int) {
	for _, e := range t.Elems[:i] {
		off += e.Size()
	}

	return off
}

func (t *Tuple) Property(name string) (Property, bool) {
	if name == "length" {
		return Property{
			Name:     name,
			Type:     NewConst(Number, NumberConst(len(t.Elems))),
			Offset:   -1,
			ReadOnly: true,
		}, true
	}

	rest, ok := strings.CutPrefix(name, "item")
	if !ok {
		return Property{}, false
	}

	i, ok := parseIndex(rest)
	if !ok || i >= len(t.Elems) {
		return Property{}, false
	}

	return Property{Name: name, Type: t.Elems[i], Offset: t.Offset(i)}, true
}

func NewStruct(name string) *Struct {
	return &Struct{name: name, size: NotInstantiable}
}

func (s *Struct) Name() string { return s.name }
func (s *Struct) Size() int    { return s.size }

func (s *Struct) AssignableTo(t Type) bool { return s == t }

func (s *Struct) Finalized() bool { return s.finalized }

func (s *Struct) Properties() []Property { return s.props }

// AddProperty appends a property. Offsets are fixed by Finalize.
func (s *Struct) AddProperty(name string, t Type) error {
	if s.finalized {
		return errors.New("struct %v is finalized", s.name)
	}

	for _, p := range s.props {
		if p.Name == name {
			return errors.New("duplicate property %v", name)
		}
	}

	s.props = append(s.props, Property{Name: name, Type: t})

	return nil
}

// Finalize lays out properties in declaration order and makes the
// struct instantiable.
func (s *Struct) Finalize() error {
	if s.finalized {
		return nil
	}

	off := 0

	for i, p := range s.props {
		size := p.Type.Size()
		if size == NotInstantiable {
			return errors.New("property %v: type %v is not instantiable", p.Name, p.Type.Name())
		}

		s.props[i].Offset = off
		off += size
	}

	s.size = off
	s.finalized = true

	return nil
}

func (s *Struct) Property(name string) (Property, bool) {
	for _, p := range s.props {
		if p.Name == name {
			return p, true
		}
	}

	return Property{}, false
}

// Ref wraps t into a Reference. t must not be a Reference.
func Ref(t Type) (*Reference, error) {
	if _, ok := t.(*Reference); ok {
		return nil, errors.Wrap(ErrNestedReference, "%v", t.Name())
	}

	return &Reference{Elem: t}, nil
}

// MustRef is Ref for types known not to be references.
func MustRef(t Type) *Reference {
	r, err := Ref(t)
	if err != nil {
		panic(err)
	}

	return r
}

func (r *Reference) Name() string { return "Reference<" + r.Elem.Name() + ">" }
func (r *Reference) Size() int    { return r.Elem.Size() }

func (r *Reference) AssignableTo(t Type) bool {
	if q, ok := t.(*Reference); ok {
		return Same(r.Elem, q.Elem)
	}

	return r.Elem.AssignableTo(t)
}

func NewConst(elem Type, v Const) *ConstExpr {
	return &ConstExpr{Elem: elem, Value: v}
}

// AnyConst matches every compile-time constant of elem.
func AnyConst(elem Type) *ConstExpr {
	return &ConstExpr{Elem: elem}
}

func (c *ConstExpr) Name() string {
	if c.Value == nil {
		return "ConstExpr<" + c.Elem.Name() + ">"
	}

	return "ConstExpr<" + c.Elem.Name() + ", " + c.Value.String() + ">"
}

func (c *ConstExpr) Size() int { return c.Elem.Size() }

func (c *ConstExpr) AssignableTo(t Type) bool {
	if q, ok := t.(*ConstExpr); ok {
		if !Same(c.Elem, q.Elem) {
			return false
		}

		return q.Value == nil || c.Value != nil && ConstEqual(c.Value, q.Value)
	}

	return c.Elem.AssignableTo(t)
}

// Same reports type identity. Names are unique per program.
func Same(a, b Type) bool {
	if a == b {
		return true
	}

	if a == nil || b == nil {
		return false
	}

	return a.Name() == b.Name()
}

// Normalize strips a Reference wrapper.
func Normalize(t Type) Type {
	if r, ok := t.(*Reference); ok {
		return r.Elem
	}

	return t
}

// Runtime strips every compile-time wrapper: the type a value of t has
// once it is materialized.
func Runtime(t Type) Type {
	t = Normalize(t)

	if c, ok := t.(*ConstExpr); ok {
		return c.Elem
	}

	return t
}

func IsReference(t Type) bool {
	_, ok := t.(*Reference)
	return ok
}

// ConstOf returns the constant value of t if it is a ConstExpr with a value.
func ConstOf(t Type) (Const, bool) {
	c, ok := Normalize(t).(*ConstExpr)
	if !ok || c.Value == nil {
		return nil, false
	}

	return c.Value, true
}

// TypeOf unwraps a compile-time type value.
func TypeOf(t Type) (Type, bool) {
	v, ok := ConstOf(t)
	if !ok {
		return nil, false
	}

	tc, ok := v.(TypeConst)
	if !ok {
		return nil, false
	}

	return tc.Type, true
}

// Property looks up a property on a struct, tuple or slice.
func PropertyOf(t Type, name string) (Property, bool) {
	switch t := Runtime(t).(type) {
	case *Struct:
		return t.Property(name)
	case *Tuple:
		return t.Property(name)
	case *Slice:
		return t.Property(name)
	default:
		return Property{}, false
	}
}

func parseIndex(s string) (int, bool) {
	if s == "" || len(s) > 1 && s[0] == '0' {
		return 0, false
	}

	n := 0

	for _, c := range []byte(s) {
		if c < '0' || c > '9' {
			return 0, false
		}

		n = n*10 + int(c-'0')
	}

	return n, true
}
