// Package meta is the reflection metadata carried by an executable image.
package meta

type (
	Kind string

	Table struct {
		Types     []TypeInfo     `cbor:"1,keyasint"`
		Funcs     []FuncInfo     `cbor:"2,keyasint"`
		Templates []TemplateInfo `cbor:"3,keyasint"`
	}

	TypeInfo struct {
		Name string `cbor:"1,keyasint"`
		Size int    `cbor:"2,keyasint"`
		Kind Kind   `cbor:"3,keyasint"`

		// Elem is the element type of pointers and slices.
		Elem string `cbor:"4,keyasint,omitempty"`

		// Props are struct properties or tuple items.
		Props []PropInfo `cbor:"5,keyasint,omitempty"`
	}

	PropInfo struct {
		Name   string `cbor:"1,keyasint"`
		Type   string `cbor:"2,keyasint"`
		Offset int    `cbor:"3,keyasint"`
	}

	FuncInfo struct {
		Name     string    `cbor:"1,keyasint"`
		Result   string    `cbor:"2,keyasint"`
		Args     []ArgInfo `cbor:"3,keyasint"`
		Template string    `cbor:"4,keyasint,omitempty"`
	}

	ArgInfo struct {
		Name string `cbor:"1,keyasint"`
		Type string `cbor:"2,keyasint"`
	}

	TemplateInfo struct {
		Name            string   `cbor:"1,keyasint"`
		Specializations []string `cbor:"2,keyasint"`
	}

	Builder struct {
		types     map[string]int
		funcs     map[string]int
		templates map[string]int

		t Table
	}
)

const (
	KindPrimitive Kind = "primitive"
	KindPointer   Kind = "pointer"
	KindSlice     Kind = "slice"
	KindTuple     Kind = "tuple"
	KindStruct    Kind = "struct"
)

func NewBuilder() *Builder {
	return &Builder{
		types:     make(map[string]int),
		funcs:     make(map[string]int),
		templates: make(map[string]int),
	}
}

// HasType reports whether a type was already registered.
func (b *Builder) HasType(name string) bool {
	_, ok := b.types[name]
	return ok
}

func (b *Builder) AddType(ti TypeInfo) {
	if i, ok := b.types[ti.Name]; ok {
		b.t.Types[i] = ti
		return
	}

	b.types[ti.Name] = len(b.t.Types)
	b.t.Types = append(b.t.Types, ti)
}

func (b *Builder) AddFunc(fi FuncInfo) {
	if i, ok := b.funcs[fi.Name]; ok {
		b.t.Funcs[i] = fi
		return
	}

	b.funcs[fi.Name] = len(b.t.Funcs)
	b.t.Funcs = append(b.t.Funcs, fi)
}

func (b *Builder) AddSpecialization(template, fn string) {
	i, ok := b.templates[template]
	if !ok {
		i = len(b.t.Templates)
		b.templates[template] = i
		b.t.Templates = append(b.t.Templates, TemplateInfo{Name: template})
	}

	for _, s := range b.t.Templates[i].Specializations {
		if s == fn {
			return
		}
	}

	b.t.Templates[i].Specializations = append(b.t.Templates[i].Specializations, fn)
}

func (b *Builder) Table() *Table {
	t := b.t
	return &t
}

func (t *Table) Type(name string) (*TypeInfo, bool) {
	for i := range t.Types {
		if t.Types[i].Name == name {
			return &t.Types[i], true
		}
	}

	return nil, false
}

func (t *Table) Func(name string) (*FuncInfo, bool) {
	for i := range t.Funcs {
		if t.Funcs[i].Name == name {
			return &t.Funcs[i], true
		}
	}

	return nil, false
}

func (t *Table) Template(name string) (*TemplateInfo, bool) {
	for i := range t.Templates {
		if t.Templates[i].Name == name {
			return &t.Templates[i], true
		}
	}

	return nil, false
}
