package tp

import (
	"strconv"

	"github.com/slowlang/slab/compiler/meta"
)

// Register adds t and every type it refers to into the reflection table.
// Compile-time-only types are registered as their runtime form.
func Register(b *meta.Builder, t Type) {
	t = Runtime(t)

	if b.HasType(t.Name()) || t.Size() == NotInstantiable {
		return
	}

	ti := meta.TypeInfo{
		Name: t.Name(),
		Size: t.Size(),
	}

	switch t := t.(type) {
	case *Primitive:
		ti.Kind = meta.KindPrimitive
	case *Pointer:
		ti.Kind = meta.KindPointer
		ti.Elem = Runtime(t.Elem).Name()
		defer Register(b, t.Elem)
	case *Slice:
		ti.Kind = meta.KindSlice
		ti.Elem = Runtime(t.Elem).Name()
		defer Register(b, t.Elem)
	case *Tuple:
		ti.Kind = meta.KindTuple

		for i, e := range t.Elems {
			ti.Props = append(ti.Props, meta.PropInfo{
				Name:   "item" + strconv.Itoa(i),
				Type:   Runtime(e).Name(),
				Offset: t.Offset(i),
			})

			defer Register(b, e)
		}
	case *Struct:
		ti.Kind = meta.KindStruct

		for _, p := range t.props {
			ti.Props = append(ti.Props, meta.PropInfo{
				Name:   p.Name,
				Type:   Runtime(p.Type).Name(),
				Offset: p.Offset,
			})

			defer Register(b, p.Type)
		}
	case *Reference, *ConstExpr, *FunctionDefinition, *SpecificFunction, *Template:
		return
	default:
		panic(t)
	}

	b.AddType(ti)
}

// RegisterFunc adds the signature of f into the reflection table.
func RegisterFunc(b *meta.Builder, f *SpecificFunction) {
	fi := meta.FuncInfo{
		Name:   f.Mangled(),
		Result: Runtime(f.Result).Name(),
	}

	for _, a := range f.Args {
		fi.Args = append(fi.Args, meta.ArgInfo{Name: a.Name, Type: Runtime(a.Type).Name()})

		Register(b, a.Type)
	}

	Register(b, f.Result)

	if f.Template != nil {
		fi.Template = f.Template.Name()

		b.AddSpecialization(f.Template.Name(), fi.Name)
	}

	b.AddFunc(fi)
}
