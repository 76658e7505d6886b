package tp

import (
	"strings"

	"tlog.app/go/errors"
)

type (
	Strategy int

	// Infer is an implicit specialization strategy: which call-site
	// arguments determine the template parameters and how.
	Infer struct {
		Strategy Strategy
		Args     []int
	}

	SpecializeFunc func(t *Template, params []Type) (Type, error)

	// Template is a family of types or functions parameterized over
	// compile-time types.
	Template struct {
		name string

		// Params is the number of parameters, -1 for any.
		Params int
		Infer  *Infer

		specialize SpecializeFunc

		cache map[string]Type
		specs []string
	}
)

const (
	// StrategyAny takes the argument type verbatim.
	StrategyAny Strategy = iota
	// StrategyChild takes the element type of a Pointer or Slice argument.
	StrategyChild
)

func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "any":
		return StrategyAny, nil
	case "child":
		return StrategyChild, nil
	default:
		return 0, errors.New("unknown specialization strategy: %q", s)
	}
}

func (s Strategy) String() string {
	switch s {
	case StrategyAny:
		return "any"
	case StrategyChild:
		return "child"
	default:
		return "strategy?"
	}
}

func NewTemplate(name string, params int, infer *Infer, f SpecializeFunc) *Template {
	return &Template{
		name:       name,
		Params:     params,
		Infer:      infer,
		specialize: f,
		cache:      make(map[string]Type),
	}
}

func (*Template) isType() {}

func (t *Template) Name() string { return t.name }
func (t *Template) Size() int    { return NotInstantiable }

func (t *Template) AssignableTo(x Type) bool { return t == x }

// Specializations lists the mangled names of functions produced so far.
func (t *Template) Specializations() []string { return t.specs }

// AddSpecialization records a function produced by this template.
func (t *Template) AddSpecialization(f *SpecificFunction) {
	f.Template = t

	name := f.Mangled()

	for _, s := range t.specs {
		if s == name {
			return
		}
	}

	t.specs = append(t.specs, name)
}

// SpecializationName is `name<T, U>`.
func (t *Template) SpecializationName(params []Type) string {
	var b strings.Builder

	b.WriteString(t.name)
	b.WriteByte('<')

	for i, p := range params {
		if i != 0 {
			b.WriteString(", ")
		}

		b.WriteString(p.Name())
	}

	b.WriteByte('>')

	return b.String()
}

// Specialize instantiates the template for params. Results are cached.
func (t *Template) Specialize(params []Type) (Type, error) {
	if t.Params >= 0 && len(params) != t.Params {
		return nil, errors.New("%v: expected %d template arguments, got %d", t.name, t.Params, len(params))
	}

	key := t.SpecializationName(params)

	if r, ok := t.cache[key]; ok {
		return r, nil
	}

	r, err := t.specialize(t, params)
	if err != nil {
		return nil, errors.Wrap(err, "specialize %v", key)
	}

	t.cache[key] = r

	return r, nil
}

// InferParams derives template parameters from call-site argument types.
func (t *Template) InferParams(args []Type) ([]Type, error) {
	if t.Infer == nil {
		return nil, errors.New("%v: cannot be specialized implicitly", t.name)
	}

	params := make([]Type, 0, len(t.Infer.Args))

	for _, i := range t.Infer.Args {
		if i >= len(args) {
			return nil, errors.New("%v: expected argument %d for specialization", t.name, i)
		}

		arg := Runtime(args[i])

		switch t.Infer.Strategy {
		case StrategyAny:
			params = append(params, arg)
		case StrategyChild:
			switch a := arg.(type) {
			case *Pointer:
				params = append(params, a.Elem)
			case *Slice:
				params = append(params, a.Elem)
			default:
				return nil, errors.New("%v: argument %d: expected pointer or slice, got %v", t.name, i, arg.Name())
			}
		default:
			panic(t.Infer.Strategy)
		}
	}

	return params, nil
}
