package host

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/nikandfor/hacked/hfmt"
	"tlog.app/go/errors"

	"github.com/slowlang/slab/compiler/meta"
	"github.com/slowlang/slab/vm"
)

// Format appends a human readable form of the value val of type typ.
// Types other than primitives are described by the image reflection table.
func Format(b []byte, v *vm.VM, typ string, val []byte) ([]byte, error) {
	t := v.Header().Reflection
	if t == nil {
		return nil, errors.New("no reflection metadata")
	}

	return format(b, v, t, typ, val)
}

func format(b []byte, v *vm.VM, t *meta.Table, typ string, val []byte) ([]byte, error) {
	ti, ok := t.Type(typ)
	if !ok {
		return nil, errors.New("no reflection for type %v", typ)
	}

	if len(val) != ti.Size {
		return nil, errors.New("%v: %d bytes, expected %d", typ, len(val), ti.Size)
	}

	switch ti.Kind {
	case meta.KindPrimitive:
		return primitive(b, typ, val)
	case meta.KindPointer:
		return hfmt.Appendf(b, "%#x", binary.LittleEndian.Uint64(val)), nil
	case meta.KindSlice:
		return slice(b, v, t, ti, val)
	case meta.KindTuple, meta.KindStruct:
		lb, rb := "(", ")"
		if ti.Kind == meta.KindStruct {
			b = append(b, ti.Name...)
			lb, rb = "{", "}"
		}

		b = append(b, lb...)

		for i, p := range ti.Props {
			if i != 0 {
				b = append(b, ", "...)
			}

			if ti.Kind == meta.KindStruct {
				b = append(b, p.Name...)
				b = append(b, ": "...)
			}

			pt, ok := t.Type(p.Type)
			if !ok {
				return nil, errors.New("no reflection for type %v", p.Type)
			}

			var err error

			b, err = format(b, v, t, p.Type, val[p.Offset:p.Offset+pt.Size])
			if err != nil {
				return nil, errors.Wrap(err, "%v.%v", ti.Name, p.Name)
			}
		}

		return append(b, rb...), nil
	default:
		return nil, errors.New("%v: unsupported kind %v", typ, ti.Kind)
	}
}

func primitive(b []byte, typ string, val []byte) ([]byte, error) {
	switch typ {
	case "Number":
		return strconv.AppendFloat(b, math.Float64frombits(binary.LittleEndian.Uint64(val)), 'g', -1, 64), nil
	case "Char":
		return append(b, val[0]), nil
	case "Boolean":
		return strconv.AppendBool(b, val[0] != 0), nil
	case "Void":
		return b, nil
	default:
		return nil, errors.New("unsupported primitive %v", typ)
	}
}

func slice(b []byte, v *vm.VM, t *meta.Table, ti *meta.TypeInfo, val []byte) ([]byte, error) {
	data, n := vm.SplitSlice(val)

	et, ok := t.Type(ti.Elem)
	if !ok {
		return nil, errors.New("no reflection for type %v", ti.Elem)
	}

	if n == 0 {
		if ti.Elem == "Char" {
			return b, nil
		}

		return append(b, "[]"...), nil
	}

	mem, err := v.Load(data, n*et.Size)
	if err != nil {
		return nil, errors.Wrap(err, "%v", ti.Name)
	}

	if ti.Elem == "Char" {
		return append(b, mem...), nil
	}

	b = append(b, '[')

	for i := 0; i < n; i++ {
		if i != 0 {
			b = append(b, ", "...)
		}

		b, err = format(b, v, t, ti.Elem, mem[i*et.Size:(i+1)*et.Size])
		if err != nil {
			return nil, errors.Wrap(err, "%v[%d]", ti.Name, i)
		}
	}

	return append(b, ']'), nil
}
