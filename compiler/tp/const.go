package tp

import (
	"encoding/binary"
	"math"
	"strconv"

	"tlog.app/go/errors"
)

type (
	Const interface {
		String() string

		isConst()
	}

	NumberConst float64
	CharConst   byte
	BoolConst   bool

	TypeConst struct {
		Type Type
	}

	FoldFunc func(args []Const) (Const, error)
)

var ErrDivisionByZero = errors.New("division by zero")

func (NumberConst) isConst() {}
func (CharConst) isConst()   {}
func (BoolConst) isConst()   {}
func (TypeConst) isConst()   {}

func (c NumberConst) String() string { return strconv.FormatFloat(float64(c), 'g', -1, 64) }
func (c CharConst) String() string   { return strconv.QuoteRune(rune(c)) }
func (c BoolConst) String() string   { return strconv.FormatBool(bool(c)) }
func (c TypeConst) String() string   { return c.Type.Name() }

func ConstEqual(a, b Const) bool {
	switch a := a.(type) {
	case NumberConst, CharConst, BoolConst:
		return a == b
	case TypeConst:
		b, ok := b.(TypeConst)
		return ok && Same(a.Type, b.Type)
	default:
		panic(a)
	}
}

// TypeValue is the type of an expression naming the type t.
func TypeValue(t Type) *ConstExpr {
	return NewConst(Meta, TypeConst{Type: t})
}

// Encode materializes a constant of the primitive into its runtime bytes.
func (p *Primitive) Encode(c Const) ([]byte, error) {
	switch p.Repr {
	case ReprFloat64:
		v, ok := c.(NumberConst)
		if !ok {
			break
		}

		return binary.LittleEndian.AppendUint64(nil, math.Float64bits(float64(v))), nil
	case ReprUint8:
		v, ok := c.(CharConst)
		if !ok {
			break
		}

		return []byte{byte(v)}, nil
	case ReprBool:
		v, ok := c.(BoolConst)
		if !ok {
			break
		}

		if v {
			return []byte{1}, nil
		}

		return []byte{0}, nil
	}

	return nil, errors.New("cannot encode %v as %v", c, p.name)
}

// Fold evaluates op at compile time using the primitive's folding table.
func (p *Primitive) Fold(op Op, args []Const) (Const, error) {
	f, ok := p.folds[op]
	if !ok {
		return nil, errors.New("%v: no constant %v", p.name, op)
	}

	return f(args)
}

func (p *Primitive) CanFold(op Op) bool {
	_, ok := p.folds[op]
	return ok
}

func init() {
	num := func(f func(a, b float64) (Const, error)) FoldFunc {
		return func(args []Const) (Const, error) {
			if len(args) != 2 {
				return nil, errors.New("expected 2 operands, got %d", len(args))
			}

			a, aok := args[0].(NumberConst)
			b, bok := args[1].(NumberConst)

			if !aok || !bok {
				return nil, errors.New("operands are not numbers: %v, %v", args[0], args[1])
			}

			return f(float64(a), float64(b))
		}
	}

	Number.folds[OpAdd] = num(func(a, b float64) (Const, error) { return NumberConst(a + b), nil })
	Number.folds[OpSub] = num(func(a, b float64) (Const, error) { return NumberConst(a - b), nil })
	Number.folds[OpMul] = num(func(a, b float64) (Const, error) { return NumberConst(a * b), nil })
	Number.folds[OpDiv] = num(func(a, b float64) (Const, error) {
		if b == 0 {
			return nil, ErrDivisionByZero
		}

		return NumberConst(a / b), nil
	})
	Number.folds[OpMod] = num(func(a, b float64) (Const, error) {
		if b == 0 {
			return nil, ErrDivisionByZero
		}

		return NumberConst(math.Mod(a, b)), nil
	})
	Number.folds[OpEq] = num(func(a, b float64) (Const, error) { return BoolConst(a == b), nil })
	Number.folds[OpNe] = num(func(a, b float64) (Const, error) { return BoolConst(a != b), nil })
	Number.folds[OpLt] = num(func(a, b float64) (Const, error) { return BoolConst(a < b), nil })
	Number.folds[OpLe] = num(func(a, b float64) (Const, error) { return BoolConst(a <= b), nil })
	Number.folds[OpGt] = num(func(a, b float64) (Const, error) { return BoolConst(a > b), nil })
	Number.folds[OpGe] = num(func(a, b float64) (Const, error) { return BoolConst(a >= b), nil })
	Number.folds[OpNeg] = func(args []Const) (Const, error) {
		a, ok := args[0].(NumberConst)
		if !ok {
			return nil, errors.New("operand is not a number: %v", args[0])
		}

		return -a, nil
	}

	eq := func(neg bool) FoldFunc {
		return func(args []Const) (Const, error) {
			if len(args) != 2 {
				return nil, errors.New("expected 2 operands, got %d", len(args))
			}

			return BoolConst(ConstEqual(args[0], args[1]) != neg), nil
		}
	}

	Char.folds[OpEq] = eq(false)
	Char.folds[OpNe] = eq(true)

	Boolean.folds[OpEq] = eq(false)
	Boolean.folds[OpNe] = eq(true)

	logic := func(f func(a, b bool) bool) FoldFunc {
		return func(args []Const) (Const, error) {
			if len(args) != 2 {
				return nil, errors.New("expected 2 operands, got %d", len(args))
			}

			a, aok := args[0].(BoolConst)
			b, bok := args[1].(BoolConst)

			if !aok || !bok {
				return nil, errors.New("operands are not booleans: %v, %v", args[0], args[1])
			}

			return BoolConst(f(bool(a), bool(b))), nil
		}
	}

	Boolean.folds[OpAnd] = logic(func(a, b bool) bool { return a && b })
	Boolean.folds[OpOr] = logic(func(a, b bool) bool { return a || b })
	Boolean.folds[OpNot] = func(args []Const) (Const, error) {
		a, ok := args[0].(BoolConst)
		if !ok {
			return nil, errors.New("operand is not a boolean: %v", args[0])
		}

		return !a, nil
	}
}
