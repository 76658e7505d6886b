// Package emit lowers typed function bodies into linear IR.
package emit

import (
	"context"
	"math"
	"strconv"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/slab/compiler/bytecode"
	"github.com/slowlang/slab/compiler/diag"
	"github.com/slowlang/slab/compiler/ir"
	"github.com/slowlang/slab/compiler/tp"
	"github.com/slowlang/slab/compiler/typed"
)

type (
	// builder emits one function.
	builder struct {
		f   *ir.Func
		sig *tp.SpecificFunction

		// depth is the number of operand stack bytes pushed by the function.
		depth int
		trace []int

		// dead is set after an unconditional transfer until the next label.
		dead bool

		scopes []*scope

		tmps int
	}

	// scope owns cleanups registered by @defer, run in reverse order.
	scope struct {
		cleanups []cleanup
	}

	// cleanup calls fn over values captured into temporaries at the
	// @defer point.
	cleanup struct {
		fn   *tp.SpecificFunction
		args []capture
	}

	capture struct {
		name string
		size int
	}
)

const retVar = "$ret"

// Emit lowers every function of the program in entry order.
func Emit(ctx context.Context, p *typed.Program) (_ *ir.Program, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "emit: program", "entries", len(p.Entries))
	defer tr.Finish("err", &err)

	r := &ir.Program{Reflection: p.Reflection}

	for _, e := range p.Entries {
		if e.Func == nil {
			continue
		}

		f, err := Func(ctx, e.Func)
		if err != nil {
			return nil, errors.Wrap(err, "func %v", e.Name)
		}

		r.Funcs = append(r.Funcs, f)
	}

	return r, nil
}

// Func lowers one function. Extern functions get variables only.
func Func(ctx context.Context, fn *typed.Function) (_ *ir.Func, err error) {
	sig := fn.Sig
	name := sig.Mangled()

	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "emit: func", "name", name)
	defer tr.Finish("err", &err)

	b := &builder{
		f: &ir.Func{
			Name:   name,
			Extern: fn.Body == nil,
		},
		sig: sig,
	}

	for i, a := range sig.Args {
		if err = b.addVar(fn.Args[i], a.Type, ir.ClassArg); err != nil {
			return nil, err
		}
	}

	if fn.Body != nil {
		if err = b.body(fn.Body); err != nil {
			return nil, err
		}
	}

	if err = b.addVar(retVar, sig.Result, ir.ClassReturn); err != nil {
		return nil, err
	}

	if tr.If("dump_ir") {
		for i, x := range b.f.Code {
			tr.Printw("code", "i", i, "typ", tlog.NextAsType, x, "val", x)
		}

		tr.Printw("depth trace", "trace", b.trace)
	}

	return b.f, nil
}

func (b *builder) body(body typed.Node) error {
	blk, ok := body.(*typed.Block)
	if !ok {
		blk = &typed.Block{
			Base:  typed.At(tp.Never, body.Span()),
			Stmts: []typed.Node{&typed.Return{Base: typed.At(tp.Never, body.Span()), Value: body}},
		}
	}

	if err := b.stmt(blk); err != nil {
		return err
	}

	if !b.dead && tp.Runtime(b.sig.Result).Size() == 0 {
		if err := b.ret(); err != nil {
			return err
		}
	}

	if b.depth != 0 && !b.dead {
		return b.internal(errors.New("operand stack not empty at the end: %d bytes", b.depth))
	}

	return nil
}

func (b *builder) addVar(name string, t tp.Type, c ir.Class) error {
	size := tp.Runtime(t).Size()
	if size == tp.NotInstantiable {
		return b.internal(errors.New("variable %v of not instantiable type", name)).OfType(t.Name())
	}

	if err := checkSub(size); err != nil {
		return b.internal(errors.Wrap(err, "variable %v", name)).OfType(t.Name())
	}

	if _, ok := b.f.Var(name); ok {
		return b.internal(errors.New("duplicate variable %v", name))
	}

	b.f.Vars = append(b.f.Vars, ir.Var{Name: name, Size: size, Class: c})

	return nil
}

// local declares a local variable. Cleanups are emitted once per exit
// path, so a declaration may be seen again.
func (b *builder) local(name string, t tp.Type) error {
	if v, ok := b.f.Var(name); ok && v.Class == ir.ClassLocal && v.Size == tp.Runtime(t).Size() {
		return nil
	}

	return b.addVar(name, t, ir.ClassLocal)
}

func (b *builder) tmp(size int) string {
	name := "$t" + strconv.Itoa(b.tmps)
	b.tmps++

	b.f.Vars = append(b.f.Vars, ir.Var{Name: name, Size: size, Class: ir.ClassLocal})

	return name
}

// checkSub reports sizes which do not fit the subtype of an instruction.
func checkSub(size int) error {
	if size > math.MaxUint16 {
		return errors.New("size %d exceeds instruction limit %d", size, math.MaxUint16)
	}

	return nil
}

func (b *builder) internal(err error) *diag.InternalError {
	return diag.Internal("emit", err).InFunc(b.f.Name).AtOffset(len(b.f.Code))
}

// instr appends an instruction that pops pop and pushes push bytes.
func (b *builder) instr(op bytecode.Op, sub uint16, pop, push int, args ...any) error {
	if b.depth < pop {
		return b.internal(errors.New("%v pops %d bytes of %d", op, pop, b.depth))
	}

	b.depth += push - pop

	b.f.Code = append(b.f.Code, ir.Instr{Op: op, Sub: sub, Arg: args})
	b.trace = append(b.trace, b.depth)

	tlog.V("emit_instr").Printw("instr", "op", op, "sub", sub, "args", args, "depth", b.depth)

	switch op {
	case bytecode.OpRet, bytecode.OpBr:
		b.dead = true
	}

	return nil
}

func (b *builder) label(name string) ir.Label {
	l := ir.Label(len(b.f.Labels))
	b.f.Labels = append(b.f.Labels, "L"+strconv.Itoa(int(l))+"_"+name)

	return l
}

// place marks the position of l and sets the operand depth expected there.
func (b *builder) place(l ir.Label, depth int) {
	b.f.Code = append(b.f.Code, l)
	b.depth = depth
	b.dead = false
}

func (b *builder) pushScope() {
	b.scopes = append(b.scopes, &scope{})
}

// popScope closes the innermost scope running its cleanups.
func (b *builder) popScope() error {
	s := b.scopes[len(b.scopes)-1]
	b.scopes = b.scopes[:len(b.scopes)-1]

	if b.dead {
		return nil
	}

	return b.cleanup(s)
}

func (b *builder) cleanup(s *scope) error {
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		if err := b.runCleanup(s.cleanups[i]); err != nil {
			return errors.Wrap(err, "cleanup %v", s.cleanups[i].fn.Mangled())
		}
	}

	return nil
}

func (b *builder) runCleanup(c cleanup) error {
	args := 0

	for _, a := range c.args {
		if a.size == 0 {
			continue
		}

		if err := b.instr(bytecode.OpLoad, uint16(a.size), 0, a.size, ir.VarRef(a.name)); err != nil {
			return err
		}

		args += a.size
	}

	res := tp.Runtime(c.fn.Result).Size()

	if err := b.instr(bytecode.OpCall, 0, args, res, ir.FuncRef(c.fn.Mangled())); err != nil {
		return err
	}

	if res == 0 {
		return nil
	}

	return b.instr(bytecode.OpDrop, uint16(res), res, 0)
}

func (b *builder) ret() error {
	if err := checkSub(b.depth); err != nil {
		return b.internal(err)
	}

	if b.depth != 0 {
		if err := b.instr(bytecode.OpDrop, uint16(b.depth), b.depth, 0); err != nil {
			return err
		}
	}

	return b.instr(bytecode.OpRet, 0, 0, 0)
}

// stmt emits n discarding its value.
func (b *builder) stmt(n typed.Node) error {
	if err := b.value(n); err != nil {
		return err
	}

	size := tp.Runtime(n.Type()).Size()
	if size <= 0 {
		return nil
	}

	return b.instr(bytecode.OpDrop, uint16(size), size, 0)
}

// value emits n leaving exactly its runtime size on the operand stack.
func (b *builder) value(n typed.Node) error {
	size := tp.Runtime(n.Type()).Size()
	if size == tp.NotInstantiable {
		return b.internal(errors.New("value of not instantiable type")).OfType(n.Type().Name())
	}

	if err := checkSub(size); err != nil {
		return b.internal(err).OfType(n.Type().Name())
	}

	d := b.depth

	if err := b.node(n); err != nil {
		return err
	}

	if b.depth != d+size {
		return b.internal(errors.New("%T emitted %d bytes, type size %d", n, b.depth-d, size)).OfType(n.Type().Name())
	}

	return nil
}

func (b *builder) node(n typed.Node) error {
	switch n := n.(type) {
	case *typed.Variable:
		if err := b.local(n.Name, n.Var); err != nil {
			return err
		}

		return b.stmt(n.Init)
	case *typed.VariableDereference:
		size := tp.Runtime(n.Type()).Size()

		return b.instr(bytecode.OpLoad, uint16(size), 0, size, ir.VarRef(n.Name))
	case *typed.Literal:
		return b.literal(n)
	case *typed.Data:
		return b.data(n)
	case *typed.Block:
		b.pushScope()

		for _, s := range n.Stmts {
			if err := b.stmt(s); err != nil {
				return err
			}
		}

		return b.popScope()
	case *typed.IfStatement:
		return b.ifStmt(n)
	case *typed.WhileLoop:
		return b.loop(n.Cond, nil, n.Body)
	case *typed.ForLoop:
		b.pushScope()

		if n.Init != nil {
			if err := b.stmt(n.Init); err != nil {
				return err
			}
		}

		if err := b.loop(n.Cond, n.Step, n.Body); err != nil {
			return err
		}

		return b.popScope()
	case *typed.Return:
		return b.returnStmt(n)
	case *typed.MemberAccess:
		if err := b.value(n.X); err != nil {
			return err
		}

		agg := tp.Runtime(n.X.Type()).Size()
		size := tp.Runtime(n.Type()).Size()

		return b.instr(bytecode.OpMember, 0, agg, size, ir.Raw(agg), ir.Raw(n.Offset), ir.Raw(size))
	case *typed.NOP:
		return nil
	case *typed.Invocation:
		return b.invocation(n)
	default:
		panic(n)
	}
}

func (b *builder) literal(n *typed.Literal) error {
	p, ok := tp.Runtime(n.Type()).(*tp.Primitive)
	if !ok {
		return b.internal(errors.New("literal of non-primitive type")).OfType(n.Type().Name())
	}

	if p.Size() == 0 {
		return nil
	}

	c, err := p.Encode(n.Value)
	if err != nil {
		return b.internal(err).OfType(p.Name())
	}

	return b.instr(bytecode.OpConst, uint16(len(c)), 0, len(c), ir.Const(c))
}

func (b *builder) data(n *typed.Data) error {
	s, ok := tp.Runtime(n.Type()).(*tp.Slice)
	if !ok {
		return b.internal(errors.New("data of non-slice type")).OfType(n.Type().Name())
	}

	name := "d" + strconv.Itoa(len(b.f.Data))
	b.f.Data = append(b.f.Data, ir.Data{Name: name, Bytes: n.Bytes})

	return b.instr(bytecode.OpData, uint16(s.Elem.Size()), 0, tp.SliceSize, ir.DataRef(name))
}

func (b *builder) ifStmt(n *typed.IfStatement) error {
	d := b.depth
	used := n.Used()

	if err := b.value(n.Cond); err != nil {
		return err
	}

	end := b.label("endif")
	els := end

	if n.Else != nil {
		els = b.label("else")
	}

	if err := b.instr(bytecode.OpBrFalse, 0, 1, 0, els); err != nil {
		return err
	}

	branch := b.stmt
	size := 0

	if used {
		branch = b.value
		size = tp.Runtime(n.Type()).Size()
	}

	if err := branch(n.Then); err != nil {
		return errors.Wrap(err, "then")
	}

	if n.Else != nil {
		if err := b.instr(bytecode.OpBr, 0, 0, 0, end); err != nil {
			return err
		}

		b.place(els, d)

		if err := branch(n.Else); err != nil {
			return errors.Wrap(err, "else")
		}
	}

	b.place(end, d+size)

	return nil
}

// loop emits a pre-tested loop. The predicate and the body are scopes
// of their own so body cleanups run on every iteration.
func (b *builder) loop(cond, step, body typed.Node) error {
	d := b.depth

	top := b.label("loop")
	end := b.label("endloop")

	b.place(top, d)

	if cond != nil {
		b.pushScope()

		if err := b.value(cond); err != nil {
			return err
		}

		if err := b.popScope(); err != nil {
			return err
		}

		if err := b.instr(bytecode.OpBrFalse, 0, 1, 0, end); err != nil {
			return err
		}
	}

	b.pushScope()

	if err := b.stmt(body); err != nil {
		return errors.Wrap(err, "loop body")
	}

	if err := b.popScope(); err != nil {
		return err
	}

	if step != nil && !b.dead {
		if err := b.stmt(step); err != nil {
			return errors.Wrap(err, "loop step")
		}
	}

	if !b.dead {
		if err := b.instr(bytecode.OpBr, 0, 0, 0, top); err != nil {
			return err
		}
	}

	b.place(end, d)

	return nil
}

func (b *builder) returnStmt(n *typed.Return) error {
	d := b.depth

	if n.Value != nil {
		if err := b.value(n.Value); err != nil {
			return err
		}

		if size := tp.Runtime(n.Value.Type()).Size(); size > 0 && n.Value.Type() != tp.Never {
			if err := b.instr(bytecode.OpStore, uint16(size), size, 0, ir.VarRef(retVar)); err != nil {
				return err
			}
		}
	}

	for i := len(b.scopes) - 1; i >= 0; i-- {
		if err := b.cleanup(b.scopes[i]); err != nil {
			return err
		}
	}

	if err := b.ret(); err != nil {
		return err
	}

	b.depth = d

	return nil
}
