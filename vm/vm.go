// Package vm executes assembled images on a byte-oriented operand stack.
//
// Variables of all active frames live on one contiguous variable stack
// addressed through SegStack. Constant data lives in the read-only data
// segment. Calls to extern functions suspend the VM until the host resumes
// it with the result bytes.
//
// A VM is not safe for concurrent use. Host callbacks that finish later
// must resume the VM from the goroutine driving it.
package vm

import (
	"context"
	"strings"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/slab/compiler/bytecode"
)

type (
	State int

	// Extern is a host implementation of an extern function.
	// It either calls c.VM.Resume before returning or later.
	Extern func(ctx context.Context, c *Call) error

	// Resolver binds externs not bound by name.
	Resolver func(name string) (Extern, bool)

	// Call is the context of a suspended extern call.
	Call struct {
		VM   *VM
		Func *bytecode.Func

		// Args are addresses of argument slots in declaration order.
		Args []Addr
	}

	Config struct {
		StackSize   int
		OperandSize int
	}

	frame struct {
		fi int
		f  *bytecode.Func

		code   []bytecode.Instr
		labels []int
		pc     int

		// refs are slot addresses: args, locals, returns.
		refs []Addr

		base   int // variable stack length before the frame
		opBase int // operand stack length after args are popped
	}

	// decoded is a function body ready to run.
	decoded struct {
		code   []bytecode.Instr
		labels []int
	}

	VM struct {
		h *bytecode.Header

		data  []byte
		stack []byte
		ops   []byte

		frames []*frame
		bodies []*decoded

		externs   map[string]Extern
		resolvers []Resolver

		state      State
		inCallback bool
		entryBase  int
		result     []byte
		err        error
	}
)

const (
	StateIdle State = iota
	StateRunning
	StateSuspended
	StateDone
	StateFailed
)

var (
	ErrUnknownOpcode  = bytecode.ErrUnknownOpcode
	ErrUnboundExtern  = errors.New("unbound extern")
	ErrStackImbalance = errors.New("operand stack imbalance")
	ErrBadSegment     = errors.New("bad segment")
	ErrOutOfBounds    = errors.New("address out of bounds")
	ErrNotSuspended   = errors.New("vm is not suspended")
	ErrBusy           = errors.New("vm is busy")
	ErrNoEntry        = errors.New("no entry function")
)

func DefaultConfig() Config {
	return Config{
		StackSize:   4096,
		OperandSize: 1024,
	}
}

// New creates a VM over an image. The data segment starts as a copy of code.
func New(h *bytecode.Header, code []byte, cfg Config) *VM {
	return &VM{
		h:       h,
		data:    append([]byte(nil), code...),
		stack:   make([]byte, 0, cfg.StackSize),
		ops:     make([]byte, 0, cfg.OperandSize),
		bodies:  make([]*decoded, len(h.Funcs)),
		externs: make(map[string]Extern),
	}
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "state?"
	}
}

func (v *VM) Header() *bytecode.Header { return v.h }

func (v *VM) State() State { return v.state }

// Result is the return bytes of the entry function once the VM is done.
func (v *VM) Result() []byte { return v.result }

// Err is the error which failed the VM.
func (v *VM) Err() error { return v.err }

// Bind binds an extern by its mangled name.
func (v *VM) Bind(name string, e Extern) {
	v.externs[name] = e
}

// Resolve adds a fallback used for externs not bound by name.
func (v *VM) Resolve(r Resolver) {
	v.resolvers = append(v.resolvers, r)
}

// Start runs the entry function with the encoded args.
// It returns when the entry returns, the VM fails or suspends.
func (v *VM) Start(ctx context.Context, entry string, args []byte) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "vm: start", "entry", entry, "args", len(args))
	defer tr.Finish("err", &err)

	switch v.state {
	case StateRunning, StateSuspended:
		return ErrBusy
	case StateFailed:
		return v.err
	}

	fi, ok := v.h.Func(entry)
	if !ok {
		return errors.Wrap(ErrNoEntry, "%v", entry)
	}

	v.result = nil
	v.ops = append(v.ops[:0], args...)
	v.entryBase = 0
	v.state = StateRunning

	if err = v.call(ctx, fi); err != nil {
		return v.fail(err)
	}

	return v.run(ctx)
}

// Resume finishes the suspended extern call with its result bytes
// and continues execution.
func (v *VM) Resume(ctx context.Context, ret []byte) (err error) {
	if v.state != StateSuspended {
		return errors.Wrap(ErrNotSuspended, "state %v", v.state)
	}

	if err = v.finishExtern(ret); err != nil {
		return v.fail(err)
	}

	if v.inCallback {
		return nil
	}

	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "vm: resume", "ret", len(ret))
	defer tr.Finish("err", &err)

	return v.run(ctx)
}

func (v *VM) run(ctx context.Context) error {
	for steps := 0; len(v.frames) != 0; steps++ {
		if v.state == StateSuspended {
			return nil
		}

		if steps%1024 == 1023 {
			if err := ctx.Err(); err != nil {
				return v.fail(err)
			}
		}

		fr := v.frames[len(v.frames)-1]

		if fr.pc >= len(fr.code) {
			return v.fail(v.at(fr, fr.pc, errors.New("fell off the end of the function")))
		}

		pc := fr.pc
		in := fr.code[pc]
		fr.pc++

		if tlog.If("vm_step") {
			tlog.V("vm_step").Printw("step", "func", fr.f.Name, "pc", pc, "op", in.Op, "sub", in.Sub, "depth", len(v.ops), "frames", len(v.frames))
		}

		if err := v.step(ctx, fr, in); err != nil {
			return v.fail(v.at(fr, pc, err))
		}
	}

	v.result = append([]byte(nil), v.ops[v.entryBase:]...)
	v.ops = v.ops[:v.entryBase]
	v.state = StateDone

	return nil
}

// call pushes a frame for function fi taking its args from the operand stack.
func (v *VM) call(ctx context.Context, fi int) error {
	if fi < 0 || fi >= len(v.h.Funcs) {
		return errors.New("call: no function %d", fi)
	}

	f := &v.h.Funcs[fi]
	slots := f.Slots()

	fr := &frame{
		fi:   fi,
		f:    f,
		refs: make([]Addr, len(slots)),
		base: len(v.stack),
	}

	off := fr.base

	for i, s := range slots {
		fr.refs[i] = MakeAddr(SegStack, off)
		off += s.Size
	}

	v.stack = append(v.stack, make([]byte, off-fr.base)...)

	for i := len(f.Args) - 1; i >= 0; i-- {
		b, err := v.pop(f.Args[i].Size)
		if err != nil {
			return errors.Wrap(err, "call %v: arg %v", f.Name, f.Args[i].Name)
		}

		copy(v.stack[fr.refs[i].Offset():], b)
	}

	fr.opBase = len(v.ops)

	if f.Extern() {
		v.frames = append(v.frames, fr)

		return v.extern(ctx, fr)
	}

	d, err := v.decode(fi)
	if err != nil {
		return errors.Wrap(err, "func %v", f.Name)
	}

	fr.code, fr.labels = d.code, d.labels
	v.frames = append(v.frames, fr)

	return nil
}

func (v *VM) ret(fr *frame) error {
	if len(v.ops) != fr.opBase {
		return errors.Wrap(ErrStackImbalance, "ret: operand stack %d bytes, expected %d", len(v.ops), fr.opBase)
	}

	rs := len(fr.f.Args) + len(fr.f.Locals)
	size := bytecode.VarsSize(fr.f.Returns)

	v.frames = v.frames[:len(v.frames)-1]

	if size != 0 {
		off := fr.refs[rs].Offset()
		v.ops = append(v.ops, v.stack[off:off+size]...)
	}

	v.stack = v.stack[:fr.base]

	return nil
}

func (v *VM) extern(ctx context.Context, fr *frame) (err error) {
	e, ok := v.externs[fr.f.Name]

	for i := 0; !ok && i < len(v.resolvers); i++ {
		e, ok = v.resolvers[i](fr.f.Name)
	}

	if !ok {
		return errors.Wrap(ErrUnboundExtern, "%v", fr.f.Name)
	}

	c := &Call{
		VM:   v,
		Func: fr.f,
		Args: fr.refs[:len(fr.f.Args)],
	}

	v.state = StateSuspended

	tlog.V("vm_extern").Printw("extern", "func", fr.f.Name, "frames", len(v.frames))

	v.inCallback = true
	defer func() { v.inCallback = false }()

	err = e(ctx, c)
	if err != nil {
		return errors.Wrap(err, "extern %v", fr.f.Name)
	}

	return nil
}

func (v *VM) finishExtern(ret []byte) error {
	fr := v.frames[len(v.frames)-1]

	if size := bytecode.VarsSize(fr.f.Returns); len(ret) != size {
		return errors.New("resume %v: %d result bytes, expected %d", fr.f.Name, len(ret), size)
	}

	if len(v.ops) != fr.opBase {
		return errors.Wrap(ErrStackImbalance, "resume %v: operand stack %d bytes, expected %d", fr.f.Name, len(v.ops), fr.opBase)
	}

	v.frames = v.frames[:len(v.frames)-1]
	v.stack = v.stack[:fr.base]
	v.ops = append(v.ops, ret...)
	v.state = StateRunning

	return nil
}

func (v *VM) decode(fi int) (*decoded, error) {
	if d := v.bodies[fi]; d != nil {
		return d, nil
	}

	f := &v.h.Funcs[fi]

	if f.Offset < 0 || f.Offset+f.Size > len(v.data) {
		return nil, errors.New("body out of the image: offset %d size %d", f.Offset, f.Size)
	}

	d := &decoded{}
	words := map[int]int{}

	body := f.Body(v.data)

	for off := 0; off < len(body); {
		words[off/bytecode.WordSize] = len(d.code)

		in, n, err := bytecode.Decode(body[off:])
		if err != nil {
			return nil, errors.Wrap(err, "offset %d", off)
		}

		d.code = append(d.code, in)
		off += n
	}

	words[len(body)/bytecode.WordSize] = len(d.code)

	for _, l := range f.Labels {
		pc, ok := words[l.Offset]
		if !ok {
			return nil, errors.New("label %v points inside an instruction", l.Name)
		}

		d.labels = append(d.labels, pc)
	}

	v.bodies[fi] = d

	return d, nil
}

func (v *VM) fail(err error) error {
	v.state = StateFailed
	v.err = err

	return err
}

func (v *VM) at(fr *frame, pc int, err error) error {
	return errors.Wrap(err, "func %v: pc %d", fr.f.Name, pc)
}

// ExternName reports whether name looks like a mangled function named fn.
func ExternName(name, fn string) bool {
	return strings.HasPrefix(name, fn+"(") || strings.HasPrefix(name, fn+"<")
}
