// Package host implements optional extern functions for programs run by the vm.
package host

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"math"
	"math/rand"
	"strings"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/slab/vm"
)

type (
	// Host binds print, readLine and random externs and drives
	// the VM through asynchronous calls.
	Host struct {
		out  io.Writer
		in   *bufio.Reader
		rand *rand.Rand

		pending chan resume
	}

	// resume finishes an asynchronous extern call of vm on the driver goroutine.
	resume struct {
		vm *vm.VM
		f  func(ctx context.Context) error
	}
)

func New(out io.Writer, in io.Reader, seed int64) *Host {
	return &Host{
		out:     out,
		in:      bufio.NewReader(in),
		rand:    rand.New(rand.NewSource(seed)), //nolint:gosec
		pending: make(chan resume, 1),
	}
}

// Bind registers the host resolver in v.
func (h *Host) Bind(v *vm.VM) {
	v.Resolve(h.resolve)
}

func (h *Host) resolve(name string) (vm.Extern, bool) {
	switch {
	case vm.ExternName(name, "print"):
		return h.print, true
	case name == "readLine(): Slice<Char>":
		return h.readLine, true
	case name == "random(): Number":
		return h.random, true
	}

	return nil, false
}

// Run starts entry and serves asynchronous externs until the VM stops.
//
// If ctx is canceled Run returns leaving v suspended. A readLine already
// blocked in the reader stays blocked until the reader returns; the line
// it reads then is dropped.
func (h *Host) Run(ctx context.Context, v *vm.VM, entry string, args []byte) (err error) {
	err = v.Start(ctx, entry, args)

	for err == nil && v.State() == vm.StateSuspended {
		select {
		case r := <-h.pending:
			if r.vm != v {
				tlog.V("host").Printw("dropped stale resume")
				continue
			}

			err = r.f(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return err
}

func (h *Host) print(ctx context.Context, c *vm.Call) (err error) {
	var b []byte

	for i, a := range c.Func.Args {
		if i != 0 {
			b = append(b, ' ')
		}

		val, err := c.VM.Load(c.Args[i], a.Size)
		if err != nil {
			return errors.Wrap(err, "arg %v", a.Name)
		}

		typ, err := argType(c, i)
		if err != nil {
			return err
		}

		b, err = Format(b, c.VM, typ, val)
		if err != nil {
			return errors.Wrap(err, "arg %v", a.Name)
		}
	}

	b = append(b, '\n')

	if _, err = h.out.Write(b); err != nil {
		return errors.Wrap(err, "write")
	}

	return c.VM.Resume(ctx, nil)
}

func (h *Host) readLine(ctx context.Context, c *vm.Call) error {
	go func() {
		line, err := h.in.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		tlog.V("host").Printw("read line", "len", len(line), "err", err)

		if ctx.Err() != nil {
			return
		}

		f := func(ctx context.Context) error {
			if err != nil && !errors.Is(err, io.EOF) {
				return errors.Wrap(err, "read line")
			}

			if line == "" {
				return c.VM.Resume(ctx, vm.Slice(0, 0))
			}

			a := c.VM.AllocData([]byte(line))

			return c.VM.Resume(ctx, vm.Slice(a, len(line)))
		}

		select {
		case h.pending <- resume{vm: c.VM, f: f}:
		case <-ctx.Done():
		}
	}()

	return nil
}

func (h *Host) random(ctx context.Context, c *vm.Call) error {
	x := h.rand.Float64()

	return c.VM.Resume(ctx, binary.LittleEndian.AppendUint64(nil, math.Float64bits(x)))
}

func argType(c *vm.Call, i int) (string, error) {
	t := c.VM.Header().Reflection
	if t == nil {
		return "", errors.New("no reflection metadata")
	}

	fi, ok := t.Func(c.Func.Name)
	if !ok {
		return "", errors.New("no reflection for %v", c.Func.Name)
	}

	if i >= len(fi.Args) {
		return "", errors.New("%v: no arg %d in reflection", c.Func.Name, i)
	}

	return fi.Args[i].Type, nil
}
