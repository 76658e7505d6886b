package compiler

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/slab/compiler/asm"
	"github.com/slowlang/slab/compiler/ast"
	"github.com/slowlang/slab/compiler/bytecode"
	"github.com/slowlang/slab/compiler/check"
	"github.com/slowlang/slab/compiler/emit"
)

type (
	// Object is an assembled program.
	Object struct {
		Header *bytecode.Header
		Code   []byte
	}
)

// Compile type checks, emits and assembles the file.
// Diagnostics are returned as diag.List and stop compilation before emission.
func Compile(ctx context.Context, f *ast.File) (obj *Object, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "compile", "file", f.Name, "decls", len(f.Decls))
	defer tr.Finish("err", &err)

	p, err := check.Build(ctx, f)
	if err != nil {
		return nil, errors.Wrap(err, "check")
	}

	irp, err := emit.Emit(ctx, p)
	if err != nil {
		return nil, errors.Wrap(err, "emit")
	}

	h, code, err := asm.Build(ctx, irp)
	if err != nil {
		return nil, errors.Wrap(err, "assemble")
	}

	tr.Printw("compiled", "funcs", len(h.Funcs), "data", len(h.Data), "code", len(code))

	return &Object{Header: h, Code: code}, nil
}

// CompileImage compiles the file into the image file format.
func CompileImage(ctx context.Context, f *ast.File) ([]byte, error) {
	obj, err := Compile(ctx, f)
	if err != nil {
		return nil, err
	}

	return obj.Image()
}

func (o *Object) Image() ([]byte, error) {
	return bytecode.MarshalImage(o.Header, o.Code)
}

// LoadImage decodes an image file.
func LoadImage(data []byte) (*Object, error) {
	h, code, err := bytecode.UnmarshalImage(data)
	if err != nil {
		return nil, errors.Wrap(err, "image")
	}

	return &Object{Header: h, Code: code}, nil
}
