package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"time"

	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/slab/compiler"
	"github.com/slowlang/slab/compiler/bytecode"
	"github.com/slowlang/slab/config"
	"github.com/slowlang/slab/host"
	"github.com/slowlang/slab/vm"
)

func main() {
	runCmd := &cli.Command{
		Name:        "run",
		Description: "run image entry function",
		Action:      runAct,
		Args:        cli.Args{},
		Flags: []*cli.Flag{
			cli.NewFlag("entry", "", "mangled entry function signature"),
		},
	}

	disasmCmd := &cli.Command{
		Name:        "disasm",
		Description: "print image code listing",
		Action:      disasmAct,
		Args:        cli.Args{},
	}

	infoCmd := &cli.Command{
		Name:        "info",
		Description: "print image header tables",
		Action:      infoAct,
		Args:        cli.Args{},
	}

	app := &cli.Command{
		Name:        "slab",
		Description: "slab runs and inspects slab bytecode images",
		Flags: []*cli.Flag{
			cli.NewFlag("config", config.FileName, "config file"),
			cli.NewFlag("v", "", "tlog verbosity topics"),
		},
		Commands: []*cli.Command{
			runCmd,
			disasmCmd,
			infoCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

// loadConfig loads the config file if it exists and applies log verbosity.
func loadConfig(c *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "config %v", c.String("config"))
	}

	v := cfg.Log.Verbosity
	if q := c.String("v"); q != "" {
		v = q
	}

	tlog.SetVerbosity(v)

	return cfg, nil
}

func loadImage(c *cli.Command, cfg *config.Config) (*compiler.Object, error) {
	name := cfg.Run.Image
	if len(c.Args) != 0 {
		name = c.Args[0]
	}

	data, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "read image")
	}

	obj, err := compiler.LoadImage(data)
	if err != nil {
		return nil, errors.Wrap(err, "load %v", name)
	}

	return obj, nil
}

func runAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	obj, err := loadImage(c, cfg)
	if err != nil {
		return err
	}

	entry := cfg.Run.Entry
	if e := c.String("entry"); e != "" {
		entry = e
	}

	m := vm.New(obj.Header, obj.Code, cfg.VMConfig())

	h := host.New(os.Stdout, os.Stdin, time.Now().UnixNano())
	h.Bind(m)

	err = h.Run(ctx, m, entry, nil)
	if err != nil {
		return errors.Wrap(err, "run %v", entry)
	}

	fi, _ := obj.Header.Func(entry)
	rt := obj.Header.Funcs[fi].Returns

	if len(rt) == 0 || rt[0].Size == 0 || obj.Header.Reflection == nil {
		return nil
	}

	ri, ok := obj.Header.Reflection.Func(entry)
	if !ok {
		fmt.Printf("result: % x\n", m.Result())
		return nil
	}

	b, err := host.Format(nil, m, ri.Result, m.Result())
	if err != nil {
		return errors.Wrap(err, "format result")
	}

	fmt.Printf("result: %s\n", b)

	return nil
}

func disasmAct(c *cli.Command) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	obj, err := loadImage(c, cfg)
	if err != nil {
		return err
	}

	l, err := bytecode.DisasmAll(nil, obj.Header, obj.Code)
	if err != nil {
		return errors.Wrap(err, "disasm")
	}

	_, err = os.Stdout.Write(l)

	return err
}

func infoAct(c *cli.Command) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	obj, err := loadImage(c, cfg)
	if err != nil {
		return err
	}

	h := obj.Header

	fmt.Printf("code: %d bytes\n", len(obj.Code))

	fmt.Printf("functions: %d\n", len(h.Funcs))
	for i, f := range h.Funcs {
		fmt.Printf("  %3d  %-40s  offset %5d  size %5d  args %d  locals %d  returns %d  labels %d\n",
			i, f.Name, f.Offset, f.Size, bytecode.VarsSize(f.Args), bytecode.VarsSize(f.Locals), bytecode.VarsSize(f.Returns), len(f.Labels))
	}

	fmt.Printf("data: %d\n", len(h.Data))
	for i, d := range h.Data {
		fmt.Printf("  %3d  %-40s  offset %5d  size %5d\n", i, d.Name, d.Offset, d.Size)
	}

	if r := h.Reflection; r != nil {
		fmt.Printf("types: %d\n", len(r.Types))
		for _, t := range r.Types {
			fmt.Printf("  %-30s  %-9s  size %d\n", t.Name, t.Kind, t.Size)

			for _, p := range t.Props {
				fmt.Printf("      %-10s  %-20s  offset %d\n", p.Name, p.Type, p.Offset)
			}
		}

		fmt.Printf("templates: %d\n", len(r.Templates))
		for _, t := range r.Templates {
			fmt.Printf("  %-30s  %v\n", t.Name, t.Specializations)
		}
	}

	return nil
}
