// Package config handles slab.toml run configuration.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"tlog.app/go/errors"

	"github.com/slowlang/slab/vm"
)

type (
	Config struct {
		Run Run `toml:"run"`
		VM  VM  `toml:"vm"`
		Log Log `toml:"log"`
	}

	Run struct {
		// Entry is the mangled signature of the function to run.
		Entry string `toml:"entry"`
		Image string `toml:"image"`
	}

	VM struct {
		StackSize   int `toml:"stack_size"`
		OperandSize int `toml:"operand_size"`
	}

	Log struct {
		Verbosity string `toml:"verbosity"`
	}
)

const FileName = "slab.toml"

func Default() *Config {
	d := vm.DefaultConfig()

	return &Config{
		Run: Run{
			Entry: "main(): Number",
			Image: "out.slb",
		},
		VM: VM{
			StackSize:   d.StackSize,
			OperandSize: d.OperandSize,
		},
	}
}

// Load reads the config file. Missing values are taken from Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var c Config

	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	d := Default()

	if c.Run.Entry == "" {
		c.Run.Entry = d.Run.Entry
	}

	if c.Run.Image == "" {
		c.Run.Image = d.Run.Image
	}

	if c.VM.StackSize <= 0 {
		c.VM.StackSize = d.VM.StackSize
	}

	if c.VM.OperandSize <= 0 {
		c.VM.OperandSize = d.VM.OperandSize
	}

	return &c, nil
}

// VMConfig converts the [vm] section into the vm settings.
func (c *Config) VMConfig() vm.Config {
	return vm.Config{
		StackSize:   c.VM.StackSize,
		OperandSize: c.VM.OperandSize,
	}
}
