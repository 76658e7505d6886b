package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	c, err := Parse([]byte(`
[run]
entry = "start(): Void"

[log]
verbosity = "vm_step"
`))
	require.NoError(t, err)

	assert.Equal(t, "start(): Void", c.Run.Entry)
	assert.Equal(t, "out.slb", c.Run.Image)
	assert.Equal(t, "vm_step", c.Log.Verbosity)
	assert.Equal(t, Default().VM, c.VM)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	err := os.WriteFile(path, []byte("[vm]\nstack_size = 64\noperand_size = 32\n"), 0o600)
	require.NoError(t, err)

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 64, c.VMConfig().StackSize)
	assert.Equal(t, 32, c.VMConfig().OperandSize)
	assert.Equal(t, Default().Run, c.Run)
}

func TestParseError(t *testing.T) {
	_, err := Parse([]byte("[vm\n"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
