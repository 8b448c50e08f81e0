package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithoutFile(t *testing.T) {
	v, err := Load(t.TempDir(), "missing")
	require.NoError(t, err)
	v.SetDefault("control.url", "http://127.0.0.1:12345")
	assert.Equal(t, "http://127.0.0.1:12345", v.GetString("control.url"))
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "bridge.yaml")
	require.NoError(t, os.WriteFile(file, []byte("relay:\n  capacity: 3\n"), 0o600))

	v, err := LoadFile(file)
	require.NoError(t, err)
	assert.Equal(t, 3, v.GetInt("relay.capacity"))
}

func TestBindFlags(t *testing.T) {
	v, err := Load(t.TempDir(), "missing")
	require.NoError(t, err)
	v.SetDefault("control.url", "default")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("url", "", "")
	require.NoError(t, BindFlags(v, fs, map[string]string{"control.url": "url"}))

	// Unset flags keep the default.
	assert.Equal(t, "default", v.GetString("control.url"))

	require.NoError(t, fs.Parse([]string{"--url", "http://controller:1"}))
	assert.Equal(t, "http://controller:1", v.GetString("control.url"))

	assert.Error(t, BindFlags(v, fs, map[string]string{"x": "nope"}))
}
