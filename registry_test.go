package durable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	noop := func(c *Context, _ struct{}) (bool, error) { return true, nil }
	reg := NewRegistry()
	require.NoError(t, reg.Register(Define("billing", 1, noop)))
	require.NoError(t, reg.Register(Define("billing", 3, noop)))
	require.NoError(t, reg.Register(Define("audit", 1, noop)))

	require.Equal(t, 3, reg.LatestVersion("billing"))
	require.Equal(t, 0, reg.LatestVersion("unknown"))
	require.Equal(t, []string{"audit", "billing"}, reg.Names())

	def, ok := reg.Get("billing", 1)
	require.True(t, ok)
	require.Equal(t, "billing", def.Name())
	require.Equal(t, 1, def.Version())
	_, ok = reg.Get("billing", 2)
	require.False(t, ok)
}

func TestRegistryRejectsInvalidDefinitions(t *testing.T) {
	noop := func(c *Context, _ struct{}) (bool, error) { return true, nil }
	reg := NewRegistry()
	require.ErrorContains(t, reg.Register(Define("", 1, noop)), "workflow name required")
	require.ErrorContains(t, reg.Register(Define("billing", 0, noop)), "version must be positive")

	require.NoError(t, reg.Register(Define("billing", 1, noop)))
	require.ErrorContains(t, reg.Register(Define("billing", 1, noop)), "already registered")
}
