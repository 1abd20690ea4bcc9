package web

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigurator_DeferredUntilCommit(t *testing.T) {
	cfg := NewConfigurator(nil)
	require.NotNil(t, cfg.Registry)

	var ran []string
	require.NoError(t, cfg.Action("a", func() error { ran = append(ran, "a"); return nil }))
	require.NoError(t, cfg.Action("", func() error { ran = append(ran, "anonymous"); return nil }))
	require.NoError(t, cfg.Action("b", func() error { ran = append(ran, "b"); return nil }))
	assert.Empty(t, ran)
	assert.Equal(t, 3, cfg.Pending())

	require.NoError(t, cfg.Commit())
	assert.Equal(t, []string{"a", "anonymous", "b"}, ran)
	assert.Equal(t, 0, cfg.Pending())

	require.NoError(t, cfg.Commit())
	assert.Len(t, ran, 3, "committed actions do not run again")
}

func TestConfigurator_Autocommit(t *testing.T) {
	cfg := NewConfigurator(NewRegistry(nil), WithAutocommit())
	ran := false
	require.NoError(t, cfg.Action("a", func() error { ran = true; return nil }))
	assert.True(t, ran)
	assert.Equal(t, 0, cfg.Pending())

	boom := errors.New("boom")
	assert.ErrorIs(t, cfg.Action("b", func() error { return boom }), boom)
}

func TestConfigurator_DuplicateDiscriminators(t *testing.T) {
	t.Run("same include path keeps the last", func(t *testing.T) {
		cfg := NewConfigurator(nil)
		var ran []int
		_ = cfg.Action("x", func() error { ran = append(ran, 1); return nil })
		_ = cfg.Action("y", func() error { ran = append(ran, 2); return nil })
		_ = cfg.Action("x", func() error { ran = append(ran, 3); return nil })
		require.NoError(t, cfg.Commit())
		assert.Equal(t, []int{2, 3}, ran)
	})

	t.Run("different include paths conflict", func(t *testing.T) {
		cfg := NewConfigurator(nil)
		ran := false
		first := func(c *Configurator) error { return c.Action("x", func() error { ran = true; return nil }) }
		second := func(c *Configurator) error { return c.Action("x", func() error { ran = true; return nil }) }
		require.NoError(t, cfg.Include(first))
		require.NoError(t, cfg.Include(second))

		err := cfg.Commit()
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "x", conflict.Discriminator)
		assert.Len(t, conflict.Paths, 2)
		assert.NotEqual(t, conflict.Paths[0], conflict.Paths[1])
		assert.Contains(t, err.Error(), `configuration conflict for "x"`)
		assert.False(t, ran, "nothing runs when the actions conflict")
		assert.Equal(t, 0, cfg.Pending())
	})
}

func TestConfigurator_IncludeNesting(t *testing.T) {
	cfg := NewConfigurator(nil)
	inner := func(c *Configurator) error { return c.Action("inner", func() error { return nil }) }
	outer := func(c *Configurator) error { return c.Include(inner) }

	require.NoError(t, cfg.Include(outer))
	require.Len(t, cfg.actions, 1)
	assert.Equal(t, funcName(outer)+"/"+funcName(inner), cfg.actions[0].IncludePath)
	assert.Empty(t, cfg.includePath, "the include path is restored")
}

func TestConfigurator_CommitStopsAtError(t *testing.T) {
	cfg := NewConfigurator(nil)
	boom := errors.New("boom")
	ran := false
	_ = cfg.Action("fails", func() error { return boom })
	_ = cfg.Action("after", func() error { ran = true; return nil })

	err := cfg.Commit()
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), `action "fails"`)
	assert.False(t, ran)
}
