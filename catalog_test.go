package modhost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog(t *testing.T) {
	c := NewCatalog()
	built := 0
	factory := func() Plugin {
		built++
		return &recordingPlugin{slug: "crm", rec: &hookRecorder{}}
	}
	require.NoError(t, c.Register("crm", factory))
	require.NoError(t, c.Register("billing", factory))

	assert.ErrorIs(t, c.Register("crm", factory), ErrFactoryAlreadyExists)
	assert.ErrorIs(t, c.Register("auth", nil), ErrFactoryNil)
	assert.Equal(t, []string{"billing", "crm"}, c.Slugs())

	first := c.Resolve("crm")
	second := c.Resolve("crm")
	require.NotNil(t, first)
	assert.NotSame(t, first, second, "every resolve builds a fresh instance")
	assert.Equal(t, 2, built)
	assert.Nil(t, c.Resolve("ghost"))

	assert.Panics(t, func() { c.MustRegister("crm", factory) })
}
