package pdf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateProducesValidHeaderAndTrailer(t *testing.T) {
	g := New()
	data, err := g.Generate("Invoice", []string{"line one", "line two"})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF-1.4")))
	assert.Contains(t, string(data), "startxref")
	assert.Contains(t, string(data), "%%EOF")
}

func TestGenerateEscapesParens(t *testing.T) {
	g := New()
	data, err := g.Generate("Title (v2)", nil)
	require.NoError(t, err)
	assert.Contains(t, string(data), `\(v2\)`)
}
