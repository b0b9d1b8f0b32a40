package zip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZipThenUnzipRoundTrip(t *testing.T) {
	c := New()
	archive, err := c.Zip([]Entry{
		{Name: "a.txt", Data: []byte("alpha")},
		{Name: "dir/b.txt", Data: []byte("beta")},
	})
	require.NoError(t, err)

	entries, err := c.Unzip(archive)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, "alpha", string(entries[0].Data))
	assert.Equal(t, "beta", string(entries[1].Data))
}

func TestUnzipRejectsInvalidArchive(t *testing.T) {
	c := New()
	_, err := c.Unzip([]byte("not a zip"))
	require.Error(t, err)
}
