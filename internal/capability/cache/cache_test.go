package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svccache "boxhost/internal/cache"
)

func TestCapabilityRoundTrip(t *testing.T) {
	svc, err := svccache.New(svccache.Config{Provider: "memory"}, nil)
	require.NoError(t, err)
	cap := New(svc.ForApp("demo"))

	require.NoError(t, cap.Set("k", "v", 60))
	var out string
	ok, err := cap.Get("k", &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", out)

	require.NoError(t, cap.Del("k"))
	ok, err = cap.Get("k", &out)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCapabilityClearOnlyAffectsOwnApp(t *testing.T) {
	svc, err := svccache.New(svccache.Config{Provider: "memory"}, nil)
	require.NoError(t, err)
	demo := New(svc.ForApp("demo"))
	other := New(svc.ForApp("other"))

	require.NoError(t, demo.Set("k", "v", 60))
	require.NoError(t, other.Set("k", "v", 60))
	require.NoError(t, demo.Clear())

	var out string
	ok, _ := demo.Get("k", &out)
	assert.False(t, ok)
	ok, _ = other.Get("k", &out)
	assert.True(t, ok)
}
