package platform

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boxhost/internal/cache"
	"boxhost/internal/lifecycle"
	"boxhost/internal/loader"
	"boxhost/internal/registry"
)

func newTestCapability(t *testing.T) (*Capability, string) {
	t.Helper()
	root := t.TempDir()
	webRoot := filepath.Join(root, "web")
	require.NoError(t, os.MkdirAll(webRoot, 0o755))
	reg := registry.New()
	ld := loader.New()
	cacheSvc, err := cache.New(cache.Config{Provider: "memory"}, nil)
	require.NoError(t, err)
	mgr := lifecycle.New(webRoot, filepath.Join(root, "backups"), filepath.Join(root, "settings"), filepath.Join(root, "logs"), reg, ld, cacheSvc, nil, lifecycle.LoaderDefaults{})
	return New(mgr), root
}

func TestInstallThenDeleteThroughCapability(t *testing.T) {
	c, root := newTestCapability(t)

	src := filepath.Join(root, "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "box"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "box", "app.json"), []byte(`{"version":"1.0.0"}`), 0o644))
	pkgBytes, err := lifecycle.BuildPackage(src)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Install(ctx, "demo", pkgBytes, []string{"fs"}))
	require.NoError(t, c.Delete(ctx, "demo"))

	err = c.Delete(ctx, "demo")
	require.Error(t, err)
	assert.Error(t, err)
}
