package loader

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boxhost/internal/boxerr"
)

func baseCfg() Config {
	return Config{
		AppName:            "demo",
		GrantedPermissions: map[string]bool{"fs": true},
		BoxRoot:            "/apps/demo/box",
		PrivilegedApps:     map[string]bool{"admin": true},
		HostModules: map[string]HostModule{
			"fs": "fs-module",
			"db": "db-module",
		},
	}
}

func TestResolveProtectedDeniedWithoutGrant(t *testing.T) {
	cfg := baseCfg()
	_, err := Resolve("/apps/demo/box/index.js", "db", cfg)
	require.Error(t, err)
	assert.True(t, boxerr.OfKind(err, boxerr.KindForbidden))
	assert.Contains(t, err.Error(), "demo")
	assert.Contains(t, err.Error(), "db")
}

func TestResolveProtectedAllowedWithGrant(t *testing.T) {
	cfg := baseCfg()
	res, err := Resolve("/apps/demo/box/index.js", "fs", cfg)
	require.NoError(t, err)
	assert.Equal(t, "fs-module", res.Host)
}

func TestResolvePrivilegedOnlyDeniedForNonPrivilegedApp(t *testing.T) {
	cfg := baseCfg()
	cfg.HostModules["platform-internal"] = "platform-module"
	_, err := Resolve("/apps/demo/box/index.js", "platform-internal", cfg)
	require.Error(t, err)
	assert.True(t, boxerr.OfKind(err, boxerr.KindForbidden))
}

func TestResolvePrivilegedOnlyAllowedForPrivilegedApp(t *testing.T) {
	cfg := baseCfg()
	cfg.AppName = "admin"
	cfg.HostModules["platform-internal"] = "platform-module"
	res, err := Resolve("/apps/admin/box/index.js", "platform-internal", cfg)
	require.NoError(t, err)
	assert.Equal(t, "platform-module", res.Host)
}

func TestResolveRelativeRequireContained(t *testing.T) {
	cfg := baseCfg()
	res, err := Resolve("/apps/demo/box/routes/index.js", "./helpers", cfg)
	require.NoError(t, err)
	assert.Equal(t, "/apps/demo/box/routes/helpers.js", res.RecursePath)
}

func TestResolveRelativeRequireEscapeRejected(t *testing.T) {
	cfg := baseCfg()
	_, err := Resolve("/apps/demo/box/routes/index.js", "../../../etc/passwd", cfg)
	require.Error(t, err)
	assert.True(t, boxerr.OfKind(err, boxerr.KindPathTraversal))
}

func TestResolveUnknownModuleNotFound(t *testing.T) {
	cfg := baseCfg()
	_, err := Resolve("/apps/demo/box/index.js", "does-not-exist", cfg)
	require.Error(t, err)
	assert.True(t, boxerr.OfKind(err, boxerr.KindNotFound))
}

func TestLoadUsesArtifactCache(t *testing.T) {
	l := New()
	calls := 0
	cfg := Config{
		UseCache: true,
		SourceModules: map[string]func() (ScriptModule, error){
			"/apps/demo/box/index.js": func() (ScriptModule, error) {
				calls++
				return ScriptModule{Export: "handler"}, nil
			},
		},
	}
	m1, err := l.Load(context.Background(), "/apps/demo/box/index.js", cfg)
	require.NoError(t, err)
	m2, err := l.Load(context.Background(), "/apps/demo/box/index.js", cfg)
	require.NoError(t, err)
	assert.Equal(t, m1, m2)
	assert.Equal(t, 1, calls)
}

func TestPurgeBoxPrefixEvictsMatchingEntries(t *testing.T) {
	l := New()
	cfg := Config{
		UseCache: true,
		SourceModules: map[string]func() (ScriptModule, error){
			"/apps/demo/box/a.js": func() (ScriptModule, error) { return ScriptModule{}, nil },
		},
	}
	_, err := l.Load(context.Background(), "/apps/demo/box/a.js", cfg)
	require.NoError(t, err)
	l.PurgeBoxPrefix("/apps/demo/box")
	l.mu.RLock()
	_, ok := l.cache["/apps/demo/box/a.js"]
	l.mu.RUnlock()
	assert.False(t, ok)
}
