package lifecycle

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boxhost/internal/boxerr"
	"boxhost/internal/cache"
	"boxhost/internal/capability/db"
	"boxhost/internal/loader"
	"boxhost/internal/registry"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	webRoot := filepath.Join(root, "web")
	backups := filepath.Join(root, "backups")
	settings := filepath.Join(root, "settings")
	logs := filepath.Join(root, "logs")
	require.NoError(t, os.MkdirAll(webRoot, 0o755))
	require.NoError(t, os.MkdirAll(logs, 0o755))

	reg := registry.New()
	ld := loader.New()
	cacheSvc, err := cache.New(cache.Config{Provider: "memory"}, nil)
	require.NoError(t, err)
	return New(webRoot, backups, settings, logs, reg, ld, cacheSvc, db.NewPool(), LoaderDefaults{}), root
}

func TestDerivePlanCategorizesFiles(t *testing.T) {
	live := map[string][]byte{
		"box/app.json":     []byte("v1"),
		"box/data/posts.db": []byte("olddata"),
		"box/old.js":       []byte("old"),
	}
	pkg := map[string][]byte{
		"box/app.json": []byte("v2"),
		"box/new.js":   []byte("new"),
	}
	plan := DerivePlan(live, pkg, UpgradeManifest{Preserve: []string{"box/data/**"}}, "1.0.0", "2.0.0")

	assert.Contains(t, plan.Files.Preserved, "box/data/posts.db")
	assert.Contains(t, plan.Files.Added, "box/new.js")
	assert.Contains(t, plan.Files.Overwritten, "box/app.json")
	assert.Contains(t, plan.Files.Deleted, "box/old.js")
}

func TestInstallExtractsAndRegisters(t *testing.T) {
	m, root := newTestManager(t)
	src := filepath.Join(root, "src")
	writeFile(t, filepath.Join(src, "box", "app.json"), `{"display_name":"Demo","version":"1.0.0"}`)
	writeFile(t, filepath.Join(src, "web", "index.html"), "<html></html>")

	pkgBytes, err := BuildPackage(src)
	require.NoError(t, err)

	err = m.Install(context.Background(), "demo", pkgBytes, []string{"fs"})
	require.NoError(t, err)

	app, ok := m.reg.Get("demo")
	require.True(t, ok)
	assert.Equal(t, "Demo", app.Config().DisplayName)
	assert.True(t, app.GrantedPermissions()["fs"])
	assert.False(t, app.InMaintenance())
}

func TestInstallRegistersDatabasesForApp(t *testing.T) {
	m, root := newTestManager(t)
	src := filepath.Join(root, "src")
	writeFile(t, filepath.Join(src, "box", "app.json"),
		`{"version":"1.0.0","databases":[{"name":"primary","dialect":"sqlite"}]}`)
	pkgBytes, err := BuildPackage(src)
	require.NoError(t, err)

	require.NoError(t, m.Install(context.Background(), "demo", pkgBytes, nil))

	handle, err := m.dbPool.Open("demo", "primary")
	require.NoError(t, err, "Install must register the app's configured databases with the DB pool")
	assert.NotNil(t, handle)
}

func TestDeleteClosesAppDatabases(t *testing.T) {
	m, root := newTestManager(t)
	src := filepath.Join(root, "src")
	writeFile(t, filepath.Join(src, "box", "app.json"),
		`{"version":"1.0.0","databases":[{"name":"primary","dialect":"sqlite"}]}`)
	pkgBytes, err := BuildPackage(src)
	require.NoError(t, err)
	require.NoError(t, m.Install(context.Background(), "demo", pkgBytes, nil))
	_, err = m.dbPool.Open("demo", "primary")
	require.NoError(t, err)

	require.NoError(t, m.Delete(context.Background(), "demo"))

	_, err = m.dbPool.Open("demo", "primary")
	assert.Error(t, err, "Delete must close and forget the app's registered databases")
	assert.True(t, boxerr.OfKind(err, boxerr.KindNotFound))
}

func TestReloadReinitializesDatabases(t *testing.T) {
	m, root := newTestManager(t)
	src := filepath.Join(root, "src")
	writeFile(t, filepath.Join(src, "box", "app.json"),
		`{"version":"1.0.0","databases":[{"name":"primary","dialect":"sqlite"}]}`)
	pkgBytes, err := BuildPackage(src)
	require.NoError(t, err)
	require.NoError(t, m.Install(context.Background(), "demo", pkgBytes, nil))

	app, ok := m.reg.Get("demo")
	require.True(t, ok)
	writeFile(t, filepath.Join(app.BoxRoot(), "app.json"),
		`{"version":"1.0.0","databases":[{"name":"primary","dialect":"sqlite"},{"name":"secondary","dialect":"sqlite"}]}`)

	require.NoError(t, m.Reload(context.Background(), "demo"))

	_, err = m.dbPool.Open("demo", "primary")
	require.NoError(t, err)
	_, err = m.dbPool.Open("demo", "secondary")
	require.NoError(t, err, "Reload must re-register databases added to the config")
}

func TestRunStartupScriptsInvokesRegisteredHandler(t *testing.T) {
	root := t.TempDir()
	webRoot := filepath.Join(root, "web")
	backups := filepath.Join(root, "backups")
	settings := filepath.Join(root, "settings")
	logs := filepath.Join(root, "logs")
	require.NoError(t, os.MkdirAll(webRoot, 0o755))
	require.NoError(t, os.MkdirAll(logs, 0o755))

	src := filepath.Join(root, "src")
	writeFile(t, filepath.Join(src, "box", "app.json"), `{"version":"1.0.0","startup_scripts":["init.js"]}`)
	appDir := filepath.Join(webRoot, "demo")
	require.NoError(t, os.Rename(src, appDir))

	var ran bool
	scriptPath := filepath.Join(appDir, "box", "init.js")

	reg := registry.New()
	ld := loader.New()
	cacheSvc, err := cache.New(cache.Config{Provider: "memory"}, nil)
	require.NoError(t, err)
	m := New(webRoot, backups, settings, logs, reg, ld, cacheSvc, db.NewPool(), LoaderDefaults{
		SourceModules: map[string]func() (loader.ScriptModule, error){
			scriptPath: func() (loader.ScriptModule, error) {
				return loader.ScriptModule{Export: loader.HandlerFunc(func(ctx context.Context) error {
					ran = true
					return nil
				})}, nil
			},
		},
	})

	require.NoError(t, m.RegisterExisting("demo"))
	app, ok := reg.Get("demo")
	require.True(t, ok)
	require.NoError(t, m.runStartupScripts(context.Background(), app))
	assert.True(t, ran, "runStartupScripts must invoke the script's registered handler")
}

func TestInstallRejectsDuplicateName(t *testing.T) {
	m, root := newTestManager(t)
	src := filepath.Join(root, "src")
	writeFile(t, filepath.Join(src, "box", "app.json"), `{"version":"1.0.0"}`)
	pkgBytes, err := BuildPackage(src)
	require.NoError(t, err)

	require.NoError(t, m.Install(context.Background(), "demo", pkgBytes, nil))
	err = m.Install(context.Background(), "demo", pkgBytes, nil)
	require.Error(t, err)
	assert.True(t, boxerr.OfKind(err, boxerr.KindConflict))
}

func TestInstallRejectsPathTraversalEntries(t *testing.T) {
	m, _ := newTestManager(t)
	zipBytes := buildMaliciousZip(t)
	err := m.Install(context.Background(), "evil", zipBytes, nil)
	require.Error(t, err)
	assert.True(t, boxerr.OfKind(err, boxerr.KindPathTraversal))
}

func TestDeleteRemovesAppAndFiles(t *testing.T) {
	m, root := newTestManager(t)
	src := filepath.Join(root, "src")
	writeFile(t, filepath.Join(src, "box", "app.json"), `{"version":"1.0.0"}`)
	pkgBytes, err := BuildPackage(src)
	require.NoError(t, err)
	require.NoError(t, m.Install(context.Background(), "demo", pkgBytes, nil))

	require.NoError(t, m.Delete(context.Background(), "demo"))
	_, ok := m.reg.Get("demo")
	assert.False(t, ok)
	_, statErr := os.Stat(filepath.Join(m.webRoot, "demo"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDeleteUnknownAppIsNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Delete(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, boxerr.OfKind(err, boxerr.KindNotFound))
}

func TestConcurrentMaintenanceRejected(t *testing.T) {
	m, root := newTestManager(t)
	src := filepath.Join(root, "src")
	writeFile(t, filepath.Join(src, "box", "app.json"), `{"version":"1.0.0"}`)
	pkgBytes, err := BuildPackage(src)
	require.NoError(t, err)
	require.NoError(t, m.Install(context.Background(), "demo", pkgBytes, nil))

	done, err := m.enterMaintenance("demo")
	require.NoError(t, err)
	defer done(true)

	_, err = m.enterMaintenance("demo")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaintenanceInProgress)
}

func TestUpgradePreservesDataFiles(t *testing.T) {
	m, root := newTestManager(t)
	srcV1 := filepath.Join(root, "v1")
	writeFile(t, filepath.Join(srcV1, "box", "app.json"), `{"version":"1.0.0"}`)
	writeFile(t, filepath.Join(srcV1, "box", "data", "posts.db"), "original-bytes")
	v1Bytes, err := BuildPackage(srcV1)
	require.NoError(t, err)
	require.NoError(t, m.Install(context.Background(), "blog", v1Bytes, nil))

	srcV2 := filepath.Join(root, "v2")
	writeFile(t, filepath.Join(srcV2, "box", "app.json"), `{"version":"2.0.0"}`)
	writeFile(t, filepath.Join(srcV2, "box", ".gup"), `{"preserve":["box/data/**"]}`)
	v2Bytes, err := BuildPackage(srcV2)
	require.NoError(t, err)

	require.NoError(t, m.Upgrade(context.Background(), "blog", v2Bytes, nil, true))

	app, ok := m.reg.Get("blog")
	require.True(t, ok)
	assert.Equal(t, "2.0.0", app.Config().Version)

	preserved, err := os.ReadFile(filepath.Join(m.webRoot, "blog", "box", "data", "posts.db"))
	require.NoError(t, err)
	assert.Equal(t, "original-bytes", string(preserved))

	backupDir := filepath.Join(m.backupsRoot, "blog")
	entries, err := os.ReadDir(backupDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "blog_v1.0.0_")
}

func buildMaliciousZip(t *testing.T) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	w, err := zw.Create("../../etc/passwd")
	require.NoError(t, err)
	_, err = w.Write([]byte("root:x:0:0"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}
