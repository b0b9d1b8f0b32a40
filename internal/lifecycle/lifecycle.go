// Package lifecycle implements install/upgrade/rollback/delete/reload
// as atomic, maintenance-gated operations (spec §4.H), the .gin package
// zip format, and preserved-files diffing.
//
// Grounded on the teacher's app_manager.go + fs_manager.go
// maintenance-gated mutation envelope, with each mutation additionally
// modeled as a typed Command with a single Dispatch entry point, used by
// the "platform" capability module scripts call into; the HTTP handlers
// in internal/server call the Manager methods directly. Glob matching for preserve/include/
// exclude lists uses stdlib path/filepath.Match, the same approach
// Aureuma-si's internal/pluginmarket uses for its install-manifest globs.
package lifecycle

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"boxhost/internal/applog"
	"boxhost/internal/boxerr"
	"boxhost/internal/cache"
	"boxhost/internal/capability/db"
	"boxhost/internal/loader"
	"boxhost/internal/registry"
)

// ErrMaintenanceInProgress is returned when a second lifecycle call
// targets an app already under a maintenance gate — the open question
// from spec §9 is resolved as reject-with-Conflict, not queue, following
// the teacher's ErrLocked/ErrNotLeader sentinel-rejection style.
var ErrMaintenanceInProgress = boxerr.Newf(boxerr.KindConflict, boxerr.Conflict, "lifecycle: app is already under a maintenance operation")

// UpgradeManifest is box/.gup (spec §3).
type UpgradeManifest struct {
	Preserve []string `json:"preserve"`
}

// PackagingManifest is box/.gpkg (spec §3). Kept as YAML per DESIGN.md:
// app.json/server config stay JSON, but this is the one manifest the
// spec leaves format-unconstrained and the teacher already depends on
// yaml.v3.
type PackagingManifest struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// PermissionManifest is box/pmft.json (spec §3).
type PermissionManifest struct {
	Permissions struct {
		Mandatory []string `json:"mandatory"`
		Optional  []string `json:"optional"`
	} `json:"permissions"`
}

// Plan is the result of deriving an upgrade plan (spec §4.H "Upgrade
// plan derivation").
type Plan struct {
	Action      string
	FromVersion string
	ToVersion   string
	Files       PlanFiles
}

type PlanFiles struct {
	Preserved   []string
	Added       []string
	Overwritten []string
	Deleted     []string
}

// Manager is the Lifecycle Manager (spec §4.H).
type Manager struct {
	webRoot      string
	backupsRoot  string
	settingsRoot string
	logsRoot     string

	reg      *registry.Registry
	loader   *loader.Loader
	cacheSvc *cache.Service
	dbPool   *db.Pool

	// loaderDefaults mirrors the Dispatcher's own loader.Config inputs
	// (spec §4.D) so startup-script execution (§4.H, §4.I) resolves
	// require() the same way a regular request-triggered script load
	// does, instead of running with a narrower or stricter sandbox.
	globalModulesRoot   string
	allowedHostBuiltins map[string]bool
	privilegedApps      map[string]bool
	sourceModules       map[string]func() (loader.ScriptModule, error)

	maintMu  sync.Mutex
	inFlight map[string]bool
}

// LoaderDefaults carries the server-wide loader.Config inputs the
// Manager needs to run startup scripts through the same sandboxed
// loader every other script load goes through. SourceModules is the
// absolute-path -> registered-script-body map the loader resolves
// against; it is passed through as given, and nothing fills it from
// disk.
type LoaderDefaults struct {
	GlobalModulesRoot   string
	AllowedHostBuiltins map[string]bool
	PrivilegedApps      map[string]bool
	SourceModules       map[string]func() (loader.ScriptModule, error)
}

// New constructs a Manager. logsRoot is where each app's rotating
// logger (internal/applog) writes <appName>.log (spec §4.I "ensure
// logs/ ... exist"); it may be empty only in tests that don't exercise
// logger (re)creation. dbPool is where Install/Delete/Reload register
// and close each app's configured database connections (spec §4.H,
// §5); it may be nil only in tests that don't exercise DB adapters.
func New(webRoot, backupsRoot, settingsRoot, logsRoot string, reg *registry.Registry, ld *loader.Loader, cacheSvc *cache.Service, dbPool *db.Pool, ldDefaults LoaderDefaults) *Manager {
	m := &Manager{
		webRoot: webRoot, backupsRoot: backupsRoot, settingsRoot: settingsRoot, logsRoot: logsRoot,
		reg: reg, loader: ld, cacheSvc: cacheSvc, dbPool: dbPool,
		globalModulesRoot:   ldDefaults.GlobalModulesRoot,
		allowedHostBuiltins: ldDefaults.AllowedHostBuiltins,
		privilegedApps:      ldDefaults.PrivilegedApps,
		sourceModules:       ldDefaults.SourceModules,
		inFlight:            make(map[string]bool),
	}
	return m
}

// Command is a typed lifecycle mutation routed through Dispatch. The
// script-facing platform capability (internal/capability/platform)
// submits its requests as Commands; internal/server's HTTP handlers call
// the Manager methods directly. Both paths reach the same methods, so
// they share the same maintenance-gate semantics.
type Command interface {
	Name() string
}

// Response is the result of dispatching a Command. None of the six
// lifecycle commands currently return a value beyond success/failure,
// so every Dispatch call today resolves to a nil Response; the type
// exists so a future command (e.g. returning a derived Plan) doesn't
// need a new entry point.
type Response interface{}

type InstallCommand struct {
	AppName      string
	PackageBytes []byte
	Permissions  []string
}

func (InstallCommand) Name() string { return "lifecycle.install" }

type UpgradeCommand struct {
	AppName      string
	PackageBytes []byte
	Permissions  []string
	Backup       bool
}

func (UpgradeCommand) Name() string { return "lifecycle.upgrade" }

type RollbackCommand struct {
	AppName     string
	Permissions []string
}

func (RollbackCommand) Name() string { return "lifecycle.rollback" }

type DeleteCommand struct{ AppName string }

func (DeleteCommand) Name() string { return "lifecycle.delete" }

type ReloadCommand struct{ AppName string }

func (ReloadCommand) Name() string { return "lifecycle.reload" }

type SetPermissionsCommand struct {
	AppName     string
	Permissions []string
}

func (SetPermissionsCommand) Name() string { return "lifecycle.setPermissions" }

// Dispatch routes a typed lifecycle Command to the matching Manager
// method — the entry point the "platform" capability module uses. It adds
// no logging or locking of its own; the maintenance gate lives in the
// methods it calls.
func (m *Manager) Dispatch(ctx context.Context, cmd Command) (Response, error) {
	switch c := cmd.(type) {
	case InstallCommand:
		return nil, m.Install(ctx, c.AppName, c.PackageBytes, c.Permissions)
	case UpgradeCommand:
		return nil, m.Upgrade(ctx, c.AppName, c.PackageBytes, c.Permissions, c.Backup)
	case RollbackCommand:
		return nil, m.Rollback(ctx, c.AppName, c.Permissions)
	case DeleteCommand:
		return nil, m.Delete(ctx, c.AppName)
	case ReloadCommand:
		return nil, m.Reload(ctx, c.AppName)
	case SetPermissionsCommand:
		return nil, m.SetPermissions(ctx, c.AppName, c.Permissions)
	default:
		return nil, boxerr.Newf(boxerr.KindValidation, boxerr.Validation, "lifecycle: unknown command %q", cmd.Name())
	}
}

// enterMaintenance implements the common envelope of §4.H step 1,
// rejecting a concurrent call on the same app rather than queueing it.
func (m *Manager) enterMaintenance(appName string) (func(success bool), error) {
	m.maintMu.Lock()
	if m.inFlight[appName] {
		m.maintMu.Unlock()
		return nil, ErrMaintenanceInProgress
	}
	m.inFlight[appName] = true
	m.maintMu.Unlock()

	if app, ok := m.reg.Get(appName); ok {
		app.SetMaintenance(true)
	}

	return func(success bool) {
		m.maintMu.Lock()
		delete(m.inFlight, appName)
		m.maintMu.Unlock()
		if app, ok := m.reg.Get(appName); ok {
			app.SetMaintenance(false)
		}
	}, nil
}

// Install implements spec §4.H "Install".
func (m *Manager) Install(ctx context.Context, appName string, packageBytes []byte, permissions []string) error {
	if !registry.ValidName(appName) {
		return boxerr.Newf(boxerr.KindValidation, boxerr.Validation, "lifecycle: invalid app name %q", appName)
	}
	if _, exists := m.reg.Get(appName); exists {
		return boxerr.Newf(boxerr.KindConflict, boxerr.Conflict, "lifecycle: app %q already registered", appName)
	}

	done, err := m.enterMaintenance(appName)
	if err != nil {
		return err
	}
	success := false
	defer func() { done(success) }()

	dest := filepath.Join(m.webRoot, appName)
	if err := extractPackage(packageBytes, dest); err != nil {
		return err
	}

	app, err := m.registerFromDisk(appName)
	if err != nil {
		return err
	}
	if err := m.writePermissions(appName, permissions); err != nil {
		return err
	}
	app.SetGrantedPermissions(setOf(permissions))

	if err := m.reg.Register(app); err != nil {
		return err
	}
	if err := m.runStartupScripts(ctx, app); err != nil {
		app.Logger().Printf("lifecycle: startup scripts for %s failed: %v", appName, err)
	}

	success = true
	return nil
}

// DerivePlan implements spec §4.H "Upgrade plan derivation".
func DerivePlan(liveTreeFiles map[string][]byte, pkgFiles map[string][]byte, gup UpgradeManifest, fromVersion, toVersion string) Plan {
	plan := Plan{Action: "upgrade", FromVersion: fromVersion, ToVersion: toVersion}

	preserved := map[string]bool{}
	for f := range liveTreeFiles {
		for _, pat := range gup.Preserve {
			if matched, _ := filepath.Match(pat, f); matched {
				preserved[f] = true
				break
			}
			if matchesDoubleStarGlob(pat, f) {
				preserved[f] = true
				break
			}
		}
	}
	for f := range preserved {
		plan.Files.Preserved = append(plan.Files.Preserved, f)
	}

	for f := range pkgFiles {
		if _, inLive := liveTreeFiles[f]; !inLive {
			plan.Files.Added = append(plan.Files.Added, f)
		} else if !preserved[f] {
			plan.Files.Overwritten = append(plan.Files.Overwritten, f)
		}
	}
	for f := range liveTreeFiles {
		_, inPkg := pkgFiles[f]
		if !inPkg && !preserved[f] {
			plan.Files.Deleted = append(plan.Files.Deleted, f)
		}
	}

	sort.Strings(plan.Files.Preserved)
	sort.Strings(plan.Files.Added)
	sort.Strings(plan.Files.Overwritten)
	sort.Strings(plan.Files.Deleted)
	return plan
}

// matchesDoubleStarGlob supports "**" patterns (e.g. "box/data/**")
// which filepath.Match alone does not, the way pluginmarket's install
// manifests use them.
func matchesDoubleStarGlob(pattern, name string) bool {
	if !strings.Contains(pattern, "**") {
		return false
	}
	prefix, _, found := strings.Cut(pattern, "**")
	if !found {
		return false
	}
	return strings.HasPrefix(name, strings.TrimSuffix(prefix, "/"))
}

// Upgrade implements spec §4.H "Upgrade".
func (m *Manager) Upgrade(ctx context.Context, appName string, packageBytes []byte, permissions []string, backup bool) error {
	app, ok := m.reg.Get(appName)
	if !ok {
		return boxerr.Newf(boxerr.KindNotFound, boxerr.NotFound, "lifecycle: app %q not found", appName)
	}

	done, err := m.enterMaintenance(appName)
	if err != nil {
		return err
	}
	success := false
	defer func() { done(success) }()

	cfg := app.Config()
	if backup {
		if err := m.writeBackup(appName, cfg.Version); err != nil {
			return err
		}
	}

	liveFiles, err := treeFiles(app.BoxRoot(), app.WebRoot())
	if err != nil {
		return err
	}
	pkgFiles, gup, err := inspectPackage(packageBytes)
	if err != nil {
		return err
	}

	plan := DerivePlan(liveFiles, pkgFiles, gup, cfg.Version, "")

	preservedBytes := map[string][]byte{}
	for _, f := range plan.Files.Preserved {
		b, err := os.ReadFile(filepath.Join(app.WebRoot(), f))
		if err == nil {
			preservedBytes[f] = b
		}
	}

	m.reg.Remove(appName)
	if m.dbPool != nil {
		if err := m.dbPool.Close(appName); err != nil {
			app.Logger().Printf("lifecycle: closing DB pool for %s before upgrade: %v", appName, err)
		}
	}
	if err := os.RemoveAll(filepath.Join(m.webRoot, appName)); err != nil {
		return boxerr.Newf(boxerr.KindInternal, err, "lifecycle: removing old tree for %s", appName)
	}

	dest := filepath.Join(m.webRoot, appName)
	if err := extractPackage(packageBytes, dest); err != nil {
		return err
	}
	for f, b := range preservedBytes {
		full := filepath.Join(dest, f)
		_ = os.MkdirAll(filepath.Dir(full), 0o755)
		_ = os.WriteFile(full, b, 0o644)
	}

	newApp, err := m.registerFromDisk(appName)
	if err != nil {
		return err
	}
	if err := m.writePermissions(appName, permissions); err != nil {
		return err
	}
	newApp.SetGrantedPermissions(setOf(permissions))
	m.reg.Replace(newApp)
	m.loader.PurgeBoxPrefix(app.BoxRoot())

	success = true
	return nil
}

// Rollback implements spec §4.H "Rollback".
func (m *Manager) Rollback(ctx context.Context, appName string, permissions []string) error {
	backupPath, err := m.latestBackup(appName)
	if err != nil {
		return err
	}
	pkgBytes, err := os.ReadFile(backupPath)
	if err != nil {
		return boxerr.Newf(boxerr.KindBackend, err, "lifecycle: reading backup %s", backupPath)
	}
	if err := m.Upgrade(ctx, appName, pkgBytes, permissions, false); err != nil {
		return err
	}
	return os.Remove(backupPath)
}

// Delete implements spec §4.H "Delete".
func (m *Manager) Delete(ctx context.Context, appName string) error {
	app, ok := m.reg.Get(appName)
	if !ok {
		return boxerr.Newf(boxerr.KindNotFound, boxerr.NotFound, "lifecycle: app %q not found", appName)
	}

	done, err := m.enterMaintenance(appName)
	if err != nil {
		return err
	}
	success := false
	defer func() { done(success) }()

	dir := filepath.Join(m.webRoot, appName)
	resolvedDir, err := filepath.Abs(dir)
	if err != nil || !strings.HasPrefix(resolvedDir, filepath.Clean(m.webRoot)) {
		return boxerr.Newf(boxerr.KindPathTraversal, boxerr.PathTraversal, "lifecycle: refusing to delete %s outside web root", dir)
	}

	if err := m.removePermissions(appName); err != nil {
		app.Logger().Printf("lifecycle: removing permission record for %s: %v", appName, err)
	}
	// Shut down all DB adapters for the app before the directory holding
	// their files is purged (spec §4.H "Delete"; §5 "delete/reload must
	// close those pools before destroying the app").
	if m.dbPool != nil {
		if err := m.dbPool.Close(appName); err != nil {
			app.Logger().Printf("lifecycle: closing DB pool for %s: %v", appName, err)
		}
	}
	// Close the dedicated logger before the app directory (and its log
	// file, if co-located) are purged (spec §4.H "Delete": "close the
	// dedicated logger").
	if err := applog.Close(app.Logger()); err != nil {
		app.Logger().Printf("lifecycle: closing logger for %s: %v", appName, err)
	}
	if err := os.RemoveAll(resolvedDir); err != nil {
		return boxerr.Newf(boxerr.KindInternal, err, "lifecycle: purging app directory for %s", appName)
	}

	m.reg.Remove(appName)
	m.loader.PurgeBoxPrefix(app.BoxRoot())
	_ = m.cacheSvc.Clear("static:" + app.WebRoot())

	success = true
	return nil
}

// Reload implements spec §4.H "Reload".
func (m *Manager) Reload(ctx context.Context, appName string) error {
	app, ok := m.reg.Get(appName)
	if !ok {
		return boxerr.Newf(boxerr.KindNotFound, boxerr.NotFound, "lifecycle: app %q not found", appName)
	}

	done, err := m.enterMaintenance(appName)
	if err != nil {
		return err
	}
	success := false
	defer func() { done(success) }()

	raw, err := os.ReadFile(filepath.Join(app.BoxRoot(), "app.json"))
	if err != nil {
		return boxerr.Newf(boxerr.KindBackend, err, "lifecycle: reading app.json for %s", appName)
	}
	cfg, err := registry.MergeConfig(raw)
	if err != nil {
		return err
	}

	perms, err := m.readPermissions(appName)
	if err != nil {
		return err
	}

	app.SetConfig(cfg)
	app.SetGrantedPermissions(perms)

	// Recreate the dedicated logger against the reloaded config (spec
	// §4.H "Reload": "recreate the logger") — the logging level or
	// rotation policy in app.json may have changed.
	oldLogger := app.Logger()
	app.SetLogger(m.newAppLogger(appName, cfg))
	if err := applog.Close(oldLogger); err != nil {
		app.Logger().Printf("lifecycle: closing previous logger for %s: %v", appName, err)
	}

	m.loader.PurgeBoxPrefix(app.BoxRoot())
	_ = m.cacheSvc.Clear("static:" + app.WebRoot())

	// Re-initialise DB adapters against the (possibly changed) database
	// list: close every existing handle for the app, then re-register
	// each configured logical database so the next Open reopens fresh
	// (spec §4.H "Reload": "re-initialise DB adapters").
	if m.dbPool != nil {
		if err := m.dbPool.Close(appName); err != nil {
			app.Logger().Printf("lifecycle: closing DB pool for %s before reload: %v", appName, err)
		}
		m.registerDatabases(app, cfg)
	}

	if err := m.runStartupScripts(ctx, app); err != nil {
		app.Logger().Printf("lifecycle: startup scripts for %s failed on reload: %v", appName, err)
	}

	success = true
	return nil
}

// SetPermissions implements spec §4.G's setPermissions + reload.
func (m *Manager) SetPermissions(ctx context.Context, appName string, perms []string) error {
	valid := make([]string, 0, len(perms))
	seen := map[string]bool{}
	for _, p := range perms {
		if !protectedPermissionName(p) || seen[p] {
			continue
		}
		seen[p] = true
		valid = append(valid, p)
	}
	if err := m.writePermissions(appName, valid); err != nil {
		return err
	}
	return m.Reload(ctx, appName)
}

func protectedPermissionName(p string) bool {
	switch p {
	case "cache", "db", "fs", "httpclient", "pdf", "zip", "image", "platform":
		return true
	default:
		return false
	}
}

// AnalyzeBackup implements spec §4.H "AnalyzeBackup": stream the zip
// header to extract box/pmft.json and box/app.json without fully
// unpacking.
func AnalyzeBackup(packageBytes []byte) (PermissionManifest, string, error) {
	zr, err := zip.NewReader(bytes.NewReader(packageBytes), int64(len(packageBytes)))
	if err != nil {
		return PermissionManifest{}, "", boxerr.Newf(boxerr.KindValidation, err, "lifecycle: malformed package")
	}
	var pmft PermissionManifest
	var version string
	for _, f := range zr.File {
		name := normalizeSlash(f.Name)
		switch name {
		case "box/pmft.json":
			rc, err := f.Open()
			if err != nil {
				continue
			}
			_ = json.NewDecoder(rc).Decode(&pmft)
			rc.Close()
		case "box/app.json":
			rc, err := f.Open()
			if err != nil {
				continue
			}
			var cfg struct {
				Version string `json:"version"`
			}
			_ = json.NewDecoder(rc).Decode(&cfg)
			rc.Close()
			version = cfg.Version
		}
	}
	return pmft, version, nil
}

// --- helpers ---

func normalizeSlash(p string) string { return filepath.ToSlash(p) }

func extractPackage(packageBytes []byte, dest string) error {
	zr, err := zip.NewReader(bytes.NewReader(packageBytes), int64(len(packageBytes)))
	if err != nil {
		return boxerr.Newf(boxerr.KindValidation, err, "lifecycle: malformed package")
	}
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return boxerr.Newf(boxerr.KindInternal, err, "lifecycle: resolving destination")
	}

	for _, f := range zr.File {
		rel := normalizeSlash(f.Name)
		target := filepath.Join(absDest, rel)
		absTarget, err := filepath.Abs(target)
		if err != nil || !strings.HasPrefix(absTarget, absDest) {
			return boxerr.Newf(boxerr.KindPathTraversal, boxerr.PathTraversal, "lifecycle: package entry %q escapes destination", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(absTarget, 0o755); err != nil {
				return boxerr.Newf(boxerr.KindInternal, err, "lifecycle: creating %s", absTarget)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(absTarget), 0o755); err != nil {
			return boxerr.Newf(boxerr.KindInternal, err, "lifecycle: creating parent of %s", absTarget)
		}
		rc, err := f.Open()
		if err != nil {
			return boxerr.Newf(boxerr.KindValidation, err, "lifecycle: reading package entry %q", f.Name)
		}
		out, err := os.OpenFile(absTarget, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			rc.Close()
			return boxerr.Newf(boxerr.KindInternal, err, "lifecycle: writing %s", absTarget)
		}
		_, copyErr := io.Copy(out, rc)
		rc.Close()
		out.Close()
		if copyErr != nil {
			return boxerr.Newf(boxerr.KindInternal, copyErr, "lifecycle: writing %s", absTarget)
		}
	}
	return nil
}

func inspectPackage(packageBytes []byte) (map[string][]byte, UpgradeManifest, error) {
	zr, err := zip.NewReader(bytes.NewReader(packageBytes), int64(len(packageBytes)))
	if err != nil {
		return nil, UpgradeManifest{}, boxerr.Newf(boxerr.KindValidation, err, "lifecycle: malformed package")
	}
	files := map[string][]byte{}
	var gup UpgradeManifest
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			continue
		}
		b, _ := io.ReadAll(rc)
		rc.Close()
		name := normalizeSlash(f.Name)
		files[name] = b
		if name == "box/.gup" {
			_ = json.Unmarshal(b, &gup)
		}
	}
	return files, gup, nil
}

func treeFiles(boxRoot, webRoot string) (map[string][]byte, error) {
	root := filepath.Dir(boxRoot)
	files := map[string][]byte{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		b, _ := os.ReadFile(path)
		files[normalizeSlash(rel)] = b
		return nil
	})
	return files, err
}

// RegisterExisting re-registers an app that is already extracted on disk
// (spec §4.I's Startup Orchestrator discovery pass), loading its granted
// permissions from settings/permissions.json the same way Install does
// for a freshly-extracted one, and then running its startup scripts
// (a script failure is logged, not returned, as in Install).
func (m *Manager) RegisterExisting(appName string) error {
	app, err := m.registerFromDisk(appName)
	if err != nil {
		return err
	}
	perms, err := m.readPermissions(appName)
	if err != nil {
		return err
	}
	app.SetGrantedPermissions(perms)
	if err := m.reg.Register(app); err != nil {
		return err
	}
	if err := m.runStartupScripts(context.Background(), app); err != nil {
		app.Logger().Printf("lifecycle: startup scripts for %s failed: %v", appName, err)
	}
	return nil
}

func (m *Manager) registerFromDisk(appName string) (*registry.App, error) {
	appDir := filepath.Join(m.webRoot, appName)
	boxRoot := filepath.Join(appDir, "box")
	raw, err := os.ReadFile(filepath.Join(boxRoot, "app.json"))
	if err != nil {
		return nil, boxerr.Newf(boxerr.KindBackend, err, "lifecycle: reading app.json for %s", appName)
	}
	cfg, err := registry.MergeConfig(raw)
	if err != nil {
		return nil, err
	}
	logger := m.newAppLogger(appName, cfg)
	app := registry.NewApp(appName, appDir, boxRoot, cfg, map[string]bool{}, logger)
	// Initialise DB adapters for every configured logical database (spec
	// §4.H Install "initialise DB adapters"; §4.I orchestrator discovery
	// re-enters this same path via RegisterExisting).
	if m.dbPool != nil {
		m.registerDatabases(app, cfg)
	}
	return app, nil
}

// registerDatabases records each of cfg.Databases' logical names with
// the shared DB pool, all backed by files under the app's box/data
// directory (spec §3 "database-connection list"; §5 "each app owns a
// pool per configured logical database").
func (m *Manager) registerDatabases(app *registry.App, cfg registry.Config) {
	dataDir := filepath.Join(app.BoxRoot(), "data")
	for _, conn := range cfg.Databases {
		m.dbPool.Register(app.Name(), conn.Name, dataDir)
	}
}

// newAppLogger builds the app's dedicated rotating logger handle (spec
// §3 "Dedicated logger handle") via internal/applog. Falls back to a
// plain stdout logger when logsRoot wasn't configured, so unit tests
// that construct a Manager without a logs directory still work.
func (m *Manager) newAppLogger(appName string, cfg registry.Config) *log.Logger {
	if m.logsRoot == "" {
		return log.New(os.Stdout, "["+appName+"] ", log.LstdFlags)
	}
	return applog.New(m.logsRoot, appName, applog.Config{Level: cfg.LoggingLevel})
}

// runStartupScripts executes every configured startup script through
// the same sandboxed loader a regular route script goes through (spec
// §4.H Install "run startup scripts", Reload "re-run startup scripts";
// §4.I "runs their startup scripts"). A script registers a
// loader.HandlerFunc as its export (the native-module equivalent of a
// side-effecting top-level statement); scripts that export nothing
// runnable are simply loaded for effect. The first failure is returned
// to the caller after every remaining script has still been attempted,
// so one broken startup script does not block the others.
func (m *Manager) runStartupScripts(ctx context.Context, app *registry.App) error {
	cfg := app.Config()
	if len(cfg.StartupScripts) == 0 {
		return nil
	}

	loaderCfg := loader.Config{
		AppName:             app.Name(),
		GrantedPermissions:  app.GrantedPermissions(),
		BoxRoot:             app.BoxRoot(),
		GlobalModulesRoot:   m.globalModulesRoot,
		AllowedHostBuiltins: m.allowedHostBuiltins,
		PrivilegedApps:      m.privilegedApps,
		UseCache:            cfg.Mode == "production",
		Logger:              app.Logger(),
		SourceModules:       m.sourceModules,
	}

	var firstErr error
	for _, s := range cfg.StartupScripts {
		scriptPath := filepath.Join(app.BoxRoot(), s)
		mod, err := m.loader.Load(ctx, scriptPath, loaderCfg)
		if err != nil {
			app.Logger().Printf("lifecycle: startup script %s failed to load: %v", s, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		handler, ok := mod.Export.(loader.HandlerFunc)
		if !ok {
			continue
		}
		if err := handler(ctx); err != nil {
			app.Logger().Printf("lifecycle: startup script %s failed: %v", s, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Manager) writeBackup(appName, version string) error {
	appDir := filepath.Join(m.webRoot, appName)
	buf, err := zipTree(appDir)
	if err != nil {
		return err
	}
	dir := filepath.Join(m.backupsRoot, appName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return boxerr.Newf(boxerr.KindInternal, err, "lifecycle: creating backup dir for %s", appName)
	}
	ts := sanitizeTimestamp(nowUTC())
	name := fmt.Sprintf("%s_v%s_%s.gin", appName, version, ts)
	return os.WriteFile(filepath.Join(dir, name), buf, 0o644)
}

// nowUTC is a small indirection so tests can override it.
var nowUTC = func() time.Time { return time.Now().UTC() }

func sanitizeTimestamp(t time.Time) string {
	s := t.Format(time.RFC3339)
	s = strings.ReplaceAll(s, ":", "-")
	s = strings.ReplaceAll(s, ".", "-")
	return s
}

func zipTree(root string) ([]byte, error) {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	})
	if err != nil {
		zw.Close()
		return nil, boxerr.Newf(boxerr.KindInternal, err, "lifecycle: zipping %s", root)
	}
	if err := zw.Close(); err != nil {
		return nil, boxerr.Newf(boxerr.KindInternal, err, "lifecycle: finalizing zip for %s", root)
	}
	return buf.Bytes(), nil
}

// latestBackup returns the path to the newest backup for appName: sorted
// lexicographically, newest last (spec §3 "Backup").
func (m *Manager) latestBackup(appName string) (string, error) {
	dir := filepath.Join(m.backupsRoot, appName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", boxerr.Newf(boxerr.KindNotFound, boxerr.NotFound, "lifecycle: no backups for %s", appName)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".gin") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", boxerr.Newf(boxerr.KindNotFound, boxerr.NotFound, "lifecycle: no backups for %s", appName)
	}
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}

type permissionRecord map[string]struct {
	Granted []string `json:"granted"`
}

func (m *Manager) permissionsPath() string { return filepath.Join(m.settingsRoot, "permissions.json") }

func (m *Manager) readAllPermissions() (permissionRecord, error) {
	raw, err := os.ReadFile(m.permissionsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return permissionRecord{}, nil
		}
		return nil, boxerr.Newf(boxerr.KindBackend, err, "lifecycle: reading permissions.json")
	}
	var rec permissionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, boxerr.Newf(boxerr.KindValidation, err, "lifecycle: malformed permissions.json")
	}
	return rec, nil
}

func (m *Manager) writeAllPermissions(rec permissionRecord) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return boxerr.Newf(boxerr.KindInternal, err, "lifecycle: encoding permissions.json")
	}
	if err := os.MkdirAll(m.settingsRoot, 0o755); err != nil {
		return boxerr.Newf(boxerr.KindInternal, err, "lifecycle: creating settings dir")
	}
	tmp := m.permissionsPath() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return boxerr.Newf(boxerr.KindInternal, err, "lifecycle: writing permissions.json")
	}
	return os.Rename(tmp, m.permissionsPath())
}

func (m *Manager) writePermissions(appName string, perms []string) error {
	rec, err := m.readAllPermissions()
	if err != nil {
		return err
	}
	rec[appName] = struct {
		Granted []string `json:"granted"`
	}{Granted: dedupe(perms)}
	return m.writeAllPermissions(rec)
}

func (m *Manager) readPermissions(appName string) (map[string]bool, error) {
	rec, err := m.readAllPermissions()
	if err != nil {
		return nil, err
	}
	entry, ok := rec[appName]
	if !ok {
		return map[string]bool{}, nil
	}
	return setOf(entry.Granted), nil
}

func (m *Manager) removePermissions(appName string) error {
	rec, err := m.readAllPermissions()
	if err != nil {
		return err
	}
	delete(rec, appName)
	return m.writeAllPermissions(rec)
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func setOf(in []string) map[string]bool {
	out := make(map[string]bool, len(in))
	for _, s := range in {
		out[s] = true
	}
	return out
}

// ParsePackagingManifest parses box/.gpkg (spec §3). Kept as YAML per
// DESIGN.md even though app.json/server config stay JSON.
func ParsePackagingManifest(raw []byte) (PackagingManifest, error) {
	var m PackagingManifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return PackagingManifest{}, boxerr.Newf(boxerr.KindValidation, err, "lifecycle: malformed .gpkg")
	}
	return m, nil
}

// BuildPackage zips an app's on-disk tree into a .gin archive, honouring
// box/.gpkg's include/exclude globs when present. This is the "package(T)"
// half of the round-trip invariant (spec §8 invariant 5): install(package(T))
// must reproduce T modulo packaging-manifest exclusions.
func BuildPackage(root string) ([]byte, error) {
	var manifest PackagingManifest
	if raw, err := os.ReadFile(filepath.Join(root, "box", ".gpkg")); err == nil {
		manifest, _ = ParsePackagingManifest(raw)
	}

	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !packagingIncludes(manifest, rel) {
			return nil
		}
		w, ferr := zw.Create(rel)
		if ferr != nil {
			return ferr
		}
		b, ferr := os.ReadFile(path)
		if ferr != nil {
			return ferr
		}
		_, ferr = w.Write(b)
		return ferr
	})
	if err != nil {
		zw.Close()
		return nil, boxerr.Newf(boxerr.KindInternal, err, "lifecycle: building package from %s", root)
	}
	if err := zw.Close(); err != nil {
		return nil, boxerr.Newf(boxerr.KindInternal, err, "lifecycle: finalizing package for %s", root)
	}
	return buf.Bytes(), nil
}

func packagingIncludes(m PackagingManifest, rel string) bool {
	for _, pat := range m.Exclude {
		if matched, _ := filepath.Match(pat, rel); matched || matchesDoubleStarGlob(pat, rel) {
			return false
		}
	}
	if len(m.Include) == 0 {
		return true
	}
	for _, pat := range m.Include {
		if matched, _ := filepath.Match(pat, rel); matched || matchesDoubleStarGlob(pat, rel) {
			return true
		}
	}
	return false
}
