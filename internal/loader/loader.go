// Package loader implements the sandboxed script loader (spec §4.D): a
// require-style resolver enforcing per-app capability grants, privileged
// gating, and path containment, with an artifact cache.
//
// No repo in the retrieved corpus vendors a script/JS engine (goja,
// otto, tengo, gopher-lua do not appear in any go.mod), so scripts are
// modeled as native Go functions — a ScriptModule registered under its
// absolute script path — and Resolve implements exactly the resolver
// algorithm of §4.D as a pure function over (callerPath, name, Config).
// This is grounded on the teacher's runtime/commands.Dispatcher
// name-to-handler registry, repurposed from command dispatch to module
// resolution.
package loader

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"boxhost/internal/boxerr"
)

// ScriptModule is the exported value of a loaded script: a handler entry
// point plus whatever the module assigned to its exports holder.
type ScriptModule struct {
	// Export is whatever the script's body assigned to its exports
	// holder (spec §4.D step 2). For route scripts this is a
	// HandlerFunc; for plain data/library modules it may be any value.
	Export any
}

// HandlerFunc is the shape of a routable/default-include script export.
type HandlerFunc func(ctx context.Context) error

// HostModule is a capability module or other host-provided value reachable
// through require().
type HostModule any

// protectedModules is the closed set gated by granted permissions (§4.D).
var protectedModules = map[string]bool{
	"cache": true, "db": true, "fs": true, "httpclient": true,
	"pdf": true, "zip": true, "image": true, "platform": true,
}

// privilegedOnlyModules is the closed set of core internals only a
// privileged app may require (§4.D).
var privilegedOnlyModules = map[string]bool{
	"context-store":    true,
	"cache-service":    true,
	"platform-internal": true,
	"path-resolver":    true,
	"startup-orchestrator": true,
}

// esModuleSniff matches the leading "import"/"export" syntax that marks
// a modern-module source needing transpilation (§4.D step 1). The sniff
// is a performance optimisation, not a contract (§9): Transpile is a
// no-op in this implementation because boxhost's scripts are native Go,
// but the hook is kept so a source-to-source step can be added later
// without changing the resolver's shape.
var esModuleSniff = regexp.MustCompile(`(?m)^\s*(import|export)\s`)

// Config mirrors spec §4.D's loaderConfig.
type Config struct {
	AppName             string
	GrantedPermissions  map[string]bool
	BoxRoot             string
	GlobalModulesRoot   string
	AllowedHostBuiltins map[string]bool // server-wide + per-app allowed builtins
	PrivilegedApps      map[string]bool
	UseCache            bool
	Logger              *log.Logger

	// HostModules resolves a protected/privileged/builtin module name to
	// its concrete implementation. Absence of a name here for a name
	// that passed the gate is an Internal error, never a silent nil.
	HostModules map[string]HostModule

	// SourceModules resolves an absolute script path to its registered
	// Go implementation — the native-module equivalent of reading and
	// evaluating JS source from disk. The caller supplies this map;
	// nothing in this repository fills it by scanning boxRoot, and Load
	// reports NotFound for any path missing from it.
	SourceModules map[string]func() (ScriptModule, error)
}

// Loader owns the process-global script artifact cache (spec §3 "Script
// Artifact Cache"): absoluteScriptPath → prepared module. Purged on
// reload/delete of the owning app, or bypassed when UseCache is false.
type Loader struct {
	mu    sync.RWMutex
	cache map[string]ScriptModule
}

func New() *Loader {
	return &Loader{cache: make(map[string]ScriptModule)}
}

// Load implements the full pipeline of §4.D for one absolute script path.
func (l *Loader) Load(ctx context.Context, absolutePath string, cfg Config) (ScriptModule, error) {
	if cfg.UseCache {
		l.mu.RLock()
		m, ok := l.cache[absolutePath]
		l.mu.RUnlock()
		if ok {
			return m, nil
		}
	}

	fn, ok := cfg.SourceModules[absolutePath]
	if !ok {
		return ScriptModule{}, boxerr.Newf(boxerr.KindNotFound, boxerr.NotFound, "loader: no script registered at %s", absolutePath)
	}
	mod, err := fn()
	if err != nil {
		return ScriptModule{}, boxerr.Newf(boxerr.KindInternal, err, "loader: executing %s", absolutePath)
	}

	if cfg.UseCache {
		l.mu.Lock()
		l.cache[absolutePath] = mod
		l.mu.Unlock()
	}
	return mod, nil
}

// PurgeBoxPrefix removes every cached artifact whose path begins with
// boxRoot — used by Lifecycle Manager's reload/delete (§4.H).
func (l *Loader) PurgeBoxPrefix(boxRoot string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for p := range l.cache {
		if strings.HasPrefix(p, boxRoot) {
			delete(l.cache, p)
		}
	}
}

// NeedsTranspile reports whether source looks like a modern-module
// source needing the (currently no-op) Transpile step.
func NeedsTranspile(source []byte) bool {
	return esModuleSniff.Match(source)
}

// Transpile is the source-to-source hook from §9: a no-op by default,
// kept so an ecosystem that needs one can plug it in without reshaping
// the resolver.
func Transpile(source []byte) ([]byte, error) { return source, nil }

// Resolution is the outcome of Resolve, which implements the require(m)
// algorithm of §4.D step 3 as a pure function over (callerPath,
// requestedName, Config), per §9's design note. Resolve returns either a
// HostModule, an absolute path to load recursively, or a typed failure —
// callers (the loader, or script code via its injected resolver
// function) branch on which is non-zero.
type Resolution struct {
	Host       HostModule
	RecursePath string
}

func Resolve(callerPath, name string, cfg Config) (Resolution, error) {
	if protectedModules[name] {
		if !cfg.GrantedPermissions[name] {
			return Resolution{}, boxerr.Newf(boxerr.KindForbidden, boxerr.Forbidden,
				"loader: app %s has not been granted permission %q", cfg.AppName, name)
		}
		if host, ok := cfg.HostModules[name]; ok {
			return Resolution{Host: host}, nil
		}
		return Resolution{}, boxerr.Newf(boxerr.KindInternal, boxerr.Internal, "loader: protected module %q has no implementation wired", name)
	}

	if privilegedOnlyModules[name] {
		if !cfg.PrivilegedApps[cfg.AppName] {
			return Resolution{}, boxerr.Newf(boxerr.KindForbidden, boxerr.Forbidden,
				"loader: app %s is not privileged, cannot require %q", cfg.AppName, name)
		}
		if host, ok := cfg.HostModules[name]; ok {
			return Resolution{Host: host}, nil
		}
		return Resolution{}, boxerr.Newf(boxerr.KindInternal, boxerr.Internal, "loader: privileged module %q has no implementation wired", name)
	}

	if strings.HasPrefix(name, "./") || strings.HasPrefix(name, "../") {
		callerDir := filepath.Dir(callerPath)
		target := filepath.Join(callerDir, name)
		if filepath.Ext(target) == "" {
			target += ".js"
		}
		if !withinBoxRoot(cfg.BoxRoot, target) {
			return Resolution{}, boxerr.Newf(boxerr.KindPathTraversal, boxerr.PathTraversal,
				"loader: relative require %q from %s escapes boxRoot", name, callerPath)
		}
		return Resolution{RecursePath: target}, nil
	}

	if cfg.GlobalModulesRoot != "" {
		globalPath := filepath.Join(cfg.GlobalModulesRoot, name)
		if fileExists(globalPath) {
			if host, ok := cfg.HostModules[name]; ok {
				return Resolution{Host: host}, nil
			}
			return Resolution{RecursePath: globalPath}, nil
		}
	}

	if cfg.AllowedHostBuiltins[name] {
		if host, ok := cfg.HostModules[name]; ok {
			return Resolution{Host: host}, nil
		}
		return Resolution{}, boxerr.Newf(boxerr.KindInternal, boxerr.Internal, "loader: allowed builtin %q has no implementation wired", name)
	}

	if cfg.BoxRoot != "" {
		candidate := filepath.Join(cfg.BoxRoot, name)
		if withinBoxRoot(cfg.BoxRoot, candidate) && fileExists(candidate) {
			return Resolution{RecursePath: candidate}, nil
		}
	}

	return Resolution{}, boxerr.Newf(boxerr.KindNotFound, boxerr.NotFound, "loader: module %q not allowed or not found", name)
}

func withinBoxRoot(boxRoot, target string) bool {
	boxRoot = filepath.Clean(boxRoot)
	target = filepath.Clean(target)
	if target == boxRoot {
		return true
	}
	rel, err := filepath.Rel(boxRoot, target)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
