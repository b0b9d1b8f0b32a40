// Package registry owns the live map of apps, their configs, compiled
// routes, permissions, and loggers (spec §4.G, §3 "App", "App
// Registry"). Grounded on the teacher's app.parser.go (config
// defaulting/validation) and app_manager.go's stateMu-guarded map.
package registry

import (
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"sync"

	"boxhost/internal/boxerr"
	"boxhost/internal/reqctx"
)

// appNamePattern is the spec §3 invariant for App Registry keys.
var appNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// AppType distinguishes classic multi-page apps from single-page apps.
type AppType string

const (
	TypeMPA AppType = "MPA"
	TypeSPA AppType = "SPA"
)

// SPAConfig carries the optional single-page-app settings (spec §3).
type SPAConfig struct {
	DevProxyURL  string `json:"dev_proxy_url,omitempty"`
	BuildPath    string `json:"build_path,omitempty"`
	FallbackFile string `json:"fallback_file,omitempty"`
}

// CachePolicy is the per-app cache policy: client/server caching toggle
// plus URL regex deny-lists (spec §3).
type CachePolicy struct {
	ClientCacheEnabled bool     `json:"client_cache_enabled"`
	ServerCacheEnabled bool     `json:"server_cache_enabled"`
	DenyPatterns       []string `json:"deny_patterns,omitempty"`
	compiledDeny       []*regexp.Regexp
}

func (p *CachePolicy) compile() error {
	p.compiledDeny = p.compiledDeny[:0]
	for _, pat := range p.DenyPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return fmt.Errorf("cache deny pattern %q: %w", pat, err)
		}
		p.compiledDeny = append(p.compiledDeny, re)
	}
	return nil
}

// Denied reports whether urlPath matches any deny pattern.
func (p *CachePolicy) Denied(urlPath string) bool {
	for _, re := range p.compiledDeny {
		if re.MatchString(urlPath) {
			return true
		}
	}
	return false
}

// DBConnConfig is one entry of an app's database-connection list (spec §3).
type DBConnConfig struct {
	Name    string            `json:"name"`
	Dialect string            `json:"dialect"`
	Params  map[string]string `json:"params,omitempty"`
}

// Route is one compiled {method, path-pattern, script} entry (spec §4.G).
type Route struct {
	Method       string `json:"method"`
	Pattern      string `json:"pattern"`
	ScriptPath   string `json:"script"`
	compiled     *regexp.Regexp
	paramNames   []string
}

// Config is the JSON shape of box/app.json (spec §3, §6).
type Config struct {
	DisplayName       string            `json:"display_name"`
	Version           string            `json:"version"`
	Type              AppType           `json:"type"`
	SPA               *SPAConfig        `json:"spa,omitempty"`
	DefaultInclude    []string          `json:"default_include,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	JWTSecret         string            `json:"jwt_secret,omitempty"`
	Cache             CachePolicy       `json:"cache"`
	LoggingLevel      string            `json:"logging_level,omitempty"`
	Mode              string            `json:"mode,omitempty"` // development|production
	StartupScripts    []string          `json:"startup_scripts,omitempty"`
	Databases         []DBConnConfig    `json:"databases,omitempty"`
	Routes            []Route           `json:"routes,omitempty"`
}

// defaultConfig returns the baseline merged into every parsed config
// (spec §4.G "defaults merged with user config, nested objects merged
// key-wise").
func defaultConfig() Config {
	return Config{
		Type: TypeMPA,
		Cache: CachePolicy{
			ClientCacheEnabled: true,
			ServerCacheEnabled: true,
		},
		Mode:         "production",
		LoggingLevel: "info",
	}
}

// MergeConfig key-wise merges user-supplied fields over defaults,
// following spec §4.G: nested objects are merged, not replaced wholesale.
func MergeConfig(raw []byte) (Config, error) {
	cfg := defaultConfig()
	var user struct {
		DisplayName    *string            `json:"display_name"`
		Version        *string            `json:"version"`
		Type           *AppType           `json:"type"`
		SPA            *SPAConfig         `json:"spa"`
		DefaultInclude []string           `json:"default_include"`
		Env            map[string]string  `json:"env"`
		JWTSecret      *string            `json:"jwt_secret"`
		Cache          *userCachePolicy   `json:"cache"`
		LoggingLevel   *string            `json:"logging_level"`
		Mode           *string            `json:"mode"`
		StartupScripts []string           `json:"startup_scripts"`
		Databases      []DBConnConfig     `json:"databases"`
		Routes         []Route            `json:"routes"`
	}
	if err := json.Unmarshal(raw, &user); err != nil {
		return Config{}, boxerr.Newf(boxerr.KindValidation, err, "registry: malformed app.json")
	}

	if user.DisplayName != nil {
		cfg.DisplayName = *user.DisplayName
	}
	if user.Version != nil {
		cfg.Version = *user.Version
	}
	if user.Type != nil {
		cfg.Type = *user.Type
	}
	if user.SPA != nil {
		cfg.SPA = user.SPA
	}
	if user.DefaultInclude != nil {
		cfg.DefaultInclude = user.DefaultInclude
	}
	if user.Env != nil {
		cfg.Env = user.Env
	}
	if user.JWTSecret != nil {
		cfg.JWTSecret = *user.JWTSecret
	}
	if user.Cache != nil {
		if user.Cache.ClientCacheEnabled != nil {
			cfg.Cache.ClientCacheEnabled = *user.Cache.ClientCacheEnabled
		}
		if user.Cache.ServerCacheEnabled != nil {
			cfg.Cache.ServerCacheEnabled = *user.Cache.ServerCacheEnabled
		}
		if user.Cache.DenyPatterns != nil {
			cfg.Cache.DenyPatterns = user.Cache.DenyPatterns
		}
	}
	if user.LoggingLevel != nil {
		cfg.LoggingLevel = *user.LoggingLevel
	}
	if user.Mode != nil {
		cfg.Mode = *user.Mode
	}
	if user.StartupScripts != nil {
		cfg.StartupScripts = user.StartupScripts
	}
	if user.Databases != nil {
		cfg.Databases = user.Databases
	}
	if user.Routes != nil {
		cfg.Routes = user.Routes
	}

	if err := cfg.Cache.compile(); err != nil {
		return Config{}, boxerr.Newf(boxerr.KindValidation, err, "registry: app.json cache policy")
	}
	for i := range cfg.Routes {
		if err := compileRoute(&cfg.Routes[i]); err != nil {
			return Config{}, boxerr.Newf(boxerr.KindValidation, err, "registry: app.json route %d", i)
		}
	}
	return cfg, nil
}

type userCachePolicy struct {
	ClientCacheEnabled *bool    `json:"client_cache_enabled"`
	ServerCacheEnabled *bool    `json:"server_cache_enabled"`
	DenyPatterns       []string `json:"deny_patterns"`
}

// routeParamPattern matches ":name" segments in a declared route path.
var routeParamPattern = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)

// compileRoute eagerly builds the path-pattern matcher at registration
// time (spec §4.G).
func compileRoute(r *Route) error {
	var names []string
	pattern := routeParamPattern.ReplaceAllStringFunc(r.Pattern, func(seg string) string {
		names = append(names, seg[1:])
		return `([^/]+)`
	})
	re, err := regexp.Compile("^" + pattern + "$")
	if err != nil {
		return fmt.Errorf("route pattern %q: %w", r.Pattern, err)
	}
	r.compiled = re
	r.paramNames = names
	return nil
}

// Match reports whether method+path match this route, returning captured
// params on success (spec §4.F step 7a, §8 invariant 7: first match wins,
// method ALL matches any).
func (r *Route) Match(method, path string) (map[string]string, bool) {
	if r.Method != "ALL" && r.Method != method {
		return nil, false
	}
	m := r.compiled.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	params := make(map[string]string, len(r.paramNames))
	for i, name := range r.paramNames {
		params[name] = m[i+1]
	}
	return params, true
}

// App is one hosted application's live state (spec §3 "App").
type App struct {
	mu sync.RWMutex

	name     string
	webRoot  string
	boxRoot  string
	config   Config
	granted  map[string]bool
	logger   *log.Logger

	inMaintenance bool
	devProcess    any // *os.Process for a dev-mode SPA build server, if any
}

func NewApp(name, webRoot, boxRoot string, cfg Config, granted map[string]bool, logger *log.Logger) *App {
	return &App{
		name: name, webRoot: webRoot, boxRoot: boxRoot,
		config: cfg, granted: granted, logger: logger,
	}
}

func (a *App) Name() string    { return a.name }
func (a *App) WebRoot() string { return a.webRoot }
func (a *App) BoxRoot() string { return a.boxRoot }
func (a *App) Logger() *log.Logger {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.logger
}

// Config returns a copy of the app's current config.
func (a *App) Config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

func (a *App) SetConfig(cfg Config) {
	a.mu.Lock()
	a.config = cfg
	a.mu.Unlock()
}

func (a *App) SetLogger(l *log.Logger) {
	a.mu.Lock()
	a.logger = l
	a.mu.Unlock()
}

// GrantedPermissions returns a copy of the permission set.
func (a *App) GrantedPermissions() map[string]bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]bool, len(a.granted))
	for k, v := range a.granted {
		out[k] = v
	}
	return out
}

func (a *App) SetGrantedPermissions(perms map[string]bool) {
	a.mu.Lock()
	a.granted = perms
	a.mu.Unlock()
}

// InMaintenance reports the per-app maintenance flag (spec §4.H, §8
// invariant 4: while true the Dispatcher answers 503 for every request).
func (a *App) InMaintenance() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.inMaintenance
}

func (a *App) SetMaintenance(v bool) {
	a.mu.Lock()
	a.inMaintenance = v
	a.mu.Unlock()
}

// MatchRoute iterates the app's compiled routes in declaration order;
// the first match wins (spec §4.F step 7a, §8 invariant 7).
func (a *App) MatchRoute(method, path string) (*Route, map[string]string, bool) {
	a.mu.RLock()
	routes := a.config.Routes
	a.mu.RUnlock()
	for i := range routes {
		if params, ok := routes[i].Match(method, path); ok {
			return &routes[i], params, true
		}
	}
	return nil, nil, false
}

// Registry is the process-wide mapping appName → App (spec §3 "App
// Registry"). Mutated only by the Lifecycle Manager and Startup
// Orchestrator (spec §5).
type Registry struct {
	mu   sync.RWMutex
	apps map[string]*App
}

func New() *Registry {
	return &Registry{apps: make(map[string]*App)}
}

// ValidName reports whether name satisfies the App Registry invariant.
func ValidName(name string) bool { return appNamePattern.MatchString(name) }

func (r *Registry) Get(name string) (*App, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.apps[name]
	return a, ok
}

func (r *Registry) Register(a *App) error {
	if !ValidName(a.Name()) {
		return boxerr.Newf(boxerr.KindValidation, boxerr.Validation, "registry: invalid app name %q", a.Name())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.apps[a.Name()]; exists {
		return boxerr.Newf(boxerr.KindConflict, boxerr.Conflict, "registry: app %q already registered", a.Name())
	}
	r.apps[a.Name()] = a
	return nil
}

// Replace atomically swaps the app at name (used by reload/upgrade).
func (r *Registry) Replace(a *App) {
	r.mu.Lock()
	r.apps[a.Name()] = a
	r.mu.Unlock()
}

func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.apps, name)
	r.mu.Unlock()
}

// Apps returns a snapshot slice satisfying reqctx.Registry.
func (r *Registry) Apps() []reqctx.App {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]reqctx.App, 0, len(r.apps))
	for _, a := range r.apps {
		out = append(out, a)
	}
	return out
}

func (r *Registry) AppNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.apps))
	for n := range r.apps {
		out = append(out, n)
	}
	return out
}

var _ reqctx.Registry = (*Registry)(nil)
var _ reqctx.App = (*App)(nil)
