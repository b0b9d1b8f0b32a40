// Package dispatcher implements the top-level per-request algorithm of
// spec §4.F: URL → app → route → script resolution, static serving, SPA
// fallback, gzip, and directory-index redirect.
//
// Grounded on the teacher's gin_server.go route-group setup and
// handleGinRoot/setupStaticRoutes static-vs-dynamic branching, rebuilt
// here as a single catch-all Gin route since boxhost's routes are data
// (compiled from app.json) rather than compile-time Gin routes.
package dispatcher

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"boxhost/internal/authtoken"
	"boxhost/internal/cache"
	"boxhost/internal/loader"
	"boxhost/internal/pathresolver"
	"boxhost/internal/reqctx"
	"boxhost/internal/reqmiddleware"
	"boxhost/internal/registry"
)

// Config configures one Dispatcher instance (spec §6).
type Config struct {
	DefaultApp        string
	PrivilegedApps    map[string]bool
	MaxBodySize       int64
	ContentEncoding   bool
	GlobalModulesRoot string
	AllowedModules    map[string]bool
}

// Dispatcher owns the catch-all Gin engine and wires every other
// component together per request.
type Dispatcher struct {
	registry   *registry.Registry
	loader     *loader.Loader
	cacheSvc   *cache.Service
	cfg        Config
	logger     *log.Logger
	staticCache *cache.Service
}

func New(reg *registry.Registry, ld *loader.Loader, cacheSvc *cache.Service, cfg Config, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{registry: reg, loader: ld, cacheSvc: cacheSvc, cfg: cfg, logger: logger, staticCache: cacheSvc}
}

// Engine builds the Gin engine with exactly one catch-all route, the way
// §4 COMPONENT DESIGN describes: route patterns are data, not compile-
// time Gin routes.
func (d *Dispatcher) Engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if d.cfg.ContentEncoding {
		r.Use(gzip.Gzip(gzip.DefaultCompression))
	}
	d.Install(r)
	return r
}

// Install registers the dispatcher's catch-all route onto an existing
// engine. Callers that need to mount additional explicit routes (e.g.
// internal/server's Lifecycle Manager HTTP surface or a healthz
// endpoint) must register those first and then call Install — gin's
// router gives a static path priority over the "/*path" wildcard, so
// the two coexist on one listener.
func (d *Dispatcher) Install(r *gin.Engine) {
	r.NoRoute(d.handle)
	r.NoMethod(d.handle)
	r.Any("/*path", d.handle)
}

// Healthz reports a public liveness summary (registry size,
// in-maintenance app count) — operational, not app data, so it carries
// no auth gate (spec.md Non-goals don't cover ops endpoints; see
// SPEC_FULL.md "SUPPLEMENTED FEATURES").
func (d *Dispatcher) Healthz(c *gin.Context) {
	names := d.registry.AppNames()
	inMaintenance := 0
	for _, n := range names {
		if a, ok := d.registry.Get(n); ok && a.InMaintenance() {
			inMaintenance++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"apps":           len(names),
		"in_maintenance": inMaintenance,
	})
}

func (d *Dispatcher) handle(c *gin.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			if !c.Writer.Written() {
				c.String(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR - %v", rec)
			}
		}
	}()

	reqURL := c.Request.URL
	path := reqURL.Path

	// Step 1: "/" rewrites to "/<defaultApp>/" preserving the query string.
	if path == "/" && d.cfg.DefaultApp != "" {
		path = "/" + d.cfg.DefaultApp + "/"
	}

	appName, rest := splitFirstSegment(path)
	app, ok := d.registry.Get(appName)

	// Step 2: SPA inference via Referer — advisory only, never
	// generalised to non-SPA apps (open question resolved in DESIGN.md).
	if !ok {
		if inferred, inferredRest, inferOK := d.inferFromReferer(c, path); inferOK {
			app, ok = inferred, true
			rest = inferredRest
		}
	}

	// Step 3
	if !ok {
		c.Data(http.StatusNotFound, "text/plain; charset=utf-8", []byte("APP_NOT_FOUND"))
		return
	}

	// Step 4
	if app.InMaintenance() {
		c.Data(http.StatusServiceUnavailable, "text/html; charset=utf-8", maintenanceHTML(app.Name()))
		return
	}

	// Step 5: /<appName>/box/... is never servable.
	if rest == "box" || strings.HasPrefix(rest, "box/") {
		c.Data(http.StatusForbidden, "text/plain; charset=utf-8", []byte("ACCESS_DENIED"))
		return
	}

	cfg := app.Config()
	ctxValue := &reqctx.Value{
		App:         app,
		Registry:    d.registry,
		Logger:      app.Logger(),
		RequestID:   c.GetHeader("X-Request-Id"),
		BodySizeCap: d.cfg.MaxBodySize,
	}

	_ = reqctx.Run(c.Request.Context(), ctxValue, func(ctx context.Context) error {
		d.serve(ctx, c, app, cfg, rest)
		return nil
	})
}

// serve implements steps 6-12 of §4.F once an app and its maintenance
// status are resolved.
func (d *Dispatcher) serve(ctx context.Context, c *gin.Context, app *registry.App, cfg registry.Config, rest string) {
	urlPath := "/" + rest

	// Step 7: route selection.
	if route, params, ok := app.MatchRoute(c.Request.Method, urlPath); ok {
		d.runScript(ctx, c, app, cfg, route.ScriptPath, params)
		return
	}
	if filepath.Ext(urlPath) == "" {
		candidate := filepath.Join(app.BoxRoot(), strings.TrimPrefix(urlPath, "/")+".js")
		if fileExists(candidate) {
			d.runScript(ctx, c, app, cfg, candidate, nil)
			return
		}
	}

	// No script matched: SPA or static serving.
	if cfg.Type == registry.TypeSPA {
		d.serveSPA(c, app, cfg, urlPath)
		return
	}
	d.serveStatic(c, app, cfg, urlPath)
}

func (d *Dispatcher) runScript(ctx context.Context, c *gin.Context, app *registry.App, cfg registry.Config, scriptPath string, params map[string]string) {
	resp := &ginResponseWriter{c: c}
	rv := reqmiddleware.NewResponseView(resp)

	appView := reqmiddleware.AppView{
		Name: app.Name(), Version: cfg.Version, Description: cfg.DisplayName, Env: cfg.Env,
		Token: authtoken.New(cfg.JWTSecret),
	}
	logger := reqmiddleware.NewLogger(app.Logger())

	raw := reqmiddleware.RawRequest{
		Method:      c.Request.Method,
		Path:        c.Request.URL.Path,
		URL:         c.Request.URL.String(),
		Header:      c.Request.Header,
		Query:       c.Request.URL.Query(),
		ContentType: c.ContentType(),
		ContentLen:  c.Request.ContentLength,
		Body:        c.Request.Body,
	}

	granted := app.GrantedPermissions()
	privileged := d.cfg.PrivilegedApps[app.Name()]

	loaderCfg := loader.Config{
		AppName:             app.Name(),
		GrantedPermissions:  granted,
		BoxRoot:             app.BoxRoot(),
		GlobalModulesRoot:   d.cfg.GlobalModulesRoot,
		AllowedHostBuiltins: d.cfg.AllowedModules,
		PrivilegedApps:      d.cfg.PrivilegedApps,
		UseCache:            cfg.Mode == "production",
		Logger:              app.Logger(),
	}

	mod, err := d.loader.Load(ctx, scriptPath, loaderCfg)
	if err != nil {
		if !rv.Done() {
			rv.Send(fmt.Sprintf("INTERNAL_SERVER_ERROR - %v", err), http.StatusInternalServerError, "")
		}
		return
	}
	handler, ok := mod.Export.(reqmiddleware.Handler)
	if !ok {
		rv.Send("INTERNAL_SERVER_ERROR - script did not export a handler", http.StatusInternalServerError, "")
		return
	}

	var includes []reqmiddleware.Handler
	for _, inc := range cfg.DefaultInclude {
		incMod, err := d.loader.Load(ctx, filepath.Join(app.BoxRoot(), inc), loaderCfg)
		if err != nil {
			app.Logger().Printf("dispatcher: default_include %s failed to load: %v", inc, err)
			continue
		}
		if h, ok := incMod.Export.(reqmiddleware.Handler); ok {
			includes = append(includes, h)
		}
	}

	var apps []*registry.App
	var appNames []string
	if privileged {
		for _, n := range d.registry.AppNames() {
			appNames = append(appNames, n)
			if a, ok := d.registry.Get(n); ok {
				apps = append(apps, a)
			}
		}
	}

	reqmiddleware.Entry(ctx, raw, rv, appView, logger, d.cfg.MaxBodySize, params, includes, func(ctx context.Context, g *reqmiddleware.G) error {
		g.Apps = apps
		g.AppNames = appNames
		return handler(ctx, g)
	})
}

func (d *Dispatcher) serveSPA(c *gin.Context, app *registry.App, cfg registry.Config, urlPath string) {
	if cfg.SPA == nil {
		d.serveStatic(c, app, cfg, urlPath)
		return
	}
	if cfg.Mode == "development" && cfg.SPA.DevProxyURL != "" {
		d.proxyDev(c, cfg.SPA.DevProxyURL)
		return
	}

	buildDir := filepath.Join(app.WebRoot(), cfg.SPA.BuildPath)
	candidate := filepath.Join(buildDir, strings.TrimPrefix(urlPath, "/"))
	if fileExists(candidate) && !isDir(candidate) {
		d.serveFile(c, app, cfg, candidate, urlPath)
		return
	}

	fallback := cfg.SPA.FallbackFile
	if fallback == "" {
		fallback = "index.html"
	}
	c.Header("Cache-Control", "no-store")
	c.File(filepath.Join(buildDir, fallback))
}

func (d *Dispatcher) proxyDev(c *gin.Context, devURL string) {
	target, err := url.Parse(devURL)
	if err != nil {
		c.String(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR - invalid dev proxy url")
		return
	}
	c.Redirect(http.StatusFound, target.ResolveReference(c.Request.URL).String())
}

func (d *Dispatcher) serveStatic(c *gin.Context, app *registry.App, cfg registry.Config, urlPath string) {
	resolved, err := pathresolver.Resolve(pathresolver.Roots{AppName: app.Name(), BoxRoot: app.BoxRoot(), WebRoot: app.WebRoot()}, pathresolver.ScopeWeb, app.BoxRoot(), urlPath)
	if err != nil {
		c.Data(http.StatusNotFound, "text/plain; charset=utf-8", []byte("FILE_NOT_FOUND"))
		return
	}

	if isDir(resolved) {
		idx := filepath.Join(resolved, "index.html")
		if fileExists(idx) {
			loc := strings.TrimSuffix(urlPath, "/") + "/index.html"
			if q := c.Request.URL.RawQuery; q != "" {
				loc += "?" + q
			}
			c.Redirect(http.StatusMovedPermanently, loc)
			return
		}
	}

	if !fileExists(resolved) {
		c.Data(http.StatusNotFound, "text/plain; charset=utf-8", []byte("FILE_NOT_FOUND"))
		return
	}
	d.serveFile(c, app, cfg, resolved, urlPath)
}

func (d *Dispatcher) serveFile(c *gin.Context, app *registry.App, cfg registry.Config, absPath, urlPath string) {
	if cfg.Cache.ServerCacheEnabled && d.staticCache != nil {
		var entry staticCacheEntry
		if ok, _ := d.staticCache.Get(staticKey(absPath), &entry); ok {
			if cfg.Cache.ClientCacheEnabled && !cfg.Cache.Denied(urlPath) {
				c.Header("Cache-Control", "public, max-age=3600")
			}
			c.Data(http.StatusOK, entry.ContentType, entry.Content)
			return
		}
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		c.Data(http.StatusNotFound, "text/plain; charset=utf-8", []byte("FILE_NOT_FOUND"))
		return
	}
	ct := contentTypeFor(absPath)

	if cfg.Cache.ServerCacheEnabled && d.staticCache != nil {
		_ = d.staticCache.Set(staticKey(absPath), staticCacheEntry{ContentType: ct, Content: content}, 3600)
	}
	if cfg.Cache.ClientCacheEnabled && !cfg.Cache.Denied(urlPath) {
		c.Header("Cache-Control", "public, max-age=3600")
	}
	c.Data(http.StatusOK, ct, content)
}

type staticCacheEntry struct {
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}

func staticKey(absPath string) string { return "static:" + absPath }

// inferFromReferer implements the open question resolved in DESIGN.md:
// advisory SPA-only fallback, never generalised to non-SPA apps.
func (d *Dispatcher) inferFromReferer(c *gin.Context, path string) (*registry.App, string, bool) {
	ref := c.GetHeader("Referer")
	if ref == "" {
		return nil, "", false
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return nil, "", false
	}
	name, _ := splitFirstSegment(refURL.Path)
	app, ok := d.registry.Get(name)
	if !ok || app.Config().Type != registry.TypeSPA {
		return nil, "", false
	}
	_, rest := splitFirstSegment(path)
	return app, rest, true
}

func splitFirstSegment(p string) (first, rest string) {
	p = strings.TrimPrefix(p, "/")
	first, rest, _ = strings.Cut(p, "/")
	return first, rest
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

func contentTypeFor(path string) string {
	switch filepath.Ext(path) {
	case ".html":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript; charset=utf-8"
	case ".json":
		return "application/json"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".svg":
		return "image/svg+xml"
	default:
		return "application/octet-stream"
	}
}

func maintenanceHTML(appName string) []byte {
	return []byte(fmt.Sprintf("<html><body><h1>%s is under maintenance</h1></body></html>", appName))
}
