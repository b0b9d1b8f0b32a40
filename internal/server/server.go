// Package server assembles boxhost's process: it loads the server
// configuration file (spec §6), constructs every core component, runs
// the Startup Orchestrator's boot sequence, and mounts the privileged
// Lifecycle Manager HTTP surface alongside the Dispatcher's catch-all
// route on one shared gin.Engine.
//
// Grounded on the teacher's gin_server.go composition-root shape
// (NewGinServer wiring appManager/serviceManager/... into one struct,
// gin.SetMode, Start/Stop) and its handleGinReadinessCheck/session
// middleware, rebuilt against boxhost's own registry/cache/loader/
// lifecycle/dispatcher/startup components instead of the teacher's
// container/cluster/consensus stack (deleted; see DESIGN.md).
package server

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"boxhost/internal/apidocs"
	"boxhost/internal/auth"
	"boxhost/internal/boxerr"
	"boxhost/internal/cache"
	"boxhost/internal/capability/db"
	"boxhost/internal/dispatcher"
	"boxhost/internal/lifecycle"
	"boxhost/internal/loader"
	"boxhost/internal/registry"
	"boxhost/internal/reqmiddleware"
	"boxhost/internal/startup"
)

// fileConfig mirrors the recognised keys of spec §6's server
// configuration file.
type fileConfig struct {
	Server struct {
		HTTP struct {
			Enabled bool `json:"enabled"`
			Port    int  `json:"port"`
		} `json:"http"`
		HTTPS struct {
			Enabled  bool   `json:"enabled"`
			Port     int    `json:"port"`
			KeyFile  string `json:"key_file"`
			CertFile string `json:"cert_file"`
		} `json:"https"`
		Environment string `json:"environment"`
	} `json:"server"`
	WebRoot         string `json:"web_root"`
	ContentEncoding struct {
		Enabled bool `json:"enabled"`
	} `json:"content_encoding"`
	MaxBodySize string `json:"max_body_size"`
	Logging     struct {
		Level    string `json:"level"`
		Rotation struct {
			PeriodDays int `json:"period_days"`
			MaxSizeMB  int `json:"max_size_mb"`
		} `json:"rotation"`
	} `json:"logging"`
	Box struct {
		AllowedModules []string `json:"allowed_modules"`
	} `json:"box"`
	DefaultApp     string   `json:"default_app"`
	PrivilegedApps []string `json:"privileged_apps"`
	Cache          struct {
		Provider   string `json:"provider"`
		TTL        int    `json:"ttl"`
		RemoteAddr string `json:"remote_addr,omitempty"`
	} `json:"cache"`
}

// Server is boxhost's composition root.
type Server struct {
	cfg       fileConfig
	stateRoot string
	logger    *log.Logger

	reg          *registry.Registry
	ld           *loader.Loader
	cacheSvc     *cache.Service
	lifecycleMgr *lifecycle.Manager
	dispatcher   *dispatcher.Dispatcher
	orchestrator *startup.Orchestrator

	authMgr       *auth.Manager
	sessions      *auth.SessionStore
	secureCookies bool
}

// New loads configPath and constructs every core component. Beyond
// reading the config file it creates <settings>/auth and loads the admin
// credential file (auth.NewManager), and with a remote cache provider it
// dials the remote backend; call Run to bootstrap the remaining
// directories, discover apps, and serve.
func New(configPath string) (*Server, error) {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, boxerr.Newf(boxerr.KindInternal, err, "server: reading config file %s", configPath)
	}
	var cfg fileConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, boxerr.Newf(boxerr.KindValidation, err, "server: parsing config file %s", configPath)
	}
	if cfg.WebRoot == "" {
		return nil, boxerr.Newf(boxerr.KindValidation, boxerr.Validation, "server: web_root is required")
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)

	maxBody, err := reqmiddleware.ParseMaxBodySize(cfg.MaxBodySize)
	if err != nil {
		return nil, boxerr.Newf(boxerr.KindValidation, err, "server: max_body_size")
	}

	webRoot, err := filepath.Abs(cfg.WebRoot)
	if err != nil {
		return nil, boxerr.Newf(boxerr.KindInternal, err, "server: resolving web_root")
	}
	stateRoot := filepath.Dir(webRoot)
	settingsRoot := filepath.Join(stateRoot, "settings")
	backupsRoot := filepath.Join(stateRoot, "backups")
	logsRoot := filepath.Join(stateRoot, "logs")

	reg := registry.New()
	ld := loader.New()
	dbPool := db.NewPool()
	cacheSvc, err := cache.New(cache.Config{
		Provider:   cfg.Cache.Provider,
		RemoteAddr: cfg.Cache.RemoteAddr,
	}, logger)
	if err != nil {
		return nil, err
	}

	privileged := map[string]bool{}
	for _, a := range cfg.PrivilegedApps {
		privileged[a] = true
	}
	allowedModules := map[string]bool{}
	for _, m := range cfg.Box.AllowedModules {
		allowedModules[m] = true
	}

	// GlobalModulesRoot is left empty, matching the Dispatcher's own
	// dispatcher.Config default below — no server config key names one
	// (spec §6 doesn't define a global_modules_root key).
	lifecycleMgr := lifecycle.New(webRoot, backupsRoot, settingsRoot, logsRoot, reg, ld, cacheSvc, dbPool, lifecycle.LoaderDefaults{
		AllowedHostBuiltins: allowedModules,
		PrivilegedApps:      privileged,
	})

	disp := dispatcher.New(reg, ld, cacheSvc, dispatcher.Config{
		DefaultApp:      cfg.DefaultApp,
		PrivilegedApps:  privileged,
		MaxBodySize:     maxBody,
		ContentEncoding: cfg.ContentEncoding.Enabled,
		AllowedModules:  allowedModules,
	}, logger)

	orchestrator := startup.New(startup.ServerConfig{
		HTTPEnabled:            cfg.Server.HTTP.Enabled,
		HTTPPort:               cfg.Server.HTTP.Port,
		HTTPSEnabled:           cfg.Server.HTTPS.Enabled,
		HTTPSPort:              cfg.Server.HTTPS.Port,
		HTTPSKeyFile:           cfg.Server.HTTPS.KeyFile,
		HTTPSCertFile:          cfg.Server.HTTPS.CertFile,
		Environment:            cfg.Server.Environment,
		WebRoot:                webRoot,
		ContentEncodingEnabled: cfg.ContentEncoding.Enabled,
		MaxBodySize:            cfg.MaxBodySize,
		LoggingLevel:           cfg.Logging.Level,
		LoggingRotationDays:    cfg.Logging.Rotation.PeriodDays,
		LoggingRotationSizeMB:  cfg.Logging.Rotation.MaxSizeMB,
		AllowedModules:         cfg.Box.AllowedModules,
		DefaultApp:             cfg.DefaultApp,
		PrivilegedApps:         cfg.PrivilegedApps,
		CacheProvider:          cfg.Cache.Provider,
		CacheTTL:               cfg.Cache.TTL,
	}, reg, logger)

	authMgr, err := auth.NewManager(settingsRoot)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:           cfg,
		stateRoot:     stateRoot,
		logger:        logger,
		reg:           reg,
		ld:            ld,
		cacheSvc:      cacheSvc,
		lifecycleMgr:  lifecycleMgr,
		dispatcher:    disp,
		orchestrator:  orchestrator,
		authMgr:       authMgr,
		sessions:      auth.NewSessionStore(),
		secureCookies: cfg.Server.Environment == "production",
	}, nil
}

// Run bootstraps state directories, discovers already-installed apps,
// builds the Gin engine (privileged routes first, dispatcher catch-all
// last), and blocks serving until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.orchestrator.EnsureDirectories(s.stateRoot); err != nil {
		return err
	}
	if err := s.orchestrator.DiscoverApps(func(appName, appDir, boxRoot string) error {
		return s.lifecycleMgr.RegisterExisting(appName)
	}); err != nil {
		return err
	}

	if _, err := apidocs.Load(); err != nil {
		return boxerr.Newf(boxerr.KindInternal, err, "server: embedded OpenAPI document is invalid")
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	if s.cfg.ContentEncoding.Enabled {
		r.Use(gzip.Gzip(gzip.DefaultCompression))
	}

	s.registerPrivilegedRoutes(r)
	s.dispatcher.Install(r)

	return s.orchestrator.ServeEngine(ctx, r)
}

// Shutdown gracefully stops the listeners started by Run.
func (s *Server) Shutdown() error {
	return s.orchestrator.Shutdown()
}

// engineForTest builds the same Gin engine Run serves, without binding a
// listener, so tests can drive it with httptest directly.
func (s *Server) engineForTest() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(gin.Recovery())
	s.registerPrivilegedRoutes(r)
	s.dispatcher.Install(r)
	return r
}

// registerPrivilegedRoutes mounts /_boxhost/... routes. These are plain
// Gin routes registered before the dispatcher's "/*path" catch-all, so
// gin's static-route priority lets both coexist on the one engine.
func (s *Server) registerPrivilegedRoutes(r *gin.Engine) {
	r.GET("/_boxhost/healthz", s.dispatcher.Healthz)
	r.GET("/_boxhost/openapi.yaml", func(c *gin.Context) {
		c.Data(200, "application/yaml", apidocs.Spec)
	})

	authGroup := r.Group("/_boxhost/api/v1/auth")
	authGroup.POST("/setup", s.handleSetup)
	authGroup.POST("/login", s.handleLogin)
	authGroup.POST("/logout", s.requireSession(), s.handleLogout)
	authGroup.POST("/password", s.requireSession(), s.requireCSRF(), s.handleChangePassword)

	apps := r.Group("/_boxhost/api/v1/apps", s.requireSession(), s.requireCSRF())
	apps.POST("/:name/install", s.handleInstall)
	apps.POST("/:name/upgrade", s.handleUpgrade)
	apps.POST("/:name/rollback", s.handleRollback)
	apps.DELETE("/:name", s.handleDelete)
	apps.POST("/:name/reload", s.handleReload)
	apps.POST("/:name/permissions", s.handleSetPermissions)
}
