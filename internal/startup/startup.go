// Package startup implements the Startup Orchestrator (spec §4.I):
// directory bootstrap, app discovery, listener bind, signal handling.
//
// Grounded on the teacher's cmd/piccolod/main.go and gin_server.go's
// New/Start/Stop lifecycle, with readiness reported via
// coreos/go-systemd's SdNotify the way the teacher's boot sequence does.
package startup

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"

	"boxhost/internal/boxerr"
	"boxhost/internal/cache"
	"boxhost/internal/dispatcher"
	"boxhost/internal/registry"
)

// ServerConfig mirrors the recognised keys of spec §6.
type ServerConfig struct {
	HTTPEnabled   bool
	HTTPPort      int
	HTTPSEnabled  bool
	HTTPSPort     int
	HTTPSKeyFile  string
	HTTPSCertFile string

	Environment string // development|production

	WebRoot string

	ContentEncodingEnabled bool
	MaxBodySize            string

	LoggingLevel           string
	LoggingRotationDays    int
	LoggingRotationSizeMB  int

	AllowedModules  []string
	DefaultApp      string
	PrivilegedApps  []string

	CacheProvider string
	CacheTTL      int
}

// Orchestrator performs the boot sequence of spec §4.I.
type Orchestrator struct {
	cfg      ServerConfig
	logger   *log.Logger
	reg      *registry.Registry
	cacheSvc *cache.Service

	httpSrv  *http.Server
	httpsSrv *http.Server
}

func New(cfg ServerConfig, reg *registry.Registry, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{cfg: cfg, logger: logger, reg: reg}
}

// EnsureDirectories creates logs/, settings/, backups/, temp/ under
// stateRoot if they don't already exist (spec §4.I); internal/server
// passes filepath.Dir(WebRoot).
func (o *Orchestrator) EnsureDirectories(stateRoot string) error {
	for _, d := range []string{"logs", "settings", "backups", "temp"} {
		if err := os.MkdirAll(filepath.Join(stateRoot, d), 0o755); err != nil {
			return boxerr.Newf(boxerr.KindInternal, err, "startup: creating %s", d)
		}
	}
	return nil
}

// DiscoverApps scans each immediate subdirectory of the web root and
// initialises it as an app if box/app.json is present (spec §4.I).
// register is called once per discovered app; callers typically wire it
// to Registry.Register plus logger/route construction.
func (o *Orchestrator) DiscoverApps(register func(appName, appDir, boxRoot string) error) error {
	if _, err := os.Stat(o.cfg.WebRoot); err != nil {
		return boxerr.Newf(boxerr.KindValidation, err, "startup: configured web root %q does not exist", o.cfg.WebRoot)
	}
	entries, err := os.ReadDir(o.cfg.WebRoot)
	if err != nil {
		return boxerr.Newf(boxerr.KindInternal, err, "startup: scanning web root")
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		appDir := filepath.Join(o.cfg.WebRoot, e.Name())
		boxRoot := filepath.Join(appDir, "box")
		manifest := filepath.Join(boxRoot, "app.json")
		if _, err := os.Stat(manifest); err != nil {
			continue
		}
		o.logger.Printf("startup: discovered app %s", e.Name())
		if err := register(e.Name(), appDir, boxRoot); err != nil {
			o.logger.Printf("startup: failed to initialise app %s: %v", e.Name(), err)
			continue
		}
		count++
	}
	o.logger.Printf("startup: initialised %d app(s) from %s", count, o.cfg.WebRoot)
	return nil
}

// Serve binds the configured HTTP/HTTPS listeners and blocks until ctx
// is cancelled or a listener fails. A port already in use is a fatal
// diagnostic per spec §4.I / §6 process exit codes.
func (o *Orchestrator) Serve(ctx context.Context, d *dispatcher.Dispatcher) error {
	return o.ServeEngine(ctx, d.Engine())
}

// ServeEngine is the Engine-accepting counterpart of Serve, for callers
// that need to register explicit routes (e.g. internal/server's privileged
// Lifecycle Manager surface and /_boxhost/healthz) before the dispatcher's
// catch-all is installed. gin gives static routes priority over the
// "/*path" wildcard, so both coexist on the one engine/listener.
func (o *Orchestrator) ServeEngine(ctx context.Context, engine *gin.Engine) error {
	errCh := make(chan error, 2)

	if o.cfg.HTTPEnabled {
		addr := fmt.Sprintf(":%d", o.cfg.HTTPPort)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return boxerr.Newf(boxerr.KindInternal, err, "startup: HTTP listener on %s already in use", addr)
		}
		o.httpSrv = &http.Server{Handler: engine}
		go func() { errCh <- o.httpSrv.Serve(ln) }()
		o.logger.Printf("startup: HTTP listening on %s", addr)
	}

	if o.cfg.HTTPSEnabled {
		addr := fmt.Sprintf(":%d", o.cfg.HTTPSPort)
		cert, err := tls.LoadX509KeyPair(o.cfg.HTTPSCertFile, o.cfg.HTTPSKeyFile)
		if err != nil {
			return boxerr.Newf(boxerr.KindInternal, err, "startup: loading TLS material")
		}
		ln, err := tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err != nil {
			return boxerr.Newf(boxerr.KindInternal, err, "startup: HTTPS listener on %s already in use", addr)
		}
		o.httpsSrv = &http.Server{Handler: engine}
		go func() { errCh <- o.httpsSrv.Serve(ln) }()
		o.logger.Printf("startup: HTTPS listening on %s", addr)
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		o.logger.Printf("startup: sd_notify failed: %v", err)
	} else if ok {
		o.logger.Printf("startup: readiness notified to systemd")
	}

	select {
	case <-ctx.Done():
		return o.Shutdown()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return boxerr.Newf(boxerr.KindInternal, err, "startup: listener failed")
		}
		return nil
	}
}

// Shutdown gracefully stops both listeners.
func (o *Orchestrator) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var firstErr error
	if o.httpSrv != nil {
		if err := o.httpSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if o.httpsSrv != nil {
		if err := o.httpsSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WaitForSignal blocks until SIGINT/SIGTERM, then cancels ctx so
// ServeEngine's select unblocks into a graceful Shutdown. It terminates
// no child processes, and nothing in boxhost spawns dev-server processes
// (the dispatcher's SPA dev proxy answers with a redirect).
func WaitForSignal(cancel context.CancelFunc) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	cancel()
}
