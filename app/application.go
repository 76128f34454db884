package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xypriss/xypriss/cache"
	"github.com/xypriss/xypriss/clients"
	"github.com/xypriss/xypriss/cluster"
	"github.com/xypriss/xypriss/config"
	"github.com/xypriss/xypriss/log"
	"github.com/xypriss/xypriss/middleware"
	"github.com/xypriss/xypriss/netplug"
	"github.com/xypriss/xypriss/plugin"
	"github.com/xypriss/xypriss/ports"
	"github.com/xypriss/xypriss/router"
	"github.com/xypriss/xypriss/secure"
	"github.com/xypriss/xypriss/web"
)

// Version is stamped at build time.
var Version = "dev"

// App is one configured application server instance.
type App struct {
	registry *config.Registry

	Chain      *middleware.Chain
	Table      *router.Table
	Classifier *Classifier
	Cache      *cache.SecureCache
	Plugins    *plugin.Engine
	Dispatcher *Dispatcher

	limiter     *Limiter
	compressor  *netplug.Compressor
	rateLimiter *netplug.RateLimiter
	proxy       *netplug.Proxy
	interceptor *log.Interceptor

	portMgr *ports.Manager
	srv     *http.Server
	ln      net.Listener
	port    int

	readyCh chan struct{}
	doneCh  chan error
}

// New assembles an application from the merged configuration.
func New(cfg *config.Config) (*App, error) {
	registry, err := config.NewRegistry(cfg, config.System{
		Name:    "xypriss",
		Version: Version,
	})
	if err != nil {
		return nil, err
	}

	chain := middleware.NewChain(0)
	table := router.NewTable()
	classifier := NewClassifier(chain)
	limiter := NewLimiter(cfg.Requests.Concurrency)
	engine := plugin.NewEngine()

	sc, err := buildCache(cfg.Cache)
	if err != nil {
		return nil, err
	}

	a := &App{
		registry:   registry,
		Chain:      chain,
		Table:      table,
		Classifier: classifier,
		Cache:      sc,
		Plugins:    engine,
		limiter:    limiter,
		readyCh:    make(chan struct{}),
		doneCh:     make(chan error, 1),
	}
	a.Dispatcher = NewDispatcher(cfg, classifier, chain, table, sc, engine, limiter)

	a.compressor = netplug.NewCompressor(cfg.Network.Compression)
	a.rateLimiter = netplug.NewRateLimiter(cfg.Network.RateLimit, sc)
	a.proxy, err = netplug.NewProxy(cfg.Network.Proxy)
	if err != nil {
		return nil, err
	}

	if cfg.Logging.ConsoleInterception.Enabled {
		a.interceptor, err = buildInterceptor(cfg.Logging.ConsoleInterception)
		if err != nil {
			return nil, err
		}
		if cfg.Logging.ConsoleInterception.TraceEnabled {
			// Surface captures to plugins subscribed to onConsoleLog.
			a.interceptor.RegisterTraceHook(func(c log.Capture) {
				engine.Fire(context.Background(), plugin.Event{
					Hook:    plugin.HookConsoleLog,
					Message: c.Message,
				})
			})
		}
		a.interceptor.Install()
	}

	a.portMgr = ports.NewManager(cfg.Server.Host, cfg.Server.AutoPortSwitch)
	a.registerAdminRoutes()
	return a, nil
}

// buildCache resolves the backend per strategy and assembles the secure
// cache.
func buildCache(cfg config.Cache) (*cache.SecureCache, error) {
	var backend cache.Backend
	switch cfg.Strategy {
	case "memory", "":
	default:
		if len(cfg.Redis.Addresses()) == 0 {
			if cfg.Strategy != "auto" {
				return nil, fmt.Errorf("cache strategy %q requires redis endpoints", cfg.Strategy)
			}
			break
		}
		client, err := clients.NewRedisClient(cfg.Redis)
		if err != nil {
			if cfg.Strategy == "auto" {
				log.Warnf("redis unreachable; auto strategy falls back to memory: %s", err)
				break
			}
			return nil, err
		}
		backend = cache.NewRedisBackend(client)
	}
	return cache.New(cfg, secure.NewProvider(), backend, nil)
}

// buildInterceptor maps the console interception config onto the log
// package's interceptor.
func buildInterceptor(cfg config.ConsoleInterception) (*log.Interceptor, error) {
	preserve, err := log.ParsePreserveMode(cfg.Preserve)
	if err != nil {
		return nil, err
	}
	ic := log.InterceptorConfig{
		MaxPerSecond:    cfg.MaxPerSecond,
		MinLevel:        cfg.MinLevel,
		MaxLength:       cfg.MaxLength,
		IncludePatterns: cfg.IncludePatterns,
		ExcludePatterns: cfg.ExcludePatterns,
		Preserve:        preserve,
		TraceEnabled:    cfg.TraceEnabled,
		TraceSize:       cfg.TraceSize,
	}
	if cfg.Encrypt {
		p := secure.NewProvider()
		key, err := p.RandomBytes(secure.KeySize)
		if err != nil {
			return nil, err
		}
		ic.Encrypt = true
		ic.Provider = p
		ic.Key = key
		ic.Display, err = log.ParseDisplayMode(cfg.Display)
		if err != nil {
			return nil, err
		}
	}
	return log.NewInterceptor(ic)
}

// InFlight reports the number of currently admitted requests.
func (a *App) InFlight() int {
	return a.limiter.InFlight()
}

// OnPortSwitch registers the auto-port-switch observer.
func (a *App) OnPortSwitch(fn ports.SwitchFunc) {
	a.portMgr.OnPortSwitch = fn
}

// Get registers a GET route.
func (a *App) Get(pattern string, handler web.HandlerFunc, middlewareIDs ...string) error {
	return a.route("GET", pattern, handler, middlewareIDs)
}

// Post registers a POST route.
func (a *App) Post(pattern string, handler web.HandlerFunc, middlewareIDs ...string) error {
	return a.route("POST", pattern, handler, middlewareIDs)
}

// Put registers a PUT route.
func (a *App) Put(pattern string, handler web.HandlerFunc, middlewareIDs ...string) error {
	return a.route("PUT", pattern, handler, middlewareIDs)
}

// Delete registers a DELETE route.
func (a *App) Delete(pattern string, handler web.HandlerFunc, middlewareIDs ...string) error {
	return a.route("DELETE", pattern, handler, middlewareIDs)
}

// Patch registers a PATCH route.
func (a *App) Patch(pattern string, handler web.HandlerFunc, middlewareIDs ...string) error {
	return a.route("PATCH", pattern, handler, middlewareIDs)
}

// All registers a route matching any method.
func (a *App) All(pattern string, handler web.HandlerFunc, middlewareIDs ...string) error {
	return a.route(router.MethodAll, pattern, handler, middlewareIDs)
}

func (a *App) route(method, pattern string, handler web.HandlerFunc, middlewareIDs []string) error {
	_, err := a.Table.Add(method, pattern, middlewareIDs, handler)
	if err != nil {
		return err
	}
	a.Plugins.Fire(context.Background(), plugin.Event{
		Hook:   plugin.HookRouteRegister,
		Method: method,
		Path:   pattern,
	})
	return nil
}

// Use registers a global middleware.
func (a *App) Use(opts middleware.Options) (string, error) {
	return a.Chain.Register(opts)
}

// Start binds the listener and serves until Shutdown. It returns once
// the server is accepting connections.
func (a *App) Start(ctx context.Context) error {
	cfg := a.registry.Config()

	port, err := a.portMgr.Resolve(cfg.Server.Port)
	if err != nil {
		return err
	}
	a.port = port
	a.registry.SetPort(port)

	addr := net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", port))
	var ln net.Listener
	if cfg.Cluster.Enabled || cluster.IsWorker() {
		// Workers and a serving master share the port via SO_REUSEPORT.
		ln, err = cluster.Listen(ctx, "tcp", addr)
	} else {
		var lc net.ListenConfig
		ln, err = lc.Listen(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("cannot bind %s: %w", addr, err)
	}
	a.ln = netplug.LimitListener(ln, cfg.Network.Connection)

	a.srv = &http.Server{
		Handler:           a.buildHandler(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	netplug.ConfigureServer(a.srv, cfg.Network.Connection)

	if err := a.Cache.Connect(ctx); err != nil {
		log.Warnf("cache backend unavailable at startup: %s", err)
	}
	a.warmAdminCache(ctx)

	go func() {
		a.doneCh <- a.srv.Serve(a.ln)
	}()

	if err := a.waitForReady(addr); err != nil {
		return err
	}
	close(a.readyCh)

	a.Plugins.Fire(ctx, plugin.Event{Hook: plugin.HookServerStart})
	log.Infof("serving on %s (env %q)", addr, cfg.Env)
	sdNotifyReady()
	return nil
}

// buildHandler stacks the network plugins around the dispatcher. When
// the proxy plugin is enabled it terminates requests instead of the
// route table.
func (a *App) buildHandler(cfg *config.Config) http.Handler {
	var h http.Handler = a.Dispatcher
	if a.proxy != nil {
		h = a.proxy
	}
	h = a.withMetricsEndpoint(h, cfg.Metrics)
	h = a.compressor.Wrap(h)
	h = a.rateLimiter.Wrap(h)
	return h
}

// withMetricsEndpoint mounts /metrics for allowed networks only.
func (a *App) withMetricsEndpoint(next http.Handler, cfg config.Metrics) http.Handler {
	metricsHandler := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if len(cfg.AllowedNetworks) > 0 {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil || !cfg.AllowedNetworks.Contains(host) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		}
		metricsHandler.ServeHTTP(w, r)
	})
}

func (a *App) waitForReady(addr string) error {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case err := <-a.doneCh:
			return fmt.Errorf("server exited during startup: %w", err)
		case <-time.After(50 * time.Millisecond):
		}
	}
	return fmt.Errorf("server on %s not ready within 5s", addr)
}

// Wait blocks until the serve loop exits.
func (a *App) Wait() error {
	err := <-a.doneCh
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and releases resources.
func (a *App) Shutdown(ctx context.Context) error {
	a.Plugins.Fire(ctx, plugin.Event{Hook: plugin.HookServerStop})

	var err error
	if a.srv != nil {
		err = a.srv.Shutdown(ctx)
	}
	a.Plugins.StopAll(ctx)
	if a.proxy != nil {
		a.proxy.Stop()
	}
	if a.Cache != nil {
		a.Cache.Disconnect()
	}
	if a.interceptor != nil {
		a.interceptor.Uninstall()
	}
	return err
}

// Port reports the bound port after Start.
func (a *App) Port() int { return a.port }

// Registry exposes the configuration registry.
func (a *App) Registry() *config.Registry { return a.registry }

// Reload atomically swaps in a new configuration. Only registry-visible
// settings change; listener-level settings need a restart.
func (a *App) Reload(path string) error {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return err
	}
	if err := a.registry.Update(cfg); err != nil {
		return err
	}
	log.Infof("configuration reloaded from %q", path)
	return nil
}

// sdNotifyReady signals readiness to the service manager when running
// under one.
func sdNotifyReady() {
	if os.Getenv("NOTIFY_SOCKET") == "" {
		return
	}
	if err := notifyReady(); err != nil {
		log.Errorf("cannot notify service manager: %s", err)
	}
}
