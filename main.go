package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xypriss/xypriss/app"
	"github.com/xypriss/xypriss/cluster"
	"github.com/xypriss/xypriss/config"
	"github.com/xypriss/xypriss/internal/sysinfo"
	"github.com/xypriss/xypriss/log"
	"github.com/xypriss/xypriss/plugin"
)

var configFile = flag.String("config", "xypriss.yml", "Server configuration filename")

func main() {
	if len(os.Args) > 1 && os.Args[1] == "sys" {
		os.Exit(sysinfo.Run(os.Args[2:], os.Stdout))
	}
	flag.Parse()

	log.Infof("Loading config: %s", *configFile)
	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		log.Fatalf("error while loading config: %s", err)
	}
	log.Infof("Loading config %q: successful", *configFile)

	if cfg.Cluster.Enabled && !cluster.IsWorker() {
		runMaster(cfg)
		return
	}
	runServer(cfg)
}

// runMaster supervises the worker fleet. Unless master_serves is
// disabled it also accepts connections as a peer worker, sharing the
// port with the fleet via SO_REUSEPORT.
func runMaster(cfg *config.Config) {
	sup, err := cluster.NewSupervisor(cfg.Cluster.Config)
	if err != nil {
		log.Fatalf("cannot create supervisor: %s", err)
	}
	sup.OnEvent = func(ev cluster.Event) {
		switch ev.Type {
		case cluster.EventWorkerCrashed, cluster.EventCriticalIssue:
			log.Errorf("cluster: %s worker=%d %s", ev.Type, ev.WorkerID, ev.Message)
		default:
			log.Infof("cluster: %s worker=%d %s", ev.Type, ev.WorkerID, ev.Message)
		}
	}
	if cfg.Cluster.Config.MaxWorkers > 0 {
		sup.LoadSignal = func() float64 {
			load := 0.0
			for _, w := range sup.GetAllWorkers() {
				load += float64(w.InFlight)
			}
			return load
		}
		sup.HighWater = 64
		sup.LowWater = 8
	}

	if err := sup.StartCluster(); err != nil {
		log.Fatalf("cannot start cluster: %s", err)
	}

	var a *app.App
	if cfg.Cluster.Config.MasterServes {
		if a, err = app.New(cfg); err != nil {
			log.Fatalf("cannot assemble server: %s", err)
		}
		if err := registerPlugins(context.Background(), a, cfg.Plugins); err != nil {
			log.Fatalf("cannot register plugins: %s", err)
		}
		if err := a.Start(context.Background()); err != nil {
			log.Fatalf("cannot start server: %s", err)
		}
		log.Infof("master serving on port %d alongside %d workers", a.Port(), sup.WorkerCount())
	}

	if len(cfg.Cluster.Config.WatchPaths) > 0 {
		w, err := cluster.StartWatcher(cfg.Cluster.Config.WatchPaths, time.Duration(cfg.Cluster.Config.WatchDebounce), func() {
			log.Infof("watched files changed; rolling cluster restart")
			if err := sup.RestartCluster(); err != nil {
				log.Errorf("rolling restart failed: %s", err)
			}
		})
		if err != nil {
			log.Fatalf("cannot watch %v: %s", cfg.Cluster.Config.WatchPaths, err)
		}
		defer w.Stop()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	for s := range c {
		switch s {
		case syscall.SIGHUP:
			log.Infof("SIGHUP received; rolling cluster restart")
			if a != nil {
				if err := a.Reload(*configFile); err != nil {
					log.Errorf("error while reloading config: %s", err)
				}
			}
			if err := sup.RestartCluster(); err != nil {
				log.Errorf("rolling restart failed: %s", err)
			}
		case syscall.SIGINT, syscall.SIGTERM:
			log.Infof("%s received; stopping cluster", s)
			sup.StopCluster()
			if a != nil {
				shutdown(a, cfg)
			}
			return
		}
	}
}

// runServer serves requests, either standalone or as a cluster worker.
func runServer(cfg *config.Config) {
	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("cannot assemble server: %s", err)
	}

	ctx := context.Background()
	if err := registerPlugins(ctx, a, cfg.Plugins); err != nil {
		log.Fatalf("cannot register plugins: %s", err)
	}

	var worker *cluster.Worker
	if cluster.IsWorker() {
		worker = cluster.NewWorker()
		worker.InFlight = a.InFlight
		ctx = worker.Run(ctx)
		log.Infof("worker %d attached to supervisor", cluster.WorkerID())
	}

	if err := a.Start(ctx); err != nil {
		log.Fatalf("cannot start server: %s", err)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-ctx.Done():
			log.Infof("supervisor ordered shutdown")
			shutdown(a, cfg)
			if worker != nil {
				worker.Stop()
			}
			return
		case s := <-c:
			switch s {
			case syscall.SIGHUP:
				log.Infof("SIGHUP received. Going to reload config %s ...", *configFile)
				if err := a.Reload(*configFile); err != nil {
					log.Errorf("error while reloading config: %s", err)
					continue
				}
				log.Infof("Reloading config %s: successful", *configFile)
			case syscall.SIGINT, syscall.SIGTERM:
				log.Infof("%s received; draining", s)
				shutdown(a, cfg)
				if worker != nil {
					worker.Stop()
				}
				return
			}
		}
	}
}

func shutdown(a *app.App, cfg *config.Config) {
	grace := time.Duration(cfg.Cluster.Config.GracePeriod)
	if grace <= 0 {
		grace = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		log.Errorf("shutdown: %s", err)
	}
}

// registerPlugins materializes the configured builtin plugins and applies
// their per-plugin hook permissions.
func registerPlugins(ctx context.Context, a *app.App, cfg config.Plugins) error {
	for _, ref := range cfg.Register {
		p, err := plugin.NewBuiltin(ref.ID, ref.Type, ref.Priority, ref.Config)
		if err != nil {
			return err
		}
		var allowed []plugin.Hook
		if hooks, ok := cfg.Permissions[ref.ID]; ok {
			allowed = make([]plugin.Hook, 0, len(hooks))
			for _, h := range hooks {
				allowed = append(allowed, plugin.Hook(h))
			}
		}
		if err := a.Plugins.Register(ctx, p, allowed); err != nil {
			return err
		}
	}
	return nil
}
