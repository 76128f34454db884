package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xypriss/xypriss/cache"
	"github.com/xypriss/xypriss/log"
	"github.com/xypriss/xypriss/web"
)

const (
	adminPrefix   = "/XyPriss"
	adminCacheTTL = time.Hour
)

// registerAdminRoutes mounts the admin endpoints as ultra-fast routes.
// Their bodies are frozen into the cache at warm-up for one hour.
func (a *App) registerAdminRoutes() {
	paths := map[string]func() interface{}{
		adminPrefix + "/health": a.healthBody,
		adminPrefix + "/status": a.statusBody,
		adminPrefix + "/ping":   pingBody,
	}
	for path, body := range paths {
		body := body
		a.Classifier.RegisterUltraFast(path)
		a.Table.Add("GET", path, nil, func(req *web.Request, res *web.Response) {
			res.Set("X-Cache", "MISS")
			res.JSON(body())
		})
	}
}

// warmAdminCache precomputes the admin bodies so the first request
// already hits the ultra-fast path.
func (a *App) warmAdminCache(ctx context.Context) {
	entries := map[string]interface{}{
		UltraFastKey("GET", adminPrefix+"/health"): a.healthBody(),
		UltraFastKey("GET", adminPrefix+"/status"): a.statusBody(),
		UltraFastKey("GET", adminPrefix+"/ping"):   pingBody(),
	}
	opts := &cache.Options{TTL: adminCacheTTL}
	for key, v := range entries {
		body, err := json.Marshal(v)
		if err != nil {
			log.Errorf("cannot marshal admin body for %q: %s", key, err)
			continue
		}
		if err := a.Cache.Set(ctx, key, body, opts); err != nil {
			log.Errorf("cannot warm admin cache for %q: %s", key, err)
		}
	}
}

func (a *App) healthBody() interface{} {
	sys := a.registry.System()
	return map[string]interface{}{
		"status":      "ok",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"service":     sys.Name,
		"version":     sys.Version,
		"environment": sys.Environment,
		"uptime":      a.registry.Uptime().Seconds(),
		"cached":      true,
	}
}

func (a *App) statusBody() interface{} {
	sys := a.registry.System()
	stats := a.Cache.GetStats()
	return map[string]interface{}{
		"status":      "ok",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"service":     sys.Name,
		"version":     sys.Version,
		"environment": sys.Environment,
		"uptime":      a.registry.Uptime().Seconds(),
		"port":        sys.Port,
		"cache": map[string]interface{}{
			"strategy": a.Cache.Strategy(),
			"health":   a.Cache.GetHealth(),
			"entries":  stats.Entries,
			"hitRatio": stats.HitRatio(),
		},
		"middleware": a.Chain.List(),
		"plugins":    a.Plugins.GetPluginStats(),
		"cached":     true,
	}
}

func pingBody() interface{} {
	return map[string]interface{}{
		"pong":      true,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}
