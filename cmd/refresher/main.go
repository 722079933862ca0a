// Command refresher keeps a watchlist of symbols warm on a cron
// schedule so interactive callers hit the cache instead of the
// providers. It also refreshes the exchange rate and VIX each cycle.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/daehan-lim/stock-insight/internal/config"
	"github.com/daehan-lim/stock-insight/internal/fallback"
	"github.com/daehan-lim/stock-insight/internal/observ"
)

func main() {
	log.SetFlags(0)

	configPath := flag.String("config", "config/config.yaml", "path to yaml config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if len(cfg.Refresher.Watchlist) == 0 {
		log.Fatal("refresher: empty watchlist, nothing to do")
	}

	orch, closer, err := fallback.FromConfig(cfg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer closer()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go orch.Cache().CleanupLoop(ctx, time.Minute)

	refresh := func() {
		start := time.Now()
		results := orch.FetchStocksData(ctx, cfg.Refresher.Watchlist)
		if rate, ok := orch.FetchExchangeRate(ctx); ok {
			observ.SetGauge("usdkrw_rate", rate, nil)
		}
		if vix, ok := orch.FetchVIX(ctx); ok {
			observ.SetGauge("vix_level", vix, nil)
		}
		observ.Log("refresh_cycle_done", map[string]any{
			"requested":   len(cfg.Refresher.Watchlist),
			"resolved":    len(results),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.Refresher.Schedule, refresh); err != nil {
		log.Fatalf("schedule %q: %v", cfg.Refresher.Schedule, err)
	}

	observ.Log("refresher_started", map[string]any{
		"schedule":  cfg.Refresher.Schedule,
		"watchlist": cfg.Refresher.Watchlist,
	})
	refresh() // warm immediately, then follow the schedule
	c.Start()

	<-ctx.Done()
	observ.Log("refresher_stopping", map[string]any{"reason": ctx.Err().Error()})
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		observ.Log("refresher_stop_timeout", nil)
	}
	os.Exit(0)
}
