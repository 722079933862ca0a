// Command fetch resolves market data for a set of symbols once and
// prints the result as JSON. It is the one-shot CLI counterpart of the
// refresher daemon.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/daehan-lim/stock-insight/internal/config"
	"github.com/daehan-lim/stock-insight/internal/fallback"
	"github.com/daehan-lim/stock-insight/internal/model"
)

type output struct {
	Stocks       map[string]*model.StockSnapshot `json:"stocks,omitempty"`
	ExchangeRate *float64                        `json:"exchangeRate,omitempty"`
	VIX          *float64                        `json:"vix,omitempty"`
	News         []model.NewsItem                `json:"news,omitempty"`
}

func main() {
	log.SetFlags(0)

	var (
		configPath = flag.String("config", "config/config.yaml", "path to yaml config")
		symbolsCSV = flag.String("symbols", "", "comma-separated symbols to fetch")
		newsFor    = flag.String("news", "", "symbol to fetch headlines for")
		newsCount  = flag.Int("news-count", 5, "max headlines")
		withFx     = flag.Bool("fx", false, "include the USD/KRW rate")
		withVix    = flag.Bool("vix", false, "include the VIX level")
		timeout    = flag.Duration("timeout", 2*time.Minute, "overall deadline")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	orch, closer, err := fallback.FromConfig(cfg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer closer()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var out output
	if *symbolsCSV != "" {
		symbols := strings.Split(*symbolsCSV, ",")
		out.Stocks = orch.FetchStocksData(ctx, symbols)
	}
	if *withFx {
		if rate, ok := orch.FetchExchangeRate(ctx); ok {
			out.ExchangeRate = &rate
		}
	}
	if *withVix {
		if vix, ok := orch.FetchVIX(ctx); ok {
			out.VIX = &vix
		}
	}
	if *newsFor != "" {
		out.News = orch.FetchNews(ctx, *newsFor, *newsCount)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("encode: %v", err)
	}
}
