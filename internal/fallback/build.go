package fallback

import (
	"context"
	"time"

	"github.com/daehan-lim/stock-insight/internal/adapters"
	"github.com/daehan-lim/stock-insight/internal/cache"
	"github.com/daehan-lim/stock-insight/internal/config"
	"github.com/daehan-lim/stock-insight/internal/observ"
	"github.com/daehan-lim/stock-insight/internal/token"
)

// FromConfig assembles the full provider set and an orchestrator over
// it. Providers that require an API key and have none configured are
// left out of the registry; the chains degrade around them. The
// returned closer releases the remote token tier, when one exists.
func FromConfig(cfg config.Root) (*Orchestrator, func(), error) {
	store := cache.New()
	historyDays := cfg.Fallback.HistoryDays

	providers := map[string]adapters.Provider{}
	scalars := map[string]adapters.ScalarProvider{}

	yahoo := adapters.NewYahooAdapter(adapters.YahooConfig{
		BaseURL:        cfg.Providers.Yahoo.BaseURL,
		TimeoutSeconds: cfg.Providers.Yahoo.TimeoutSeconds,
		RatePerMinute:  cfg.Providers.Yahoo.RateLimitPerMinute,
		HistoryDays:    historyDays,
	}, store)
	providers[yahoo.Name()] = yahoo
	scalars[yahoo.Name()] = yahoo

	if td, err := adapters.NewTwelveDataAdapter(adapters.TwelveDataConfig{
		APIKey:         cfg.Providers.TwelveData.APIKey(),
		BaseURL:        cfg.Providers.TwelveData.BaseURL,
		TimeoutSeconds: cfg.Providers.TwelveData.TimeoutSeconds,
		RatePerMinute:  cfg.Providers.TwelveData.RateLimitPerMinute,
		HistoryDays:    historyDays,
	}, store); err != nil {
		observ.Log("provider_unavailable", map[string]any{"provider": "twelvedata", "error": err.Error()})
	} else {
		providers[td.Name()] = td
		scalars[td.Name()] = td
	}

	if av, err := adapters.NewAlphaVantageAdapter(adapters.AlphaVantageConfig{
		APIKey:         cfg.Providers.AlphaVantage.APIKey(),
		BaseURL:        cfg.Providers.AlphaVantage.BaseURL,
		TimeoutSeconds: cfg.Providers.AlphaVantage.TimeoutSeconds,
		RatePerMinute:  cfg.Providers.AlphaVantage.RateLimitPerMinute,
		HistoryDays:    historyDays,
	}, store); err != nil {
		observ.Log("provider_unavailable", map[string]any{"provider": "alphavantage", "error": err.Error()})
	} else {
		providers[av.Name()] = av
	}

	stooq := adapters.NewStooqAdapter(adapters.StooqConfig{
		BaseURL:        cfg.Providers.Stooq.BaseURL,
		TimeoutSeconds: cfg.Providers.Stooq.TimeoutSeconds,
		RatePerMinute:  cfg.Providers.Stooq.RateLimitPerMinute,
		HistoryDays:    historyDays,
	}, store)
	providers[stooq.Name()] = stooq

	if dg, err := adapters.NewDataGoAdapter(adapters.DataGoConfig{
		ServiceKey:     cfg.Providers.DataGo.APIKey(),
		BaseURL:        cfg.Providers.DataGo.BaseURL,
		TimeoutSeconds: cfg.Providers.DataGo.TimeoutSeconds,
		RatePerMinute:  cfg.Providers.DataGo.RateLimitPerMinute,
		HistoryDays:    historyDays,
	}, store); err != nil {
		observ.Log("provider_unavailable", map[string]any{"provider": "datago", "error": err.Error()})
	} else {
		providers[dg.Name()] = dg
	}

	// Token tiers for KIS: memory, then the on-disk cache, then Mongo
	// when a URI is configured. Absent or unreachable Mongo downgrades
	// to the first two tiers.
	tiers := []token.Store{
		token.NewMemoryStore(),
		token.NewFileStore(cfg.Token.CachePath),
	}
	closer := func() {}
	var creds token.CredentialStore
	if cfg.MongoURI != "" {
		mongo := token.NewMongoStore(cfg.MongoURI, cfg.Token.MongoDB)
		tiers = append(tiers, mongo)
		creds = mongo
		closer = func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mongo.Close(ctx)
		}
	}
	kis := adapters.NewKISAdapter(adapters.KISConfig{
		BaseURL:        cfg.Providers.KIS.BaseURL,
		AppKeyEnv:      cfg.Providers.KIS.AppKeyEnv,
		AppSecretEnv:   cfg.Providers.KIS.AppSecretEnv,
		TimeoutSeconds: cfg.Providers.KIS.TimeoutSeconds,
		HistoryDays:    historyDays,
	}, store, tiers, creds)
	providers[kis.Name()] = kis

	settings := Settings{
		InterCallDelay: time.Duration(cfg.Fallback.InterCallDelayMs) * time.Millisecond,
		DualCallDelay:  time.Duration(cfg.Fallback.DualCallDelayMs) * time.Millisecond,
		DualTimeout:    time.Duration(cfg.Fallback.DualTimeoutSecs) * time.Second,
		EnableDual:     cfg.Fallback.EnableDualSource,
		ForcedProvider: cfg.DataSourceOverride,
		QuoteTTL:       time.Duration(cfg.Fallback.QuoteTTLMinutes) * time.Minute,
		FxTTL:          time.Duration(cfg.Fallback.FxTTLMinutes) * time.Minute,
		NewsTTL:        time.Duration(cfg.Fallback.NewsTTLMinutes) * time.Minute,
	}
	o := New(settings, store, providers, scalars, yahoo)
	return o, closer, nil
}

// Cache exposes the shared store so callers can run the eviction loop.
func (o *Orchestrator) Cache() *cache.Store { return o.cache }
