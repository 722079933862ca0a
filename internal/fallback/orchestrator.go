// Package fallback orchestrates provider chains per market segment.
// Providers are tried in a fixed priority order; the first non-empty
// batch result wins the whole segment, and failures only ever promote to
// the next provider.
package fallback

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/daehan-lim/stock-insight/internal/adapters"
	"github.com/daehan-lim/stock-insight/internal/cache"
	"github.com/daehan-lim/stock-insight/internal/model"
	"github.com/daehan-lim/stock-insight/internal/observ"
	"github.com/daehan-lim/stock-insight/internal/recon"
	"github.com/daehan-lim/stock-insight/internal/validate"
)

// Market segments.
type Market string

const (
	MarketUS Market = "us"
	MarketKR Market = "kr"
)

// stepDual marks the cross-validated dual-provider attempt in a chain.
const stepDual = "dual"

// Settings is the orchestrator's declarative configuration, constructed
// once at startup.
type Settings struct {
	InterCallDelay time.Duration // spacing between per-symbol calls
	DualCallDelay  time.Duration // larger spacing for the dual path
	DualTimeout    time.Duration // ceiling for one dual segment attempt
	EnableDual     bool
	ForcedProvider string // overrides chains with a single provider
	DualPrimary    string
	DualSecondary  string

	QuoteTTL time.Duration
	FxTTL    time.Duration
	NewsTTL  time.Duration
}

func (s *Settings) defaults() {
	if s.InterCallDelay <= 0 {
		s.InterCallDelay = 300 * time.Millisecond
	}
	if s.DualCallDelay <= 0 {
		s.DualCallDelay = 800 * time.Millisecond
	}
	if s.DualTimeout <= 0 {
		s.DualTimeout = 30 * time.Second
	}
	if s.DualPrimary == "" {
		s.DualPrimary = "yahoo"
	}
	if s.DualSecondary == "" {
		s.DualSecondary = "twelvedata"
	}
	if s.QuoteTTL <= 0 {
		s.QuoteTTL = 10 * time.Minute
	}
	if s.FxTTL <= 0 {
		s.FxTTL = time.Hour
	}
	if s.NewsTTL <= 0 {
		s.NewsTTL = 15 * time.Minute
	}
}

// Orchestrator partitions batch requests by market and walks each
// segment's chain sequentially with paced calls. The US and KR chains
// run concurrently relative to each other: their provider rate budgets
// are disjoint.
type Orchestrator struct {
	settings Settings
	cache    *cache.Store

	providers map[string]adapters.Provider
	scalars   map[string]adapters.ScalarProvider
	news      adapters.NewsProvider

	usChain     []string
	krChain     []string
	scalarChain []string
}

// New builds an orchestrator over already-constructed providers.
// Chains reference providers by name; unknown names are skipped at
// attempt time so a missing optional provider degrades instead of
// failing construction.
func New(settings Settings, store *cache.Store, providers map[string]adapters.Provider,
	scalars map[string]adapters.ScalarProvider, news adapters.NewsProvider) *Orchestrator {

	settings.defaults()
	if store == nil {
		store = cache.New()
	}
	o := &Orchestrator{
		settings:    settings,
		cache:       store,
		providers:   providers,
		scalars:     scalars,
		news:        news,
		usChain:     []string{stepDual, "twelvedata", "alphavantage", "stooq"},
		krChain:     []string{stepDual, "twelvedata", "datago", "kis"},
		scalarChain: []string{"twelvedata", "yahoo"},
	}
	if !settings.EnableDual {
		o.usChain = o.usChain[1:]
		o.krChain = o.krChain[1:]
	}
	if settings.ForcedProvider != "" {
		forced := []string{settings.ForcedProvider}
		o.usChain, o.krChain = forced, forced
		observ.Log("fallback_provider_forced", map[string]any{"provider": settings.ForcedProvider})
	}
	observ.Log("fallback_chains_built", map[string]any{
		"us": o.usChain, "kr": o.krChain, "scalar": o.scalarChain,
	})
	return o
}

// MarketOf partitions a symbol: 6-digit codes and .KS/.KQ suffixes are
// Korean, everything else trades in the US.
func MarketOf(symbol string) Market {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if strings.HasSuffix(s, ".KS") || strings.HasSuffix(s, ".KQ") {
		return MarketKR
	}
	if len(s) == 6 {
		numeric := true
		for _, r := range s {
			if r < '0' || r > '9' {
				numeric = false
				break
			}
		}
		if numeric {
			return MarketKR
		}
	}
	return MarketUS
}

// FetchStocksData resolves a batch of symbols across both market
// segments. The result contains whatever subset succeeded; a missing
// symbol means data is currently unavailable, never an error.
func (o *Orchestrator) FetchStocksData(ctx context.Context, symbols []string) map[string]*model.StockSnapshot {
	partitions := map[Market][]string{}
	for _, sym := range symbols {
		s := strings.ToUpper(strings.TrimSpace(sym))
		if s == "" {
			continue
		}
		m := MarketOf(s)
		partitions[m] = append(partitions[m], s)
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]*model.StockSnapshot, len(symbols))
	)
	for market, syms := range partitions {
		wg.Add(1)
		go func(market Market, syms []string) {
			defer wg.Done()
			segment := o.fetchSegment(ctx, market, syms)
			mu.Lock()
			for k, v := range segment {
				results[k] = v
			}
			mu.Unlock()
		}(market, syms)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) chainFor(market Market) []string {
	if market == MarketKR {
		return o.krChain
	}
	return o.usChain
}

// fetchSegment walks one market's chain. The first attempt with a
// non-empty result is accepted in full; there is no merge across
// providers within a segment.
func (o *Orchestrator) fetchSegment(ctx context.Context, market Market, symbols []string) map[string]*model.StockSnapshot {
	chain := o.chainFor(market)
	dualCovered := map[string]bool{}

	for _, step := range chain {
		var results map[string]*model.StockSnapshot

		if step == stepDual {
			var attempted bool
			results, attempted = o.dualAttempt(ctx, symbols)
			// A real dual attempt already consumed rate budget on both
			// of its providers; the immediately following step skips one
			// of them rather than calling it again. A dual step that
			// never ran (missing provider) covers nothing.
			if attempted {
				dualCovered = map[string]bool{o.settings.DualPrimary: true, o.settings.DualSecondary: true}
			}
		} else {
			skip := dualCovered[step]
			dualCovered = map[string]bool{}
			if skip {
				observ.Log("fallback_provider_skipped", map[string]any{
					"provider": step, "reason": "covered by dual attempt",
				})
				continue
			}
			provider, ok := o.providers[step]
			if !ok {
				continue
			}
			results = o.pacedBatch(ctx, provider, symbols, o.settings.InterCallDelay)
		}

		if len(results) > 0 {
			observ.IncCounter("fallback_segment_served_total", map[string]string{
				"market": string(market), "step": step,
			})
			return results
		}
		observ.Log("fallback_promote", map[string]any{
			"market": string(market), "failed_step": step,
		})
	}

	observ.Log("fallback_chain_exhausted", map[string]any{
		"market": string(market), "symbols": symbols,
	})
	return map[string]*model.StockSnapshot{}
}

// pacedBatch fetches symbols strictly sequentially, spaced by delay.
// Rate limits, not CPU, are the binding constraint here.
func (o *Orchestrator) pacedBatch(ctx context.Context, p adapters.Provider, symbols []string, delay time.Duration) map[string]*model.StockSnapshot {
	limiter := rate.NewLimiter(rate.Every(delay), 1)
	results := make(map[string]*model.StockSnapshot, len(symbols))

	for _, symbol := range symbols {
		if err := limiter.Wait(ctx); err != nil {
			return results
		}
		snap, err := p.FetchQuote(ctx, symbol)
		if err != nil {
			observ.Log("fallback_symbol_error", map[string]any{
				"provider": p.Name(), "symbol": symbol,
				"kind": string(adapters.KindOf(err)), "error": err.Error(),
			})
			continue
		}
		results[snap.Symbol] = snap
	}
	return results
}

// dualAttempt fetches each symbol from both the primary and secondary
// provider, reconciles the pair, and annotates the result with the
// consistency report. It performs twice the calls per symbol, hence the
// larger spacing and its own timeout ceiling.
func (o *Orchestrator) dualAttempt(ctx context.Context, symbols []string) (map[string]*model.StockSnapshot, bool) {
	primary, okP := o.providers[o.settings.DualPrimary]
	secondary, okS := o.providers[o.settings.DualSecondary]
	if !okP || !okS {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, o.settings.DualTimeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(o.settings.DualCallDelay), 1)
	results := make(map[string]*model.StockSnapshot, len(symbols))

	for _, symbol := range symbols {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		key := fmt.Sprintf("quote:dual:%s", symbol)
		snap, err := cache.With(o.cache, key, o.settings.QuoteTTL, func() (*model.StockSnapshot, error) {
			return o.dualFetch(ctx, primary, secondary, symbol)
		})
		if err != nil {
			observ.Log("fallback_dual_symbol_error", map[string]any{
				"symbol": symbol, "error": err.Error(),
			})
			continue
		}
		results[snap.Symbol] = snap
	}
	return results, true
}

func (o *Orchestrator) dualFetch(ctx context.Context, primary, secondary adapters.Provider, symbol string) (*model.StockSnapshot, error) {
	pSnap, pErr := primary.FetchQuote(ctx, symbol)
	sSnap, sErr := secondary.FetchQuote(ctx, symbol)
	if pErr != nil && sErr != nil {
		return nil, fmt.Errorf("both dual providers failed: %v; %v", pErr, sErr)
	}

	result := recon.Reconcile(pSnap, sSnap)
	if result.Snapshot == nil {
		return nil, fmt.Errorf("reconciliation yielded no snapshot for %s", symbol)
	}

	// Cross-check the reconciled quote against the secondary's history
	// when both sides answered. Findings annotate, they never drop data.
	if pSnap != nil && sSnap != nil {
		report := validate.Check(
			validate.Quote{Price: result.Snapshot.Price, Timestamp: result.Snapshot.FetchedAt, Source: pSnap.Source},
			historicalPoints(sSnap),
		)
		if !report.IsValid || len(report.Warnings) > 0 {
			observ.Log("consistency_report", map[string]any{
				"symbol":   symbol,
				"is_valid": report.IsValid,
				"warnings": report.Warnings,
				"errors":   report.Errors,
			})
		}
		if !report.IsValid && result.Snapshot.Confidence > recon.UsableConfidence {
			result.Snapshot.Confidence = recon.UsableConfidence
		}
	}
	return result.Snapshot, nil
}

func historicalPoints(s *model.StockSnapshot) []validate.HistoricalPoint {
	points := make([]validate.HistoricalPoint, 0, len(s.Historical))
	for i := len(s.Historical) - 1; i >= 0; i-- {
		bar := s.Historical[i]
		points = append(points, validate.HistoricalPoint{
			Close:     bar.Close,
			Timestamp: bar.Date,
			Source:    s.Source,
		})
	}
	return points
}

// FetchExchangeRate returns the USD/KRW rate, or false when every scalar
// provider failed.
func (o *Orchestrator) FetchExchangeRate(ctx context.Context) (float64, bool) {
	return o.fetchScalar(ctx, adapters.SeriesUSDKRW)
}

// FetchVIX returns the volatility index level, or false when unavailable.
func (o *Orchestrator) FetchVIX(ctx context.Context) (float64, bool) {
	return o.fetchScalar(ctx, adapters.SeriesVIX)
}

func (o *Orchestrator) fetchScalar(ctx context.Context, series string) (float64, bool) {
	val, err := cache.With(o.cache, "scalar:"+series, o.settings.FxTTL, func() (float64, error) {
		for _, name := range o.scalarChain {
			provider, ok := o.scalars[name]
			if !ok {
				continue
			}
			v, err := provider.FetchScalar(ctx, series)
			if err != nil {
				observ.Log("scalar_provider_error", map[string]any{
					"provider": name, "series": series, "error": err.Error(),
				})
				continue
			}
			return v, nil
		}
		return 0, fmt.Errorf("all scalar providers failed for %s", series)
	})
	if err != nil {
		return 0, false
	}
	return val, true
}

// FetchNews returns up to count recent headlines for symbol. Unavailable
// news is an empty slice, not an error.
func (o *Orchestrator) FetchNews(ctx context.Context, symbol string, count int) []model.NewsItem {
	if o.news == nil {
		return nil
	}
	key := fmt.Sprintf("news:%s:%d", strings.ToUpper(symbol), count)
	items, err := cache.With(o.cache, key, o.settings.NewsTTL, func() ([]model.NewsItem, error) {
		return o.news.FetchNews(ctx, symbol, count)
	})
	if err != nil {
		observ.Log("news_fetch_error", map[string]any{"symbol": symbol, "error": err.Error()})
		return nil
	}
	return items
}
