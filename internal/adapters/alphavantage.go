package adapters

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/daehan-lim/stock-insight/internal/cache"
	"github.com/daehan-lim/stock-insight/internal/model"
)

// AlphaVantageAdapter is the tertiary quote/history provider. The free
// tier signals rate limiting in-band on HTTP 200 via Note/Information.
type AlphaVantageAdapter struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	cache       *cache.Store
	cacheTTL    time.Duration
	historyDays int

	mu              sync.Mutex
	requestsToday   int
	dailyCap        int
	budgetResetTime time.Time
}

type AlphaVantageConfig struct {
	APIKey          string
	BaseURL         string
	TimeoutSeconds  int
	RatePerMinute   int
	DailyCap        int
	CacheTTLSeconds int
	HistoryDays     int
}

func NewAlphaVantageAdapter(cfg AlphaVantageConfig, store *cache.Store) (*AlphaVantageAdapter, error) {
	if cfg.APIKey == "" {
		return nil, NewFatalError("alphavantage", "API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.alphavantage.co"
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 5 // free tier limit
	}
	if cfg.DailyCap <= 0 {
		cfg.DailyCap = 300
	}
	if cfg.CacheTTLSeconds <= 0 {
		cfg.CacheTTLSeconds = 600
	}
	if cfg.HistoryDays <= 0 {
		cfg.HistoryDays = 120
	}
	if store == nil {
		store = cache.New()
	}
	return &AlphaVantageAdapter{
		apiKey:          cfg.APIKey,
		baseURL:         cfg.BaseURL,
		httpClient:      &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		limiter:         rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60), 1),
		cache:           store,
		cacheTTL:        time.Duration(cfg.CacheTTLSeconds) * time.Second,
		historyDays:     cfg.HistoryDays,
		dailyCap:        cfg.DailyCap,
		budgetResetTime: time.Now().Add(24 * time.Hour),
	}, nil
}

func (av *AlphaVantageAdapter) Name() string { return "alphavantage" }

func (av *AlphaVantageAdapter) FetchQuote(ctx context.Context, symbol string) (*model.StockSnapshot, error) {
	key := "alphavantage:quote:" + symbol
	return cache.With(av.cache, key, av.cacheTTL, func() (*model.StockSnapshot, error) {
		return av.fetchQuote(ctx, symbol)
	})
}

func (av *AlphaVantageAdapter) FetchBatch(ctx context.Context, symbols []string) map[string]*model.StockSnapshot {
	return batchFetch(ctx, av, symbols)
}

// avDaily mirrors TIME_SERIES_DAILY. Alpha Vantage uses numbered field keys.
type avDaily struct {
	Series       map[string]map[string]string `json:"Time Series (Daily)"`
	ErrorMessage string                       `json:"Error Message"`
	Note         string                       `json:"Note"`
	Information  string                       `json:"Information"`
}

type avGlobalQuote struct {
	GlobalQuote  map[string]string `json:"Global Quote"`
	ErrorMessage string            `json:"Error Message"`
	Note         string            `json:"Note"`
	Information  string            `json:"Information"`
}

func (av *AlphaVantageAdapter) fetchQuote(ctx context.Context, symbol string) (*model.StockSnapshot, error) {
	bars, err := av.fetchDaily(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(bars) > av.historyDays {
		bars = bars[len(bars)-av.historyDays:]
	}

	snap := &model.StockSnapshot{
		Symbol:     symbol,
		Historical: bars,
		Source:     av.Name(),
		FetchedAt:  time.Now().UTC(),
	}

	// GLOBAL_QUOTE carries the live price and day change; fall back to the
	// series tail when it is unavailable (budget, rate limit).
	if quote, qerr := av.fetchGlobalQuote(ctx, symbol); qerr == nil {
		snap.Price = quote.price
		snap.Change = quote.change
		snap.ChangePercent = quote.changePct
		snap.Volume = quote.volume
	} else {
		latest := bars[len(bars)-1]
		prev := latest
		if len(bars) > 1 {
			prev = bars[len(bars)-2]
		}
		snap.Price = latest.Close
		snap.Change = latest.Close - prev.Close
		if prev.Close > 0 {
			snap.ChangePercent = snap.Change / prev.Close * 100
		}
		snap.Volume = latest.Volume
	}

	if err := model.ValidateSnapshot(snap); err != nil {
		return nil, NewTransientError(av.Name(), symbol, "invalid snapshot from provider", err)
	}
	return snap, nil
}

func (av *AlphaVantageAdapter) fetchDaily(ctx context.Context, symbol string) ([]model.DailyBar, error) {
	body, err := av.call(ctx, symbol, url.Values{
		"function":   {"TIME_SERIES_DAILY"},
		"symbol":     {symbol},
		"outputsize": {"compact"},
	})
	if err != nil {
		return nil, err
	}

	var daily avDaily
	if err := json.Unmarshal(body, &daily); err != nil {
		return nil, NewTransientError(av.Name(), symbol, "malformed response", err)
	}
	if err := av.inBandError(symbol, daily.ErrorMessage, daily.Note, daily.Information); err != nil {
		return nil, err
	}
	if len(daily.Series) == 0 {
		return nil, NewNotFoundError(av.Name(), symbol)
	}

	bars := make([]model.DailyBar, 0, len(daily.Series))
	for dateStr, fields := range daily.Series {
		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}
		o, _ := strconv.ParseFloat(fields["1. open"], 64)
		h, _ := strconv.ParseFloat(fields["2. high"], 64)
		l, _ := strconv.ParseFloat(fields["3. low"], 64)
		c, _ := strconv.ParseFloat(fields["4. close"], 64)
		v, _ := strconv.ParseInt(fields["5. volume"], 10, 64)
		if c <= 0 {
			continue
		}
		bars = append(bars, model.DailyBar{
			Date: model.Day(date), Open: o, High: h, Low: l, Close: c, Volume: v,
		})
	}
	if len(bars) == 0 {
		return nil, NewNotFoundError(av.Name(), symbol)
	}
	model.SortSeries(bars)
	return bars, nil
}

type avQuoteFields struct {
	price, change, changePct float64
	volume                   int64
}

func (av *AlphaVantageAdapter) fetchGlobalQuote(ctx context.Context, symbol string) (*avQuoteFields, error) {
	body, err := av.call(ctx, symbol, url.Values{
		"function": {"GLOBAL_QUOTE"},
		"symbol":   {symbol},
	})
	if err != nil {
		return nil, err
	}

	var gq avGlobalQuote
	if err := json.Unmarshal(body, &gq); err != nil {
		return nil, NewTransientError(av.Name(), symbol, "malformed response", err)
	}
	if err := av.inBandError(symbol, gq.ErrorMessage, gq.Note, gq.Information); err != nil {
		return nil, err
	}
	if len(gq.GlobalQuote) == 0 {
		return nil, NewNotFoundError(av.Name(), symbol)
	}

	q := gq.GlobalQuote
	price, _ := strconv.ParseFloat(q["05. price"], 64)
	change, _ := strconv.ParseFloat(q["09. change"], 64)
	changePct, _ := strconv.ParseFloat(strings.TrimSuffix(q["10. change percent"], "%"), 64)
	volume, _ := strconv.ParseInt(q["06. volume"], 10, 64)
	if price <= 0 {
		return nil, NewNotFoundError(av.Name(), symbol)
	}
	return &avQuoteFields{price: price, change: change, changePct: changePct, volume: volume}, nil
}

func (av *AlphaVantageAdapter) call(ctx context.Context, symbol string, params url.Values) ([]byte, error) {
	if !av.takeBudget() {
		return nil, NewRateLimitedError(av.Name(), symbol, "daily request budget exhausted, retry tomorrow")
	}
	if err := av.limiter.Wait(ctx); err != nil {
		return nil, NewTransientError(av.Name(), symbol, "rate limiter wait cancelled", err)
	}

	params.Set("apikey", av.apiKey)
	resp, err := getJSON(ctx, av.httpClient, av.baseURL+"/query?"+params.Encode(), nil)
	if err != nil {
		return nil, NewTransientError(av.Name(), symbol, "request failed", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(av.Name(), symbol, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewTransientError(av.Name(), symbol, "read failed", err)
	}
	return body, nil
}

func (av *AlphaVantageAdapter) inBandError(symbol, errMsg, note, info string) error {
	if errMsg != "" {
		return NewNotFoundError(av.Name(), symbol)
	}
	// Note/Information on HTTP 200 means call frequency exceeded.
	if note != "" {
		return NewRateLimitedError(av.Name(), symbol, note)
	}
	if info != "" {
		return NewRateLimitedError(av.Name(), symbol, info)
	}
	return nil
}

func (av *AlphaVantageAdapter) takeBudget() bool {
	av.mu.Lock()
	defer av.mu.Unlock()
	if time.Now().After(av.budgetResetTime) {
		av.requestsToday = 0
		av.budgetResetTime = time.Now().Add(24 * time.Hour)
	}
	if av.requestsToday >= av.dailyCap {
		return false
	}
	av.requestsToday++
	return true
}
