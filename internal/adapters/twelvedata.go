package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/daehan-lim/stock-insight/internal/cache"
	"github.com/daehan-lim/stock-insight/internal/model"
)

// TwelveDataAdapter is the secondary quote/history provider and the first
// choice for scalar series. API-key query parameter auth.
type TwelveDataAdapter struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	cache       *cache.Store
	cacheTTL    time.Duration
	historyDays int
}

type TwelveDataConfig struct {
	APIKey          string
	BaseURL         string
	TimeoutSeconds  int
	RatePerMinute   int
	CacheTTLSeconds int
	HistoryDays     int
}

func NewTwelveDataAdapter(cfg TwelveDataConfig, store *cache.Store) (*TwelveDataAdapter, error) {
	if cfg.APIKey == "" {
		return nil, NewFatalError("twelvedata", "API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twelvedata.com"
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 8 // free tier
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
	return &TwelveDataAdapter{
		apiKey:      cfg.APIKey,
		baseURL:     cfg.BaseURL,
		httpClient:  &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60), 1),
		cache:       store,
		cacheTTL:    time.Duration(cfg.CacheTTLSeconds) * time.Second,
		historyDays: cfg.HistoryDays,
	}, nil
}

func (td *TwelveDataAdapter) Name() string { return "twelvedata" }

// tdTimeSeries mirrors the time_series response. Values arrive newest
// first and all numbers are strings.
type tdTimeSeries struct {
	Values []struct {
		Datetime string `json:"datetime"`
		Open     string `json:"open"`
		High     string `json:"high"`
		Low      string `json:"low"`
		Close    string `json:"close"`
		Volume   string `json:"volume"`
	} `json:"values"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (td *TwelveDataAdapter) FetchQuote(ctx context.Context, symbol string) (*model.StockSnapshot, error) {
	key := "twelvedata:quote:" + symbol
	return cache.With(td.cache, key, td.cacheTTL, func() (*model.StockSnapshot, error) {
		return td.fetchQuote(ctx, symbol)
	})
}

func (td *TwelveDataAdapter) FetchBatch(ctx context.Context, symbols []string) map[string]*model.StockSnapshot {
	return batchFetch(ctx, td, symbols)
}

func (td *TwelveDataAdapter) fetchQuote(ctx context.Context, symbol string) (*model.StockSnapshot, error) {
	series, err := td.timeSeries(ctx, symbol, td.historyDays)
	if err != nil {
		return nil, err
	}

	latest := series[len(series)-1]
	prev := latest
	if len(series) > 1 {
		prev = series[len(series)-2]
	}
	change := latest.Close - prev.Close
	changePct := 0.0
	if prev.Close > 0 {
		changePct = change / prev.Close * 100
	}

	snap := &model.StockSnapshot{
		Symbol:        symbol,
		Price:         latest.Close,
		Change:        change,
		ChangePercent: changePct,
		Volume:        latest.Volume,
		Historical:    series,
		Source:        td.Name(),
		FetchedAt:     time.Now().UTC(),
	}
	if err := model.ValidateSnapshot(snap); err != nil {
		return nil, NewTransientError(td.Name(), symbol, "invalid snapshot from provider", err)
	}
	return snap, nil
}

func (td *TwelveDataAdapter) timeSeries(ctx context.Context, symbol string, outputSize int) ([]model.DailyBar, error) {
	if err := td.limiter.Wait(ctx); err != nil {
		return nil, NewTransientError(td.Name(), symbol, "rate limiter wait cancelled", err)
	}

	params := url.Values{
		"symbol":     {symbol},
		"interval":   {"1day"},
		"outputsize": {strconv.Itoa(outputSize)},
		"apikey":     {td.apiKey},
	}
	resp, err := getJSON(ctx, td.httpClient, td.baseURL+"/time_series?"+params.Encode(), nil)
	if err != nil {
		return nil, NewTransientError(td.Name(), symbol, "request failed", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(td.Name(), symbol, resp.StatusCode)
	}

	var ts tdTimeSeries
	if err := json.NewDecoder(resp.Body).Decode(&ts); err != nil {
		return nil, NewTransientError(td.Name(), symbol, "malformed response", err)
	}
	if ts.Status == "error" {
		// Error codes ride on HTTP 200.
		switch ts.Code {
		case http.StatusTooManyRequests:
			return nil, NewRateLimitedError(td.Name(), symbol, ts.Message)
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, NewUnauthorizedError(td.Name(), symbol, ts.Message)
		case http.StatusNotFound, http.StatusBadRequest:
			return nil, NewNotFoundError(td.Name(), symbol)
		default:
			return nil, NewTransientError(td.Name(), symbol, ts.Message, nil)
		}
	}
	if len(ts.Values) == 0 {
		return nil, NewNotFoundError(td.Name(), symbol)
	}

	bars := make([]model.DailyBar, 0, len(ts.Values))
	for _, v := range ts.Values {
		date, err := time.Parse("2006-01-02", v.Datetime)
		if err != nil {
			continue
		}
		o, _ := strconv.ParseFloat(v.Open, 64)
		h, _ := strconv.ParseFloat(v.High, 64)
		l, _ := strconv.ParseFloat(v.Low, 64)
		c, _ := strconv.ParseFloat(v.Close, 64)
		vol, _ := strconv.ParseInt(v.Volume, 10, 64)
		if c <= 0 {
			continue
		}
		bars = append(bars, model.DailyBar{
			Date: model.Day(date), Open: o, High: h, Low: l, Close: c, Volume: vol,
		})
	}
	if len(bars) == 0 {
		return nil, NewNotFoundError(td.Name(), symbol)
	}
	model.SortSeries(bars)
	return bars, nil
}

// tdPrice mirrors the /price response.
type tdPrice struct {
	Price   string `json:"price"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (td *TwelveDataAdapter) FetchScalar(ctx context.Context, series string) (float64, error) {
	var symbol string
	switch series {
	case SeriesUSDKRW:
		symbol = "USD/KRW"
	case SeriesVIX:
		symbol = "VIX"
	default:
		return 0, NewFatalError(td.Name(), fmt.Sprintf("unknown scalar series %q", series))
	}

	if err := td.limiter.Wait(ctx); err != nil {
		return 0, NewTransientError(td.Name(), symbol, "rate limiter wait cancelled", err)
	}

	params := url.Values{"symbol": {symbol}, "apikey": {td.apiKey}}
	resp, err := getJSON(ctx, td.httpClient, td.baseURL+"/price?"+params.Encode(), nil)
	if err != nil {
		return 0, NewTransientError(td.Name(), symbol, "request failed", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return 0, classifyStatus(td.Name(), symbol, resp.StatusCode)
	}

	var p tdPrice
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return 0, NewTransientError(td.Name(), symbol, "malformed response", err)
	}
	if p.Status == "error" {
		if p.Code == http.StatusTooManyRequests {
			return 0, NewRateLimitedError(td.Name(), symbol, p.Message)
		}
		return 0, NewTransientError(td.Name(), symbol, p.Message, nil)
	}

	val, err := strconv.ParseFloat(p.Price, 64)
	if err != nil || val <= 0 {
		return 0, NewTransientError(td.Name(), symbol, "unparseable price", err)
	}
	return val, nil
}
