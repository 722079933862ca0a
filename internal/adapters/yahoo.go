package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/daehan-lim/stock-insight/internal/cache"
	"github.com/daehan-lim/stock-insight/internal/model"
)

// YahooAdapter is the primary quote/history provider for both US and
// Korean symbols. Korean tickers carry a .KS/.KQ suffix. No auth.
type YahooAdapter struct {
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	cache       *cache.Store
	cacheTTL    time.Duration
	historyDays int
}

type YahooConfig struct {
	BaseURL         string
	TimeoutSeconds  int
	RatePerMinute   int
	CacheTTLSeconds int
	HistoryDays     int
}

func NewYahooAdapter(cfg YahooConfig, store *cache.Store) *YahooAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://query1.finance.yahoo.com"
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 60
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
	return &YahooAdapter{
		baseURL:     cfg.BaseURL,
		httpClient:  &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60), 1),
		cache:       store,
		cacheTTL:    time.Duration(cfg.CacheTTLSeconds) * time.Second,
		historyDays: cfg.HistoryDays,
	}
}

func (y *YahooAdapter) Name() string { return "yahoo" }

// yahooChart mirrors the chart API response. Price arrays use pointers:
// holidays come back as nulls and must be skipped.
type yahooChart struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol             string  `json:"symbol"`
				RegularMarketPrice float64 `json:"regularMarketPrice"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*int64   `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func (y *YahooAdapter) FetchQuote(ctx context.Context, symbol string) (*model.StockSnapshot, error) {
	key := "yahoo:quote:" + symbol
	return cache.With(y.cache, key, y.cacheTTL, func() (*model.StockSnapshot, error) {
		return y.fetchQuote(ctx, symbol)
	})
}

func (y *YahooAdapter) FetchBatch(ctx context.Context, symbols []string) map[string]*model.StockSnapshot {
	return batchFetch(ctx, y, symbols)
}

// chartSymbols lists the chart API symbols to try for an input symbol.
// The chart API only knows Korean listings by their market suffix, so a
// bare 6-digit KRX code maps to KOSPI first and KOSDAQ on a miss.
func chartSymbols(symbol string) []string {
	s := strings.TrimSpace(symbol)
	if len(s) == 6 && isKoreanSymbol(s) {
		return []string{s + ".KS", s + ".KQ"}
	}
	return []string{s}
}

func (y *YahooAdapter) fetchQuote(ctx context.Context, symbol string) (*model.StockSnapshot, error) {
	var bars []model.DailyBar
	var err error
	for _, chartSym := range chartSymbols(symbol) {
		bars, err = y.fetchChart(ctx, chartSym, "1d", yahooRange(y.historyDays))
		if err == nil || KindOf(err) != KindNotFound {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	if len(bars) > y.historyDays {
		bars = bars[len(bars)-y.historyDays:]
	}

	latest := bars[len(bars)-1]
	prev := latest
	if len(bars) > 1 {
		prev = bars[len(bars)-2]
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
		Historical:    bars,
		Source:        y.Name(),
		FetchedAt:     time.Now().UTC(),
	}
	if err := model.ValidateSnapshot(snap); err != nil {
		return nil, NewTransientError(y.Name(), symbol, "invalid snapshot from provider", err)
	}
	return snap, nil
}

func (y *YahooAdapter) fetchChart(ctx context.Context, symbol, interval, rng string) ([]model.DailyBar, error) {
	if err := y.limiter.Wait(ctx); err != nil {
		return nil, NewTransientError(y.Name(), symbol, "rate limiter wait cancelled", err)
	}

	u := fmt.Sprintf("%s/v8/finance/chart/%s?interval=%s&range=%s",
		y.baseURL, url.PathEscape(symbol), interval, rng)
	resp, err := getJSON(ctx, y.httpClient, u, nil)
	if err != nil {
		return nil, NewTransientError(y.Name(), symbol, "request failed", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(y.Name(), symbol, resp.StatusCode)
	}

	var chart yahooChart
	if err := json.NewDecoder(resp.Body).Decode(&chart); err != nil {
		return nil, NewTransientError(y.Name(), symbol, "malformed response", err)
	}
	if chart.Chart.Error != nil {
		if chart.Chart.Error.Code == "Not Found" {
			return nil, NewNotFoundError(y.Name(), symbol)
		}
		return nil, NewTransientError(y.Name(), symbol, chart.Chart.Error.Description, nil)
	}
	if len(chart.Chart.Result) == 0 || len(chart.Chart.Result[0].Timestamp) == 0 {
		return nil, NewNotFoundError(y.Name(), symbol)
	}

	result := chart.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, NewNotFoundError(y.Name(), symbol)
	}
	quote := result.Indicators.Quote[0]

	bars := make([]model.DailyBar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(quote.Close) || quote.Close[i] == nil {
			continue // null bar, holiday
		}
		bar := model.DailyBar{
			Date:  model.Day(time.Unix(ts, 0).UTC()),
			Close: *quote.Close[i],
		}
		bar.Open, bar.High, bar.Low = bar.Close, bar.Close, bar.Close
		if i < len(quote.Open) && quote.Open[i] != nil {
			bar.Open = *quote.Open[i]
		}
		if i < len(quote.High) && quote.High[i] != nil {
			bar.High = *quote.High[i]
		}
		if i < len(quote.Low) && quote.Low[i] != nil {
			bar.Low = *quote.Low[i]
		}
		if i < len(quote.Volume) && quote.Volume[i] != nil {
			bar.Volume = *quote.Volume[i]
		}
		bars = append(bars, bar)
	}
	if len(bars) == 0 {
		return nil, NewNotFoundError(y.Name(), symbol)
	}
	model.SortSeries(bars)
	return bars, nil
}

// FetchScalar serves the FX rate and volatility index through the same
// chart endpoint using Yahoo's index tickers.
func (y *YahooAdapter) FetchScalar(ctx context.Context, series string) (float64, error) {
	var symbol string
	switch series {
	case SeriesUSDKRW:
		symbol = "KRW=X"
	case SeriesVIX:
		symbol = "^VIX"
	default:
		return 0, NewFatalError(y.Name(), fmt.Sprintf("unknown scalar series %q", series))
	}

	bars, err := y.fetchChart(ctx, symbol, "1d", "5d")
	if err != nil {
		return 0, err
	}
	return bars[len(bars)-1].Close, nil
}

// yahooSearch mirrors the news portion of the search API response.
type yahooSearch struct {
	News []struct {
		Title       string `json:"title"`
		Link        string `json:"link"`
		Publisher   string `json:"publisher"`
		PubTimeUnix int64  `json:"providerPublishTime"`
	} `json:"news"`
}

func (y *YahooAdapter) FetchNews(ctx context.Context, symbol string, count int) ([]model.NewsItem, error) {
	if count <= 0 {
		count = 5
	}
	if err := y.limiter.Wait(ctx); err != nil {
		return nil, NewTransientError(y.Name(), symbol, "rate limiter wait cancelled", err)
	}

	u := fmt.Sprintf("%s/v1/finance/search?q=%s&newsCount=%d&quotesCount=0",
		y.baseURL, url.QueryEscape(symbol), count)
	resp, err := getJSON(ctx, y.httpClient, u, nil)
	if err != nil {
		return nil, NewTransientError(y.Name(), symbol, "request failed", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(y.Name(), symbol, resp.StatusCode)
	}

	var search yahooSearch
	if err := json.NewDecoder(resp.Body).Decode(&search); err != nil {
		return nil, NewTransientError(y.Name(), symbol, "malformed response", err)
	}

	items := make([]model.NewsItem, 0, len(search.News))
	for _, n := range search.News {
		if n.Title == "" {
			continue
		}
		items = append(items, model.NewsItem{
			Title:       n.Title,
			URL:         n.Link,
			Publisher:   n.Publisher,
			PublishedAt: time.Unix(n.PubTimeUnix, 0).UTC(),
		})
		if len(items) == count {
			break
		}
	}
	return items, nil
}

func yahooRange(days int) string {
	switch {
	case days <= 30:
		return "1mo"
	case days <= 90:
		return "3mo"
	case days <= 180:
		return "6mo"
	case days <= 365:
		return "1y"
	default:
		return "2y"
	}
}
