package adapters

import (
	"context"
	"encoding/csv"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/daehan-lim/stock-insight/internal/cache"
	"github.com/daehan-lim/stock-insight/internal/model"
)

// StooqAdapter is the quaternary history-only provider. Daily bars come
// back as CSV; the quote is derived from the last bar. No auth.
type StooqAdapter struct {
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	cache       *cache.Store
	cacheTTL    time.Duration
	historyDays int
}

type StooqConfig struct {
	BaseURL         string
	TimeoutSeconds  int
	RatePerMinute   int
	CacheTTLSeconds int
	HistoryDays     int
}

func NewStooqAdapter(cfg StooqConfig, store *cache.Store) *StooqAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://stooq.com"
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 30
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
	return &StooqAdapter{
		baseURL:     cfg.BaseURL,
		httpClient:  &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60), 1),
		cache:       store,
		cacheTTL:    time.Duration(cfg.CacheTTLSeconds) * time.Second,
		historyDays: cfg.HistoryDays,
	}
}

func (s *StooqAdapter) Name() string { return "stooq" }

func (s *StooqAdapter) FetchQuote(ctx context.Context, symbol string) (*model.StockSnapshot, error) {
	key := "stooq:quote:" + symbol
	return cache.With(s.cache, key, s.cacheTTL, func() (*model.StockSnapshot, error) {
		return s.fetchQuote(ctx, symbol)
	})
}

func (s *StooqAdapter) FetchBatch(ctx context.Context, symbols []string) map[string]*model.StockSnapshot {
	return batchFetch(ctx, s, symbols)
}

// stooqSymbol lowercases and appends the .us market suffix for plain US
// tickers; index-style and already-suffixed symbols pass through.
func stooqSymbol(symbol string) string {
	lower := strings.ToLower(symbol)
	if strings.ContainsAny(lower, ".^=") {
		return lower
	}
	return lower + ".us"
}

func (s *StooqAdapter) fetchQuote(ctx context.Context, symbol string) (*model.StockSnapshot, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, NewTransientError(s.Name(), symbol, "rate limiter wait cancelled", err)
	}

	params := url.Values{"s": {stooqSymbol(symbol)}, "i": {"d"}}
	u := s.baseURL + "/q/d/l/?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, NewTransientError(s.Name(), symbol, "failed to build request", err)
	}
	req.Header.Set("User-Agent", "stock-insight/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, NewTransientError(s.Name(), symbol, "request failed", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(s.Name(), symbol, resp.StatusCode)
	}

	bars, err := s.parseCSV(resp.Body, symbol)
	if err != nil {
		return nil, err
	}
	if len(bars) > s.historyDays {
		bars = bars[len(bars)-s.historyDays:]
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
		Source:        s.Name(),
		FetchedAt:     time.Now().UTC(),
	}
	if err := model.ValidateSnapshot(snap); err != nil {
		return nil, NewTransientError(s.Name(), symbol, "invalid snapshot from provider", err)
	}
	return snap, nil
}

// parseCSV reads Date,Open,High,Low,Close,Volume rows. Stooq answers an
// unknown symbol with a "No data" body instead of a 404.
func (s *StooqAdapter) parseCSV(r io.Reader, symbol string) ([]model.DailyBar, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var bars []model.DailyBar
	first := true
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, NewTransientError(s.Name(), symbol, "malformed CSV", err)
		}
		if first {
			first = false
			if len(rec) > 0 && strings.HasPrefix(strings.ToLower(rec[0]), "no data") {
				return nil, NewNotFoundError(s.Name(), symbol)
			}
			if len(rec) > 0 && strings.EqualFold(rec[0], "date") {
				continue // header row
			}
		}
		if len(rec) < 6 {
			continue
		}
		date, err := time.Parse("2006-01-02", rec[0])
		if err != nil {
			continue
		}
		o, _ := strconv.ParseFloat(rec[1], 64)
		h, _ := strconv.ParseFloat(rec[2], 64)
		l, _ := strconv.ParseFloat(rec[3], 64)
		c, _ := strconv.ParseFloat(rec[4], 64)
		v, _ := strconv.ParseFloat(rec[5], 64)
		if c <= 0 {
			continue
		}
		bars = append(bars, model.DailyBar{
			Date: model.Day(date), Open: o, High: h, Low: l, Close: c, Volume: int64(v),
		})
	}
	if len(bars) == 0 {
		return nil, NewNotFoundError(s.Name(), symbol)
	}
	model.SortSeries(bars)
	return bars, nil
}
