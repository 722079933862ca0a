package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/daehan-lim/stock-insight/internal/cache"
	"github.com/daehan-lim/stock-insight/internal/model"
)

// DataGoAdapter serves Korean equities from the government data portal's
// stock price service. Auth is a serviceKey query parameter. The portal
// returns rows newest first; output order is normalized like every
// other adapter.
type DataGoAdapter struct {
	serviceKey  string
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	cache       *cache.Store
	cacheTTL    time.Duration
	historyDays int
}

type DataGoConfig struct {
	ServiceKey      string
	BaseURL         string
	TimeoutSeconds  int
	RatePerMinute   int
	CacheTTLSeconds int
	HistoryDays     int
}

func NewDataGoAdapter(cfg DataGoConfig, store *cache.Store) (*DataGoAdapter, error) {
	if cfg.ServiceKey == "" {
		return nil, NewFatalError("datago", "service key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://apis.data.go.kr/1160100/service/GetStockSecuritiesInfoService"
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 15
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
	return &DataGoAdapter{
		serviceKey:  cfg.ServiceKey,
		baseURL:     cfg.BaseURL,
		httpClient:  &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60), 1),
		cache:       store,
		cacheTTL:    time.Duration(cfg.CacheTTLSeconds) * time.Second,
		historyDays: cfg.HistoryDays,
	}, nil
}

func (d *DataGoAdapter) Name() string { return "datago" }

// krxCode strips the Yahoo-style market suffix down to the 6-digit code.
func krxCode(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.TrimSuffix(s, ".KS")
	s = strings.TrimSuffix(s, ".KQ")
	return s
}

// dataGoResponse mirrors getStockPriceInfo. All numbers are strings.
type dataGoResponse struct {
	Response struct {
		Header struct {
			ResultCode string `json:"resultCode"`
			ResultMsg  string `json:"resultMsg"`
		} `json:"header"`
		Body struct {
			Items struct {
				Item []struct {
					BasDt      string `json:"basDt"` // yyyyMMdd
					SrtnCd     string `json:"srtnCd"`
					Mkp        string `json:"mkp"`  // open
					Hipr       string `json:"hipr"` // high
					Lopr       string `json:"lopr"` // low
					Clpr       string `json:"clpr"` // close
					Vs         string `json:"vs"`   // change
					FltRt      string `json:"fltRt"`
					Trqu       string `json:"trqu"` // volume
					MrktTotAmt string `json:"mrktTotAmt"`
				} `json:"item"`
			} `json:"items"`
			TotalCount int `json:"totalCount"`
		} `json:"body"`
	} `json:"response"`
}

func (d *DataGoAdapter) FetchQuote(ctx context.Context, symbol string) (*model.StockSnapshot, error) {
	key := "datago:quote:" + symbol
	return cache.With(d.cache, key, d.cacheTTL, func() (*model.StockSnapshot, error) {
		return d.fetchQuote(ctx, symbol)
	})
}

func (d *DataGoAdapter) FetchBatch(ctx context.Context, symbols []string) map[string]*model.StockSnapshot {
	return batchFetch(ctx, d, symbols)
}

func (d *DataGoAdapter) fetchQuote(ctx context.Context, symbol string) (*model.StockSnapshot, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, NewTransientError(d.Name(), symbol, "rate limiter wait cancelled", err)
	}

	end := time.Now().UTC()
	begin := end.AddDate(0, 0, -d.historyDays*2) // calendar days, markets close on weekends
	params := url.Values{
		"serviceKey": {d.serviceKey},
		"resultType": {"json"},
		"likeSrtnCd": {krxCode(symbol)},
		"numOfRows":  {strconv.Itoa(d.historyDays * 2)},
		"beginBasDt": {begin.Format("20060102")},
		"endBasDt":   {end.Format("20060102")},
	}
	resp, err := getJSON(ctx, d.httpClient, d.baseURL+"/getStockPriceInfo?"+params.Encode(), nil)
	if err != nil {
		return nil, NewTransientError(d.Name(), symbol, "request failed", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(d.Name(), symbol, resp.StatusCode)
	}

	var out dataGoResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, NewTransientError(d.Name(), symbol, "malformed response", err)
	}
	switch out.Response.Header.ResultCode {
	case "00":
		// normal service
	case "22":
		return nil, NewRateLimitedError(d.Name(), symbol, "portal daily traffic limit exceeded")
	case "30", "31", "32":
		return nil, NewUnauthorizedError(d.Name(), symbol, out.Response.Header.ResultMsg)
	default:
		return nil, NewTransientError(d.Name(), symbol, out.Response.Header.ResultMsg, nil)
	}

	items := out.Response.Body.Items.Item
	if len(items) == 0 {
		return nil, NewNotFoundError(d.Name(), symbol)
	}

	code := krxCode(symbol)
	bars := make([]model.DailyBar, 0, len(items))
	var marketCap float64
	var change, changePct float64
	for i, it := range items {
		if it.SrtnCd != "" && it.SrtnCd != code {
			continue // likeSrtnCd is a prefix match
		}
		date, err := time.Parse("20060102", it.BasDt)
		if err != nil {
			continue
		}
		o, _ := strconv.ParseFloat(it.Mkp, 64)
		h, _ := strconv.ParseFloat(it.Hipr, 64)
		l, _ := strconv.ParseFloat(it.Lopr, 64)
		c, _ := strconv.ParseFloat(it.Clpr, 64)
		v, _ := strconv.ParseInt(it.Trqu, 10, 64)
		if c <= 0 {
			continue
		}
		if i == 0 {
			marketCap, _ = strconv.ParseFloat(it.MrktTotAmt, 64)
			change, _ = strconv.ParseFloat(it.Vs, 64)
			changePct, _ = strconv.ParseFloat(it.FltRt, 64)
		}
		bars = append(bars, model.DailyBar{
			Date: model.Day(date), Open: o, High: h, Low: l, Close: c, Volume: v,
		})
	}
	if len(bars) == 0 {
		return nil, NewNotFoundError(d.Name(), symbol)
	}
	model.SortSeries(bars)
	if len(bars) > d.historyDays {
		bars = bars[len(bars)-d.historyDays:]
	}

	latest := bars[len(bars)-1]
	snap := &model.StockSnapshot{
		Symbol:        symbol,
		Price:         latest.Close,
		Change:        change,
		ChangePercent: changePct,
		Volume:        latest.Volume,
		MarketCap:     marketCap,
		Historical:    bars,
		Source:        d.Name(),
		FetchedAt:     time.Now().UTC(),
	}
	if err := model.ValidateSnapshot(snap); err != nil {
		return nil, NewTransientError(d.Name(), symbol, "invalid snapshot from provider", err)
	}
	return snap, nil
}
