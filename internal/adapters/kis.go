package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/daehan-lim/stock-insight/internal/cache"
	"github.com/daehan-lim/stock-insight/internal/model"
	"github.com/daehan-lim/stock-insight/internal/token"
)

// kisMsgTokenExpired is the in-band gateway code for an expired access
// token. It rides on HTTP 200, so status checks alone cannot catch it.
const kisMsgTokenExpired = "EGW00123"

// KISAdapter is the brokerage-API provider. Every call carries a bearer
// token from the lifecycle manager; an auth failure invalidates the
// cached token and retries the same request exactly once.
type KISAdapter struct {
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	cache       *cache.Store
	cacheTTL    time.Duration
	historyDays int
	tokens      *token.Manager
}

type KISConfig struct {
	BaseURL         string
	AppKeyEnv       string
	AppSecretEnv    string
	TimeoutSeconds  int
	RatePerMinute   int
	CacheTTLSeconds int
	HistoryDays     int
}

// NewKISAdapter builds the adapter and its token manager over the given
// tiers. creds may be nil when no primary credential store is available.
func NewKISAdapter(cfg KISConfig, store *cache.Store, tiers []token.Store, creds token.CredentialStore) *KISAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openapi.koreainvestment.com:9443"
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
	k := &KISAdapter{
		baseURL:     cfg.BaseURL,
		httpClient:  &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60), 1),
		cache:       store,
		cacheTTL:    time.Duration(cfg.CacheTTLSeconds) * time.Second,
		historyDays: cfg.HistoryDays,
	}
	k.tokens = token.NewManager(token.Config{
		AppKeyEnv:    cfg.AppKeyEnv,
		AppSecretEnv: cfg.AppSecretEnv,
	}, tiers, creds, k.issueToken)
	return k
}

func (k *KISAdapter) Name() string { return "kis" }

// TokenManager exposes the lifecycle manager for invalidation tests and
// operational tooling.
func (k *KISAdapter) TokenManager() *token.Manager { return k.tokens }

// issueToken performs one OAuth issuance. It is the token manager's
// IssueFunc, also used to validate candidate credentials.
func (k *KISAdapter) issueToken(ctx context.Context, cred token.Credential) (*token.CachedToken, error) {
	payload, _ := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     cred.AppKey,
		"appsecret":  cred.AppSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		k.baseURL+"/oauth2/tokenP", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, NewTransientError(k.Name(), "", "token issuance request failed", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, NewUnauthorizedError(k.Name(), "", "credentials rejected at issuance")
		}
		return nil, classifyStatus(k.Name(), "", resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, NewTransientError(k.Name(), "", "malformed token response", err)
	}
	if out.AccessToken == "" {
		return nil, NewUnauthorizedError(k.Name(), "", "empty access token in response")
	}
	if out.ExpiresIn <= 0 {
		out.ExpiresIn = 86400
	}
	now := time.Now().UTC()
	return &token.CachedToken{
		Token:     out.AccessToken,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Duration(out.ExpiresIn) * time.Second),
	}, nil
}

func (k *KISAdapter) FetchQuote(ctx context.Context, symbol string) (*model.StockSnapshot, error) {
	key := "kis:quote:" + symbol
	return cache.With(k.cache, key, k.cacheTTL, func() (*model.StockSnapshot, error) {
		return k.fetchQuote(ctx, symbol)
	})
}

func (k *KISAdapter) FetchBatch(ctx context.Context, symbols []string) map[string]*model.StockSnapshot {
	return batchFetch(ctx, k, symbols)
}

func (k *KISAdapter) fetchQuote(ctx context.Context, symbol string) (*model.StockSnapshot, error) {
	if isKoreanSymbol(symbol) {
		return k.fetchDomestic(ctx, symbol)
	}
	return k.fetchOverseas(ctx, symbol)
}

func isKoreanSymbol(symbol string) bool {
	s := strings.ToUpper(symbol)
	if strings.HasSuffix(s, ".KS") || strings.HasSuffix(s, ".KQ") {
		return true
	}
	if len(s) != 6 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// kisEnvelope is the common response wrapper. rt_cd "0" means success;
// anything else is an in-band failure described by msg_cd/msg1.
type kisEnvelope struct {
	RtCd  string `json:"rt_cd"`
	MsgCd string `json:"msg_cd"`
	Msg1  string `json:"msg1"`
}

// call performs one authenticated GET with the bounded retry-on-auth-
// failure cycle: at most one token invalidation and re-issue per call.
func (k *KISAdapter) call(ctx context.Context, symbol, path, trID string, params url.Values, out any) error {
	retried := false
	for {
		err := k.callOnce(ctx, path, trID, params, out)
		if err == nil {
			return nil
		}
		if retried || KindOf(err) != KindUnauthorized {
			return k.mapTokenErr(err, symbol)
		}
		retried = true
		k.tokens.Invalidate(ctx)
	}
}

func (k *KISAdapter) callOnce(ctx context.Context, path, trID string, params url.Values, out any) error {
	tok, err := k.tokens.Token(ctx)
	if err != nil {
		return err
	}
	cred, err := k.tokens.Credential(ctx)
	if err != nil {
		return err
	}
	if err := k.limiter.Wait(ctx); err != nil {
		return NewTransientError(k.Name(), "", "rate limiter wait cancelled", err)
	}

	resp, err := getJSON(ctx, k.httpClient, k.baseURL+path+"?"+params.Encode(), map[string]string{
		"authorization": "Bearer " + tok,
		"appkey":        cred.AppKey,
		"appsecret":     cred.AppSecret,
		"tr_id":         trID,
		"custtype":      "P",
	})
	if err != nil {
		return NewTransientError(k.Name(), "", "request failed", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(k.Name(), "", resp.StatusCode)
	}

	raw := json.RawMessage{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return NewTransientError(k.Name(), "", "malformed response", err)
	}
	var env kisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return NewTransientError(k.Name(), "", "malformed envelope", err)
	}
	if env.RtCd != "0" {
		// Token expiry arrives on HTTP 200 with a gateway message code.
		if env.MsgCd == kisMsgTokenExpired || strings.Contains(strings.ToLower(env.Msg1), "token") {
			return NewUnauthorizedError(k.Name(), "", fmt.Sprintf("%s: %s", env.MsgCd, env.Msg1))
		}
		return NewTransientError(k.Name(), "", fmt.Sprintf("%s: %s", env.MsgCd, env.Msg1), nil)
	}
	return json.Unmarshal(raw, out)
}

// mapTokenErr translates token manager failures into the adapter taxonomy.
func (k *KISAdapter) mapTokenErr(err error, symbol string) error {
	var guard *token.GuardError
	if errors.As(err, &guard) {
		return NewRateLimitedError(k.Name(), symbol, guard.Error())
	}
	if errors.Is(err, token.ErrNoCredentials) {
		return NewFatalError(k.Name(), err.Error())
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return NewTransientError(k.Name(), symbol, "call failed", err)
}

func (k *KISAdapter) fetchDomestic(ctx context.Context, symbol string) (*model.StockSnapshot, error) {
	code := krxCode(symbol)
	end := time.Now().UTC()
	begin := end.AddDate(0, 0, -k.historyDays*2)

	var chart struct {
		Output1 struct {
			StckPrpr string `json:"stck_prpr"` // current price
			PrdyVrss string `json:"prdy_vrss"` // change
			PrdyCtrt string `json:"prdy_ctrt"` // change pct
			AcmlVol  string `json:"acml_vol"`
			HtsAvls  string `json:"hts_avls"` // market cap, hundred millions KRW
		} `json:"output1"`
		Output2 []struct {
			Date  string `json:"stck_bsop_date"` // yyyyMMdd
			Open  string `json:"stck_oprc"`
			High  string `json:"stck_hgpr"`
			Low   string `json:"stck_lwpr"`
			Close string `json:"stck_clpr"`
			Vol   string `json:"acml_vol"`
		} `json:"output2"`
	}
	params := url.Values{
		"FID_COND_MRKT_DIV_CODE": {"J"},
		"FID_INPUT_ISCD":         {code},
		"FID_INPUT_DATE_1":       {begin.Format("20060102")},
		"FID_INPUT_DATE_2":       {end.Format("20060102")},
		"FID_PERIOD_DIV_CODE":    {"D"},
		"FID_ORG_ADJ_PRC":        {"0"},
	}
	err := k.call(ctx, symbol, "/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice",
		"FHKST03010100", params, &chart)
	if err != nil {
		return nil, err
	}

	bars := make([]model.DailyBar, 0, len(chart.Output2))
	for _, row := range chart.Output2 {
		date, err := time.Parse("20060102", row.Date)
		if err != nil {
			continue
		}
		o, _ := strconv.ParseFloat(row.Open, 64)
		h, _ := strconv.ParseFloat(row.High, 64)
		l, _ := strconv.ParseFloat(row.Low, 64)
		c, _ := strconv.ParseFloat(row.Close, 64)
		v, _ := strconv.ParseInt(row.Vol, 10, 64)
		if c <= 0 {
			continue
		}
		bars = append(bars, model.DailyBar{
			Date: model.Day(date), Open: o, High: h, Low: l, Close: c, Volume: v,
		})
	}
	if len(bars) == 0 {
		return nil, NewNotFoundError(k.Name(), symbol)
	}
	model.SortSeries(bars)
	if len(bars) > k.historyDays {
		bars = bars[len(bars)-k.historyDays:]
	}

	price, _ := strconv.ParseFloat(chart.Output1.StckPrpr, 64)
	change, _ := strconv.ParseFloat(chart.Output1.PrdyVrss, 64)
	changePct, _ := strconv.ParseFloat(chart.Output1.PrdyCtrt, 64)
	volume, _ := strconv.ParseInt(chart.Output1.AcmlVol, 10, 64)
	marketCap, _ := strconv.ParseFloat(chart.Output1.HtsAvls, 64)
	if price <= 0 {
		price = bars[len(bars)-1].Close
		volume = bars[len(bars)-1].Volume
	}

	snap := &model.StockSnapshot{
		Symbol:        symbol,
		Price:         price,
		Change:        change,
		ChangePercent: changePct,
		Volume:        volume,
		MarketCap:     marketCap * 1e8, // reported in hundred millions KRW
		Historical:    bars,
		Source:        k.Name(),
		FetchedAt:     time.Now().UTC(),
	}
	if err := model.ValidateSnapshot(snap); err != nil {
		return nil, NewTransientError(k.Name(), symbol, "invalid snapshot from provider", err)
	}
	return snap, nil
}

// overseasExchanges are the exchange codes the overseas price endpoint
// accepts. The caller only supplies a ticker, so NASDAQ is tried first
// and NYSE/AMEX fall through on a miss.
var overseasExchanges = []string{"NAS", "NYS", "AMS"}

func (k *KISAdapter) fetchOverseas(ctx context.Context, symbol string) (*model.StockSnapshot, error) {
	var lastErr error
	for _, excd := range overseasExchanges {
		snap, err := k.fetchOverseasOn(ctx, symbol, excd)
		if err == nil {
			return snap, nil
		}
		if KindOf(err) != KindNotFound {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (k *KISAdapter) fetchOverseasOn(ctx context.Context, symbol, excd string) (*model.StockSnapshot, error) {
	var daily struct {
		Output1 struct {
			Last string `json:"last"`
			Diff string `json:"diff"`
			Rate string `json:"rate"`
			Tvol string `json:"tvol"`
		} `json:"output1"`
		Output2 []struct {
			Date  string `json:"xymd"` // yyyyMMdd
			Open  string `json:"open"`
			High  string `json:"high"`
			Low   string `json:"low"`
			Close string `json:"clos"`
			Vol   string `json:"tvol"`
		} `json:"output2"`
	}
	params := url.Values{
		"AUTH": {""},
		"EXCD": {excd},
		"SYMB": {strings.ToUpper(symbol)},
		"GUBN": {"0"}, // daily
		"BYMD": {""},
		"MODP": {"1"}, // adjusted prices
	}
	err := k.call(ctx, symbol, "/uapi/overseas-price/v1/quotations/dailyprice",
		"HHDFS76240000", params, &daily)
	if err != nil {
		return nil, err
	}

	bars := make([]model.DailyBar, 0, len(daily.Output2))
	for _, row := range daily.Output2 {
		date, err := time.Parse("20060102", row.Date)
		if err != nil {
			continue
		}
		o, _ := strconv.ParseFloat(row.Open, 64)
		h, _ := strconv.ParseFloat(row.High, 64)
		l, _ := strconv.ParseFloat(row.Low, 64)
		c, _ := strconv.ParseFloat(row.Close, 64)
		v, _ := strconv.ParseInt(row.Vol, 10, 64)
		if c <= 0 {
			continue
		}
		bars = append(bars, model.DailyBar{
			Date: model.Day(date), Open: o, High: h, Low: l, Close: c, Volume: v,
		})
	}
	if len(bars) == 0 {
		return nil, NewNotFoundError(k.Name(), symbol)
	}
	model.SortSeries(bars)
	if len(bars) > k.historyDays {
		bars = bars[len(bars)-k.historyDays:]
	}

	latest := bars[len(bars)-1]
	price, _ := strconv.ParseFloat(daily.Output1.Last, 64)
	change, _ := strconv.ParseFloat(daily.Output1.Diff, 64)
	changePct, _ := strconv.ParseFloat(daily.Output1.Rate, 64)
	volume, _ := strconv.ParseInt(daily.Output1.Tvol, 10, 64)
	if price <= 0 {
		price = latest.Close
		volume = latest.Volume
		prev := latest
		if len(bars) > 1 {
			prev = bars[len(bars)-2]
		}
		change = latest.Close - prev.Close
		if prev.Close > 0 {
			changePct = change / prev.Close * 100
		}
	}

	snap := &model.StockSnapshot{
		Symbol:        strings.ToUpper(symbol),
		Price:         price,
		Change:        change,
		ChangePercent: changePct,
		Volume:        volume,
		Historical:    bars,
		Source:        k.Name(),
		FetchedAt:     time.Now().UTC(),
	}
	if err := model.ValidateSnapshot(snap); err != nil {
		return nil, NewTransientError(k.Name(), symbol, "invalid snapshot from provider", err)
	}
	return snap, nil
}
