package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daehan-lim/stock-insight/internal/token"
)

const kisDomesticBody = `{"rt_cd":"0","msg_cd":"MCA00000","msg1":"ok",
	"output1":{"stck_prpr":"71900","prdy_vrss":"-400","prdy_ctrt":"-0.55","acml_vol":"11033000","hts_avls":"4292000"},
	"output2":[
		{"stck_bsop_date":"20260828","stck_oprc":"72000","stck_hgpr":"72400","stck_lwpr":"71500","stck_clpr":"71900","acml_vol":"11033000"},
		{"stck_bsop_date":"20260827","stck_oprc":"72100","stck_hgpr":"72600","stck_lwpr":"71900","stck_clpr":"72300","acml_vol":"9800000"}
	]}`

type kisTestServer struct {
	*httptest.Server
	issuances  atomic.Int64
	dataCalls  atomic.Int64
	expireOnce atomic.Bool // first data call answers with an expired-token envelope
}

func newKISTestServer(t *testing.T) *kisTestServer {
	s := &kisTestServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/oauth2/tokenP":
			n := s.issuances.Add(1)
			fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":86400}`, n)
		case strings.Contains(r.URL.Path, "inquire-daily-itemchartprice"):
			s.dataCalls.Add(1)
			if r.Header.Get("authorization") == "" || r.Header.Get("appkey") == "" {
				t.Error("data call missing auth headers")
			}
			if s.expireOnce.CompareAndSwap(true, false) {
				fmt.Fprint(w, `{"rt_cd":"1","msg_cd":"EGW00123","msg1":"expired token"}`)
				return
			}
			fmt.Fprint(w, kisDomesticBody)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func newTestKISAdapter(srv *kisTestServer) *KISAdapter {
	return NewKISAdapter(KISConfig{BaseURL: srv.URL, RatePerMinute: 60000},
		nil, []token.Store{token.NewMemoryStore()}, nil)
}

func TestKISFetchDomesticQuote(t *testing.T) {
	t.Setenv("KIS_APP_KEY", "appkey")
	t.Setenv("KIS_APP_SECRET", "appsecret")

	srv := newKISTestServer(t)
	k := newTestKISAdapter(srv)

	snap, err := k.FetchQuote(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, 71900.0, snap.Price)
	assert.Equal(t, -400.0, snap.Change)
	assert.InDelta(t, -0.55, snap.ChangePercent, 1e-9)
	assert.Equal(t, 4292000*1e8, snap.MarketCap, "market cap arrives in hundred millions")
	require.Len(t, snap.Historical, 2)
	assert.Equal(t, 72300.0, snap.Historical[0].Close, "bars come out oldest first")
	assert.Equal(t, int64(1), srv.issuances.Load())
}

// seedStaleToken plants a token issued outside the 23h issuance window
// but not yet expired, the shape a tier holds after a process restart
// when the provider has since revoked the token server-side.
func seedStaleToken(t *testing.T, store token.Store) {
	t.Helper()
	now := time.Now()
	err := store.Set(context.Background(), &token.CachedToken{
		Token:     "revoked-elsewhere",
		IssuedAt:  now.Add(-24 * time.Hour),
		ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)
}

func TestKISRetriesOnceOnInBandTokenExpiry(t *testing.T) {
	t.Setenv("KIS_APP_KEY", "appkey")
	t.Setenv("KIS_APP_SECRET", "appsecret")

	srv := newKISTestServer(t)
	srv.expireOnce.Store(true)
	tier := token.NewMemoryStore()
	seedStaleToken(t, tier)
	k := NewKISAdapter(KISConfig{BaseURL: srv.URL, RatePerMinute: 60000},
		nil, []token.Store{tier}, nil)

	snap, err := k.FetchQuote(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, 71900.0, snap.Price)
	assert.Equal(t, int64(2), srv.dataCalls.Load(), "exactly one retry after the expiry answer")
	assert.Equal(t, int64(1), srv.issuances.Load(), "retry issues a fresh token after invalidation")
}

func TestKISPersistentAuthFailureDoesNotLoop(t *testing.T) {
	t.Setenv("KIS_APP_KEY", "appkey")
	t.Setenv("KIS_APP_SECRET", "appsecret")

	var dataCalls atomic.Int64
	var issuances atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth2/tokenP" {
			n := issuances.Add(1)
			fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":86400}`, n)
			return
		}
		dataCalls.Add(1)
		fmt.Fprint(w, `{"rt_cd":"1","msg_cd":"EGW00123","msg1":"expired token"}`)
	}))
	defer srv.Close()

	tier := token.NewMemoryStore()
	seedStaleToken(t, tier)
	k := NewKISAdapter(KISConfig{BaseURL: srv.URL, RatePerMinute: 60000},
		nil, []token.Store{tier}, nil)

	_, err := k.FetchQuote(context.Background(), "005930")
	require.Error(t, err)
	assert.Equal(t, KindUnauthorized, KindOf(err))
	assert.Equal(t, int64(2), dataCalls.Load(), "retry is bounded to one")
}

func TestKISRetryBlockedByIssuanceGuard(t *testing.T) {
	// Token issued moments ago in this process; an in-band expiry answer
	// triggers the retry, whose re-issuance the guard must refuse.
	t.Setenv("KIS_APP_KEY", "appkey")
	t.Setenv("KIS_APP_SECRET", "appsecret")

	var dataCalls atomic.Int64
	var issuances atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth2/tokenP" {
			n := issuances.Add(1)
			fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":86400}`, n)
			return
		}
		dataCalls.Add(1)
		fmt.Fprint(w, `{"rt_cd":"1","msg_cd":"EGW00123","msg1":"expired token"}`)
	}))
	defer srv.Close()

	k := NewKISAdapter(KISConfig{BaseURL: srv.URL, RatePerMinute: 60000},
		nil, []token.Store{token.NewMemoryStore()}, nil)

	_, err := k.FetchQuote(context.Background(), "005930")
	require.Error(t, err)
	assert.Equal(t, KindRateLimited, KindOf(err), "guard failure surfaces as rate limited")
	assert.Contains(t, err.Error(), "retry after")
	assert.Equal(t, int64(1), issuances.Load(), "at most one issuance per window")
	assert.Equal(t, int64(1), dataCalls.Load())
}

const kisOverseasBody = `{"rt_cd":"0","msg_cd":"MCA00000","msg1":"ok",
	"output1":{"last":"243.1","diff":"1.6","rate":"0.66","tvol":"3500000"},
	"output2":[
		{"xymd":"20260828","open":"242.0","high":"244.0","low":"241.5","clos":"243.1","tvol":"3500000"},
		{"xymd":"20260827","open":"240.5","high":"242.5","low":"240.0","clos":"241.5","tvol":"3100000"}
	]}`

func TestKISOverseasFallsThroughExchangeCodes(t *testing.T) {
	t.Setenv("KIS_APP_KEY", "appkey")
	t.Setenv("KIS_APP_SECRET", "appsecret")

	var excds []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/oauth2/tokenP":
			fmt.Fprint(w, `{"access_token":"tok-1","expires_in":86400}`)
		case strings.Contains(r.URL.Path, "overseas-price"):
			excd := r.URL.Query().Get("EXCD")
			excds = append(excds, excd)
			if excd != "NYS" {
				// NYSE listing: NASDAQ answers with no data.
				fmt.Fprint(w, `{"rt_cd":"0","msg_cd":"MCA00000","msg1":"ok","output1":{},"output2":[]}`)
				return
			}
			fmt.Fprint(w, kisOverseasBody)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	k := NewKISAdapter(KISConfig{BaseURL: srv.URL, RatePerMinute: 60000},
		nil, []token.Store{token.NewMemoryStore()}, nil)

	snap, err := k.FetchQuote(context.Background(), "IBM")
	require.NoError(t, err)
	assert.Equal(t, []string{"NAS", "NYS"}, excds, "exchange codes fall through on a miss")
	assert.Equal(t, "IBM", snap.Symbol)
	assert.Equal(t, 243.1, snap.Price)
	require.Len(t, snap.Historical, 2)
	assert.Equal(t, 241.5, snap.Historical[0].Close, "bars come out oldest first")
}

func TestKISNoCredentialsIsFatal(t *testing.T) {
	t.Setenv("KIS_APP_KEY", "")
	t.Setenv("KIS_APP_SECRET", "")

	srv := newKISTestServer(t)
	k := newTestKISAdapter(srv)

	_, err := k.FetchQuote(context.Background(), "005930")
	require.Error(t, err)
	assert.Equal(t, KindFatal, KindOf(err))
}

func TestIsKoreanSymbol(t *testing.T) {
	cases := []struct {
		symbol string
		want   bool
	}{
		{"005930", true},
		{"035720.KQ", true},
		{"005930.KS", true},
		{"AAPL", false},
		{"GOOGL", false}, // six letters, not six digits
		{"00593A", false},
	}
	for _, tc := range cases {
		if got := isKoreanSymbol(tc.symbol); got != tc.want {
			t.Fatalf("isKoreanSymbol(%q) = %v, want %v", tc.symbol, got, tc.want)
		}
	}
}
