package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStooqSymbol(t *testing.T) {
	cases := []struct{ in, want string }{
		{"AAPL", "aapl.us"},
		{"MSFT", "msft.us"},
		{"^SPX", "^spx"},
		{"USDKRW=X", "usdkrw=x"},
		{"TSLA.US", "tsla.us"},
	}
	for _, tc := range cases {
		if got := stooqSymbol(tc.in); got != tc.want {
			t.Fatalf("stooqSymbol(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStooqFetchQuote_ParsesCSV(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "aapl.us", r.URL.Query().Get("s"))
		fmt.Fprint(w, "Date,Open,High,Low,Close,Volume\n"+
			"2026-08-26,226.5,228.4,226.0,228.0,38000000\n"+
			"2026-08-27,228.0,229.9,227.1,229.0,39000000\n"+
			"2026-08-28,229.1,231.0,228.5,230.5,41000000\n")
	}))
	defer srv.Close()

	s := NewStooqAdapter(StooqConfig{BaseURL: srv.URL, RatePerMinute: 6000}, nil)
	snap, err := s.FetchQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 230.5, snap.Price)
	assert.InDelta(t, 1.5, snap.Change, 1e-9)
	assert.Equal(t, int64(41000000), snap.Volume)
	assert.Equal(t, "stooq", snap.Source)
	require.Len(t, snap.Historical, 3)
}

func TestStooqFetchQuote_NoDataBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "No data\n")
	}))
	defer srv.Close()

	s := NewStooqAdapter(StooqConfig{BaseURL: srv.URL, RatePerMinute: 6000}, nil)
	_, err := s.FetchQuote(context.Background(), "UNKNOWNXYZ")
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}
