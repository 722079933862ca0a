// Package adapters contains one adapter per external market-data provider.
// Each adapter maps its provider's raw response into model.StockSnapshot,
// classifies failures into the shared error taxonomy, and guarantees
// ascending date order on historical output.
package adapters

import (
	"context"
	"io"
	"net/http"

	"github.com/daehan-lim/stock-insight/internal/model"
	"github.com/daehan-lim/stock-insight/internal/observ"
)

// Provider is the common adapter contract. FetchBatch allows partial
// success: a failing symbol is logged and omitted, never propagated.
type Provider interface {
	Name() string
	FetchQuote(ctx context.Context, symbol string) (*model.StockSnapshot, error)
	FetchBatch(ctx context.Context, symbols []string) map[string]*model.StockSnapshot
}

// ScalarProvider serves single-value series. Recognized series names are
// SeriesUSDKRW and SeriesVIX.
type ScalarProvider interface {
	FetchScalar(ctx context.Context, series string) (float64, error)
}

// NewsProvider serves recent headlines for a symbol.
type NewsProvider interface {
	FetchNews(ctx context.Context, symbol string, count int) ([]model.NewsItem, error)
}

const (
	SeriesUSDKRW = "fx_usdkrw"
	SeriesVIX    = "vix"
)

// batchFetch implements the shared per-symbol loop for adapters without a
// native batch endpoint.
func batchFetch(ctx context.Context, p Provider, symbols []string) map[string]*model.StockSnapshot {
	results := make(map[string]*model.StockSnapshot, len(symbols))
	for _, symbol := range symbols {
		snap, err := p.FetchQuote(ctx, symbol)
		if err != nil {
			observ.Log("adapter_symbol_error", map[string]any{
				"provider": p.Name(),
				"symbol":   symbol,
				"kind":     string(KindOf(err)),
				"error":    err.Error(),
			})
			continue
		}
		results[snap.Symbol] = snap
	}
	return results
}

// drainAndClose discards the remaining body so the connection is reused.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<16))
	_ = body.Close()
}

func getJSON(ctx context.Context, client *http.Client, url string, hdr map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "stock-insight/1.0")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	return client.Do(req)
}
