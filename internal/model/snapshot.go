package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// StockSnapshot is the normalized point-in-time record every provider
// adapter maps its raw response into.
type StockSnapshot struct {
	Symbol        string     `json:"symbol"`
	Price         float64    `json:"price"`
	Change        float64    `json:"change"`
	ChangePercent float64    `json:"changePercent"`
	Volume        int64      `json:"volume"`
	MarketCap     float64    `json:"marketCap,omitempty"`
	Historical    []DailyBar `json:"historicalData"`
	Source        string     `json:"source"`
	Sources       []string   `json:"sources,omitempty"`    // set when reconciled from two providers
	Confidence    float64    `json:"confidence,omitempty"` // 0-1, reconciliation only
	FetchedAt     time.Time  `json:"fetchedAt"`
}

// DailyBar is one calendar day of OHLCV data. Date carries no time-of-day.
type DailyBar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// NewsItem is a single headline for a symbol.
type NewsItem struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Publisher   string    `json:"publisher"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ValidateBar performs fail-closed validation of a single bar.
func ValidateBar(b DailyBar) error {
	if b.Close <= 0 {
		return fmt.Errorf("non-positive close: %.4f", b.Close)
	}
	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 {
		return fmt.Errorf("non-positive price: open=%.4f high=%.4f low=%.4f", b.Open, b.High, b.Low)
	}
	if b.Low > b.Open || b.Low > b.Close || b.High < b.Open || b.High < b.Close {
		return fmt.Errorf("bar range violated: open=%.4f high=%.4f low=%.4f close=%.4f",
			b.Open, b.High, b.Low, b.Close)
	}
	if b.Volume < 0 {
		return fmt.Errorf("negative volume: %d", b.Volume)
	}
	return nil
}

// ValidateSeries checks that bars are non-empty, strictly ascending by date
// with no duplicates, and individually valid.
func ValidateSeries(bars []DailyBar) error {
	if len(bars) == 0 {
		return fmt.Errorf("empty historical series")
	}
	for i, b := range bars {
		if err := ValidateBar(b); err != nil {
			return fmt.Errorf("bar %d (%s): %w", i, b.Date.Format("2006-01-02"), err)
		}
		if i > 0 && !bars[i-1].Date.Before(b.Date) {
			return fmt.Errorf("series not strictly ascending at %d: %s >= %s",
				i, bars[i-1].Date.Format("2006-01-02"), b.Date.Format("2006-01-02"))
		}
	}
	return nil
}

// ValidateSnapshot normalizes the symbol and validates the snapshot
// fail-closed, including its historical series.
func ValidateSnapshot(s *StockSnapshot) error {
	if s == nil {
		return fmt.Errorf("snapshot is nil")
	}
	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	if s.Symbol == "" {
		return fmt.Errorf("empty symbol")
	}
	if s.Price <= 0 {
		return fmt.Errorf("invalid price: %.4f", s.Price)
	}
	if s.Volume < 0 {
		return fmt.Errorf("negative volume: %d", s.Volume)
	}
	return ValidateSeries(s.Historical)
}

// SortSeries orders bars oldest to newest. Adapters call this before
// returning so the native response order never leaks out.
func SortSeries(bars []DailyBar) {
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
}

// LatestBar returns the newest bar, assuming an already-sorted series.
func LatestBar(bars []DailyBar) (DailyBar, bool) {
	if len(bars) == 0 {
		return DailyBar{}, false
	}
	return bars[len(bars)-1], true
}
