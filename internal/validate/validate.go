// Package validate cross-checks a freshly fetched quote against a
// previously fetched historical series, possibly from a different
// provider. It only annotates: a failing report downgrades confidence,
// it never discards data.
package validate

import (
	"fmt"
	"math"
	"time"
)

// Quote is the fresh value under scrutiny.
type Quote struct {
	Price     float64
	Timestamp time.Time
	Source    string
}

// HistoricalPoint is one close from the comparison series.
type HistoricalPoint struct {
	Close     float64
	Timestamp time.Time
	Source    string
}

// Report carries ordered findings. IsValid is the only boolean gate a
// caller may act on, and even then only to lower confidence.
type Report struct {
	IsValid  bool
	Warnings []string
	Errors   []string
}

const (
	maxQuoteAgeHours  = 24.0
	warnPriceDiffPct  = 5.0
	errorPriceDiffPct = 20.0
	maxDateGapDays    = 4.0
	maxStepMovePct    = 50.0
	scanPairs         = 10
)

// Check compares quote against historical and reports divergence.
// The pipeline is never aborted on a failing report.
func Check(quote Quote, historical []HistoricalPoint) Report {
	r := Report{}
	if len(historical) == 0 {
		r.Warnings = append(r.Warnings, "no historical data to validate against")
		r.IsValid = true
		return r
	}

	latest := historical[0]
	for _, p := range historical[1:] {
		if p.Timestamp.After(latest.Timestamp) {
			latest = p
		}
	}

	if ageHours := math.Abs(quote.Timestamp.Sub(latest.Timestamp).Hours()); ageHours > maxQuoteAgeHours {
		r.Warnings = append(r.Warnings,
			fmt.Sprintf("latest historical point is %.0fh away from quote time", ageHours))
	}

	if diff := priceDiffPct(quote.Price, latest.Close); diff > errorPriceDiffPct {
		r.Errors = append(r.Errors,
			fmt.Sprintf("price diverges %.1f%% from latest close (%.2f vs %.2f)",
				diff, quote.Price, latest.Close))
	} else if diff > warnPriceDiffPct {
		r.Warnings = append(r.Warnings,
			fmt.Sprintf("price differs %.1f%% from latest close (%.2f vs %.2f)",
				diff, quote.Price, latest.Close))
	}

	if quote.Source != "" && latest.Source != "" && quote.Source != latest.Source {
		r.Warnings = append(r.Warnings,
			fmt.Sprintf("mixed provenance: quote from %s, history from %s", quote.Source, latest.Source))
	}

	r.Warnings = append(r.Warnings, scanSeries(historical)...)
	r.IsValid = len(r.Errors) == 0
	return r
}

// scanSeries looks at the first consecutive pairs for data holes and
// suspicious single-step moves (bad tick or unadjusted split).
func scanSeries(historical []HistoricalPoint) []string {
	var warnings []string
	pairs := len(historical) - 1
	if pairs > scanPairs {
		pairs = scanPairs
	}
	for i := 0; i < pairs; i++ {
		a, b := historical[i], historical[i+1]
		if gap := math.Abs(b.Timestamp.Sub(a.Timestamp).Hours()) / 24; gap > maxDateGapDays {
			warnings = append(warnings,
				fmt.Sprintf("date gap of %.0f days between %s and %s",
					gap, a.Timestamp.Format("2006-01-02"), b.Timestamp.Format("2006-01-02")))
		}
		if a.Close > 0 && b.Close > 0 {
			if move := priceDiffPct(a.Close, b.Close); move > maxStepMovePct {
				warnings = append(warnings,
					fmt.Sprintf("single-step price move of %.1f%% at %s",
						move, b.Timestamp.Format("2006-01-02")))
			}
		}
	}
	return warnings
}

func priceDiffPct(a, b float64) float64 {
	max := a
	if b > max {
		max = b
	}
	if max <= 0 {
		return 0
	}
	return math.Abs(a-b) / max * 100
}
