// Package recon merges two providers' answers for the same symbol into a
// single snapshot with a confidence score.
package recon

import (
	"math"

	"github.com/daehan-lim/stock-insight/internal/model"
)

// Result is the reconciled snapshot plus the field-level agreement that
// produced its confidence.
type Result struct {
	Snapshot       *model.StockSnapshot
	Confidence     float64
	MatchedFields  []string
	ConflictFields []string
}

const (
	priceTolerancePct  = 1.0
	volumeTolerancePct = 10.0
	changePctTolerance = 0.5 // absolute percentage points
	confidencePenalty  = 0.25
	priceConflictCap   = 0.5
)

// UsableConfidence is the floor under which callers should surface the
// snapshot with an explicit data-quality caveat.
const UsableConfidence = 0.75

// Reconcile compares primary and secondary field by field. The primary's
// values always win; disagreement only lowers confidence. Either side may
// be nil, which yields the other side at reduced confidence.
func Reconcile(primary, secondary *model.StockSnapshot) Result {
	if primary == nil && secondary == nil {
		return Result{Confidence: 0}
	}
	if secondary == nil {
		return single(primary)
	}
	if primary == nil {
		return single(secondary)
	}

	r := Result{Snapshot: merged(primary, secondary), Confidence: 1.0}
	priceConflict := false

	compare := func(field string, match bool) {
		if match {
			r.MatchedFields = append(r.MatchedFields, field)
			return
		}
		r.ConflictFields = append(r.ConflictFields, field)
		r.Confidence -= confidencePenalty
	}

	match := relDiffPct(primary.Price, secondary.Price) <= priceTolerancePct
	priceConflict = !match
	compare("price", match)
	compare("changePercent",
		math.Abs(primary.ChangePercent-secondary.ChangePercent) <= changePctTolerance)
	compare("volume", relDiffPct(float64(primary.Volume), float64(secondary.Volume)) <= volumeTolerancePct)
	compare("history", historyTailsAgree(primary.Historical, secondary.Historical))

	if r.Confidence < 0 {
		r.Confidence = 0
	}
	if priceConflict && r.Confidence > priceConflictCap {
		r.Confidence = priceConflictCap
	}
	r.Snapshot.Confidence = r.Confidence
	return r
}

func single(s *model.StockSnapshot) Result {
	cp := *s
	cp.Confidence = priceConflictCap
	cp.Sources = []string{s.Source}
	return Result{Snapshot: &cp, Confidence: priceConflictCap}
}

func merged(primary, secondary *model.StockSnapshot) *model.StockSnapshot {
	cp := *primary
	cp.Sources = []string{primary.Source, secondary.Source}
	if cp.MarketCap == 0 {
		cp.MarketCap = secondary.MarketCap
	}
	// Prefer the longer history when the primary's is thin.
	if len(secondary.Historical) > 2*len(cp.Historical) {
		cp.Historical = secondary.Historical
	}
	return &cp
}

// historyTailsAgree compares the most recent overlapping closes.
func historyTailsAgree(a, b []model.DailyBar) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	checked := 0
	i, j := len(a)-1, len(b)-1
	for i >= 0 && j >= 0 && checked < 5 {
		ba, bb := a[i], b[j]
		switch {
		case ba.Date.After(bb.Date):
			i--
			continue
		case bb.Date.After(ba.Date):
			j--
			continue
		}
		if relDiffPct(ba.Close, bb.Close) > priceTolerancePct {
			return false
		}
		checked++
		i--
		j--
	}
	return checked > 0
}

func relDiffPct(a, b float64) float64 {
	max := math.Abs(a)
	if math.Abs(b) > max {
		max = math.Abs(b)
	}
	if max == 0 {
		return 0
	}
	return math.Abs(a-b) / max * 100
}
