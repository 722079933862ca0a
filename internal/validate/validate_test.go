package validate

import (
	"strings"
	"testing"
	"time"
)

func point(daysAgo int, close float64, source string) HistoricalPoint {
	return HistoricalPoint{
		Close:     close,
		Timestamp: time.Now().Add(-time.Duration(daysAgo) * 24 * time.Hour),
		Source:    source,
	}
}

func recentSeries(closes ...float64) []HistoricalPoint {
	points := make([]HistoricalPoint, len(closes))
	for i, c := range closes {
		points[i] = point(i, c, "yahoo") // newest first
	}
	return points
}

func TestCheck_AgreementIsValid(t *testing.T) {
	q := Quote{Price: 100.0, Timestamp: time.Now(), Source: "yahoo"}
	r := Check(q, recentSeries(100.2, 99.8, 100.5))
	if !r.IsValid {
		t.Fatalf("want valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("want no warnings, got %v", r.Warnings)
	}
}

func TestCheck_SmallDivergenceIsClean(t *testing.T) {
	// 100 vs 97 is a 3% difference, inside the warning threshold.
	q := Quote{Price: 100.0, Timestamp: time.Now(), Source: "yahoo"}
	r := Check(q, recentSeries(97.0, 96.8))
	if !r.IsValid || len(r.Warnings) != 0 {
		t.Fatalf("3%% difference must report clean, got %+v", r)
	}
}

func TestCheck_LargeDivergenceIsError(t *testing.T) {
	// 143 vs 100 diverges 30.1% of the larger value, past the 20% gate.
	q := Quote{Price: 143.0, Timestamp: time.Now(), Source: "yahoo"}
	r := Check(q, recentSeries(100.0, 99.5))
	if r.IsValid {
		t.Fatal("30% divergence must invalidate the report")
	}
	if len(r.Errors) != 1 || !strings.Contains(r.Errors[0], "diverges") {
		t.Fatalf("want one divergence error, got %v", r.Errors)
	}
}

func TestCheck_ModerateDivergenceIsWarning(t *testing.T) {
	// 103 vs 97: about 5.8%, above warn but below error.
	q := Quote{Price: 103.0, Timestamp: time.Now(), Source: "yahoo"}
	r := Check(q, recentSeries(97.0, 97.2))
	if !r.IsValid {
		t.Fatalf("warning-level divergence must stay valid, errors: %v", r.Errors)
	}
	if len(r.Warnings) != 1 || !strings.Contains(r.Warnings[0], "differs") {
		t.Fatalf("want one price warning, got %v", r.Warnings)
	}
}

func TestCheck_StaleHistoryWarns(t *testing.T) {
	q := Quote{Price: 100.0, Timestamp: time.Now(), Source: "yahoo"}
	old := []HistoricalPoint{point(3, 100.0, "yahoo")}
	r := Check(q, old)
	if !r.IsValid {
		t.Fatal("staleness is a warning, not an error")
	}
	found := false
	for _, w := range r.Warnings {
		if strings.Contains(w, "away from quote time") {
			found = true
		}
	}
	if !found {
		t.Fatalf("want staleness warning, got %v", r.Warnings)
	}
}

func TestCheck_SourceMismatchWarns(t *testing.T) {
	q := Quote{Price: 100.0, Timestamp: time.Now(), Source: "twelvedata"}
	r := Check(q, recentSeries(100.0))
	found := false
	for _, w := range r.Warnings {
		if strings.Contains(w, "mixed provenance") {
			found = true
		}
	}
	if !found {
		t.Fatalf("want provenance warning, got %v", r.Warnings)
	}
}

func TestCheck_SeriesGapAndStepMove(t *testing.T) {
	now := time.Now()
	historical := []HistoricalPoint{
		{Close: 100, Timestamp: now, Source: "yahoo"},
		{Close: 100, Timestamp: now.Add(-6 * 24 * time.Hour), Source: "yahoo"}, // 6 day hole
		{Close: 240, Timestamp: now.Add(-7 * 24 * time.Hour), Source: "yahoo"}, // 58% step
	}
	q := Quote{Price: 100.0, Timestamp: now, Source: "yahoo"}
	r := Check(q, historical)

	var gap, step bool
	for _, w := range r.Warnings {
		if strings.Contains(w, "date gap") {
			gap = true
		}
		if strings.Contains(w, "single-step price move") {
			step = true
		}
	}
	if !gap || !step {
		t.Fatalf("want gap and step warnings, got %v", r.Warnings)
	}
	if !r.IsValid {
		t.Fatal("series anomalies alone must not invalidate")
	}
}

func TestCheck_EmptyHistoryIsValidWithWarning(t *testing.T) {
	r := Check(Quote{Price: 100, Timestamp: time.Now()}, nil)
	if !r.IsValid || len(r.Warnings) != 1 {
		t.Fatalf("empty history should warn and stay valid, got %+v", r)
	}
}
