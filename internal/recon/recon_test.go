package recon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daehan-lim/stock-insight/internal/model"
)

func series(start string, closes ...float64) []model.DailyBar {
	day, _ := time.Parse("2006-01-02", start)
	bars := make([]model.DailyBar, len(closes))
	for i, c := range closes {
		bars[i] = model.DailyBar{
			Date: day.AddDate(0, 0, i),
			Open: c, High: c, Low: c, Close: c, Volume: 1000,
		}
	}
	return bars
}

func snap(source string, price, changePct float64, volume int64, bars []model.DailyBar) *model.StockSnapshot {
	return &model.StockSnapshot{
		Symbol:        "AAPL",
		Price:         price,
		ChangePercent: changePct,
		Volume:        volume,
		Historical:    bars,
		Source:        source,
		FetchedAt:     time.Now(),
	}
}

func TestReconcile_FullAgreement(t *testing.T) {
	bars := series("2026-08-24", 99, 100, 101, 102)
	p := snap("yahoo", 102.0, 0.99, 1_000_000, bars)
	s := snap("twelvedata", 102.3, 1.1, 1_050_000, bars)

	r := Reconcile(p, s)
	require.NotNil(t, r.Snapshot)
	assert.Equal(t, 1.0, r.Confidence)
	assert.ElementsMatch(t, []string{"price", "changePercent", "volume", "history"}, r.MatchedFields)
	assert.Empty(t, r.ConflictFields)
	assert.Equal(t, []string{"yahoo", "twelvedata"}, r.Snapshot.Sources)
	assert.Equal(t, 102.0, r.Snapshot.Price, "primary values win")
}

func TestReconcile_PriceConflictCapsConfidence(t *testing.T) {
	bars := series("2026-08-24", 99, 100, 101, 102)
	p := snap("yahoo", 102.0, 1.0, 1_000_000, bars)
	s := snap("twelvedata", 110.0, 1.0, 1_000_000, bars) // 7% apart

	r := Reconcile(p, s)
	assert.Contains(t, r.ConflictFields, "price")
	assert.LessOrEqual(t, r.Confidence, 0.5, "price disagreement caps confidence")
	assert.Equal(t, r.Confidence, r.Snapshot.Confidence)
}

func TestReconcile_EachConflictCosts(t *testing.T) {
	p := snap("yahoo", 102.0, 1.0, 1_000_000, series("2026-08-24", 99, 100, 101, 102))
	s := snap("twelvedata", 102.1, 2.5, 2_000_000, series("2026-08-24", 90, 91, 92, 93))

	r := Reconcile(p, s)
	// changePercent, volume and history conflict; price matches.
	assert.ElementsMatch(t, []string{"changePercent", "volume", "history"}, r.ConflictFields)
	assert.InDelta(t, 0.25, r.Confidence, 1e-9)
}

func TestReconcile_SingleSideHalvesConfidence(t *testing.T) {
	p := snap("yahoo", 102.0, 1.0, 1_000_000, series("2026-08-24", 101, 102))

	for name, r := range map[string]Result{
		"secondary_nil": Reconcile(p, nil),
		"primary_nil":   Reconcile(nil, p),
	} {
		require.NotNil(t, r.Snapshot, name)
		assert.Equal(t, 0.5, r.Confidence, name)
		assert.Equal(t, []string{"yahoo"}, r.Snapshot.Sources, name)
	}
}

func TestReconcile_BothNil(t *testing.T) {
	r := Reconcile(nil, nil)
	assert.Nil(t, r.Snapshot)
	assert.Zero(t, r.Confidence)
}

func TestReconcile_MergeFillsMarketCapAndLongerHistory(t *testing.T) {
	short := series("2026-08-27", 101, 102)
	long := series("2026-08-17", 95, 96, 97, 98, 99, 100, 100.5, 101, 101.5, 101.8, 102)

	p := snap("yahoo", 102.0, 1.0, 1_000_000, short)
	s := snap("twelvedata", 102.1, 1.0, 1_000_000, long)
	s.MarketCap = 3.2e12

	r := Reconcile(p, s)
	assert.Equal(t, 3.2e12, r.Snapshot.MarketCap, "secondary fills a missing market cap")
	assert.Len(t, r.Snapshot.Historical, len(long), "much longer secondary history is preferred")
}

func TestHistoryTailsAgree_Misaligned(t *testing.T) {
	// Secondary misses the most recent day; overlap still matches.
	a := series("2026-08-24", 99, 100, 101, 102)
	b := series("2026-08-24", 99, 100, 101)
	assert.True(t, historyTailsAgree(a, b))

	assert.False(t, historyTailsAgree(a, nil))
	assert.False(t, historyTailsAgree(nil, b))
}
