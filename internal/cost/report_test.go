package cost

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telerrors "github.com/rcourtman/telemetry-control/internal/errors"
)

func TestSummaryAggregatesByModel(t *testing.T) {
	m, _, clock := newTestMonitor(t, nil)

	recordMillion(t, m, "model-b")
	clock.Advance(2 * 24 * time.Hour)
	recordMillion(t, m, "model-a")
	recordMillion(t, m, "model-b")

	daily, err := m.Summary("daily")
	require.NoError(t, err)
	assert.Equal(t, "daily", daily.Period)
	assert.Equal(t, 2, daily.Requests)
	assert.InDelta(t, 4.0, daily.TotalCost, 1e-9)
	assert.InDelta(t, 2.0, daily.AverageCost, 1e-9)
	assert.Equal(t, int64(4_000_000), daily.TotalUnits)
	require.Len(t, daily.Models, 2)
	assert.Equal(t, "model-a", daily.Models[0].Model)
	assert.Equal(t, "model-b", daily.Models[1].Model)

	weekly, err := m.Summary("week")
	require.NoError(t, err)
	assert.Equal(t, "weekly", weekly.Period)
	assert.Equal(t, 3, weekly.Requests)
	assert.InDelta(t, 5.0, weekly.TotalCost, 1e-9)

	all, err := m.Summary("all")
	require.NoError(t, err)
	assert.Equal(t, 3, all.Requests)
}

func TestSummaryEmptyLedger(t *testing.T) {
	m, _, _ := newTestMonitor(t, nil)

	s, err := m.Summary("monthly")
	require.NoError(t, err)
	assert.Zero(t, s.Requests)
	assert.Zero(t, s.AverageCost)
	assert.Empty(t, s.Models)
}

func TestSummaryRejectsUnknownPeriod(t *testing.T) {
	m, _, _ := newTestMonitor(t, nil)

	_, err := m.Summary("fortnight")
	assert.True(t, telerrors.IsCallerError(err))
}

func TestTrendsIncludesEmptyDays(t *testing.T) {
	m, _, clock := newTestMonitor(t, nil)

	recordMillion(t, m, "model-a")
	clock.Advance(2 * 24 * time.Hour)
	recordMillion(t, m, "model-b")

	points := m.Trends(3)
	require.Len(t, points, 3)
	assert.Equal(t, "2026-03-10", points[0].Date)
	assert.InDelta(t, 3.0, points[0].Cost, 1e-9)
	assert.Equal(t, "2026-03-11", points[1].Date)
	assert.Zero(t, points[1].Requests)
	assert.Equal(t, "2026-03-12", points[2].Date)
	assert.InDelta(t, 1.0, points[2].Cost, 1e-9)
	assert.Equal(t, int64(2_000_000), points[2].Units)
}

func TestTrendsDefaultsAndClamps(t *testing.T) {
	m, _, _ := newTestMonitor(t, func(c *Config) { c.RetentionDays = 10 })

	assert.Len(t, m.Trends(0), 7)
	assert.Len(t, m.Trends(365), 10)
}

func TestPredictionsUseTrailingWeek(t *testing.T) {
	m, _, clock := newTestMonitor(t, nil)

	for i := 0; i < 7; i++ {
		if i > 0 {
			clock.Advance(24 * time.Hour)
		}
		recordMillion(t, m, "model-a")
	}

	p := m.Predictions()
	assert.InDelta(t, 21.0, p.TrailingTotal, 1e-9)
	assert.InDelta(t, 3.0, p.DailyAverage, 1e-9)
	assert.InDelta(t, 3.0, p.NextDay, 1e-9)
	assert.InDelta(t, 21.0, p.NextWeek, 1e-9)
	assert.InDelta(t, 90.0, p.NextMonth, 1e-9)
	assert.InDelta(t, 1095.0, p.NextYear, 1e-9)
}
