package cost

import (
	"sort"
	"strings"
	"time"

	telerrors "github.com/rcourtman/telemetry-control/internal/errors"
)

// ModelSummary aggregates usage for one model.
type ModelSummary struct {
	Model       string  `json:"model"`
	Requests    int     `json:"requests"`
	InputUnits  int64   `json:"inputUnits"`
	OutputUnits int64   `json:"outputUnits"`
	Cost        float64 `json:"cost"`
}

// Summary aggregates usage over one period.
type Summary struct {
	Period      string         `json:"period"`
	Start       time.Time      `json:"start"`
	End         time.Time      `json:"end"`
	TotalCost   float64        `json:"totalCost"`
	InputUnits  int64          `json:"inputUnits"`
	OutputUnits int64          `json:"outputUnits"`
	TotalUnits  int64          `json:"totalUnits"`
	Requests    int            `json:"requests"`
	AverageCost float64        `json:"averageCost"`
	Models      []ModelSummary `json:"models"`
}

// TrendPoint is one local calendar day of spend.
type TrendPoint struct {
	Date     string  `json:"date"`
	Cost     float64 `json:"cost"`
	Requests int     `json:"requests"`
	Units    int64   `json:"units"`
}

// Predictions projects spend from the trailing seven day average.
type Predictions struct {
	DailyAverage  float64 `json:"dailyAverage"`
	TrailingTotal float64 `json:"trailingTotal"`
	NextDay       float64 `json:"nextDay"`
	NextWeek      float64 `json:"nextWeek"`
	NextMonth     float64 `json:"nextMonth"`
	NextYear      float64 `json:"nextYear"`
}

const predictionDays = 7

// Summary aggregates the ledger for period: "daily", "weekly", "monthly" or
// "all". The short forms "day", "week" and "month" are accepted.
func (m *Monitor) Summary(period string) (Summary, error) {
	now := m.clock.Now()
	var start time.Time
	switch strings.ToLower(strings.TrimSpace(period)) {
	case "daily", "day", "today":
		period, start = string(WindowDaily), m.windowStart(WindowDaily, now)
	case "weekly", "week":
		period, start = string(WindowWeekly), m.windowStart(WindowWeekly, now)
	case "monthly", "month":
		period, start = string(WindowMonthly), m.windowStart(WindowMonthly, now)
	case "all", "":
		period, start = "all", now.AddDate(0, 0, -m.cfg.RetentionDays)
	default:
		return Summary{}, telerrors.CallerError("cost_summary", "unknown period %q", period)
	}

	summary := Summary{Period: period, Start: start, End: now}
	byModel := make(map[string]*ModelSummary)

	m.mu.RLock()
	for _, s := range m.samples {
		if s.Timestamp.Before(start) || s.Timestamp.After(now) {
			continue
		}
		summary.Requests++
		summary.TotalCost += s.Cost
		summary.InputUnits += s.InputUnits
		summary.OutputUnits += s.OutputUnits

		ms, ok := byModel[s.Model]
		if !ok {
			ms = &ModelSummary{Model: s.Model}
			byModel[s.Model] = ms
		}
		ms.Requests++
		ms.Cost += s.Cost
		ms.InputUnits += s.InputUnits
		ms.OutputUnits += s.OutputUnits
	}
	m.mu.RUnlock()

	summary.TotalUnits = summary.InputUnits + summary.OutputUnits
	if summary.Requests > 0 {
		summary.AverageCost = summary.TotalCost / float64(summary.Requests)
	}
	summary.Models = make([]ModelSummary, 0, len(byModel))
	for _, ms := range byModel {
		summary.Models = append(summary.Models, *ms)
	}
	sort.Slice(summary.Models, func(i, j int) bool {
		if summary.Models[i].Cost != summary.Models[j].Cost {
			return summary.Models[i].Cost > summary.Models[j].Cost
		}
		return summary.Models[i].Model < summary.Models[j].Model
	})
	return summary, nil
}

// Trends returns one point per local day for the last days days, oldest
// first, including days with no usage. days is clamped to the retention.
func (m *Monitor) Trends(days int) []TrendPoint {
	if days <= 0 {
		days = predictionDays
	}
	if days > m.cfg.RetentionDays {
		days = m.cfg.RetentionDays
	}

	now := m.clock.Now()
	today := m.windowStart(WindowDaily, now)
	first := today.AddDate(0, 0, -(days - 1))

	points := make([]TrendPoint, days)
	index := make(map[string]int, days)
	for i := range points {
		date := first.AddDate(0, 0, i).Format("2006-01-02")
		points[i].Date = date
		index[date] = i
	}

	m.mu.RLock()
	for _, s := range m.samples {
		if s.Timestamp.Before(first) || s.Timestamp.After(now) {
			continue
		}
		i, ok := index[s.Timestamp.In(m.loc).Format("2006-01-02")]
		if !ok {
			continue
		}
		points[i].Cost += s.Cost
		points[i].Requests++
		points[i].Units += s.InputUnits + s.OutputUnits
	}
	m.mu.RUnlock()

	return points
}

// Predictions extrapolates the trailing seven day average.
func (m *Monitor) Predictions() Predictions {
	now := m.clock.Now()
	m.mu.RLock()
	total := m.totalLocked(now.Add(-predictionDays*24*time.Hour), now)
	m.mu.RUnlock()

	avg := total / predictionDays
	return Predictions{
		DailyAverage:  avg,
		TrailingTotal: total,
		NextDay:       avg,
		NextWeek:      avg * 7,
		NextMonth:     avg * 30,
		NextYear:      avg * 365,
	}
}
