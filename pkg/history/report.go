package history

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/qadash/qadash/pkg/registry"
)

// DefaultPeriod is used when a report request names no period.
const DefaultPeriod = "7d"

// Summary aggregates finalized runs over a period.
type Summary struct {
	PassRate           float64 `json:"passRate"`
	AvgDurationSeconds float64 `json:"avgDurationSeconds"`
	TotalRuns          int     `json:"totalRuns"`
	Passed             int     `json:"passed"`
	Failed             int     `json:"failed"`
	Canceled           int     `json:"canceled"`
	Period             string  `json:"period"`
}

// TrendPoint is the pass rate of one UTC day.
type TrendPoint struct {
	Date      string  `json:"date"`
	PassRate  float64 `json:"passRate"`
	TotalRuns int     `json:"totalRuns"`
}

// ParsePeriod accepts "<n>d" day counts and Go durations such as "12h".
func ParsePeriod(period string) (time.Duration, error) {
	if period == "" {
		period = DefaultPeriod
	}

	if days, ok := strings.CutSuffix(period, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid period %q", period)
		}

		return time.Duration(n) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(period)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid period %q", period)
	}

	return d, nil
}

// Summarize computes a Summary. Canceled runs count toward the total but
// not toward the pass rate.
func Summarize(runs []Run, period string) Summary {
	s := Summary{Period: period}

	var durationMs int64

	timed := 0

	for i := range runs {
		switch runs[i].Status {
		case registry.StatusPassed:
			s.Passed++
		case registry.StatusFailed:
			s.Failed++
		case registry.StatusCanceled:
			s.Canceled++
		default:
			continue
		}

		s.TotalRuns++

		if runs[i].DurationMs > 0 {
			durationMs += runs[i].DurationMs
			timed++
		}
	}

	if verdicts := s.Passed + s.Failed; verdicts > 0 {
		s.PassRate = round(float64(s.Passed) / float64(verdicts))
	}

	if timed > 0 {
		s.AvgDurationSeconds = round(float64(durationMs) / float64(timed) / 1000)
	}

	return s
}

// Trend buckets runs by the UTC day they started on. Days without runs are
// omitted.
func Trend(runs []Run) []TrendPoint {
	type bucket struct{ passed, verdicts, total int }

	buckets := make(map[string]*bucket, 32)

	for i := range runs {
		if runs[i].Status == registry.StatusRunning || runs[i].StartedAt.IsZero() {
			continue
		}

		day := runs[i].StartedAt.UTC().Format(time.DateOnly)

		b, ok := buckets[day]
		if !ok {
			b = &bucket{}
			buckets[day] = b
		}

		b.total++

		switch runs[i].Status {
		case registry.StatusPassed:
			b.passed++
			b.verdicts++
		case registry.StatusFailed:
			b.verdicts++
		}
	}

	points := make([]TrendPoint, 0, len(buckets))

	for day, b := range buckets {
		p := TrendPoint{Date: day, TotalRuns: b.total}
		if b.verdicts > 0 {
			p.PassRate = round(float64(b.passed) / float64(b.verdicts))
		}

		points = append(points, p)
	}

	sort.Slice(points, func(i, j int) bool {
		return points[i].Date < points[j].Date
	})

	return points
}

// FilterSince keeps registry runs started at or after since, converted to
// history rows.
func FilterSince(runs []registry.Run, since time.Time) []Run {
	out := make([]Run, 0, len(runs))

	for i := range runs {
		row := FromRegistry(&runs[i])
		if row.StartedAt.Before(since) {
			continue
		}

		out = append(out, row)
	}

	return out
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
