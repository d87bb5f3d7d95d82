package engine

import (
	"strings"
	"time"

	"github.com/Dan9191/plot-installments/internal/models"
	"github.com/Dan9191/plot-installments/internal/utils"
)

// frequencyRule describes one payment frequency: how many periods fit in a
// year and how far apart consecutive due dates are.
type frequencyRule struct {
	periodsPerYear int
	months         int // calendar months per period
	days           int // fixed days per period, used when months == 0
}

var frequencyRules = map[models.Frequency]frequencyRule{
	models.FrequencyWeekly:     {periodsPerYear: 52, days: 7},
	models.FrequencyBiweekly:   {periodsPerYear: 24},
	models.FrequencyMonthly:    {periodsPerYear: 12, months: 1},
	models.FrequencyBimonthly:  {periodsPerYear: 6, months: 2},
	models.FrequencyQuarterly:  {periodsPerYear: 4, months: 3},
	models.FrequencySemiannual: {periodsPerYear: 2, months: 6},
	models.FrequencyAnnual:     {periodsPerYear: 1, months: 12},
}

// biweekly is semi-monthly: the odd periods fall half a month after the even ones.
const semiMonthOffsetDays = 15

// ParseFrequency accepts a frequency name in any case.
func ParseFrequency(s string) (models.Frequency, error) {
	f := models.Frequency(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := frequencyRules[f]; !ok {
		return "", models.ValidationError("frequency", "unsupported frequency %q", s)
	}
	return f, nil
}

// PeriodsPerYear returns the number of installments per year for f.
func PeriodsPerYear(f models.Frequency) (int, error) {
	rule, ok := frequencyRules[f]
	if !ok {
		return 0, models.ValidationError("frequency", "unsupported frequency %q", f)
	}
	return rule.periodsPerYear, nil
}

// Advance returns the due date n periods after first. Month based
// frequencies are computed from first every time, so a schedule starting on
// the 31st returns to the 31st after shorter months.
func Advance(first time.Time, f models.Frequency, n int) (time.Time, error) {
	rule, ok := frequencyRules[f]
	if !ok {
		return time.Time{}, models.ValidationError("frequency", "unsupported frequency %q", f)
	}
	if n < 0 {
		return time.Time{}, models.ValidationError("n", "period offset must not be negative, got %d", n)
	}
	start := utils.DateOnly(first)

	switch {
	case f == models.FrequencyBiweekly:
		d := utils.AddMonthsClamped(start, n/2)
		if n%2 == 1 {
			d = d.AddDate(0, 0, semiMonthOffsetDays)
		}
		return d, nil
	case rule.months > 0:
		return utils.AddMonthsClamped(start, rule.months*n), nil
	default:
		return start.AddDate(0, 0, rule.days*n), nil
	}
}
