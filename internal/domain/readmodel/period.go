package readmodel

import (
	"fmt"
	"strings"
	"time"
)

// Granularity selects how event timestamps bucket into periods.
type Granularity string

const (
	Monthly   Granularity = "month"
	Quarterly Granularity = "quarter"
)

// ParseGranularity accepts "month" and "quarter"; anything else is monthly.
func ParseGranularity(s string) Granularity {
	if strings.EqualFold(strings.TrimSpace(s), string(Quarterly)) {
		return Quarterly
	}
	return Monthly
}

// PeriodOf returns the period label of t ("2024-01" or "2024-Q1"), in UTC.
func (g Granularity) PeriodOf(t time.Time) string {
	t = t.UTC()
	if g == Quarterly {
		return fmt.Sprintf("%04d-Q%d", t.Year(), (int(t.Month())-1)/3+1)
	}
	return t.Format("2006-01")
}

// Matches reports whether period is a well-formed label of this
// granularity, in the form PeriodOf produces.
func (g Granularity) Matches(period string) bool {
	from, _, err := PeriodBounds(period)
	return err == nil && g.PeriodOf(from) == period
}

// PeriodBounds returns the half-open UTC interval [from, to) covered by a
// period label in either format.
func PeriodBounds(period string) (time.Time, time.Time, error) {
	if y, q, ok := strings.Cut(period, "-Q"); ok {
		var year, quarter int
		if _, err := fmt.Sscanf(y+" "+q, "%d %d", &year, &quarter); err != nil || quarter < 1 || quarter > 4 {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid quarter period %q", period)
		}
		from := time.Date(year, time.Month((quarter-1)*3+1), 1, 0, 0, 0, 0, time.UTC)
		return from, from.AddDate(0, 3, 0), nil
	}
	from, err := time.Parse("2006-01", period)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid month period %q", period)
	}
	return from, from.AddDate(0, 1, 0), nil
}
