package billingcycle

import (
	"strings"
	"time"
)

type Period string

const (
	PeriodMonthly Period = "monthly"
	PeriodAnnual  Period = "annual"
)

func ParsePeriod(value string) (Period, bool) {
	switch Period(strings.ToLower(strings.TrimSpace(value))) {
	case PeriodMonthly:
		return PeriodMonthly, true
	case PeriodAnnual:
		return PeriodAnnual, true
	default:
		return "", false
	}
}

func (p Period) Valid() bool {
	return p == PeriodMonthly || p == PeriodAnnual
}

// AddPeriod advances start by exactly one billing period, with the
// calendar rollover semantics of time.AddDate (Jan 31 + 1 month = Mar 2/3).
func AddPeriod(start time.Time, period Period) time.Time {
	if period == PeriodAnnual {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// CountElapsedPeriods reports how many full period boundaries fall between
// start and end, counting a boundary landing exactly on end. Used for
// amount-billed-since-start reporting only.
func CountElapsedPeriods(start, end time.Time, period Period) int {
	if !end.After(start) {
		return 0
	}
	count := 0
	for {
		var boundary time.Time
		if period == PeriodAnnual {
			boundary = start.AddDate(count+1, 0, 0)
		} else {
			boundary = start.AddDate(0, count+1, 0)
		}
		if boundary.After(end) {
			return count
		}
		count++
	}
}
