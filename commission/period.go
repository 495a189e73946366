package commission

import "time"

// =============================================================================
// PERIOD - Payment batching windows
// =============================================================================

// Period is an inclusive [Start, End] window.
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains returns true if t is within the period [Start, End].
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

// Validate rejects periods that end before they start.
func (p Period) Validate() error {
	if p.End.Before(p.Start) {
		return ErrInvalidPeriod
	}
	return nil
}

func (p Period) String() string {
	return "[" + p.Start.Format(time.DateOnly) + ", " + p.End.Format(time.DateOnly) + "]"
}

// PeriodFor returns the payment period containing t for the frequency.
// Weeks start on Monday. Immediate payment is batched daily.
func PeriodFor(freq PaymentFrequency, t time.Time) Period {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)

	var start, next time.Time
	switch freq {
	case FrequencyWeekly:
		offset := (int(day.Weekday()) + 6) % 7
		start = day.AddDate(0, 0, -offset)
		next = start.AddDate(0, 0, 7)
	case FrequencyMonthly:
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		next = start.AddDate(0, 1, 0)
	case FrequencyQuarterly:
		firstMonth := time.Month((int(t.Month())-1)/3*3 + 1)
		start = time.Date(t.Year(), firstMonth, 1, 0, 0, 0, 0, time.UTC)
		next = start.AddDate(0, 3, 0)
	default:
		start = day
		next = start.AddDate(0, 0, 1)
	}
	return Period{Start: start, End: next.Add(-time.Nanosecond)}
}

// PreviousPeriod returns the last period that completed before t.
func PreviousPeriod(freq PaymentFrequency, t time.Time) Period {
	current := PeriodFor(freq, t)
	return PeriodFor(freq, current.Start.Add(-time.Nanosecond))
}
