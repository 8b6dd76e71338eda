package progress

import "time"

// Window is a challenge's active interval as ledger-native Unix seconds.
type Window struct {
	Start int64
	End   int64
}

// TotalDays counts the UTC calendar days the window touches: both endpoint
// dates are truncated to UTC days and the span is inclusive.
func (w Window) TotalDays() int {
	start := truncateUTC(time.Unix(w.Start, 0))
	end := truncateUTC(time.Unix(w.End, 0))
	if end.Before(start) {
		return 0
	}
	return int(end.Sub(start).Hours()/24) + 1
}

// Contains reports whether a timestamp falls inside the window.
func (w Window) Contains(ts time.Time) bool {
	s := ts.Unix()
	return s >= w.Start && s <= w.End
}

// Days returns every UTC date key the window covers, oldest first.
func (w Window) Days() []string {
	total := w.TotalDays()
	if total <= 0 {
		return nil
	}
	days := make([]string, 0, total)
	d := truncateUTC(time.Unix(w.Start, 0))
	for i := 0; i < total; i++ {
		days = append(days, d.Format(dayKeyLayout))
		d = d.AddDate(0, 0, 1)
	}
	return days
}

const dayKeyLayout = "2006-01-02"

func truncateUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// dayKey converts a timestamp to its UTC date key.
func dayKey(t time.Time) string {
	return t.UTC().Format(dayKeyLayout)
}

// ratioFromDaily applies the daily threshold rule: a day is met when its
// count reaches goalAmount, and the ratio is met days over total days.
func ratioFromDaily(counts map[string]int64, w Window, goalAmount int64) float64 {
	total := w.TotalDays()
	if total <= 0 {
		return 0
	}
	if goalAmount <= 0 {
		goalAmount = 1
	}
	met := 0
	for _, day := range w.Days() {
		if counts[day] >= goalAmount {
			met++
		}
	}
	return float64(met) / float64(total)
}
