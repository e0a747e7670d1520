package helpers

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

// TimeRange bounds a listing of stored sessions. A zero bound is open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// TimeFlags holds the flag values for time range parsing.
type TimeFlags struct {
	Since string
	From  string
	To    string
}

// AddFlags adds time range flags to a FlagSet.
func (f *TimeFlags) AddFlags(flags *pflag.FlagSet) {
	flags.StringVar(&f.Since, "since", "", "Only sessions recorded within this duration (e.g. 30m, 24h)")
	flags.StringVar(&f.From, "from", "", "Start time (RFC3339, YYYY-MM-DD or 'now')")
	flags.StringVar(&f.To, "to", "", "End time (RFC3339, YYYY-MM-DD or 'now')")
}

// Parse returns the selected range. --from/--to take precedence over
// --since; with no flags set the range is unbounded.
func (f *TimeFlags) Parse() (TimeRange, error) {
	return f.parseAt(time.Now())
}

func (f *TimeFlags) parseAt(now time.Time) (TimeRange, error) {
	var r TimeRange

	if f.From != "" || f.To != "" {
		var err error
		if f.From != "" {
			if r.Start, err = parseTime(f.From, now); err != nil {
				return TimeRange{}, fmt.Errorf("invalid --from time: %w", err)
			}
		}
		if f.To != "" {
			if r.End, err = parseTime(f.To, now); err != nil {
				return TimeRange{}, fmt.Errorf("invalid --to time: %w", err)
			}
		}
		if !r.Start.IsZero() && !r.End.IsZero() && r.End.Before(r.Start) {
			return TimeRange{}, fmt.Errorf("end time cannot be before start time")
		}
		return r, nil
	}

	if f.Since != "" {
		d, err := time.ParseDuration(f.Since)
		if err != nil {
			return TimeRange{}, fmt.Errorf("invalid --since duration: %w", err)
		}
		if d <= 0 {
			return TimeRange{}, fmt.Errorf("--since must be positive, got %s", f.Since)
		}
		r.Start = now.Add(-d)
	}
	return r, nil
}

func parseTime(s string, now time.Time) (time.Time, error) {
	if s == "now" {
		return now, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format %q (use RFC3339)", s)
}
