package views

import (
	"fmt"
	"time"

	"cnc-monitor-backend/config"
)

// Shift is a named daily window. A shift whose end is not after its start
// runs past midnight into the next day.
type Shift struct {
	Name                   string
	startHour, startMinute int
	endHour, endMinute     int
}

// NewShifts converts the configured shifts. Names must be unique.
func NewShifts(cfgs []config.ShiftConfig) ([]Shift, error) {
	seen := make(map[string]bool, len(cfgs))
	shifts := make([]Shift, 0, len(cfgs))
	for _, c := range cfgs {
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate shift %q", c.Name)
		}
		seen[c.Name] = true

		start, err := time.Parse("15:04", c.Start)
		if err != nil {
			return nil, fmt.Errorf("shift %q: invalid start %q: %w", c.Name, c.Start, err)
		}
		end, err := time.Parse("15:04", c.End)
		if err != nil {
			return nil, fmt.Errorf("shift %q: invalid end %q: %w", c.Name, c.End, err)
		}
		shifts = append(shifts, Shift{
			Name:        c.Name,
			startHour:   start.Hour(),
			startMinute: start.Minute(),
			endHour:     end.Hour(),
			endMinute:   end.Minute(),
		})
	}
	return shifts, nil
}

// Window returns the shift's bounds on the given calendar day in loc.
func (s Shift) Window(day time.Time, loc *time.Location) (time.Time, time.Time) {
	y, m, d := day.In(loc).Date()
	from := time.Date(y, m, d, s.startHour, s.startMinute, 0, 0, loc)
	to := time.Date(y, m, d, s.endHour, s.endMinute, 0, 0, loc)
	if !to.After(from) {
		to = time.Date(y, m, d+1, s.endHour, s.endMinute, 0, 0, loc)
	}
	return from, to
}

// dayWindow covers the whole calendar day in loc.
func dayWindow(day time.Time, loc *time.Location) (time.Time, time.Time) {
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc), time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}
