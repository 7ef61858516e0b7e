package aggregator

import "time"

const (
	dateLayout = "2006-01-02"
	slotLayout = "15:04"

	// DefaultLocation is the zone bucket dates and slots are computed in.
	DefaultLocation = "Asia/Phnom_Penh"

	// DefaultDailyWindow is how long before local midnight the daily
	// rollup is evaluated.
	DefaultDailyWindow = 10 * time.Second

	powerSlotMinutes = 10
)

// schedule maps instants onto local bucket keys.
type schedule struct {
	loc         *time.Location
	dailyWindow time.Duration
}

func (s schedule) local(now time.Time) time.Time {
	return now.In(s.loc)
}

// powerSlot returns the date and HH:mm keys for now, and whether now falls
// on a ten-minute boundary.
func (s schedule) powerSlot(now time.Time) (date, slot string, ok bool) {
	t := s.local(now)
	if t.Minute()%powerSlotMinutes != 0 {
		return "", "", false
	}
	return t.Format(dateLayout), t.Format(slotLayout), true
}

// inDailyWindow reports whether now lies in [midnight-window, midnight) of
// its local day.
func (s schedule) inDailyWindow(now time.Time) bool {
	t := s.local(now)
	midnight := time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, s.loc)
	return !t.Before(midnight.Add(-s.dailyWindow)) && t.Before(midnight)
}

func (s schedule) date(now time.Time) string {
	return s.local(now).Format(dateLayout)
}

// previousDate returns the local date before the given one.
func previousDate(date string, loc *time.Location) (string, error) {
	t, err := time.ParseInLocation(dateLayout, date, loc)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, -1).Format(dateLayout), nil
}
