package chat

import (
	"fmt"
	"time"
)

// ListTimestamp renders the conversation list's relative time: "now" within
// a minute, minutes within the hour, clock time within a day, weekday within
// a week, date otherwise.
func ListTimestamp(t, now time.Time) string {
	diff := now.Sub(t)
	switch {
	case diff < time.Minute:
		return "now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return t.Local().Format("15:04")
	case diff < 7*24*time.Hour:
		return t.Local().Format("Mon")
	default:
		return t.Local().Format("02/01")
	}
}

// DaySeparator labels the calendar-day group a message belongs to, in the
// viewer's local time zone. Grouping is by calendar day, not rolling 24h
// windows, so a label never changes while the stream is on screen.
func DaySeparator(t, now time.Time) string {
	ty, tm, td := t.Local().Date()
	ny, nm, nd := now.Local().Date()
	if ty == ny && tm == nm && td == nd {
		return "Today"
	}
	yy, ym, yd := now.Local().AddDate(0, 0, -1).Date()
	if ty == yy && tm == ym && td == yd {
		return "Yesterday"
	}
	return t.Local().Format("02 January 2006")
}

// Clock is the in-bubble timestamp.
func Clock(t time.Time) string {
	return t.Local().Format("15:04")
}
