package chat

import (
	"fmt"
	"time"
)

// FormatTime renders t in local time as H:MM (hour unpadded).
func FormatTime(t time.Time) string {
	t = t.Local()
	return fmt.Sprintf("%d:%02d", t.Hour(), t.Minute())
}

// FormatDate renders t in local time as DD/MM/YYYY.
func FormatDate(t time.Time) string {
	return t.Local().Format("02/01/2006")
}
