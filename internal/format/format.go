// Package format - человекочитаемые размеры, скорости и интервалы для снимков статуса.
package format

import (
	"fmt"
	"time"
)

// шаг 1024, как в выводе wg
var byteUnits = []string{"B", "KB", "MB", "GB", "TB"}

// Bytes: 0 → "0 B", 512 → "512 B", 1536 → "1.5 KB".
func Bytes(n float64) string {
	if n <= 0 {
		return "0 B"
	}
	i := 0
	for n >= 1024 && i < len(byteUnits)-1 {
		n /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%d %s", int64(n), byteUnits[i])
	}
	return fmt.Sprintf("%.1f %s", n, byteUnits[i])
}

// Rate - байты в секунду.
func Rate(bps float64) string { return Bytes(bps) + "/s" }

type span struct {
	limit time.Duration
	unit  time.Duration
	tmpl  string
}

var agoTable = []span{
	{time.Hour, time.Minute, "%d min ago"},
	{24 * time.Hour, time.Hour, "%dh ago"},
	{0, 24 * time.Hour, "%dd ago"},
}

// TimeAgo - "Never" для нулевого времени, "Just now" для < 1 мин.
func TimeAgo(t, now time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	d := now.Sub(t)
	if d < time.Minute {
		return "Just now"
	}
	for _, s := range agoTable {
		if s.limit == 0 || d < s.limit {
			return fmt.Sprintf(s.tmpl, int64(d/s.unit))
		}
	}
	return ""
}

// Duration: "45s", "12m", "3h 5m", "2d 4h"; младшая часть опускается, если она нулевая.
func Duration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int64(d/time.Second))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int64(d/time.Minute))
	case d < 24*time.Hour:
		return pair(d, time.Hour, time.Minute, "h", "m")
	default:
		return pair(d, 24*time.Hour, time.Hour, "d", "h")
	}
}

func pair(d, major, minor time.Duration, a, b string) string {
	hi := int64(d / major)
	lo := int64((d % major) / minor)
	if lo == 0 {
		return fmt.Sprintf("%d%s", hi, a)
	}
	return fmt.Sprintf("%d%s %d%s", hi, a, lo, b)
}
