// dates.go - Date normalization for extracted invoice fields

package dates

import (
	"strings"
	"time"
)

// IST is the display timezone for upload timestamps (UTC+5:30).
var IST = time.FixedZone("IST", 5*60*60+30*60)

// Layouts accepted from the extraction service, tried in order.
// Non-padded layouts accept both "2/1/2006" and "02/01/2006" style input.
var inputLayouts = []string{
	"2-1-2006",       // 10-12-2025
	"2/1/2006",       // 10/12/2025
	"2-Jan-2006",     // 10-Dec-2025
	"2-January-2006", // 10-December-2025
	"2006-1-2",       // 2025-12-10
	"1/2/2006",       // 12/10/2025 (US style, last resort)
}

// DBLayout is the canonical storage format (YYYY-MM-DD).
const DBLayout = "2006-01-02"

// Parse attempts each accepted layout in turn and reports whether any matched.
func Parse(dateStr string) (time.Time, bool) {
	dateStr = strings.TrimSpace(dateStr)
	if dateStr == "" {
		return time.Time{}, false
	}
	for _, layout := range inputLayouts {
		if t, err := time.Parse(layout, dateStr); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Normalize converts any accepted input format to DD-MM-YYYY.
// Unparseable input is returned unchanged.
func Normalize(dateStr string) string {
	t, ok := Parse(dateStr)
	if !ok {
		return strings.TrimSpace(dateStr)
	}
	return t.Format("02-01-2006")
}

// FormatToDB converts any accepted input format to the canonical storage
// format. When the input cannot be parsed the current IST date is returned
// instead of an empty field; an unset date would otherwise vanish from the
// review tables.
func FormatToDB(dateStr string) string {
	t, ok := Parse(dateStr)
	if !ok {
		return NowIST().Format(DBLayout)
	}
	return t.Format(DBLayout)
}

// ParseDB parses a stored YYYY-MM-DD value.
func ParseDB(dateStr string) (time.Time, bool) {
	t, err := time.Parse(DBLayout, strings.TrimSpace(dateStr))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// NowIST returns the current time in IST.
func NowIST() time.Time {
	return time.Now().In(IST)
}

// NowISTString returns the current IST time as dd-MMM-yyyy HH:MM:SS,
// the display format used for upload_date.
func NowISTString() string {
	return NowIST().Format("02-Jan-2006 15:04:05")
}
