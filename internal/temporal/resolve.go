// Package temporal turns feed date/time values into comparable instants in
// the observer's timezone and renders them for humans.
package temporal

import (
	"sync"
	"time"

	"calwatch/internal/model"
)

const (
	// DisplayLayout is weekday, date and 24h time, e.g. "Mon, 06.01.25 09:00".
	DisplayLayout = "Mon, 02.01.06 15:04"
	// DateLayout is used for all-day values, which carry no time of day.
	DateLayout = "Mon, 02.01.06"
	// Placeholder stands in for absent or unresolvable values.
	Placeholder = "???"
)

// Windows zone names some Exchange/Outlook feeds put in TZID.
var windowsToIANA = map[string]string{
	"Pacific Standard Time":          "America/Los_Angeles",
	"Mountain Standard Time":         "America/Denver",
	"Central Standard Time":          "America/Chicago",
	"Eastern Standard Time":          "America/New_York",
	"Atlantic Standard Time":         "America/Halifax",
	"Alaskan Standard Time":          "America/Anchorage",
	"Hawaiian Standard Time":         "Pacific/Honolulu",
	"GMT Standard Time":              "Europe/London",
	"W. Europe Standard Time":        "Europe/Berlin",
	"Central Europe Standard Time":   "Europe/Budapest",
	"Romance Standard Time":          "Europe/Paris",
	"Central European Standard Time": "Europe/Warsaw",
	"E. Europe Standard Time":        "Europe/Chisinau",
	"China Standard Time":            "Asia/Shanghai",
	"Tokyo Standard Time":            "Asia/Tokyo",
	"Korea Standard Time":            "Asia/Seoul",
	"India Standard Time":            "Asia/Kolkata",
	"AUS Eastern Standard Time":      "Australia/Sydney",
	"UTC":                            "UTC",
}

var (
	zoneMu    sync.RWMutex
	zoneCache = map[string]*time.Location{}
)

// LookupZone finds a TZID in the timezone database. Windows zone names are
// mapped to their IANA equivalent first. "Local" names the host zone, not a
// feed zone, and is reported unknown. Only hits are cached.
func LookupZone(tzid string) (*time.Location, bool) {
	if tzid == "" || tzid == "Local" {
		return nil, false
	}

	zoneMu.RLock()
	loc, cached := zoneCache[tzid]
	zoneMu.RUnlock()
	if cached {
		return loc, true
	}

	name := tzid
	if iana, ok := windowsToIANA[tzid]; ok {
		name = iana
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, false
	}

	zoneMu.Lock()
	zoneCache[tzid] = loc
	zoneMu.Unlock()

	return loc, true
}

// Resolve converts v to an instant expressed in observer. It reports false
// for plain dates and for zoned values whose TZID is unknown.
func Resolve(v model.Temporal, observer *time.Location) (time.Time, bool) {
	if observer == nil {
		observer = time.Local
	}

	switch v.Kind {
	case model.KindDate:
		return time.Time{}, false
	case model.KindFloating:
		return wallClockIn(v.Value, observer), true
	case model.KindUTC:
		return v.Value.In(observer), true
	case model.KindZoned:
		loc, ok := LookupZone(v.TZID)
		if !ok {
			return time.Time{}, false
		}
		return wallClockIn(v.Value, loc).In(observer), true
	default:
		return time.Time{}, false
	}
}

// Format renders v for display in observer, falling back to Placeholder.
func Format(v *model.Temporal, observer *time.Location) string {
	if v == nil {
		return Placeholder
	}
	if v.Kind == model.KindDate {
		return v.Value.Format(DateLayout)
	}
	t, ok := Resolve(*v, observer)
	if !ok {
		return Placeholder
	}
	return t.Format(DisplayLayout)
}

func wallClockIn(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}
