package diff

import (
	"strings"

	"calwatch/internal/model"
)

// DefaultIgnoredProperties are left out of content equality. Many feeds
// stamp DTSTAMP with the download time, so every fetch would otherwise look
// like a change to every event.
var DefaultIgnoredProperties = []string{"DTSTAMP"}

// IdentityOf returns the identity key of ev, or false when the feed did not
// give it a UID.
func IdentityOf(ev *model.Event) (string, bool) {
	if ev == nil || ev.UID == "" {
		return "", false
	}
	return ev.UID, true
}

// ContentEqual reports whether a and b carry the same summary, start, end
// and properties, ignoring the named ones (case-insensitive). When either
// event was assembled without properties, only the typed fields count.
func ContentEqual(a, b *model.Event, ignored []string) bool {
	if a == nil || b == nil {
		return a == b
	}
	if !isIgnored("SUMMARY", ignored) && a.Summary != b.Summary {
		return false
	}
	if !isIgnored("DTSTART", ignored) && !temporalEqual(a.Start, b.Start) {
		return false
	}
	if !isIgnored("DTEND", ignored) && !temporalEqual(a.End, b.End) {
		return false
	}
	if len(a.Props) == 0 || len(b.Props) == 0 {
		return (isIgnored("DESCRIPTION", ignored) || a.Description == b.Description) &&
			(isIgnored("LOCATION", ignored) || a.Location == b.Location) &&
			(isIgnored("STATUS", ignored) || a.Status == b.Status)
	}
	ka := propertyKeys(a, ignored)
	kb := propertyKeys(b, ignored)
	if len(ka) != len(kb) {
		return false
	}
	for i := range ka {
		if ka[i] != kb[i] {
			return false
		}
	}
	return true
}

func temporalEqual(a, b *model.Temporal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// propertyKeys relies on Props being sorted by the parser.
func propertyKeys(ev *model.Event, ignored []string) []string {
	keys := make([]string, 0, len(ev.Props))
	for _, p := range ev.Props {
		if isIgnored(p.Name, ignored) {
			continue
		}
		keys = append(keys, p.Key())
	}
	return keys
}

func isIgnored(name string, ignored []string) bool {
	for _, ig := range ignored {
		if strings.EqualFold(name, ig) {
			return true
		}
	}
	return false
}
