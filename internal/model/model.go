package model

import (
	"sort"
	"strings"
	"time"
)

// TemporalKind tags which representation a Temporal carries.
type TemporalKind int

const (
	// KindDate is a plain calendar date without time of day.
	KindDate TemporalKind = iota
	// KindFloating is a wall-clock date-time with no timezone attached.
	KindFloating
	// KindUTC is an absolute instant.
	KindUTC
	// KindZoned is a wall-clock date-time paired with a TZID.
	KindZoned
)

func (k TemporalKind) String() string {
	switch k {
	case KindDate:
		return "date"
	case KindFloating:
		return "floating"
	case KindUTC:
		return "utc"
	case KindZoned:
		return "zoned"
	default:
		return "unknown"
	}
}

// Temporal is a DTSTART/DTEND value as written in the feed.
//
// For KindDate, KindFloating and KindZoned, Value holds the wall-clock fields
// in time.UTC; they are not UTC instants and must go through the temporal
// resolver before being compared with real instants. For KindUTC, Value is
// the instant itself.
type Temporal struct {
	Kind  TemporalKind
	Value time.Time
	TZID  string
}

// Date builds a KindDate value.
func Date(year int, month time.Month, day int) Temporal {
	return Temporal{Kind: KindDate, Value: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// Floating builds a KindFloating value from wall-clock fields.
func Floating(year int, month time.Month, day, hour, min, sec int) Temporal {
	return Temporal{Kind: KindFloating, Value: time.Date(year, month, day, hour, min, sec, 0, time.UTC)}
}

// UTC builds a KindUTC value.
func UTC(t time.Time) Temporal {
	return Temporal{Kind: KindUTC, Value: t.UTC()}
}

// Zoned builds a KindZoned value from wall-clock fields and a TZID.
func Zoned(year int, month time.Month, day, hour, min, sec int, tzid string) Temporal {
	return Temporal{Kind: KindZoned, Value: time.Date(year, month, day, hour, min, sec, 0, time.UTC), TZID: tzid}
}

// Equal reports whether two values carry the same representation.
func (t Temporal) Equal(o Temporal) bool {
	return t.Kind == o.Kind && t.Value.Equal(o.Value) && t.TZID == o.TZID
}

// Property is one content line of a VEVENT in canonical form.
type Property struct {
	Name   string
	Params map[string][]string
	Value  string
}

// Key renders the property as a single comparable string:
// NAME;P1=a,b;P2=c:value with parameter names sorted.
func (p Property) Key() string {
	names := make([]string, 0, len(p.Params))
	for name := range p.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(p.Name)
	for _, name := range names {
		b.WriteString(";")
		b.WriteString(name)
		b.WriteString("=")
		b.WriteString(strings.Join(p.Params[name], ","))
	}
	b.WriteString(":")
	b.WriteString(p.Value)
	return b.String()
}

// Event is a single VEVENT from a snapshot.
type Event struct {
	UID         string
	Summary     string
	Description string
	Location    string
	Status      string

	Start *Temporal
	End   *Temporal

	// Props holds every property of the VEVENT, sorted, used for content
	// equality and for re-encoding.
	Props []Property
}

// Snapshot is one fetched or loaded version of a calendar document.
type Snapshot struct {
	// Raw is the document as fetched; persisted verbatim when present.
	Raw []byte

	events []Event
	index  map[string]int
}

// NewSnapshot builds a snapshot and its UID index. When a UID appears more
// than once, the index points at the first occurrence.
func NewSnapshot(raw []byte, events []Event) *Snapshot {
	s := &Snapshot{
		Raw:    raw,
		events: events,
		index:  make(map[string]int, len(events)),
	}
	for i, ev := range events {
		if ev.UID == "" {
			continue
		}
		if _, seen := s.index[ev.UID]; !seen {
			s.index[ev.UID] = i
		}
	}
	return s
}

// Events returns the events in document order. Callers must not modify the
// returned slice.
func (s *Snapshot) Events() []Event {
	if s == nil {
		return nil
	}
	return s.events
}

// Len returns the number of events.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.events)
}

// FindByIdentity returns the first event whose UID equals key.
func (s *Snapshot) FindByIdentity(key string) (*Event, bool) {
	if s == nil || key == "" {
		return nil, false
	}
	i, ok := s.index[key]
	if !ok {
		return nil, false
	}
	return &s.events[i], true
}

// ChangeKind classifies a Change.
type ChangeKind int

const (
	Created ChangeKind = iota
	Changed
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Created:
		return "created"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is one classified difference between two snapshots. New is set for
// Created and Changed, Old for Changed and Removed. Both point into the
// snapshots that produced them.
type Change struct {
	Kind ChangeKind
	New  *Event
	Old  *Event
}

// Endpoint is one configured feed.
type Endpoint struct {
	// Key identifies the stored snapshot; filesystem-safe.
	Key string
	// Name is a display label used in rendered titles.
	Name string
	// URL is the ICS endpoint.
	URL string
	// Destination is where notifications go (webhook URL or channel ID).
	Destination string
}

// SafeKey turns a display name into a filesystem-safe snapshot key. Every
// rune outside [A-Za-z0-9._-] becomes '_'.
func SafeKey(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	key := b.String()
	if key == "" || strings.Trim(key, ".") == "" {
		return "_"
	}
	return key
}
