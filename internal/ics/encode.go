package ics

import (
	"sort"
	"strings"
	"unicode/utf8"

	ical "github.com/arran4/golang-ical"

	"calwatch/internal/model"
)

const (
	productID = "-//calwatch//snapshot//EN"
	lineBreak = "\r\n"
	// maxLineOctets is the content-line limit before folding.
	maxLineOctets = 75
)

// Encode returns the native iCalendar text for a snapshot. Fetched and
// loaded snapshots keep their original bytes; snapshots assembled in memory
// are serialized from their event properties, or from the typed fields when
// an event carries no properties.
func Encode(s *model.Snapshot) []byte {
	if s == nil {
		return nil
	}
	if len(s.Raw) > 0 {
		return s.Raw
	}

	var b strings.Builder
	writeLine(&b, "BEGIN:"+string(ical.ComponentVCalendar))
	writeLine(&b, string(ical.PropertyVersion)+":2.0")
	writeLine(&b, string(ical.PropertyProductId)+":"+productID)
	for _, ev := range s.Events() {
		writeLine(&b, "BEGIN:"+string(ical.ComponentVEvent))
		props := ev.Props
		if len(props) == 0 {
			props = synthesizeProps(ev)
		}
		for _, p := range props {
			writeLine(&b, contentLine(p))
		}
		writeLine(&b, "END:"+string(ical.ComponentVEvent))
	}
	writeLine(&b, "END:"+string(ical.ComponentVCalendar))
	return []byte(b.String())
}

// contentLine renders NAME;PARAM=v:value. golang-ical decides the value
// type and escapes TEXT values; parameter values are quoted when they
// contain separators, which golang-ical only does for ALTREP.
func contentLine(p model.Property) string {
	var b strings.Builder
	b.WriteString(p.Name)

	names := make([]string, 0, len(p.Params))
	for name := range p.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteByte(';')
		b.WriteString(name)
		b.WriteByte('=')
		for i, v := range p.Params[name] {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(paramValue(v))
		}
	}

	value := p.Value
	bp := ical.BaseProperty{IANAToken: p.Name, ICalParameters: p.Params}
	if bp.GetValueType() == ical.ValueDataTypeText {
		value = ical.ToText(value)
	}
	b.WriteByte(':')
	b.WriteString(value)
	return b.String()
}

// paramValue quotes values containing ',', ';' or ':'. DQUOTE cannot
// appear inside a parameter value at all, so it is replaced.
func paramValue(v string) string {
	v = strings.ReplaceAll(v, `"`, `'`)
	if strings.ContainsAny(v, ",;:") {
		return `"` + v + `"`
	}
	return v
}

// writeLine folds at 75 octets without splitting UTF-8 sequences.
func writeLine(b *strings.Builder, line string) {
	limit := maxLineOctets
	for len(line) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		b.WriteString(line[:cut])
		b.WriteString(lineBreak + " ")
		line = line[cut:]
		// Continuation lines spend one octet on the leading space.
		limit = maxLineOctets - 1
	}
	b.WriteString(line)
	b.WriteString(lineBreak)
}

// synthesizeProps rebuilds the properties of an event assembled without
// them, sorted the way the parser sorts them.
func synthesizeProps(ev model.Event) []model.Property {
	var props []model.Property
	add := func(name, value string) {
		if value != "" {
			props = append(props, model.Property{Name: name, Value: value})
		}
	}
	add(string(ical.ComponentPropertyUniqueId), ev.UID)
	add(string(ical.ComponentPropertySummary), ev.Summary)
	add(string(ical.ComponentPropertyDescription), ev.Description)
	add(string(ical.ComponentPropertyLocation), ev.Location)
	add(string(ical.ComponentPropertyStatus), ev.Status)
	if ev.Start != nil {
		props = append(props, TemporalProperty(string(ical.ComponentPropertyDtStart), *ev.Start))
	}
	if ev.End != nil {
		props = append(props, TemporalProperty(string(ical.ComponentPropertyDtEnd), *ev.End))
	}
	sort.SliceStable(props, func(i, j int) bool {
		return props[i].Key() < props[j].Key()
	})
	return props
}

// TemporalProperty is the inverse of ParseTemporal.
func TemporalProperty(name string, t model.Temporal) model.Property {
	p := model.Property{Name: name}
	switch t.Kind {
	case model.KindDate:
		p.Value = t.Value.Format(layoutDate)
		p.Params = map[string][]string{string(ical.ParameterValue): {"DATE"}}
	case model.KindUTC:
		p.Value = t.Value.UTC().Format(layoutUTC)
	case model.KindZoned:
		p.Value = t.Value.Format(layoutDateTime)
		p.Params = map[string][]string{string(ical.ParameterTzid): {t.TZID}}
	default:
		p.Value = t.Value.Format(layoutDateTime)
	}
	return p
}
