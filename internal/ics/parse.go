package ics

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	appLog "calwatch/internal/log"
	"calwatch/internal/model"
)

// Parse decodes an iCalendar document into a snapshot. Every VEVENT becomes
// one model.Event, including events without UID; deciding what to do with
// those is up to the caller. Malformed DTSTART/DTEND values leave the field
// nil instead of failing the document.
func Parse(body []byte) (*model.Snapshot, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if err := validateICalFormat(body); err != nil {
		return nil, err
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	vevents := cal.Events()
	events := make([]model.Event, 0, len(vevents))
	for _, ve := range vevents {
		events = append(events, convertVEvent(ve))
	}

	return model.NewSnapshot(body, events), nil
}

// validateICalFormat catches the common case of a login page being served
// instead of the feed.
func validateICalFormat(body []byte) error {
	trimmed := bytes.TrimSpace(body)
	// Tolerate a UTF-8 BOM.
	trimmed = bytes.TrimPrefix(trimmed, []byte("\xef\xbb\xbf"))

	upper := strings.ToUpper(string(trimmed[:min(len(trimmed), 64)]))
	if strings.HasPrefix(upper, "<!DOCTYPE") || strings.HasPrefix(upper, "<HTML") {
		return errors.New("received HTML instead of iCalendar data; check whether the URL requires authentication")
	}
	if !strings.HasPrefix(upper, "BEGIN:VCALENDAR") {
		preview := string(trimmed[:min(len(trimmed), 100)])
		return fmt.Errorf("invalid iCalendar format: expected BEGIN:VCALENDAR, got %q", preview)
	}
	return nil
}

func convertVEvent(ve *ical.VEvent) model.Event {
	var ev model.Event

	props := make([]model.Property, 0, len(ve.Properties))
	for _, p := range ve.Properties {
		props = append(props, canonicalProperty(p.IANAToken, p.ICalParameters, p.Value))
	}
	sort.SliceStable(props, func(i, j int) bool {
		return props[i].Key() < props[j].Key()
	})
	ev.Props = props

	for i := range props {
		p := &props[i]
		switch p.Name {
		case string(ical.ComponentPropertyUniqueId):
			ev.UID = strings.TrimSpace(p.Value)
		case string(ical.ComponentPropertySummary):
			ev.Summary = p.Value
		case string(ical.ComponentPropertyDescription):
			ev.Description = p.Value
		case string(ical.ComponentPropertyLocation):
			ev.Location = p.Value
		case string(ical.ComponentPropertyStatus):
			ev.Status = strings.ToUpper(strings.TrimSpace(p.Value))
		case string(ical.ComponentPropertyDtStart):
			ev.Start = temporalOrNil(*p, ev.UID)
		case string(ical.ComponentPropertyDtEnd):
			ev.End = temporalOrNil(*p, ev.UID)
		}
	}

	return ev
}

func canonicalProperty(name string, params map[string][]string, value string) model.Property {
	p := model.Property{
		Name:  strings.ToUpper(strings.TrimSpace(name)),
		Value: value,
	}
	if len(params) > 0 {
		p.Params = make(map[string][]string, len(params))
		for k, vs := range params {
			cp := make([]string, len(vs))
			for i, v := range vs {
				cp[i] = strings.Trim(v, `"`)
			}
			p.Params[strings.ToUpper(k)] = cp
		}
	}
	if p.Name == string(ical.ComponentPropertyRrule) {
		p.Value = CanonicalRRule(value)
	}
	return p
}

// CanonicalRRule normalizes an RRULE value so that feeds which reorder rule
// parts between downloads do not show up as changes. Values rrule-go cannot
// parse are only upper-cased.
func CanonicalRRule(value string) string {
	opt, err := rrule.StrToROption(value)
	if err != nil {
		return strings.ToUpper(strings.TrimSpace(value))
	}
	return opt.RRuleString()
}

func temporalOrNil(p model.Property, uid string) *model.Temporal {
	t, err := ParseTemporal(p)
	if err != nil {
		appLog.Debug("ics: unreadable date value", "uid", uid, "property", p.Name, "value", p.Value, "err", err)
		return nil
	}
	return &t
}

const (
	layoutDate     = "20060102"
	layoutDateTime = "20060102T150405"
	layoutUTC      = "20060102T150405Z"
)

// ParseTemporal reads a DTSTART/DTEND-style property into one of the four
// temporal forms: DATE, floating DATE-TIME, UTC DATE-TIME, or DATE-TIME with
// TZID.
func ParseTemporal(p model.Property) (model.Temporal, error) {
	v := strings.TrimSpace(p.Value)
	if v == "" {
		return model.Temporal{}, errors.New("empty date value")
	}

	isDate := !strings.Contains(v, "T")
	if vs := p.Params[string(ical.ParameterValue)]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		isDate = true
	}
	if isDate {
		t, err := time.ParseInLocation(layoutDate, v, time.UTC)
		if err != nil {
			return model.Temporal{}, err
		}
		return model.Temporal{Kind: model.KindDate, Value: t}, nil
	}

	if strings.HasSuffix(v, "Z") {
		t, err := time.ParseInLocation(layoutUTC, v, time.UTC)
		if err != nil {
			return model.Temporal{}, err
		}
		return model.Temporal{Kind: model.KindUTC, Value: t}, nil
	}

	t, err := time.ParseInLocation(layoutDateTime, v, time.UTC)
	if err != nil {
		return model.Temporal{}, err
	}

	if tz := p.Params[string(ical.ParameterTzid)]; len(tz) > 0 && tz[0] != "" {
		return model.Temporal{Kind: model.KindZoned, Value: t, TZID: tz[0]}, nil
	}
	return model.Temporal{Kind: model.KindFloating, Value: t}, nil
}
