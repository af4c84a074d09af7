package diff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calwatch/internal/model"
)

// Monday 2025-01-06 is the reference week.
var (
	monday9    = model.Floating(2025, time.January, 6, 9, 0, 0)
	monday1030 = model.Floating(2025, time.January, 6, 10, 30, 0)
	monday10   = model.Floating(2025, time.January, 6, 10, 0, 0)
	friday9    = model.Floating(2025, time.January, 10, 9, 0, 0)
	friday11   = model.Floating(2025, time.January, 10, 11, 0, 0)

	sundayNight = time.Date(2025, time.January, 5, 23, 0, 0, 0, time.UTC)
	tuesday     = time.Date(2025, time.January, 7, 12, 0, 0, 0, time.UTC)
)

func opts(now time.Time) Options {
	return Options{Now: now, Observer: time.UTC}
}

func temporalProp(name string, v model.Temporal) model.Property {
	p := model.Property{Name: name, Value: v.Value.Format("20060102T150405")}
	switch v.Kind {
	case model.KindDate:
		p.Value = v.Value.Format("20060102")
		p.Params = map[string][]string{"VALUE": {"DATE"}}
	case model.KindUTC:
		p.Value += "Z"
	case model.KindZoned:
		p.Params = map[string][]string{"TZID": {v.TZID}}
	}
	return p
}

func event(uid, summary string, start, end model.Temporal) model.Event {
	ev := model.Event{UID: uid, Summary: summary, Start: &start, End: &end}
	ev.Props = []model.Property{
		temporalProp("DTEND", end),
		{Name: "DTSTAMP", Value: "20250101T000000Z"},
		temporalProp("DTSTART", start),
		{Name: "SUMMARY", Value: summary},
	}
	if uid != "" {
		ev.Props = append(ev.Props, model.Property{Name: "UID", Value: uid})
	}
	return ev
}

func snapshot(events ...model.Event) *model.Snapshot {
	return model.NewSnapshot(nil, events)
}

func TestCompareSameSnapshotIsEmpty(t *testing.T) {
	s := snapshot(
		event("A", "Math", monday9, monday1030),
		event("B", "Physics", friday9, friday11),
		event("", "No identity", friday9, friday11),
	)

	res := Compare(s, s, opts(sundayNight))
	assert.True(t, res.Empty())
}

func TestCompareCreated(t *testing.T) {
	next := snapshot(event("A", "Math", monday9, monday1030))
	prev := snapshot()

	res := Compare(next, prev, opts(sundayNight))
	require.Len(t, res.Changes, 1)
	assert.Equal(t, model.Created, res.Changes[0].Kind)
	assert.Equal(t, "A", res.Changes[0].New.UID)
	assert.Nil(t, res.Changes[0].Old)
}

func TestCompareNilPreviousIsEmpty(t *testing.T) {
	next := snapshot(event("A", "Math", monday9, monday1030), event("B", "Physics", friday9, friday11))

	res := Compare(next, nil, opts(sundayNight))
	assert.Equal(t, 2, res.Count(model.Created))
}

func TestCompareRemoved(t *testing.T) {
	next := snapshot(event("A", "Math", monday9, monday1030))
	prev := snapshot(event("A", "Math", monday9, monday1030), event("B", "Physics", friday9, friday11))

	res := Compare(next, prev, opts(sundayNight))
	require.Len(t, res.Changes, 1)
	assert.Equal(t, model.Removed, res.Changes[0].Kind)
	assert.Equal(t, "B", res.Changes[0].Old.UID)
}

func TestCompareChangedIsNeverCreatedPlusRemoved(t *testing.T) {
	next := snapshot(event("A", "Math", monday10, monday1030))
	prev := snapshot(event("A", "Math", monday9, monday1030))

	res := Compare(next, prev, opts(sundayNight))
	require.Len(t, res.Changes, 1)
	c := res.Changes[0]
	assert.Equal(t, model.Changed, c.Kind)
	assert.Equal(t, "A", c.New.UID)
	assert.Equal(t, "A", c.Old.UID)
	assert.Equal(t, monday10, *c.New.Start)
	assert.Equal(t, monday9, *c.Old.Start)
}

func TestCompareIgnoresDTSTAMPByDefault(t *testing.T) {
	a := event("A", "Math", monday9, monday1030)
	b := event("A", "Math", monday9, monday1030)
	b.Props[1].Value = "20250105T120000Z"

	res := Compare(snapshot(b), snapshot(a), opts(sundayNight))
	assert.True(t, res.Empty())

	o := opts(sundayNight)
	o.Ignored = []string{}
	res = Compare(snapshot(b), snapshot(a), o)
	assert.Equal(t, 1, res.Count(model.Changed))
}

func TestCompareElapsedEventsAreFiltered(t *testing.T) {
	// B ended Monday 10:00; now is Tuesday, so its removal is stale.
	prev := snapshot(event("B", "Chemistry", monday9, monday10))
	next := snapshot()

	res := Compare(next, prev, opts(tuesday))
	assert.Zero(t, res.Count(model.Removed))

	// Elapsed events on the new side are ignored as well.
	res = Compare(snapshot(event("C", "History", monday9, monday10)), snapshot(), opts(tuesday))
	assert.True(t, res.Empty())

	changed := event("B", "Chemistry II", monday9, monday10)
	res = Compare(snapshot(changed), prev, opts(tuesday))
	assert.True(t, res.Empty())
}

func TestCompareKeepElapsed(t *testing.T) {
	prev := snapshot(event("B", "Chemistry", monday9, monday10))

	o := opts(tuesday)
	o.KeepElapsed = true
	res := Compare(snapshot(), prev, o)
	assert.Equal(t, 1, res.Count(model.Removed))
}

func TestCompareEndExactlyNowIsRelevant(t *testing.T) {
	now := time.Date(2025, time.January, 6, 10, 30, 0, 0, time.UTC)
	res := Compare(snapshot(event("A", "Math", monday9, monday1030)), snapshot(), opts(now))
	assert.Equal(t, 1, res.Count(model.Created))
}

func TestCompareConservativeRelevance(t *testing.T) {
	allDay := event("D", "Holiday", model.Date(2025, time.January, 1), model.Date(2025, time.January, 2))
	unknownZone := event("Z", "Somewhere", monday9, model.Zoned(2025, time.January, 6, 10, 0, 0, "Nowhere/Land"))
	noEnd := event("N", "Open", monday9, monday10)
	noEnd.End = nil

	res := Compare(snapshot(), snapshot(allDay, unknownZone, noEnd), opts(tuesday))
	assert.Equal(t, 3, res.Count(model.Removed))
}

func TestCompareMissingUIDIsSkippedAndWarned(t *testing.T) {
	next := snapshot(event("", "Anonymous", friday9, friday11))
	prev := snapshot(event("", "Also anonymous", friday9, friday11))

	res := Compare(next, prev, opts(sundayNight))
	assert.True(t, res.Empty())
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, WarnMissingUID, res.Warnings[0].Kind)
	assert.Equal(t, "Anonymous", res.Warnings[0].Summary)
}

func TestCompareDuplicateUIDFirstMatchWins(t *testing.T) {
	prev := snapshot(
		event("A", "Math", monday9, monday1030),
		event("A", "Math (copy)", friday9, friday11),
	)
	next := snapshot(event("A", "Math", monday9, monday1030))

	res := Compare(next, prev, opts(sundayNight))
	assert.True(t, res.Empty())

	res = Compare(prev, next, opts(sundayNight))
	// The second "A" is compared against the first match in next.
	require.Len(t, res.Changes, 1)
	assert.Equal(t, model.Changed, res.Changes[0].Kind)
	assert.Equal(t, "Math (copy)", res.Changes[0].New.Summary)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, WarnDuplicateUID, res.Warnings[0].Kind)
}

func TestCompareOrdering(t *testing.T) {
	prev := snapshot(
		event("R1", "Gone 1", friday9, friday11),
		event("C1", "Math", monday9, monday1030),
		event("R2", "Gone 2", friday9, friday11),
	)
	next := snapshot(
		event("N1", "New 1", friday9, friday11),
		event("C1", "Math moved", monday9, monday1030),
		event("N2", "New 2", friday9, friday11),
	)

	res := Compare(next, prev, opts(sundayNight))
	var got []string
	for _, c := range res.Changes {
		ev := c.New
		if ev == nil {
			ev = c.Old
		}
		got = append(got, c.Kind.String()+":"+ev.UID)
	}
	assert.Equal(t, []string{"created:N1", "changed:C1", "created:N2", "removed:R1", "removed:R2"}, got)
}

func TestContentEqualComparesTypedFieldsWithoutProps(t *testing.T) {
	math := model.Event{UID: "A", Summary: "Math", Start: &monday9, End: &monday10}
	physics := model.Event{UID: "A", Summary: "Physics", Start: &friday9, End: &friday11}
	movedMath := model.Event{UID: "A", Summary: "Math", Start: &monday9, End: &monday1030}
	noEnd := model.Event{UID: "A", Summary: "Math", Start: &monday9}

	assert.True(t, ContentEqual(&math, &model.Event{UID: "A", Summary: "Math", Start: &monday9, End: &monday10}, nil))
	assert.False(t, ContentEqual(&math, &physics, nil))
	assert.False(t, ContentEqual(&math, &movedMath, nil))
	assert.False(t, ContentEqual(&math, &noEnd, nil))
	assert.True(t, ContentEqual(&math, &movedMath, []string{"dtend"}))

	roomChange := math
	roomChange.Location = "Room 2"
	assert.False(t, ContentEqual(&math, &roomChange, nil))
	assert.True(t, ContentEqual(&math, &roomChange, []string{"LOCATION"}))

	res := Compare(snapshot(physics), snapshot(math), opts(sundayNight))
	require.Len(t, res.Changes, 1)
	assert.Equal(t, model.Changed, res.Changes[0].Kind)
	assert.Equal(t, "Physics", res.Changes[0].New.Summary)
	assert.Equal(t, "Math", res.Changes[0].Old.Summary)
}
