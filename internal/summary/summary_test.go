package summary

import (
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calwatch/internal/model"
)

func lesson(uid, summary string, hour int) *model.Event {
	start := model.Floating(2025, time.January, 6, hour, 0, 0)
	end := model.Floating(2025, time.January, 6, hour+1, 30, 0)
	return &model.Event{UID: uid, Summary: summary, Start: &start, End: &end}
}

func eventLines(text string) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		if strings.HasPrefix(l, "+") || strings.HasPrefix(l, "-") {
			out = append(out, l)
		}
	}
	return out
}

func TestRenderEmpty(t *testing.T) {
	assert.Empty(t, Render(nil, "Changes", Options{Observer: time.UTC}))
}

func TestRenderCreated(t *testing.T) {
	changes := []model.Change{{Kind: model.Created, New: lesson("A", "Math", 9)}}

	blocks := Render(changes, "Changes", Options{Observer: time.UTC})
	require.Len(t, blocks, 1)
	assert.Equal(t, Gains, blocks[0].Kind)
	assert.Equal(t, "Changes", blocks[0].Title)
	assert.Equal(t, "```diff\n+Math from Mon, 06.01.25 09:00 to Mon, 06.01.25 10:30\n\n```", blocks[0].Text)
}

func TestRenderChangedSplitsIntoBothBlocks(t *testing.T) {
	changes := []model.Change{
		{Kind: model.Changed, New: lesson("A", "Math", 10), Old: lesson("A", "Math", 9)},
		{Kind: model.Removed, Old: lesson("B", "Physics", 12)},
	}

	blocks := Render(changes, "Changes", Options{Observer: time.UTC})
	require.Len(t, blocks, 2)

	assert.Equal(t, Losses, blocks[0].Kind)
	assert.Equal(t, []string{
		"-Math from Mon, 06.01.25 09:00 to Mon, 06.01.25 10:30",
		"-Physics from Mon, 06.01.25 12:00 to Mon, 06.01.25 13:30",
	}, eventLines(blocks[0].Text))

	assert.Equal(t, Gains, blocks[1].Kind)
	assert.Equal(t, []string{"+Math from Mon, 06.01.25 10:00 to Mon, 06.01.25 11:30"}, eventLines(blocks[1].Text))
}

func TestRenderTruncatesAtTen(t *testing.T) {
	var changes []model.Change
	for i := 0; i < 15; i++ {
		changes = append(changes, model.Change{Kind: model.Created, New: lesson(fmt.Sprint(i), fmt.Sprintf("Lesson %d", i), 8)})
	}

	blocks := Render(changes, "Changes", Options{Observer: time.UTC})
	require.Len(t, blocks, 1)
	b := blocks[0]
	assert.Len(t, eventLines(b.Text), 10)
	assert.Equal(t, 10, b.Lines)
	assert.Equal(t, 5, b.Omitted)
	assert.True(t, strings.HasSuffix(b.Text, "...and 5 more\n```"))
	assert.Contains(t, b.Text, "+Lesson 9 ")
	assert.NotContains(t, b.Text, "Lesson 10")
}

func TestRenderExactlyTenHasNoOverflowLine(t *testing.T) {
	var changes []model.Change
	for i := 0; i < 10; i++ {
		changes = append(changes, model.Change{Kind: model.Removed, Old: lesson(fmt.Sprint(i), "Lesson", 8)})
	}

	blocks := Render(changes, "Changes", Options{Observer: time.UTC})
	require.Len(t, blocks, 1)
	assert.NotContains(t, blocks[0].Text, "more")
	assert.Zero(t, blocks[0].Omitted)
}

func TestFormatEventPlaceholders(t *testing.T) {
	unknown := model.Zoned(2025, time.January, 6, 9, 0, 0, "Atlantis/Capital")
	ev := &model.Event{UID: "X", Start: &unknown}

	assert.Equal(t, "??? from ??? to ???", FormatEvent(ev, time.UTC))
}

func TestRenderKeepsBlockWithinCharLimit(t *testing.T) {
	long := strings.TrimSpace(strings.Repeat("Lecture ", 60))
	var changes []model.Change
	for i := 0; i < 10; i++ {
		changes = append(changes, model.Change{Kind: model.Created, New: lesson(fmt.Sprint(i), long, 8)})
	}

	blocks := Render(changes, "Changes", Options{Observer: time.UTC})
	require.Len(t, blocks, 1)
	b := blocks[0]
	assert.LessOrEqual(t, utf8.RuneCountInString(b.Text), DefaultMaxChars)
	assert.Equal(t, 7, b.Lines)
	assert.Equal(t, 3, b.Omitted)
	assert.Len(t, eventLines(b.Text), 7)
	assert.True(t, strings.HasSuffix(b.Text, "...and 3 more\n```"))
	for _, l := range eventLines(b.Text) {
		assert.Equal(t, MaxLineChars+1, utf8.RuneCountInString(l))
		assert.True(t, strings.HasSuffix(l, "…"))
	}
}

func TestRenderCustomCharLimit(t *testing.T) {
	var changes []model.Change
	for i := 0; i < 4; i++ {
		changes = append(changes, model.Change{Kind: model.Removed, Old: lesson(fmt.Sprint(i), "Math", 8)})
	}
	// "```diff\n" + "```" + one 55-char entry + "...and 4 more\n"
	blocks := Render(changes, "Changes", Options{Observer: time.UTC, MaxChars: 90})
	require.Len(t, blocks, 1)
	b := blocks[0]
	assert.LessOrEqual(t, utf8.RuneCountInString(b.Text), 90)
	assert.Equal(t, 1, b.Lines)
	assert.Equal(t, 3, b.Omitted)
	assert.Contains(t, b.Text, "-Math from Mon, 06.01.25 08:00 to Mon, 06.01.25 09:30\n\n...and 3 more\n")
}
