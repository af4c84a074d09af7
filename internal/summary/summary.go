// Package summary renders a change set into bounded text blocks for a chat
// channel. It performs no I/O.
package summary

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"calwatch/internal/model"
	"calwatch/internal/temporal"
)

const (
	// DefaultMaxLines caps each block.
	DefaultMaxLines = 10
	// DefaultMaxChars is Discord's embed description limit.
	DefaultMaxChars = 4096
	// MaxLineChars caps a single event line.
	MaxLineChars = 512
)

const (
	blockPrefix = "```diff\n"
	blockSuffix = "```"
	ellipsis    = "…"
)

// BlockKind tells the notifier how to decorate a block.
type BlockKind int

const (
	// Losses holds removed events and the old side of changed events.
	Losses BlockKind = iota
	// Gains holds created events and the new side of changed events.
	Gains
)

func (k BlockKind) String() string {
	if k == Gains {
		return "gains"
	}
	return "losses"
}

// Block is one renderable message.
type Block struct {
	Kind  BlockKind
	Title string
	Text  string
	// Lines is the number of event lines in Text, excluding the overflow line.
	Lines int
	// Omitted is how many event lines were cut by the cap.
	Omitted int
}

// Options controls rendering.
type Options struct {
	// Observer is the display timezone. Defaults to time.Local.
	Observer *time.Location
	// MaxLines caps each block. Zero means DefaultMaxLines.
	MaxLines int
	// MaxChars caps the characters of each block text, including the code
	// fence and the overflow line. Zero means DefaultMaxChars.
	MaxChars int
}

// Render groups changes into a losses block and a gains block, in that
// order. Empty groups produce no block.
func Render(changes []model.Change, title string, opts Options) []Block {
	if opts.Observer == nil {
		opts.Observer = time.Local
	}
	if opts.MaxLines <= 0 {
		opts.MaxLines = DefaultMaxLines
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}

	var gains, losses []string
	for _, c := range changes {
		switch c.Kind {
		case model.Created:
			gains = append(gains, FormatEvent(c.New, opts.Observer))
		case model.Changed:
			gains = append(gains, FormatEvent(c.New, opts.Observer))
			losses = append(losses, FormatEvent(c.Old, opts.Observer))
		case model.Removed:
			losses = append(losses, FormatEvent(c.Old, opts.Observer))
		}
	}

	blocks := make([]Block, 0, 2)
	if b, ok := buildBlock(Losses, "-", losses, title, opts); ok {
		blocks = append(blocks, b)
	}
	if b, ok := buildBlock(Gains, "+", gains, title, opts); ok {
		blocks = append(blocks, b)
	}
	return blocks
}

// FormatEvent renders "<summary> from <start> to <end>".
func FormatEvent(ev *model.Event, observer *time.Location) string {
	if ev == nil {
		return temporal.Placeholder
	}
	summary := ev.Summary
	if summary == "" {
		summary = temporal.Placeholder
	}
	return fmt.Sprintf("%s from %s to %s",
		summary,
		temporal.Format(ev.Start, observer),
		temporal.Format(ev.End, observer),
	)
}

// buildBlock keeps as many lines as fit both caps. When lines are cut, room
// is left for the overflow line.
func buildBlock(kind BlockKind, sign string, lines []string, title string, opts Options) (Block, bool) {
	if len(lines) == 0 {
		return Block{}, false
	}

	reserve := utf8.RuneCountInString(overflowLine(len(lines)))
	used := utf8.RuneCountInString(blockPrefix) + utf8.RuneCountInString(blockSuffix)

	var b strings.Builder
	b.WriteString(blockPrefix)
	shown := 0
	for i, l := range lines {
		if i >= opts.MaxLines {
			break
		}
		entry := sign + truncate(l, MaxLineChars) + "\n\n"
		cost := utf8.RuneCountInString(entry)
		need := used + cost
		if i < len(lines)-1 {
			need += reserve
		}
		if need > opts.MaxChars {
			break
		}
		b.WriteString(entry)
		used += cost
		shown++
	}
	omitted := len(lines) - shown
	if omitted > 0 {
		b.WriteString(overflowLine(omitted))
	}
	b.WriteString(blockSuffix)

	return Block{
		Kind:    kind,
		Title:   title,
		Text:    b.String(),
		Lines:   shown,
		Omitted: omitted,
	}, true
}

func overflowLine(n int) string {
	return fmt.Sprintf("...and %d more\n", n)
}

// truncate shortens s to at most max characters, marking the cut.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-1]) + ellipsis
}
