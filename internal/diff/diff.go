// Package diff classifies the differences between two calendar snapshots.
package diff

import (
	"time"

	"calwatch/internal/model"
)

// Options controls a comparison.
type Options struct {
	// Now is the evaluation time for the relevance filter.
	Now time.Time
	// Observer is the zone floating times are read in. Defaults to time.Local.
	Observer *time.Location
	// KeepElapsed disables the relevance filter, so events that already
	// ended are still reported.
	KeepElapsed bool
	// Ignored lists property names left out of content equality. Nil means
	// DefaultIgnoredProperties.
	Ignored []string
}

// WarningKind names a data-quality problem in a feed.
type WarningKind string

const (
	WarnMissingUID   WarningKind = "missing_uid"
	WarnDuplicateUID WarningKind = "duplicate_uid"
)

// Warning is a non-fatal data-quality finding. The affected event is
// skipped (missing UID) or shadowed by its first occurrence (duplicate UID).
type Warning struct {
	Kind    WarningKind
	UID     string
	Summary string
}

// Result is the outcome of Compare.
type Result struct {
	Changes  []model.Change
	Warnings []Warning
}

// Empty reports whether no change was found.
func (r Result) Empty() bool {
	return len(r.Changes) == 0
}

// Count returns how many changes of kind k are in the result.
func (r Result) Count(k model.ChangeKind) int {
	n := 0
	for _, c := range r.Changes {
		if c.Kind == k {
			n++
		}
	}
	return n
}

// Compare classifies every identified, relevant event of next and prev as
// created, changed or removed. A nil prev is treated as an empty snapshot.
//
// Created and Changed records come first in next's order, followed by
// Removed records in prev's order.
func Compare(next, prev *model.Snapshot, opts Options) Result {
	if opts.Observer == nil {
		opts.Observer = time.Local
	}
	if opts.Ignored == nil {
		opts.Ignored = DefaultIgnoredProperties
	}

	var res Result
	relevant := func(ev *model.Event) bool {
		return opts.KeepElapsed || IsRelevant(ev, opts.Now, opts.Observer)
	}

	events := next.Events()
	seen := make(map[string]struct{}, len(events))
	for i := range events {
		ev := &events[i]
		uid, ok := IdentityOf(ev)
		if !ok {
			res.Warnings = append(res.Warnings, Warning{Kind: WarnMissingUID, Summary: ev.Summary})
			continue
		}
		if _, dup := seen[uid]; dup {
			res.Warnings = append(res.Warnings, Warning{Kind: WarnDuplicateUID, UID: uid, Summary: ev.Summary})
		}
		seen[uid] = struct{}{}

		if !relevant(ev) {
			continue
		}

		old, found := prev.FindByIdentity(uid)
		switch {
		case !found:
			res.Changes = append(res.Changes, model.Change{Kind: model.Created, New: ev})
		case !ContentEqual(ev, old, opts.Ignored):
			res.Changes = append(res.Changes, model.Change{Kind: model.Changed, New: ev, Old: old})
		}
	}

	prevEvents := prev.Events()
	for i := range prevEvents {
		ev := &prevEvents[i]
		uid, ok := IdentityOf(ev)
		if !ok {
			continue
		}
		if _, found := next.FindByIdentity(uid); found {
			continue
		}
		if !relevant(ev) {
			continue
		}
		res.Changes = append(res.Changes, model.Change{Kind: model.Removed, Old: ev})
	}

	return res
}
