package diff

import (
	"time"

	"calwatch/internal/model"
	"calwatch/internal/temporal"
)

// IsRelevant reports whether ev has not ended yet at now. Events without an
// end, with an all-day end, or with an end in an unknown zone are kept.
func IsRelevant(ev *model.Event, now time.Time, observer *time.Location) bool {
	if ev.End == nil {
		return true
	}
	end, ok := temporal.Resolve(*ev.End, observer)
	if !ok {
		return true
	}
	return !end.Before(now)
}
