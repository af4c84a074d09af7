// Package notify delivers rendered change blocks to a chat destination.
package notify

import (
	"context"
	"fmt"

	appLog "calwatch/internal/log"
	"calwatch/internal/summary"
)

// Notifier delivers each block as an independent message, in order.
type Notifier interface {
	Deliver(ctx context.Context, destination string, blocks []summary.Block) error
}

// DeliveryError reports which block could not be delivered. Blocks before
// Index were delivered.
type DeliveryError struct {
	Destination string
	Index       int
	Err         error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver block %d to %s: %v", e.Index, e.Destination, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// LogNotifier writes blocks to the log instead of sending them. Used for
// dry runs.
type LogNotifier struct{}

func (LogNotifier) Deliver(_ context.Context, destination string, blocks []summary.Block) error {
	for i, b := range blocks {
		appLog.Info("notification (dry run)",
			"destination", redactDestination(destination),
			"index", i,
			"kind", b.Kind.String(),
			"title", b.Title,
			"lines", b.Lines,
			"omitted", b.Omitted,
		)
		appLog.Info(b.Text)
	}
	return nil
}
