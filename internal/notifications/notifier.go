package notifications

import (
	"context"
	"errors"
)

// Message is a channel-neutral notification. HTML is optional; channels that
// cannot render it fall back to Text.
type Message struct {
	Subject string
	Text    string
	HTML    string
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
