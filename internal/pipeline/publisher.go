package pipeline

import (
	"context"

	"go.uber.org/multierr"

	"github.com/SirClappington/docpipe/internal/domain"
)

// EventPublisher receives pipeline events. Publish must be idempotent on
// Event.ID because callbacks may replay events.
type EventPublisher interface {
	Publish(ctx context.Context, e domain.Event) error
}

type PublisherFunc func(ctx context.Context, e domain.Event) error

func (f PublisherFunc) Publish(ctx context.Context, e domain.Event) error { return f(ctx, e) }

// Publishers delivers each event to every member. A failing member does not
// stop the others.
type Publishers []EventPublisher

func (ps Publishers) Publish(ctx context.Context, e domain.Event) error {
	var err error
	for _, p := range ps {
		err = multierr.Append(err, p.Publish(ctx, e))
	}
	return err
}
