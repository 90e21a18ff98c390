package orchestrator

import (
	"context"

	"github.com/capitalize-ai/turn-orchestrator/internal/model"
)

// Presenter receives turn events. Present must not block for long; it is
// called from the goroutine driving the turn.
type Presenter interface {
	Present(ctx context.Context, ev *model.TurnEvent)
}

// PresenterFunc adapts a function to the Presenter interface.
type PresenterFunc func(ctx context.Context, ev *model.TurnEvent)

func (f PresenterFunc) Present(ctx context.Context, ev *model.TurnEvent) {
	f(ctx, ev)
}

// Presenters fans an event out to several presenters in order.
type Presenters []Presenter

func (ps Presenters) Present(ctx context.Context, ev *model.TurnEvent) {
	for _, p := range ps {
		if p != nil {
			p.Present(ctx, ev)
		}
	}
}
