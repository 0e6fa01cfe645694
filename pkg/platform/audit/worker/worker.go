package worker

import (
	"context"
	"log/slog"

	audit "gatekeeper/pkg/platform/audit"
)

// Worker drains audit events from a channel into a store. A failed append is
// logged and the worker moves on; audit persistence never stalls the inbox.
type Worker struct {
	store  audit.Store
	inbox  <-chan audit.Event
	logger *slog.Logger
}

func NewWorker(store audit.Store, inbox <-chan audit.Event, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Worker{store: store, inbox: inbox, logger: logger}
}

// Run consumes until the inbox is closed or ctx is cancelled. It returns nil
// once a closed inbox has been fully drained.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.inbox:
			if !ok {
				return nil
			}
			if err := w.store.Append(ctx, event); err != nil {
				w.logger.ErrorContext(ctx, "audit append failed",
					"action", event.Action,
					"registry", event.Registry,
					"error", err,
				)
			}
		}
	}
}
