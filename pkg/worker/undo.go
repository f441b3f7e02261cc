package worker

import (
	"context"

	"github.com/rs/zerolog"
)

// UndoStack collects compensating actions while a launch makes progress, so
// a failure partway through leaves nothing half-attached. Actions run in
// reverse push order; a failing action is logged and the rewind continues.
type UndoStack struct {
	actions []func(context.Context) error
}

func (s *UndoStack) Push(action func(context.Context) error) {
	s.actions = append(s.actions, action)
}

func (s *UndoStack) Rewind(ctx context.Context, log zerolog.Logger) {
	for i := len(s.actions) - 1; i >= 0; i-- {
		if err := s.actions[i](ctx); err != nil {
			log.Error().Err(err).Int("action", i).Msg("undo action failed")
		}
	}
	s.actions = nil
}
