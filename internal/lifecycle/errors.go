package lifecycle

import "github.com/rocdaq/readout/internal/errors"

const componentName = "lifecycle"

var (
	ErrInvalidTransition = errors.NewStd("invalid run-control transition")
	ErrMemoryAdmission   = errors.NewStd("requested partition memory exceeds allowed share")
	ErrDrainTimeout      = errors.NewStd("data still pending after end-of-run drain timeout")
	ErrUnknownAction     = errors.NewStd("unknown run-control action")
	ErrNoChannels        = errors.NewStd("no readout channels configured")
)

func transitionError(action Action, from State) error {
	return errors.New(ErrInvalidTransition).
		Component(componentName).
		Category(errors.CategoryState).
		Context("action", string(action)).
		Context("state", from.String()).
		Build()
}
