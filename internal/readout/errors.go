package readout

import "github.com/rocdaq/readout/internal/errors"

const componentName = "readout"

// Sentinel errors.
var (
	ErrOverflow     = errors.NewStd("fill routine wrote past node capacity")
	ErrHardwareRead = errors.NewStd("hardware read failed during fill")
	ErrNoFill       = errors.NewStd("channel has no fill routine")
	ErrAckWait      = errors.NewStd("wait for deferred acknowledgment abandoned")
	ErrConfig       = errors.NewStd("invalid channel configuration")
)
