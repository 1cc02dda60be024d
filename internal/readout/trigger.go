package readout

// Trigger is the metadata read from the trigger source for one interrupt.
type Trigger struct {
	// EventNumber is the hardware event ordinal.
	EventNumber uint64
	// Type is the trigger type tag.
	Type uint16
	// Sync marks an event that requires the pipeline to reach a drained state.
	Sync bool
}

// Acknowledger performs the hardware acknowledgment that permits the trigger
// source to issue its next interrupt.
type Acknowledger interface {
	Ack()
}

// AckFunc adapts a function to Acknowledger.
type AckFunc func()

// Ack calls f.
func (f AckFunc) Ack() { f() }

// Result is the outcome of dispatching one trigger.
type Result int

const (
	// Published means the event reached the output queue.
	Published Result = iota
	// Stalled means no buffer was free; the trigger was not consumed and
	// acknowledgment is deferred until a buffer is released.
	Stalled
)

func (r Result) String() string {
	switch r {
	case Published:
		return "published"
	case Stalled:
		return "stalled"
	default:
		return "unknown"
	}
}

// Node flags.
const (
	FlagSync uint16 = 1 << iota
	FlagOverflow
	FlagBad
)

// Sentinel words appended to truncated or failed events when room remains.
const (
	OverflowMarker uint32 = 0xFFFF_0F0F
	BadEventMarker uint32 = 0xDEAD_BAD0
)
