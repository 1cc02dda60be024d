package trigger

import (
	"github.com/rocdaq/readout/internal/errors"
	"github.com/rocdaq/readout/internal/readout"
)

// Pseudo digitizer word layout.
const (
	HeaderTag  uint32 = 0xDA00_0000
	TrailerTag uint32 = 0xED00_0000
	tagMask    uint32 = 0xFF00_0000
	countMask  uint32 = 0x00FF_FFFF
)

// ErrReadFailed is returned by the digitizer fill when a read fault is injected.
var ErrReadFailed = errors.NewStd("simulated digitizer read failed")

// DigitizerConfig shapes the events produced by DigitizerFill.
type DigitizerConfig struct {
	// PayloadWords is the number of data words between header and trailer.
	PayloadWords int
	// FailEvery injects a read failure on every Nth event number; zero disables.
	FailEvery uint64
}

// DigitizerFill returns a fill routine that writes a header word carrying the
// payload length, the event number, the payload and a trailer carrying the
// total word count. An injected failure stops after the event number.
func DigitizerFill(cfg DigitizerConfig) readout.FillFunc {
	return func(w *readout.EventWriter, trig readout.Trigger) error {
		w.WriteWord(HeaderTag | uint32(cfg.PayloadWords)&countMask)
		w.WriteWord(uint32(trig.EventNumber))

		if cfg.FailEvery > 0 && trig.EventNumber%cfg.FailEvery == 0 {
			return errors.New(ErrReadFailed).
				Component("trigger").
				Category(errors.CategoryHardware).
				Context("event_number", trig.EventNumber).
				Build()
		}

		for i := range cfg.PayloadWords {
			w.WriteWord(uint32(trig.EventNumber)<<8 ^ uint32(i))
		}
		w.WriteWord(TrailerTag | uint32(cfg.PayloadWords+3)&countMask)
		return nil
	}
}

// ValidDigitizerEvent reports whether payload is a complete, well-formed
// digitizer event.
func ValidDigitizerEvent(payload []uint32) bool {
	if len(payload) < 3 {
		return false
	}
	header, trailer := payload[0], payload[len(payload)-1]
	if header&tagMask != HeaderTag || trailer&tagMask != TrailerTag {
		return false
	}
	return int(header&countMask)+3 == len(payload) && int(trailer&countMask) == len(payload)
}
