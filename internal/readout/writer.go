package readout

// FillFunc writes one event payload into w. A returned error marks the event
// bad; the event is still published.
type FillFunc func(w *EventWriter, trig Trigger) error

// RawFillFunc writes directly into buf, which spans the node's remaining
// capacity, and reports how many words it wrote.
type RawFillFunc func(buf []uint32, trig Trigger) (int, error)

// EventWriter is the write cursor handed to a fill routine. Writes past the
// node capacity are dropped and counted.
type EventWriter struct {
	buf     []uint32
	pos     int
	dropped int
}

func (w *EventWriter) reset(buf []uint32) {
	w.buf = buf
	w.pos = 0
	w.dropped = 0
}

// Write appends words, returning how many fit.
func (w *EventWriter) Write(words ...uint32) int {
	n := copy(w.buf[w.pos:], words)
	w.pos += n
	w.dropped += len(words) - n
	return n
}

// WriteWord appends a single word, reporting whether it fit.
func (w *EventWriter) WriteWord(word uint32) bool {
	if w.pos >= len(w.buf) {
		w.dropped++
		return false
	}
	w.buf[w.pos] = word
	w.pos++
	return true
}

// Len returns the number of words written.
func (w *EventWriter) Len() int { return w.pos }

// Cap returns the node capacity in words.
func (w *EventWriter) Cap() int { return len(w.buf) }

// Remaining returns how many more words fit.
func (w *EventWriter) Remaining() int { return len(w.buf) - w.pos }

// Dropped returns the number of words that did not fit.
func (w *EventWriter) Dropped() int { return w.dropped }

// Overflowed reports whether any write exceeded capacity.
func (w *EventWriter) Overflowed() bool { return w.dropped > 0 }

// RawFill adapts a cursor-style fill routine. A reported count above the
// remaining capacity is treated as an overflow of the difference.
func RawFill(fn RawFillFunc) FillFunc {
	return func(w *EventWriter, trig Trigger) error {
		n, err := fn(w.buf[w.pos:], trig)
		switch {
		case n < 0:
			n = 0
		case n > w.Remaining():
			w.dropped += n - w.Remaining()
			n = w.Remaining()
		}
		w.pos += n
		return err
	}
}
