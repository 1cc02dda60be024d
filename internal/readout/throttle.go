package readout

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultWarnInterval is how often the same warning may be logged per channel.
const DefaultWarnInterval = 5 * time.Second

// warnThrottle suppresses repeats of a warning key within an interval so the
// dispatcher never logs once per event under sustained stalls or overflows.
type warnThrottle struct {
	seen     *cache.Cache
	interval time.Duration
}

func newWarnThrottle(interval time.Duration) *warnThrottle {
	if interval <= 0 {
		interval = DefaultWarnInterval
	}
	// no janitor: expired keys are ignored on lookup and overwritten by Add
	return &warnThrottle{seen: cache.New(interval, 0), interval: interval}
}

// allow reports whether key may be logged now, and how many repeats were
// suppressed since it was last allowed.
func (w *warnThrottle) allow(key string) (bool, int) {
	suppressedKey := key + ".suppressed"
	if err := w.seen.Add(key, struct{}{}, w.interval); err != nil {
		if _, incErr := w.seen.IncrementInt(suppressedKey, 1); incErr != nil {
			w.seen.Set(suppressedKey, 1, cache.NoExpiration)
		}
		return false, 0
	}

	suppressed := 0
	if v, ok := w.seen.Get(suppressedKey); ok {
		suppressed, _ = v.(int)
		w.seen.Delete(suppressedKey)
	}
	return true, suppressed
}

func (w *warnThrottle) flush() {
	w.seen.Flush()
}
