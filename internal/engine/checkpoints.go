// Package engine implements the notification scheduling and deduplication
// core: the checkpoint scheduler, the per-cycle decision function, and the
// confirmation entry point. The engine performs no network I/O of its own;
// it is a decision function over (current time, event set, persisted state)
// invoked once per polling cycle by the scheduler package.
package engine

import (
	"fmt"
	"sort"
	"time"
)

// Config holds the scheduling parameters consumed by the engine. They are
// opaque to the host process and validated once at construction.
type Config struct {
	// Checkpoints is the ordered lead-time set in seconds-before-start,
	// descending, always including 0 ("notify at/after start if not
	// already confirmed").
	Checkpoints []int

	// Lookahead caps how far in the future an event is considered at all.
	// Events with start - now > Lookahead are excluded entirely so that
	// records are not created prematurely for far-future events.
	Lookahead time.Duration

	// ConfirmTTL is how long a dispatched confirmation control stays
	// valid after send. Enforcement is a presentation-layer concern; the
	// engine only carries the value on each Action.
	ConfirmTTL time.Duration
}

// Validate checks the checkpoint set invariants: non-empty, strictly
// descending, non-negative, terminated by 0.
func (c Config) Validate() error {
	if len(c.Checkpoints) == 0 {
		return fmt.Errorf("checkpoint list is empty")
	}
	for i, cp := range c.Checkpoints {
		if cp < 0 {
			return fmt.Errorf("checkpoint %d is negative", cp)
		}
		if i > 0 && cp >= c.Checkpoints[i-1] {
			return fmt.Errorf("checkpoint list must be strictly descending, got %d after %d", cp, c.Checkpoints[i-1])
		}
	}
	if c.Checkpoints[len(c.Checkpoints)-1] != 0 {
		return fmt.Errorf("checkpoint list must end with 0")
	}
	if c.Lookahead <= 0 {
		return fmt.Errorf("lookahead must be positive")
	}
	return nil
}

// NormalizeCheckpoints converts a minute-granularity interval list (the
// configuration format, e.g. 60,30,15,10,5,0) into the descending
// seconds-before-start set the engine consumes. Duplicates are collapsed
// and 0 is appended when missing.
func NormalizeCheckpoints(minutes []int) []int {
	seen := make(map[int]struct{}, len(minutes)+1)
	out := make([]int, 0, len(minutes)+1)
	for _, m := range minutes {
		if m < 0 {
			continue
		}
		s := m * 60
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if _, has := seen[0]; !has {
		out = append(out, 0)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

// InWindow reports whether an event is inside the lookahead window.
// The boundary is inclusive on the near side: an event whose time-to-start
// equals the window exactly is included; one second beyond is excluded.
// Events already started remain in window until handled.
func InWindow(now, start time.Time, lookahead time.Duration) bool {
	return start.Sub(now) <= lookahead
}

// DueCheckpoints returns every checkpoint that is due for the event:
// start - checkpoint <= now. All due checkpoints are returned, not just
// the closest one, because an infrequently-invoked cycle may have skipped
// several; the decision function collapses them for dispatch but each one
// still warrants its own record. The result preserves the configured
// descending order (farthest lead time first).
func DueCheckpoints(now, start time.Time, checkpoints []int) []int {
	var due []int
	for _, cp := range checkpoints {
		at := start.Add(-time.Duration(cp) * time.Second)
		if !at.After(now) {
			due = append(due, cp)
		}
	}
	return due
}
