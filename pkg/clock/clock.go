// Package clock implements the server side chess clock for a session
package clock

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tecu23/chess-relay/internal/color"
)

// TimeControl defines the time settings for a game
type TimeControl struct {
	Initial   time.Duration // Time per side
	Increment time.Duration // Added after each completed move
}

// ParseTimeControl parses the "minutes+increment" notation used by game records,
// e.g. "10+0" or "3+2". A bare "15" means no increment.
func ParseTimeControl(s string) (TimeControl, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TimeControl{}, fmt.Errorf("empty time control")
	}

	minPart, incPart, hasInc := strings.Cut(s, "+")

	minutes, err := strconv.ParseFloat(minPart, 64)
	if err != nil || minutes <= 0 {
		return TimeControl{}, fmt.Errorf("invalid time control %q", s)
	}

	tc := TimeControl{Initial: time.Duration(minutes * float64(time.Minute))}

	if hasInc {
		inc, err := strconv.Atoi(incPart)
		if err != nil || inc < 0 {
			return TimeControl{}, fmt.Errorf("invalid increment in %q", s)
		}
		tc.Increment = time.Duration(inc) * time.Second
	}

	return tc, nil
}

func (tc TimeControl) String() string {
	return fmt.Sprintf("%g+%d", tc.Initial.Minutes(), int(tc.Increment.Seconds()))
}

// Times is a reading of both sides' remaining time
type Times struct {
	White time.Duration
	Black time.Duration
}

// Clock manages the chess clock for both players.
// It only starts running once the first move has been played.
type Clock struct {
	mu sync.Mutex

	remaining map[color.Color]time.Duration
	increment time.Duration

	active    color.Color
	running   bool
	turnStart time.Time
	flagged   color.Color

	timer *time.Timer
	gen   int // invalidates timers armed for an earlier turn

	onTimeup func(color.Color)
	now      func() time.Time
}

// New creates a new chess clock with the given time control. onTimeup is
// called from a timer goroutine when the side to move runs out of time.
func New(tc TimeControl, onTimeup func(color.Color)) *Clock {
	return &Clock{
		remaining: map[color.Color]time.Duration{
			color.White: tc.Initial,
			color.Black: tc.Initial,
		},
		increment: tc.Increment,
		active:    color.White,
		onTimeup:  onTimeup,
		now:       time.Now,
	}
}

// Restore rebuilds a clock from times read at takenAt. A zero takenAt leaves
// the clock stopped. Otherwise it resumes for active, and the time since
// takenAt is charged to active; the flag falls at once if that is more than
// it had left.
func Restore(tc TimeControl, times Times, active color.Color, takenAt time.Time, onTimeup func(color.Color)) *Clock {
	c := New(tc, onTimeup)
	c.remaining[color.White] = times.White
	c.remaining[color.Black] = times.Black
	c.active = active

	if !takenAt.IsZero() {
		c.mu.Lock()
		c.running = true
		c.turnStart = takenAt
		if now := c.now(); c.turnStart.After(now) {
			c.turnStart = now
		}
		c.armLocked()
		c.mu.Unlock()
	}

	return c
}

// Switch is called after the side to move completed a move. It charges the
// elapsed time, adds the increment and hands the clock to the opponent.
// It returns false if the mover had already run out of time.
func (c *Clock) Switch() bool {
	c.mu.Lock()

	if c.flagged != "" {
		c.mu.Unlock()
		return false
	}

	now := c.now()
	if c.running {
		left := c.remaining[c.active] - now.Sub(c.turnStart)
		if left <= 0 {
			loser := c.flagLocked()
			c.mu.Unlock()
			c.notify(loser)
			return false
		}
		c.remaining[c.active] = left + c.increment
	}

	c.active = c.active.Opp()
	c.turnStart = now
	c.running = true
	c.armLocked()
	c.mu.Unlock()

	return true
}

// Stop freezes the clock
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}

	c.remaining[c.active] = c.leftLocked(c.active)
	c.running = false
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
	}
}

// Remaining returns the current remaining time for both players
func (c *Clock) Remaining() Times {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Times{
		White: c.leftLocked(color.White),
		Black: c.leftLocked(color.Black),
	}
}

// Active returns the side whose time is running, or would run next
func (c *Clock) Active() color.Color {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Running reports whether a side's time is currently being consumed
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Flagged returns the side that ran out of time, if any
func (c *Clock) Flagged() (color.Color, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flagged, c.flagged != ""
}

func (c *Clock) leftLocked(side color.Color) time.Duration {
	left := c.remaining[side]
	if c.running && side == c.active {
		left -= c.now().Sub(c.turnStart)
	}
	if left < 0 {
		left = 0
	}
	return left
}

func (c *Clock) armLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(c.leftLocked(c.active), func() { c.expire(gen) })
}

func (c *Clock) expire(gen int) {
	c.mu.Lock()

	if gen != c.gen || !c.running || c.flagged != "" {
		c.mu.Unlock()
		return
	}

	// timers can fire slightly early relative to the injected clock
	if c.leftLocked(c.active) > 0 {
		c.armLocked()
		c.mu.Unlock()
		return
	}

	loser := c.flagLocked()
	c.mu.Unlock()
	c.notify(loser)
}

func (c *Clock) flagLocked() color.Color {
	c.remaining[c.active] = 0
	c.flagged = c.active
	c.running = false
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
	}
	return c.active
}

func (c *Clock) notify(loser color.Color) {
	if c.onTimeup != nil {
		c.onTimeup(loser)
	}
}
