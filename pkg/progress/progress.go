// Package progress carries stage/fraction updates from long running
// computations to whoever displays them, without ever blocking the producer.
package progress

import (
	"math"
	"sync"

	"go.uber.org/zap"
)

// Event is one progress update. Fraction is in [0, 1].
type Event struct {
	Stage    string
	Fraction float64
	Done     bool
}

// Reporter receives progress updates.
type Reporter interface {
	Report(stage string, fraction float64)
	Done()
}

func clamp(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

// Stage returns a callback reporting fractions of one stage to r.
func Stage(r Reporter, stage string) func(float64) {
	if r == nil {
		return nil
	}
	return func(f float64) { r.Report(stage, f) }
}

// Channel delivers events on a buffered channel. When the consumer falls
// behind, updates are dropped instead of stalling the computation.
type Channel struct {
	mu     sync.Mutex
	events chan Event
	closed bool
}

// NewChannel creates a Channel with the given buffer size (at least 1).
func NewChannel(buffer int) *Channel {
	if buffer < 1 {
		buffer = 1
	}
	return &Channel{events: make(chan Event, buffer)}
}

// Events returns the stream; it is closed after Done.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Report sends an update if there is room, dropping it otherwise.
func (c *Channel) Report(stage string, fraction float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- Event{Stage: stage, Fraction: clamp(fraction)}:
	default:
	}
}

// Done delivers a final event, evicting the oldest pending update when the
// buffer is full, and closes the stream. Calling it again has no effect.
func (c *Channel) Done() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	final := Event{Fraction: 1, Done: true}
	select {
	case c.events <- final:
	default:
		select {
		case <-c.events:
		default:
		}
		// only this goroutine sends, so there is room now
		c.events <- final
	}
	c.closed = true
	close(c.events)
}

// Func adapts a function to Reporter; Done is a no-op.
type Func func(stage string, fraction float64)

// Report calls f.
func (f Func) Report(stage string, fraction float64) {
	f(stage, clamp(fraction))
}

// Done does nothing.
func (f Func) Done() {}

type nop struct{}

func (nop) Report(string, float64) {}
func (nop) Done()                  {}

// Nop discards every update.
var Nop Reporter = nop{}

// Log writes updates to a zap logger, at most one line per 10% step of a stage.
type Log struct {
	logger *zap.SugaredLogger

	mu   sync.Mutex
	last map[string]int
}

// NewLog creates a Log reporter.
func NewLog(logger *zap.SugaredLogger) *Log {
	return &Log{logger: logger, last: map[string]int{}}
}

// Report logs when the stage crossed into a new 10% step.
func (l *Log) Report(stage string, fraction float64) {
	step := int(clamp(fraction) * 10)
	l.mu.Lock()
	prev, seen := l.last[stage]
	if seen && step <= prev {
		l.mu.Unlock()
		return
	}
	l.last[stage] = step
	l.mu.Unlock()
	l.logger.Debugw("progress", "stage", stage, "percent", step*10)
}

// Done logs completion.
func (l *Log) Done() {
	l.logger.Debug("progress done")
}

// Multi fans updates out to several reporters.
type Multi []Reporter

// Report forwards to every reporter.
func (m Multi) Report(stage string, fraction float64) {
	for _, r := range m {
		r.Report(stage, fraction)
	}
}

// Done forwards to every reporter.
func (m Multi) Done() {
	for _, r := range m {
		r.Done()
	}
}

// Sub maps the full [0, 1] range of a sub-task onto [From, To] of a parent
// stage. Done is not forwarded; the parent is finished by its owner.
type Sub struct {
	Parent   Reporter
	Stage    string
	From, To float64
}

// Report forwards the mapped fraction to the parent stage. The sub-task's
// own stage name is dropped.
func (s Sub) Report(_ string, fraction float64) {
	s.Parent.Report(s.Stage, s.From+clamp(fraction)*(s.To-s.From))
}

// Done does nothing.
func (s Sub) Done() {}

// Named prefixes every stage with Name, so that concurrent tasks sharing one
// parent stay distinguishable. Done is not forwarded.
type Named struct {
	Parent Reporter
	Name   string
}

// Report forwards the update as "Name: stage".
func (n Named) Report(stage string, fraction float64) {
	if n.Name == "" {
		n.Parent.Report(stage, fraction)
		return
	}
	n.Parent.Report(n.Name+": "+stage, fraction)
}

// Done does nothing.
func (n Named) Done() {}
