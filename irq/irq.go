// Package irq is a software interrupt controller. Sources are enabled,
// disabled and prioritised the way a vectored controller does it, and Run
// dispatches the handler of the most urgent enabled source for as long as it
// stays enabled, as a level-triggered "FIFO ready" line would.
package irq

import (
	"context"
	"runtime"
	"sync"
)

// Handler services one interrupt.
type Handler func()

// Stats counts activity on one source.
type Stats struct {
	Enables  int
	Disables int
	Serviced int
	Priority int
}

type line struct {
	handler Handler
	enabled bool
	Stats
}

// Controller dispatches handlers for enabled sources. Lower priority values
// are more urgent. The zero value is not usable, see New.
type Controller struct {
	mu    sync.Mutex
	exec  sync.Mutex // held while a handler runs
	lines map[int]*line
	wake  chan struct{}
}

// New returns a Controller with no sources attached.
func New() *Controller {
	return &Controller{
		lines: make(map[int]*line),
		wake:  make(chan struct{}, 1),
	}
}

func (c *Controller) line(source int) *line {
	l, ok := c.lines[source]
	if !ok {
		l = &line{}
		c.lines[source] = l
	}
	return l
}

// Attach installs h as the handler for source.
func (c *Controller) Attach(source int, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.line(source).handler = h
}

// Enable unmasks source.
func (c *Controller) Enable(source int) {
	c.mu.Lock()
	l := c.line(source)
	l.enabled = true
	l.Enables++
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Disable masks source. It may be called from inside a handler.
func (c *Controller) Disable(source int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.line(source)
	l.enabled = false
	l.Disables++
}

// SetPriority sets the priority level of source.
func (c *Controller) SetPriority(source int, level int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.line(source).Priority = level
}

// Enabled reports whether source is unmasked.
func (c *Controller) Enabled(source int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.line(source).enabled
}

// Stats returns the counters of source.
func (c *Controller) Stats(source int) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.line(source).Stats
}

// Sync waits for a running handler to return. After Disable and Sync no
// handler of the disabled source is running or will run.
// It must not be called from inside a handler.
func (c *Controller) Sync() {
	c.exec.Lock()
	defer c.exec.Unlock()
}

// next picks the most urgent enabled source with a handler.
func (c *Controller) next(only func(source int) bool) (source int, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var best *line
	for src, l := range c.lines {
		if !l.enabled || l.handler == nil || (only != nil && !only(src)) {
			continue
		}
		if best == nil || l.Priority < best.Priority || (l.Priority == best.Priority && src < source) {
			best, source = l, src
		}
	}
	if best == nil {
		return 0, nil
	}
	return source, best.handler
}

func (c *Controller) dispatch(only func(source int) bool) bool {
	c.exec.Lock()
	defer c.exec.Unlock()

	source, h := c.next(only)
	if h == nil {
		return false
	}
	h()

	c.mu.Lock()
	c.line(source).Serviced++
	c.mu.Unlock()
	return true
}

// Fire runs the handler of source once if it is enabled, on the calling
// goroutine, and reports whether it ran.
func (c *Controller) Fire(source int) bool {
	return c.dispatch(func(src int) bool { return src == source })
}

// Run dispatches handlers until ctx is done. While no source is enabled it
// sleeps until the next Enable.
func (c *Controller) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.dispatch(nil) {
			runtime.Gosched()
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		}
	}
}
