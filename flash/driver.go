package flash

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// DefaultInterval is the poll period used when Driver.Interval is 0.
const DefaultInterval = 100 * time.Microsecond

// Driver performs blocking operations on an Engine by polling Step until the
// engine is idle again. Engine.Service must be dispatched on another
// goroutine, normally by an interrupt controller.
//
// A Driver is not safe for concurrent use.
type Driver struct {
	Engine   *Engine
	Interval time.Duration // time between polls. If 0, DefaultInterval is used

	store bytes.Buffer
}

// NewDriver returns a Driver around a new Engine whose reads land in the
// driver's own store.
func NewDriver(bus Bus, irq Interrupts, cfg Config) *Driver {
	d := &Driver{}
	d.Engine = NewEngine(bus, irq, &d.store, cfg)
	return d
}

// Read returns n bytes starting at addr. n must be between 1 and PageData.
func (d *Driver) Read(ctx context.Context, addr uint32, n int) ([]byte, error) {
	if err := d.Engine.BeginRead(addr, n); err != nil {
		return nil, err
	}
	return d.result(ctx)
}

// Write programs p into the page holding addr.
func (d *Driver) Write(ctx context.Context, addr uint32, p []byte) error {
	if err := d.Engine.BeginWrite(addr, p); err != nil {
		return err
	}
	return d.wait(ctx)
}

// Erase sets every byte of the page holding addr to 0xFF.
func (d *Driver) Erase(ctx context.Context, addr uint32) error {
	if err := d.Engine.BeginErase(addr); err != nil {
		return err
	}
	return d.wait(ctx)
}

// Command sends an addressed command with an optional payload.
func (d *Driver) Command(ctx context.Context, op byte, addr uint32, p []byte) error {
	if err := d.Engine.BeginCommand(op, addr, p); err != nil {
		return err
	}
	return d.wait(ctx)
}

// Status reads the status register.
func (d *Driver) Status(ctx context.Context) (byte, error) {
	if err := d.Engine.BeginStatus(); err != nil {
		return 0, err
	}
	p, err := d.result(ctx)
	if err != nil {
		return 0, err
	}
	if len(p) != 1 {
		return 0, fmt.Errorf("flash: status: got %d bytes", len(p))
	}
	return p[0], nil
}

// ID reads the manufacturer and device id.
func (d *Driver) ID(ctx context.Context) (id [IDSize]byte, err error) {
	if err = d.Engine.BeginID(); err != nil {
		return
	}
	p, err := d.result(ctx)
	if err != nil {
		return
	}
	if len(p) != IDSize {
		return id, fmt.Errorf("flash: id: got %d bytes", len(p))
	}
	copy(id[:], p)
	return
}

// Dump copies the payload area of pages [first, first+count) to w. The range
// must lie within the Pages reachable by a 24-bit address.
func (d *Driver) Dump(ctx context.Context, w io.Writer, first, count uint32) (n int64, err error) {
	if uint64(first)+uint64(count) > Pages {
		return 0, ErrInvalidLength
	}
	for page := first; page < first+count; page++ {
		p, err := d.Read(ctx, PageAddress(page, 0), PageData)
		if err != nil {
			return n, fmt.Errorf("flash: dump page %d: %w", page, err)
		}
		nn, err := w.Write(p)
		n += int64(nn)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (d *Driver) result(ctx context.Context) ([]byte, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	return bytes.Clone(d.store.Bytes()), nil
}

// wait polls the engine until it is idle. Stalls and cancellation abort
// the operation so the engine is idle again when wait returns.
func (d *Driver) wait(ctx context.Context) error {
	interval := d.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := d.Engine.Step(); err != nil {
			if errors.Is(err, ErrStalled) {
				d.Engine.Abort()
			}
			return err
		}
		if d.Engine.IsIdle() {
			return nil
		}
		select {
		case <-ctx.Done():
			d.Engine.Abort()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
