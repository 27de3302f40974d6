package flash

import (
	"fmt"
	"slices"
)

// State is the position of the Engine in the read/write handshake.
type State int

const (
	Idle State = iota
	ReadArmed
	ReadWaiting
	WriteArmed
	WriteWaiting
	Stalled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ReadArmed:
		return "read armed"
	case ReadWaiting:
		return "read waiting"
	case WriteArmed:
		return "write armed"
	case WriteWaiting:
		return "write waiting"
	case Stalled:
		return "stalled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Every state may also fall back to Idle through Abort.
var transitions = map[State][]State{
	Idle:         {ReadArmed, WriteArmed},
	ReadArmed:    {ReadWaiting, Idle},
	ReadWaiting:  {Idle, Stalled},
	WriteArmed:   {WriteWaiting, Idle},
	WriteWaiting: {Idle, Stalled},
	Stalled:      {Idle},
}

func (e *Engine) transition(to State) error {
	if !slices.Contains(transitions[e.state], to) {
		return fmt.Errorf("%w: %v to %v", ErrInvalidTransition, e.state, to)
	}
	e.state = to
	return nil
}

type operation struct {
	name string
	read bool
	data int // offset of the response in the buffer
}

// State returns the current handshake state.
func (e *Engine) State() State {
	return e.state
}

// IsIdle reports whether a new operation may be started.
func (e *Engine) IsIdle() bool {
	return e.state == Idle
}

// arm resets the buffer, lets build queue the frame and moves to the armed
// state for op.
func (e *Engine) arm(op operation, build func(b *Buffer) error) error {
	if e.state != Idle {
		return ErrOperationInProgress
	}
	e.buf.reset()
	if f, ok := e.bus.(faulter); ok {
		f.ResetErr()
	}
	if err := build(&e.buf); err != nil {
		e.buf.reset()
		return err
	}
	next := WriteArmed
	if op.read {
		next = ReadArmed
	}
	if err := e.transition(next); err != nil {
		return err
	}
	e.op = op
	e.polls = 0
	e.cfg.logf("%v armed, %d byte frame", op.name, e.buf.write.Load())
	return nil
}

// BeginRead arms a read of n bytes starting at addr. The frame is the read
// opcode, the address, ReadDummy turnaround bytes and n more bytes to clock
// the data in.
func (e *Engine) BeginRead(addr uint32, n int) error {
	if !e.IsIdle() {
		return ErrOperationInProgress
	}
	if n <= 0 || n > PageData {
		return ErrInvalidLength
	}
	a := encodeAddress(addr)
	return e.arm(operation{name: "read", read: true, data: HeaderSize + ReadDummy}, func(b *Buffer) error {
		if err := b.queue(OpRead, a[0], a[1], a[2]); err != nil {
			return err
		}
		return b.pad(ReadDummy+n, Dummy)
	})
}

// BeginWrite arms a page program of p at addr. p may hold at most PageData
// bytes; the in-page offset wraps rather than spilling into the next page.
func (e *Engine) BeginWrite(addr uint32, p []byte) error {
	if !e.IsIdle() {
		return ErrOperationInProgress
	}
	if len(p) == 0 || len(p) > PageData {
		return ErrInvalidLength
	}
	return e.beginCommand("write", OpWrite, addr, p)
}

// BeginErase arms an erase of the page holding addr.
func (e *Engine) BeginErase(addr uint32) error {
	if !e.IsIdle() {
		return ErrOperationInProgress
	}
	return e.beginCommand("erase", OpErase, addr, nil)
}

// BeginCommand arms an addressed command with an optional payload, such as
// the buffer 2 opcodes. Nothing is stored when it completes.
func (e *Engine) BeginCommand(op byte, addr uint32, p []byte) error {
	if !e.IsIdle() {
		return ErrOperationInProgress
	}
	if len(p) > PageData {
		return ErrInvalidLength
	}
	return e.beginCommand(fmt.Sprintf("command 0x%02X", op), op, addr, p)
}

func (e *Engine) beginCommand(name string, op byte, addr uint32, p []byte) error {
	a := encodeAddress(addr)
	return e.arm(operation{name: name}, func(b *Buffer) error {
		if err := b.queue(op, a[0], a[1], a[2]); err != nil {
			return err
		}
		return b.queue(p...)
	})
}

// BeginStatus arms a status register read. The single status byte is
// delivered to the store.
func (e *Engine) BeginStatus() error {
	return e.arm(operation{name: "status", read: true, data: 1}, func(b *Buffer) error {
		if err := b.queue(OpStatus); err != nil {
			return err
		}
		return b.pad(1, Dummy)
	})
}

// BeginID arms a manufacturer and device id read. IDSize bytes are
// delivered to the store.
func (e *Engine) BeginID() error {
	return e.arm(operation{name: "id", read: true, data: 1}, func(b *Buffer) error {
		if err := b.queue(OpID); err != nil {
			return err
		}
		return b.pad(IDSize, Dummy)
	})
}

// Step advances the handshake by at most one state. It never blocks: while
// the transfer is still running it returns nil and should be called again.
//
// A buffer overrun aborts the operation and returns ErrBufferOverrun.
// After StallLimit polls without completion the engine parks in Stalled and
// returns ErrStalled until Abort is called.
func (e *Engine) Step() error {
	switch e.state {
	case ReadArmed, WriteArmed:
		return e.enable()
	case ReadWaiting, WriteWaiting:
		return e.wait()
	case Stalled:
		return ErrStalled
	}
	return nil
}

func (e *Engine) enable() error {
	if cs := e.cfg.ChipSelect; cs != nil {
		if err := cs.Select(); err != nil {
			e.Abort()
			return fmt.Errorf("flash: chip select: %w", err)
		}
		e.selected = true
	}
	src := e.cfg.source()
	next := WriteWaiting
	if e.state == ReadArmed {
		e.irq.SetPriority(src, e.cfg.priority())
		next = ReadWaiting
	}
	if err := e.transition(next); err != nil {
		return err
	}
	e.irq.Enable(src)
	return nil
}

func (e *Engine) wait() error {
	if e.buf.overrun.Load() {
		e.cfg.logf("%v aborted: %v", e.op.name, ErrBufferOverrun)
		e.Abort()
		return ErrBufferOverrun
	}
	if !e.buf.Complete() {
		e.polls++
		if limit := e.cfg.stallLimit(); limit > 0 && e.polls >= limit {
			e.cfg.logf("%v stalled after %d polls", e.op.name, e.polls)
			if err := e.transition(Stalled); err != nil {
				return err
			}
			if f, ok := e.bus.(faulter); ok && f.Err() != nil {
				return fmt.Errorf("%w: %w", ErrStalled, f.Err())
			}
			return ErrStalled
		}
		return nil
	}

	var err error
	if e.selected {
		e.selected = false
		if derr := e.cfg.ChipSelect.Deselect(); derr != nil {
			err = fmt.Errorf("flash: chip select: %w", derr)
		}
	}
	if e.state == ReadWaiting {
		from := e.op.data
		if e.cfg.RawStore {
			from = 0
		}
		e.store.Reset()
		if _, werr := e.store.Write(e.buf.received(from)); werr != nil && err == nil {
			err = fmt.Errorf("flash: store: %w", werr)
		}
	}
	e.cfg.logf("%v complete after %d polls", e.op.name, e.polls)
	if terr := e.transition(Idle); terr != nil {
		return terr
	}
	return err
}

// Abort disables the interrupt source, releases chip-select and forces the
// engine back to Idle. It must be called from the polling context, never
// from the interrupt handler.
func (e *Engine) Abort() error {
	if e.state == Idle {
		return nil
	}
	e.irq.Disable(e.cfg.source())
	if s, ok := e.irq.(syncer); ok {
		s.Sync()
	}
	var err error
	if e.selected {
		e.selected = false
		err = e.cfg.ChipSelect.Deselect()
	}
	e.cfg.logf("%v aborted in state %v", e.op.name, e.state)
	e.buf.reset()
	e.state = Idle
	return err
}
