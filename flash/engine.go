// Package flash drives a serial dataflash over a full-duplex bus.
//
// An [Engine] owns a fixed 524-byte transfer buffer shared by two entry
// points. [Engine.Service] is the byte pump: it is run by the interrupt
// controller on every bus-ready event and moves at most [Burst] bytes in each
// direction. [Engine.Step] is the operation sequencer: it is polled by the
// caller, arms the interrupt source, waits for the pump to clock every queued
// byte back in, and then hands the result to a [Store].
//
// Neither entry point blocks. [Driver] wraps an Engine with blocking,
// context-aware calls.
package flash

import (
	"log"
	"os"
)

// Bus is a full-duplex serial port with a small hardware FIFO.
type Bus interface {
	TxReady() bool // room for another outgoing byte
	Transmit(b byte)
	RxReady() bool // a clocked-in byte is waiting
	Receive() byte
}

// Interrupts controls the bus-ready interrupt line.
type Interrupts interface {
	Enable(source int)
	Disable(source int)
	SetPriority(source int, level int)
}

// ChipSelect frames a transfer. It is asserted when an operation is armed and
// released when the transfer completes or is aborted.
type ChipSelect interface {
	Select() error
	Deselect() error
}

// BusConfigurer sets the clock rate, frame format and chip-select idle level.
type BusConfigurer interface {
	Configure() error
}

// faulter is implemented by buses that remember the last transfer error.
// ResetErr is called whenever a new operation is armed.
type faulter interface {
	Err() error
	ResetErr()
}

// syncer is implemented by interrupt controllers that can wait for a running
// handler to return.
type syncer interface {
	Sync()
}

// LogMode configures the destination for engine logs.
type LogMode int

const (
	LogModeSilent LogMode = 0 // disable logs
	LogModeStdErr LogMode = 1 // log to stderr
	LogModeLogger LogMode = 2 // log to the supplied log.Logger instance
)

const (
	// SourceSSP1 is the default interrupt source of the bus.
	SourceSSP1 = 11
	// DefaultPriority is set on the interrupt source when a read is armed.
	DefaultPriority = 17
	// DefaultStallLimit is the number of waiting polls before a transfer
	// is reported as stalled.
	DefaultStallLimit = 10000
)

// Config holds the optional collaborators and tunables of an Engine.
// The zero value is ready to use.
type Config struct {
	ChipSelect ChipSelect    // optional, asserted for the duration of each frame
	Bus        BusConfigurer // optional, run once by InitializeBus
	Source     int           // interrupt source id. If 0, SourceSSP1 is used
	Priority   int           // interrupt priority set when a read is armed. If 0, DefaultPriority is used
	StallLimit int           // waiting polls before ErrStalled. If 0, DefaultStallLimit is used. Set to -1 to wait forever
	LogMode    LogMode       // direct the engine logs
	Logger     *log.Logger   // if LogMode == LogModeLogger, the log.Logger to use

	// RawStore delivers the whole received frame to the store, starting at
	// buffer offset 0 with the echoed opcode, address and dummy bytes. By
	// default only the response bytes are delivered.
	RawStore bool
}

func (c *Config) source() int {
	if c.Source == 0 {
		return SourceSSP1
	}
	return c.Source
}

func (c *Config) priority() int {
	if c.Priority == 0 {
		return DefaultPriority
	}
	return c.Priority
}

func (c *Config) stallLimit() int {
	if c.StallLimit == 0 {
		return DefaultStallLimit
	}
	return c.StallLimit
}

var stderrLogger = log.New(os.Stderr, "flash: ", log.LstdFlags)

func (c *Config) logf(format string, v ...any) {
	switch c.LogMode {
	case LogModeStdErr:
		stderrLogger.Printf(format, v...)
	case LogModeLogger:
		if c.Logger != nil {
			c.Logger.Printf(format, v...)
		}
	}
}

// Engine sequences dataflash operations over a Bus.
type Engine struct {
	cfg   Config
	bus   Bus
	irq   Interrupts
	store Store

	buf        Buffer
	state      State
	op         operation
	polls      int
	selected   bool
	configured bool
}

// NewEngine returns an idle Engine. Read results are written to store.
func NewEngine(bus Bus, irq Interrupts, store Store, cfg Config) *Engine {
	return &Engine{
		cfg:   cfg,
		bus:   bus,
		irq:   irq,
		store: store,
	}
}

// InitializeBus runs the one-shot bus configuration. It must be called
// before the first transfer and returns ErrBusConfigured if called again.
func (e *Engine) InitializeBus() error {
	if e.configured {
		return ErrBusConfigured
	}
	if e.cfg.Bus != nil {
		if err := e.cfg.Bus.Configure(); err != nil {
			return err
		}
	}
	if e.cfg.ChipSelect != nil {
		if err := e.cfg.ChipSelect.Deselect(); err != nil {
			return err
		}
	}
	e.configured = true
	return nil
}

// Buffer exposes the transfer buffer for inspection.
func (e *Engine) Buffer() *Buffer {
	return &e.buf
}
