package spi

import (
	"sync"

	"github.com/rabidaudio/dataflash/flash"
)

// Depth is the size of each FIFO, one pump burst.
const Depth = flash.Burst

// Exchanger performs one full-duplex transfer in place: every byte of p is
// clocked out and replaced by the byte clocked in at the same time.
type Exchanger interface {
	Exchange(p []byte) error
}

// FIFO implements flash.Bus over an Exchanger. Transmitted bytes are held
// until the receive side is polled, then exchanged as one burst, so the
// receive FIFO always holds exactly the replies to what was sent.
type FIFO struct {
	x Exchanger

	tx  [Depth]byte
	ntx int
	rx  [Depth]byte
	nrx int
	pos int

	mu        sync.Mutex // guards err, read while the handler may still run
	err       error
	exchanged int
}

// NewFIFO returns a FIFO that exchanges bursts over x.
func NewFIFO(x Exchanger) *FIFO {
	return &FIFO{x: x}
}

func (f *FIFO) TxReady() bool {
	return f.ntx < Depth
}

func (f *FIFO) Transmit(b byte) {
	if f.ntx == Depth {
		// hardware drops writes to a full FIFO
		return
	}
	f.tx[f.ntx] = b
	f.ntx++
}

func (f *FIFO) RxReady() bool {
	if f.pos < f.nrx {
		return true
	}
	if f.ntx == 0 {
		return false
	}
	f.flush()
	return f.pos < f.nrx
}

func (f *FIFO) Receive() byte {
	if f.pos >= f.nrx {
		return 0
	}
	b := f.rx[f.pos]
	f.pos++
	return b
}

func (f *FIFO) flush() {
	n := f.ntx
	f.ntx = 0
	f.pos, f.nrx = 0, 0
	copy(f.rx[:n], f.tx[:n])
	if err := f.x.Exchange(f.rx[:n]); err != nil {
		// the burst is lost; the transfer never completes and the
		// sequencer reports it as stalled
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		return
	}
	f.nrx = n
	f.exchanged += n
}

// Err returns the last exchange error.
func (f *FIFO) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// ResetErr clears the last exchange error and drops any bytes still held
// from an abandoned transfer.
func (f *FIFO) ResetErr() {
	f.mu.Lock()
	f.err = nil
	f.mu.Unlock()
	f.ntx = 0
	f.pos, f.nrx = 0, 0
}

// Exchanged returns the number of bytes clocked through the bus.
func (f *FIFO) Exchanged() int {
	return f.exchanged
}

// ensure interface conformation
var _ flash.Bus = (*FIFO)(nil)
