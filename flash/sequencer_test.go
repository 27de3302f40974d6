package flash

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateNames(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "read waiting", ReadWaiting.String())
	assert.Equal(t, "State(42)", State(42).String())
}

func TestReadFrame(t *testing.T) {
	e, _, _ := newTestEngine(&loopback{}, Config{})
	failIfErr(t, e.BeginRead(0x000100, 512))
	assert.Equal(t, ReadArmed, e.State())

	_, _, write := e.buf.Cursors()
	assert.Equal(t, 12+512, write)
	assert.Equal(t, []byte{OpRead, 0x00, 0x01, 0x00}, e.buf.bytes[:4])
	assert.Equal(t, make([]byte, ReadDummy), e.buf.bytes[4:12])
}

func TestReadScenario(t *testing.T) {
	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(i * 7)
	}
	// the device answers garbage during the header and turnaround
	reply := func(i int, b byte) byte {
		if i < HeaderSize+ReadDummy {
			return 0xFF
		}
		return data[i-HeaderSize-ReadDummy]
	}
	e, irq, store := newTestEngine(&loopback{reply: reply}, Config{})
	store.WriteString("stale contents")

	failIfErr(t, e.BeginRead(0x000100, 512))
	drive(t, e, irq)

	assert.Equal(t, data, store.Bytes())
	assert.Equal(t, 1, irq.enables)
	assert.Equal(t, 1, irq.disables)
	assert.Equal(t, DefaultPriority, irq.priority)
	assert.Equal(t, SourceSSP1, irq.source)
}

func TestRawStore(t *testing.T) {
	e, irq, store := newTestEngine(&loopback{}, Config{RawStore: true})
	failIfErr(t, e.BeginRead(0x000100, 4))
	drive(t, e, irq)

	// echoed frame: opcode, address, dummies and the data slots
	want := append([]byte{OpRead, 0x00, 0x01, 0x00}, make([]byte, ReadDummy+4)...)
	assert.Equal(t, want, store.Bytes())
}

func TestWriteFrameMasked(t *testing.T) {
	payload := bytes.Repeat([]byte{0xA5}, PageData)
	e, irq, store := newTestEngine(&loopback{}, Config{Source: 3, Priority: 2})

	failIfErr(t, e.BeginWrite(0x0003FF, payload))
	_, _, write := e.buf.Cursors()
	assert.Equal(t, HeaderSize+PageData, write)
	assert.Equal(t, []byte{OpWrite, 0x00, 0x03, 0xFF}, e.buf.bytes[:4])
	assert.Equal(t, payload, e.buf.bytes[4:write])

	drive(t, e, irq)
	assert.Equal(t, 0, store.Len(), "writes leave the store alone")
	assert.Equal(t, 3, irq.source)
	assert.Equal(t, 0, irq.priority, "priority is only set for reads")
}

func TestArmThenWait(t *testing.T) {
	e, irq, _ := newTestEngine(&loopback{dead: true}, Config{})
	failIfErr(t, e.BeginWrite(0, []byte{1, 2, 3}))
	assert.Equal(t, WriteArmed, e.State())
	assert.False(t, irq.enabled)

	failIfErr(t, e.Step())
	assert.Equal(t, WriteWaiting, e.State())
	assert.True(t, irq.enabled)

	for range 10 {
		failIfErr(t, e.Step())
	}
	assert.Equal(t, WriteWaiting, e.State())
	assert.Equal(t, 1, irq.enables, "waiting never re-enables the source")
}

func TestBeginWhileBusy(t *testing.T) {
	e, _, _ := newTestEngine(&loopback{}, Config{})
	failIfErr(t, e.BeginRead(0x000100, 16))
	failIfErr(t, e.Step())
	e.buf.send.Store(3)
	e.buf.recv.Store(2)

	send, recv, write := e.buf.Cursors()
	assert.ErrorIs(t, e.BeginRead(0x000200, 8), ErrOperationInProgress)
	assert.ErrorIs(t, e.BeginWrite(0x000200, []byte{1}), ErrOperationInProgress)
	assert.ErrorIs(t, e.BeginErase(0x000200), ErrOperationInProgress)
	assert.ErrorIs(t, e.BeginStatus(), ErrOperationInProgress)
	assert.ErrorIs(t, e.BeginID(), ErrOperationInProgress)
	assert.ErrorIs(t, e.BeginCommand(OpBuffer2Write, 0, nil), ErrOperationInProgress)

	s, r, w := e.buf.Cursors()
	assert.Equal(t, send, s)
	assert.Equal(t, recv, r)
	assert.Equal(t, write, w)
	assert.Equal(t, ReadWaiting, e.State())
}

func TestInvalidLength(t *testing.T) {
	e, _, _ := newTestEngine(&loopback{}, Config{})
	assert.ErrorIs(t, e.BeginRead(0, 0), ErrInvalidLength)
	assert.ErrorIs(t, e.BeginRead(0, PageData+1), ErrInvalidLength)
	assert.ErrorIs(t, e.BeginWrite(0, nil), ErrInvalidLength)
	assert.ErrorIs(t, e.BeginWrite(0, make([]byte, PageData+1)), ErrInvalidLength)
	assert.ErrorIs(t, e.BeginCommand(OpBuffer2Write, 0, make([]byte, PageData+1)), ErrInvalidLength)
	assert.True(t, e.IsIdle())
}

func TestSupplementaryFrames(t *testing.T) {
	e, irq, store := newTestEngine(&loopback{}, Config{})

	failIfErr(t, e.BeginErase(PageAddress(3, 0)))
	assert.Equal(t, []byte{OpErase, 0x00, 0x0C, 0x00}, e.buf.bytes[:4])
	drive(t, e, irq)

	failIfErr(t, e.BeginCommand(OpBuffer2Write, 0x10, []byte{9, 8}))
	assert.Equal(t, []byte{OpBuffer2Write, 0x00, 0x00, 0x10, 9, 8}, e.buf.bytes[:6])
	drive(t, e, irq)

	failIfErr(t, e.BeginID())
	_, _, write := e.buf.Cursors()
	assert.Equal(t, 1+IDSize, write)
	drive(t, e, irq)
	assert.Equal(t, make([]byte, IDSize), store.Bytes(), "echoed dummies")
}

func TestStall(t *testing.T) {
	cs := &fakeCS{}
	e, irq, _ := newTestEngine(&loopback{dead: true}, Config{StallLimit: 5, ChipSelect: cs})
	failIfErr(t, e.BeginRead(0, 8))
	failIfErr(t, e.Step())
	assert.True(t, cs.selected)

	for range 4 {
		e.Service()
		failIfErr(t, e.Step())
	}
	assert.ErrorIs(t, e.Step(), ErrStalled)
	assert.Equal(t, Stalled, e.State())
	assert.ErrorIs(t, e.Step(), ErrStalled, "stays stalled until aborted")
	assert.ErrorIs(t, e.BeginRead(0, 8), ErrOperationInProgress)

	failIfErr(t, e.Abort())
	assert.True(t, e.IsIdle())
	assert.False(t, irq.enabled)
	assert.False(t, cs.selected)

	// retry is up to the caller
	failIfErr(t, e.BeginRead(0, 8))
}

func TestWaitForever(t *testing.T) {
	e, _, _ := newTestEngine(&loopback{dead: true}, Config{StallLimit: -1})
	failIfErr(t, e.BeginRead(0, 8))
	for range DefaultStallLimit + 1 {
		failIfErr(t, e.Step())
	}
	assert.Equal(t, ReadWaiting, e.State())
}

func TestAbort(t *testing.T) {
	cs := &fakeCS{}
	e, irq, _ := newTestEngine(&loopback{}, Config{ChipSelect: cs})
	failIfErr(t, e.Abort())
	assert.Equal(t, 0, irq.disables, "nothing to abort")

	failIfErr(t, e.BeginWrite(0, []byte{1, 2}))
	failIfErr(t, e.Abort())
	assert.True(t, e.IsIdle())
	assert.Equal(t, 0, cs.deselects, "chip select was never asserted")

	failIfErr(t, e.BeginWrite(0, []byte{1, 2}))
	failIfErr(t, e.Step())
	e.Service()
	failIfErr(t, e.Abort())
	assert.True(t, e.IsIdle())
	assert.False(t, irq.enabled)
	assert.Equal(t, 1, cs.deselects)
	_, _, write := e.buf.Cursors()
	assert.Equal(t, 0, write)
}

func TestChipSelectFramesTransfer(t *testing.T) {
	cs := &fakeCS{}
	e, irq, _ := newTestEngine(&loopback{}, Config{ChipSelect: cs})
	failIfErr(t, e.BeginStatus())
	assert.False(t, cs.selected, "asserted only once armed")

	failIfErr(t, e.Step())
	assert.True(t, cs.selected)
	drive(t, e, irq)
	assert.False(t, cs.selected)
	assert.Equal(t, 1, cs.selects)
	assert.Equal(t, 1, cs.deselects)
}

func TestChipSelectFailure(t *testing.T) {
	cs := &fakeCS{failSelect: errors.New("gpio busy")}
	e, irq, _ := newTestEngine(&loopback{}, Config{ChipSelect: cs})
	failIfErr(t, e.BeginStatus())

	err := e.Step()
	assert.ErrorContains(t, err, "gpio busy")
	assert.True(t, e.IsIdle())
	assert.Equal(t, 0, irq.enables)
}

// Read, write the same bytes back, read again.
func TestRoundTrip(t *testing.T) {
	mem := make([]byte, PageData)
	for i := range mem {
		mem[i] = byte(i)
	}
	var frame []byte
	bus := &loopback{reply: func(i int, b byte) byte {
		if i == 0 {
			frame = frame[:0]
		}
		frame = append(frame, b)
		switch frame[0] {
		case OpRead:
			if i >= HeaderSize+ReadDummy {
				return mem[i-HeaderSize-ReadDummy]
			}
		case OpWrite:
			if i >= HeaderSize {
				mem[i-HeaderSize] = b
			}
		}
		return 0xFF
	}}
	e, irq, store := newTestEngine(bus, Config{})

	const n = 64
	failIfErr(t, e.BeginRead(0, n))
	bus.sent = 0
	drive(t, e, irq)
	first := bytes.Clone(store.Bytes())
	assert.Len(t, first, n)

	failIfErr(t, e.BeginWrite(0, first))
	bus.sent = 0
	drive(t, e, irq)

	failIfErr(t, e.BeginRead(0, n))
	bus.sent = 0
	drive(t, e, irq)
	assert.Equal(t, first, store.Bytes())
}

// faultyBus is a dead loopback that remembers an exchange error.
type faultyBus struct {
	loopback
	err    error
	resets int
}

func (f *faultyBus) Err() error { return f.err }

func (f *faultyBus) ResetErr() {
	f.err = nil
	f.resets++
}

func TestStallCarriesBusError(t *testing.T) {
	bus := &faultyBus{loopback: loopback{dead: true}}
	e, _, _ := newTestEngine(bus, Config{StallLimit: 2})
	failIfErr(t, e.BeginRead(0, 8))
	assert.Equal(t, 1, bus.resets, "arming clears the previous error")

	bus.err = errors.New("bus fault")
	failIfErr(t, e.Step())
	failIfErr(t, e.Step())
	err := e.Step()
	assert.ErrorIs(t, err, ErrStalled)
	assert.ErrorContains(t, err, "bus fault")

	failIfErr(t, e.Abort())
	failIfErr(t, e.BeginRead(0, 8))
	assert.Nil(t, bus.err)
	assert.Equal(t, 2, bus.resets)
}
