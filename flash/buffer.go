package flash

import "sync/atomic"

const (
	// PageData is the number of payload bytes used in each flash page.
	PageData = 512
	// HeaderSize is the opcode plus a 24-bit address.
	HeaderSize = 4
	// ReadDummy is the number of turnaround bytes clocked after a read header
	// before valid data appears.
	ReadDummy = 8
	// Capacity is the size of the transfer buffer, 524 bytes.
	Capacity = PageData + HeaderSize + ReadDummy
)

// Buffer is the shared transmit/receive area. Outgoing frame bytes are queued
// at the write cursor; the pump transmits from the send cursor and stores
// clocked-in bytes at the receive cursor, overwriting the frame as it goes.
//
// The send and receive cursors are only written by the pump. The write cursor
// is only written by the sequencer while no transfer is running.
type Buffer struct {
	bytes [Capacity]byte
	write atomic.Uint32
	send  atomic.Uint32
	recv  atomic.Uint32

	// set by the pump when the bus delivers more bytes than were queued
	overrun atomic.Bool
}

func (b *Buffer) reset() {
	b.write.Store(0)
	b.send.Store(0)
	b.recv.Store(0)
	b.overrun.Store(false)
}

// queue appends p at the write cursor.
func (b *Buffer) queue(p ...byte) error {
	w := b.write.Load()
	if int(w)+len(p) > Capacity {
		return ErrBufferOverrun
	}
	copy(b.bytes[w:], p)
	b.write.Store(w + uint32(len(p)))
	return nil
}

// pad queues n copies of v.
func (b *Buffer) pad(n int, v byte) error {
	w := b.write.Load()
	if n < 0 || int(w)+n > Capacity {
		return ErrBufferOverrun
	}
	for i := range n {
		b.bytes[int(w)+i] = v
	}
	b.write.Store(w + uint32(n))
	return nil
}

// Cursors returns the send, receive and write cursors.
func (b *Buffer) Cursors() (send, recv, write int) {
	return int(b.send.Load()), int(b.recv.Load()), int(b.write.Load())
}

// Complete reports whether every queued byte has been clocked back in.
func (b *Buffer) Complete() bool {
	return b.recv.Load() == b.write.Load()
}

// received returns the bytes clocked in from offset from up to the write cursor.
// It must only be called once the transfer is complete.
func (b *Buffer) received(from int) []byte {
	w := int(b.write.Load())
	if from > w {
		from = w
	}
	return b.bytes[from:w]
}
