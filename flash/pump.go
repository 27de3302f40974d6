package flash

// Burst is the most bytes moved in each direction per Service call.
const Burst = 8

// Service is the bus-ready interrupt handler. It transmits up to Burst queued
// bytes, stores up to Burst received bytes, and disables the interrupt source
// once every queued byte has been clocked back in. Disabling the source is the
// only completion signal; the sequencer observes it through the cursors.
//
// Service must only run while the source is enabled.
func (e *Engine) Service() {
	b := &e.buf
	write := b.write.Load()
	send := b.send.Load()
	recv := b.recv.Load()

	if send > write || recv > write {
		e.fault()
		return
	}

	for i := 0; i < Burst && e.bus.TxReady() && send != write; i++ {
		e.bus.Transmit(b.bytes[send])
		send++
	}
	b.send.Store(send)

	for i := 0; i < Burst && e.bus.RxReady(); i++ {
		if recv == write {
			// more bytes came back than were sent
			e.bus.Receive()
			e.fault()
			b.recv.Store(recv)
			return
		}
		b.bytes[recv] = e.bus.Receive()
		recv++
	}

	if recv == write {
		e.irq.Disable(e.cfg.source())
	}
	// published last so a complete buffer implies the source is off
	b.recv.Store(recv)
}

func (e *Engine) fault() {
	e.buf.overrun.Store(true)
	e.irq.Disable(e.cfg.source())
}
