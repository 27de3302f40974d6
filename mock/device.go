// Package mock simulates a page-addressed serial dataflash so the driver can
// be exercised without hardware.
package mock

import (
	"fmt"

	"github.com/rabidaudio/dataflash/flash"
	"github.com/rabidaudio/dataflash/spi"
)

// PageSize is the addressable span of one page.
const PageSize = flash.PageMask + 1

// Garbage is clocked out while the device has nothing to say.
const Garbage = 0xFF

// DefaultID is the id returned when Device.ID is zero.
var DefaultID = [flash.IDSize]byte{0x1F, 0x26, 0x00, 0x01}

var ErrNotSelected = fmt.Errorf("mock: exchange without chip select")

type page [PageSize]byte

func erased() *page {
	var p page
	for i := range p {
		p[i] = Garbage
	}
	return &p
}

// Device is an in-memory dataflash. Frames are delimited by Select and
// Deselect; writes take effect when the frame ends. Offsets wrap within
// a page.
type Device struct {
	ID     [flash.IDSize]byte // if zero, DefaultID is used
	Status byte               // if zero, flash.StatusReady is used
	Fail   error              // returned by every Exchange when set

	pages    map[uint32]*page
	buffer1  page
	buffer2  page
	selected bool
	frame    []byte

	Frames       int // completed frames
	BytesWritten int // bytes clocked into the device
}

// NewDevice returns a fully erased device.
func NewDevice() *Device {
	return &Device{pages: make(map[uint32]*page)}
}

func (d *Device) page(n uint32) *page {
	if d.pages == nil {
		d.pages = make(map[uint32]*page)
	}
	p, ok := d.pages[n]
	if !ok {
		p = erased()
		d.pages[n] = p
	}
	return p
}

// Peek returns n bytes of page memory starting at addr, wrapping within the
// page like the device does.
func (d *Device) Peek(addr uint32, n int) []byte {
	pg, off := flash.SplitAddress(addr)
	p := d.page(pg)
	out := make([]byte, n)
	for i := range out {
		out[i] = p[(int(off)+i)&flash.PageMask]
	}
	return out
}

// Poke stores data directly into page memory at addr.
func (d *Device) Poke(addr uint32, data []byte) {
	pg, off := flash.SplitAddress(addr)
	p := d.page(pg)
	for i, b := range data {
		p[(int(off)+i)&flash.PageMask] = b
	}
}

func (d *Device) Select() error {
	d.selected = true
	d.frame = d.frame[:0]
	return nil
}

func (d *Device) Deselect() error {
	if !d.selected {
		return nil
	}
	d.selected = false
	d.commit()
	d.Frames++
	d.frame = d.frame[:0]
	return nil
}

func (d *Device) Exchange(p []byte) error {
	if d.Fail != nil {
		return d.Fail
	}
	if !d.selected {
		return ErrNotSelected
	}
	for i, in := range p {
		p[i] = d.clock(in)
	}
	d.BytesWritten += len(p)
	return nil
}

// addressed reports whether the frame header is complete, and if so the
// page and the offset of the byte at pos counted from skip.
func (d *Device) addressed(pos, skip int) (pg uint32, off int, ok bool) {
	if len(d.frame) < flash.HeaderSize || pos < skip {
		return 0, 0, false
	}
	pg, o := flash.SplitAddress(flash.DecodeAddress(d.frame[1:flash.HeaderSize]))
	return pg, (int(o) + pos - skip) & flash.PageMask, true
}

// clock shifts one byte in and returns the byte shifted out with it.
func (d *Device) clock(in byte) byte {
	pos := len(d.frame)
	d.frame = append(d.frame, in)
	switch d.frame[0] {
	case flash.OpStatus:
		if pos == 0 {
			return Garbage
		}
		if d.Status == 0 {
			return flash.StatusReady
		}
		return d.Status
	case flash.OpID:
		id := d.ID
		if id == [flash.IDSize]byte{} {
			id = DefaultID
		}
		if pos == 0 || pos > flash.IDSize {
			return Garbage
		}
		return id[pos-1]
	case flash.OpRead:
		pg, off, ok := d.addressed(pos, flash.HeaderSize+flash.ReadDummy)
		if !ok {
			return Garbage
		}
		return d.page(pg)[off]
	case flash.OpWrite:
		if pos == flash.HeaderSize-1 {
			// header complete: load the target page into buffer 1 so
			// bytes outside the payload survive the erase
			pg, _ := flash.SplitAddress(flash.DecodeAddress(d.frame[1:flash.HeaderSize]))
			d.buffer1 = *d.page(pg)
		}
		if _, off, ok := d.addressed(pos, flash.HeaderSize); ok {
			d.buffer1[off] = in
		}
	case flash.OpBuffer2Write:
		if _, off, ok := d.addressed(pos, flash.HeaderSize); ok {
			d.buffer2[off] = in
		}
	}
	return Garbage
}

// commit applies the frame that just ended.
func (d *Device) commit() {
	if len(d.frame) < flash.HeaderSize {
		return
	}
	pg, _ := flash.SplitAddress(flash.DecodeAddress(d.frame[1:flash.HeaderSize]))
	switch d.frame[0] {
	case flash.OpWrite:
		*d.page(pg) = d.buffer1
	case flash.OpErase:
		*d.page(pg) = *erased()
	case flash.OpBuffer2Commit:
		*d.page(pg) = d.buffer2
	case flash.OpWriteEnable:
		program(d.page(pg), &d.buffer1)
	case flash.OpBuffer2WriteEnable:
		program(d.page(pg), &d.buffer2)
	}
}

// program writes buf into p without erasing first, so bits can only be
// cleared.
func program(p, buf *page) {
	for i := range p {
		p[i] &= buf[i]
	}
}

// ensure interface conformation
var (
	_ spi.Exchanger    = (*Device)(nil)
	_ flash.ChipSelect = (*Device)(nil)
)
