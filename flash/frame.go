package flash

// Dataflash opcodes.
const (
	OpStatus             = 0xD7
	OpRead               = 0xE8 // continuous array read, needs ReadDummy turnaround bytes
	OpID                 = 0x9F
	OpWrite              = 0x82 // page program through buffer 1 with built-in erase
	OpErase              = 0x81
	OpWriteEnable        = 0x88 // program buffer 1 into a page, no erase
	OpBuffer2WriteEnable = 0x89 // program buffer 2 into a page, no erase
	OpBuffer2Write       = 0x85 // load buffer 2
	OpBuffer2Commit      = 0x87 // program buffer 2 into a page with erase
)

const (
	// PageMask selects the byte offset within a page. Pages span 1024
	// addresses but only the first PageData bytes hold payload.
	PageMask = 0x3FF
	// PageShift is the bit position of the page number in an address.
	PageShift = 10
	// AddressMask limits addresses to 24 bits.
	AddressMask = 0xFFFFFF
	// Pages is the number of pages a 24-bit address can reach.
	Pages = (AddressMask + 1) >> PageShift

	// Dummy is clocked out whenever the bytes sent don't matter.
	Dummy = 0x00

	// StatusReady is set in the status register when the device is idle.
	StatusReady = 0x80

	// IDSize is the number of bytes returned by OpID.
	IDSize = 4
)

// PageAddress returns the address of offset within page.
func PageAddress(page, offset uint32) uint32 {
	return (page<<PageShift | offset&PageMask) & AddressMask
}

// SplitAddress returns the page number and the in-page offset of addr.
func SplitAddress(addr uint32) (page, offset uint32) {
	addr &= AddressMask
	return addr >> PageShift, addr & PageMask
}

// encodeAddress returns addr as three bytes, most significant first.
// The in-page offset is masked so a frame never names a byte outside its page.
func encodeAddress(addr uint32) [3]byte {
	a := PageAddress(SplitAddress(addr))
	return [3]byte{byte(a >> 16), byte(a >> 8), byte(a)}
}

// DecodeAddress is the inverse of the 3-byte frame address encoding.
func DecodeAddress(p []byte) uint32 {
	return uint32(p[0])<<16 | uint32(p[1])<<8 | uint32(p[2])
}
