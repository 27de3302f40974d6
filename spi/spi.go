package spi

import (
	"github.com/rabidaudio/dataflash/flash"
	rpio "github.com/stianeikeland/go-rpio/v4"
)

// SPI_SPEED is the default clock rate: a 48 MHz core clock divided by 8,
// then by the prescaler of 2.
const SPI_SPEED = 3_000_000 // 3 MHz

// CE0 is the BCM number of the SPI0 chip-select pin, driven manually so
// that chip-select stays asserted across bursts.
const CE0 = 8

// Spi is a dataflash port on a Raspberry Pi SPI controller.
type Spi struct {
	dev   rpio.SpiDev
	cs    rpio.Pin
	Speed int // clock rate in Hz. If 0, SPI_SPEED is used
}

// Open opens SPI0 with chip-select on CE0.
func Open() (*Spi, error) {
	return OpenDevice(rpio.Spi0, CE0)
}

// OpenDevice maps the GPIO registers for dev. The bus itself is set up by
// Configure.
func OpenDevice(dev rpio.SpiDev, csPin uint8) (spi *Spi, err error) {
	err = rpio.Open()
	if err != nil {
		return
	}
	spi = &Spi{dev: dev, cs: rpio.Pin(csPin)}
	return
}

// Configure starts the controller in mode 3 (CPOL=1, CPHA=1) and parks
// chip-select high.
func (s *Spi) Configure() error {
	err := rpio.SpiBegin(s.dev)
	if err != nil {
		return err
	}
	speed := s.Speed
	if speed == 0 {
		speed = SPI_SPEED
	}
	rpio.SpiSpeed(speed)
	rpio.SpiMode(1, 1)
	// take the pin back from the controller so chip-select spans the frame
	s.cs.Output()
	s.cs.High()
	return nil
}

func (s *Spi) Exchange(p []byte) error {
	rpio.SpiExchange(p)
	return nil
}

func (s *Spi) Select() error {
	s.cs.Low()
	return nil
}

func (s *Spi) Deselect() error {
	s.cs.High()
	return nil
}

func (s *Spi) Close() error {
	s.cs.High()
	rpio.SpiEnd(s.dev)
	return rpio.Close()
}

// ensure interface conformation
var (
	_ Exchanger           = (*Spi)(nil)
	_ flash.ChipSelect    = (*Spi)(nil)
	_ flash.BusConfigurer = (*Spi)(nil)
)
