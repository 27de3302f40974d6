package spi

import (
	"github.com/rabidaudio/dataflash/flash"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	pspi "periph.io/x/conn/v3/spi"
)

// PeriphSpeed is the default clock rate of a periph.io port.
const PeriphSpeed = 3 * physic.MegaHertz

// Periph is a dataflash port on any periph.io SPI port, with chip-select on
// a separate GPIO.
type Periph struct {
	port  pspi.Port
	conn  pspi.Conn
	cs    gpio.PinOut
	Speed physic.Frequency // If 0, PeriphSpeed is used
}

// OpenPeriph wraps port. The connection is made by Configure.
func OpenPeriph(port pspi.Port, cs gpio.PinOut) *Periph {
	return &Periph{port: port, cs: cs}
}

// Configure connects in mode 3 with 8-bit words and parks chip-select high.
func (p *Periph) Configure() error {
	speed := p.Speed
	if speed == 0 {
		speed = PeriphSpeed
	}
	conn, err := p.port.Connect(speed, pspi.Mode3, 8)
	if err != nil {
		return err
	}
	p.conn = conn
	return p.cs.Out(gpio.High)
}

func (p *Periph) Exchange(b []byte) error {
	r := make([]byte, len(b))
	if err := p.conn.Tx(b, r); err != nil {
		return err
	}
	copy(b, r)
	return nil
}

func (p *Periph) Select() error {
	return p.cs.Out(gpio.Low)
}

func (p *Periph) Deselect() error {
	return p.cs.Out(gpio.High)
}

var (
	_ Exchanger           = (*Periph)(nil)
	_ flash.ChipSelect    = (*Periph)(nil)
	_ flash.BusConfigurer = (*Periph)(nil)
)
