package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rabidaudio/dataflash/flash"
	"github.com/rabidaudio/dataflash/image"
	"github.com/rabidaudio/dataflash/irq"
	"github.com/rabidaudio/dataflash/mock"
	"github.com/rabidaudio/dataflash/spi"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

type options struct {
	bus     string
	port    string
	cs      string
	hz      int
	verbose bool
	timeout time.Duration
	out     string
	image   string
}

var errUsage = errors.New("flashtool: missing command")

func usage(flags *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, "usage: flashtool [options] <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "commands:\n")
	fmt.Fprintf(os.Stderr, "  id                      read the device id\n")
	fmt.Fprintf(os.Stderr, "  status                  read the status register\n")
	fmt.Fprintf(os.Stderr, "  read <addr> <n>         read n bytes (max %d)\n", flash.PageData)
	fmt.Fprintf(os.Stderr, "  write <addr> <file>     program a page from file\n")
	fmt.Fprintf(os.Stderr, "  erase <addr>            erase the page holding addr\n")
	fmt.Fprintf(os.Stderr, "  dump <page> <count>     dump page payloads\n\n")
	flags.PrintDefaults()
}

func parseFlags(args []string) (options, []string, error) {
	var opts options
	flags := flag.NewFlagSet("flashtool", flag.ContinueOnError)
	flags.StringVar(&opts.bus, "bus", "sim", "bus backend: sim, rpio or periph")
	flags.StringVar(&opts.port, "port", "", "periph.io SPI port name, empty for the first one")
	flags.StringVar(&opts.cs, "cs", "GPIO8", "periph.io chip-select pin name")
	flags.IntVar(&opts.hz, "hz", spi.SPI_SPEED, "bus clock in Hz")
	flags.BoolVar(&opts.verbose, "v", false, "log engine transitions to stderr")
	flags.DurationVar(&opts.timeout, "timeout", 5*time.Second, "timeout per command")
	flags.StringVar(&opts.out, "o", "", "write read or dump output to this file instead of stdout")
	flags.StringVar(&opts.image, "image", "", "dump: write a FAT32 disk image holding the dump to this path")
	flags.Usage = func() { usage(flags) }

	if err := flags.Parse(args); err != nil {
		return opts, nil, err
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return opts, nil, errUsage
	}
	return opts, flags.Args(), nil
}

// openBus returns the bus and engine config for the selected backend, and a
// function releasing it.
func openBus(opts options) (flash.Bus, flash.Config, func() error, error) {
	cfg := flash.Config{}
	if opts.verbose {
		cfg.LogMode = flash.LogModeStdErr
	}
	nop := func() error { return nil }

	switch opts.bus {
	case "sim":
		dev := mock.NewDevice()
		cfg.ChipSelect = dev
		return spi.NewFIFO(dev), cfg, nop, nil
	case "rpio":
		s, err := spi.Open()
		if err != nil {
			return nil, cfg, nil, err
		}
		s.Speed = opts.hz
		cfg.Bus = s
		cfg.ChipSelect = s
		return spi.NewFIFO(s), cfg, s.Close, nil
	case "periph":
		if _, err := host.Init(); err != nil {
			return nil, cfg, nil, fmt.Errorf("host init: %w", err)
		}
		port, err := spireg.Open(opts.port)
		if err != nil {
			return nil, cfg, nil, err
		}
		cs := gpioreg.ByName(opts.cs)
		if cs == nil {
			port.Close()
			return nil, cfg, nil, fmt.Errorf("no gpio named %q", opts.cs)
		}
		p := spi.OpenPeriph(port, cs)
		p.Speed = physic.Frequency(opts.hz) * physic.Hertz
		cfg.Bus = p
		cfg.ChipSelect = p
		return spi.NewFIFO(p), cfg, port.Close, nil
	default:
		return nil, cfg, nil, fmt.Errorf("unknown bus %q", opts.bus)
	}
}

func parseUint(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	return uint32(v), err
}

// output opens path for writing, or returns stdout when path is empty. The
// returned close function only closes files output opened.
func output(path string) (io.Writer, func() error, error) {
	if path == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

func run(ctx context.Context, d *flash.Driver, opts options, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	need := map[string]int{"id": 1, "status": 1, "read": 3, "write": 3, "erase": 2, "dump": 3}
	n, ok := need[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", args[0])
	}
	if len(args) != n {
		return fmt.Errorf("%v: expected %d arguments, got %d", args[0], n-1, len(args)-1)
	}

	switch args[0] {
	case "id":
		id, err := d.ID(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%X\n", id)
	case "status":
		st, err := d.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("0x%02X ready=%v\n", st, st&flash.StatusReady != 0)
	case "read":
		addr, err := parseUint(args[1])
		if err != nil {
			return err
		}
		count, err := strconv.Atoi(args[2])
		if err != nil {
			return err
		}
		p, err := d.Read(ctx, addr, count)
		if err != nil {
			return err
		}
		if opts.out == "" {
			fmt.Print(hex.Dump(p))
			return nil
		}
		return os.WriteFile(opts.out, p, 0644)
	case "write":
		addr, err := parseUint(args[1])
		if err != nil {
			return err
		}
		p, err := os.ReadFile(args[2])
		if err != nil {
			return err
		}
		return d.Write(ctx, addr, p)
	case "erase":
		addr, err := parseUint(args[1])
		if err != nil {
			return err
		}
		return d.Erase(ctx, addr)
	case "dump":
		first, err := parseUint(args[1])
		if err != nil {
			return err
		}
		count, err := parseUint(args[2])
		if err != nil {
			return err
		}
		if opts.image != "" {
			return dumpImage(ctx, d, first, count, opts.image)
		}
		w, closefn, err := output(opts.out)
		if err != nil {
			return err
		}
		_, err = d.Dump(ctx, w, first, count)
		if cerr := closefn(); err == nil {
			err = cerr
		}
		return err
	}
	return nil
}

func dumpImage(ctx context.Context, d *flash.Driver, first, count uint32, path string) error {
	im, err := image.Create()
	if err != nil {
		return err
	}
	defer im.Close()

	var name string
	var n int64
	err = pipeDump(ctx, d, first, count, func(r io.Reader) (err error) {
		name, n, err = im.WriteDump(fmt.Sprintf("P%d", first), r)
		return err
	})
	if err != nil {
		return err
	}
	log.Printf("wrote %d bytes to %v", n, name)
	return im.Export(path)
}

// pipeDump streams a dump into consume. It returns only once the dump has
// stopped driving the engine.
func pipeDump(ctx context.Context, d *flash.Driver, first, count uint32, consume func(io.Reader) error) error {
	r, w := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := d.Dump(ctx, w, first, count)
		w.CloseWithError(err)
	}()
	err := consume(r)
	// unblocks the dump if consume gave up early
	r.CloseWithError(io.ErrClosedPipe)
	<-done
	return err
}

func main() {
	opts, args, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	bus, cfg, closeBus, err := openBus(opts)
	if err != nil {
		log.Fatal(err)
	}

	ctl := irq.New()
	d := flash.NewDriver(bus, ctl, cfg)
	ctl.Attach(flash.SourceSSP1, d.Engine.Service)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go ctl.Run(ctx)

	err = d.Engine.InitializeBus()
	if err == nil {
		err = run(ctx, d, opts, args)
	}
	closeBus()
	if err != nil {
		log.Printf("%v: %v", args[0], err)
		os.Exit(1)
	}
}
