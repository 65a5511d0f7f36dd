package htu21d

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
)

// Opener opens an I²C bus by registry name. i2creg.Open is the default.
type Opener func(name string) (i2c.BusCloser, error)

// busChannel is a command/response channel to one device. It is opened and
// closed around every exchange so no handle outlives a measurement.
type busChannel struct {
	open  Opener
	name  string
	addr  uint16
	sleep func(time.Duration)

	bus i2c.BusCloser
	dev i2c.Dev
}

func newBusChannel(open Opener, name string, addr uint16, sleep func(time.Duration)) *busChannel {
	if open == nil {
		open = i2creg.Open
	}
	if sleep == nil {
		sleep = time.Sleep
	}
	return &busChannel{open: open, name: name, addr: addr, sleep: sleep}
}

func (c *busChannel) openBus() error {
	if c.addr > 0x7F {
		return &Error{Kind: KindBusOpen, Op: "set address", Err: fmt.Errorf("address %#x is not a 7-bit address", c.addr)}
	}
	b, err := c.open(c.name)
	if err != nil {
		return &Error{Kind: KindBusOpen, Op: "open " + c.name, Err: err}
	}
	c.bus = b
	c.dev = i2c.Dev{Bus: b, Addr: c.addr}

	c.sleep(maxMeasuringTime)
	return nil
}

func (c *busChannel) sendCommand(cmd byte) error {
	if c.bus == nil {
		return &Error{Kind: KindBusWrite, Op: fmt.Sprintf("command %#02x", cmd), Err: errNotOpen}
	}
	if err := c.dev.Tx([]byte{cmd}, nil); err != nil {
		return &Error{Kind: KindBusWrite, Op: fmt.Sprintf("command %#02x", cmd), Err: err}
	}
	return nil
}

func (c *busChannel) readBytes(n int) ([]byte, error) {
	if c.bus == nil {
		return nil, &Error{Kind: KindBusRead, Op: fmt.Sprintf("read %d bytes", n), Err: errNotOpen}
	}
	buf := make([]byte, n)
	if err := c.dev.Tx(nil, buf); err != nil {
		return nil, &Error{Kind: KindBusRead, Op: fmt.Sprintf("read %d bytes", n), Err: err}
	}
	return buf, nil
}

// closeBus releases the handle. It is a no-op when the bus is not open.
func (c *busChannel) closeBus() error {
	if c.bus == nil {
		return nil
	}
	err := c.bus.Close()
	c.bus = nil
	c.dev = i2c.Dev{}
	return err
}
