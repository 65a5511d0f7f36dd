// Package actuator drives the relay and the recirculation fan through
// periph.io GPIO pins.
package actuator

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// GPIO is a relay and an optional fan, each on its own output pin. Both
// pins are driven low (off) when the GPIO is created.
type GPIO struct {
	mu    sync.Mutex
	relay gpio.PinOut
	fan   gpio.PinOut
}

// New wraps already resolved pins. fan may be nil when no fan is wired.
func New(relay, fan gpio.PinOut) (*GPIO, error) {
	if relay == nil {
		return nil, errors.New("actuator: relay pin is required")
	}
	g := &GPIO{relay: relay, fan: fan}
	if err := g.Off(); err != nil {
		return nil, err
	}
	return g, nil
}

// Open looks up pins by name in the periph GPIO registry, e.g. "GPIO23".
// An empty fan name means no fan.
func Open(relayName, fanName string) (*GPIO, error) {
	relay := gpioreg.ByName(relayName)
	if relay == nil {
		return nil, fmt.Errorf("actuator: unknown relay pin %q", relayName)
	}
	var fan gpio.PinOut
	if fanName != "" {
		p := gpioreg.ByName(fanName)
		if p == nil {
			return nil, fmt.Errorf("actuator: unknown fan pin %q", fanName)
		}
		fan = p
	}
	return New(relay, fan)
}

func (g *GPIO) SetRelay(on bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return set(g.relay, on)
}

func (g *GPIO) SetFan(on bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fan == nil {
		return nil
	}
	return set(g.fan, on)
}

// Off switches both outputs off, attempting each even if one fails.
func (g *GPIO) Off() error {
	return errors.Join(g.SetRelay(false), g.SetFan(false))
}

// Halt implements conn.Resource.
func (g *GPIO) Halt() error {
	return g.Off()
}

func (g *GPIO) String() string {
	if g.fan == nil {
		return fmt.Sprintf("actuator{relay: %s}", g.relay)
	}
	return fmt.Sprintf("actuator{relay: %s, fan: %s}", g.relay, g.fan)
}

func set(p gpio.PinOut, on bool) error {
	if err := p.Out(gpio.Level(on)); err != nil {
		return fmt.Errorf("actuator: %s: %w", p, err)
	}
	return nil
}
