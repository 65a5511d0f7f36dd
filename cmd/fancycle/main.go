package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

/*
This tool runs a PWM fan on a fixed duty cycle: within every period the fan
is stopped for the first part and runs at the given speed for the rest. It
is meant for ventilating an enclosure without the humidity controller. The
fan is stopped on every exit path.
*/
func main() {
	pinName := flag.String("pin", "GPIO18", "PWM capable pin driving the fan")
	period := flag.Duration("period", time.Minute, "Length of one off/on cycle")
	duty := flag.Int("duty", 50, "Share of each period the fan runs, 0-100")
	speed := flag.String("speed", "100%", "PWM duty while the fan runs")
	freq := 25 * physic.KiloHertz
	flag.Var(&freq, "freq", "PWM frequency")
	flag.Parse()

	sp, err := gpio.ParseDuty(*speed)
	if err != nil {
		fatal("invalid speed", err, 1)
	}
	c := cycle{Period: *period, Duty: *duty, Speed: sp, Freq: freq}
	if err := c.validate(); err != nil {
		fatal("invalid cycle", err, 1)
	}

	if _, err := host.Init(); err != nil {
		fatal("host init failed", err, 2)
	}
	p := gpioreg.ByName(*pinName)
	if p == nil {
		fatal("gpio error", fmt.Errorf("unknown pin %q", *pinName), 2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.run(ctx, p); err != nil {
		fatal("fan cycle failed", err, 2)
	}
}

type cycle struct {
	Period time.Duration
	// Duty is the percentage of Period the fan runs.
	Duty  int
	Speed gpio.Duty
	Freq  physic.Frequency
	// Settle is how long the fan is held stopped before the first cycle.
	Settle time.Duration
}

func (c cycle) validate() error {
	var errs []error
	if c.Period <= 0 {
		errs = append(errs, fmt.Errorf("period %s must be positive", c.Period))
	}
	if c.Duty < 0 || c.Duty > 100 {
		errs = append(errs, fmt.Errorf("duty %d outside 0-100", c.Duty))
	}
	if !c.Speed.Valid() {
		errs = append(errs, fmt.Errorf("speed %d outside 0-%d", c.Speed, gpio.DutyMax))
	}
	if c.Freq <= 0 {
		errs = append(errs, fmt.Errorf("frequency %s must be positive", c.Freq))
	}
	return errors.Join(errs...)
}

// run cycles the fan until ctx is done.
func (c cycle) run(ctx context.Context, p gpio.PinOut) (err error) {
	if err := p.PWM(0, c.Freq); err != nil {
		return fmt.Errorf("failed to stop fan: %w", err)
	}
	defer func() {
		if ferr := stopFan(p, c.Freq); ferr != nil {
			slog.Error("failed to stop fan", "pin", p, "error", ferr)
			if err == nil {
				err = ferr
			}
		}
	}()

	slog.Info("beginning fan cycle", "pin", p, "period", c.Period, "duty", c.Duty, "speed", c.Speed, "freq", c.Freq)

	settle := c.Settle
	if settle == 0 {
		settle = time.Second
	}
	if !sleep(ctx, settle) {
		return nil
	}

	off := c.Period * time.Duration(100-c.Duty) / 100
	on := c.Period - off
	for {
		if off > 0 {
			if err := p.PWM(0, c.Freq); err != nil {
				return err
			}
			if !sleep(ctx, off) {
				break
			}
		}
		if on > 0 {
			if err := p.PWM(c.Speed, c.Freq); err != nil {
				return err
			}
			if !sleep(ctx, on) {
				break
			}
		}
	}
	slog.Info("fan cycle interrupted")
	return nil
}

// stopFan drops the duty to zero, falling back to a plain low output.
func stopFan(p gpio.PinOut, f physic.Frequency) error {
	if err := p.PWM(0, f); err != nil {
		if oerr := p.Out(gpio.Low); oerr != nil {
			return errors.Join(err, oerr)
		}
	}
	return nil
}

// sleep reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func fatal(msg string, err error, code int) {
	slog.Error(msg, "error", err)
	os.Exit(code)
}
