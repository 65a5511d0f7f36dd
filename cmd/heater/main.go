package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mikesmitty/htu21d"
	"periph.io/x/host/v3"
)

/*
This tool runs the on-chip heater of the sensor for a while, logging the
temperature once a minute. Heating the sensor drives off condensation after
long periods at high humidity and, by the temperature rise, shows that the
sensor is alive. The heater is switched off on every exit path.
*/
func main() {
	bus := flag.String("bus", "1", "Name of the bus")
	dur := flag.Duration("duration", 5*time.Minute, "Duration to activate heater for")
	flag.Parse()

	if _, err := host.Init(); err != nil {
		fatal("host init failed", err, 2)
	}

	dev, err := htu21d.New(&htu21d.Opts{Bus: *bus, I2cAddress: htu21d.DefaultAddress, Mode: htu21d.NoHoldMaster, Name: "htu21d"})
	if err != nil {
		fatal("sensor error", err, 2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, dev, *dur); err != nil {
		fatal("heat cycle failed", err, 2)
	}
}

func run(ctx context.Context, dev *htu21d.Dev, dur time.Duration) (err error) {
	before, err := dev.ReadTemperature()
	if err != nil {
		return fmt.Errorf("sensor read failed: %w", err)
	}

	if err := dev.SetHeater(true); err != nil {
		return fmt.Errorf("heater activation failed: %w", err)
	}
	defer func() {
		if herr := dev.SetHeater(false); herr != nil {
			slog.Error("failed to switch heater off", "error", herr)
			if err == nil {
				err = herr
			}
		}
	}()

	slog.Info("beginning heat cycle", "duration", dur, "temperature", before)

	t := time.NewTimer(dur)
	defer t.Stop()
	tk := time.NewTicker(1 * time.Minute)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("heat cycle interrupted")
			return nil
		case <-t.C:
			after, err := dev.ReadTemperature()
			if err != nil {
				return err
			}
			slog.Info("heat cycle completed", "duration", dur, "temperature", after, "rise", after-before)
			if after <= before {
				return fmt.Errorf("temperature did not increase after activating heater")
			}
			return nil
		case <-tk.C:
			cur, err := dev.ReadTemperature()
			if err != nil {
				slog.Warn("sensor read failed", "error", err)
				continue
			}
			slog.Info("status", "temperature", cur)
		}
	}
}

func fatal(msg string, err error, code int) {
	slog.Error(msg, "error", err)
	os.Exit(code)
}
