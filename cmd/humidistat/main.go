// Command humidistat keeps relative humidity inside a band by switching a
// relay and a recirculation fan from HTU21D-F readings.
//
// Usage:
//
//	humidistat [flags]
//
// Flags:
//
//	-config string      Configuration file path (YAML)
//	-bus string         I²C bus name or number (default "1")
//	-low float          Switch on below this relative humidity (default 85)
//	-high float         Switch off above this relative humidity (default 92)
//	-relay-pin string   Relay GPIO pin name (default "GPIO23")
//	-db string          SQLite database path (default "humidistat.db")
//	-listen string      Dashboard listen address (default ":8080")
//	-mqtt-broker string MQTT broker URL
//
// Run with -h for the full list.
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

	"golang.org/x/sync/errgroup"
	"periph.io/x/host/v3"

	"github.com/mikesmitty/htu21d"
	"github.com/mikesmitty/htu21d/actuator"
	"github.com/mikesmitty/htu21d/config"
	"github.com/mikesmitty/htu21d/control"
	"github.com/mikesmitty/htu21d/dashboard"
	"github.com/mikesmitty/htu21d/internal/logging"
	"github.com/mikesmitty/htu21d/mqttpub"
	"github.com/mikesmitty/htu21d/store"
)

func main() {
	cfg, err := config.Load("humidistat", os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, err := logging.Setup(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("humidistat stopped", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("host init failed: %w", err)
	}

	dev, err := htu21d.New(&htu21d.Opts{
		Bus:        cfg.Sensor.Bus,
		I2cAddress: uint16(cfg.Sensor.Address),
		Mode:       cfg.Mode(),
		Name:       "htu21d",
		Logger:     log,
	})
	if err != nil {
		return err
	}
	if err := dev.Reset(); err != nil {
		// Not fatal: the loop counts bus failures and recovers on its own.
		log.Warn("sensor reset failed", "error", err)
	}

	act, err := actuator.Open(cfg.Actuator.RelayPin, cfg.Actuator.FanPin)
	if err != nil {
		return err
	}
	defer act.Off()

	opts := control.Opts{
		Interval:     cfg.Control.PollInterval,
		Thresholds:   cfg.Thresholds(),
		Window:       cfg.Dashboard.Window,
		StartupBlink: cfg.Control.StartupBlink,
		Logger:       log,
	}

	if cfg.Store.Path != "" {
		st, err := store.Open(cfg.Store.Path, &store.Opts{
			RetryAttempts: cfg.Store.RetryAttempts,
			RetryBackoff:  cfg.Store.RetryBackoff,
			Logger:        log,
		})
		if err != nil {
			return err
		}
		defer st.Close()
		log.Info("recording readings", "path", cfg.Store.Path, "run_id", st.RunID())
		opts.Sinks = append(opts.Sinks, st)
		opts.History = st
	}

	if cfg.MQTT.Broker != "" {
		pub, err := mqttpub.Dial(mqttpub.Opts{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			Logger:   log,
		})
		if err != nil {
			return err
		}
		defer pub.Close()
		opts.Sinks = append(opts.Sinks, pub)
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Dashboard.Listen != "" {
		slot := dashboard.NewSlot()
		opts.Publisher = slot
		srv := dashboard.NewServer(slot, log)
		g.Go(func() error {
			return srv.ListenAndServe(ctx, cfg.Dashboard.Listen)
		})
	}

	loop, err := control.New(dev, act, opts)
	if err != nil {
		return err
	}
	g.Go(func() error {
		err := loop.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	return g.Wait()
}
