package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mikesmitty/htu21d"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

func main() {
	bus := flag.String("bus", "1", "Name of the bus")
	addr := flag.Uint("addr", htu21d.DefaultAddress, "I²C address of the sensor")
	mode := flag.String("mode", "nohold", "Measurement mode: hold, nohold")
	reset := flag.Bool("reset", false, "Soft reset the sensor before reading")
	interval := flag.Duration("interval", 0, "Keep sampling at this interval until interrupted")
	flag.Parse()

	m, err := htu21d.ParseMode(*mode)
	if err != nil {
		log.Fatal(err)
	}

	if _, err := host.Init(); err != nil {
		log.Fatal(err)
	}

	dev, err := htu21d.New(&htu21d.Opts{Bus: *bus, I2cAddress: uint16(*addr), Mode: m, Name: "htu21d"})
	if err != nil {
		log.Fatal(err)
	}

	if *reset {
		if err := dev.Reset(); err != nil {
			log.Fatal(fmt.Errorf("reset failed: %w", err))
		}
	}

	reg, err := dev.ReadUserRegister()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("User register: 0x%02X\n", reg)

	t, err := dev.ReadTemperature()
	if err != nil {
		log.Fatal(err)
	}
	h, err := dev.ReadHumidity()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Temperature: %0.2f\nHumidity: %0.2f%%\n", t, h)

	switch dp, err := dev.DewPoint(t, h); {
	case errors.Is(err, htu21d.ErrDewPointUndefined):
		fmt.Println("Dew point: undefined")
	case err != nil:
		log.Fatal(err)
	default:
		fmt.Printf("Dew point: %0.2f\n", dp)
	}

	if *interval > 0 {
		stream(dev, *interval)
	}
}

// stream prints samples from SenseContinuous until SIGINT or SIGTERM.
func stream(dev *htu21d.Dev, interval time.Duration) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var p physic.Env
	dev.Precision(&p)
	fmt.Printf("Streaming every %s, resolution %s / %s\n", interval, p.Temperature, p.Humidity)

	ch, err := dev.SenseContinuous(interval)
	if err != nil {
		log.Fatal(err)
	}
	go func() {
		<-ctx.Done()
		dev.Halt()
	}()
	for e := range ch {
		fmt.Printf("Temperature: %0.2f\nHumidity: %s\n", e.Temperature.Celsius(), e.Humidity)
	}
}
