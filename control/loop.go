package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mikesmitty/htu21d"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultWindow   = 1000

	// MaxHumidity bounds plausible readings. The conversion formula reaches
	// about 119%RH on a garbled code that still passes the checksum.
	MaxHumidity = 110.0

	notifyTimeout = 5 * time.Second
)

// ErrImplausible is returned for a reading at or above MaxHumidity. It counts
// as a failed poll.
var ErrImplausible = errors.New("control: implausible humidity")

// Sensor is the subset of *htu21d.Dev the loop polls.
type Sensor interface {
	Measure() (htu21d.Measurement, error)
}

// Actuator switches the relay and the recirculation fan.
type Actuator interface {
	SetRelay(on bool) error
	SetFan(on bool) error
}

// Setpoint is recorded with every accepted reading.
type Setpoint struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Sink receives every accepted reading.
type Sink interface {
	Append(ctx context.Context, m htu21d.Measurement, sp Setpoint) error
}

// StateObserver is implemented by sinks that want actuator transitions.
type StateObserver interface {
	ActuatorChanged(ctx context.Context, s State) error
}

// History provides the readings used to seed the dashboard window.
type History interface {
	QueryRecent(ctx context.Context, limit int) ([]htu21d.Measurement, error)
}

// Publisher hands the latest window to the dashboard. It must not block.
type Publisher interface {
	PublishLatest(ms []htu21d.Measurement)
}

type Opts struct {
	Interval   time.Duration
	Thresholds Thresholds
	// Window bounds the number of readings handed to the Publisher.
	Window int
	// StartupBlink pulses the relay before the first poll. Zero disables it.
	StartupBlink time.Duration

	Sinks     []Sink
	History   History
	Publisher Publisher
	Logger    *slog.Logger
}

// Loop owns the control State and mutates it only from Run or Tick.
type Loop struct {
	sensor Sensor
	act    Actuator
	opts   Opts
	log    *slog.Logger
	now    func() time.Time

	state State
	// applied is false until the actuator is known to match state.ActuatorOn.
	applied  bool
	humidity float64
	haveHum  bool
	window   *window
}

// New returns a loop in the initial state.
func New(sensor Sensor, act Actuator, opts Opts) (*Loop, error) {
	if sensor == nil || act == nil {
		return nil, errors.New("control: sensor and actuator are required")
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Window == 0 {
		opts.Window = DefaultWindow
	}
	th := opts.Thresholds
	switch {
	case opts.Interval < 0:
		return nil, fmt.Errorf("control: negative poll interval %s", opts.Interval)
	case opts.Window < 0:
		return nil, fmt.Errorf("control: negative window %d", opts.Window)
	case th.AllowedErrors < 0:
		return nil, fmt.Errorf("control: negative allowed errors %d", th.AllowedErrors)
	case math.IsNaN(th.Low) || math.IsNaN(th.High) || th.Low >= th.High:
		return nil, fmt.Errorf("control: low threshold %v must be below high threshold %v", th.Low, th.High)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		sensor: sensor,
		act:    act,
		opts:   opts,
		log:    log,
		now:    time.Now,
		window: newWindow(opts.Window),
	}, nil
}

// State returns a copy of the current control state.
func (l *Loop) State() State {
	return l.state
}

func (l *Loop) setpoint() Setpoint {
	return Setpoint{Low: l.opts.Thresholds.Low, High: l.opts.Thresholds.High}
}

// Run polls until ctx is done. The actuator is off when Run returns.
func (l *Loop) Run(ctx context.Context) (err error) {
	defer l.shutdown()

	l.log.Info("control loop starting",
		"interval", l.opts.Interval,
		"low", l.opts.Thresholds.Low,
		"high", l.opts.Thresholds.High,
		"allowed_errors", l.opts.Thresholds.AllowedErrors)

	l.apply(ctx)
	l.seed(ctx)

	if l.opts.StartupBlink > 0 {
		if err := l.blink(ctx); err != nil {
			return err
		}
	}

	t := time.NewTicker(l.opts.Interval)
	defer t.Stop()

	for {
		l.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Tick performs one poll, updates the state and drives the actuator.
func (l *Loop) Tick(ctx context.Context) State {
	m, err := l.measure()
	if err != nil {
		l.state.Failure(l.opts.Thresholds.AllowedErrors)
		l.log.Warn("poll failed",
			"kind", htu21d.KindOf(err).String(),
			"error", err,
			"error_counter", l.state.ErrorCounter,
			"faulted", l.state.Faulted)
	} else {
		l.state.Success()
		l.humidity, l.haveHum = m.Humidity, true
		l.log.Debug("poll",
			"temperature", m.Temperature,
			"humidity", m.Humidity,
			"dewpoint", m.DewPoint,
			"error_counter", l.state.ErrorCounter,
			"faulted", l.state.Faulted)
		l.emit(ctx, m)
	}

	prev := l.state.ActuatorOn
	l.state.Decide(l.humidity, l.haveHum, l.opts.Thresholds)
	if prev != l.state.ActuatorOn || !l.applied {
		l.apply(ctx)
	}
	return l.state
}

func (l *Loop) measure() (htu21d.Measurement, error) {
	m, err := l.sensor.Measure()
	if err != nil {
		return htu21d.Measurement{}, err
	}
	if !(m.Humidity < MaxHumidity) {
		return htu21d.Measurement{}, fmt.Errorf("%w: %.2f%%RH", ErrImplausible, m.Humidity)
	}
	m.Time = l.now()
	return m, nil
}

func (l *Loop) emit(ctx context.Context, m htu21d.Measurement) {
	sp := l.setpoint()
	for _, s := range l.opts.Sinks {
		if err := s.Append(ctx, m, sp); err != nil {
			l.log.Error("failed to record reading", "error", err)
		}
	}
	if l.opts.Publisher != nil {
		l.window.push(m)
		l.opts.Publisher.PublishLatest(l.window.snapshot())
	}
}

// apply drives both outputs to state.ActuatorOn.
func (l *Loop) apply(ctx context.Context) {
	on := l.state.ActuatorOn
	errR := l.act.SetRelay(on)
	errF := l.act.SetFan(on)
	if err := errors.Join(errR, errF); err != nil {
		l.applied = false
		l.log.Error("failed to switch actuator", "on", on, "error", err)
		return
	}
	l.applied = true
	l.log.Info("actuator", "on", on, "faulted", l.state.Faulted, "humidity", l.humidity)
	l.notify(ctx)
}

func (l *Loop) notify(ctx context.Context) {
	for _, s := range l.opts.Sinks {
		if o, ok := s.(StateObserver); ok {
			if err := o.ActuatorChanged(ctx, l.state); err != nil {
				l.log.Warn("failed to report actuator state", "error", err)
			}
		}
	}
}

func (l *Loop) seed(ctx context.Context) {
	if l.opts.History == nil || l.opts.Publisher == nil {
		return
	}
	ms, err := l.opts.History.QueryRecent(ctx, l.opts.Window)
	if err != nil {
		l.log.Warn("failed to load recent readings", "error", err)
		return
	}
	l.window.push(ms...)
	l.opts.Publisher.PublishLatest(l.window.snapshot())
}

// blink pulses the relay so an operator can see the controller started.
func (l *Loop) blink(ctx context.Context) error {
	if err := l.act.SetRelay(true); err != nil {
		l.log.Warn("startup blink failed", "error", err)
		return nil
	}
	t := time.NewTimer(l.opts.StartupBlink)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	if err := l.act.SetRelay(l.state.ActuatorOn); err != nil {
		l.applied = false
		l.log.Warn("startup blink failed", "error", err)
	}
	return nil
}

func (l *Loop) shutdown() {
	l.state.ActuatorOn = false
	errR := l.act.SetRelay(false)
	errF := l.act.SetFan(false)
	if err := errors.Join(errR, errF); err != nil {
		l.log.Error("failed to switch actuator off", "error", err)
		return
	}
	l.log.Info("control loop stopped, actuator off")

	// Run's context is done by now.
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	l.notify(ctx)
}
