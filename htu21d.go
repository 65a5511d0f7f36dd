package htu21d

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
)

type Opts struct {
	// Bus is the periph I²C registry name or number, e.g. "1" for /dev/i2c-1.
	Bus string
	// I2cAddress is the I²C address of the sensor
	I2cAddress uint16
	Mode       Mode
	Name       string

	// Open overrides how the bus is opened. Defaults to i2creg.Open.
	Open   Opener
	Logger *slog.Logger
}

func DefaultOpts() *Opts {
	return &Opts{
		Bus:        "1",
		I2cAddress: DefaultAddress,
		Mode:       NoHoldMaster,
		Name:       "htu21d",
	}
}

// Measurement is one validated reading of the sensor.
type Measurement struct {
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	DewPoint    float64   `json:"dewpoint"`
	Time        time.Time `json:"time"`
}

// New returns a handle to an HTU21D-F sensor. The bus is not opened until
// the first command; every operation opens and closes it again.
func New(opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = DefaultOpts()
	}
	if opts.Mode != HoldMaster && opts.Mode != NoHoldMaster {
		return nil, &Error{Kind: KindConfig, Op: "new", Err: errInvalidMode(fmt.Sprintf("%#02x", byte(opts.Mode)))}
	}
	if opts.I2cAddress > 0x7F {
		return nil, &Error{Kind: KindConfig, Op: "new", Err: fmt.Errorf("address %#x is not a 7-bit address", opts.I2cAddress)}
	}
	name := opts.Name
	if name == "" {
		name = "htu21d"
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	d := &Dev{
		Name:      name,
		mode:      opts.Mode,
		measDelay: maxMeasuringTime,
		sleep:     time.Sleep,
		log:       log.With("sensor", name),
	}
	d.ch = newBusChannel(opts.Open, opts.Bus, opts.I2cAddress, func(t time.Duration) { d.sleep(t) })
	return d, nil
}

type Dev struct {
	ch        *busChannel
	mode      Mode
	measDelay time.Duration
	sleep     func(time.Duration)
	log       *slog.Logger
	Name      string

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

func (d *Dev) Mode() Mode {
	return d.mode
}

// exchange runs one open/command/settle/read/close cycle. n may be zero for
// commands without a reply.
func (d *Dev) exchange(cmd byte, n int) (data []byte, err error) {
	if err = d.ch.openBus(); err != nil {
		d.ch.closeBus()
		return nil, err
	}
	defer func() {
		if cerr := d.ch.closeBus(); cerr != nil && err == nil {
			kind := KindBusRead
			if n == 0 {
				kind = KindBusWrite
			}
			err = &Error{Kind: kind, Op: "close", Err: cerr}
		}
	}()

	if err = d.ch.sendCommand(cmd); err != nil {
		return nil, err
	}
	d.sleep(d.measDelay)
	if n == 0 {
		return nil, nil
	}
	return d.ch.readBytes(n)
}

func (d *Dev) readRaw(cmd byte, what string) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readRawLocked(cmd, what)
}

func (d *Dev) readRawLocked(cmd byte, what string) (uint16, error) {
	data, err := d.exchange(cmd|byte(d.mode), 3)
	if err != nil {
		return 0, err
	}
	if !crcCheck(data[0], data[1], data[2]) {
		return 0, &Error{Kind: KindCRC, Op: "read " + what, Err: fmt.Errorf("reply % x failed checksum", data)}
	}
	raw := readUint(data[0], data[1]) & statusBitsMask
	d.log.Debug("raw "+what, "raw", fmt.Sprintf("0x%04X", raw))
	return raw, nil
}

// ReadRawTemperature triggers a temperature conversion and returns the
// masked 16-bit code.
func (d *Dev) ReadRawTemperature() (uint16, error) {
	return d.readRaw(commandTriggerTemp, "temperature")
}

// ReadRawHumidity triggers a humidity conversion and returns the masked
// 16-bit code.
func (d *Dev) ReadRawHumidity() (uint16, error) {
	return d.readRaw(commandTriggerHumidity, "humidity")
}

// ReadTemperature returns the temperature in °C.
func (d *Dev) ReadTemperature() (float64, error) {
	raw, err := d.ReadRawTemperature()
	if err != nil {
		return 0, err
	}
	return Temperature(raw), nil
}

// ReadHumidity returns the relative humidity in %RH.
func (d *Dev) ReadHumidity() (float64, error) {
	raw, err := d.ReadRawHumidity()
	if err != nil {
		return 0, err
	}
	return Humidity(raw), nil
}

// DewPoint returns the dew point in °C for t and h. A NaN argument is read
// from the sensor first.
func (d *Dev) DewPoint(t, h float64) (float64, error) {
	var err error
	if math.IsNaN(t) {
		if t, err = d.ReadTemperature(); err != nil {
			return 0, err
		}
	}
	if math.IsNaN(h) {
		if h, err = d.ReadHumidity(); err != nil {
			return 0, err
		}
	}
	dp, err := DewPoint(t, h)
	if err != nil {
		return 0, err
	}
	d.log.Debug("dew point", "celsius", dp)
	return dp, nil
}

// Measure reads temperature and humidity and derives the dew point.
func (d *Dev) Measure() (Measurement, error) {
	t, err := d.ReadTemperature()
	if err != nil {
		return Measurement{}, err
	}
	h, err := d.ReadHumidity()
	if err != nil {
		return Measurement{}, err
	}
	dp, err := d.DewPoint(t, h)
	if err != nil {
		return Measurement{}, err
	}
	return Measurement{Temperature: t, Humidity: h, DewPoint: dp, Time: time.Now()}, nil
}

// Temperature converts a masked raw code to °C.
func Temperature(raw uint16) float64 {
	return float64(raw)/65536*175.72 - 46.85
}

// Humidity converts a masked raw code to %RH. The result is not clamped.
func Humidity(raw uint16) float64 {
	return float64(raw)/65536*125 - 6
}

// DewPoint computes the dew point in °C with the Magnus formula.
func DewPoint(t, h float64) (float64, error) {
	a, b := 7.5, 237.3
	if t < 0 {
		a, b = 7.6, 240.7
	}

	sdd := 6.1078 * math.Pow(10, a*t/(b+t))
	dd := h / 100 * sdd
	if dd <= 0 {
		return 0, ErrDewPointUndefined
	}
	v := math.Log10(dd / 6.1078)
	if a == v {
		return 0, ErrDewPointUndefined
	}
	return b * v / (a - v), nil
}

// Reset reboots the sensor. The user register returns to its defaults.
func (d *Dev) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.exchange(commandSoftReset, 0)
	return err
}

// ReadUserRegister returns the user register (resolution, battery status
// and heater bits).
func (d *Dev) ReadUserRegister() (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readUserRegisterLocked()
}

func (d *Dev) readUserRegisterLocked() (byte, error) {
	data, err := d.exchange(commandReadUserRegister, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// WriteUserRegister writes v to the user register, keeping the reserved
// bits as currently read from the device.
func (d *Dev) WriteUserRegister(v byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeUserRegisterLocked(v)
}

func (d *Dev) writeUserRegisterLocked(v byte) error {
	cur, err := d.readUserRegisterLocked()
	if err != nil {
		return err
	}
	v = v&^userRegisterReserved | cur&userRegisterReserved
	return d.writeLocked(commandWriteUserRegister, v)
}

func (d *Dev) writeLocked(cmd, v byte) (err error) {
	if err = d.ch.openBus(); err != nil {
		d.ch.closeBus()
		return err
	}
	defer func() {
		if cerr := d.ch.closeBus(); cerr != nil && err == nil {
			err = &Error{Kind: KindBusWrite, Op: "close", Err: cerr}
		}
	}()
	if err := d.ch.dev.Tx([]byte{cmd, v}, nil); err != nil {
		return &Error{Kind: KindBusWrite, Op: fmt.Sprintf("command %#02x", cmd), Err: err}
	}
	return nil
}

// SetHeater switches the on-chip heater. The heater raises the sensor
// temperature by 0.5-1.5°C and is meant for plausibility checks and for
// driving off condensation.
func (d *Dev) SetHeater(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, err := d.readUserRegisterLocked()
	if err != nil {
		return err
	}
	v := cur &^ userRegisterHeater
	if on {
		v |= userRegisterHeater
	}
	if v == cur {
		return nil
	}
	return d.writeLocked(commandWriteUserRegister, v)
}

// Sense reads temperature and humidity into e. Humidity is clamped to
// 0-100%RH.
func (d *Dev) Sense(e *physic.Env) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return errSensing
	}
	return d.sense(e)
}

// SenseContinuous samples the sensor every interval until Halt is called,
// which also closes the returned channel. Calling it again replaces the
// running sampler. Failed samples are logged and skipped; the interval is
// never shorter than the two conversions a sample takes.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	d.halt()

	d.mu.Lock()
	defer d.mu.Unlock()
	if floor := 2 * d.measDelay; interval < floor {
		interval = floor
	}
	out := make(chan physic.Env)
	stop := make(chan struct{})
	d.stop = stop
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(out)
		d.sample(interval, out, stop)
	}()
	return out, nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("%s{%#02x, %s}", d.Name, d.ch.addr, d.mode)
}

// Precision reports the resolution at the power-on setting: 14-bit
// temperature and 12-bit humidity.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = physic.Kelvin / 100
	e.Humidity = physic.MicroRH * 400
}

// Halt stops a sampler started by SenseContinuous. It is a no-op otherwise.
func (d *Dev) Halt() error {
	d.halt()
	return nil
}

func (d *Dev) halt() {
	d.mu.Lock()
	stop := d.stop
	d.stop = nil
	d.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	// The sampler takes d.mu for every sample.
	d.wg.Wait()
}

func (d *Dev) sense(e *physic.Env) error {
	tRaw, err := d.readRawLocked(commandTriggerTemp, "temperature")
	if err != nil {
		return err
	}
	hRaw, err := d.readRawLocked(commandTriggerHumidity, "humidity")
	if err != nil {
		return err
	}

	// Codes outside 0-100%RH are possible near saturation.
	rh := math.Min(math.Max(Humidity(hRaw), 0), 100)
	e.Temperature = physic.Temperature(Temperature(tRaw)*1000)*physic.MilliCelsius + physic.ZeroCelsius
	e.Humidity = physic.RelativeHumidity(rh*10000) * physic.MicroRH
	return nil
}

func (d *Dev) sample(interval time.Duration, out chan<- physic.Env, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		var e physic.Env
		d.mu.Lock()
		err := d.sense(&e)
		d.mu.Unlock()
		if err != nil {
			d.log.Warn("sample skipped", "kind", KindOf(err).String(), "error", err)
		} else {
			select {
			case out <- e:
			case <-stop:
				return
			}
		}
		select {
		case <-stop:
			return
		case <-t.C:
		}
	}
}

func readUint(msb, lsb byte) uint16 {
	return uint16(msb)<<8 | uint16(lsb)
}

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
