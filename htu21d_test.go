package htu21d

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"
)

// crc8 is the reference checksum: polynomial 0x31, initial value 0.
func crc8(data ...byte) byte {
	var crc byte
	for _, b := range data {
		crc ^= b
		for j := 0; j < 8; j++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func TestCRCCheck_DatasheetVector(t *testing.T) {
	assert.True(t, crcCheck(0x68, 0x3A, 0x7C))
	assert.False(t, crcCheck(0x68, 0x3A, 0x7D))
	assert.True(t, crcCheck(0x00, 0x00, 0x00))
}

func TestCRCCheck_ReferenceAndBitFlips(t *testing.T) {
	for msb := 0; msb < 256; msb += 7 {
		for lsb := 0; lsb < 256; lsb += 5 {
			m, l := byte(msb), byte(lsb)
			crc := crc8(m, l)
			require.True(t, crcCheck(m, l, crc), "msb=%#x lsb=%#x crc=%#x", m, l, crc)
			for bit := 0; bit < 8; bit++ {
				assert.False(t, crcCheck(m, l, crc^1<<bit), "msb=%#x lsb=%#x flipped bit %d", m, l, bit)
			}
		}
	}
}

func TestConversions(t *testing.T) {
	assert.InDelta(t, -46.85, Temperature(0), 1e-9)
	assert.InDelta(t, -6.0, Humidity(0), 1e-9)
	assert.InDelta(t, 128.859, Temperature(65535&statusBitsMask), 0.001)
	assert.InDelta(t, 118.992, Humidity(65535&statusBitsMask), 0.001)
	assert.InDelta(t, 24.686, Temperature(0x683A&statusBitsMask), 0.001)
}

func TestDewPoint(t *testing.T) {
	dp, err := DewPoint(25.0, 50.0)
	require.NoError(t, err)
	assert.InDelta(t, 13.87, dp, 0.05)

	dp, err = DewPoint(-5.0, 60.0)
	require.NoError(t, err)
	assert.InDelta(t, -11.55, dp, 0.01)

	_, err = DewPoint(20, 0)
	assert.ErrorIs(t, err, ErrDewPointUndefined)
	_, err = DewPoint(20, -3)
	assert.ErrorIs(t, err, ErrDewPointUndefined)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(&Opts{Bus: "1", I2cAddress: DefaultAddress, Mode: Mode(0x08)})
	require.Error(t, err)
	assert.Equal(t, KindConfig, KindOf(err))
	assert.ErrorIs(t, err, ErrConfig)

	_, err = New(&Opts{Bus: "1", I2cAddress: 0x140, Mode: HoldMaster})
	assert.ErrorIs(t, err, ErrConfig)

	d, err := New(nil)
	require.NoError(t, err)
	assert.Equal(t, NoHoldMaster, d.Mode())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("hold")
	require.NoError(t, err)
	assert.Equal(t, HoldMaster, m)
	m, err = ParseMode("nohold")
	require.NoError(t, err)
	assert.Equal(t, NoHoldMaster, m)
	_, err = ParseMode("sometimes")
	assert.ErrorIs(t, err, ErrConfig)
}

func TestReadRaw_CommandFraming(t *testing.T) {
	tests := []struct {
		name string
		mode Mode
		read func(*Dev) (uint16, error)
		cmd  byte
	}{
		{"temperature hold", HoldMaster, (*Dev).ReadRawTemperature, 0xE3},
		{"temperature nohold", NoHoldMaster, (*Dev).ReadRawTemperature, 0xF3},
		{"humidity hold", HoldMaster, (*Dev).ReadRawHumidity, 0xE5},
		{"humidity nohold", NoHoldMaster, (*Dev).ReadRawHumidity, 0xF5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, b := newTestDev(t, tt.mode,
				op{W: []byte{tt.cmd}},
				op{R: reply(0x683B)},
			)
			raw, err := tt.read(d)
			require.NoError(t, err)
			assert.Equal(t, uint16(0x6838), raw, "status bits masked")
			assert.Zero(t, b.remaining())
			assert.Zero(t, b.leaked())
			assert.Equal(t, 1, b.opens)
		})
	}
}

func TestReadRaw_WaitsForConversion(t *testing.T) {
	d, _ := newTestDev(t, NoHoldMaster, op{W: []byte{0xF3}}, op{R: reply(0x683A)})
	var slept []time.Duration
	d.sleep = func(t time.Duration) { slept = append(slept, t) }

	_, err := d.ReadRawTemperature()
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{maxMeasuringTime, maxMeasuringTime}, slept, "open settle then measurement settle")
}

func TestReadTemperatureHumidity(t *testing.T) {
	d, b := newTestDev(t, NoHoldMaster,
		op{W: []byte{0xF3}}, op{R: []byte{0x68, 0x3A, 0x7C}},
		op{W: []byte{0xF5}}, op{R: reply(0x4E85)},
	)
	temp, err := d.ReadTemperature()
	require.NoError(t, err)
	assert.InDelta(t, 24.686, temp, 0.001)

	hum, err := d.ReadHumidity()
	require.NoError(t, err)
	assert.InDelta(t, 32.338, hum, 0.001)
	assert.Equal(t, 2, b.opens)
	assert.Zero(t, b.leaked())
}

func TestReadRaw_CRCError(t *testing.T) {
	d, b := newTestDev(t, NoHoldMaster, op{W: []byte{0xF3}}, op{R: []byte{0x68, 0x3A, 0x7D}})
	_, err := d.ReadTemperature()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCRC)
	assert.False(t, IsBusError(err))
	assert.Zero(t, b.leaked())
}

func TestReadRaw_ScopedHandleOnFailure(t *testing.T) {
	d, b := newTestDev(t, NoHoldMaster,
		op{W: []byte{0xF3}}, op{Err: errors.New("remote I/O error")},
		op{W: []byte{0xF5}, Err: errors.New("nack")},
		op{W: []byte{0xF3}}, op{R: []byte{0x68}},
		op{W: []byte{0xF3}}, op{R: reply(0x683A)},
	)

	_, err := d.ReadTemperature()
	assert.ErrorIs(t, err, ErrBusRead)
	assert.Zero(t, b.leaked())

	_, err = d.ReadHumidity()
	assert.ErrorIs(t, err, ErrBusWrite)
	assert.True(t, IsBusError(err))
	assert.Zero(t, b.leaked())

	_, err = d.ReadTemperature()
	assert.ErrorIs(t, err, ErrBusRead, "short read")
	assert.Zero(t, b.leaked())

	_, err = d.ReadTemperature()
	require.NoError(t, err, "later exchanges use a fresh handle")
	assert.Equal(t, 4, b.opens)
	assert.Zero(t, b.leaked())
}

func TestReadRaw_OpenFailure(t *testing.T) {
	d, b := newTestDev(t, NoHoldMaster)
	b.openErr = errors.New("permission denied")
	_, err := d.ReadTemperature()
	assert.ErrorIs(t, err, ErrBusOpen)
	assert.Zero(t, b.leaked())
}

func TestDevDewPoint_ReadsUnsetArguments(t *testing.T) {
	d, b := newTestDev(t, NoHoldMaster,
		op{W: []byte{0xF5}}, op{R: reply(0x4E85)},
	)
	dp, err := d.DewPoint(24.686, math.NaN())
	require.NoError(t, err)
	want, _ := DewPoint(24.686, Humidity(0x4E84))
	assert.InDelta(t, want, dp, 1e-9)
	assert.Zero(t, b.remaining())

	dp, err = d.DewPoint(25, 50)
	require.NoError(t, err)
	assert.InDelta(t, 13.857, dp, 0.001)
}

func TestMeasure(t *testing.T) {
	d, b := newTestDev(t, NoHoldMaster,
		op{W: []byte{0xF3}}, op{R: reply(0x683A)},
		op{W: []byte{0xF5}}, op{R: reply(0x7C80)},
	)
	m, err := d.Measure()
	require.NoError(t, err)
	assert.InDelta(t, Temperature(0x6838), m.Temperature, 1e-9)
	assert.InDelta(t, Humidity(0x7C80), m.Humidity, 1e-9)
	assert.Less(t, m.DewPoint, m.Temperature)
	assert.False(t, m.Time.IsZero())
	assert.Zero(t, b.leaked())
}

func TestReset(t *testing.T) {
	d, b := newTestDev(t, HoldMaster, op{W: []byte{0xFE}})
	require.NoError(t, d.Reset())
	assert.Zero(t, b.remaining())
	assert.Zero(t, b.leaked())
}

func TestCloseErrorKind(t *testing.T) {
	d, b := newTestDev(t, HoldMaster, op{W: []byte{0xFE}})
	b.closeErr = errors.New("EBADF")
	err := d.Reset()
	require.Error(t, err)
	assert.Equal(t, KindBusWrite, KindOf(err), "write-only exchange")

	d, b = newTestDev(t, HoldMaster, op{W: []byte{0xE3}}, op{R: reply(0x683A)})
	b.closeErr = errors.New("EBADF")
	_, err = d.ReadRawTemperature()
	assert.Equal(t, KindBusRead, KindOf(err))
}

func TestUserRegister(t *testing.T) {
	d, b := newTestDev(t, NoHoldMaster,
		op{W: []byte{0xE7}}, op{R: []byte{0x3A}},
		// Write keeps the reserved bits read back from the device.
		op{W: []byte{0xE7}}, op{R: []byte{0x3A}},
		op{W: []byte{0xE6, 0x39}},
	)
	v, err := d.ReadUserRegister()
	require.NoError(t, err)
	assert.Equal(t, byte(0x3A), v)

	require.NoError(t, d.WriteUserRegister(0x01))
	assert.Zero(t, b.remaining())
	assert.Zero(t, b.leaked())
}

func TestSetHeater(t *testing.T) {
	d, b := newTestDev(t, NoHoldMaster,
		op{W: []byte{0xE7}}, op{R: []byte{0x02}},
		op{W: []byte{0xE6, 0x06}},
		op{W: []byte{0xE7}}, op{R: []byte{0x06}},
		op{W: []byte{0xE6, 0x02}},
		op{W: []byte{0xE7}}, op{R: []byte{0x02}},
	)
	require.NoError(t, d.SetHeater(true))
	require.NoError(t, d.SetHeater(false))
	require.NoError(t, d.SetHeater(false), "already off, no write")
	assert.Zero(t, b.remaining())
	assert.Zero(t, b.leaked())
}

func TestSense(t *testing.T) {
	d, _ := newTestDev(t, NoHoldMaster,
		op{W: []byte{0xF3}}, op{R: reply(0x683A)},
		op{W: []byte{0xF5}}, op{R: reply(0xFFFC)},
	)
	var e physic.Env
	require.NoError(t, d.Sense(&e))
	assert.InDelta(t, Temperature(0x6838), e.Temperature.Celsius(), 0.001)
	assert.Equal(t, 100*physic.PercentRH, e.Humidity, "clamped to 100%RH")
}

func TestSenseContinuous(t *testing.T) {
	d, _ := newTestDev(t, NoHoldMaster,
		op{W: []byte{0xF3}}, op{R: reply(0x683A)},
		op{W: []byte{0xF5}}, op{R: reply(0x7C80)},
	)
	ch, err := d.SenseContinuous(time.Millisecond)
	require.NoError(t, err)

	e := <-ch
	assert.InDelta(t, Temperature(0x6838), e.Temperature.Celsius(), 0.001)

	var busy physic.Env
	assert.ErrorIs(t, d.Sense(&busy), errSensing, "sense refused while continuous")

	require.NoError(t, d.Halt())
	for range ch {
	}
	require.NoError(t, d.Halt(), "halt is idempotent")
	assert.NotErrorIs(t, d.Sense(&busy), errSensing, "sense allowed again after halt")
}

func TestSenseContinuous_SkipsFailedSamples(t *testing.T) {
	d, _ := newTestDev(t, NoHoldMaster,
		op{W: []byte{0xF3}}, op{R: []byte{0x68, 0x3A, 0x00}},
		op{W: []byte{0xF3}}, op{R: reply(0x683A)},
		op{W: []byte{0xF5}}, op{R: reply(0x7C80)},
	)
	ch, err := d.SenseContinuous(0)
	require.NoError(t, err)

	select {
	case e := <-ch:
		assert.InDelta(t, Humidity(0x7C80), float64(e.Humidity)/float64(physic.PercentRH), 0.001)
	case <-time.After(5 * time.Second):
		t.Fatal("no sample after a checksum failure")
	}
	require.NoError(t, d.Halt())
	for range ch {
	}
}

func TestString(t *testing.T) {
	d, _ := newTestDev(t, HoldMaster)
	assert.Equal(t, "htu21d{0x40, hold}", d.String())
}
