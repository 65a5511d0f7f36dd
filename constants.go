package htu21d

import "time"

const (
	commandTriggerTemp       = 0xE3
	commandTriggerHumidity   = 0xE5
	commandWriteUserRegister = 0xE6
	commandReadUserRegister  = 0xE7
	commandSoftReset         = 0xFE
)

// Mode selects whether the sensor holds the bus (clock stretching) while
// a conversion is in progress.
type Mode byte

const (
	HoldMaster   Mode = 0x00
	NoHoldMaster Mode = 0x10
)

const (
	// DefaultAddress is the fixed I²C address of the HTU21D-F.
	DefaultAddress = 0x40

	// Covers the longest conversion (14-bit temperature, 50ms) with margin.
	maxMeasuringTime = 100 * time.Millisecond

	// Reserved bits 3, 4 and 5 of the user register must not be changed.
	userRegisterReserved = 0x38
	userRegisterHeater   = 0x04

	statusBitsMask = 0xFFFC
)

func (m Mode) String() string {
	switch m {
	case HoldMaster:
		return "hold"
	case NoHoldMaster:
		return "nohold"
	default:
		return "invalid"
	}
}

// ParseMode converts "hold" or "nohold" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "hold", "holdmaster":
		return HoldMaster, nil
	case "nohold", "noholdmaster", "":
		return NoHoldMaster, nil
	}
	return 0, &Error{Kind: KindConfig, Op: "parse mode", Err: errInvalidMode(s)}
}
