package htu21d

import (
	"errors"
	"fmt"
)

// Kind classifies driver failures so callers can react without matching
// on error strings.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindBusOpen
	KindBusWrite
	KindBusRead
	KindCRC
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindBusOpen:
		return "bus open"
	case KindBusWrite:
		return "bus write"
	case KindBusRead:
		return "bus read"
	case KindCRC:
		return "crc"
	default:
		return "unknown"
	}
}

// Sentinels usable with errors.Is.
var (
	ErrConfig   = &Error{Kind: KindConfig}
	ErrBusOpen  = &Error{Kind: KindBusOpen}
	ErrBusWrite = &Error{Kind: KindBusWrite}
	ErrBusRead  = &Error{Kind: KindBusRead}
	ErrCRC      = &Error{Kind: KindCRC}
)

// ErrDewPointUndefined is returned by DewPoint when the Magnus formula has
// no real solution for the given inputs.
var ErrDewPointUndefined = errors.New("htu21d: dew point undefined")

// Error is the error type returned by every operation touching the sensor.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := "htu21d: " + e.Kind.String()
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match on Kind alone, so errors.Is(err, ErrCRC) holds for any
// CRC failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsBusError reports whether err is a bus open, write or read failure.
func IsBusError(err error) bool {
	switch KindOf(err) {
	case KindBusOpen, KindBusWrite, KindBusRead:
		return true
	}
	return false
}

func errInvalidMode(v any) error {
	return fmt.Errorf("unexpected mode %v, want hold (0x00) or nohold (0x10)", v)
}

var errNotOpen = errors.New("bus not open")

var errSensing = errors.New("htu21d: already sensing continuously")
