package dashboard

import "github.com/mikesmitty/htu21d"

// Slot is a single-value hand-off between the control loop and the
// dashboard. Publishing never blocks; an unconsumed window is replaced.
type Slot struct {
	ch chan []htu21d.Measurement
}

func NewSlot() *Slot {
	return &Slot{ch: make(chan []htu21d.Measurement, 1)}
}

// PublishLatest stores ms, dropping any window not yet taken.
func (s *Slot) PublishLatest(ms []htu21d.Measurement) {
	for {
		select {
		case s.ch <- ms:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// C receives published windows.
func (s *Slot) C() <-chan []htu21d.Measurement {
	return s.ch
}
