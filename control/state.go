package control

// DefaultAllowedErrors is the number of consecutive failed polls tolerated
// before the loop faults.
const DefaultAllowedErrors = 10

// Thresholds configures the hysteresis and fault debounce.
type Thresholds struct {
	Low           float64
	High          float64
	AllowedErrors int
}

// State is the control state machine. The zero value is the initial state:
// no errors, not faulted, actuator off.
type State struct {
	// ErrorCounter is never positive.
	ErrorCounter int
	Faulted      bool
	ActuatorOn   bool
}

// Success records an accepted reading.
func (s *State) Success() {
	if s.ErrorCounter < 0 {
		s.ErrorCounter++
	}
	if s.ErrorCounter >= 0 {
		s.Faulted = false
	}
}

// Failure records a failed poll. allowed is the tolerated number of
// consecutive failures.
func (s *State) Failure(allowed int) {
	s.ErrorCounter--
	if s.ErrorCounter < -allowed {
		s.Faulted = true
	}
}

// Decide applies the hysteresis to humidity and returns the new actuator
// state. ok is false when no reading has been accepted yet.
func (s *State) Decide(humidity float64, ok bool, th Thresholds) bool {
	switch {
	case s.Faulted:
		s.ActuatorOn = false
	case !ok:
	case humidity > th.High:
		s.ActuatorOn = false
	case humidity < th.Low:
		s.ActuatorOn = true
	}
	return s.ActuatorOn
}
