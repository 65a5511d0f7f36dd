// Package control implements the humidity control loop.
//
// The loop polls the sensor on a fixed cadence and drives a relay and a
// recirculation fan as one binary actuator.
//
// # Hysteresis
//
// Two thresholds bound a dead band:
//
//   - humidity above High: actuator off
//   - humidity below Low: actuator on
//   - humidity within [Low, High]: actuator unchanged
//
// # Fault Debounce
//
// Every failed poll moves an error counter one step below zero and every
// accepted reading moves it one step back toward zero. The loop enters
// the faulted state once the counter drops below -AllowedErrors and
// leaves it only when the counter has walked back to zero. While faulted
// the actuator is forced off regardless of humidity.
//
// # Shutdown
//
// Run switches the actuator off on every return path.
package control
