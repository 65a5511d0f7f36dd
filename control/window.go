package control

import "github.com/mikesmitty/htu21d"

// window holds the most recent readings, oldest first.
type window struct {
	size int
	buf  []htu21d.Measurement
}

func newWindow(size int) *window {
	return &window{size: size, buf: make([]htu21d.Measurement, 0, size)}
}

func (w *window) push(ms ...htu21d.Measurement) {
	w.buf = append(w.buf, ms...)
	if over := len(w.buf) - w.size; over > 0 {
		w.buf = append(w.buf[:0], w.buf[over:]...)
	}
}

// snapshot returns a copy safe to hand to another goroutine.
func (w *window) snapshot() []htu21d.Measurement {
	out := make([]htu21d.Measurement, len(w.buf))
	copy(out, w.buf)
	return out
}
