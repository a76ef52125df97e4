package grbl

import (
	"context"
	"errors"
	"sync"
)

// ErrLineTooLong is returned for a line that could never fit the device's
// receive buffer.
var ErrLineTooLong = errors.New("line exceeds device buffer")

type rawWriter interface {
	WriteRaw([]byte) error
}

// flow applies client-side backpressure against the firmware's fixed
// receive buffer. A line is transmitted only while the total of
// unacknowledged bytes would stay strictly below capacity; sending more
// loses data on the device side, so the gate is before transmission, not
// after failure. Acks retire lines oldest-first, which is the order the
// firmware guarantees.
type flow struct {
	w        rawWriter
	capacity int

	mx       sync.Mutex
	pending  []int
	inFlight int

	space chan struct{}
}

func newFlow(w rawWriter, capacity int) *flow {
	return &flow{
		w:        w,
		capacity: capacity,
		space:    make(chan struct{}, 1),
	}
}

// admit blocks until line plus its terminator fits in the remaining buffer
// space, then transmits it and records its length.
func (f *flow) admit(ctx context.Context, line string) error {
	n := len(line) + 1
	if n >= f.capacity {
		return ErrLineTooLong
	}
	for {
		f.mx.Lock()
		if f.inFlight+n < f.capacity {
			err := f.w.WriteRaw([]byte(line + "\n"))
			if err != nil {
				f.mx.Unlock()
				return err
			}
			f.pending = append(f.pending, n)
			f.inFlight += n
			f.mx.Unlock()
			return nil
		}
		f.mx.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.space:
		}
	}
}

// retireOne credits back the oldest outstanding line. Call exactly once
// per terminal (ok/error) response observed.
func (f *flow) retireOne() bool {
	f.mx.Lock()
	if len(f.pending) == 0 {
		f.mx.Unlock()
		return false
	}
	f.inFlight -= f.pending[0]
	f.pending = f.pending[1:]
	f.mx.Unlock()

	select {
	case f.space <- struct{}{}:
	default:
	}
	return true
}

// reset drops all accounting after a soft reset wipes the device buffer.
func (f *flow) reset() {
	f.mx.Lock()
	f.pending = nil
	f.inFlight = 0
	f.mx.Unlock()

	select {
	case f.space <- struct{}{}:
	default:
	}
}

func (f *flow) outstanding() int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return len(f.pending)
}

func (f *flow) inFlightBytes() int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.inFlight
}
