// Package serialport is the Serial Transport: it owns the physical (or
// fake, in tests) serial device, applies the SAS wakeup-bit framing
// convention, and exposes a minimal blocking Send/Recv surface the Poll
// Engine drives. It never parses SAS command semantics; that is
// internal/frame's and internal/pollengine's job.
package serialport

import (
	"context"
	"errors"
	"io"
	"time"
)

// Sentinel errors returned by Transport implementations.
var (
	ErrTimeout     = errors.New("serialport: read timed out")
	ErrIO          = errors.New("serialport: i/o error")
	ErrDeviceGone  = errors.New("serialport: device closed or disconnected")
	ErrWakeupWrite = errors.New("serialport: failed to write wakeup-marked address byte")
)

// Transport is the Serial Transport's contract: send a framed message
// (the address byte marked with the wakeup bit, per SAS convention) and
// read bytes back within a deadline.
type Transport interface {
	io.Closer

	// Send writes frame to the wire, toggling the wakeup-bit parity
	// marker on the first byte (the address byte) only.
	Send(ctx context.Context, frame []byte) error

	// Recv blocks until at least one byte is available or deadline
	// elapses, filling buf and returning the number of bytes read.
	// It returns ErrTimeout on deadline expiry without data.
	Recv(ctx context.Context, buf []byte, deadline time.Duration) (int, error)
}

// Reader adapts a Transport into an io.Reader bound to a fixed per-read
// deadline, so frame.Decode (which wants a plain io.Reader) can be used
// directly against the transport.
type Reader struct {
	Transport Transport
	Deadline  time.Duration
	Ctx       context.Context
}

func (r *Reader) Read(p []byte) (int, error) {
	ctx := r.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	n, err := r.Transport.Recv(ctx, p, r.Deadline)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.ErrNoProgress
	}
	return n, nil
}
