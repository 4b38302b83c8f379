package serialport

import (
	"context"
	"sync"
	"time"
)

// FakeTransport is an in-memory loopback-style Transport for tests: it
// records every sent frame and lets the test script a queue of
// responses to hand back from Recv, simulating the EGM's replies
// without touching a real device.
type FakeTransport struct {
	mu        sync.Mutex
	Sent      [][]byte
	responses [][]byte
	closed    bool
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

// QueueResponse appends bytes to be returned by the next Recv call(s).
func (f *FakeTransport) QueueResponse(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, b)
}

func (f *FakeTransport) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrDeviceGone
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.Sent = append(f.Sent, cp)
	return nil
}

func (f *FakeTransport) Recv(ctx context.Context, buf []byte, deadline time.Duration) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, ErrDeviceGone
	}
	if len(f.responses) == 0 {
		f.mu.Unlock()
		return 0, ErrTimeout
	}
	next := f.responses[0]
	n := copy(buf, next)
	if n < len(next) {
		f.responses[0] = next[n:]
	} else {
		f.responses = f.responses[1:]
	}
	f.mu.Unlock()
	return n, nil
}

func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
