//go:build linux

package serialport

import (
	"context"
	"fmt"
	"time"

	goserial "github.com/daedaluz/goserial"
)

// LinuxTransport drives a real RS-232 device through termios, toggling
// stick (mark/space) parity per SAS's wakeup-bit convention: the address
// byte that opens a poll is sent with the 9th bit set (mark parity),
// every other byte in the frame with it clear (space parity).
type LinuxTransport struct {
	port *goserial.Port
	baud int
}

// OpenLinux opens dev at baud with 8 data bits, no ordinary parity, one
// stop bit, and stick parity enabled so mark/space can be toggled
// per write.
func OpenLinux(dev string, baud int) (*LinuxTransport, error) {
	opts := goserial.NewOptions().SetReadTimeout(0)
	port, err := goserial.Open(dev, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, dev, err)
	}

	attrs, err := port.GetAttr()
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: get attrs: %v", ErrIO, err)
	}
	attrs.MakeRaw()
	attrs.Cflag &= ^(goserial.CSIZE | goserial.PARENB)
	attrs.Cflag |= goserial.CS8 | goserial.CREAD | goserial.CLOCAL | goserial.PARENB | goserial.CMSPAR
	attrs.SetSpeed(baudConst(baud))
	if err := port.SetAttr(goserial.TCSANOW, attrs); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: set attrs: %v", ErrIO, err)
	}

	return &LinuxTransport{port: port, baud: baud}, nil
}

func baudConst(baud int) goserial.CFlag {
	switch baud {
	case 300:
		return goserial.B300
	case 1200:
		return goserial.B1200
	case 2400:
		return goserial.B2400
	case 4800:
		return goserial.B4800
	case 9600:
		return goserial.B9600
	case 38400:
		return goserial.B38400
	case 57600:
		return goserial.B57600
	case 115200:
		return goserial.B115200
	default:
		return goserial.B19200
	}
}

func (t *LinuxTransport) setParityMark(mark bool) error {
	attrs, err := t.port.GetAttr()
	if err != nil {
		return err
	}
	if mark {
		attrs.Cflag |= goserial.PARODD
	} else {
		attrs.Cflag &= ^goserial.PARODD
	}
	return t.port.SetAttr(goserial.TCSADRAIN, attrs)
}

// Send writes frame with the wakeup bit (stick mark parity) set on the
// first byte only, then clears it for the remainder of the frame.
func (t *LinuxTransport) Send(ctx context.Context, frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	if err := t.setParityMark(true); err != nil {
		return fmt.Errorf("%w: %v", ErrWakeupWrite, err)
	}
	if _, err := t.port.Write(frame[:1]); err != nil {
		return fmt.Errorf("%w: %v", ErrWakeupWrite, err)
	}
	if err := t.port.Drain(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	if len(frame) == 1 {
		return nil
	}
	if err := t.setParityMark(false); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if _, err := t.port.Write(frame[1:]); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return t.port.Drain()
}

func (t *LinuxTransport) Recv(ctx context.Context, buf []byte, deadline time.Duration) (int, error) {
	n, err := t.port.ReadTimeout(buf, deadline)
	if err != nil {
		if n == 0 {
			return 0, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return n, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return n, nil
}

func (t *LinuxTransport) Close() error {
	if err := t.port.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceGone, err)
	}
	return nil
}
