// Package serial implements transport.Transport over a real serial
// port, adapted from the teacher's src/serial_port.go
// (serial_port_open/serial_port_write/serial_port_get1/serial_port_close)
// generalized from Direwolf's fire-and-forget KISS byte stream to the
// request/response, one-frame-per-Command contract this module needs.
package serial

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/term"
	"golang.org/x/sys/unix"

	"github.com/csllc/mb-loader/internal/transport"
)

// supportedBauds mirrors serial_port_open's switch over recognized
// speeds; anything else is rejected instead of silently falling back
// to 4800 the way the teacher's C port does, since a bootload session
// that silently picked the wrong baud would look "connected" while
// sending garbage.
var supportedBauds = map[int]bool{
	1200: true, 2400: true, 4800: true, 9600: true,
	19200: true, 38400: true, 57600: true, 115200: true,
}

// Transport is a transport.Transport backed by one open serial port.
// Only one Command may be in flight at a time; the mutex enforces
// that even if a caller violates the engine's own single-in-flight
// discipline.
type Transport struct {
	mu   sync.Mutex
	port *term.Term
	r    *bufio.Reader
}

// Open opens device at baud and sets raw mode, per serial_port_open.
// VMIN=1/VTIME=0 (block for at least one byte, no inter-byte timing)
// is applied directly via termios, since pkg/term does not expose
// those fields — the same tuning serial_port_open's TODO comments
// call for but never wire up.
func Open(device string, baud int) (*Transport, error) {
	if !supportedBauds[baud] {
		return nil, fmt.Errorf("serial: unsupported baud rate %d", baud)
	}

	port, err := term.Open(device, term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", device, err)
	}

	if err := port.SetSpeed(baud); err != nil {
		port.Close()
		return nil, fmt.Errorf("serial: set speed %d: %w", baud, err)
	}

	if err := setVMinVTime(port, 1, 0); err != nil {
		port.Close()
		return nil, fmt.Errorf("serial: termios: %w", err)
	}

	return &Transport{port: port, r: bufio.NewReader(port)}, nil
}

func setVMinVTime(port *term.Term, vmin, vtime byte) error {
	fd := int(port.Fd())
	attr, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	attr.Cc[unix.VMIN] = vmin
	attr.Cc[unix.VTIME] = vtime
	return unix.IoctlSetTermios(fd, unix.TCSETS, attr)
}

// Connected reports whether the port is still open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

// Command writes one framed request and blocks for the matching
// framed response, honoring ctx cancellation by closing the read
// deadline window early — pkg/term has no native context support, so
// cancellation is approximated with SetReadTimeout plus a poll loop
// bounded by ctx.Done(), the same shape serial_port_get1's blocking
// single-byte read would need to gain context-awareness.
func (t *Transport) Command(ctx context.Context, op byte, payload []byte, opts transport.Options) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return nil, fmt.Errorf("serial: port not open")
	}

	frame, err := transport.EncodeFrame(opts.Unit, op, payload)
	if err != nil {
		return nil, err
	}

	if n, err := t.port.Write(frame); err != nil || n != len(frame) {
		if err == nil {
			err = fmt.Errorf("serial: short write (%d of %d bytes)", n, len(frame))
		}
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if ok {
		t.port.SetReadTimeout(time.Until(deadline))
	} else if opts.Timeout > 0 {
		t.port.SetReadTimeout(opts.Timeout)
	}

	type result struct {
		op      byte
		payload []byte
		err     error
	}
	done := make(chan result, 1)
	go func() {
		_, respOp, respPayload, err := transport.ReadFrame(t.r)
		done <- result{op: respOp, payload: respPayload, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, transport.ErrTimeout
	case res := <-done:
		if res.err != nil {
			return nil, transport.ErrTimeout
		}
		return res.payload, nil
	}
}

// Close releases the underlying port.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}
