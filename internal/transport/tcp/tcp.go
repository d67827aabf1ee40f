// Package tcp implements transport.Transport over a plain TCP
// connection, for bench rigs and CI runners that expose the
// bootloader through a TCP-to-serial (or TCP-to-CAN) bridge instead of
// a physical port. Grounded on the teacher's src/server.go, which
// opens its own AGW socket with plain net.Listen/net.Dial — same
// standard-library-only shape, client side instead of server side.
package tcp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/csllc/mb-loader/internal/transport"
)

var zeroDeadline time.Time

// Transport is a transport.Transport backed by one TCP connection.
type Transport struct {
	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to addr ("host:port").
func Dial(ctx context.Context, addr string) (*Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: dial %s: %w", addr, err)
	}
	return &Transport{conn: conn, r: bufio.NewReader(conn)}, nil
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Command writes one framed request and blocks for the matching
// framed response. A deadline derived from ctx bounds the read via
// SetDeadline the way net.Conn natively supports, but a deadline
// alone does not satisfy "cancellation must cause Command to return
// promptly" when ctx is canceled before that deadline elapses — so
// the read runs on its own goroutine and Command also selects on
// ctx.Done(), the same shape internal/transport/serial uses, forcing
// the blocked read to unblock early via SetReadDeadline instead of
// waiting out the full timeout.
func (t *Transport) Command(ctx context.Context, op byte, payload []byte, opts transport.Options) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil, fmt.Errorf("tcp: connection closed")
	}

	frame, err := transport.EncodeFrame(opts.Unit, op, payload)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetDeadline(deadline)
	} else {
		t.conn.SetDeadline(zeroDeadline)
	}

	if _, err := t.conn.Write(frame); err != nil {
		return nil, transport.ErrTimeout
	}

	type result struct {
		payload []byte
		err     error
	}
	done := make(chan result, 1)
	go func() {
		_, _, respPayload, err := transport.ReadFrame(t.r)
		done <- result{payload: respPayload, err: err}
	}()

	select {
	case <-ctx.Done():
		t.conn.SetReadDeadline(time.Now())
		<-done
		return nil, transport.ErrTimeout
	case res := <-done:
		if res.err != nil {
			if ne, ok := res.err.(net.Error); ok && ne.Timeout() {
				return nil, transport.ErrTimeout
			}
			if res.err == transport.ErrFraming {
				return nil, transport.ErrTimeout
			}
			return nil, res.err
		}
		return res.payload, nil
	}
}

// Close closes the underlying connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
