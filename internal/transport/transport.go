// Package transport defines the contract the bootload engine expects
// from whatever carries commands to the device — serial, CAN, TCP, or
// BLE, exposed through a MODBUS-style request/response channel. The
// concrete transports live in sibling packages; this package only
// fixes the interface, per §6: "The engine treats a returned error as
// final for the current command" and framing/addressing/transient
// retry are the transport's own job.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by Command when no response arrived within
// Options.Timeout. The engine maps this to ResponseTimeout handling
// per phase (retry for ENQUIRE/DATA, fatal otherwise).
var ErrTimeout = errors.New("transport: response timeout")

// Options carries the per-command parameters the transport needs:
// which device unit to address (meaningful for multi-drop buses),
// how long to wait, and how many times the transport itself may
// retry on a transient transport-level error before giving up and
// returning one.
type Options struct {
	Unit       int
	Timeout    time.Duration
	MaxRetries int
}

// Transport issues one command and returns its response bytes, or an
// error if the command could not be completed. Implementations must
// honor ctx cancellation as an immediate abort of any in-flight
// request.
type Transport interface {
	// Command sends op/payload and blocks for the response. A
	// context deadline or cancellation must cause Command to return
	// promptly; deadline expiry should be reported as ErrTimeout.
	Command(ctx context.Context, op byte, payload []byte, opts Options) ([]byte, error)

	// Connected reports whether the transport has completed whatever
	// handshake it needs before it will accept commands. The engine
	// requires this before starting a session.
	Connected() bool
}
