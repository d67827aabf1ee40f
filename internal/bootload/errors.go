package bootload

import (
	"errors"
	"fmt"
)

// ErrAbortedByUser is returned by Session.Wait (and by any command
// issued after Abort) when the session was cancelled by the caller
// rather than failing on its own.
var ErrAbortedByUser = errors.New("bootload: aborted by user")

// ErrNoResponseFromDevice is returned when every ENQUIRE retry was
// exhausted without a response.
var ErrNoResponseFromDevice = errors.New("bootload: no response from device")

// ErrInvalidEnqResponse is returned for an ENQUIRE response under 4
// bytes. This is fatal — the engine does not infinitely re-enquire on
// a short reply.
var ErrInvalidEnqResponse = errors.New("bootload: invalid enquire response")

// ErrInvalidSelectResponse is returned for a SELECT response shorter
// than the protocol-version-appropriate minimum.
var ErrInvalidSelectResponse = errors.New("bootload: invalid select response")

// ErrEraseRejected is returned when ERASE's response byte 0 is not Ack.
var ErrEraseRejected = errors.New("bootload: erase rejected")

// ErrBlockOutOfSequence is returned when a v4.01+ DATA ACK's echoed
// address does not match the block just sent. It is fatal; no retry.
var ErrBlockOutOfSequence = errors.New("bootload: block out of sequence")

// ErrFinishFailed is returned when FINISH's response byte 0 is not Ack.
var ErrFinishFailed = errors.New("bootload: finish failed")

// UnsupportedVersionError reports an ENQUIRE vmaj outside {2, 3, 4}.
type UnsupportedVersionError struct {
	Major byte
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("bootload: unsupported device version %d", e.Major)
}

// ErrUnsupportedDevice is returned when the device reports fewer
// spaces than the requested space index requires.
var ErrUnsupportedDevice = errors.New("bootload: device does not support requested space")

// UnexpectedDataResponseError reports a DATA response whose status
// byte is neither Ack nor otherwise explained.
type UnexpectedDataResponseError struct {
	Byte byte
}

func (e *UnexpectedDataResponseError) Error() string {
	return fmt.Sprintf("bootload: unexpected data response byte 0x%02X", e.Byte)
}

// ChecksumMismatchError reports VERIFY disagreeing with the locally
// computed CRC.
type ChecksumMismatchError struct {
	Expected uint16
	Got      uint16
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("bootload: checksum mismatch: expected 0x%04X, got 0x%04X", e.Expected, e.Got)
}
