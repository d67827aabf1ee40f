package bootload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/csllc/mb-loader/internal/hexfile"
)

// connect drives CONNECTING: up to EnquireRetries+1 ENQUIRE attempts,
// each bounded by EnquireMS. A response under 4 bytes is immediately
// fatal — no retry loop. A transport timeout consumes one attempt and
// retries; exhausting every attempt on timeouts alone yields
// ErrNoResponseFromDevice.
func (s *session) connect(ctx context.Context) error {
	timeout := time.Duration(s.space.Timeouts.EnquireMS) * time.Millisecond
	attempts := s.space.Timeouts.EnquireRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		resp, err := s.command(ctx, OpEnquire, nil, timeout)
		if err != nil {
			if errors.Is(err, ErrAbortedByUser) {
				return err
			}
			lastErr = ErrNoResponseFromDevice
			continue
		}

		if len(resp) < 4 {
			return ErrInvalidEnqResponse
		}

		s.productCode = resp[0]
		s.majorVersion = resp[1]
		s.minorVersion = resp[2]
		numSpaces := int(resp[3])

		switch s.majorVersion {
		case 2, 3, 4:
		default:
			return &UnsupportedVersionError{Major: s.majorVersion}
		}

		if numSpaces < s.spaceIdx+1 {
			return ErrUnsupportedDevice
		}

		s.blScalarVer = blScalarVersion(s.majorVersion, s.minorVersion)
		if len(resp) >= 6 {
			s.maxBuffer = int(resp[4])*256 + int(resp[5])
		}

		return nil
	}

	if lastErr != nil {
		return lastErr
	}
	return ErrNoResponseFromDevice
}

// selectSpace drives SELECTING: a single SELECT command carrying the
// space index, decoded per the protocol-version-dependent layout in
// §4.4.
func (s *session) selectSpace(ctx context.Context) error {
	timeout := time.Duration(s.space.Timeouts.SelectMS) * time.Millisecond
	resp, err := s.command(ctx, OpSelect, []byte{byte(s.spaceIdx)}, timeout)
	if err != nil {
		return err
	}

	if len(resp) < 6 {
		return ErrInvalidSelectResponse
	}

	s.deviceBlock = uint16(resp[0])<<8 | uint16(resp[1])

	if s.majorVersion >= 4 {
		startBlock := uint16(resp[2])<<8 | uint16(resp[3])
		endBlock := uint16(resp[4])<<8 | uint16(resp[5])
		s.appStart = uint32(startBlock) * uint32(s.deviceBlock)
		s.appEnd = uint32(endBlock) * uint32(s.deviceBlock)
		return nil
	}

	if len(resp) < 10 {
		return ErrInvalidSelectResponse
	}
	s.appStart = uint32(resp[2])<<24 | uint32(resp[3])<<16 | uint32(resp[4])<<8 | uint32(resp[5])
	s.appEnd = uint32(resp[6])<<24 | uint32(resp[7])<<16 | uint32(resp[8])<<8 | uint32(resp[9])
	return nil
}

// importFile drives IMPORTING: parse the HEX image, apply the
// space's load filter, compute the whole-space CRC BEFORE the
// empty-block filter runs (so it agrees with what the device will
// compute), then build flash_blocks in ascending address order.
//
// The CRC range and the retain-range both use data-offset-adjusted
// addresses — app_start/app_end come back from SELECT in device
// address space, while blocks are stored keyed by their HEX-file
// ("natural") address; subtracting data_offset from both ends puts
// the comparison back into the same coordinate space the block store
// uses. Without that adjustment, a space with a nonzero data_offset
// (PIC18 EEPROM, relocated from 0xF00000 in the HEX file down to a
// device-zero-based range) would retain nothing at all.
func (s *session) importFile(hexSrc HexSource) error {
	rc, err := hexSrc.open()
	if err != nil {
		return err
	}
	defer rc.Close()

	store, err := hexfile.Parse(rc, s.space.HexBlock)
	if err != nil {
		return err
	}

	s.space.ApplyLoadFilter(store)

	start := shiftByOffset(s.appStart, s.space.DataOffset)
	end := shiftByOffset(s.appEnd, s.space.DataOffset)

	s.computedCRC = s.space.ApplyChecksum(start, end, store)

	step := uint32(s.space.HexBlock)
	var flash [][]byte
	for addr := start; addr < end; addr += step {
		idx := addr / step
		block, ok := store.Get(idx)
		if !ok {
			continue
		}
		if s.space.SkipEmptyBlock && s.space.IsEmpty(block) {
			continue
		}
		flash = append(flash, s.space.ApplySendFilter(idx, block))
	}

	s.flashBlocks = flash
	s.totalBlocks = len(flash)
	return nil
}

func shiftByOffset(addr uint32, offset int64) uint32 {
	v := int64(addr) - offset
	if v < 0 {
		return 0
	}
	return uint32(v)
}

// erase drives ERASING: a single command, no retries.
func (s *session) erase(ctx context.Context) error {
	timeout := time.Duration(s.space.Timeouts.EraseMS) * time.Millisecond
	resp, err := s.command(ctx, OpErase, nil, timeout)
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != Ack {
		return ErrEraseRejected
	}
	return nil
}

// sendBlocks drives SENDING: flash_blocks are sent strictly in order,
// one outstanding transaction at a time (enforced structurally by
// command()'s blocking contract), each with its own retry budget for
// transport-level failures. A response that arrives but carries the
// wrong status, or — on protocol v4.01+ — echoes the wrong address,
// is fatal immediately; only the absence of any usable response is
// retried.
func (s *session) sendBlocks(ctx context.Context) error {
	timeout := time.Duration(s.space.Timeouts.DataMS) * time.Millisecond
	attempts := s.space.Timeouts.DataRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	for _, payload := range s.flashBlocks {
		if err := s.sendOneBlock(ctx, payload, timeout, attempts); err != nil {
			return err
		}

		s.blocksComplete++
		pct := 100
		if s.totalBlocks > 0 {
			pct = 100 * s.blocksComplete / s.totalBlocks
		}
		s.events.Progress(pct)
	}

	return nil
}

func (s *session) sendOneBlock(ctx context.Context, payload []byte, timeout time.Duration, attempts int) error {
	var lastErr error

	for i := 0; i < attempts; i++ {
		resp, err := s.command(ctx, OpData, payload, timeout)
		if err != nil {
			if errors.Is(err, ErrAbortedByUser) {
				return err
			}
			lastErr = err
			continue
		}

		if len(resp) < 1 {
			return ErrNoResponseFromDevice
		}
		if resp[0] != Ack {
			return &UnexpectedDataResponseError{Byte: resp[0]}
		}

		if s.blScalarVer >= dataAckSeqThreshold {
			if len(resp) < 5 || len(payload) < 4 {
				return ErrBlockOutOfSequence
			}
			echoed := uint16(resp[3])<<8 | uint16(resp[4])
			expected := uint16(payload[2])<<8 | uint16(payload[3])
			if echoed != expected {
				return ErrBlockOutOfSequence
			}
		}

		return nil
	}

	if lastErr != nil {
		return lastErr
	}
	return ErrNoResponseFromDevice
}

// verify drives VERIFYING: a single command comparing the device's
// reported CRC to the one computed during IMPORTING.
func (s *session) verify(ctx context.Context) error {
	timeout := time.Duration(s.space.Timeouts.VerifyMS) * time.Millisecond
	resp, err := s.command(ctx, OpVerify, nil, timeout)
	if err != nil {
		return err
	}
	if len(resp) < 2 {
		return fmt.Errorf("bootload: invalid verify response")
	}

	s.deviceCRC = uint16(resp[0])<<8 | uint16(resp[1])
	if s.deviceCRC != s.computedCRC {
		return &ChecksumMismatchError{Expected: s.computedCRC, Got: s.deviceCRC}
	}
	return nil
}

// finish drives FINISHING: a single command.
func (s *session) finish(ctx context.Context) error {
	timeout := time.Duration(s.space.Timeouts.FinishMS) * time.Millisecond
	resp, err := s.command(ctx, OpFinish, nil, timeout)
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != Ack {
		return ErrFinishFailed
	}
	return nil
}
