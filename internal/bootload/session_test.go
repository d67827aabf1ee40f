package bootload

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/csllc/mb-loader/internal/hexfile"
	"github.com/csllc/mb-loader/internal/target"
	"github.com/csllc/mb-loader/internal/transport"
	"github.com/csllc/mb-loader/internal/transport/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	statuses []string
	progress []int
}

func (r *recordingSink) Status(s string) { r.statuses = append(r.statuses, s) }
func (r *recordingSink) Progress(p int)  { r.progress = append(r.progress, p) }

func testTarget() target.TargetConfig {
	tc := target.PIC18Controller()
	tc.Spaces[0].HexBlock = 64
	tc.Spaces[0].SendBlock = 64
	tc.Defaults.EnquireMS = 50
	tc.Defaults.SelectMS = 50
	tc.Defaults.EraseMS = 50
	tc.Defaults.DataMS = 50
	tc.Defaults.VerifyMS = 50
	tc.Defaults.FinishMS = 50
	tc.Defaults.EnquireRetries = 3
	tc.Defaults.DataRetries = 3
	return tc
}

func oneRecordHex(addr uint16, data []byte) string {
	return hexLine(addr, 0, data) + "\n" + hexLine(0, 1, nil) + "\n"
}

// multiRecordHex splits data into 64-byte DATA records starting at
// addr, followed by EOF. An Intel HEX record's count is one byte, so
// images larger than 255 bytes need more than one record.
func multiRecordHex(addr uint16, data []byte) string {
	var sb strings.Builder
	for off := 0; off < len(data); off += 64 {
		end := min(off+64, len(data))
		sb.WriteString(hexLine(addr+uint16(off), 0, data[off:end]) + "\n")
	}
	sb.WriteString(hexLine(0, 1, nil) + "\n")
	return sb.String()
}

func hexLine(addr uint16, typ byte, data []byte) string {
	sum := byte(len(data)) + byte(addr>>8) + byte(addr) + typ
	for _, b := range data {
		sum += b
	}
	cs := byte(-int8(sum))

	var sb strings.Builder
	sb.WriteByte(':')
	writeHexByte(&sb, byte(len(data)))
	writeHexByte(&sb, byte(addr>>8))
	writeHexByte(&sb, byte(addr))
	writeHexByte(&sb, typ)
	for _, b := range data {
		writeHexByte(&sb, b)
	}
	writeHexByte(&sb, cs)
	return sb.String()
}

func writeHexByte(sb *strings.Builder, b byte) {
	const digits = "0123456789ABCDEF"
	sb.WriteByte(digits[b>>4])
	sb.WriteByte(digits[b&0xF])
}

// selectResponse builds a v2/v3-shaped (10-byte) SELECT response:
// block_size BE16, app_start BE32, app_end BE32.
func selectResponse(blockSize uint16, appStart, appEnd uint32) []byte {
	b := make([]byte, 10)
	b[0] = byte(blockSize >> 8)
	b[1] = byte(blockSize)
	b[2] = byte(appStart >> 24)
	b[3] = byte(appStart >> 16)
	b[4] = byte(appStart >> 8)
	b[5] = byte(appStart)
	b[6] = byte(appEnd >> 24)
	b[7] = byte(appEnd >> 16)
	b[8] = byte(appEnd >> 8)
	b[9] = byte(appEnd)
	return b
}

// fillCRCFor computes the same Fill-variant whole-range CRC the
// engine will compute during IMPORTING, so tests can feed VERIFY a
// response that is actually consistent with the HEX data they wrote,
// rather than a value that happens to match only by coincidence.
func fillCRCFor(t *testing.T, hexBlock int, src string, rangeEnd uint32) uint16 {
	t.Helper()
	store, err := hexfile.Parse(strings.NewReader(src), hexBlock)
	require.NoError(t, err)
	sp := target.SpaceConfig{HexBlock: hexBlock, Checksum: target.ChecksumFill}
	return sp.ApplyChecksum(0, rangeEnd, store)
}

func crcResponseBytes(crc uint16) []byte {
	return []byte{byte(crc >> 8), byte(crc)}
}

// TestS1_MinimalSuccess matches spec.md §8 scenario S1: one 16-byte
// record, a single DATA block, and a VERIFY that agrees with the
// locally computed CRC.
func TestS1_MinimalSuccess(t *testing.T) {
	tr := mock.New()
	data := make([]byte, 16)
	for i := range data {
		data[i] = byte(i)
	}
	hex := oneRecordHex(0, data)
	crc := fillCRCFor(t, 64, hex, 64)

	// vmaj=3 keeps this response's 10-byte v2/v3 SELECT shape
	// self-consistent (spec.md's literal S1 text pairs vmaj=4 with a
	// 10-byte response and notes itself that v>=4 would actually use
	// the 6-byte block form).
	tr.Enqueue(OpEnquire, mock.Response{Bytes: []byte{0x20, 3, 6, 1, 0, 64}})
	tr.Enqueue(OpSelect, mock.Response{Bytes: selectResponse(64, 0, 64)})
	tr.Enqueue(OpErase, mock.Response{Bytes: []byte{Ack}})
	tr.Enqueue(OpData, mock.Response{Bytes: []byte{Ack}})
	tr.Enqueue(OpVerify, mock.Response{Bytes: crcResponseBytes(crc)})
	tr.Enqueue(OpFinish, mock.Response{Bytes: []byte{Ack}})

	src := StreamSource{Reader: strings.NewReader(hex)}

	sink := &recordingSink{}
	e := &Engine{Transport: tr, Target: testTarget(), Events: sink}

	sess, err := e.Start(context.Background(), src, 0)
	require.NoError(t, err)
	result, err := sess.Wait()
	require.NoError(t, err)
	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, 100, sink.progress[len(sink.progress)-1])
	assert.Equal(t, 1, tr.CallCount(OpData))
	assert.Contains(t, sink.statuses, statusCheckingCommunication())
	assert.Contains(t, sink.statuses, statusConnected())
	assert.Contains(t, sink.statuses, "Erasing")
}

// TestS2_EnquireRetrySucceeds matches S2: the device drops the first
// ENQUIRE and answers the second.
func TestS2_EnquireRetrySucceeds(t *testing.T) {
	tr := mock.New()
	hex := oneRecordHex(0, nil)
	crc := fillCRCFor(t, 64, hex, 64)

	tr.Enqueue(OpEnquire, mock.Response{Err: transport.ErrTimeout})
	tr.Enqueue(OpEnquire, mock.Response{Bytes: []byte{0x20, 3, 6, 1, 0, 64}})
	tr.Enqueue(OpSelect, mock.Response{Bytes: selectResponse(64, 0, 64)})
	tr.Enqueue(OpErase, mock.Response{Bytes: []byte{Ack}})
	tr.Enqueue(OpVerify, mock.Response{Bytes: crcResponseBytes(crc)})
	tr.Enqueue(OpFinish, mock.Response{Bytes: []byte{Ack}})

	tc := testTarget()
	tc.Defaults.EnquireRetries = 1

	src := StreamSource{Reader: strings.NewReader(hex)}
	e := &Engine{Transport: tr, Target: tc, Events: NopSink{}}

	sess, err := e.Start(context.Background(), src, 0)
	require.NoError(t, err)
	result, err := sess.Wait()
	require.NoError(t, err)
	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, 2, tr.CallCount(OpEnquire))
}

// TestS3_EnquireExhaustion matches S3.
func TestS3_EnquireExhaustion(t *testing.T) {
	tr := mock.New() // no ENQ responses queued -> always ErrTimeout

	tc := testTarget()
	tc.Defaults.EnquireRetries = 1

	e := &Engine{Transport: tr, Target: tc, Events: NopSink{}}
	sess, startErr := e.Start(context.Background(), StreamSource{Reader: strings.NewReader("")}, 0)
	require.NoError(t, startErr)
	result, err := sess.Wait()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoResponseFromDevice)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, 2, tr.CallCount(OpEnquire))
	assert.Equal(t, 0, tr.CallCount(OpSelect))
}

// TestS4_UnexpectedEnquireReply matches S4.
func TestS4_UnexpectedEnquireReply(t *testing.T) {
	tr := mock.New()
	tr.Enqueue(OpEnquire, mock.Response{Bytes: []byte{0x00, 0x00}}) // 2-byte VERIFY-shaped reply

	e := &Engine{Transport: tr, Target: testTarget(), Events: NopSink{}}
	sess, startErr := e.Start(context.Background(), StreamSource{Reader: strings.NewReader("")}, 0)
	require.NoError(t, startErr)
	result, err := sess.Wait()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidEnqResponse)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, 1, tr.CallCount(OpEnquire))
}

// TestS5_ChecksumMismatch matches S5.
func TestS5_ChecksumMismatch(t *testing.T) {
	tr := mock.New()
	tr.Enqueue(OpEnquire, mock.Response{Bytes: []byte{0x20, 3, 6, 1, 0, 64}})
	tr.Enqueue(OpSelect, mock.Response{Bytes: selectResponse(64, 0, 64)})
	tr.Enqueue(OpErase, mock.Response{Bytes: []byte{Ack}})
	tr.Enqueue(OpData, mock.Response{Bytes: []byte{Ack}})
	tr.Enqueue(OpVerify, mock.Response{Bytes: []byte{0xAB, 0xCD}})

	src := StreamSource{Reader: strings.NewReader(oneRecordHex(0, []byte{1, 2, 3}))}
	e := &Engine{Transport: tr, Target: testTarget(), Events: NopSink{}}

	sess, startErr := e.Start(context.Background(), src, 0)
	require.NoError(t, startErr)
	result, err := sess.Wait()
	require.Error(t, err)

	var mismatch *ChecksumMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, uint16(0xABCD), mismatch.Got)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, 0, tr.CallCount(OpFinish), "finish must not be sent after a checksum mismatch")
}

// TestS6_UserAbortDuringData matches S6: after 5 DATA ACKs, the
// caller aborts; the pending 6th DATA is cancelled, VERIFY/FINISH are
// never sent, and Aborted fires exactly once.
func TestS6_UserAbortDuringData(t *testing.T) {
	tr := mock.New()
	tr.Enqueue(OpEnquire, mock.Response{Bytes: []byte{0x20, 3, 6, 1, 0, 64}})
	tr.Enqueue(OpSelect, mock.Response{Bytes: selectResponse(64, 0, 64*7)})
	tr.Enqueue(OpErase, mock.Response{Bytes: []byte{Ack}})
	for i := 0; i < 7; i++ {
		tr.Enqueue(OpData, mock.Response{Bytes: []byte{Ack}})
	}

	var sess *session
	acks := 0
	tr.BeforeCommand = func(op byte, payload []byte) {
		if op != OpData {
			return
		}
		acks++
		if acks == 6 && sess != nil {
			sess.Abort()
		}
	}

	data := make([]byte, 64*7)
	src := StreamSource{Reader: strings.NewReader(multiRecordHex(0, data))}

	sink := &recordingSink{}
	tc := testTarget()

	sp, err := tc.Space(0)
	require.NoError(t, err)
	sess = &session{transport: tr, target: tc, space: sp, spaceIdx: 0, events: sink}

	result, startErr := sess.run(context.Background(), src)

	require.Error(t, startErr)
	assert.ErrorIs(t, startErr, ErrAbortedByUser)
	assert.Equal(t, StateAborted, result.State)
	assert.Equal(t, 0, tr.CallCount(OpVerify))
	assert.Equal(t, 0, tr.CallCount(OpFinish))
	assert.Equal(t, 5, sess.blocksComplete)

	abortedCount := 0
	for _, s := range sink.statuses {
		if s == statusAborted() {
			abortedCount++
		}
	}
	assert.Equal(t, 1, abortedCount, "Aborted status must be emitted exactly once")
}

// TestAbortIdempotence is testable property 8 from §8.
func TestAbortIdempotence(t *testing.T) {
	sink := &recordingSink{}
	sess := &session{events: sink}

	sess.Abort()
	sess.Abort()

	count := 0
	for _, s := range sink.statuses {
		if s == statusAborted() {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

// TestSequentialData is testable property 6 from §8: no two DATA
// commands overlap in time.
func TestSequentialData(t *testing.T) {
	tr := mock.New()
	tr.Enqueue(OpEnquire, mock.Response{Bytes: []byte{0x20, 3, 6, 1, 0, 64}})
	tr.Enqueue(OpSelect, mock.Response{Bytes: selectResponse(64, 0, 64*5)})
	tr.Enqueue(OpErase, mock.Response{Bytes: []byte{Ack}})
	for i := 0; i < 5; i++ {
		tr.Enqueue(OpData, mock.Response{Bytes: []byte{Ack}})
	}

	data := make([]byte, 64*5)
	hex := multiRecordHex(0, data)
	crc := fillCRCFor(t, 64, hex, 64*5)
	tr.Enqueue(OpVerify, mock.Response{Bytes: crcResponseBytes(crc)})
	tr.Enqueue(OpFinish, mock.Response{Bytes: []byte{Ack}})

	var inFlight int
	var overlapped bool
	tr.BeforeCommand = func(op byte, payload []byte) {
		if op != OpData {
			return
		}
		if inFlight > 0 {
			overlapped = true
		}
		inFlight++
		time.Sleep(time.Millisecond)
		inFlight--
	}

	src := StreamSource{Reader: strings.NewReader(hex)}
	e := &Engine{Transport: tr, Target: testTarget(), Events: NopSink{}}

	sess, startErr := e.Start(context.Background(), src, 0)
	require.NoError(t, startErr)
	_, err := sess.Wait()
	require.NoError(t, err)
	assert.False(t, overlapped)
}

// TestBlockOutOfSequence_V4_01Plus checks the echoed-address
// sequencing rule introduced at bl_scalar_version >= 0x0401.
func TestBlockOutOfSequence_V4_01Plus(t *testing.T) {
	tr := mock.New()
	tr.Enqueue(OpEnquire, mock.Response{Bytes: []byte{0x20, 4, 1, 1, 0, 64}}) // vmaj=4, vmin=1 -> 0x0401
	// v4 SELECT form: block_size, start_block, end_block (all BE16).
	tr.Enqueue(OpSelect, mock.Response{Bytes: []byte{0x00, 0x40, 0x00, 0x00, 0x00, 0x01}})
	tr.Enqueue(OpErase, mock.Response{Bytes: []byte{Ack}})
	// ACK with a wrong echoed address (bytes 3-4).
	tr.Enqueue(OpData, mock.Response{Bytes: []byte{Ack, 0, 0, 0xFF, 0xFF}})

	data := make([]byte, 64)
	src := StreamSource{Reader: strings.NewReader(oneRecordHex(0, data))}
	e := &Engine{Transport: tr, Target: testTarget(), Events: NopSink{}}

	sess, startErr := e.Start(context.Background(), src, 0)
	require.NoError(t, startErr)
	_, err := sess.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBlockOutOfSequence)
	assert.Equal(t, 1, tr.CallCount(OpData), "out-of-sequence ack must not be retried")
}

func TestEraseRejected(t *testing.T) {
	tr := mock.New()
	tr.Enqueue(OpEnquire, mock.Response{Bytes: []byte{0x20, 3, 6, 1, 0, 64}})
	tr.Enqueue(OpSelect, mock.Response{Bytes: selectResponse(64, 0, 64)})
	tr.Enqueue(OpErase, mock.Response{Bytes: []byte{Nack}})

	src := StreamSource{Reader: strings.NewReader(oneRecordHex(0, nil))}
	e := &Engine{Transport: tr, Target: testTarget(), Events: NopSink{}}

	sess, startErr := e.Start(context.Background(), src, 0)
	require.NoError(t, startErr)
	_, err := sess.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEraseRejected)
	assert.Equal(t, 0, tr.CallCount(OpData))
}

func TestUnsupportedVersion(t *testing.T) {
	tr := mock.New()
	tr.Enqueue(OpEnquire, mock.Response{Bytes: []byte{0x20, 9, 0, 1, 0, 64}})

	e := &Engine{Transport: tr, Target: testTarget(), Events: NopSink{}}
	sess, startErr := e.Start(context.Background(), StreamSource{Reader: strings.NewReader("")}, 0)
	require.NoError(t, startErr)
	_, err := sess.Wait()

	require.Error(t, err)
	var uv *UnsupportedVersionError
	require.ErrorAs(t, err, &uv)
	assert.Equal(t, byte(9), uv.Major)
}

func TestUnsupportedDevice_TooFewSpaces(t *testing.T) {
	tr := mock.New()
	tr.Enqueue(OpEnquire, mock.Response{Bytes: []byte{0x20, 3, 6, 1, 0, 64}}) // num_spaces=1

	tc := testTarget()
	tc.Spaces = append(tc.Spaces, tc.Spaces[0]) // locally known second space, index 1

	e := &Engine{Transport: tr, Target: tc, Events: NopSink{}}
	sess, startErr := e.Start(context.Background(), StreamSource{Reader: strings.NewReader("")}, 1) // requests space index 1
	require.NoError(t, startErr)
	_, err := sess.Wait()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedDevice)
}

// TestSession_ExternalAbort exercises the public cancellation surface
// directly: a caller outside package bootload holds only the *Session
// Start returns, calls Abort on it mid-run, and observes
// ErrAbortedByUser/StateAborted via Wait — the shape cmd/mbloader
// needs to wire a SIGINT handler to a live session.
func TestSession_ExternalAbort(t *testing.T) {
	tr := mock.New()
	tr.Enqueue(OpEnquire, mock.Response{Bytes: []byte{0x20, 3, 6, 1, 0, 64}})
	tr.Enqueue(OpSelect, mock.Response{Bytes: selectResponse(64, 0, 64)})
	tr.Enqueue(OpErase, mock.Response{Bytes: []byte{Ack}})
	tr.Enqueue(OpData, mock.Response{Bytes: []byte{Ack}})

	// ready hands the Session to BeforeCommand once Start has
	// returned it, avoiding any unsynchronized read of a variable the
	// test goroutine is still assigning.
	ready := make(chan *Session, 1)
	tr.BeforeCommand = func(op byte, payload []byte) {
		if op != OpData {
			return
		}
		(<-ready).Abort()
	}

	data := make([]byte, 64)
	src := StreamSource{Reader: strings.NewReader(oneRecordHex(0, data))}
	e := &Engine{Transport: tr, Target: testTarget(), Events: NopSink{}}

	sess, err := e.Start(context.Background(), src, 0)
	require.NoError(t, err)
	ready <- sess

	result, waitErr := sess.Wait()
	require.Error(t, waitErr)
	assert.ErrorIs(t, waitErr, ErrAbortedByUser)
	assert.Equal(t, StateAborted, result.State)
	assert.Equal(t, 0, tr.CallCount(OpVerify))
}

// TestSession_ExternalContextCancelAborts checks that canceling the
// ctx passed into Start — what signal.NotifyContext does on SIGINT —
// is treated the same as an explicit Abort call, per the command/ctx
// handling fix: the in-flight command rejects with ErrAbortedByUser
// rather than a plain transport timeout, and no further commands are
// issued afterward.
func TestSession_ExternalContextCancelAborts(t *testing.T) {
	tr := mock.New()
	tr.Enqueue(OpEnquire, mock.Response{Bytes: []byte{0x20, 3, 6, 1, 0, 64}})
	tr.Enqueue(OpSelect, mock.Response{Bytes: selectResponse(64, 0, 64)})
	tr.Enqueue(OpErase, mock.Response{Bytes: []byte{Ack}})
	tr.Enqueue(OpData, mock.Response{Bytes: []byte{Ack}})

	ctx, cancel := context.WithCancel(context.Background())
	tr.BeforeCommand = func(op byte, payload []byte) {
		if op == OpData {
			cancel()
		}
	}

	data := make([]byte, 64)
	src := StreamSource{Reader: strings.NewReader(oneRecordHex(0, data))}
	e := &Engine{Transport: tr, Target: testTarget(), Events: NopSink{}}

	sess, err := e.Start(ctx, src, 0)
	require.NoError(t, err)

	result, waitErr := sess.Wait()
	require.Error(t, waitErr)
	assert.ErrorIs(t, waitErr, ErrAbortedByUser)
	assert.Equal(t, StateAborted, result.State)
	assert.Equal(t, 0, tr.CallCount(OpVerify))
	assert.Equal(t, 0, tr.CallCount(OpFinish))
}
