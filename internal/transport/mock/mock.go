// Package mock provides a scriptable transport.Transport for
// exercising the bootload engine without real hardware — the Go
// analog of the teacher's test_shim files, which stand in for pieces
// the test doesn't want to drive for real.
package mock

import (
	"context"
	"sync"

	"github.com/csllc/mb-loader/internal/transport"
)

// Response is one canned reply (or error) for a given opcode.
type Response struct {
	Bytes []byte
	Err   error
}

// Transport replies to each opcode from a per-opcode queue of
// Responses, popping one per call. If the queue for an opcode is
// empty, it returns transport.ErrTimeout, simulating a device that
// never answers.
type Transport struct {
	mu        sync.Mutex
	queues    map[byte][]Response
	calls     map[byte]int
	connected bool

	// BeforeCommand, if set, runs synchronously before each Command
	// call returns its canned response — tests use this to trigger an
	// Abort() mid-flight and assert on ordering.
	BeforeCommand func(op byte, payload []byte)
}

// New creates a connected mock transport.
func New() *Transport {
	return &Transport{
		queues:    make(map[byte][]Response),
		calls:     make(map[byte]int),
		connected: true,
	}
}

// Enqueue appends one scripted response for op.
func (m *Transport) Enqueue(op byte, resp Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[op] = append(m.queues[op], resp)
}

// CallCount returns how many times Command was invoked for op.
func (m *Transport) CallCount(op byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// SetConnected overrides the Connected() result, for exercising the
// "transport not ready" precondition.
func (m *Transport) SetConnected(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = v
}

func (m *Transport) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Transport) Command(ctx context.Context, op byte, payload []byte, opts transport.Options) ([]byte, error) {
	if m.BeforeCommand != nil {
		m.BeforeCommand(op, payload)
	}

	select {
	case <-ctx.Done():
		return nil, transport.ErrTimeout
	default:
	}

	m.mu.Lock()
	m.calls[op]++
	q := m.queues[op]
	var resp Response
	haveResp := len(q) > 0
	if haveResp {
		resp = q[0]
		m.queues[op] = q[1:]
	}
	m.mu.Unlock()

	if !haveResp {
		return nil, transport.ErrTimeout
	}

	return resp.Bytes, resp.Err
}
