// Package bootload drives the linear bootload protocol state machine
// (§4.4) against a transport.Transport, consuming package hexfile for
// the image and package target for per-space behavior.
package bootload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/csllc/mb-loader/internal/target"
	"github.com/csllc/mb-loader/internal/transport"
)

// State is one node of the state diagram in §4.4.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateConnected
	StateSelecting
	StateSelected
	StateImporting
	StateErasing
	StateSending
	StateVerifying
	StateFinishing
	StateDone
	StateFailed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateSelecting:
		return "Selecting"
	case StateSelected:
		return "Selected"
	case StateImporting:
		return "Importing"
	case StateErasing:
		return "Erasing"
	case StateSending:
		return "Sending"
	case StateVerifying:
		return "Verifying"
	case StateFinishing:
		return "Finishing"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Result summarizes a finished (or failed/aborted) session.
type Result struct {
	State        State
	Err          error
	ComputedCRC  uint16
	DeviceCRC    uint16
	TotalBlocks  int
	BlocksDone   int
	MaxBuffer    int
	BLVersion    int
	AppStart     uint32
	AppEnd       uint32
	DeviceBlock  uint16
}

// session is the lifecycle of one Start call, per §3's
// BootloadSession. It is not reusable: construct a new Engine.Start
// call for each attempt. Callers outside this package never see a
// session directly — they hold the exported Session handle instead.
type session struct {
	transport transport.Transport
	target    target.TargetConfig
	space     target.SpaceConfig
	spaceIdx  int
	events    EventSink

	productCode    byte
	majorVersion   byte
	minorVersion   byte
	blScalarVer    int
	maxBuffer      int
	deviceBlock    uint16
	appStart       uint32
	appEnd         uint32
	computedCRC    uint16
	deviceCRC      uint16
	flashBlocks    [][]byte
	totalBlocks    int
	blocksComplete int

	mu            sync.Mutex
	aborting      bool
	finished      bool
	currentCancel context.CancelFunc
	abortedOnce   sync.Once
}

// Engine owns a transport for the duration of one Start call and
// drives the bootload state machine against it.
type Engine struct {
	Transport transport.Transport
	Target    target.TargetConfig
	Events    EventSink
}

// Session is the caller's handle to one in-flight bootload attempt,
// returned by Start before the attempt has run to completion. It is
// the external cancellation surface §5/§7 and testable property 8
// require: a caller holding a Session can call Abort at any point
// during the run — from a signal handler, a UI cancel button, or a
// test — and Wait to block for the terminal Result.
type Session struct {
	s        *session
	resultCh chan sessionOutcome
}

type sessionOutcome struct {
	result *Result
	err    error
}

// Abort cancels the session from outside the goroutine running it.
// Safe to call at any time: called before the session reaches its
// first command, it makes that command reject with ErrAbortedByUser;
// called after the session has finished, it is a no-op. See
// session.Abort for the exact semantics.
func (sess *Session) Abort() {
	sess.s.Abort()
}

// Wait blocks until the session reaches Done, Failed, or Aborted and
// returns its terminal Result.
func (sess *Session) Wait() (*Result, error) {
	outcome := <-sess.resultCh
	return outcome.result, outcome.err
}

// Start begins one full bootload attempt against spaceIndex, parsing
// hexSrc with that space's hex_block size, and runs it on its own
// goroutine. The returned Session is valid immediately — Abort may be
// called on it before the goroutine has issued its first command —
// and Wait blocks for the terminal Result. External ctx cancellation
// (e.g. a SIGINT-driven context) is honored the same way an explicit
// Abort call is: the next command rejects with ErrAbortedByUser and
// the session reaches StateAborted.
func (e *Engine) Start(ctx context.Context, hexSrc HexSource, spaceIndex int) (*Session, error) {
	events := e.Events
	if events == nil {
		events = NopSink{}
	}

	sp, err := e.Target.Space(spaceIndex)
	if err != nil {
		return nil, err
	}

	s := &session{
		transport: e.Transport,
		target:    e.Target,
		space:     sp,
		spaceIdx:  spaceIndex,
		events:    events,
	}

	sess := &Session{s: s, resultCh: make(chan sessionOutcome, 1)}
	go func() {
		result, err := s.run(ctx, hexSrc)
		sess.resultCh <- sessionOutcome{result: result, err: err}
	}()

	return sess, nil
}

// Abort cancels the in-flight command (if any), marks the session as
// aborting so further commands reject immediately, and emits the
// Aborted status exactly once. Idempotent; a no-op after the session
// has already finished.
func (s *session) Abort() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.aborting = true
	cancel := s.currentCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	s.abortedOnce.Do(func() {
		s.events.Status(statusAborted())
	})
}

func (s *session) run(ctx context.Context, hexSrc HexSource) (*Result, error) {
	defer func() {
		s.mu.Lock()
		s.finished = true
		s.mu.Unlock()
	}()

	s.events.Status(statusCheckingCommunication())

	if !s.transport.Connected() {
		return s.fail(StateConnecting, fmt.Errorf("bootload: transport not connected"))
	}

	if err := s.connect(ctx); err != nil {
		return s.fail(StateConnecting, err)
	}
	s.events.Status(statusConnected())

	if s.space.SelectDelayMS > 0 {
		select {
		case <-time.After(time.Duration(s.space.SelectDelayMS) * time.Millisecond):
		case <-ctx.Done():
			s.Abort()
			return s.fail(StateSelecting, ErrAbortedByUser)
		}
	}

	s.events.Status(statusSelectingMemory())
	if err := s.selectSpace(ctx); err != nil {
		return s.fail(StateSelecting, err)
	}
	s.events.Status(statusMinBlockSize(int(s.deviceBlock)))
	s.events.Status(statusAppStart(s.appStart))
	s.events.Status(statusAppEnd(s.appEnd))

	s.events.Status(statusLoadingFile())
	if err := s.importFile(hexSrc); err != nil {
		return s.fail(StateImporting, err)
	}

	s.events.Status(statusErasing())
	eraseStart := time.Now()
	if err := s.erase(ctx); err != nil {
		return s.fail(StateErasing, err)
	}
	s.events.Status(statusEraseComplete(time.Since(eraseStart).Seconds()))

	s.events.Status(statusSending())
	sendStart := time.Now()
	if err := s.sendBlocks(ctx); err != nil {
		return s.fail(StateSending, err)
	}
	s.events.Status(statusProgrammingComplete(time.Since(sendStart).Seconds()))

	s.events.Status(statusValidating())
	verifyStart := time.Now()
	if err := s.verify(ctx); err != nil {
		return s.fail(StateVerifying, err)
	}
	s.events.Status(statusChecksum(s.deviceCRC, time.Since(verifyStart).Seconds()))

	if err := s.finish(ctx); err != nil {
		return s.fail(StateFinishing, err)
	}

	return &Result{
		State:       StateDone,
		ComputedCRC: s.computedCRC,
		DeviceCRC:   s.deviceCRC,
		TotalBlocks: s.totalBlocks,
		BlocksDone:  s.blocksComplete,
		MaxBuffer:   s.maxBuffer,
		BLVersion:   s.blScalarVer,
		AppStart:    s.appStart,
		AppEnd:      s.appEnd,
		DeviceBlock: s.deviceBlock,
	}, nil
}

// fail implements §7's policy: "Any terminal error triggers an
// implicit abort() that cancels outstanding transactions and emits
// status: Aborted" — except when the error already IS the user's own
// abort, in which case Abort() already emitted that status.
func (s *session) fail(_ State, err error) (*Result, error) {
	state := StateFailed
	if err == ErrAbortedByUser {
		state = StateAborted
	} else {
		s.Abort()
		state = StateFailed
	}
	return &Result{State: state, Err: err}, err
}

// command issues one request and waits up to timeout for the
// response. At most one command is ever in flight: command blocks
// until completion (success, error, timeout, or cancel) before
// returning, satisfying §5's at-most-one-in-flight-request rule by
// construction — there is no way to call command again before this
// one returns.
//
// ctx cancellation (external, e.g. a SIGINT-driven context passed
// into Start) is treated exactly like an explicit Abort call: the
// command rejects with ErrAbortedByUser instead of leaking through as
// a plain transport.ErrTimeout, which would otherwise let the calling
// phase's retry loop keep issuing requests against an already-dead
// context. A per-command deadline expiring on its own (ctx itself
// still live) is unaffected and still surfaces as the transport's own
// error for the phase's normal retry handling.
func (s *session) command(ctx context.Context, op byte, payload []byte, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	if s.aborting {
		s.mu.Unlock()
		return nil, ErrAbortedByUser
	}
	if ctx.Err() != nil {
		s.mu.Unlock()
		s.Abort()
		return nil, ErrAbortedByUser
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	s.currentCancel = cancel
	s.mu.Unlock()

	resp, err := s.transport.Command(cctx, op, payload, transport.Options{Timeout: timeout})

	s.mu.Lock()
	s.currentCancel = nil
	aborting := s.aborting
	s.mu.Unlock()
	cancel()

	if aborting {
		return nil, ErrAbortedByUser
	}
	if ctx.Err() != nil {
		s.Abort()
		return nil, ErrAbortedByUser
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}
