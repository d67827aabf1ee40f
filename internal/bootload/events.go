package bootload

import "fmt"

// EventSink receives the two advisory event streams a session emits,
// per the design note in spec.md §9: "re-architect as either an
// injected sink object with two methods or a pair of channels; both
// suffice because events are advisory." We take the sink-object form
// since the engine already owns the session's lifetime and an
// injected interface keeps the caller free to fan events out to a
// channel, a logger, or both.
type EventSink interface {
	// Status reports a human-readable phase transition, one of the
	// literal strings enumerated in §6.
	Status(status string)
	// Progress reports percent complete, 0..100, after each DATA ACK.
	Progress(percent int)
}

// NopSink discards every event; useful when a caller only wants the
// final State/error.
type NopSink struct{}

func (NopSink) Status(string)  {}
func (NopSink) Progress(int) {}

// FuncSink adapts two plain functions to EventSink.
type FuncSink struct {
	OnStatus   func(string)
	OnProgress func(int)
}

func (f FuncSink) Status(s string) {
	if f.OnStatus != nil {
		f.OnStatus(s)
	}
}

func (f FuncSink) Progress(p int) {
	if f.OnProgress != nil {
		f.OnProgress(p)
	}
}

// The literal status strings from §6, assembled here so the engine's
// phase code stays free of string formatting.
func statusCheckingCommunication() string { return "Checking Communication" }
func statusConnected() string             { return "Connected" }
func statusSelectingMemory() string       { return "Selecting Memory" }
func statusMinBlockSize(n int) string     { return fmt.Sprintf("Min Block Size: %d", n) }
func statusAppStart(addr uint32) string   { return fmt.Sprintf("App Start: %#x", addr) }
func statusAppEnd(addr uint32) string     { return fmt.Sprintf("App End: %#x", addr) }
func statusLoadingFile() string           { return "Loading File" }
func statusErasing() string               { return "Erasing" }
func statusEraseComplete(sec float64) string {
	return fmt.Sprintf("Erase Complete (%.1f sec)", sec)
}
func statusSending() string { return "Sending..." }
func statusProgrammingComplete(sec float64) string {
	return fmt.Sprintf("Programming Complete (%.1f sec)", sec)
}
func statusValidating() string { return "Validating.." }
func statusChecksum(crc uint16, sec float64) string {
	return fmt.Sprintf("Checksum: %#04x (%.1f sec)", crc, sec)
}
func statusAborted() string { return "Aborted" }
