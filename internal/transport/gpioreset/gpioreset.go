// Package gpioreset pulses a GPIO line to reset a target board before
// a bootload session's CONNECTING phase begins. This is a caller
// concern, not a protocol phase — spec.md §6 abstracts the transport
// behind "issue one command, receive response bytes" and says nothing
// about board reset, so the engine never calls this package; only
// cmd/mbloader does, as an optional pre-connect step.
package gpioreset

import (
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// Config names the GPIO chip and line driving a target's reset pin,
// plus how long to hold it asserted and how long to wait after
// releasing it before CONNECTING starts (letting the bootloader's own
// startup delay elapse).
type Config struct {
	Chip         string // e.g. "gpiochip0"
	Line         int
	ActiveLow    bool
	AssertFor    time.Duration
	SettleAfter  time.Duration
}

// Pulse asserts reset, holds it for AssertFor, releases it, then
// waits SettleAfter before returning.
func Pulse(cfg Config) error {
	released := 1
	asserted := 0
	if cfg.ActiveLow {
		released, asserted = asserted, released
	}

	line, err := gpiocdev.RequestLine(cfg.Chip, cfg.Line,
		gpiocdev.AsOutput(released))
	if err != nil {
		return fmt.Errorf("gpioreset: request line %s:%d: %w", cfg.Chip, cfg.Line, err)
	}
	defer line.Close()

	if err := line.SetValue(asserted); err != nil {
		return fmt.Errorf("gpioreset: assert: %w", err)
	}
	time.Sleep(cfg.AssertFor)

	if err := line.SetValue(released); err != nil {
		return fmt.Errorf("gpioreset: release: %w", err)
	}
	time.Sleep(cfg.SettleAfter)

	return nil
}
