// Package target holds per-target and per-space bootload parameters:
// block sizing, address transforms, the pluggable send-filter /
// checksum / empty-block functions, and load filters, plus a set of
// pre-built device profiles.
//
// Per the design notes in §9, the pluggable behaviors are expressed as
// small tagged kinds (SendFilterKind, ChecksumKind, EmptyKind,
// LoadFilterKind) dispatched by a switch rather than first-class
// function values stored on the struct — the built-in profiles are
// then just value-level constructors.
package target

import (
	"fmt"

	"github.com/csllc/mb-loader/internal/crc16"
	"github.com/csllc/mb-loader/internal/hexfile"
)

// SendFilterKind selects how a block is packed into an on-wire DATA
// payload.
type SendFilterKind int

const (
	// SendFilterSimple emits a 4-byte big-endian address followed by
	// the block verbatim.
	SendFilterSimple SendFilterKind = iota
	// SendFilterHMI strips the fourth byte of every 4-byte stride
	// (the PIC24 "phantom" alignment byte Microchip HEX files carry).
	SendFilterHMI
)

// ChecksumKind selects how the whole-space CRC is computed.
type ChecksumKind int

const (
	// ChecksumFill feeds 0xFF for every byte of an absent block.
	ChecksumFill ChecksumKind = iota
	// ChecksumNoFill feeds only bytes of present, non-empty blocks.
	ChecksumNoFill
	// ChecksumZero always returns 0 (hexmate-balanced HMI images).
	ChecksumZero
)

// EmptyKind selects how a block is tested for "nothing to program
// here."
type EmptyKind int

const (
	// EmptySimple requires every byte to be 0xFF.
	EmptySimple EmptyKind = iota
	// EmptyPIC24 requires the first three bytes of every 4-byte
	// stride to be 0xFF; the fourth (phantom) byte is ignored.
	EmptyPIC24
)

// LoadFilterKind selects the post-parse, pre-CRC block store mutation.
type LoadFilterKind int

const (
	// LoadFilterNone is the identity transform.
	LoadFilterNone LoadFilterKind = iota
	// LoadFilterExclusion drops excluded block ranges.
	LoadFilterExclusion
)

// ExcludeRange is one entry of SpaceConfig.ExcludeBlocks: a named
// byte-address range, inclusive, that is either excluded from
// programming or explicitly retained. ApplyLoadFilter drops every
// block from the one holding Start through the one holding End.
type ExcludeRange struct {
	Name    string
	Start   uint32
	End     uint32
	Exclude bool
}

// SpaceConfig holds the parameters for one addressable memory region
// on the target (application flash, EEPROM, external SPI flash, ...).
type SpaceConfig struct {
	Name string

	HexBlock  int // block size used when parsing the HEX file
	SendBlock int // payload size actually framed per DATA command

	Addressing int   // 1 or 2 bytes per address unit
	DataOffset int64 // added to the natural block address before transmission

	SendFilter     SendFilterKind
	Checksum       ChecksumKind
	BlockIsEmpty   EmptyKind
	LoadFilter     LoadFilterKind
	ExcludeBlocks  []ExcludeRange
	SkipEmptyBlock bool // if true, empty blocks are not transmitted

	// SelectDelayMS, if nonzero, overrides the target's implicit
	// "no delay" and pauses this long between CONNECT and SELECT.
	SelectDelayMS int

	// Per-space timeout overrides; zero means "use the target
	// default for this phase."
	Timeouts PhaseTimeouts
}

// PhaseTimeouts holds the per-phase timeout/retry knobs from §3's
// TargetConfig, reused verbatim as a per-space override set.
type PhaseTimeouts struct {
	EnquireMS     int
	SelectMS      int
	EraseMS       int
	DataMS        int
	VerifyMS      int
	FinishMS      int
	EnquireRetries int
	DataRetries    int
}

// merge returns t with every zero field replaced by the corresponding
// field of def.
func (t PhaseTimeouts) merge(def PhaseTimeouts) PhaseTimeouts {
	if t.EnquireMS == 0 {
		t.EnquireMS = def.EnquireMS
	}
	if t.SelectMS == 0 {
		t.SelectMS = def.SelectMS
	}
	if t.EraseMS == 0 {
		t.EraseMS = def.EraseMS
	}
	if t.DataMS == 0 {
		t.DataMS = def.DataMS
	}
	if t.VerifyMS == 0 {
		t.VerifyMS = def.VerifyMS
	}
	if t.FinishMS == 0 {
		t.FinishMS = def.FinishMS
	}
	if t.EnquireRetries == 0 {
		t.EnquireRetries = def.EnquireRetries
	}
	if t.DataRetries == 0 {
		t.DataRetries = def.DataRetries
	}
	return t
}

// ProductCodeAny is the ProductCode value that names no particular
// product. The engine records the code ENQUIRE reports but does not
// compare it with TargetConfig.ProductCode.
const ProductCodeAny = -1

// TargetConfig is immutable for the duration of one bootload session.
type TargetConfig struct {
	Name string

	ProductCode int // ProductCodeAny to accept any code
	ProductType uint8

	SupportsPassthru bool

	Defaults PhaseTimeouts

	// EnquireShortResponseRetries is a seam for older devices that
	// burp a partial ENQUIRE frame. The engine does not read it: a
	// short ENQUIRE response is always immediately fatal, whatever
	// this field holds. Defaults to 0.
	EnquireShortResponseRetries int

	Spaces []SpaceConfig
}

// Space looks up a space by index, applying the target's default
// timeouts to any zero fields.
func (c *TargetConfig) Space(index int) (SpaceConfig, error) {
	if index < 0 || index >= len(c.Spaces) {
		return SpaceConfig{}, fmt.Errorf("target %q has no space at index %d", c.Name, index)
	}
	sp := c.Spaces[index]
	sp.Timeouts = sp.Timeouts.merge(c.Defaults)
	return sp, nil
}

// ApplySendFilter packs block (read from BlockSize()-sized storage at the
// given index) into the on-wire DATA payload for this space.
//
// Simple: address = index*len(block)/addressing + offset, 4-byte BE,
// followed by block verbatim.
//
// HMI: same address, then every 4-byte stride of block contributes
// only its first 3 bytes (the fourth "phantom" PIC24 alignment byte
// is stripped). Output length = 4 + 3*len(block)/4.
func (c *SpaceConfig) ApplySendFilter(index uint32, block hexfile.Block) []byte {
	address := uint32(index)*uint32(len(block))/uint32(c.Addressing) + uint32(int64(c.DataOffset))
	header := []byte{byte(address >> 24), byte(address >> 16), byte(address >> 8), byte(address)}

	switch c.SendFilter {
	case SendFilterHMI:
		out := make([]byte, 0, 4+3*len(block)/4)
		out = append(out, header...)
		for i := 0; i+4 <= len(block); i += 4 {
			out = append(out, block[i], block[i+1], block[i+2])
		}
		return out
	default:
		out := make([]byte, 0, 4+len(block))
		out = append(out, header...)
		out = append(out, block...)
		return out
	}
}

// ApplyChecksum computes the per-space whole-range CRC over
// [start, end) of store, in HexBlock-sized steps.
func (c *SpaceConfig) ApplyChecksum(start, end uint32, store *hexfile.BlockStore) uint16 {
	switch c.Checksum {
	case ChecksumZero:
		return 0

	case ChecksumNoFill:
		crc := uint16(crc16.Seed)
		step := uint32(c.HexBlock)
		for addr := start; addr < end; addr += step {
			idx := addr / step
			block, ok := store.Get(idx)
			if !ok || c.isEmptyBlock(block) {
				continue
			}
			crc = crc16.UpdateBytes(crc, block)
		}
		return crc

	default: // ChecksumFill
		crc := uint16(crc16.Seed)
		step := uint32(c.HexBlock)
		fill := hexfile.NewBlock(c.HexBlock)
		for addr := start; addr < end; addr += step {
			idx := addr / step
			block, ok := store.Get(idx)
			if !ok {
				crc = crc16.UpdateBytes(crc, fill)
				continue
			}
			crc = crc16.UpdateBytes(crc, block)
		}
		return crc
	}
}

// IsEmpty reports whether block contributes nothing to the device
// per this space's empty-block rule.
func (c *SpaceConfig) IsEmpty(block hexfile.Block) bool {
	return c.isEmptyBlock(block)
}

func (c *SpaceConfig) isEmptyBlock(block hexfile.Block) bool {
	switch c.BlockIsEmpty {
	case EmptyPIC24:
		for i := 0; i+4 <= len(block); i += 4 {
			if block[i] != hexfile.FillByte || block[i+1] != hexfile.FillByte || block[i+2] != hexfile.FillByte {
				return false
			}
		}
		return true
	default: // EmptySimple
		for _, b := range block {
			if b != hexfile.FillByte {
				return false
			}
		}
		return true
	}
}

// ApplyLoadFilter mutates store in place, run once after parse and
// before CRC computation.
func (c *SpaceConfig) ApplyLoadFilter(store *hexfile.BlockStore) {
	if c.LoadFilter != LoadFilterExclusion {
		return
	}
	step := uint32(c.HexBlock)
	for _, ex := range c.ExcludeBlocks {
		if !ex.Exclude {
			continue
		}
		startIdx := ex.Start / step
		endIdx := ex.End / step
		for idx := startIdx; idx <= endIdx; idx++ {
			store.Delete(idx)
		}
	}
}
