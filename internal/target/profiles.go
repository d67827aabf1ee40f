package target

import (
	"fmt"
	"sort"
)

// registry maps a profile name (as typed on a CLI flag or written into
// mbloader.yaml) to its value-level constructor.
var registry = map[string]func() TargetConfig{
	"pic18-controller": PIC18Controller,
	"cs1451":           CS1451,
	"cs1814-bt":        CS1814BT,
	"cs1435-hmi":       CS1435HMI,
	"pic24-app":        PIC24App,
	"pic18-eeprom":     PIC18EEPROM,
	"w25-spi-flash":    W25SPIFlash,
	"pic16-tinybl":     PIC16TinyBL,
}

// Lookup builds the named built-in profile. Unknown names are a
// caller configuration error, not a protocol-level one.
func Lookup(name string) (TargetConfig, error) {
	ctor, ok := registry[name]
	if !ok {
		return TargetConfig{}, fmt.Errorf("target: unknown profile %q", name)
	}
	return ctor(), nil
}

// Names returns every built-in profile name, sorted, for a CLI
// "--list-targets" command.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SpaceIndexByName finds the index of the space named name within c,
// for CLI flags that name a space instead of indexing it numerically.
func (c *TargetConfig) SpaceIndexByName(name string) (int, error) {
	for i, sp := range c.Spaces {
		if sp.Name == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("target %q has no space named %q", c.Name, name)
}

// The following are value-level constructors for known device
// families, per §4.3's "pre-built target profiles... are value
// constructors, conveniences, not core behavior." Numbers are the
// spec's defaults; callers needing different timeouts construct their
// own TargetConfig instead of mutating these.

func defaultTimeouts() PhaseTimeouts {
	return PhaseTimeouts{
		EnquireMS:      1000,
		SelectMS:       2000,
		EraseMS:        5000,
		DataMS:         2000,
		VerifyMS:       3000,
		FinishMS:       2000,
		EnquireRetries: 3,
		DataRetries:    3,
	}
}

// PIC18Controller is the general PIC18 application-flash bootloader
// target: a single Simple space with fill-CRC semantics.
func PIC18Controller() TargetConfig {
	return TargetConfig{
		Name:        "pic18-controller",
		ProductCode: ProductCodeAny,
		Defaults:    defaultTimeouts(),
		Spaces: []SpaceConfig{
			{
				Name:       "application",
				HexBlock:   64,
				SendBlock:  64,
				Addressing: 1,
				SendFilter: SendFilterSimple,
				Checksum:   ChecksumFill,
			},
		},
	}
}

// CS1451 is the Control Solutions CS1451 controller profile.
func CS1451() TargetConfig {
	c := PIC18Controller()
	c.Name = "cs1451"
	return c
}

// CS1814BT is the Control Solutions CS1814 Bluetooth adapter profile
// (same memory model as CS1451, transported over a paired serial-over-BT
// link by the caller).
func CS1814BT() TargetConfig {
	c := PIC18Controller()
	c.Name = "cs1814-bt"
	return c
}

// CS1435HMI is the Control Solutions CS1435 HMI profile: the
// application space's locally computed whole-space CRC is hardcoded
// to zero (ChecksumZero) because hexmate is expected to have balanced
// the image offline so the device's own CRC comes out zero (flagged
// as an open question in spec.md §9).
func CS1435HMI() TargetConfig {
	return TargetConfig{
		Name:        "cs1435-hmi",
		ProductCode: ProductCodeAny,
		Defaults:    defaultTimeouts(),
		Spaces: []SpaceConfig{
			{
				Name:       "application",
				HexBlock:   256,
				SendBlock:  256,
				Addressing: 1,
				SendFilter: SendFilterSimple,
				Checksum:   ChecksumZero,
			},
		},
	}
}

// PIC24App is the PIC24 application-flash profile: two logical
// addresses per three physical bytes, and the HMI send filter that
// strips the fourth "phantom" byte of every 4-byte stride.
func PIC24App() TargetConfig {
	return TargetConfig{
		Name:        "pic24-app",
		ProductCode: ProductCodeAny,
		Defaults:    defaultTimeouts(),
		Spaces: []SpaceConfig{
			{
				Name:           "application",
				HexBlock:       256,
				SendBlock:      192,
				Addressing:     2,
				SendFilter:     SendFilterHMI,
				Checksum:       ChecksumFill,
				BlockIsEmpty:   EmptyPIC24,
				SkipEmptyBlock: true,
			},
		},
	}
}

// PIC18EEPROM is the PIC18 EEPROM profile: EEPROM ranges are based in
// the HEX file at 0xF00000 and relocated down to a zero-based device
// address via a negative data offset.
func PIC18EEPROM() TargetConfig {
	return TargetConfig{
		Name:        "pic18-eeprom",
		ProductCode: ProductCodeAny,
		Defaults:    defaultTimeouts(),
		Spaces: []SpaceConfig{
			{
				Name:       "eeprom",
				HexBlock:   16,
				SendBlock:  16,
				Addressing: 1,
				DataOffset: -0xF00000,
				SendFilter: SendFilterSimple,
				Checksum:   ChecksumFill,
			},
		},
	}
}

// W25SPIFlash is the external W25-series SPI flash profile.
func W25SPIFlash() TargetConfig {
	return TargetConfig{
		Name:        "w25-spi-flash",
		ProductCode: ProductCodeAny,
		Defaults:    defaultTimeouts(),
		Spaces: []SpaceConfig{
			{
				Name:           "spi-flash",
				HexBlock:       256,
				SendBlock:      256,
				Addressing:     1,
				SendFilter:     SendFilterSimple,
				Checksum:       ChecksumFill,
				SkipEmptyBlock: true,
			},
		},
	}
}

// PIC16TinyBL is the PIC16 "tiny" bootloader profile: its flash
// reports unused cells as FF naturally, so the whole-space checksum
// must not count absent blocks at all (no-fill semantics) or it would
// disagree with the device.
func PIC16TinyBL() TargetConfig {
	return TargetConfig{
		Name:        "pic16-tinybl",
		ProductCode: ProductCodeAny,
		Defaults:    defaultTimeouts(),
		Spaces: []SpaceConfig{
			{
				Name:       "application",
				HexBlock:   32,
				SendBlock:  32,
				Addressing: 1,
				SendFilter: SendFilterSimple,
				Checksum:   ChecksumNoFill,
			},
		},
	}
}
