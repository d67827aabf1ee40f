// Package config loads operator defaults and target/space selection
// from an optional mbloader.yaml, adapted from the teacher's
// src/deviceid.go, which searches a short list of well-known locations
// for tocalls.yaml and decodes it with gopkg.in/yaml.v3. We keep the
// same "try each location in order, first hit wins, missing file is
// not an error" search shape.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SearchLocations mirrors deviceid.go's search_locations list, swapped
// from APRS data-file names to this module's config file name.
var SearchLocations = []string{
	"mbloader.yaml",
	"./mbloader.yaml",
	"/etc/mbloader/mbloader.yaml",
}

// File is the decoded shape of mbloader.yaml.
type File struct {
	Device  string `yaml:"device"`
	Baud    int    `yaml:"baud"`
	Target  string `yaml:"target"`
	Space   string `yaml:"space"`
	HexFile string `yaml:"hex_file"`

	Transcript struct {
		Dir     string `yaml:"dir"`
		Pattern string `yaml:"pattern"`
	} `yaml:"transcript"`

	GPIOReset struct {
		Chip      string `yaml:"chip"`
		Line      int    `yaml:"line"`
		ActiveLow bool   `yaml:"active_low"`
	} `yaml:"gpio_reset"`
}

// Load searches SearchLocations (or, if explicitPath is non-empty,
// only that path) and decodes the first file found. A missing file at
// every search location is not an error — it returns a zero File, so
// callers fall through to flag-supplied defaults.
func Load(explicitPath string) (File, error) {
	var f File

	paths := SearchLocations
	if explicitPath != "" {
		paths = []string{explicitPath}
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return f, fmt.Errorf("config: read %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, &f); err != nil {
			return f, fmt.Errorf("config: parse %s: %w", path, err)
		}
		return f, nil
	}

	if explicitPath != "" {
		return f, fmt.Errorf("config: %s not found", explicitPath)
	}
	return f, nil
}
