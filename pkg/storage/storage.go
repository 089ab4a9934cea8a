// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"remux/pkg/log"

	"gopkg.in/yaml.v3"
)

// Config stores application configuration.
type Config struct {
	// Optional bbolt log store.
	LogDB    string `yaml:"logDB"`
	LogLevel string `yaml:"logLevel"`

	// Target Matroska cluster length in milliseconds.
	ClusterDuration int `yaml:"clusterDuration"`

	// Number of files muxed in parallel in batch mode.
	Jobs int `yaml:"jobs"`

	// Forces or clears SBR signalling per track id, -1 applies to all tracks.
	AACIsSBR map[int]bool `yaml:"aacIsSBR"`

	// Display overrides for video tracks, aspect ratio wins over size.
	AspectRatio   float64 `yaml:"aspectRatio"`
	DisplayWidth  int     `yaml:"displayWidth"`
	DisplayHeight int     `yaml:"displayHeight"`

	Level log.Level `yaml:"-"`
}

// Errors.
var (
	ErrPathNotAbsolute = errors.New("path is not absolute")
	ErrNegativeValue   = errors.New("value cannot be negative")
)

// Defaults.
const (
	DefaultClusterDuration = 5000
	DefaultJobs            = 2
)

// NewConfig parses and validates configuration, unset fields get defaults.
func NewConfig(configYAML []byte) (*Config, error) {
	var c Config

	if err := yaml.Unmarshal(configYAML, &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ClusterDuration == 0 {
		c.ClusterDuration = DefaultClusterDuration
	}
	if c.Jobs == 0 {
		c.Jobs = DefaultJobs
	}
	if c.AACIsSBR == nil {
		c.AACIsSBR = map[int]bool{}
	}

	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logLevel: %w", err)
	}
	c.Level = level

	if c.LogDB != "" && !filepath.IsAbs(c.LogDB) {
		return nil, fmt.Errorf("logDB '%v': %w", c.LogDB, ErrPathNotAbsolute)
	}
	if c.ClusterDuration < 0 {
		return nil, fmt.Errorf("clusterDuration %d: %w", c.ClusterDuration, ErrNegativeValue)
	}
	if c.Jobs < 0 {
		return nil, fmt.Errorf("jobs %d: %w", c.Jobs, ErrNegativeValue)
	}
	if c.AspectRatio < 0 || c.DisplayWidth < 0 || c.DisplayHeight < 0 {
		return nil, fmt.Errorf("display override: %w", ErrNegativeValue)
	}

	return &c, nil
}

// LoadConfig reads config from path, an empty path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return NewConfig(nil)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return NewConfig(raw)
}

const (
	kilobyte float64 = 1000
	megabyte         = kilobyte * 1000
	gigabyte         = megabyte * 1000
)

// FormatSize formats a byte count for humans.
func FormatSize(size int64) string {
	used := float64(size)
	switch {
	case used < kilobyte:
		return fmt.Sprintf("%dB", size)
	case used < megabyte:
		return fmt.Sprintf("%.0fKB", used/kilobyte)
	case used < 10*megabyte:
		return fmt.Sprintf("%.2fMB", used/megabyte)
	case used < 100*megabyte:
		return fmt.Sprintf("%.1fMB", used/megabyte)
	case used < 1000*megabyte:
		return fmt.Sprintf("%.0fMB", used/megabyte)
	default:
		return fmt.Sprintf("%.2fGB", used/gigabyte)
	}
}
