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
	"os"
	"path/filepath"
	"testing"

	"remux/pkg/log"

	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c, err := NewConfig(nil)
		require.NoError(t, err)
		require.Equal(t, &Config{
			LogLevel:        "info",
			ClusterDuration: DefaultClusterDuration,
			Jobs:            DefaultJobs,
			AACIsSBR:        map[int]bool{},
			Level:           log.LevelInfo,
		}, c)
	})
	t.Run("full", func(t *testing.T) {
		raw := []byte(`
logDB: /var/lib/remux/logs.db
logLevel: debug
clusterDuration: 2000
jobs: 4
aacIsSBR:
  -1: true
  3: false
aspectRatio: 1.5
displayWidth: 640
displayHeight: 480
`)
		c, err := NewConfig(raw)
		require.NoError(t, err)
		require.Equal(t, &Config{
			LogDB:           "/var/lib/remux/logs.db",
			LogLevel:        "debug",
			ClusterDuration: 2000,
			Jobs:            4,
			AACIsSBR:        map[int]bool{-1: true, 3: false},
			AspectRatio:     1.5,
			DisplayWidth:    640,
			DisplayHeight:   480,
			Level:           log.LevelDebug,
		}, c)
	})

	errorCases := map[string]struct {
		raw string
		err error
	}{
		"relativeLogDB":   {"logDB: logs.db", ErrPathNotAbsolute},
		"negativeJobs":    {"jobs: -1", ErrNegativeValue},
		"negativeCluster": {"clusterDuration: -5", ErrNegativeValue},
		"negativeAspect":  {"aspectRatio: -1.0", ErrNegativeValue},
		"logLevel":        {"logLevel: loud", log.ErrInvalidLevel},
	}
	for name, tc := range errorCases {
		t.Run(name, func(t *testing.T) {
			_, err := NewConfig([]byte(tc.raw))
			require.ErrorIs(t, err, tc.err)
		})
	}

	t.Run("yamlErr", func(t *testing.T) {
		_, err := NewConfig([]byte("jobs: [1"))
		require.Error(t, err)
	})
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remux.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jobs: 8\n"), 0o600))

	c, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 8, c.Jobs)

	c, err = LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, DefaultJobs, c.Jobs)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestFormatSize(t *testing.T) {
	cases := []struct {
		size     int64
		expected string
	}{
		{512, "512B"},
		{20 * 1000, "20KB"},
		{2 * 1000 * 1000, "2.00MB"},
		{20 * 1000 * 1000, "20.0MB"},
		{200 * 1000 * 1000, "200MB"},
		{3 * 1000 * 1000 * 1000, "3.00GB"},
	}
	for _, tc := range cases {
		t.Run(tc.expected, func(t *testing.T) {
			require.Equal(t, tc.expected, FormatSize(tc.size))
		})
	}
}
