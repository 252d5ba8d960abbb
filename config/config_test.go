/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quilt.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[load]
max_net_down_bps_total = 100000
max_net_up_bps_total = 80000

[gnunetd]
hello_expires = 60
dispatchers = 4
inbound_queue = 128

[gnunetd_experimental]
padding = false

[network]
trusted = ["127.0.0.1", "10.0.0.0/8"]
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.EqualValues(t, 100000*60, cfg.MaxDownBPM())
	require.EqualValues(t, 80000*60, cfg.MaxUpBPM())
	require.Equal(t, time.Hour, cfg.HelloExpires())
	require.Equal(t, 4, cfg.Daemon.Dispatchers)
	require.False(t, cfg.Experimental.Padding)
}

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, ""))
	require.NoError(t, err)
	require.EqualValues(t, defaultBPSTotal*60, cfg.MaxDownBPM())
	require.True(t, cfg.Experimental.Padding)
	require.Equal(t, defaultDispatchers, cfg.Daemon.Dispatchers)
}

func TestInvalidConfigRefused(t *testing.T) {
	cases := map[string]string{
		"zero budget": `
[load]
max_net_down_bps_total = 0
`,
		"bad trusted entry": `
[network]
trusted = ["not an address"]
`,
		"hello expiry too long": `
[gnunetd]
hello_expires = 20000
`,
		"queue smaller than pool": `
[gnunetd]
dispatchers = 8
inbound_queue = 4
`,
	}
	for name, body := range cases {
		_, err := LoadFile(writeConfig(t, body))
		require.Error(t, err, name)
	}
}

func TestSubscribeAndUpdate(t *testing.T) {
	cfg := Default()
	var seen []uint64
	cfg.Subscribe("load", func(c *Config) {
		seen = append(seen, c.Load.MaxNetDownBPSTotal)
	})

	require.NoError(t, cfg.Update("load", func(c *Config) {
		c.Load.MaxNetDownBPSTotal = 123456
	}))
	require.Equal(t, []uint64{123456}, seen)

	// listeners of other sections do not fire
	require.NoError(t, cfg.Update("gnunetd_experimental", func(c *Config) {
		c.Experimental.Padding = false
	}))
	require.Len(t, seen, 1)

	// invalid updates surface an error
	require.Error(t, cfg.Update("load", func(c *Config) {
		c.Load.MaxNetUpBPSTotal = 0
	}))
}
