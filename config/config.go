/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

// Package config loads and validates the node configuration and notifies
// subscribers when a section changes at runtime.
package config

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// MaxHelloExpires bounds the advertised lifetime of our HELLOs.
	MaxHelloExpires = 10 * 24 * time.Hour

	defaultBPSTotal      = 50000
	defaultHelloExpires  = 24 * 60 // minutes
	defaultDispatchers   = 2
	defaultInboundQueue  = 64
)

var errInvalid = errors.New("config: invalid configuration")

// Load holds the bandwidth budget section. Changing it at runtime resizes
// the connection table.
type Load struct {
	MaxNetDownBPSTotal uint64 `toml:"max_net_down_bps_total"`
	MaxNetUpBPSTotal   uint64 `toml:"max_net_up_bps_total"`
}

// Daemon holds general node options.
type Daemon struct {
	HelloExpiresMinutes uint64 `toml:"hello_expires"`
	Dispatchers         int    `toml:"dispatchers"`
	InboundQueue        int    `toml:"inbound_queue"`
	LogLevel            string `toml:"log_level"`
}

// Experimental holds options that may change between releases.
type Experimental struct {
	Padding bool `toml:"padding"`
}

// Network holds the local control-socket policy.
type Network struct {
	Trusted []string `toml:"trusted"`
}

// Config is the parsed node configuration.
type Config struct {
	Load         Load         `toml:"load"`
	Daemon       Daemon       `toml:"gnunetd"`
	Experimental Experimental `toml:"gnunetd_experimental"`
	Network      Network      `toml:"network"`

	mu        sync.Mutex
	listeners map[string][]func(*Config)
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	c := &Config{
		Load: Load{
			MaxNetDownBPSTotal: defaultBPSTotal,
			MaxNetUpBPSTotal:   defaultBPSTotal,
		},
		Daemon: Daemon{
			HelloExpiresMinutes: defaultHelloExpires,
			Dispatchers:         defaultDispatchers,
			InboundQueue:        defaultInboundQueue,
			LogLevel:            "NOTICE",
		},
		Experimental: Experimental{Padding: true},
	}
	return c
}

// LoadFile parses the TOML file at path on top of the defaults.
func LoadFile(path string) (*Config, error) {
	c := Default()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.Load.MaxNetDownBPSTotal == 0 || c.Load.MaxNetUpBPSTotal == 0 {
		return fmt.Errorf("%w: load budgets must be positive", errInvalid)
	}
	if c.Daemon.Dispatchers <= 0 || c.Daemon.InboundQueue < c.Daemon.Dispatchers {
		return fmt.Errorf("%w: inbound queue must hold at least one packet per dispatcher", errInvalid)
	}
	if time.Duration(c.Daemon.HelloExpiresMinutes)*time.Minute > MaxHelloExpires {
		return fmt.Errorf("%w: hello_expires above %v", errInvalid, MaxHelloExpires)
	}
	for _, t := range c.Network.Trusted {
		if _, _, err := net.ParseCIDR(t); err != nil {
			if net.ParseIP(t) == nil {
				return fmt.Errorf("%w: bad trusted entry %q", errInvalid, t)
			}
		}
	}
	return nil
}

// HelloExpires returns the configured HELLO lifetime, clamped to
// MaxHelloExpires.
func (c *Config) HelloExpires() time.Duration {
	d := time.Duration(c.Daemon.HelloExpiresMinutes) * time.Minute
	if d <= 0 || d > MaxHelloExpires {
		d = MaxHelloExpires
	}
	return d
}

// MaxDownBPM returns the total downstream budget in bytes per minute.
func (c *Config) MaxDownBPM() uint64 { return c.Load.MaxNetDownBPSTotal * 60 }

// MaxUpBPM returns the total upstream budget in bytes per minute.
func (c *Config) MaxUpBPM() uint64 { return c.Load.MaxNetUpBPSTotal * 60 }

// Subscribe registers fn to run whenever the named section is updated via
// Update. The callback runs with the new values already applied.
func (c *Config) Subscribe(section string, fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listeners == nil {
		c.listeners = make(map[string][]func(*Config))
	}
	c.listeners[section] = append(c.listeners[section], fn)
}

// Update applies mutate to the configuration and notifies the listeners of
// the named section.
func (c *Config) Update(section string, mutate func(*Config)) error {
	c.mu.Lock()
	mutate(c)
	err := c.validate()
	fns := append([]func(*Config){}, c.listeners[section]...)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	for _, fn := range fns {
		fn(c)
	}
	return nil
}
