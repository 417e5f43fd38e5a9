/************************************************************************************
 *
 * zerda, A Lightweight Go library for Discord API
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package zerda

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

/***********************
 *       Config        *
 ***********************/

// Config holds the library-wide knobs: payload logging at the REST and
// WebSocket boundaries, and the shape of the voice packet queue.
type Config struct {
	LogReceivedRest bool `yaml:"log-received-rest"`
	LogSentRest     bool `yaml:"log-sent-rest"`
	LogReceivedWs   bool `yaml:"log-received-ws"`
	LogSentWs       bool `yaml:"log-sent-ws"`

	Voice VoiceConfig `yaml:"voice"`
}

// VoiceConfig shapes the UDP helper's packet queue.
type VoiceConfig struct {
	// MaxPacketsBeforeDrop is the outbound queue capacity; packets queued
	// beyond it are dropped.
	MaxPacketsBeforeDrop int `yaml:"max-packets-before-drop"`
	// MaxBurstAmount is how many packets may leave back to back.
	MaxBurstAmount int `yaml:"max-burst-amount"`
	// SendRequestAmount is the sustained packet send rate per second.
	SendRequestAmount int `yaml:"send-request-amount"`
}

// DefaultConfig returns the configuration used when none is loaded.
func DefaultConfig() Config {
	return Config{
		Voice: VoiceConfig{
			MaxPacketsBeforeDrop: 1000,
			MaxBurstAmount:       10,
			SendRequestAmount:    50,
		},
	}
}

// LoadConfig reads a YAML config file, filling unset fields from
// DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Voice.MaxPacketsBeforeDrop <= 0 {
		return fmt.Errorf("max-packets-before-drop must be positive, got %d", c.Voice.MaxPacketsBeforeDrop)
	}
	if c.Voice.MaxBurstAmount <= 0 {
		return fmt.Errorf("max-burst-amount must be positive, got %d", c.Voice.MaxBurstAmount)
	}
	if c.Voice.SendRequestAmount <= 0 {
		return fmt.Errorf("send-request-amount must be positive, got %d", c.Voice.SendRequestAmount)
	}
	return nil
}
