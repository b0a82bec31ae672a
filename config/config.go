// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config describes rig configuration for symphony processes.
package config // import "github.com/symphony-das/symphony/config"

import (
	"io"
	"io/ioutil"
	"os"

	"golang.org/x/xerrors"
	yaml "gopkg.in/yaml.v2"

	"github.com/symphony-das/symphony/log"
)

// Controller configures one acquisition controller.
type Controller struct {
	Name         string  `yaml:"name"`
	SampleRateHz float64 `yaml:"sample_rate_hz"`
	Monitor      string  `yaml:"monitor,omitempty"` // PUB endpoint, empty disables the tap

	Hardware Hardware `yaml:"hardware"`
	Streams  []Stream `yaml:"streams,omitempty"`

	Level log.Level `yaml:"-"`
}

// Hardware selects and configures the device adapter.
type Hardware struct {
	Kind string `yaml:"kind"` // "heka", "ni" or "sim"
	Name string `yaml:"name,omitempty"`
}

// Stream carries per-stream settings keyed by the hardware channel
// name, e.g. "ai.0".
type Stream struct {
	Channel    string  `yaml:"channel"`
	Unit       string  `yaml:"unit,omitempty"`       // conversion target
	Background float64 `yaml:"background,omitempty"` // applied idle value, outputs only
}

// Load reads a Controller config from r.
func Load(r io.Reader) (Controller, error) {
	var cfg Controller
	raw, err := ioutil.ReadAll(r)
	if err != nil {
		return cfg, xerrors.Errorf("config: could not read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return cfg, xerrors.Errorf("config: could not parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile reads a Controller config from the named file.
func LoadFile(name string) (Controller, error) {
	f, err := os.Open(name)
	if err != nil {
		return Controller{}, xerrors.Errorf("config: could not open %q: %w", name, err)
	}
	defer f.Close()
	return Load(f)
}

func (cfg Controller) validate() error {
	if cfg.Name == "" {
		return xerrors.Errorf("config: missing controller name")
	}
	if cfg.SampleRateHz <= 0 {
		return xerrors.Errorf("config: invalid sample rate %v", cfg.SampleRateHz)
	}
	switch cfg.Hardware.Kind {
	case "heka", "ni", "sim":
		// ok
	default:
		return xerrors.Errorf("config: unknown hardware kind %q", cfg.Hardware.Kind)
	}
	seen := make(map[string]struct{}, len(cfg.Streams))
	for _, s := range cfg.Streams {
		if s.Channel == "" {
			return xerrors.Errorf("config: stream with empty channel")
		}
		if _, dup := seen[s.Channel]; dup {
			return xerrors.Errorf("config: duplicate stream channel %q", s.Channel)
		}
		seen[s.Channel] = struct{}{}
	}
	return nil
}
