// Copyright 2024 The Armored LCM authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the device configuration file format.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/transparency-dev/armored-lcm/internal/storage/slots"
	"gopkg.in/yaml.v3"
)

// Config is the device configuration.
type Config struct {
	Flash      Flash      `yaml:"flash"`
	Repository Repository `yaml:"repository"`
	Holdoff    Holdoff    `yaml:"holdoff"`
	Device     Device     `yaml:"device"`
}

// Flash describes the (emulated) flash device and its partitions.
type Flash struct {
	// Image is the path of the file backing the flash.
	Image     string `yaml:"image"`
	BlockSize uint   `yaml:"block_size"`
	NumBlocks uint   `yaml:"num_blocks"`
	// Keys holds the active and backup trusted key slots.
	Keys slots.Geometry `yaml:"keys"`
	// Params holds the pair of parameter slots.
	Params slots.Geometry `yaml:"params"`
	// Images holds the boot slots: slot 0 for the application, slot 1 for
	// the lifecycle manager itself.
	Images slots.Geometry `yaml:"images"`
}

// Repository holds the coordinates of the firmware repositories.
type Repository struct {
	URL string `yaml:"url"`
	// OTARepo publishes the certificate, key chain and bootloader.
	OTARepo string `yaml:"ota_repo"`
	// MainRepo publishes the lifecycle manager main binary. Defaults to OTARepo.
	MainRepo string `yaml:"main_repo"`
	// UserRepo and UserFile seed the user application coordinates on a
	// device whose parameters do not yet name them.
	UserRepo string `yaml:"user_repo"`
	UserFile string `yaml:"user_file"`

	CertFile      string        `yaml:"cert_file"`
	BootFile      string        `yaml:"boot_file"`
	MainFile      string        `yaml:"main_file"`
	KeyFileFormat string        `yaml:"key_file_format"`
	MaxChainDepth int           `yaml:"max_chain_depth"`
	Timeout       time.Duration `yaml:"timeout"`
	LogProgress   bool          `yaml:"log_progress"`
}

// Holdoff tunes the wait between failed update cycles.
type Holdoff struct {
	Initial time.Duration `yaml:"initial"`
	Factor  float64       `yaml:"factor"`
	Max     time.Duration `yaml:"max"`
}

// Device holds per-device secrets.
type Device struct {
	Serial string `yaml:"serial"`
	// SecretFile holds the secret from which the parameter MAC key is derived.
	SecretFile string `yaml:"secret_file"`
	// SignerKeyFile, if set, holds a note signer key making this device a
	// signing authority.
	SignerKeyFile string `yaml:"signer_key_file"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Flash: Flash{
			Image:     "flash.img",
			BlockSize: 512,
			NumBlocks: 16384,
			Keys:      slots.Geometry{Start: 0, Length: 16, SlotLengths: []uint{8, 8}},
			Params:    slots.Geometry{Start: 16, Length: 16, SlotLengths: []uint{8, 8}},
			Images:    slots.Geometry{Start: 32, Length: 16352, SlotLengths: []uint{8176, 8176}},
		},
		Repository: Repository{
			OTARepo:       "lcm/ota",
			CertFile:      "cert",
			BootFile:      "otaboot.bin",
			MainFile:      "otamain.bin",
			KeyFileFormat: "key-%d",
			MaxChainDepth: 8,
			Timeout:       30 * time.Second,
			LogProgress:   true,
		},
		Holdoff: Holdoff{
			Initial: time.Second,
			Factor:  2,
			Max:     time.Hour,
		},
	}
}

// Load reads the configuration at path over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %v", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %v", path, err)
	}
	if cfg.Repository.MainRepo == "" {
		cfg.Repository.MainRepo = cfg.Repository.OTARepo
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	for name, g := range map[string]slots.Geometry{
		"keys":   c.Flash.Keys,
		"params": c.Flash.Params,
		"images": c.Flash.Images,
	} {
		if err := g.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("flash.%s: %v", name, err))
		}
		if n := len(g.SlotLengths); n != 2 {
			errs = append(errs, fmt.Errorf("flash.%s: need 2 slots, have %d", name, n))
		}
		if g.Start+g.Length > c.Flash.NumBlocks {
			errs = append(errs, fmt.Errorf("flash.%s: extends past end of flash", name))
		}
	}
	r := c.Repository
	if r.URL == "" {
		errs = append(errs, errors.New("repository.url must be set"))
	}
	if r.OTARepo == "" {
		errs = append(errs, errors.New("repository.ota_repo must be set"))
	}
	if strings.Count(r.KeyFileFormat, "%d") != 1 {
		errs = append(errs, fmt.Errorf("repository.key_file_format %q must contain a single %%d", r.KeyFileFormat))
	}
	if r.MaxChainDepth < 1 {
		errs = append(errs, errors.New("repository.max_chain_depth must be positive"))
	}
	if c.Holdoff.Factor < 1 {
		errs = append(errs, errors.New("holdoff.factor must be at least 1"))
	}
	if c.Holdoff.Initial <= 0 || c.Holdoff.Max < c.Holdoff.Initial {
		errs = append(errs, errors.New("holdoff.max must be at least holdoff.initial, which must be positive"))
	}
	return errors.Join(errs...)
}
