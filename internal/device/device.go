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

// Package device assembles the flash partitions described by a
// configuration into the stores used by the lifecycle manager.
package device

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/transparency-dev/armored-lcm/api"
	"github.com/transparency-dev/armored-lcm/internal/config"
	"github.com/transparency-dev/armored-lcm/internal/flash"
	"github.com/transparency-dev/armored-lcm/internal/keystore"
	"github.com/transparency-dev/armored-lcm/internal/sig"
	"github.com/transparency-dev/armored-lcm/internal/storage/slots"
	"github.com/transparency-dev/armored-lcm/internal/sysparam"
	"k8s.io/klog/v2"
)

// Device is an opened lifecycle manager flash.
type Device struct {
	Serial string

	Dev      flash.BlockReaderWriter
	KeySlots [2]*slots.Slot
	Keys     *keystore.Store
	// Params is nil until LoadParams succeeds.
	Params *sysparam.Store
	Images [2]*slots.Slot

	paramSlots [2]*slots.Slot
	partitions []*slots.Partition
	close      func() error
}

// Open opens the flash image named by cfg and its partitions.
func Open(cfg *config.Config) (*Device, error) {
	fd, err := flash.OpenFileDev(cfg.Flash.Image, cfg.Flash.BlockSize, cfg.Flash.NumBlocks)
	if err != nil {
		return nil, err
	}
	d, err := New(fd, cfg)
	if err != nil {
		fd.Close()
		return nil, err
	}
	d.close = fd.Close
	return d, nil
}

// New lays the partitions described by cfg over dev.
func New(dev flash.BlockReaderWriter, cfg *config.Config) (*Device, error) {
	d := &Device{Serial: cfg.Device.Serial, Dev: dev}
	var err error
	if d.KeySlots, err = d.pair("keys", cfg.Flash.Keys); err != nil {
		return nil, err
	}
	if d.paramSlots, err = d.pair("params", cfg.Flash.Params); err != nil {
		return nil, err
	}
	if d.Images, err = d.pair("images", cfg.Flash.Images); err != nil {
		return nil, err
	}
	d.Keys = keystore.New(d.KeySlots[0], d.KeySlots[1])
	return d, nil
}

func (d *Device) pair(name string, g slots.Geometry) ([2]*slots.Slot, error) {
	var r [2]*slots.Slot
	p, err := slots.OpenPartition(d.Dev, g)
	if err != nil {
		return r, fmt.Errorf("%s partition: %v", name, err)
	}
	if p.NumSlots() != len(r) {
		return r, fmt.Errorf("%s partition has %d slots, want %d", name, p.NumSlots(), len(r))
	}
	for i := range r {
		if r[i], err = p.Open(uint(i)); err != nil {
			return r, fmt.Errorf("%s partition: %v", name, err)
		}
	}
	d.partitions = append(d.partitions, p)
	return r, nil
}

// LoadParams authenticates and loads the persistent parameters.
func (d *Device) LoadParams(key []byte) error {
	p, err := sysparam.Open(d.paramSlots[0], d.paramSlots[1], key)
	if err != nil {
		return fmt.Errorf("parameters: %v", err)
	}
	d.Params = p
	return nil
}

// Erase clears every partition, returning the device to its factory state.
func (d *Device) Erase() error {
	for _, p := range d.partitions {
		if err := p.Erase(); err != nil {
			return err
		}
	}
	if d.Params != nil {
		return d.Params.Reload()
	}
	return nil
}

// Close releases the flash image.
func (d *Device) Close() error {
	if d.close == nil {
		return nil
	}
	return d.close()
}

// MACKey returns the parameter MAC key for the device described by cfg.
func MACKey(cfg *config.Config) ([]byte, error) {
	if cfg.Device.SecretFile == "" {
		return nil, errors.New("no device secret file configured")
	}
	s, err := os.ReadFile(cfg.Device.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read device secret: %v", err)
	}
	if len(s) == 0 {
		return nil, fmt.Errorf("device secret %q is empty", cfg.Device.SecretFile)
	}
	return sysparam.DeriveKey(s, cfg.Device.Serial), nil
}

// Status reports the state of the device.
func (d *Device) Status(role, version, revision string) *api.Status {
	s := &api.Status{
		Serial:   d.Serial,
		Role:     role,
		Version:  version,
		Revision: revision,
	}

	if err := d.Keys.Load(); err != nil {
		klog.V(1).Infof("Key store: %v", err)
	} else {
		s.KeySlot = d.Keys.ActiveSlot().Index()
		if h, err := d.Keys.ActiveSlot().Header(); err == nil {
			s.KeyRevision = h.Revision
		}
		if _, err := d.Keys.GetActivePubKey(); err != nil {
			s.Key = fmt.Sprintf("unusable: %v", err)
		} else {
			s.Key = d.Keys.ActiveKey()
		}
	}

	if d.Params != nil {
		p := d.Params.Get()
		s.ParamCounter = d.Params.Counter()
		s.AppliedVersion = d.Params.AppliedVersion()
		s.UserRepo, s.UserFile = p.UserRepo, p.UserFile
		s.BootSlot = p.BootSlot
		if p.TempBoot != nil {
			s.TempBoot = fmt.Sprint(*p.TempBoot)
		}
	}

	for _, sl := range d.Images {
		img := api.Image{Slot: sl.Index()}
		if data, rev, err := sl.Read(); err != nil {
			img.Error = err.Error()
		} else if data != nil {
			img.Valid = true
			img.Revision = rev
			img.Length = len(data)
			img.Hash = hex.EncodeToString(sig.Hash(data))
		}
		s.Images = append(s.Images, img)
	}
	return s
}
