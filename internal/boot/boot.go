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

// Package boot controls which image slot the bootloader starts.
package boot

import (
	"fmt"

	"github.com/transparency-dev/armored-lcm/internal/sysparam"
	"k8s.io/klog/v2"
)

// Loader is the contract for the two-slot bootloader.
type Loader interface {
	// SelectSlot makes slot n the default boot image.
	SelectSlot(n uint) error
	// TempBoot arranges for slot n to be started on the next boot only.
	TempBoot(n uint) error
	// Reboot restarts the device.
	Reboot()
}

// ParamLoader is a Loader which records the boot selection in the
// persistent parameters and restarts by ending the process.
type ParamLoader struct {
	params *sysparam.Store
	slots  uint
	exit   func(int)
}

// NewParamLoader returns a loader over numSlots image slots. exit is called
// with status 0 to restart.
func NewParamLoader(p *sysparam.Store, numSlots uint, exit func(int)) *ParamLoader {
	return &ParamLoader{params: p, slots: numSlots, exit: exit}
}

// SelectSlot implements Loader.
func (l *ParamLoader) SelectSlot(n uint) error {
	if n >= l.slots {
		return fmt.Errorf("invalid boot slot %d", n)
	}
	klog.Infof("Selecting boot slot %d", n)
	return l.params.Update(func(p *sysparam.Params) error {
		p.BootSlot = n
		p.TempBoot = nil
		return nil
	})
}

// TempBoot implements Loader.
func (l *ParamLoader) TempBoot(n uint) error {
	if n >= l.slots {
		return fmt.Errorf("invalid boot slot %d", n)
	}
	klog.Infof("Temporary boot into slot %d", n)
	return l.params.Update(func(p *sysparam.Params) error {
		p.TempBoot = &n
		return nil
	})
}

// Reboot implements Loader.
func (l *ParamLoader) Reboot() {
	klog.Info("Restarting")
	klog.Flush()
	l.exit(0)
}

// Next returns the slot which will be started on the next boot, consuming
// any one-off temporary selection.
func Next(p *sysparam.Store) (uint, error) {
	cur := p.Get()
	if cur.TempBoot == nil {
		return cur.BootSlot, nil
	}
	n := *cur.TempBoot
	if err := p.Update(func(p *sysparam.Params) error {
		p.TempBoot = nil
		return nil
	}); err != nil {
		return 0, err
	}
	return n, nil
}
