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

package boot_test

import (
	"testing"

	"github.com/transparency-dev/armored-lcm/internal/boot"
	"github.com/transparency-dev/armored-lcm/internal/flash/testonly"
	"github.com/transparency-dev/armored-lcm/internal/storage/slots"
	"github.com/transparency-dev/armored-lcm/internal/sysparam"
)

func params(t *testing.T) *sysparam.Store {
	t.Helper()
	md := testonly.NewMemDev(t, 4)
	p, err := slots.OpenPartition(md, slots.Geometry{Length: 4, SlotLengths: []uint{2, 2}})
	if err != nil {
		t.Fatalf("OpenPartition: %v", err)
	}
	a, _ := p.Open(0)
	b, _ := p.Open(1)
	s, err := sysparam.Open(a, b, sysparam.DeriveKey([]byte("secret"), "serial"))
	if err != nil {
		t.Fatalf("sysparam.Open: %v", err)
	}
	return s
}

func TestParamLoader(t *testing.T) {
	p := params(t)
	exited := -1
	l := boot.NewParamLoader(p, 2, func(code int) { exited = code })

	next := func() uint {
		t.Helper()
		n, err := boot.Next(p)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		return n
	}

	if got := next(); got != 0 {
		t.Fatalf("Default boot slot %d, want 0", got)
	}
	if err := l.TempBoot(1); err != nil {
		t.Fatalf("TempBoot: %v", err)
	}
	if got := next(); got != 1 {
		t.Fatalf("Boot slot after TempBoot(1) = %d, want 1", got)
	}
	if got := next(); got != 0 {
		t.Fatalf("Temporary boot slot was not consumed, got %d", got)
	}

	if err := l.SelectSlot(1); err != nil {
		t.Fatalf("SelectSlot: %v", err)
	}
	if err := l.TempBoot(0); err != nil {
		t.Fatalf("TempBoot: %v", err)
	}
	if err := l.SelectSlot(1); err != nil {
		t.Fatalf("SelectSlot: %v", err)
	}
	if got := next(); got != 1 {
		t.Fatalf("SelectSlot did not clear temporary boot, got slot %d", got)
	}

	if err := l.SelectSlot(2); err == nil {
		t.Error("SelectSlot(2) succeeded on a two slot device")
	}
	if err := l.TempBoot(5); err == nil {
		t.Error("TempBoot(5) succeeded on a two slot device")
	}

	l.Reboot()
	if exited != 0 {
		t.Errorf("Reboot exited with %d, want 0", exited)
	}
}
