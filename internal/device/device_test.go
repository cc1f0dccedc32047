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

package device

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-lcm/api"
	"github.com/transparency-dev/armored-lcm/internal/config"
	"github.com/transparency-dev/armored-lcm/internal/flash/testonly"
	"github.com/transparency-dev/armored-lcm/internal/sig"
	"github.com/transparency-dev/armored-lcm/internal/storage/slots"
	"github.com/transparency-dev/armored-lcm/internal/sysparam"
)

func testConfig() *config.Config {
	c := config.Default()
	c.Device.Serial = "LCM0001"
	c.Flash.BlockSize = testonly.MemBlockSize
	c.Flash.NumBlocks = 16
	c.Flash.Keys = slots.Geometry{Start: 0, Length: 4, SlotLengths: []uint{2, 2}}
	c.Flash.Params = slots.Geometry{Start: 4, Length: 4, SlotLengths: []uint{2, 2}}
	c.Flash.Images = slots.Geometry{Start: 8, Length: 8, SlotLengths: []uint{4, 4}}
	return c
}

func newDevice(t *testing.T) *Device {
	t.Helper()
	d, err := New(testonly.NewMemDev(t, 16), testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.LoadParams(sysparam.DeriveKey([]byte("secret"), d.Serial)); err != nil {
		t.Fatalf("LoadParams: %v", err)
	}
	return d
}

func TestNewBadGeometry(t *testing.T) {
	c := testConfig()
	c.Flash.Images.SlotLengths = []uint{2, 2, 2}
	c.Flash.Images.Length = 6
	if _, err := New(testonly.NewMemDev(t, 16), c); err == nil {
		t.Fatal("New succeeded with three image slots")
	}
}

func TestStatus(t *testing.T) {
	d := newDevice(t)
	if err := d.Params.SetUserRepo("acme/app", "app.bin"); err != nil {
		t.Fatalf("SetUserRepo: %v", err)
	}
	if err := d.Params.SetAppliedVersion("1.2.3"); err != nil {
		t.Fatalf("SetAppliedVersion: %v", err)
	}
	if err := d.Images[1].Write([]byte("otamain")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := d.Status("main", "1.0.0", "abc")
	want := &api.Status{
		Serial:         "LCM0001",
		Role:           "main",
		Version:        "1.0.0",
		Revision:       "abc",
		ParamCounter:   2,
		AppliedVersion: "1.2.3",
		UserRepo:       "acme/app",
		UserFile:       "app.bin",
		Images: []api.Image{
			{Slot: 0},
			{Slot: 1, Valid: true, Revision: 1, Length: 7, Hash: hex.EncodeToString(sig.Hash([]byte("otamain")))},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Status diff (-want +got):\n%s", diff)
	}
	for _, s := range []string{"LCM0001", "acme/app/app.bin @ 1.2.3", "Image slot 0 ...........: empty", "Trusted key ............: slot 0 rev 0 none"} {
		if !strings.Contains(got.Print(), s) {
			t.Errorf("Print() missing %q:\n%s", s, got.Print())
		}
	}
}

func TestErase(t *testing.T) {
	d := newDevice(t)
	if err := d.Params.SetUserRepo("acme/app", "app.bin"); err != nil {
		t.Fatalf("SetUserRepo: %v", err)
	}
	if err := d.Images[0].Write([]byte("app")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d.Erase(); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if r, _ := d.Params.UserRepo(); r != "" {
		t.Errorf("User repo %q survived erase", r)
	}
	if data, _, _ := d.Images[0].Read(); data != nil {
		t.Errorf("Image %q survived erase", data)
	}
}

func TestMACKey(t *testing.T) {
	c := testConfig()
	if _, err := MACKey(c); err == nil {
		t.Error("MACKey succeeded without a secret file")
	}
	c.Device.SecretFile = filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(c.Device.SecretFile, []byte("s3cr3t"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	k, err := MACKey(c)
	if err != nil {
		t.Fatalf("MACKey: %v", err)
	}
	if diff := cmp.Diff(sysparam.DeriveKey([]byte("s3cr3t"), c.Device.Serial), k); diff != "" {
		t.Errorf("MACKey diff: %s", diff)
	}
}

func TestOpenFileImage(t *testing.T) {
	c := testConfig()
	c.Flash.Image = filepath.Join(t.TempDir(), "flash.img")
	d, err := Open(c)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := d.Images[0].Write([]byte("persisted")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d, err = Open(c)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer d.Close()
	data, _, err := d.Images[0].Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "persisted" {
		t.Errorf("Read %q after reopen, want %q", data, "persisted")
	}
}
