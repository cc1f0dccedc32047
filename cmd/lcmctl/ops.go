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

package main

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cheggaaa/pb/v3"
	"github.com/transparency-dev/armored-lcm/internal/boot"
	"github.com/transparency-dev/armored-lcm/internal/device"
	"github.com/transparency-dev/armored-lcm/internal/sig"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"
)

// provisionKey installs the verifier held in path as the trusted key,
// replacing whatever key store content the device had.
func provisionKey(d *device.Device, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	b = bytes.TrimSpace(b)
	v, err := sig.ParseKey(b)
	if err != nil {
		return err
	}
	if err := d.Keys.Bootstrap(); err != nil {
		return err
	}
	active := d.Keys.ActiveSlot()
	if _, err := active.Stage(bytes.NewReader(b)); err != nil {
		return err
	}
	if err := active.Finalize(); err != nil {
		return err
	}
	if err := d.Keys.Commit(); err != nil {
		return err
	}
	klog.Infof("Trusted key %q provisioned into slot %d", v.Name(), active.Index())
	return nil
}

// flashImage streams the image at path into boot slot n. If sigPath is set,
// the image must match the record held there, and the record must verify
// under the device's trusted key.
func flashImage(d *device.Device, path, sigPath string, n uint) error {
	if n >= uint(len(d.Images)) {
		return fmt.Errorf("invalid boot slot %d", n)
	}
	slot := d.Images[n]

	var rec *sig.Record
	if sigPath != "" {
		b, err := os.ReadFile(sigPath)
		if err != nil {
			return err
		}
		if rec, err = sig.Parse(b); err != nil {
			return err
		}
		if err := d.Keys.Load(); err != nil {
			return fmt.Errorf("no trusted key to verify %q: %v", sigPath, err)
		}
		if _, err := d.Keys.GetActivePubKey(); err != nil {
			return err
		}
		if err := sig.Verify(rec, d.Keys.ActiveKey()); err != nil {
			return err
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() > slot.Capacity() {
		return fmt.Errorf("image %q (%d bytes) exceeds slot capacity (%d bytes)", path, fi.Size(), slot.Capacity())
	}

	klog.Infof("Flashing %q into boot slot %d", path, n)
	bar := pb.Full.Start64(fi.Size())
	_, err = slot.Stage(bar.NewProxyReader(f))
	bar.Finish()
	if err != nil {
		return err
	}
	if err := slot.Finalize(); err != nil {
		return err
	}

	if rec != nil {
		got, _, err := slot.Read()
		if err != nil {
			return err
		}
		if !rec.Matches(got) {
			if err := slot.Invalidate(); err != nil {
				klog.Errorf("Failed to invalidate slot %d: %v", n, err)
			}
			return fmt.Errorf("image %q does not match %q", path, sigPath)
		}
	}
	klog.Infof("Boot slot %d updated", n)
	return nil
}

func selectSlot(d *device.Device, n uint) error {
	return boot.NewParamLoader(d.Params, uint(len(d.Images)), nil).SelectSlot(n)
}

// genKey writes a new note key pair to <dir>/<name>.sec and <dir>/<name>.pub.
func genKey(name, dir string) error {
	skey, vkey, err := note.GenerateKey(rand.Reader, name)
	if err != nil {
		return err
	}
	sec := filepath.Join(dir, name+".sec")
	pub := filepath.Join(dir, name+".pub")
	if err := os.WriteFile(sec, []byte(skey), 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(pub, []byte(vkey), 0o644); err != nil {
		return err
	}
	klog.Infof("Wrote signer key to %q and verifier key to %q", sec, pub)
	return nil
}
