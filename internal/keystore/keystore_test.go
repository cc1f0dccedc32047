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

package keystore

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/transparency-dev/armored-lcm/internal/flash/testonly"
	"github.com/transparency-dev/armored-lcm/internal/sig"
	"github.com/transparency-dev/armored-lcm/internal/storage/slots"
	"golang.org/x/mod/sumdb/note"
)

type key struct {
	signer note.Signer
	vkey   string
}

func genKey(t *testing.T, name string) key {
	t.Helper()
	skey, vkey, err := note.GenerateKey(rand.Reader, name)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s, err := note.NewSigner(skey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return key{signer: s, vkey: vkey}
}

func newStore(t *testing.T) (*Store, *testonly.MemDev) {
	t.Helper()
	md := testonly.NewMemDev(t, 8)
	p, err := slots.OpenPartition(md, slots.Geometry{Start: 0, Length: 8, SlotLengths: []uint{2, 2}})
	if err != nil {
		t.Fatalf("OpenPartition: %v", err)
	}
	lo, err := p.Open(0)
	if err != nil {
		t.Fatalf("Open(0): %v", err)
	}
	hi, err := p.Open(1)
	if err != nil {
		t.Fatalf("Open(1): %v", err)
	}
	return New(lo, hi), md
}

// bootstrapped returns a store whose active slot holds k.
func bootstrapped(t *testing.T, k key) (*Store, *testonly.MemDev) {
	t.Helper()
	s, md := newStore(t)
	if err := s.Load(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Load on fresh device: %v, want ErrEmpty", err)
	}
	if err := s.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	stage(t, s.ActiveSlot(), []byte(k.vkey))
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := s.GetActivePubKey(); err != nil {
		t.Fatalf("GetActivePubKey: %v", err)
	}
	return s, md
}

func stage(t *testing.T, sl *slots.Slot, d []byte) {
	t.Helper()
	if _, err := sl.Stage(bytes.NewReader(d)); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := sl.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
}

// reloaded returns the key held by the active slot as seen after a reboot.
func reloaded(t *testing.T, s *Store) string {
	t.Helper()
	r := New(s.lower, s.higher)
	if err := r.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := r.GetActivePubKey(); err != nil {
		t.Fatalf("GetActivePubKey: %v", err)
	}
	return r.ActiveKey()
}

func TestBootstrap(t *testing.T) {
	k := genKey(t, "factory")
	s, _ := bootstrapped(t, k)
	if got, want := s.ActiveSlot().Index(), uint(1); got != want {
		t.Errorf("Active slot %d, want %d", got, want)
	}
	if got, want := s.BackupSlot().Index(), uint(0); got != want {
		t.Errorf("Backup slot %d, want %d", got, want)
	}
	if got := reloaded(t, s); got != k.vkey {
		t.Errorf("Reloaded key %q, want %q", got, k.vkey)
	}
	if !s.VerifyActivePubKey(k.signer) {
		t.Error("VerifyActivePubKey(own signer) = false")
	}
	if s.VerifyActivePubKey(genKey(t, "factory").signer) {
		t.Error("VerifyActivePubKey(other signer) = true")
	}
}

func TestUncommittedBootstrapIsEmpty(t *testing.T) {
	s, _ := newStore(t)
	if err := s.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	stage(t, s.ActiveSlot(), []byte(genKey(t, "factory").vkey))
	if err := New(s.lower, s.higher).Load(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Load after uncommitted bootstrap: %v, want ErrEmpty", err)
	}
}

func TestSwapActiveAndBackup(t *testing.T) {
	old := genKey(t, "k")
	next := genKey(t, "k")
	evil := genKey(t, "k")

	endorsed, err := sig.Sign(old.signer, "cert", []byte(next.vkey))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	selfSigned, err := sig.Sign(evil.signer, "cert", []byte(evil.vkey))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	wrongContent, err := sig.Sign(old.signer, "cert", []byte(evil.vkey))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	garbage := []byte("not a key")
	garbageRec, err := sig.Sign(old.signer, "cert", garbage)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	for _, test := range []struct {
		name    string
		backup  []byte
		rec     *sig.Record
		wantErr bool
	}{
		{
			name:   "endorsed by active key",
			backup: []byte(next.vkey),
			rec:    endorsed,
		}, {
			name:    "not endorsed by active key",
			backup:  []byte(evil.vkey),
			rec:     selfSigned,
			wantErr: true,
		}, {
			name:    "backup content differs from record",
			backup:  []byte(next.vkey),
			rec:     wrongContent,
			wantErr: true,
		}, {
			name:    "backup is not a key",
			backup:  garbage,
			rec:     garbageRec,
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			s, _ := bootstrapped(t, old)
			stage(t, s.BackupSlot(), test.backup)

			err := s.SwapActiveAndBackup(test.rec)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("SwapActiveAndBackup: %v, wantErr %t", err, test.wantErr)
			}
			want := old.vkey
			if !test.wantErr {
				want = next.vkey
			}
			if got := reloaded(t, s); got != want {
				t.Fatalf("Active key after swap %q, want %q", got, want)
			}
			if got := s.ActiveKey(); got != want {
				t.Fatalf("In-memory active key %q, want %q", got, want)
			}
		})
	}
}

func TestSwapChain(t *testing.T) {
	keys := []key{genKey(t, "k"), genKey(t, "k"), genKey(t, "k"), genKey(t, "k")}
	s, _ := bootstrapped(t, keys[0])
	for i := 1; i < len(keys); i++ {
		rec, err := sig.Sign(keys[i-1].signer, "cert", []byte(keys[i].vkey))
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		stage(t, s.BackupSlot(), []byte(keys[i].vkey))
		if err := s.SwapActiveAndBackup(rec); err != nil {
			t.Fatalf("Swap %d: %v", i, err)
		}
		if got := reloaded(t, s); got != keys[i].vkey {
			t.Fatalf("Active key after swap %d is not key %d", i, i)
		}
	}
}

func TestPowerCutDuringRotation(t *testing.T) {
	old := genKey(t, "k")
	next := genKey(t, "k")
	rec, err := sig.Sign(old.signer, "cert", []byte(next.vkey))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	for _, test := range []struct {
		name string
		// blocks is the number of block writes allowed before the power cut,
		// counted from the start of staging the candidate key.
		blocks  int
		wantKey string
	}{
		{name: "before staging", blocks: 0, wantKey: old.vkey},
		{name: "after header invalidated", blocks: 1, wantKey: old.vkey},
		{name: "after data written", blocks: 2, wantKey: old.vkey},
		{name: "after finalize", blocks: 3, wantKey: old.vkey},
		{name: "after promotion", blocks: 4, wantKey: next.vkey},
	} {
		t.Run(test.name, func(t *testing.T) {
			s, md := bootstrapped(t, old)
			md.CutPowerAfter(test.blocks)
			b := s.BackupSlot()
			if _, err := b.Stage(bytes.NewReader([]byte(next.vkey))); err == nil {
				if err := b.Finalize(); err == nil {
					_ = s.SwapActiveAndBackup(rec)
				}
			}
			md.RestorePower()

			// Exactly one slot is active, and it holds one of the two keys.
			r := New(s.lower, s.higher)
			if err := r.Load(); err != nil {
				t.Fatalf("Load after power cut: %v", err)
			}
			lh, _ := s.lower.Header()
			hh, _ := s.higher.Header()
			if revision(lh) == revision(hh) {
				t.Fatalf("Both slots report revision %d", revision(lh))
			}
			if _, err := r.GetActivePubKey(); err != nil {
				t.Fatalf("GetActivePubKey after power cut: %v", err)
			}
			if got := r.ActiveKey(); got != test.wantKey {
				t.Fatalf("Active key after power cut %q, want %q", got, test.wantKey)
			}
		})
	}
}

func TestCorruptActive(t *testing.T) {
	s, md := bootstrapped(t, genKey(t, "k"))
	// Trash the key data, keeping the header intact.
	md.Storage[s.ActiveSlot().Start()+1][0] = 0xff
	if _, err := s.GetActivePubKey(); err == nil {
		t.Fatal("GetActivePubKey succeeded on corrupt key")
	}
}

func TestHashes(t *testing.T) {
	k := genKey(t, "k")
	s, _ := bootstrapped(t, k)
	h, err := s.HashActive()
	if err != nil {
		t.Fatalf("HashActive: %v", err)
	}
	if !bytes.Equal(h, sig.Hash([]byte(k.vkey))) {
		t.Error("HashActive differs from key digest")
	}
	stage(t, s.BackupSlot(), []byte("candidate"))
	h, err = s.HashBackup()
	if err != nil {
		t.Fatalf("HashBackup: %v", err)
	}
	if !bytes.Equal(h, sig.Hash([]byte("candidate"))) {
		t.Error("HashBackup differs from candidate digest")
	}
}
