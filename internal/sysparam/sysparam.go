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

// Package sysparam implements an authenticated, replay protected store for
// the device's persistent parameters.
//
// Parameters are held in frames carrying a write counter and an HMAC-SHA256
// over the counter and payload. Two slots are used alternately: each write
// goes to the slot not holding the current frame, with the counter
// incremented, so a power cut leaves the previous frame intact.
package sysparam

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/transparency-dev/armored-lcm/internal/storage/slots"
	"github.com/transparency-dev/armored-lcm/internal/version"
	"golang.org/x/crypto/pbkdf2"
	"k8s.io/klog/v2"
)

const (
	diversifierMAC = "ArmoredLCMParams"
	iter           = 4096
	keyLen         = sha256.Size

	// frame layout: counter | payload length | payload | mac
	frameHeaderLen = 4 + 4
)

var (
	// ErrAuth is returned when stored parameters fail authentication.
	ErrAuth = errors.New("parameter frame failed authentication")
	// ErrReplay is returned when the stored write counter has gone backwards.
	ErrReplay = errors.New("parameter write counter went backwards")
	// ErrRollback is returned when asked to record an older applied version.
	ErrRollback = errors.New("version rollback")
)

// Params are the persistent device parameters.
type Params struct {
	// AppliedVersion is the last user application version which was
	// verified and flashed.
	AppliedVersion string `json:"applied_version,omitempty"`
	// UserRepo names the repository publishing the user application.
	UserRepo string `json:"user_repo,omitempty"`
	// UserFile names the user application artifact within UserRepo.
	UserFile string `json:"user_file,omitempty"`
	// BootSlot is the image slot the bootloader starts by default.
	BootSlot uint `json:"boot_slot"`
	// TempBoot, when set, is the slot to start on the next boot only.
	TempBoot *uint `json:"temp_boot,omitempty"`
}

// DeriveKey derives the frame MAC key from a device secret and its serial.
func DeriveKey(secret []byte, serial string) []byte {
	return pbkdf2.Key(append([]byte(diversifierMAC), secret...), []byte(serial), iter, keyLen, sha256.New)
}

// Store provides access to the parameters held in a pair of slots.
type Store struct {
	mu sync.Mutex

	slots   [2]*slots.Slot
	key     []byte
	counter uint32
	// cur is the index into slots of the frame currently in use, -1 if none.
	cur    int
	params Params
}

// Open loads the parameters from the pair of slots, authenticating them with
// key. Unwritten slots yield default parameters.
func Open(a, b *slots.Slot, key []byte) (*Store, error) {
	if len(key) != keyLen {
		return nil, errors.New("invalid MAC key size")
	}
	s := &Store{
		slots: [2]*slots.Slot{a, b},
		key:   append([]byte{}, key...),
		cur:   -1,
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload rereads the parameters from storage.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	best, bestCounter := -1, uint32(0)
	var bestParams Params
	var authFailed bool
	for i, sl := range s.slots {
		d, _, err := sl.Read()
		if err != nil {
			return err
		}
		if d == nil {
			continue
		}
		c, p, err := s.open(d)
		if err != nil {
			klog.Warningf("Parameter slot %d: %v", sl.Index(), err)
			authFailed = true
			continue
		}
		if best < 0 || c > bestCounter {
			best, bestCounter, bestParams = i, c, p
		}
	}
	switch {
	case best < 0 && authFailed:
		return ErrAuth
	case best < 0:
		klog.Info("No stored parameters, using defaults")
		s.cur, s.counter, s.params = -1, 0, Params{}
		return nil
	case bestCounter < s.counter:
		return fmt.Errorf("%w: stored %d, last seen %d", ErrReplay, bestCounter, s.counter)
	}
	s.cur, s.counter, s.params = best, bestCounter, bestParams
	return nil
}

// Get returns a copy of the current parameters.
func (s *Store) Get() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.params
	if p.TempBoot != nil {
		t := *p.TempBoot
		p.TempBoot = &t
	}
	return p
}

// Counter returns the write counter of the current parameters.
func (s *Store) Counter() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// Update applies f to a copy of the parameters and persists the result.
func (s *Store) Update(f func(*Params) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.params
	if err := f(&p); err != nil {
		return err
	}
	return s.write(p)
}

// AppliedVersion returns the applied user application version, or
// version.Zero if none has been recorded.
func (s *Store) AppliedVersion() string {
	if v := s.Get().AppliedVersion; v != "" {
		return v
	}
	return version.Zero
}

// SetAppliedVersion records v as the applied user application version.
// It refuses to record a version older than the current one.
func (s *Store) SetAppliedVersion(v string) error {
	if !version.Valid(v) {
		return fmt.Errorf("invalid version %q", v)
	}
	return s.Update(func(p *Params) error {
		cur := p.AppliedVersion
		if cur == "" {
			cur = version.Zero
		}
		if version.Compare(v, cur) < 0 {
			return fmt.Errorf("%w: %q is older than applied %q", ErrRollback, v, cur)
		}
		p.AppliedVersion = v
		return nil
	})
}

// ResetAppliedVersion sets the applied version back to version.Zero, so the
// user application is fetched again.
func (s *Store) ResetAppliedVersion() error {
	return s.Update(func(p *Params) error {
		p.AppliedVersion = version.Zero
		return nil
	})
}

// UserRepo returns the repository and artifact name of the user application.
func (s *Store) UserRepo() (string, string) {
	p := s.Get()
	return p.UserRepo, p.UserFile
}

// SetUserRepo records the repository and artifact name of the user application.
func (s *Store) SetUserRepo(repo, file string) error {
	return s.Update(func(p *Params) error {
		p.UserRepo, p.UserFile = repo, file
		return nil
	})
}

func (s *Store) write(p Params) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	next := 0
	if s.cur == 0 {
		next = 1
	}
	c := s.counter + 1
	sl := s.slots[next]
	if err := sl.WriteRevision(s.seal(c, payload), c); err != nil {
		return fmt.Errorf("failed to write parameters: %v", err)
	}
	klog.V(1).Infof("Wrote parameters to slot %d, counter %d", sl.Index(), c)
	s.cur, s.counter, s.params = next, c, p
	return nil
}

func (s *Store) seal(counter uint32, payload []byte) []byte {
	b := make([]byte, frameHeaderLen, frameHeaderLen+len(payload)+sha256.Size)
	binary.BigEndian.PutUint32(b[0:], counter)
	binary.BigEndian.PutUint32(b[4:], uint32(len(payload)))
	b = append(b, payload...)
	mac := hmac.New(sha256.New, s.key)
	mac.Write(b)
	return mac.Sum(b)
}

func (s *Store) open(b []byte) (uint32, Params, error) {
	if len(b) < frameHeaderLen+sha256.Size {
		return 0, Params{}, fmt.Errorf("%w: short frame", ErrAuth)
	}
	n := binary.BigEndian.Uint32(b[4:])
	if uint64(n) != uint64(len(b)-frameHeaderLen-sha256.Size) {
		return 0, Params{}, fmt.Errorf("%w: bad payload length %d", ErrAuth, n)
	}
	body, sum := b[:len(b)-sha256.Size], b[len(b)-sha256.Size:]
	mac := hmac.New(sha256.New, s.key)
	mac.Write(body)
	if !hmac.Equal(sum, mac.Sum(nil)) {
		return 0, Params{}, fmt.Errorf("%w: invalid MAC", ErrAuth)
	}
	var p Params
	if err := json.Unmarshal(body[frameHeaderLen:], &p); err != nil {
		return 0, Params{}, fmt.Errorf("invalid parameters: %v", err)
	}
	return binary.BigEndian.Uint32(b[0:]), p, nil
}
