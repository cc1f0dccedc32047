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

// Package keystore tracks the pair of slots holding the device's trusted
// public key.
//
// Exactly one of the two slots is active: the one with a valid header and the
// highest non-zero revision. The other is the backup, which receives
// candidate keys. Promoting the backup is a single header write giving it a
// revision one higher than the active slot.
package keystore

import (
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-lcm/internal/sig"
	"github.com/transparency-dev/armored-lcm/internal/storage/slots"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"
)

var (
	// ErrEmpty is returned by Load when neither slot holds an active key.
	ErrEmpty = errors.New("key store is empty")
	// ErrHashMismatch is returned when the backup slot does not hold the
	// content described by a record.
	ErrHashMismatch = errors.New("backup slot content does not match record")
)

// Store manages the active and backup key slots.
type Store struct {
	lower, higher *slots.Slot

	active, backup *slots.Slot
	activeRev      uint32
	activeKey      string
}

// New creates a store over the two given slots. The slots must be distinct
// and already opened.
func New(lower, higher *slots.Slot) *Store {
	return &Store{lower: lower, higher: higher}
}

// Load determines the active and backup roles from the slot headers.
// Returns ErrEmpty if neither slot has been made active.
func (s *Store) Load() error {
	lh, err := s.lower.Header()
	if err != nil {
		return err
	}
	hh, err := s.higher.Header()
	if err != nil {
		return err
	}
	lr, hr := revision(lh), revision(hh)
	switch {
	case lr == 0 && hr == 0:
		s.active, s.backup, s.activeRev = nil, nil, 0
		return ErrEmpty
	case hr >= lr:
		s.active, s.backup, s.activeRev = s.higher, s.lower, hr
	default:
		s.active, s.backup, s.activeRev = s.lower, s.higher, lr
	}
	klog.V(1).Infof("Key store: active slot %d (rev %d), backup slot %d", s.active.Index(), s.activeRev, s.backup.Index())
	return nil
}

func revision(h slots.Header) uint32 {
	if !h.Valid {
		return 0
	}
	return h.Revision
}

// Bootstrap assigns roles on a first boot: the higher slot becomes active and
// the lower one the backup. Both slots are invalidated, so any previous key
// is forgotten. The caller is expected to write a key into the active slot
// and then call Commit.
func (s *Store) Bootstrap() error {
	s.active, s.backup, s.activeRev = s.higher, s.lower, 0
	s.activeKey = ""
	klog.Infof("Key store bootstrap: active slot %d, backup slot %d", s.active.Index(), s.backup.Index())
	for _, sl := range []*slots.Slot{s.lower, s.higher} {
		if err := sl.Invalidate(); err != nil {
			return fmt.Errorf("failed to clear key slot %d: %v", sl.Index(), err)
		}
	}
	return nil
}

// Commit marks the freshly bootstrapped active slot as active.
func (s *Store) Commit() error {
	if s.active == nil {
		return errors.New("key store roles not assigned")
	}
	if err := s.active.SetRevision(1); err != nil {
		return fmt.Errorf("failed to commit active key slot: %v", err)
	}
	s.activeRev = 1
	return nil
}

// ActiveSlot returns the slot currently holding the trusted key.
func (s *Store) ActiveSlot() *slots.Slot {
	return s.active
}

// BackupSlot returns the slot which receives candidate keys.
func (s *Store) BackupSlot() *slots.Slot {
	return s.backup
}

// ActiveKey returns the trusted key as loaded by the last call to
// GetActivePubKey.
func (s *Store) ActiveKey() string {
	return s.activeKey
}

// GetActivePubKey (re)loads the public key held in the active slot and
// returns its length in bytes.
func (s *Store) GetActivePubKey() (int, error) {
	if s.active == nil {
		return 0, ErrEmpty
	}
	d, _, err := s.active.Read()
	if err != nil {
		return 0, err
	}
	if len(d) == 0 {
		return 0, fmt.Errorf("active key slot %d is empty", s.active.Index())
	}
	if _, err := sig.ParseKey(d); err != nil {
		return 0, fmt.Errorf("active key slot %d: %v", s.active.Index(), err)
	}
	s.activeKey = string(d)
	return len(d), nil
}

// VerifyActivePubKey returns true if the active key is the public half of
// the local signer.
func (s *Store) VerifyActivePubKey(signer note.Signer) bool {
	d, err := s.ActiveContent()
	if err != nil {
		return false
	}
	return sig.IsPublicKeyOf(d, signer)
}

// ActiveContent returns the raw content of the active slot.
func (s *Store) ActiveContent() ([]byte, error) {
	return s.content(s.active)
}

// HashActive returns the digest of the active slot's content.
func (s *Store) HashActive() ([]byte, error) {
	d, err := s.content(s.active)
	if err != nil {
		return nil, err
	}
	return sig.Hash(d), nil
}

// HashBackup returns the digest of the backup slot's content.
func (s *Store) HashBackup() ([]byte, error) {
	d, err := s.content(s.backup)
	if err != nil {
		return nil, err
	}
	return sig.Hash(d), nil
}

func (s *Store) content(sl *slots.Slot) ([]byte, error) {
	if sl == nil {
		return nil, ErrEmpty
	}
	d, _, err := sl.Read()
	return d, err
}

// SwapActiveAndBackup promotes the backup slot to active.
//
// The backup content must hash to rec.Hash, rec must verify under the
// current active key read from flash, and the content must itself be a
// parseable public key. Otherwise nothing is written.
func (s *Store) SwapActiveAndBackup(rec *sig.Record) error {
	if s.active == nil || s.backup == nil {
		return ErrEmpty
	}
	cur, _, err := s.active.Read()
	if err != nil {
		return err
	}
	if err := sig.Verify(rec, string(cur)); err != nil {
		return fmt.Errorf("refusing key swap: %v", err)
	}
	cand, _, err := s.backup.Read()
	if err != nil {
		return err
	}
	if !rec.Matches(cand) {
		return fmt.Errorf("refusing key swap: %w", ErrHashMismatch)
	}
	if _, err := sig.ParseKey(cand); err != nil {
		return fmt.Errorf("refusing key swap: %v", err)
	}

	if err := s.backup.SetRevision(s.activeRev + 1); err != nil {
		return fmt.Errorf("failed to promote slot %d: %v", s.backup.Index(), err)
	}
	klog.Infof("Promoted key slot %d to active (rev %d) over slot %d", s.backup.Index(), s.activeRev+1, s.active.Index())
	s.active, s.backup = s.backup, s.active
	s.activeRev++
	s.activeKey = string(cand)
	return nil
}
