// Copyright 2022 The Armored Witness Applet authors. All Rights Reserved.
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

// Package slots divides a region of block storage into fixed slots (the
// device's "sectors"), each holding a single length-prefixed, revisioned
// blob.
//
// The first block of every slot is a header carrying the blob length and a
// revision number. Rewriting only the header block is the single write used
// to change which of a pair of slots is current, so a power cut leaves either
// the old or the new header in place and never a mix of the two.
package slots

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/transparency-dev/armored-lcm/internal/flash"
	"k8s.io/klog/v2"
)

// Geometry describes the physical layout of a Partition and its slots on the
// underlying storage.
type Geometry struct {
	// Start identifies the address of first block which is part of a partition.
	Start uint `yaml:"start"`
	// Length is the number of blocks covered by this partition.
	// i.e. [Start, Start+Length) is the range of blocks covered by this partition.
	Length uint `yaml:"length"`
	// SlotLengths is an ordered list containing the lengths of the slot(s)
	// allocated within this partition.
	// For obvious reasons, great care must be taken if, once data has been written
	// to one or more slots, the values specified in this list at the time the data
	// was written are changed.
	SlotLengths []uint `yaml:"slot_lengths"`
}

// Validate checks that the geometry is self-consistent.
func (g Geometry) Validate() error {
	t := uint(0)
	for i, l := range g.SlotLengths {
		if l < 2 {
			return fmt.Errorf("invalid geometry: slot %d has %d blocks, need at least 2 (header + data)", i, l)
		}
		t += l
	}
	if t > g.Length {
		return fmt.Errorf("invalid geometry: total slot length (%d blocks) exceeds overall length (%d blocks)", t, g.Length)
	}
	return nil
}

// Partition describes the extent and layout of a single contiguous region of
// underlying block storage.
type Partition struct {
	// dev provides the device-specific read/write functionality.
	dev flash.BlockReaderWriter

	// slots describes the layout of the slot(s) stored within this partition.
	slots []Slot
}

// OpenPartition returns a partition struct for accessing the slots described by the given
// geometry using the provided read/write methods.
func OpenPartition(rw flash.BlockReaderWriter, geo Geometry) (*Partition, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}

	ret := &Partition{
		dev: rw,
	}

	b := geo.Start
	for i, l := range geo.SlotLengths {
		ret.slots = append(ret.slots, Slot{
			index:  uint(i),
			start:  b,
			length: l,
		})
		b += l
	}

	return ret, nil
}

// Erase destroys the data stored in all slots configured in this partition.
// WARNING: Data Loss!
func (p *Partition) Erase() error {
	klog.Info("Erasing partition")
	borked := false
	for i := range p.slots {
		if err := p.slots[i].Erase(p.dev); err != nil {
			klog.Warningf("Failed to erase slot %d: %v", i, err)
			borked = true
		}
	}
	if borked {
		return errors.New("failed to erase one or more slots in partition")
	}
	return nil
}

// Open opens the specified slot, returns an error if the slot is out of bounds.
func (p *Partition) Open(slot uint) (*Slot, error) {
	if l := uint(len(p.slots)); slot >= l {
		return nil, fmt.Errorf("invalid slot %d (partition has %d slots)", slot, l)
	}
	s := &p.slots[slot]
	klog.V(2).Infof("Opening slot %d", slot)
	s.Open(p.dev)

	return s, nil
}

// NumSlots returns the number of slots configured in this partition.
func (p *Partition) NumSlots() int {
	return len(p.slots)
}

// Slot represents the current data in a slot.
type Slot struct {
	// mu guards access to this Slot.
	mu sync.RWMutex

	// index is the position of this slot within its partition.
	index uint

	// start and length define the on-storage blocks assigned to this slot:
	// [start, start+length).
	start, length uint

	// dev is the storage the slot lives on, nil until the slot is opened.
	dev flash.BlockReaderWriter

	// staged holds the number of bytes written by the last call to Stage, or
	// -1 if there is no staged data waiting to be finalised.
	staged int64
}

// Open prepares the slot for use.
// This method is idempotent and will not return an error if called multiple times.
func (s *Slot) Open(dev flash.BlockReaderWriter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev != nil {
		return
	}
	s.dev = dev
	s.staged = -1
}

// Index returns the position of the slot within its partition.
func (s *Slot) Index() uint {
	return s.index
}

// Start returns the address of the first block of the slot.
func (s *Slot) Start() uint {
	return s.start
}

// Capacity returns the maximum number of data bytes the slot can hold.
func (s *Slot) Capacity() int64 {
	return int64(s.length-1) * int64(s.dev.BlockSize())
}

// Header returns the decoded header of the slot. The returned header has
// Valid set to false if the slot is empty, erased, or mid-way through being
// rewritten.
func (s *Slot) Header() (Header, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.header()
}

func (s *Slot) header() (Header, error) {
	b, err := flash.Read(s.dev, s.start, headerSize)
	if err != nil {
		return Header{}, fmt.Errorf("failed to read header of slot %d: %v", s.index, err)
	}
	h := decodeHeader(b)
	if h.Valid && int64(h.Length) > s.Capacity() {
		klog.Warningf("Slot %d header claims %d bytes, capacity is %d", s.index, h.Length, s.Capacity())
		h.Valid = false
	}
	return h, nil
}

// Read returns the last data successfully written to the slot, along with a token
// which can be used with CheckAndWrite.
// An empty (or invalid) slot returns no data and a zero token.
func (s *Slot) Read() ([]byte, uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, err := s.header()
	if err != nil {
		return nil, 0, err
	}
	if !h.Valid {
		return nil, 0, nil
	}
	d, err := flash.Read(s.dev, s.start+1, int(h.Length))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read data of slot %d: %v", s.index, err)
	}
	return d, h.Revision, nil
}

// Write writes the provided data to the slot.
// Upon successful completion, this data will be returned by future calls to Read
// until another successful Write call is made.
// If the call to Write fails, the slot is left empty.
func (s *Slot) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.header()
	if err != nil {
		return err
	}
	return s.writeLocked(p, h.Revision+1)
}

// WriteRevision behaves like Write, but stores the given revision rather
// than incrementing the existing one.
func (s *Slot) WriteRevision(p []byte, rev uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(p, rev)
}

// CheckAndWrite behaves like Write, with the exception that it will immediately
// return an error if the slot has been successfully written to since the Read call
// which produced the passed-in token.
func (s *Slot) CheckAndWrite(token uint32, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.header()
	if err != nil {
		return err
	}
	if h.Revision != token {
		return errors.New("invalid token, slot updated since then")
	}
	return s.writeLocked(p, h.Revision+1)
}

func (s *Slot) writeLocked(p []byte, rev uint32) error {
	if int64(len(p)) > s.Capacity() {
		return fmt.Errorf("%d bytes exceeds capacity of slot %d (%d bytes)", len(p), s.index, s.Capacity())
	}
	if err := s.invalidate(); err != nil {
		return err
	}
	if err := flash.Write(s.dev, p, s.start+1); err != nil {
		return fmt.Errorf("failed to write data of slot %d: %v", s.index, err)
	}
	return s.writeHeader(Header{Valid: true, Revision: rev, Length: uint32(len(p))})
}

// Stage streams the content of r into the data area of the slot, first
// invalidating the slot header so that partially written content is never
// mistaken for valid data.
//
// The data is not visible to Read until Finalize has been called.
// Returns the number of bytes written.
func (s *Slot) Stage(r io.Reader) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.staged = -1
	if err := s.invalidate(); err != nil {
		return 0, err
	}

	bs := int(s.dev.BlockSize())
	buf := make([]byte, bs*64)
	lba := s.start + 1
	capacity := s.Capacity()
	var total int64
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if total+int64(n) > capacity {
				return total, fmt.Errorf("data exceeds capacity of slot %d (%d bytes)", s.index, capacity)
			}
			if werr := flash.Write(s.dev, buf[:n], lba); werr != nil {
				return total, fmt.Errorf("failed to stage data into slot %d: %v", s.index, werr)
			}
			total += int64(n)
			lba += uint((n + bs - 1) / bs)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return total, err
		}
	}
	s.staged = total
	klog.V(1).Infof("Staged %d bytes into slot %d", total, s.index)
	return total, nil
}

// Finalize closes a previous Stage call, making the staged data readable.
// The slot is given revision 0, i.e. it is complete but not yet current.
func (s *Slot) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staged < 0 {
		return fmt.Errorf("slot %d has no staged data", s.index)
	}
	if err := s.writeHeader(Header{Valid: true, Length: uint32(s.staged)}); err != nil {
		return err
	}
	s.staged = -1
	return nil
}

// SetRevision rewrites the header of a valid slot with a new revision,
// leaving the data untouched.
func (s *Slot) SetRevision(rev uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.header()
	if err != nil {
		return err
	}
	if !h.Valid {
		return fmt.Errorf("slot %d holds no valid data", s.index)
	}
	h.Revision = rev
	return s.writeHeader(h)
}

// Erase destroys the data stored in the slot.
func (s *Slot) Erase(dev flash.BlockReaderWriter) error {
	s.Open(dev)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.staged = -1
	klog.Infof("Erasing partition slot %d @ block %d len %d blocks", s.index, s.start, s.length)
	length := s.length * s.dev.BlockSize()
	b := make([]byte, length)
	if err := flash.Write(s.dev, b, s.start); err != nil {
		return fmt.Errorf("slot %d occupying blocks [%d, %d): %v", s.index, s.start, s.start+s.length, err)
	}
	return nil
}

// Invalidate marks the slot as holding no data, leaving the data blocks
// untouched.
func (s *Slot) Invalidate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = -1
	return s.invalidate()
}

func (s *Slot) invalidate() error {
	return s.writeHeader(Header{})
}

func (s *Slot) writeHeader(h Header) error {
	if err := flash.Write(s.dev, h.encode(), s.start); err != nil {
		return fmt.Errorf("failed to write header of slot %d: %v", s.index, err)
	}
	return nil
}
