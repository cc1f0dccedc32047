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

// Package flash provides access to the block storage holding keys, parameters
// and firmware images.
// Note that these are very low-level primitives, and care must be taken when
// using them not to overwrite existing data (e.g. the running image itself!)
package flash

import (
	"fmt"

	"k8s.io/klog/v2"
)

// batchSize is the maximum number of blocks passed to a single WriteBlocks
// call, to limit per-transfer buffer requirements.
const batchSize = 2048

// BlockReaderWriter is the contract for block storage devices.
type BlockReaderWriter interface {
	// BlockSize returns the size in bytes of each block in the underlying storage.
	BlockSize() uint
	// ReadBlocks reads len(b) bytes into b from contiguous storage blocks starting
	// at the given block address.
	// b must be an integer multiple of the device's block size.
	ReadBlocks(lba uint, b []byte) error
	// WriteBlocks writes len(b) bytes from b to contiguous storage blocks starting
	// at the given block address.
	// Returns the number of blocks written, or an error.
	WriteBlocks(lba uint, b []byte) (uint, error)
}

// Write writes a buffer to the device starting at block lba.
//
// Since this function is writing whole blocks, it will pad the passed in buf
// with zeros to ensure full blocks are written.
func Write(dev BlockReaderWriter, buf []byte, lba uint) error {
	blockSize := int(dev.BlockSize())
	if blockSize == 0 {
		return fmt.Errorf("h/w invariant error - zero block size")
	}

	if rem := len(buf) % blockSize; rem > 0 {
		buf = append(buf, make([]byte, blockSize-rem)...)
	}

	blocks := len(buf) / blockSize
	batch := batchSize

	// write in batch to limit buffer requirements
	for i := 0; i < blocks; i += batch {
		if i+batch > blocks {
			batch = blocks - i
		}

		start := i * blockSize
		end := start + blockSize*batch

		n, err := dev.WriteBlocks(lba+uint(i), buf[start:end])
		if err != nil {
			return fmt.Errorf("write @ block %d: %v", lba+uint(i), err)
		}
		if n != uint(batch) {
			return fmt.Errorf("short write @ block %d: wrote %d of %d blocks", lba+uint(i), n, batch)
		}

		klog.V(2).Infof("flashed %d/%d blocks @ 0x%x", i+batch, blocks, lba)
	}

	return nil
}

// Read reads size bytes starting at block lba.
func Read(dev BlockReaderWriter, lba uint, size int) ([]byte, error) {
	bs := int(dev.BlockSize())
	if bs == 0 {
		return nil, fmt.Errorf("h/w invariant error - zero block size")
	}
	n := size
	if r := n % bs; r != 0 {
		n += bs - r
	}
	b := make([]byte, n)
	if err := dev.ReadBlocks(lba, b); err != nil {
		return nil, err
	}
	return b[:size], nil
}
