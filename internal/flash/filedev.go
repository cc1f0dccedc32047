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

package flash

import (
	"fmt"
	"os"
	"sync"

	"k8s.io/klog/v2"
)

// MaxTransferBytes is the largest single transfer the file device performs.
// Larger requests are chunked.
var MaxTransferBytes = 32 * 1024

// FileDev is a block device backed by an image file on the host filesystem,
// used to emulate the device flash.
type FileDev struct {
	mu        sync.Mutex
	f         *os.File
	blockSize uint
	numBlocks uint
}

// OpenFileDev opens (creating if necessary) the flash image at path, sized to
// hold numBlocks blocks of blockSize bytes.
func OpenFileDev(path string, blockSize, numBlocks uint) (*FileDev, error) {
	if blockSize == 0 || numBlocks == 0 {
		return nil, fmt.Errorf("invalid geometry: %d blocks of %d bytes", numBlocks, blockSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open flash image %q: %v", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to stat flash image %q: %v", path, err)
	}
	want := int64(blockSize) * int64(numBlocks)
	if fi.Size() < want {
		klog.Infof("Extending flash image %q from %d to %d bytes", path, fi.Size(), want)
		if err := f.Truncate(want); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to size flash image %q: %v", path, err)
		}
	}
	return &FileDev{
		f:         f,
		blockSize: blockSize,
		numBlocks: numBlocks,
	}, nil
}

// BlockSize returns the size in bytes of the each block in the underlying storage.
func (d *FileDev) BlockSize() uint {
	return d.blockSize
}

// NumBlocks returns the number of blocks in the image.
func (d *FileDev) NumBlocks() uint {
	return d.numBlocks
}

// ReadBlocks reads data from the image at the given block address into b.
// b must be a multiple of the block size.
func (d *FileDev) ReadBlocks(lba uint, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := d.check(lba, len(b)); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	off := int64(lba) * int64(d.blockSize)
	for len(b) > 0 {
		bl := len(b)
		if bl > MaxTransferBytes {
			bl = MaxTransferBytes
		}
		if _, err := d.f.ReadAt(b[:bl], off); err != nil {
			return fmt.Errorf("read @ offset %d: %v", off, err)
		}
		b = b[bl:]
		off += int64(bl)
	}
	return nil
}

// WriteBlocks writes the data in b to the image starting at the given block address.
// If the final block to be written is partial, it will be padded with zeroes to ensure that
// full blocks are written.
// Returns the number of blocks written, or an error.
func (d *FileDev) WriteBlocks(lba uint, b []byte) (uint, error) {
	if len(b) == 0 {
		return 0, nil
	}
	bs := int(d.blockSize)
	if r := len(b) % bs; r != 0 {
		b = append(b, make([]byte, bs-r)...)
	}
	if err := d.check(lba, len(b)); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	numBlocks := uint(len(b) / bs)
	off := int64(lba) * int64(bs)
	for len(b) > 0 {
		bl := len(b)
		if bl > MaxTransferBytes {
			bl = MaxTransferBytes
		}
		if _, err := d.f.WriteAt(b[:bl], off); err != nil {
			klog.Infof("WriteAt(%d, ...) = %v", off, err)
			return 0, err
		}
		b = b[bl:]
		off += int64(bl)
	}
	if err := d.f.Sync(); err != nil {
		return 0, fmt.Errorf("sync: %v", err)
	}
	return numBlocks, nil
}

// Close releases the underlying image file.
func (d *FileDev) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

func (d *FileDev) check(lba uint, n int) error {
	blocks := uint(n) / d.blockSize
	if lba >= d.numBlocks || lba+blocks > d.numBlocks {
		return fmt.Errorf("access to blocks [%d, %d) outside device of %d blocks", lba, lba+blocks, d.numBlocks)
	}
	return nil
}
