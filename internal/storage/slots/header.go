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

package slots

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
)

const (
	// headerMagic marks a slot header block which has been written.
	headerMagic = "LCMS"
	// headerSize is the number of bytes of the header block in use:
	// magic, revision, length, crc.
	headerSize = 4 + 4 + 4 + 4
)

// Header is the decoded form of the first block of a slot.
type Header struct {
	// Valid is true when the header block holds a complete, checksummed header.
	Valid bool
	// Revision is the slot's revision. Zero means the slot holds complete
	// data which has never been made current.
	Revision uint32
	// Length is the number of data bytes following the header block.
	Length uint32
}

func (h Header) encode() []byte {
	if !h.Valid {
		return make([]byte, headerSize)
	}
	b := make([]byte, headerSize)
	copy(b, headerMagic)
	binary.BigEndian.PutUint32(b[4:], h.Revision)
	binary.BigEndian.PutUint32(b[8:], h.Length)
	binary.BigEndian.PutUint32(b[12:], crc32.ChecksumIEEE(b[:12]))
	return b
}

func decodeHeader(b []byte) Header {
	if len(b) < headerSize || !bytes.Equal(b[:4], []byte(headerMagic)) {
		return Header{}
	}
	if crc32.ChecksumIEEE(b[:12]) != binary.BigEndian.Uint32(b[12:]) {
		return Header{}
	}
	return Header{
		Valid:    true,
		Revision: binary.BigEndian.Uint32(b[4:]),
		Length:   binary.BigEndian.Uint32(b[8:]),
	}
}
