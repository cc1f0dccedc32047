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

// Package sig provides the signature records which bind a published
// artifact's hash to its filename.
//
// A record is a signed note whose text is formatted like so:
//
//	armored-lcm record
//	<filename>
//	<base64 SHA-384 of the artifact>
//
// Trusted public keys are note verifier strings, private keys are note
// signer strings.
package sig

import (
	"bytes"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/sumdb/note"
)

const recordHeader = "armored-lcm record"

var (
	// ErrBadSignature is returned when a record does not verify under a key.
	ErrBadSignature = errors.New("signature does not verify")
	// ErrMalformed is returned when a record or key cannot be parsed.
	ErrMalformed = errors.New("malformed record")
)

// Record is a hash and signature pair bound to a filename.
type Record struct {
	// Filename is the artifact the record describes.
	Filename string
	// Hash is the SHA-384 digest of the artifact.
	Hash []byte
	// Note is the raw signed note, as published.
	Note []byte
}

// Hash returns the digest used in records for the given artifact content.
func Hash(data []byte) []byte {
	h := sha512.Sum384(data)
	return h[:]
}

// Matches returns true if the record's hash is the digest of data.
func (r *Record) Matches(data []byte) bool {
	return r != nil && bytes.Equal(r.Hash, Hash(data))
}

// Sign creates a record for the artifact content data, published under filename.
func Sign(s note.Signer, filename string, data []byte) (*Record, error) {
	if strings.ContainsAny(filename, "\n") || filename == "" {
		return nil, fmt.Errorf("invalid filename %q", filename)
	}
	h := Hash(data)
	n := &note.Note{
		Text: fmt.Sprintf("%s\n%s\n%s\n", recordHeader, filename, base64.StdEncoding.EncodeToString(h)),
	}
	b, err := note.Sign(n, s)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %q: %v", filename, err)
	}
	return &Record{Filename: filename, Hash: h, Note: b}, nil
}

// Parse decodes a published record without checking its signatures.
func Parse(b []byte) (*Record, error) {
	n, err := note.Open(b, note.VerifierList())
	var uErr *note.UnverifiedNoteError
	switch {
	case err == nil:
	case errors.As(err, &uErr):
		n = uErr.Note
	default:
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	r, err := parseText(n.Text)
	if err != nil {
		return nil, err
	}
	r.Note = b
	return r, nil
}

func parseText(t string) (*Record, error) {
	lines := strings.Split(strings.TrimSuffix(t, "\n"), "\n")
	if len(lines) != 3 || lines[0] != recordHeader {
		return nil, fmt.Errorf("%w: unexpected text %q", ErrMalformed, t)
	}
	h, err := base64.StdEncoding.DecodeString(lines[2])
	if err != nil || len(h) != sha512.Size384 {
		return nil, fmt.Errorf("%w: bad hash %q", ErrMalformed, lines[2])
	}
	return &Record{Filename: lines[1], Hash: h}, nil
}

// Verify checks that the record carries a valid signature from the key
// described by the note verifier string vkey, and that the signed text
// agrees with the record's filename and hash.
func Verify(r *Record, vkey string) error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrMalformed)
	}
	v, err := ParseKey([]byte(vkey))
	if err != nil {
		return err
	}
	n, err := note.Open(r.Note, note.VerifierList(v))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadSignature, r.Filename, err)
	}
	signed, err := parseText(n.Text)
	if err != nil {
		return err
	}
	if signed.Filename != r.Filename || !bytes.Equal(signed.Hash, r.Hash) {
		return fmt.Errorf("%w: signed text does not match record for %q", ErrBadSignature, r.Filename)
	}
	return nil
}

// ParseKey parses a public key as stored in a key slot.
func ParseKey(b []byte) (note.Verifier, error) {
	v, err := note.NewVerifier(strings.TrimSpace(string(b)))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid public key: %v", ErrMalformed, err)
	}
	return v, nil
}

// IsPublicKeyOf returns true if the public key vkey belongs to the signer s.
// The signer signs a challenge which must then open under vkey.
func IsPublicKeyOf(vkey []byte, s note.Signer) bool {
	v, err := ParseKey(vkey)
	if err != nil {
		return false
	}
	if v.Name() != s.Name() || v.KeyHash() != s.KeyHash() {
		return false
	}
	b, err := note.Sign(&note.Note{Text: "armored-lcm key check\n"}, s)
	if err != nil {
		return false
	}
	_, err = note.Open(b, note.VerifierList(v))
	return err == nil
}
