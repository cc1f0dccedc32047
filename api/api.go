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

// Package api describes the lifecycle manager status reported to operators.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Status is the lifecycle manager status.
type Status struct {
	Serial   string `json:"serial"`
	Role     string `json:"role"`
	Version  string `json:"version"`
	Revision string `json:"revision"`

	// KeySlot and KeyRevision locate the active trusted key; Key is empty if
	// the key store has not been bootstrapped.
	KeySlot     uint   `json:"key_slot"`
	KeyRevision uint32 `json:"key_revision"`
	Key         string `json:"key,omitempty"`

	ParamCounter   uint32 `json:"param_counter"`
	AppliedVersion string `json:"applied_version"`
	UserRepo       string `json:"user_repo,omitempty"`
	UserFile       string `json:"user_file,omitempty"`
	BootSlot       uint   `json:"boot_slot"`
	TempBoot       string `json:"temp_boot,omitempty"`

	Images []Image `json:"images"`
}

// Image describes the content of a boot slot.
type Image struct {
	Slot     uint   `json:"slot"`
	Valid    bool   `json:"valid"`
	Revision uint32 `json:"revision,omitempty"`
	Length   int    `json:"length,omitempty"`
	Hash     string `json:"hash,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Bytes serializes the status.
func (p *Status) Bytes() (buf []byte) {
	buf, _ = json.Marshal(p)
	return
}

// Print returns the lifecycle manager status in textual format.
func (p *Status) Print() string {
	var status bytes.Buffer

	key := p.Key
	if key == "" {
		key = "none"
	}
	tmp := p.TempBoot
	if tmp == "" {
		tmp = "-"
	}

	status.WriteString("------------------------------------------------- Lifecycle Manager ----\n")
	status.WriteString(fmt.Sprintf("Serial number ..........: %s\n", p.Serial))
	status.WriteString(fmt.Sprintf("Role ...................: %s\n", p.Role))
	status.WriteString(fmt.Sprintf("Version ................: %s\n", p.Version))
	status.WriteString(fmt.Sprintf("Revision ...............: %s\n", p.Revision))
	status.WriteString(fmt.Sprintf("Trusted key ............: slot %d rev %d %s\n", p.KeySlot, p.KeyRevision, key))
	status.WriteString(fmt.Sprintf("Parameters .............: counter %d\n", p.ParamCounter))
	status.WriteString(fmt.Sprintf("User application .......: %s/%s @ %s\n", p.UserRepo, p.UserFile, p.AppliedVersion))
	status.WriteString(fmt.Sprintf("Boot slot ..............: %d (next boot %s)", p.BootSlot, tmp))
	for _, i := range p.Images {
		status.WriteString("\n")
		switch {
		case i.Error != "":
			status.WriteString(fmt.Sprintf("Image slot %d ...........: error: %s", i.Slot, i.Error))
		case !i.Valid:
			status.WriteString(fmt.Sprintf("Image slot %d ...........: empty", i.Slot))
		default:
			status.WriteString(fmt.Sprintf("Image slot %d ...........: rev %d, %d bytes, %s", i.Slot, i.Revision, i.Length, i.Hash))
		}
	}

	return status.String()
}
