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

package update

import (
	"fmt"
	"strings"

	"github.com/transparency-dev/armored-lcm/internal/sig"
	"github.com/transparency-dev/armored-lcm/internal/storage/slots"
)

// Role is the personality the binary was built as.
type Role int

const (
	// RoleBoot is the minimal stage which installs the lifecycle manager.
	RoleBoot Role = iota
	// RoleMain is the full lifecycle manager which installs the application.
	RoleMain
)

func (r Role) String() string {
	switch r {
	case RoleBoot:
		return "boot"
	case RoleMain:
		return "main"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// ParseRole parses a role name as given to the linker.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "boot":
		return RoleBoot, nil
	case "main":
		return RoleMain, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// State is a state of the orchestrator.
type State int

const (
	Bootstrap State = iota
	KeySelfCheck
	ModeInit
	BackoffWait
	RefreshKey
	VerifyCert
	VerifyCertHash
	KeyRotationWalk
	TestServerAuthenticity
	BootBranch
	MainBranch

	// Fallback selects boot slot 0 and restarts.
	Fallback
	// Reboot restarts with the boot selection unchanged.
	Reboot
	// BootAlternate starts boot slot 1 once.
	BootAlternate
	// AwaitingOperator stops until an operator publishes a signature made by
	// this device.
	AwaitingOperator
	// Halted stops on an unrecoverable condition.
	Halted

	numStates
)

var stateNames = [numStates]string{
	Bootstrap:              "BOOTSTRAP",
	KeySelfCheck:           "KEY_SELF_CHECK",
	ModeInit:               "MODE_INIT",
	BackoffWait:            "BACKOFF_WAIT",
	RefreshKey:             "REFRESH_KEY",
	VerifyCert:             "VERIFY_CERT",
	VerifyCertHash:         "VERIFY_CERT_HASH",
	KeyRotationWalk:        "KEY_ROTATION_WALK",
	TestServerAuthenticity: "TEST_SERVER_AUTHENTICITY",
	BootBranch:             "BOOT_BRANCH",
	MainBranch:             "MAIN_BRANCH",
	Fallback:               "FALLBACK",
	Reboot:                 "REBOOT",
	BootAlternate:          "BOOT_ALTERNATE",
	AwaitingOperator:       "AWAITING_OPERATOR",
	Halted:                 "HALTED",
}

func (s State) String() string {
	if s < 0 || s >= numStates {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal returns true for states which end a run.
func (s State) Terminal() bool {
	return s >= Fallback
}

// Target identifies an artifact and the slot it is destined for.
type Target struct {
	Repo     string
	Version  string
	Filename string
	Slot     *slots.Slot
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s/%s", t.Repo, t.Version, t.Filename)
}

// Result describes how a run ended.
type Result struct {
	// State is the terminal state reached.
	State State
	// Reason is a human readable explanation of the final transition.
	Reason string
	// Pending, when State is AwaitingOperator, holds the record this device
	// signed, to be published out of band.
	Pending *sig.Record
}
