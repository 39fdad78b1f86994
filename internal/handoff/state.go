// Package handoff performs the one way transition from firmware to the
// kernel: capture the final memory map, exit boot services, write BootInfo,
// activate the new page tables and jump.
package handoff

import "fmt"

// State is a step of the handoff. HandedOff and Failed are terminal.
type State int

const (
	Preparing State = iota
	ExitingServices
	PostExit
	Activating
	Transferring
	HandedOff
	Failed
)

var stateNames = [...]string{
	Preparing:       "preparing",
	ExitingServices: "exiting-services",
	PostExit:        "post-exit",
	Activating:      "activating",
	Transferring:    "transferring",
	HandedOff:       "handed-off",
	Failed:          "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions follow.
func (s State) Terminal() bool { return s == HandedOff || s == Failed }

// Irrecoverable reports whether boot services may already be gone.
func (s State) Irrecoverable() bool { return s >= ExitingServices }

// Observer is told about every transition, in order.
type Observer func(from, to State)
