// Package run drives one human-in-the-loop pipeline run at a time.
//
// phase.go - Phases, decisions and the single pending action
//
// This file contains:
// - Phase, the lifecycle of a run as seen by the client
// - Decision and its protocol tokens
// - Action, the one thing a user can do next
// - Sentinel errors
//
// A run moves idle -> starting -> awaiting_approval -> resuming -> done.
// Any in-flight phase can fail into error; error is recoverable by a new
// start, or by a decision when the paused session is still known.

package run

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidTransition = errors.New("operation not allowed in current phase")
	ErrNoSession         = errors.New("no session to resume")
	ErrInvalidDecision   = errors.New("invalid decision")
)

// Phase is where the run is in its lifecycle.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhaseAwaiting Phase = "awaiting_approval"
	PhaseResuming Phase = "resuming"
	PhaseDone     Phase = "done"
	PhaseError    Phase = "error"
)

// Phases lists every phase, for exhaustive iteration.
var Phases = []Phase{PhaseIdle, PhaseStarting, PhaseAwaiting, PhaseResuming, PhaseDone, PhaseError}

// InFlight reports whether an operation is running in this phase.
func (p Phase) InFlight() bool {
	return p == PhaseStarting || p == PhaseResuming
}

// Decision is the human's answer at the approval gate.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionRetry   Decision = "retry"
	DecisionReject  Decision = "reject"
)

// Token returns the wire value sent as command.resume.
func (d Decision) Token() string {
	switch d {
	case DecisionApprove:
		return "y"
	case DecisionRetry:
		return "retry"
	case DecisionReject:
		return "n"
	}
	return ""
}

// ParseDecision accepts the user-facing words and the wire tokens, after
// trimming and lower-casing. Anything else is rejected rather than
// treated as a rejection.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved", "y", "yes":
		return DecisionApprove, nil
	case "retry", "r", "redo":
		return DecisionRetry, nil
	case "reject", "rejected", "n", "no":
		return DecisionReject, nil
	}
	return "", fmt.Errorf("%w: %q (want approve, retry or reject)", ErrInvalidDecision, s)
}

// Action is the single operation a user is offered next.
type Action string

const (
	ActionStart  Action = "start"
	ActionDecide Action = "decide"
	ActionCancel Action = "cancel"
)
