package run

import (
	"fmt"

	"github.com/HyphaGroup/gatekeeper/internal/events"
)

/*
RUN STATE - PURE TRANSITIONS

State is a value. Every transition is a method that returns a new State and
never touches the receiver, so the driver can compute the next state under
its lock, compare, and publish it.

    idle ──Start──> starting ──Reconcile──> awaiting_approval ──Resume──> resuming
      ^                │                         │                          │
      │                │                         │                          ├─Reconcile─> awaiting_approval
      │                └──Fail──> error <────────┼──────────Fail────────────┤
      │                             │            │                          └─Reconcile─> done
      └──────Reset (any phase)──────┴────────────┘

    Start is allowed from every phase; an in-flight operation is superseded.
    Resume is allowed from awaiting_approval, and from error or a cancelled
    resume when the paused session and its interrupt are still known.
    Cancel leaves the phase alone and only marks the state cancelled.
    Restore (idle only) re-enters awaiting_approval after a restart.

Generation increases with every Start, Resume, Restore and Reset. Results
computed for an older generation are discarded by the driver.
*/

// State is the client's view of the current run.
type State struct {
	Phase     Phase             `json:"phase"`
	SessionID string            `json:"thread_id,omitempty"`
	RunID     string            `json:"run_id,omitempty"`
	Theme     string            `json:"theme,omitempty"`
	Step      string            `json:"step,omitempty"`
	Interrupt *events.Interrupt `json:"interrupt,omitempty"`
	Report    string            `json:"report,omitempty"`

	// NoReport marks a run that finished without producing a report.
	NoReport bool `json:"no_report,omitempty"`

	// Cancelled marks an in-flight phase whose operation the user aborted.
	// The phase is left as it was; nothing is running any more.
	Cancelled bool `json:"cancelled,omitempty"`

	Err        string `json:"error,omitempty"`
	Generation uint64 `json:"generation"`
}

// Outcome is what one source (the stream or the snapshot) says about how a
// run ended.
type Outcome struct {
	Step      string
	Interrupt *events.Interrupt
	Report    string
}

// PendingAction returns the one action offered in this state.
func (s State) PendingAction() Action {
	switch s.Phase {
	case PhaseAwaiting:
		return ActionDecide
	case PhaseStarting, PhaseResuming:
		if !s.Cancelled {
			return ActionCancel
		}
		if s.CanResume() {
			return ActionDecide
		}
	case PhaseError:
		if s.CanResume() {
			return ActionDecide
		}
	}
	return ActionStart
}

// CanResume reports whether a decision may be submitted.
func (s State) CanResume() bool {
	switch s.Phase {
	case PhaseAwaiting:
		return s.SessionID != ""
	case PhaseError:
		return s.SessionID != "" && s.Interrupt != nil
	case PhaseStarting, PhaseResuming:
		return s.Cancelled && s.SessionID != "" && s.Interrupt != nil
	}
	return false
}

// running reports whether an operation is still driving this state.
func (s State) running() bool {
	return s.Phase.InFlight() && !s.Cancelled
}

// Start begins a fresh run. The session id is assigned once the server
// allocates it.
func (s State) Start(gen uint64, runID, theme string) State {
	return State{
		Phase:      PhaseStarting,
		RunID:      runID,
		Theme:      theme,
		Generation: gen,
	}
}

// WithSession records the session allocated for the run.
func (s State) WithSession(id string) State {
	s.SessionID = id
	return s
}

// Resume continues the paused session. The last interrupt is kept so the
// gate can be offered again if the resume fails.
func (s State) Resume(gen uint64, runID string) (State, error) {
	if s.SessionID == "" && (s.Phase == PhaseAwaiting || s.Phase == PhaseError) {
		return s, ErrNoSession
	}
	if !s.CanResume() {
		return s, fmt.Errorf("%w: cannot resume from %s", ErrInvalidTransition, s.Phase)
	}
	s.Phase = PhaseResuming
	s.RunID = runID
	s.Cancelled = false
	s.Err = ""
	s.Report = ""
	s.NoReport = false
	s.Generation = gen
	return s, nil
}

// Apply folds one fact into an in-flight state. Only step changes alter the
// state; interrupts and reports are decided by Reconcile.
func (s State) Apply(f events.Fact) State {
	if f.Kind == events.FactStepChanged && f.Step != "" && s.running() {
		s.Step = f.Step
	}
	return s
}

// Reconcile settles an in-flight run once its stream has closed. The
// snapshot outranks the stream; an interrupt outranks a report:
//
//	snapshot interrupt > snapshot report > stream interrupt > stream report > done without report
func (s State) Reconcile(snapshot, stream Outcome) (State, error) {
	if !s.running() {
		return s, fmt.Errorf("%w: cannot reconcile from %s", ErrInvalidTransition, s.Phase)
	}
	if snapshot.Step != "" {
		s.Step = snapshot.Step
	}
	s.Err = ""

	switch {
	case snapshot.Interrupt != nil:
		return s.pause(snapshot.Interrupt), nil
	case snapshot.Report != "":
		return s.finish(snapshot.Report), nil
	case stream.Interrupt != nil:
		return s.pause(stream.Interrupt), nil
	case stream.Report != "":
		return s.finish(stream.Report), nil
	}
	return s.finish(""), nil
}

func (s State) pause(in *events.Interrupt) State {
	s.Phase = PhaseAwaiting
	s.Interrupt = in
	s.Report = ""
	s.NoReport = false
	if s.Step == "" {
		s.Step = events.StageHumanApproval
	}
	return s
}

func (s State) finish(report string) State {
	s.Phase = PhaseDone
	s.Interrupt = nil
	s.Report = report
	s.NoReport = report == ""
	return s
}

// Fail moves an in-flight run to error. The session and last interrupt are
// kept so the run can be retried.
func (s State) Fail(err error) (State, error) {
	if !s.running() {
		return s, fmt.Errorf("%w: cannot fail from %s", ErrInvalidTransition, s.Phase)
	}
	s.Phase = PhaseError
	if err != nil {
		s.Err = err.Error()
	}
	return s, nil
}

// Cancel records a user abort of the running operation. The phase is kept.
func (s State) Cancel() (State, error) {
	if !s.running() {
		return s, fmt.Errorf("%w: nothing to cancel in %s", ErrInvalidTransition, s.Phase)
	}
	s.Cancelled = true
	return s, nil
}

// Restore re-enters the approval gate for a session found on disk.
func (s State) Restore(gen uint64, sessionID string, snapshot Outcome) (State, error) {
	if s.Phase != PhaseIdle {
		return s, fmt.Errorf("%w: cannot restore from %s", ErrInvalidTransition, s.Phase)
	}
	if sessionID == "" {
		return s, ErrNoSession
	}
	if snapshot.Interrupt == nil {
		return s, fmt.Errorf("%w: session %s is not paused", ErrInvalidTransition, sessionID)
	}
	next := State{SessionID: sessionID, Step: snapshot.Step, Theme: s.Theme, Generation: gen}
	return next.pause(snapshot.Interrupt), nil
}

// Reset returns to idle, keeping nothing but the generation counter.
func (s State) Reset(gen uint64) State {
	return State{Phase: PhaseIdle, Generation: gen}
}
