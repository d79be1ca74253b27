package run

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/HyphaGroup/gatekeeper/internal/audit"
	"github.com/HyphaGroup/gatekeeper/internal/events"
	"github.com/HyphaGroup/gatekeeper/internal/logger"
	"github.com/HyphaGroup/gatekeeper/internal/metrics"
	"github.com/HyphaGroup/gatekeeper/internal/sse"
	"github.com/HyphaGroup/gatekeeper/internal/store"
	"github.com/HyphaGroup/gatekeeper/internal/transport"
	"github.com/HyphaGroup/gatekeeper/internal/validation"
)

// DefaultTheme is used when a run is started without one.
const DefaultTheme = "Space debris removal business"

// Thread statuses reported while the server is still working on a run.
var busyStatuses = map[string]bool{"busy": true, "pending": true, "running": true}

/*
DRIVER - ONE RUN AT A TIME

The Driver owns the transport, the store, the logbook and the current State.
Start and Submit block until their run settles (paused at the gate, done,
failed or aborted) and can be called from any goroutine.

SUPERSEDING:

    Every Start, Submit, Restore and Reset bumps the generation under mu and
    cancels the previous operation's context with AbortSuperseded. Each step
    of an operation re-checks its generation before touching state, so a
    superseded operation's late results are dropped.

    openMu makes "check generation, then OpenRun" atomic. Without it an old
    operation could pass the check, lose the CPU, and open its stream after
    the newer one, superseding the newer stream instead of its own.

ORDERING:

    Frames are classified outside the lock and their facts applied under one
    acquisition, so a StepChanged and LogEntry from the same frame are never
    observed apart.

SUBSCRIBERS:

    Each subscriber has a one-slot channel. A newer view replaces an unread
    one, so a slow reader skips intermediate views and never blocks the run.
*/

// Options configures a Driver.
type Options struct {
	// Verbose surfaces every frame in the log, including keepalives.
	Verbose bool
	// DefaultTheme replaces an empty theme. Empty means DefaultTheme.
	DefaultTheme string
	// Audit receives operation records. Nil uses audit.Default().
	Audit *audit.Logger
}

// Driver drives runs against a Transport and persists them in a Store.
type Driver struct {
	transport    transport.Transport
	store        store.Store
	logbook      *Logbook
	audit        *audit.Logger
	verbose      bool
	defaultTheme string

	mu       sync.Mutex
	state    State
	gen      uint64
	opCancel context.CancelCauseFunc

	openMu sync.Mutex

	subMu sync.Mutex
	subs  map[chan View]struct{}
}

// NewDriver creates a driver in the idle phase with the persisted log
// history loaded. Call Restore to pick up a paused session.
func NewDriver(t transport.Transport, st store.Store, opts Options) (*Driver, error) {
	d := &Driver{
		transport:    t,
		store:        st,
		logbook:      NewLogbook(DefaultLogCapacity, st),
		audit:        opts.Audit,
		verbose:      opts.Verbose,
		defaultTheme: opts.DefaultTheme,
		subs:         make(map[chan View]struct{}),
	}
	if d.audit == nil {
		d.audit = audit.Default()
	}
	if d.defaultTheme == "" {
		d.defaultTheme = DefaultTheme
	}
	if err := d.logbook.Load(); err != nil {
		return nil, fmt.Errorf("failed to load log history: %w", err)
	}
	theme, err := st.LoadTheme()
	if err != nil {
		return nil, fmt.Errorf("failed to load theme: %w", err)
	}
	d.state = State{Phase: PhaseIdle, Theme: theme}
	return d, nil
}

// State returns the current state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Snapshot returns the current state with its log history, for renderers.
func (d *Driver) Snapshot() View {
	d.mu.Lock()
	defer d.mu.Unlock()
	return NewView(d.state, d.logbook.Entries())
}

// Subscribe returns a channel of views published on every change, and a
// function that ends the subscription.
func (d *Driver) Subscribe() (<-chan View, func()) {
	ch := make(chan View, 1)
	d.subMu.Lock()
	d.subs[ch] = struct{}{}
	d.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.subMu.Lock()
			delete(d.subs, ch)
			d.subMu.Unlock()
			close(ch)
		})
	}
}

// Start begins a new run on a fresh session. Any operation in flight is
// superseded. It returns once the run pauses at the gate or finishes.
func (d *Driver) Start(ctx context.Context, theme string) (State, error) {
	if strings.TrimSpace(theme) == "" {
		theme = d.defaultTheme
	}
	theme, err := validation.NormalizeTheme(theme)
	if err != nil {
		return d.State(), err
	}

	runID := uuid.NewString()
	d.mu.Lock()
	gen, opCtx, cancel := d.beginOp(ctx)
	d.setState(d.state.Start(gen, runID, theme))
	d.addLog(events.LogEntry{Tag: events.TagRun, Summary: "run started: " + events.Truncate(theme, events.SummaryLimit), Detail: theme})
	d.mu.Unlock()
	defer d.endOp(gen, cancel)

	ctx = logger.WithRun(opCtx, runID, "start")
	logger.InfoContext(ctx, "starting run", "theme", theme)

	id, err := d.transport.CreateSession(ctx)
	if err == nil {
		if verr := validation.ValidateThreadID(id); verr != nil {
			err = &transport.MalformedResponseError{Op: "create session", Field: "thread_id"}
		}
	}
	if err != nil {
		d.audit.Record(audit.OpRunStart, "", runID, err)
		return d.fail(ctx, gen, err)
	}
	ctx = logger.WithThreadID(ctx, id)

	d.mu.Lock()
	if d.gen != gen {
		d.mu.Unlock()
		return d.superseded()
	}
	d.setState(d.state.WithSession(id))
	err = errors.Join(d.store.Save(id), d.store.SaveTheme(theme))
	d.mu.Unlock()
	if err != nil {
		d.audit.Record(audit.OpRunStart, id, runID, err)
		return d.fail(ctx, gen, fmt.Errorf("failed to persist session: %w", err))
	}

	d.audit.Record(audit.OpRunStart, id, runID, nil)
	logger.InfoContext(ctx, "session created")
	return d.drive(ctx, gen, id, transport.RunRequest{Theme: theme})
}

// Submit sends the decision for the paused session. It is allowed while
// awaiting approval, and after a failed or cancelled resume.
func (d *Driver) Submit(ctx context.Context, decision Decision) (State, error) {
	token := decision.Token()
	if token == "" {
		return d.State(), fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	runID := uuid.NewString()
	d.mu.Lock()
	next, err := d.state.Resume(d.gen+1, runID)
	if err != nil {
		s := d.state
		d.mu.Unlock()
		return s, err
	}
	gen, opCtx, cancel := d.beginOp(ctx)
	d.setState(next)
	id := next.SessionID
	d.addLog(events.LogEntry{Tag: events.TagRun, Summary: "decision submitted: " + string(decision)})
	d.mu.Unlock()
	defer d.endOp(gen, cancel)

	ctx = logger.WithThreadID(logger.WithRun(opCtx, runID, "resume"), id)
	logger.InfoContext(ctx, "resuming run", "decision", decision)

	st, err := d.drive(ctx, gen, id, transport.RunRequest{Decision: token})
	d.audit.Log(&audit.Event{
		Operation: audit.OpRunResume,
		ThreadID:  id,
		RunID:     runID,
		Decision:  token,
		Success:   err == nil,
		Error:     errString(err),
	})
	return st, err
}

// Cancel aborts the running operation on behalf of the user. The phase is
// left unchanged; the aborted call returns an *transport.AbortError.
func (d *Driver) Cancel() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.state.Cancel(); err != nil {
		return err
	}
	if d.opCancel != nil {
		d.opCancel(&transport.AbortError{Reason: transport.AbortUser})
	}
	d.transport.Cancel(transport.AbortUser)
	d.audit.Record(audit.OpRunCancel, d.state.SessionID, d.state.RunID, nil)
	return nil
}

// Reset abandons the current session: the stored id, the log history and
// any result are cleared and the driver returns to idle.
func (d *Driver) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.state
	gen, _, cancel := d.beginOp(context.Background())
	cancel(nil)
	d.opCancel = nil
	d.transport.Cancel(transport.AbortSuperseded)

	err := errors.Join(d.store.Clear(), d.logbook.Clear())
	d.setState(prev.Reset(gen))
	d.audit.Record(audit.OpRunReset, prev.SessionID, prev.RunID, err)
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// Restore picks up a session persisted by an earlier process. A session
// paused at the gate moves the driver to awaiting approval; any other
// session is not actionable and its id is cleared. The id is kept when the
// snapshot cannot be fetched. It is a no-op unless the driver is idle.
func (d *Driver) Restore(ctx context.Context) (State, error) {
	id, err := d.store.Load()
	if err != nil {
		return d.State(), fmt.Errorf("failed to load session: %w", err)
	}
	if id == "" {
		return d.State(), nil
	}
	s, _, err := d.restore(ctx, id, false)
	return s, err
}

// Watch polls the persisted session until it pauses at the gate, it is no
// longer running, or ctx ends. Polls are spaced at least every apart. The
// id is held while the server reports the session busy.
func (d *Driver) Watch(ctx context.Context, every time.Duration) (State, error) {
	id, err := d.store.Load()
	if err != nil {
		return d.State(), fmt.Errorf("failed to load session: %w", err)
	}
	if id == "" {
		return d.State(), nil
	}

	limiter := rate.NewLimiter(rate.Every(every), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return d.State(), err
		}
		st, busy, err := d.restore(ctx, id, true)
		if err != nil && ctx.Err() != nil {
			return st, ctx.Err()
		}
		if st.Phase != PhaseIdle || (err == nil && !busy) {
			return st, nil
		}
	}
}

// restore polls the snapshot of id once. With keepBusy a session the server
// is still working on keeps its id and busy is reported.
func (d *Driver) restore(ctx context.Context, id string, keepBusy bool) (State, bool, error) {
	d.mu.Lock()
	if d.state.Phase != PhaseIdle {
		s := d.state
		d.mu.Unlock()
		return s, false, nil
	}
	d.gen++
	gen := d.gen
	d.mu.Unlock()

	ctx = logger.WithThreadID(logger.WithRun(ctx, "", "restore"), id)

	snap, err := d.transport.FetchSnapshot(ctx, id)
	if err != nil {
		logger.WarnContext(ctx, "failed to restore session", "error", err)
		d.mu.Lock()
		d.addLog(events.LogEntry{Tag: events.TagWarning, Summary: "could not restore session " + id, Detail: err.Error()})
		s := d.state
		d.mu.Unlock()
		d.audit.Record(audit.OpRunRestore, id, "", err)
		return s, false, err
	}
	outcome := snapshotOutcome(snap)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gen != gen {
		return d.state, false, &transport.AbortError{Reason: transport.AbortSuperseded}
	}

	switch {
	case outcome.Interrupt != nil:
		next, err := d.state.Restore(gen, id, outcome)
		if err != nil {
			return d.state, false, err
		}
		d.setState(next)
		d.addLog(events.LogEntry{Tag: events.TagInterrupt, Summary: "restored paused session: " + outcome.Interrupt.Question})
		logger.InfoContext(ctx, "restored paused session")
	case keepBusy && busyStatuses[snap.Status]:
		logger.DebugContext(ctx, "session still running", "status", snap.Status)
		return d.state, true, nil
	default:
		if err := d.store.Clear(); err != nil {
			return d.state, false, fmt.Errorf("failed to clear stale session: %w", err)
		}
		d.addLog(events.LogEntry{Tag: events.TagRun, Summary: "cleared stale session " + id})
		logger.InfoContext(ctx, "cleared stale session", "status", snap.Status)
	}
	d.audit.Record(audit.OpRunRestore, id, "", nil)
	return d.state, false, nil
}

// drive opens the run stream, folds its frames into the state, and
// reconciles with the snapshot once the stream ends.
func (d *Driver) drive(ctx context.Context, gen uint64, id string, req transport.RunRequest) (State, error) {
	d.openMu.Lock()
	if !d.current(gen) {
		d.openMu.Unlock()
		return d.superseded()
	}
	stream, err := d.transport.OpenRun(ctx, id, req)
	d.openMu.Unlock()
	if err != nil {
		return d.fail(ctx, gen, err)
	}

	var observed Outcome
	for frame := range stream.Frames() {
		d.applyFrame(ctx, gen, frame, &observed)
	}
	if err := stream.Err(); err != nil {
		return d.fail(ctx, gen, err)
	}
	logger.DebugContext(ctx, "stream closed", "frames", stream.FrameCount())
	if stream.FrameCount() == 0 {
		d.warn(ctx, gen, &transport.ProtocolWarning{Message: "stream closed without frames (possible proxy buffering)"})
	}

	snap, err := d.transport.FetchSnapshot(ctx, id)
	if err != nil {
		return d.fail(ctx, gen, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gen != gen {
		return d.state, &transport.AbortError{Reason: transport.AbortSuperseded}
	}
	next, err := d.state.Reconcile(snapshotOutcome(snap), observed)
	if err != nil {
		return d.state, err
	}
	d.setState(next)

	switch {
	case next.Phase == PhaseAwaiting:
		d.addLog(events.LogEntry{Tag: events.TagInterrupt, Summary: "approval requested: " + next.Interrupt.Question})
		logger.InfoContext(ctx, "run paused for approval")
	case next.NoReport:
		d.addLog(events.LogEntry{Tag: events.TagRun, Summary: "run finished without a report"})
		logger.InfoContext(ctx, "run finished without a report")
	default:
		d.addLog(events.LogEntry{Tag: events.TagRun, Summary: "report ready", Detail: next.Report})
		logger.InfoContext(ctx, "run finished", "report_bytes", len(next.Report))
	}
	// A finished session cannot be resumed, so it is no longer persisted.
	if next.Phase == PhaseDone {
		if err := d.store.Clear(); err != nil {
			logger.WarnContext(ctx, "failed to clear finished session", "error", err)
		}
	}
	return next, nil
}

func (d *Driver) applyFrame(ctx context.Context, gen uint64, frame sse.Frame, observed *Outcome) {
	facts := events.Classify(frame, d.verbose)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gen != gen || ctx.Err() != nil {
		return
	}

	next := d.state
	for _, f := range facts {
		metrics.RecordFact(string(f.Kind))
		switch f.Kind {
		case events.FactStepChanged:
			next = next.Apply(f)
		case events.FactLogEntry:
			if f.Log.Tag == events.TagError {
				logger.WarnContext(ctx, "server reported an error", "message", f.Log.Summary)
			}
			d.addLog(*f.Log)
		case events.FactInterrupt:
			observed.Interrupt = f.Interrupt
		case events.FactTerminal:
			observed.Report = f.Report
		}
	}
	d.setState(next)
}

// warn records a recoverable protocol oddity. The phase is left unchanged.
func (d *Driver) warn(ctx context.Context, gen uint64, w *transport.ProtocolWarning) {
	logger.WarnContext(ctx, "protocol warning", "message", w.Message)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gen != gen {
		return
	}
	d.addLog(events.LogEntry{Tag: events.TagWarning, Summary: w.Message, Detail: w.Error()})
}

// fail settles an operation that ended with err. Superseded operations
// leave no trace; a user abort keeps the phase; anything else is an error.
func (d *Driver) fail(ctx context.Context, gen uint64, err error) (State, error) {
	reason, aborted := transport.AbortReasonOf(err)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gen != gen || (aborted && reason == transport.AbortSuperseded) {
		return d.state, &transport.AbortError{Reason: transport.AbortSuperseded}
	}

	if aborted && reason == transport.AbortUser {
		if next, cerr := d.state.Cancel(); cerr == nil {
			d.setState(next)
		}
		d.addLog(events.LogEntry{Tag: events.TagCancel, Summary: "run cancelled"})
		logger.InfoContext(ctx, "run cancelled by user")
		return d.state, err
	}

	next, ferr := d.state.Fail(err)
	if ferr != nil {
		return d.state, errors.Join(err, ferr)
	}
	d.setState(next)
	d.addLog(events.LogEntry{Tag: events.TagError, Summary: events.Truncate(err.Error(), events.SummaryLimit), Detail: err.Error()})
	logger.ErrorContext(ctx, "run failed", "error", err)
	return d.state, err
}

func (d *Driver) superseded() (State, error) {
	return d.State(), &transport.AbortError{Reason: transport.AbortSuperseded}
}

// beginOp starts a new generation. Caller holds mu.
func (d *Driver) beginOp(parent context.Context) (uint64, context.Context, context.CancelCauseFunc) {
	if d.opCancel != nil {
		d.opCancel(&transport.AbortError{Reason: transport.AbortSuperseded})
	}
	d.gen++
	ctx, cancel := context.WithCancelCause(parent)
	d.opCancel = cancel
	return d.gen, ctx, cancel
}

func (d *Driver) endOp(gen uint64, cancel context.CancelCauseFunc) {
	cancel(nil)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gen == gen {
		d.opCancel = nil
	}
}

func (d *Driver) current(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gen == gen
}

// setState publishes next. Caller holds mu.
func (d *Driver) setState(next State) {
	if next.Phase != d.state.Phase {
		metrics.RecordTransition(string(d.state.Phase), string(next.Phase))
	}
	d.state = next
	d.publish()
}

// addLog records an entry and publishes. Caller holds mu.
func (d *Driver) addLog(entry events.LogEntry) {
	if err := d.logbook.Add(entry); err != nil {
		logger.Slog().Warn("failed to persist log entry", "error", err)
	}
	d.publish()
}

// publish sends the current view to every subscriber without blocking.
// Caller holds mu.
func (d *Driver) publish() {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	if len(d.subs) == 0 {
		return
	}
	view := NewView(d.state, d.logbook.Entries())
	for ch := range d.subs {
		select {
		case ch <- view:
		default:
			// Replace the unread view with the newer one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- view:
			default:
			}
		}
	}
}

func snapshotOutcome(snap *transport.Snapshot) Outcome {
	return Outcome{
		Step:      snap.CurrentStep(),
		Interrupt: snap.Interrupt(),
		Report:    snap.FinalReport(),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
