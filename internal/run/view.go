package run

import (
	"github.com/HyphaGroup/gatekeeper/internal/events"
)

// View is the renderer-facing projection of a State plus its log history.
// The CLI and the MCP tools both print it.
type View struct {
	Phase         Phase                `json:"phase" yaml:"phase"`
	PendingAction Action               `json:"pending_action" yaml:"pending_action"`
	ThreadID      string               `json:"thread_id,omitempty" yaml:"thread_id,omitempty"`
	RunID         string               `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Theme         string               `json:"theme,omitempty" yaml:"theme,omitempty"`
	Step          string               `json:"step,omitempty" yaml:"step,omitempty"`
	Question      string               `json:"question,omitempty" yaml:"question,omitempty"`
	Options       []string             `json:"options,omitempty" yaml:"options,omitempty"`
	Preview       []events.PreviewItem `json:"preview,omitempty" yaml:"preview,omitempty"`
	Report        string               `json:"report,omitempty" yaml:"report,omitempty"`
	NoReport      bool                 `json:"no_report,omitempty" yaml:"no_report,omitempty"`
	Cancelled     bool                 `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`
	Error         string               `json:"error,omitempty" yaml:"error,omitempty"`
	Logs          []events.LogEntry    `json:"logs,omitempty" yaml:"logs,omitempty"`
}

// NewView projects s. The question and preview are shown only while a
// decision is actually offered.
func NewView(s State, logs []events.LogEntry) View {
	v := View{
		Phase:         s.Phase,
		PendingAction: s.PendingAction(),
		ThreadID:      s.SessionID,
		RunID:         s.RunID,
		Theme:         s.Theme,
		Step:          s.Step,
		Report:        s.Report,
		NoReport:      s.NoReport,
		Cancelled:     s.Cancelled,
		Error:         s.Err,
		Logs:          logs,
	}
	if v.PendingAction == ActionDecide && s.Interrupt != nil {
		v.Question = s.Interrupt.Question
		v.Options = s.Interrupt.Options
		v.Preview = s.Interrupt.Preview
	}
	return v
}
