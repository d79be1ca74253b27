// Package events turns decoded protocol frames into the small set of facts
// the run driver cares about.
//
// types.go - Shared fact types
//
// This file contains:
// - FactKind and Fact, the normalized classification output
// - LogEntry, Interrupt and PreviewItem
// - Pipeline stage and event category constants
//
// Fact is a single tagged struct, mirroring how stream events are
// normalized elsewhere: Kind says which of the optional fields is set.

package events

import (
	"encoding/json"
	"strings"
	"time"
)

// FactKind identifies what a frame told us.
type FactKind string

const (
	FactStepChanged FactKind = "step_changed"
	FactLogEntry    FactKind = "log_entry"
	FactInterrupt   FactKind = "interrupt"
	FactTerminal    FactKind = "terminal_result"
	FactNoise       FactKind = "noise"
)

// Fact is one semantic observation derived from a frame.
type Fact struct {
	Kind FactKind `json:"kind"`

	// StepChanged
	Step string `json:"step,omitempty"`

	// LogEntry
	Log *LogEntry `json:"log,omitempty"`

	// InterruptRequest
	Interrupt *Interrupt `json:"interrupt,omitempty"`

	// TerminalResult
	Report string `json:"report,omitempty"`
}

// Log entry tags produced by the classifier and the driver.
const (
	TagUpdate    = "update"
	TagState     = "state"
	TagError     = "error"
	TagInterrupt = "interrupt"
	TagRun       = "run"
	TagWarning   = "warning"
	TagCancel    = "cancel"
)

// LogEntry is a human-readable activity record.
type LogEntry struct {
	Time    time.Time `json:"time" yaml:"time"`
	Tag     string    `json:"tag" yaml:"tag"`
	Agent   string    `json:"agent,omitempty" yaml:"agent,omitempty"`
	Summary string    `json:"summary" yaml:"summary"`
	Detail  string    `json:"detail,omitempty" yaml:"detail,omitempty"`
	Raw     string    `json:"raw,omitempty" yaml:"raw,omitempty"`
}

// InterruptKind is the only interrupt kind the pipeline raises.
const InterruptKind = "approval_request"

// Defaults used when the server pauses without a usable descriptor.
const DefaultQuestion = "Approve?"

// DefaultOptions returns the protocol decision tokens offered at the gate.
func DefaultOptions() []string {
	return []string{"y", "retry", "n"}
}

// Interrupt is the canonical approval-gate payload.
type Interrupt struct {
	Kind     string        `json:"kind" yaml:"kind"`
	Question string        `json:"question" yaml:"question"`
	Options  []string      `json:"options" yaml:"options"`
	Preview  []PreviewItem `json:"preview" yaml:"preview"`
}

// PreviewItem is one unit of work shown to the reviewer.
type PreviewItem struct {
	Type    string `json:"type" yaml:"type"`
	Content any    `json:"content" yaml:"content"`
}

// Text renders the content as text; structured content is rendered as
// indented JSON.
func (p PreviewItem) Text() string {
	switch c := p.Content.(type) {
	case nil:
		return ""
	case string:
		return c
	default:
		data, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// Snippet returns the first n lines of the content, with an ellipsis line
// when more were cut.
func (p PreviewItem) Snippet(n int) string {
	text := p.Text()
	if n <= 0 {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) <= n {
		return text
	}
	return strings.Join(lines[:n], "\n") + "\n…"
}

// Event categories emitted by the graph server.
const (
	EventUpdates   = "updates"
	EventValues    = "values"
	EventError     = "error"
	EventMetadata  = "metadata"
	EventHeartbeat = "heartbeat"
	EventPing      = "ping"
	EventKeepalive = "keepalive"
	EventEnd       = "end"
)

// Pipeline stages. Each "*_start" node only marks the next stage as current.
const (
	StageResearch      = "research_agent"
	StageTools         = "tools"
	StageSummary       = "summary_agent"
	StageMarket        = "market_agent"
	StageTechnical     = "technical_agent"
	StageHumanApproval = "human_approval"
	StageReport        = "report_agent"
)

// startMarkers maps each start-marker node to the stage it announces.
var startMarkers = map[string]string{
	"research_start":       StageResearch,
	"tools_start":          StageTools,
	"summary_start":        StageSummary,
	"market_start":         StageMarket,
	"technical_start":      StageTechnical,
	"human_approval_start": StageHumanApproval,
	"report_start":         StageReport,
}

var stages = map[string]bool{
	StageResearch:      true,
	StageTools:         true,
	StageSummary:       true,
	StageMarket:        true,
	StageTechnical:     true,
	StageHumanApproval: true,
	StageReport:        true,
}

// State keys shared by stream payloads and snapshots.
const (
	KeyCurrentStep      = "current_step"
	KeyFinalReport      = "final_report"
	KeyValues           = "values"
	KeyStatus           = "status"
	KeyAnalysisMessages = "analysis_messages"
	KeyResearchMessages = "research_messages"
)

// StatusInterrupted is the thread status of a run paused at the gate.
const StatusInterrupted = "interrupted"
