package events

import (
	"strings"
	"testing"

	"github.com/HyphaGroup/gatekeeper/internal/sse"
)

func frameFrom(t *testing.T, body string) sse.Frame {
	t.Helper()
	d := sse.NewDecoder()
	frames := append(d.Feed([]byte(body)), d.Flush()...)
	if len(frames) != 1 {
		t.Fatalf("fixture produced %d frames, want 1", len(frames))
	}
	return frames[0]
}

func kinds(facts []Fact) []FactKind {
	out := make([]FactKind, len(facts))
	for i, f := range facts {
		out[i] = f.Kind
	}
	return out
}

func TestClassify_StageStartMarker(t *testing.T) {
	frame := frameFrom(t, "event: updates\ndata: {\"research_start\":{\"current_step\":\"research_agent\"}}\n\n")

	facts := Classify(frame, false)
	if len(facts) != 1 {
		t.Fatalf("facts = %v, want exactly one", kinds(facts))
	}
	if facts[0].Kind != FactStepChanged || facts[0].Step != "research_agent" {
		t.Errorf("fact = %+v, want StepChanged{research_agent}", facts[0])
	}
}

func TestClassify_StageStartMarkerWithoutValue(t *testing.T) {
	frame := frameFrom(t, "event: updates\ndata: {\"human_approval_start\":null}\n\n")

	facts := Classify(frame, false)
	if len(facts) != 1 || facts[0].Step != StageHumanApproval {
		t.Errorf("facts = %+v, want StepChanged{human_approval}", facts)
	}
}

func TestClassify_InterruptWins(t *testing.T) {
	frame := frameFrom(t, `event: updates
data: {"__interrupt__":[{"value":{"kind":"approval_request","question":"Go?"}}],"values":{"current_step":"human_approval"}}

`)

	facts := Classify(frame, false)
	if len(facts) != 1 || facts[0].Kind != FactInterrupt {
		t.Fatalf("facts = %v, want a single interrupt", kinds(facts))
	}
	if facts[0].Interrupt.Question != "Go?" {
		t.Errorf("Question = %q", facts[0].Interrupt.Question)
	}
}

func TestClassify_InterruptBeatsQuietCategory(t *testing.T) {
	frame := frameFrom(t, "event: metadata\ndata: {\"interrupts\":[{\"value\":{\"question\":\"q\"}}]}\n\n")

	if facts := Classify(frame, false); facts[0].Kind != FactInterrupt {
		t.Errorf("facts = %v, want interrupt", kinds(facts))
	}
}

func TestClassify_QuietCategories(t *testing.T) {
	for _, event := range []string{"metadata", "heartbeat", "ping", "keepalive", "end"} {
		t.Run(event, func(t *testing.T) {
			frame := frameFrom(t, "event: "+event+"\ndata: {\"run_id\":\"r\",\"values\":{\"current_step\":\"x\"}}\n\n")

			if facts := Classify(frame, false); len(facts) != 1 || facts[0].Kind != FactNoise {
				t.Errorf("quiet: facts = %v, want noise", kinds(facts))
			}
			// Verbose mode lets the frame through to the later rules.
			if facts := Classify(frame, true); facts[0].Kind == FactNoise {
				t.Errorf("verbose: facts = %v, want something other than noise", kinds(facts))
			}
		})
	}
}

func TestClassify_NestedCurrentStepRegardlessOfEvent(t *testing.T) {
	frame := frameFrom(t, "event: custom\ndata: {\"values\":{\"current_step\":\"market_agent\"},\"market_agent\":{}}\n\n")

	facts := Classify(frame, false)
	if len(facts) != 1 || facts[0].Kind != FactStepChanged || facts[0].Step != "market_agent" {
		t.Errorf("facts = %+v, want StepChanged{market_agent}", facts)
	}
}

func TestClassify_StageUpdateSummaries(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		wantAgent   string
		wantSummary string
	}{
		{
			name:        "final report preferred",
			data:        `{"report_agent":{"final_report":"Business plan.\nEnd of report.","analysis_messages":[{"content":"ignored"}]}}`,
			wantAgent:   "report_agent",
			wantSummary: "Business plan. End of report.",
		},
		{
			name:        "last analysis message",
			data:        `{"market_agent":{"analysis_messages":[{"type":"ai","content":"first"},{"type":"ai","content":"SWOT done"}]}}`,
			wantAgent:   "market_agent",
			wantSummary: "SWOT done",
		},
		{
			name:        "research message",
			data:        `{"research_agent":{"research_messages":[{"content":"searching"}]}}`,
			wantAgent:   "research_agent",
			wantSummary: "searching",
		},
		{
			name:        "json rendering fallback",
			data:        `{"tools":{"loop_count":2}}`,
			wantAgent:   "tools",
			wantSummary: `{"loop_count":2}`,
		},
		{
			name:        "metadata keys skipped",
			data:        `{"__metadata__":{"x":1},"summary_agent":{"loop_count":0}}`,
			wantAgent:   "summary_agent",
			wantSummary: `{"loop_count":0}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facts := Classify(frameFrom(t, "event: updates\ndata: "+tt.data+"\n\n"), false)
			if len(facts) != 2 {
				t.Fatalf("facts = %v, want step + log", kinds(facts))
			}
			if facts[0].Kind != FactStepChanged || facts[0].Step != tt.wantAgent {
				t.Errorf("facts[0] = %+v, want StepChanged{%s}", facts[0], tt.wantAgent)
			}
			log := facts[1].Log
			if facts[1].Kind != FactLogEntry || log == nil {
				t.Fatalf("facts[1] = %+v, want log entry", facts[1])
			}
			if log.Tag != TagUpdate || log.Agent != tt.wantAgent {
				t.Errorf("log tag/agent = %q/%q", log.Tag, log.Agent)
			}
			if log.Summary != tt.wantSummary {
				t.Errorf("Summary = %q, want %q", log.Summary, tt.wantSummary)
			}
		})
	}
}

func TestClassify_SubgraphNamespacedUpdates(t *testing.T) {
	frame := frameFrom(t, "event: updates|research:abc\ndata: {\"tools_start\":{\"current_step\":\"tools\"}}\n\n")

	facts := Classify(frame, false)
	if len(facts) != 1 || facts[0].Step != "tools" {
		t.Errorf("facts = %+v, want StepChanged{tools}", facts)
	}
}

func TestClassify_Values(t *testing.T) {
	frame := frameFrom(t, "event: values\ndata: {\"current_step\":\"report_agent\",\"final_report\":\"The plan\"}\n\n")

	facts := Classify(frame, false)
	if got := kinds(facts); len(got) != 2 || got[0] != FactLogEntry || got[1] != FactTerminal {
		t.Fatalf("facts = %v, want log + terminal", got)
	}
	if facts[0].Log.Tag != TagState {
		t.Errorf("Tag = %q, want %q", facts[0].Log.Tag, TagState)
	}
	if facts[1].Report != "The plan" {
		t.Errorf("Report = %q", facts[1].Report)
	}

	noStep := frameFrom(t, "event: values\ndata: {\"loop_count\":1}\n\n")
	if facts := Classify(noStep, false); facts[0].Kind != FactNoise {
		t.Errorf("values without current_step = %v, want noise", kinds(facts))
	}
}

func TestClassify_ErrorsAreNeverNoise(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{"event: error\ndata: {\"error\":\"ValueError\",\"message\":\"model exploded\"}\n\n", "model exploded"},
		{"event: error\ndata: plain failure\n\n", "plain failure"},
	}

	for _, tt := range tests {
		facts := Classify(frameFrom(t, tt.body), false)
		if len(facts) != 1 || facts[0].Kind != FactLogEntry || facts[0].Log.Tag != TagError {
			t.Fatalf("facts = %+v, want error log entry", facts)
		}
		if facts[0].Log.Summary != tt.want {
			t.Errorf("Summary = %q, want %q", facts[0].Log.Summary, tt.want)
		}
	}
}

func TestClassify_VerboseFallback(t *testing.T) {
	long := strings.Repeat("x", 400)
	frame := frameFrom(t, "event: debug\ndata: "+long+"\n\n")

	if facts := Classify(frame, false); facts[0].Kind != FactNoise {
		t.Errorf("quiet: %v, want noise", kinds(facts))
	}

	facts := Classify(frame, true)
	if facts[0].Kind != FactLogEntry {
		t.Fatalf("verbose: %v, want log entry", kinds(facts))
	}
	if facts[0].Log.Tag != "debug" {
		t.Errorf("Tag = %q, want the event name", facts[0].Log.Tag)
	}
	if n := len([]rune(facts[0].Log.Summary)); n != SummaryLimit {
		t.Errorf("summary length = %d, want %d", n, SummaryLimit)
	}
	if facts[0].Log.Raw != long {
		t.Error("Raw should keep the full payload")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		limit int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"a bit too long", 5, "a bi…"},
		{"日本語テキスト", 4, "日本語…"},
		{"anything", 0, "anything"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.limit); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
		}
	}
}
