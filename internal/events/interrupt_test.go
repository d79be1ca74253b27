package events

import (
	"encoding/json"
	"reflect"
	"testing"
)

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var v map[string]any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("bad fixture %q: %v", s, err)
	}
	return v
}

const canonicalDescriptor = `{
	"kind": "approval_request",
	"question": "Approve the work so far and generate the final report?",
	"options": ["y", "retry", "n"],
	"analysis_preview": [
		{"type": "AIMessage", "content": "SWOT: strengths..."},
		{"type": "AIMessage", "content": "Technical risks..."}
	]
}`

func wantCanonical() *Interrupt {
	return &Interrupt{
		Kind:     InterruptKind,
		Question: "Approve the work so far and generate the final report?",
		Options:  []string{"y", "retry", "n"},
		Preview: []PreviewItem{
			{Type: "AIMessage", Content: "SWOT: strengths..."},
			{Type: "AIMessage", Content: "Technical risks..."},
		},
	}
}

func TestExtractInterrupt_LocationIndependence(t *testing.T) {
	d := canonicalDescriptor
	tests := []struct {
		name    string
		payload string
	}{
		{"top-level list with value wrapper", `{"__interrupt__": [{"value": ` + d + `, "id": "i-1"}]}`},
		{"top-level bare object", `{"__interrupt__": ` + d + `}`},
		{"nested under values", `{"values": {"__interrupt__": [{"value": ` + d + `}]}}`},
		{"pluralized list", `{"interrupts": [{"value": ` + d + `}]}`},
		{"pluralized task map", `{"interrupts": {"task-b": [{"value": {"question": "other"}}], "task-a": [{"value": ` + d + `, "id": "x"}]}}`},
		{"pluralized nested under values", `{"values": {"interrupts": [` + d + `]}}`},
		{"snapshot with status and values", `{"status": "interrupted", "values": {"current_step": "human_approval"}, "interrupts": {"t": [{"value": ` + d + `}]}}`},
	}

	want := wantCanonical()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractInterrupt(decode(t, tt.payload))
			if !reflect.DeepEqual(got, want) {
				t.Errorf("ExtractInterrupt() = %#v, want %#v", got, want)
			}
		})
	}
}

func TestExtractInterrupt_Idempotent(t *testing.T) {
	payload := decode(t, `{"__interrupt__": [{"value": `+canonicalDescriptor+`}]}`)

	first := ExtractInterrupt(payload)
	second := ExtractInterrupt(payload)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("second call differs: %#v vs %#v", first, second)
	}
	if _, still := payload["__interrupt__"]; !still {
		t.Error("input payload was modified")
	}
}

func TestExtractInterrupt_StatusFallback(t *testing.T) {
	got := ExtractInterrupt(decode(t, `{"status":"interrupted","values":{}}`))
	want := &Interrupt{
		Kind:     "approval_request",
		Question: "Approve?",
		Options:  []string{"y", "retry", "n"},
		Preview:  []PreviewItem{},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExtractInterrupt() = %#v, want %#v", got, want)
	}
}

func TestExtractInterrupt_None(t *testing.T) {
	tests := []struct {
		name    string
		payload any
	}{
		{"nil", nil},
		{"string payload", "interrupted"},
		{"idle snapshot", decode(t, `{"status":"idle","values":{"final_report":"done"}}`)},
		{"empty interrupts map", decode(t, `{"status":"idle","interrupts":{}}`)},
		{"empty interrupt list", decode(t, `{"__interrupt__":[]}`)},
		{"unrecognized descriptor", decode(t, `{"__interrupt__":[{"value":{"foo":"bar"}}]}`)},
		{"scalar value", decode(t, `{"__interrupt__":[{"value":"approve me"}]}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractInterrupt(tt.payload); got != nil {
				t.Errorf("ExtractInterrupt() = %#v, want nil", got)
			}
		})
	}
}

func TestExtractInterrupt_SkipsUnusableCandidate(t *testing.T) {
	payload := decode(t, `{
		"__interrupt__": [{"value": {"unrelated": true}}],
		"interrupts": [{"value": {"question": "Ship it?"}}]
	}`)

	got := ExtractInterrupt(payload)
	if got == nil {
		t.Fatal("expected interrupt from the second location")
	}
	if got.Question != "Ship it?" {
		t.Errorf("Question = %q, want %q", got.Question, "Ship it?")
	}
	if !reflect.DeepEqual(got.Options, DefaultOptions()) {
		t.Errorf("Options = %v, want defaults", got.Options)
	}
}

func TestExtractInterrupt_PreviewShapes(t *testing.T) {
	payload := decode(t, `{"__interrupt__": {"preview": [
		"plain text",
		{"type": "AIMessage", "content": {"sections": ["a", "b"]}},
		42
	]}}`)

	got := ExtractInterrupt(payload)
	if got == nil {
		t.Fatal("expected interrupt")
	}
	if len(got.Preview) != 2 {
		t.Fatalf("len(Preview) = %d, want 2", len(got.Preview))
	}
	if got.Preview[0].Type != "text" || got.Preview[0].Content != "plain text" {
		t.Errorf("Preview[0] = %#v", got.Preview[0])
	}
	if got.Preview[1].Type != "AIMessage" {
		t.Errorf("Preview[1].Type = %q", got.Preview[1].Type)
	}
}

func TestPreviewItem_Snippet(t *testing.T) {
	item := PreviewItem{Type: "AIMessage", Content: "one\ntwo\nthree\nfour"}

	if got := item.Snippet(2); got != "one\ntwo\n…" {
		t.Errorf("Snippet(2) = %q", got)
	}
	if got := item.Snippet(10); got != item.Text() {
		t.Errorf("Snippet(10) = %q, want full text", got)
	}

	structured := PreviewItem{Content: map[string]any{"k": "v"}}
	if got := structured.Text(); got != "{\n  \"k\": \"v\"\n}" {
		t.Errorf("Text() = %q", got)
	}
}
