package events

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/HyphaGroup/gatekeeper/internal/sse"
)

// SummaryLimit caps the characters kept in a log entry summary.
const SummaryLimit = 140

/*
CLASSIFICATION PRECEDENCE

The server's payload shapes differ per event category and per deployment,
so each fact is searched for in several places. Rules are tried in order
and the first that matches decides the frame:

    1. interrupt descriptor at any known location  -> Interrupt
    2. keepalive/metadata category (quiet mode)     -> Noise
    3. nested values.current_step                   -> StepChanged
    4. "updates" with a pipeline stage key
         *_start marker                             -> StepChanged
         other stage                                -> StepChanged + LogEntry
    5. "values" with current_step                   -> LogEntry (+ TerminalResult)
    6. "error" category                             -> LogEntry
       verbose                                      -> LogEntry (raw)
       otherwise                                    -> Noise

Rule 3 wins over rule 4 for step tracking: a nested snapshot is treated as
newer than a stage inferred from an update in the same stream. The server
does not document that ordering.
*/

// Classify derives the facts carried by one frame. It never returns an
// empty slice: a frame with nothing useful yields a single Noise fact.
func Classify(frame sse.Frame, verbose bool) []Fact {
	obj, isObject := frame.Object()
	category := eventCategory(frame.Event)

	if isObject {
		if in := FindInterrupt(obj); in != nil {
			return []Fact{{Kind: FactInterrupt, Interrupt: in}}
		}
	}

	if !verbose && isQuietCategory(category) {
		return noise()
	}

	if isObject {
		if step := nestedCurrentStep(obj); step != "" {
			return []Fact{{Kind: FactStepChanged, Step: step}}
		}

		if category == EventUpdates {
			if facts := classifyUpdate(obj); facts != nil {
				return facts
			}
		}

		if category == EventValues {
			if facts := classifyValues(obj); facts != nil {
				return facts
			}
		}
	}

	if category == EventError {
		msg := errorMessage(frame)
		return []Fact{{Kind: FactLogEntry, Log: &LogEntry{
			Tag:     TagError,
			Summary: Truncate(oneLine(msg), SummaryLimit),
			Detail:  msg,
			Raw:     frame.Raw,
		}}}
	}

	if verbose {
		return []Fact{{Kind: FactLogEntry, Log: &LogEntry{
			Tag:     frame.Event,
			Summary: Truncate(oneLine(frame.Raw), SummaryLimit),
			Raw:     frame.Raw,
		}}}
	}
	return noise()
}

func noise() []Fact {
	return []Fact{{Kind: FactNoise}}
}

// eventCategory strips the subgraph namespace ("updates|parent:child").
func eventCategory(event string) string {
	category, _, _ := strings.Cut(event, "|")
	return category
}

func isQuietCategory(category string) bool {
	switch category {
	case EventMetadata, EventHeartbeat, EventPing, EventKeepalive, EventEnd:
		return true
	}
	return false
}

func nestedCurrentStep(obj map[string]any) string {
	values, ok := obj[KeyValues].(map[string]any)
	if !ok {
		return ""
	}
	step, _ := values[KeyCurrentStep].(string)
	return step
}

func classifyUpdate(obj map[string]any) []Fact {
	key, ok := stageKey(obj)
	if !ok {
		return nil
	}
	update := obj[key]

	if announced, isMarker := markerStage(key); isMarker {
		step := announced
		if m, ok := update.(map[string]any); ok {
			if s, _ := m[KeyCurrentStep].(string); s != "" {
				step = s
			}
		}
		return []Fact{{Kind: FactStepChanged, Step: step}}
	}

	text := summarizeUpdate(update)
	return []Fact{
		{Kind: FactStepChanged, Step: key},
		{Kind: FactLogEntry, Log: &LogEntry{
			Tag:     TagUpdate,
			Agent:   key,
			Summary: Truncate(oneLine(text), SummaryLimit),
			Detail:  text,
		}},
	}
}

func classifyValues(obj map[string]any) []Fact {
	step, _ := obj[KeyCurrentStep].(string)
	if step == "" {
		return nil
	}
	facts := []Fact{{Kind: FactLogEntry, Log: &LogEntry{
		Tag:     TagState,
		Agent:   step,
		Summary: "state update: " + step,
	}}}
	if report, _ := obj[KeyFinalReport].(string); strings.TrimSpace(report) != "" {
		facts = append(facts, Fact{Kind: FactTerminal, Report: report})
	}
	return facts
}

// stageKey picks the pipeline stage named by an update. Keys are checked in
// sorted order so a multi-node update classifies the same way every time.
func stageKey(obj map[string]any) (string, bool) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		if strings.HasPrefix(k, "__") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if IsStage(k) {
			return k, true
		}
	}
	return "", false
}

// IsStage reports whether a node name belongs to the pipeline.
func IsStage(name string) bool {
	if stages[name] {
		return true
	}
	if _, ok := startMarkers[name]; ok {
		return true
	}
	return strings.HasSuffix(name, "_agent") || strings.HasSuffix(name, "_start")
}

func markerStage(key string) (string, bool) {
	if stage, ok := startMarkers[key]; ok {
		return stage, true
	}
	if strings.HasSuffix(key, "_start") {
		return strings.TrimSuffix(key, "_start"), true
	}
	return "", false
}

// summarizeUpdate prefers the final report, then the newest message of a
// known message sequence, then a JSON rendering of the whole update.
func summarizeUpdate(update any) string {
	if m, ok := update.(map[string]any); ok {
		if report, _ := m[KeyFinalReport].(string); strings.TrimSpace(report) != "" {
			return report
		}
		for _, key := range []string{KeyAnalysisMessages, KeyResearchMessages} {
			msgs, ok := m[key].([]any)
			if !ok || len(msgs) == 0 {
				continue
			}
			if text := messageText(msgs[len(msgs)-1]); text != "" {
				return text
			}
		}
	}
	return renderJSON(update)
}

func messageText(msg any) string {
	switch m := msg.(type) {
	case string:
		return m
	case map[string]any:
		switch c := m["content"].(type) {
		case string:
			return c
		case nil:
			return renderJSON(m)
		default:
			return renderJSON(c)
		}
	}
	return renderJSON(msg)
}

func errorMessage(frame sse.Frame) string {
	if obj, ok := frame.Object(); ok {
		for _, key := range []string{"message", "error", "detail"} {
			if s, ok := obj[key].(string); ok && s != "" {
				return s
			}
		}
		return renderJSON(obj)
	}
	if frame.Raw != "" {
		return frame.Raw
	}
	return "server reported an error"
}

func renderJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate shortens s to at most limit runes, marking the cut with "…".
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}
