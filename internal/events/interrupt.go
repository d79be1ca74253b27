package events

import (
	"sort"
	"strings"
)

// locator returns the raw candidate at one known interrupt location.
type locator struct {
	name string
	get  func(obj map[string]any) any
}

// interruptLocations lists where an approval descriptor may appear, in
// search order. Stream payloads, thread snapshots and the invoke variant
// each use one of these.
var interruptLocations = []locator{
	{"__interrupt__", field("__interrupt__")},
	{"values.__interrupt__", nested(KeyValues, "__interrupt__")},
	{"interrupts", field("interrupts")},
	{"values.interrupts", nested(KeyValues, "interrupts")},
}

func field(key string) func(map[string]any) any {
	return func(obj map[string]any) any {
		return obj[key]
	}
}

func nested(outer, key string) func(map[string]any) any {
	return func(obj map[string]any) any {
		inner, ok := obj[outer].(map[string]any)
		if !ok {
			return nil
		}
		return inner[key]
	}
}

// ExtractInterrupt finds an approval request in a stream payload or a
// snapshot. When no descriptor is attached but the object's own status is
// "interrupted", a minimal request with the default options is returned.
// It returns nil when the payload shows no interrupt. The input is never
// modified.
func ExtractInterrupt(payload any) *Interrupt {
	obj, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	if in := FindInterrupt(obj); in != nil {
		return in
	}
	if status, _ := obj[KeyStatus].(string); status == StatusInterrupted {
		return fallbackInterrupt()
	}
	return nil
}

// FindInterrupt searches the known locations only, without the status
// fallback.
func FindInterrupt(obj map[string]any) *Interrupt {
	for _, loc := range interruptLocations {
		candidate := loc.get(obj)
		if isEmpty(candidate) {
			continue
		}
		if desc := resolveCandidate(candidate); desc != nil {
			return normalizeInterrupt(desc)
		}
	}
	return nil
}

func fallbackInterrupt() *Interrupt {
	return &Interrupt{
		Kind:     InterruptKind,
		Question: DefaultQuestion,
		Options:  DefaultOptions(),
		Preview:  []PreviewItem{},
	}
}

func isEmpty(v any) bool {
	switch c := v.(type) {
	case nil:
		return true
	case string:
		return c == ""
	case []any:
		return len(c) == 0
	case map[string]any:
		return len(c) == 0
	}
	return false
}

// resolveCandidate takes the first element of a sequence, steps through a
// task-id keyed map, unwraps one "value" and accepts the result if it looks
// like an approval request.
func resolveCandidate(candidate any) map[string]any {
	if list, ok := candidate.([]any); ok {
		candidate = list[0]
	}
	obj, ok := candidate.(map[string]any)
	if !ok {
		return nil
	}
	if !isApprovalRequest(obj) {
		if _, wrapped := obj["value"]; !wrapped {
			if entry := firstTaskEntry(obj); entry != nil {
				obj = entry
			}
		}
	}
	if inner, ok := obj["value"].(map[string]any); ok {
		obj = inner
	}
	if !isApprovalRequest(obj) {
		return nil
	}
	return obj
}

// firstTaskEntry handles {"<task id>": [{"value": ...}]} by picking the
// lexicographically first task so repeated calls agree.
func firstTaskEntry(obj map[string]any) map[string]any {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := obj[k].(type) {
		case []any:
			if len(v) == 0 {
				continue
			}
			if entry, ok := v[0].(map[string]any); ok {
				return entry
			}
		case map[string]any:
			return v
		}
	}
	return nil
}

func isApprovalRequest(obj map[string]any) bool {
	if kind, _ := obj["kind"].(string); kind == InterruptKind {
		return true
	}
	for _, key := range []string{"question", "preview", "analysis_preview"} {
		if _, ok := obj[key]; ok {
			return true
		}
	}
	return false
}

func normalizeInterrupt(desc map[string]any) *Interrupt {
	in := &Interrupt{
		Kind:     InterruptKind,
		Question: DefaultQuestion,
		Options:  DefaultOptions(),
		Preview:  []PreviewItem{},
	}

	if q, _ := desc["question"].(string); strings.TrimSpace(q) != "" {
		in.Question = strings.TrimSpace(q)
	}

	if raw, ok := desc["options"].([]any); ok {
		var opts []string
		for _, o := range raw {
			if s, ok := o.(string); ok && s != "" {
				opts = append(opts, s)
			}
		}
		if len(opts) > 0 {
			in.Options = opts
		}
	}

	preview, ok := desc["preview"].([]any)
	if !ok {
		preview, _ = desc["analysis_preview"].([]any)
	}
	for _, item := range preview {
		switch p := item.(type) {
		case map[string]any:
			typ, _ := p["type"].(string)
			in.Preview = append(in.Preview, PreviewItem{Type: typ, Content: p["content"]})
		case string:
			in.Preview = append(in.Preview, PreviewItem{Type: "text", Content: p})
		}
	}
	return in
}
