package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HyphaGroup/gatekeeper/internal/events"
	"github.com/HyphaGroup/gatekeeper/internal/run"
)

// Output formats accepted by --output.
const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// previewLines is how much of each preview item the text view shows.
const previewLines = 12

func renderView(w io.Writer, v run.View, format string) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case formatText, "":
		renderText(w, v)
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

func renderText(w io.Writer, v run.View) {
	field := func(name, value string) {
		if value != "" {
			fmt.Fprintf(w, "%-9s %s\n", name+":", value)
		}
	}

	field("Phase", string(v.Phase))
	field("Next", nextHint(v))
	field("Thread", v.ThreadID)
	field("Theme", v.Theme)
	field("Step", v.Step)
	if v.Cancelled {
		field("Status", "cancelled")
	}
	field("Error", v.Error)

	if v.PendingAction == run.ActionDecide {
		fmt.Fprintln(w)
		field("Question", v.Question)
		if len(v.Options) > 0 {
			field("Options", strings.Join(v.Options, ", "))
		}
		for _, item := range v.Preview {
			fmt.Fprintf(w, "\n[%s]\n%s\n", item.Type, item.Snippet(previewLines))
		}
	}

	if v.Report != "" {
		fmt.Fprintf(w, "\n%s\n", strings.TrimRight(v.Report, "\n"))
	} else if v.NoReport {
		fmt.Fprintln(w, "\nThe run finished without a report.")
	}
}

// nextHint names the command that moves the run forward.
func nextHint(v run.View) string {
	switch v.PendingAction {
	case run.ActionStart:
		return "gatekeeper start [theme]"
	case run.ActionDecide:
		return "gatekeeper resume <approve|retry|reject>"
	case run.ActionCancel:
		return "Ctrl-C to cancel"
	}
	return ""
}

func renderLogEntry(w io.Writer, e events.LogEntry, verbose bool) {
	line := fmt.Sprintf("%s %-10s", e.Time.Local().Format(time.TimeOnly), e.Tag)
	if e.Agent != "" {
		line += " " + e.Agent + ":"
	}
	fmt.Fprintf(w, "%s %s\n", line, e.Summary)
	if e.Detail != "" {
		fmt.Fprintf(w, "    %s\n", strings.ReplaceAll(e.Detail, "\n", "\n    "))
	}
	if verbose && e.Raw != "" {
		fmt.Fprintf(w, "    raw: %s\n", e.Raw)
	}
}

// newEntries returns the entries of logs (newest first) added after last,
// oldest first. A zero last returns every entry.
func newEntries(logs []events.LogEntry, last events.LogEntry) []events.LogEntry {
	var fresh []events.LogEntry
	for _, e := range logs {
		if sameEntry(e, last) {
			break
		}
		fresh = append(fresh, e)
	}
	for i, j := 0, len(fresh)-1; i < j; i, j = i+1, j-1 {
		fresh[i], fresh[j] = fresh[j], fresh[i]
	}
	return fresh
}

func sameEntry(a, b events.LogEntry) bool {
	return a.Time.Equal(b.Time) && a.Tag == b.Tag && a.Summary == b.Summary
}

// follow prints log entries as the driver records them until the returned
// func is called.
func follow(d *run.Driver, w io.Writer, verbose bool) func() {
	views, unsubscribe := d.Subscribe()
	var last events.LogEntry
	if logs := d.Snapshot().Logs; len(logs) > 0 {
		last = logs[0]
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := range views {
			for _, e := range newEntries(v.Logs, last) {
				renderLogEntry(w, e, verbose)
			}
			if len(v.Logs) > 0 {
				last = v.Logs[0]
			}
		}
	}()
	return func() {
		unsubscribe()
		<-done
	}
}
