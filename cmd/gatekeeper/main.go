// gatekeeper drives a human-in-the-loop analysis run on a LangGraph server.
// It starts a run for a business theme, stops at the approval gate, sends
// the operator's decision and prints the final report.
package main

import (
	"context"
	"fmt"
	"os"
)

// Version is set at build time
var Version = "dev"

func main() {
	root, a := newRootCommand()
	err := root.ExecuteContext(context.Background())
	a.close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
