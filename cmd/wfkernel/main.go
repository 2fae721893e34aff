// Command wfkernel is a thin CLI runner over the orchestration kernel: it
// loads a workflow document, validates it, executes it through the full
// plan/route/dispatch/verify pipeline, and prints the resulting
// RunSummary. It carries no orchestration logic of its own — everything
// it does is already implemented by the internal kernel packages; this
// package only wires them together and talks to argv/stdout.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "history":
		err = historyCommand(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "wfkernel: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "wfkernel:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  wfkernel run <workflow.yaml> [--inputs k=v ...] [--max-tokens N] [--history path]
  wfkernel validate <workflow.yaml>
  wfkernel history [--db path] [--limit N] [--workflow name] [--status status]`)
}

// kvFlags collects repeated --inputs k=v flags into a map.
type kvFlags map[string]string

func (f kvFlags) String() string { return fmt.Sprintf("%v", map[string]string(f)) }

func (f kvFlags) Set(s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			f[s[:i]] = s[i+1:]
			return nil
		}
	}
	return fmt.Errorf("expected k=v, got %q", s)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func defaultHistoryPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, ".wfkernel", "history.db")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func backgroundContext() context.Context {
	return context.Background()
}
