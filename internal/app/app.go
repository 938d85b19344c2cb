package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "collect":
		return runCollect(args[1:])
	case "ingest":
		return runIngest(args[1:])
	case "validate":
		return runValidate(args[1:])
	case "stats":
		return runStats(args[1:])
	case "export":
		return runExport(args[1:])
	case "prune":
		return runPrune(args[1:])
	case "serve":
		return runServe(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "socflow CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  socflow <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health    Verify database connectivity")
	fmt.Fprintln(os.Stderr, "  collect   Pull posts from the configured sources")
	fmt.Fprintln(os.Stderr, "  ingest    Insert canonical post payload files")
	fmt.Fprintln(os.Stderr, "  validate  Validate canonical post JSON files against the schema")
	fmt.Fprintln(os.Stderr, "  stats     Show pipeline totals")
	fmt.Fprintln(os.Stderr, "  export    Write stored posts as csv, json or ndjson")
	fmt.Fprintln(os.Stderr, "  prune     Remove dedup index entries past the retention window")
	fmt.Fprintln(os.Stderr, "  serve     Start the HTTP API server")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"socflow <command> -h\" for command-specific flags.")
}
