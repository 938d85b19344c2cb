package app

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gauravfs-14/socflow/internal/cli"
	"github.com/gauravfs-14/socflow/internal/export"
	"github.com/gauravfs-14/socflow/internal/post"
	"github.com/gauravfs-14/socflow/internal/sink"
)

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Minute, "Command timeout")
	format := fs.String("format", "ndjson", "Output format: csv, json or ndjson")
	out := fs.String("out", "", "Output file (default stdout)")
	platform := fs.String("platform", "", "Only export posts from this platform")
	tag := fs.String("tag", "", "Only export posts carrying this tag")
	since := fs.String("since", "", "Only export posts created at or after this RFC3339 time")
	until := fs.String("until", "", "Only export posts created before this RFC3339 time")
	limit := fs.Int("limit", 0, "Stop after this many posts (0 exports everything)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "export does not accept positional arguments")
		return 2
	}

	exportFormat, err := export.ParseFormat(*format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	filter := sink.Filter{Tag: strings.TrimSpace(*tag), Limit: *limit}
	if raw := strings.TrimSpace(*platform); raw != "" {
		known, ok := post.KnownPlatform(raw)
		if !ok {
			fmt.Fprintf(os.Stderr, "Unknown platform %q\n", raw)
			return 2
		}
		filter.Platform = known
	}
	if filter.Since, err = parseRFC3339Flag("since", *since); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if filter.Until, err = parseRFC3339Flag("until", *until); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, cancel, _, pool, err := connectPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	var writer io.Writer = os.Stdout
	if path := strings.TrimSpace(*out); path != "" {
		file, err := os.Create(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create output file: %v\n", err)
			return 1
		}
		defer file.Close()
		writer = file
	}

	written, err := export.Write(ctx, sink.NewStore(pool), filter, exportFormat, writer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Export failed after %d records: %v\n", written, err)
		return 1
	}

	fmt.Fprintf(os.Stderr, "exported %d posts (%s)\n", written, exportFormat)
	return 0
}
