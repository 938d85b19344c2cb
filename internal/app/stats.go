package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/gauravfs-14/socflow/internal/cli"
)

func runStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "stats does not accept positional arguments")
		return 2
	}

	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	ctx, cancel, _, pool, err := connectPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	stats, err := pool.GetPipelineStats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query pipeline stats: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(stats); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	platforms := make([]string, 0, len(stats.PostsByPlatform))
	for platform := range stats.PostsByPlatform {
		platforms = append(platforms, platform)
	}
	sort.Strings(platforms)

	platformRows := make([][]string, 0, len(platforms)+1)
	for _, platform := range platforms {
		platformRows = append(platformRows, []string{
			platform,
			fmt.Sprintf("%d", stats.PostsByPlatform[platform]),
		})
	}
	platformRows = append(platformRows, []string{"TOTAL", fmt.Sprintf("%d", stats.TotalPosts)})

	if err := writeTable([]string{"platform", "posts"}, platformRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render platform table: %v\n", err)
		return 1
	}

	fmt.Println()
	summaryRows := [][]string{
		{"dedup_entries", fmt.Sprintf("%d", stats.DedupEntries)},
		{"completed_runs", fmt.Sprintf("%d", stats.CompletedRuns)},
		{"failed_runs", fmt.Sprintf("%d", stats.FailedRuns)},
		{"last_inserted_at", formatUTCTimestampPtr(stats.LastInsertedAt)},
		{"last_run_started_at", formatUTCTimestampPtr(stats.LastRunStartedAt)},
	}
	if err := writeTable([]string{"metric", "value"}, summaryRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render summary table: %v\n", err)
		return 1
	}

	return 0
}
