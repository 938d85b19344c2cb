package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gauravfs-14/socflow/internal/cli"
	"github.com/gauravfs-14/socflow/internal/globaltime"
)

func runPrune(args []string) int {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 2*time.Minute, "Command timeout")
	retentionDays := fs.Int("retention-days", 0, "Remove dedup entries first seen more than this many days ago (0 uses DEDUP_RETENTION_DAYS)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "prune does not accept positional arguments")
		return 2
	}

	ctx, cancel, cfg, pool, err := connectPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	days := *retentionDays
	if days <= 0 {
		days = cfg.DedupRetentionDays
	}
	if days <= 0 {
		fmt.Fprintln(os.Stderr, "Nothing to prune: retention is unbounded (set --retention-days or DEDUP_RETENTION_DAYS)")
		return 2
	}

	cutoff := globaltime.UTC().AddDate(0, 0, -days)
	removed, err := pool.PruneDedupEntries(ctx, cutoff)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Prune failed: %v\n", err)
		return 1
	}

	fmt.Printf("pruned %d dedup entries first seen before %s\n", removed, cutoff.Format(time.RFC3339))
	return 0
}
