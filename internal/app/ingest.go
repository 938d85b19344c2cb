package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gauravfs-14/socflow/internal/cli"
	"github.com/gauravfs-14/socflow/internal/dedup"
	"github.com/gauravfs-14/socflow/internal/fingerprint"
	"github.com/gauravfs-14/socflow/internal/langdetect"
	"github.com/gauravfs-14/socflow/internal/post"
	"github.com/gauravfs-14/socflow/internal/sink"
	payloadschema "github.com/gauravfs-14/socflow/schema"
)

func runIngest(args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 60*time.Second, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "ingest requires at least one payload file")
		return 2
	}

	ctx, cancel, cfg, pool, err := connectPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	store := sink.NewStore(pool)
	index := dedup.NewIndex(store, cfg.DedupCacheSize)
	normalizer := post.NewNormalizer(cfg.ClockSkewTolerance, langdetect.Detect)

	var inserted, duplicates, invalid int
	exitCode := 0

	for _, path := range fs.Args() {
		payloads, err := readPayloadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			exitCode = 1
			continue
		}

		for i, payload := range payloads {
			if _, err := payloadschema.ValidatePostPayload(payload); err != nil {
				fmt.Fprintf(os.Stderr, "%s[%d]: %v\n", path, i, err)
				invalid++
				continue
			}
			p, err := normalizer.NormalizeCanonical(payload)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s[%d]: %v\n", path, i, err)
				invalid++
				continue
			}
			decision, err := admit(ctx, index, p)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s[%d]: %v\n", path, i, err)
				exitCode = 1
				continue
			}
			if decision.Admitted {
				inserted++
			} else {
				duplicates++
				fmt.Fprintf(os.Stderr, "%s[%d]: duplicate of %s\n", path, i, decision.DuplicateOf)
			}
		}
	}

	fmt.Printf("inserted=%d duplicates=%d invalid=%d\n", inserted, duplicates, invalid)
	if invalid > 0 && exitCode == 0 {
		exitCode = 1
	}
	return exitCode
}

func admit(ctx context.Context, index *dedup.Index, p *post.Post) (dedup.Decision, error) {
	return index.TryAdmit(ctx, p, fingerprint.Compute(p))
}

func readPayloadFile(path string) ([]json.RawMessage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var payloads []json.RawMessage
		if err := json.Unmarshal(raw, &payloads); err != nil {
			return nil, fmt.Errorf("parse JSON array: %w", err)
		}
		return payloads, nil
	}

	var payload json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parse JSON: %w", err)
	}
	return []json.RawMessage{payload}, nil
}
