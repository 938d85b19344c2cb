package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gauravfs-14/socflow/internal/cli"
	"github.com/gauravfs-14/socflow/internal/collect"
	"github.com/gauravfs-14/socflow/internal/config"
	"github.com/gauravfs-14/socflow/internal/db"
	"github.com/gauravfs-14/socflow/internal/dedup"
	"github.com/gauravfs-14/socflow/internal/httpapi"
	"github.com/gauravfs-14/socflow/internal/langdetect"
	"github.com/gauravfs-14/socflow/internal/logging"
	"github.com/gauravfs-14/socflow/internal/metrics"
	"github.com/gauravfs-14/socflow/internal/post"
	"github.com/gauravfs-14/socflow/internal/sink"
	"github.com/gauravfs-14/socflow/internal/source"
)

func runCollect(args []string) int {
	fs := flag.NewFlagSet("collect", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	follow := fs.Bool("follow", false, "Keep polling sources instead of stopping at exhaustion")
	metricsAddr := fs.String("metrics-addr", "", "Serve the API (including live metrics) on host:port while collecting")
	maxPosts := fs.Int("max-posts", 0, "Global per-source record cap (0 uses per-platform configuration)")
	replayDir := fs.String("replay-dir", "", "Replay canonical JSON files from this directory instead of REPLAY_DIR")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "collect does not accept positional arguments")
		return 2
	}

	cfg, err := loadEnvAndConfig(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *replayDir != "" {
		cfg.ReplayDir = *replayDir
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}

	sources, caps := buildSources(cfg)
	if len(sources) == 0 {
		fmt.Fprintln(os.Stderr, "No sources configured: enable a platform or set REPLAY_DIR")
		return 2
	}

	dbCtx, dbCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dbCancel()
	pool, err := db.NewPool(dbCtx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("collect failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	store := sink.NewStore(pool)
	index := dedup.NewIndex(store, cfg.DedupCacheSize)
	normalizer := post.NewNormalizer(cfg.ClockSkewTolerance, langdetect.Detect)
	aggregator := metrics.NewAggregator(time.Minute)

	opts := collect.Options{
		Concurrency:       cfg.CollectConcurrency,
		MaxRetries:        cfg.CollectMaxRetries,
		BackoffBase:       cfg.BackoffBase,
		BackoffMax:        cfg.BackoffMax,
		RecordTimeout:     cfg.RecordTimeout,
		BatchTimeout:      cfg.BatchTimeout,
		MaxPostsPerSource: *maxPosts,
		MaxPostsBySource:  caps,
		Follow:            *follow,
		FollowInterval:    cfg.FollowInterval,
	}
	if *maxPosts > 0 {
		opts.MaxPostsBySource = nil
	}

	coordinator := collect.NewCoordinator(sources, normalizer, index, pool, aggregator, logger, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	if *metricsAddr != "" {
		host, portRaw, err := net.SplitHostPort(*metricsAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "--metrics-addr must be host:port: %v\n", err)
			return 2
		}
		port, err := strconv.Atoi(portRaw)
		if err != nil || port <= 0 || port > 65535 {
			fmt.Fprintln(os.Stderr, "--metrics-addr port must be between 1 and 65535")
			return 2
		}
		server := httpapi.NewServer(pool, store, logger, httpapi.Options{Host: host, Port: port}).
			WithCollection(aggregator, coordinator.States)
		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	results := coordinator.Run(ctx)

	rows := make([][]string, 0, len(results))
	failed := 0
	for _, res := range results {
		if res.State == collect.StateFailed {
			failed++
		}
		rows = append(rows, []string{
			res.Source,
			string(res.State),
			strconv.FormatInt(res.Totals.Collected, 10),
			strconv.FormatInt(res.Totals.Inserted, 10),
			strconv.FormatInt(res.Totals.Deduplicated, 10),
			strconv.FormatInt(res.Totals.Rejected, 10),
			strconv.FormatInt(res.Totals.Failed, 10),
		})
	}
	if err := writeTable([]string{"source", "state", "collected", "inserted", "deduplicated", "rejected", "failed"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render summary: %v\n", err)
		return 1
	}

	if failed > 0 {
		return 1
	}
	return 0
}

// buildSources turns the platform configuration into source adapters
// plus the per-source record caps.
func buildSources(cfg *config.Config) ([]source.Source, map[string]int) {
	var sources []source.Source
	caps := make(map[string]int)

	if cfg.RedditEnabled {
		client := source.NewClient(cfg.RedditRPS)
		client.UserAgent = cfg.RedditUserAgent
		for _, subreddit := range cfg.RedditSubredditList() {
			src := source.NewReddit(subreddit, client)
			sources = append(sources, src)
			caps[src.Name()] = cfg.RedditMaxPosts
		}
	}

	if cfg.MastodonEnabled {
		for _, instance := range cfg.MastodonInstanceList() {
			client := source.NewClient(cfg.MastodonRPS)
			for _, hashtag := range cfg.MastodonHashtagList() {
				src := source.NewMastodon(instance, hashtag, client)
				sources = append(sources, src)
				caps[src.Name()] = cfg.MastodonMaxPosts
			}
		}
	}

	if cfg.BlueskyEnabled {
		client := source.NewClient(cfg.BlueskyRPS)
		for _, keyword := range cfg.BlueskyKeywordList() {
			src := source.NewBluesky(keyword, client)
			sources = append(sources, src)
			caps[src.Name()] = cfg.BlueskyMaxPosts
		}
	}

	if cfg.ReplayDir != "" {
		sources = append(sources, source.NewReplay(cfg.ReplayDir))
	}

	return sources, caps
}
