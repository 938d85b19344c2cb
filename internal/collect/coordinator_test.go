package collect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gauravfs-14/socflow/internal/db"
	"github.com/gauravfs-14/socflow/internal/dedup"
	"github.com/gauravfs-14/socflow/internal/fingerprint"
	"github.com/gauravfs-14/socflow/internal/metrics"
	"github.com/gauravfs-14/socflow/internal/post"
	"github.com/gauravfs-14/socflow/internal/sink"
	"github.com/gauravfs-14/socflow/internal/source"
)

type stubSource struct {
	name     string
	platform post.Platform

	mu      sync.Mutex
	pulls   int
	batches []func(cursor json.RawMessage) (source.Batch, error)
}

func (s *stubSource) Name() string            { return s.name }
func (s *stubSource) Platform() post.Platform { return s.platform }

func (s *stubSource) Pull(_ context.Context, cursor json.RawMessage) (source.Batch, error) {
	s.mu.Lock()
	idx := s.pulls
	s.pulls++
	s.mu.Unlock()
	if idx >= len(s.batches) {
		return source.Batch{Exhausted: true}, nil
	}
	return s.batches[idx](cursor)
}

func (s *stubSource) pullCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulls
}

type finishedRun struct {
	runUUID string
	status  string
	totals  db.RunTotals
}

type stubLedger struct {
	mu          sync.Mutex
	nextRun     int
	checkpoints map[string]json.RawMessage
	finished    map[string]finishedRun
	deletes     []string
}

func newStubLedger() *stubLedger {
	return &stubLedger{
		checkpoints: make(map[string]json.RawMessage),
		finished:    make(map[string]finishedRun),
	}
}

func (l *stubLedger) InsertCollectRun(_ context.Context, src string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextRun++
	return fmt.Sprintf("run-%d-%s", l.nextRun, src), nil
}

func (l *stubLedger) FinishCollectRun(_ context.Context, runUUID, status string, totals db.RunTotals, _ json.RawMessage, _ error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished[runUUID] = finishedRun{runUUID: runUUID, status: status, totals: totals}
	return nil
}

func (l *stubLedger) GetSourceCheckpoint(_ context.Context, src string) (json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkpoints[src], nil
}

func (l *stubLedger) UpsertSourceCheckpoint(_ context.Context, src string, cursor json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkpoints[src] = cursor
	return nil
}

func (l *stubLedger) DeleteSourceCheckpoint(_ context.Context, src string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.checkpoints, src)
	l.deletes = append(l.deletes, src)
	return nil
}

func (l *stubLedger) deletedCheckpoints() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.deletes...)
}

func (l *stubLedger) finishedStatuses() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.finished))
	for _, run := range l.finished {
		out[run.runUUID] = run.status
	}
	return out
}

func canonicalRecord(platform post.Platform, objectID, text, sourceURL string) source.Raw {
	payload := map[string]any{
		"platform":      string(platform),
		"object_id":     objectID,
		"author_handle": "tester",
		"text":          text,
		"created_at":    "2026-03-01T12:00:00Z",
	}
	if sourceURL != "" {
		payload["source_url"] = sourceURL
	}
	raw, _ := json.Marshal(payload)
	return source.Raw{Platform: platform, Payload: raw, Canonical: true}
}

func newTestCoordinator(t *testing.T, sources []source.Source, ledger Ledger, opts Options) (*Coordinator, *sink.Memory, *metrics.Aggregator) {
	t.Helper()
	mem := sink.NewMemory()
	agg := metrics.NewAggregator(time.Minute)
	c := NewCoordinator(
		sources,
		post.NewNormalizer(5*time.Minute, nil),
		dedup.NewIndex(mem, 1024),
		ledger,
		agg,
		zerolog.Nop(),
		opts,
	)
	c.sleep = func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}
	return c, mem, agg
}

func TestRunDeduplicatesAcrossSources(t *testing.T) {
	reddit := &stubSource{name: "reddit:r/golang", platform: post.PlatformReddit}
	reddit.batches = []func(json.RawMessage) (source.Batch, error){
		func(json.RawMessage) (source.Batch, error) {
			return source.Batch{
				Records: []source.Raw{
					canonicalRecord(post.PlatformReddit, "t3_a", "Hello   World", "https://example.com/story?utm_source=reddit"),
				},
				Exhausted: true,
			}, nil
		},
	}
	mastodon := &stubSource{name: "mastodon:mastodon.social#golang", platform: post.PlatformMastodon}
	mastodon.batches = []func(json.RawMessage) (source.Batch, error){
		func(json.RawMessage) (source.Batch, error) {
			return source.Batch{
				Records: []source.Raw{
					canonicalRecord(post.PlatformMastodon, "m_1", "hello world", "https://example.com/story?utm_source=mastodon"),
				},
				Exhausted: true,
			}, nil
		},
	}

	ledger := newStubLedger()
	c, mem, agg := newTestCoordinator(t, []source.Source{reddit, mastodon}, ledger, Options{})

	results := c.Run(context.Background())
	for _, res := range results {
		if res.State != StateDone {
			t.Fatalf("source %s finished in state %s (err=%v)", res.Source, res.State, res.Err)
		}
	}

	snap := agg.Snapshot()
	if snap.Totals.Inserted != 1 {
		t.Fatalf("expected 1 insert, got %d", snap.Totals.Inserted)
	}
	if snap.Totals.Deduplicated != 1 {
		t.Fatalf("expected 1 duplicate, got %d", snap.Totals.Deduplicated)
	}

	count, err := mem.Count(context.Background(), sink.Filter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 stored post, got %d", count)
	}
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	src := &stubSource{name: "reddit:r/golang", platform: post.PlatformReddit}
	src.batches = []func(json.RawMessage) (source.Batch, error){
		func(json.RawMessage) (source.Batch, error) {
			return source.Batch{}, source.Transient(errors.New("429"))
		},
		func(json.RawMessage) (source.Batch, error) {
			return source.Batch{}, source.Transient(errors.New("502"))
		},
		func(json.RawMessage) (source.Batch, error) {
			return source.Batch{
				Records:   []source.Raw{canonicalRecord(post.PlatformReddit, "t3_a", "content", "")},
				Exhausted: true,
			}, nil
		},
	}

	ledger := newStubLedger()
	c, _, agg := newTestCoordinator(t, []source.Source{src}, ledger, Options{MaxRetries: 5})

	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	results := c.Run(context.Background())
	if results[0].State != StateDone {
		t.Fatalf("expected done, got %s (err=%v)", results[0].State, results[0].Err)
	}
	if len(slept) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(slept))
	}
	if agg.Snapshot().Totals.Retried != 2 {
		t.Fatalf("expected 2 retries recorded, got %d", agg.Snapshot().Totals.Retried)
	}
	if results[0].Totals.Inserted != 1 {
		t.Fatalf("expected the post to land after retries, got %+v", results[0].Totals)
	}
}

func TestRetryBudgetExhaustionDoesNotStopSiblings(t *testing.T) {
	failing := &stubSource{name: "reddit:r/broken", platform: post.PlatformReddit}
	failing.batches = []func(json.RawMessage) (source.Batch, error){}
	alwaysFail := func(json.RawMessage) (source.Batch, error) {
		return source.Batch{}, source.Transient(errors.New("unavailable"))
	}
	for range 10 {
		failing.batches = append(failing.batches, alwaysFail)
	}

	healthy := &stubSource{name: "mastodon:mastodon.social#golang", platform: post.PlatformMastodon}
	healthy.batches = []func(json.RawMessage) (source.Batch, error){
		func(json.RawMessage) (source.Batch, error) {
			return source.Batch{
				Records:   []source.Raw{canonicalRecord(post.PlatformMastodon, "m_1", "fresh content", "")},
				Exhausted: true,
			}, nil
		},
	}

	ledger := newStubLedger()
	c, mem, _ := newTestCoordinator(t, []source.Source{failing, healthy}, ledger, Options{MaxRetries: 2})
	c.sleep = func(context.Context, time.Duration) error { return nil }

	results := c.Run(context.Background())
	if results[0].State != StateFailed {
		t.Fatalf("expected failing source to fail, got %s", results[0].State)
	}
	if results[1].State != StateDone {
		t.Fatalf("expected healthy source to finish, got %s (err=%v)", results[1].State, results[1].Err)
	}

	count, err := mem.Count(context.Background(), sink.Filter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected the healthy source's post, got %d", count)
	}

	statuses := ledger.finishedStatuses()
	if len(statuses) != 2 {
		t.Fatalf("expected 2 finished runs, got %d", len(statuses))
	}
}

func TestFatalErrorFailsImmediately(t *testing.T) {
	src := &stubSource{name: "reddit:r/private", platform: post.PlatformReddit}
	src.batches = []func(json.RawMessage) (source.Batch, error){
		func(json.RawMessage) (source.Batch, error) {
			return source.Batch{}, source.Fatal(errors.New("403"))
		},
	}

	ledger := newStubLedger()
	c, _, _ := newTestCoordinator(t, []source.Source{src}, ledger, Options{MaxRetries: 5})

	results := c.Run(context.Background())
	if results[0].State != StateFailed {
		t.Fatalf("expected failed, got %s", results[0].State)
	}
	if src.pullCount() != 1 {
		t.Fatalf("fatal errors must not be retried, got %d pulls", src.pullCount())
	}
}

func TestCancellationStopsWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	src := &stubSource{name: "reddit:r/golang", platform: post.PlatformReddit}
	endless := func(json.RawMessage) (source.Batch, error) {
		cursor, _ := json.Marshal(map[string]string{"after": "next"})
		batch := source.Batch{
			Records: []source.Raw{canonicalRecord(post.PlatformReddit, "t3_a", "same content", "")},
			Next:    cursor,
		}
		return batch, nil
	}
	for range 3 {
		src.batches = append(src.batches, endless)
	}
	src.batches = append(src.batches, func(json.RawMessage) (source.Batch, error) {
		cancel()
		return source.Batch{}, source.Transient(errors.New("slow"))
	})

	ledger := newStubLedger()
	c, _, _ := newTestCoordinator(t, []source.Source{src}, ledger, Options{MaxRetries: 5})

	results := c.Run(ctx)
	if results[0].State != StateCancelled {
		t.Fatalf("expected cancelled, got %s (err=%v)", results[0].State, results[0].Err)
	}
}

func TestInvalidRecordDoesNotFailBatch(t *testing.T) {
	invalid := source.Raw{
		Platform:  post.PlatformReddit,
		Payload:   json.RawMessage(`{"platform":"reddit","text":"missing identity"}`),
		Canonical: true,
	}
	src := &stubSource{name: "reddit:r/golang", platform: post.PlatformReddit}
	src.batches = []func(json.RawMessage) (source.Batch, error){
		func(json.RawMessage) (source.Batch, error) {
			return source.Batch{
				Records: []source.Raw{
					invalid,
					canonicalRecord(post.PlatformReddit, "t3_ok", "valid content", ""),
				},
				Exhausted: true,
			}, nil
		},
	}

	ledger := newStubLedger()
	c, mem, agg := newTestCoordinator(t, []source.Source{src}, ledger, Options{})

	results := c.Run(context.Background())
	if results[0].State != StateDone {
		t.Fatalf("expected done, got %s (err=%v)", results[0].State, results[0].Err)
	}
	snap := agg.Snapshot()
	if snap.Totals.Rejected != 1 || snap.Totals.Inserted != 1 {
		t.Fatalf("expected 1 rejected and 1 inserted, got %+v", snap.Totals)
	}

	count, err := mem.Count(context.Background(), sink.Filter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 stored post, got %d", count)
	}
}

func TestCheckpointResumeAndSave(t *testing.T) {
	ledger := newStubLedger()
	stored, _ := json.Marshal(map[string]string{"after": "t3_resume"})
	ledger.checkpoints["reddit:r/golang"] = stored

	var firstCursor json.RawMessage
	src := &stubSource{name: "reddit:r/golang", platform: post.PlatformReddit}
	src.batches = []func(json.RawMessage) (source.Batch, error){
		func(cursor json.RawMessage) (source.Batch, error) {
			firstCursor = cursor
			next, _ := json.Marshal(map[string]string{"after": "t3_next"})
			return source.Batch{
				Records: []source.Raw{canonicalRecord(post.PlatformReddit, "t3_a", "content", "")},
				Next:    next,
			}, nil
		},
		func(json.RawMessage) (source.Batch, error) {
			return source.Batch{Exhausted: true}, nil
		},
	}

	c, _, _ := newTestCoordinator(t, []source.Source{src}, ledger, Options{})
	results := c.Run(context.Background())
	if results[0].State != StateDone {
		t.Fatalf("expected done, got %s", results[0].State)
	}

	if string(firstCursor) != string(stored) {
		t.Fatalf("expected worker to resume from stored checkpoint, got %s", firstCursor)
	}

	var saved map[string]string
	if err := json.Unmarshal(ledger.checkpoints["reddit:r/golang"], &saved); err != nil {
		t.Fatalf("decode saved checkpoint: %v", err)
	}
	if saved["after"] != "t3_next" {
		t.Fatalf("expected checkpoint advanced to t3_next, got %v", saved)
	}
}

type flakyAdmitter struct {
	inner    Admitter
	mu       sync.Mutex
	failures int
}

func (f *flakyAdmitter) TryAdmit(ctx context.Context, p *post.Post, fp fingerprint.Fingerprint) (dedup.Decision, error) {
	f.mu.Lock()
	failing := f.failures > 0
	if failing {
		f.failures--
	}
	f.mu.Unlock()
	if failing {
		return dedup.Decision{}, errors.New("database is locked")
	}
	return f.inner.TryAdmit(ctx, p, fp)
}

func TestSinkErrorRetriedAtRecordLevel(t *testing.T) {
	src := &stubSource{name: "reddit:r/golang", platform: post.PlatformReddit}
	src.batches = []func(json.RawMessage) (source.Batch, error){
		func(json.RawMessage) (source.Batch, error) {
			return source.Batch{
				Records:   []source.Raw{canonicalRecord(post.PlatformReddit, "t3_a", "content", "")},
				Exhausted: true,
			}, nil
		},
	}

	mem := sink.NewMemory()
	admitter := &flakyAdmitter{inner: dedup.NewIndex(mem, 128), failures: 2}
	agg := metrics.NewAggregator(time.Minute)
	c := NewCoordinator(
		[]source.Source{src},
		post.NewNormalizer(5*time.Minute, nil),
		admitter,
		newStubLedger(),
		agg,
		zerolog.Nop(),
		Options{},
	)
	c.sleep = func(context.Context, time.Duration) error { return nil }

	results := c.Run(context.Background())
	if results[0].State != StateDone {
		t.Fatalf("expected done, got %s (err=%v)", results[0].State, results[0].Err)
	}
	if results[0].Totals.Inserted != 1 || results[0].Totals.Failed != 0 {
		t.Fatalf("expected the record to land after retries, got %+v", results[0].Totals)
	}
	if results[0].Totals.Retried != 2 {
		t.Fatalf("expected 2 record retries, got %d", results[0].Totals.Retried)
	}

	count, err := mem.Count(context.Background(), sink.Filter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 stored post, got %d", count)
	}
}

func TestSinkErrorExhaustsRecordRetryBudget(t *testing.T) {
	src := &stubSource{name: "reddit:r/golang", platform: post.PlatformReddit}
	src.batches = []func(json.RawMessage) (source.Batch, error){
		func(json.RawMessage) (source.Batch, error) {
			return source.Batch{
				Records: []source.Raw{
					canonicalRecord(post.PlatformReddit, "t3_broken", "lost", ""),
					canonicalRecord(post.PlatformReddit, "t3_ok", "kept", ""),
				},
				Exhausted: true,
			}, nil
		},
	}

	mem := sink.NewMemory()
	admitter := &flakyAdmitter{inner: dedup.NewIndex(mem, 128), failures: admitRetries + 1}
	c := NewCoordinator(
		[]source.Source{src},
		post.NewNormalizer(5*time.Minute, nil),
		admitter,
		newStubLedger(),
		metrics.NewAggregator(time.Minute),
		zerolog.Nop(),
		Options{},
	)
	c.sleep = func(context.Context, time.Duration) error { return nil }

	results := c.Run(context.Background())
	if results[0].State != StateDone {
		t.Fatalf("a failed record must not fail the batch, got %s (err=%v)", results[0].State, results[0].Err)
	}
	if results[0].Totals.Failed != 1 || results[0].Totals.Inserted != 1 {
		t.Fatalf("expected 1 failed and 1 inserted, got %+v", results[0].Totals)
	}
}

func TestFollowModeClearsCheckpoint(t *testing.T) {
	ledger := newStubLedger()
	src := &stubSource{name: "reddit:r/golang", platform: post.PlatformReddit}
	src.batches = []func(json.RawMessage) (source.Batch, error){
		func(json.RawMessage) (source.Batch, error) {
			next, _ := json.Marshal(map[string]string{"after": "t3_deep"})
			return source.Batch{
				Records: []source.Raw{canonicalRecord(post.PlatformReddit, "t3_a", "content", "")},
				Next:    next,
			}, nil
		},
		func(json.RawMessage) (source.Batch, error) {
			return source.Batch{Exhausted: true}, nil
		},
	}

	c, _, _ := newTestCoordinator(t, []source.Source{src}, ledger, Options{Follow: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	results := c.Run(ctx)
	if results[0].State != StateCancelled {
		t.Fatalf("expected cancelled, got %s", results[0].State)
	}

	deleted := ledger.deletedCheckpoints()
	if len(deleted) != 1 || deleted[0] != "reddit:r/golang" {
		t.Fatalf("expected the checkpoint cleared at cycle end, got %v", deleted)
	}
	if _, ok := ledger.checkpoints["reddit:r/golang"]; ok {
		t.Fatalf("expected no persisted checkpoint after the drained cycle")
	}
}

func TestMaxPostsPerSourceStopsWorker(t *testing.T) {
	src := &stubSource{name: "reddit:r/golang", platform: post.PlatformReddit}
	page := func(json.RawMessage) (source.Batch, error) {
		next, _ := json.Marshal(map[string]string{"after": "more"})
		return source.Batch{
			Records: []source.Raw{
				canonicalRecord(post.PlatformReddit, "t3_1", "one", ""),
				canonicalRecord(post.PlatformReddit, "t3_2", "two", ""),
			},
			Next: next,
		}, nil
	}
	for range 10 {
		src.batches = append(src.batches, page)
	}

	ledger := newStubLedger()
	c, _, _ := newTestCoordinator(t, []source.Source{src}, ledger, Options{MaxPostsPerSource: 3})

	results := c.Run(context.Background())
	if results[0].State != StateDone {
		t.Fatalf("expected done, got %s", results[0].State)
	}
	if results[0].Totals.Collected < 3 || results[0].Totals.Collected > 4 {
		t.Fatalf("expected collection to stop near the cap, got %d", results[0].Totals.Collected)
	}
	if src.pullCount() > 3 {
		t.Fatalf("expected at most 3 pulls, got %d", src.pullCount())
	}
}
