package connector

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy/pkg/cache"
	"github.com/canopyhq/canopy/pkg/config"
	"github.com/canopyhq/canopy/pkg/errors"
	"github.com/canopyhq/canopy/pkg/models"
	"github.com/canopyhq/canopy/pkg/secrets"
)

type fakeOutput struct {
	flushes [][]models.LogEntry
	errAt   int
	err     error
}

func (o *fakeOutput) Flush(_ context.Context, _ models.Identity, entries []models.LogEntry) error {
	o.flushes = append(o.flushes, append([]models.LogEntry(nil), entries...))
	if o.errAt > 0 && len(o.flushes) == o.errAt {
		return o.err
	}
	return nil
}

func (o *fakeOutput) Close(context.Context) error { return nil }

// The engine only uses Kind, Order, DefaultStart and Poll; tests wire a
// minimal adapter satisfying the full interface.
type engineSource struct {
	order Order
	poll  func(Request) (*Page, error)
}

func (s *engineSource) Kind() string         { return "fake" }
func (s *engineSource) Order() Order         { return s.order }
func (s *engineSource) DefaultStart() string { return "1970-01-01T00:00:00Z" }
func (s *engineSource) Configure(_ context.Context, _ *config.Instance, _ secrets.Source) error {
	return nil
}
func (s *engineSource) Poll(_ context.Context, req Request) (*Page, error) { return s.poll(req) }

func entry(id string, ts time.Time) models.LogEntry {
	return models.LogEntry{ID: id, Timestamp: ts, Payload: []byte(fmt.Sprintf(`{"id":%q}`, id))}
}

func testIdentity() models.Identity {
	return models.Identity{Kind: "fake", Name: "t1"}
}

func readPointer(t *testing.T, store cache.Cache, identity models.Identity) (Watermark, int64) {
	t.Helper()
	e, err := store.Get(context.Background(), identity.Key("pointer"))
	require.NoError(t, err)
	return ParseWatermark(e.Value), e.Version
}

func TestRunFirstCollection(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var polls []Request
	src := &engineSource{order: Chronological, poll: func(req Request) (*Page, error) {
		polls = append(polls, req)
		return &Page{Entries: []models.LogEntry{
			entry("a", t0),
			entry("b", t0.Add(time.Minute)),
		}}, nil
	}}
	store := cache.NewMemory()
	sink := &fakeOutput{}

	result := Run(context.Background(), src, testIdentity(), store, sink, RunOptions{})

	assert.Equal(t, models.OutcomeSuccess, result.Outcome)
	assert.Equal(t, 2, result.Records)
	assert.Equal(t, 1, result.Pages)
	require.Len(t, polls, 1)
	assert.Equal(t, "1970-01-01T00:00:00Z", polls[0].Watermark)

	w, _ := readPointer(t, store, testIdentity())
	assert.Equal(t, FormatTime(t0.Add(time.Minute)), w.Value)
	assert.Equal(t, []string{"b"}, w.Seen)
}

func TestRunFiltersWatermarkOverlap(t *testing.T) {
	// Pointer at T with seen [10,20,30]; the source replays 20 and 30 at
	// T alongside fresh 40. Only 40 may reach the output.
	boundary := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := cache.NewMemory()
	seed := Watermark{Value: FormatTime(boundary), Seen: []string{"10", "20", "30"}}
	raw, err := seed.Encode()
	require.NoError(t, err)
	_, err = store.Put(context.Background(), testIdentity().Key("pointer"), raw, cache.VersionNone)
	require.NoError(t, err)

	src := &engineSource{order: Chronological, poll: func(Request) (*Page, error) {
		return &Page{Entries: []models.LogEntry{
			entry("20", boundary),
			entry("30", boundary),
			entry("40", boundary),
		}}, nil
	}}
	sink := &fakeOutput{}

	result := Run(context.Background(), src, testIdentity(), store, sink, RunOptions{})

	assert.Equal(t, models.OutcomeSuccess, result.Outcome)
	require.Len(t, sink.flushes, 1)
	require.Len(t, sink.flushes[0], 1)
	assert.Equal(t, "40", sink.flushes[0][0].ID)

	w, _ := readPointer(t, store, testIdentity())
	assert.Equal(t, FormatTime(boundary), w.Value)
	assert.Equal(t, []string{"10", "20", "30", "40"}, w.Seen)
}

func TestRunIdleStreamWritesNothing(t *testing.T) {
	boundary := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := cache.NewMemory()
	seed := Watermark{Value: FormatTime(boundary), Seen: []string{"a"}}
	raw, err := seed.Encode()
	require.NoError(t, err)
	_, err = store.Put(context.Background(), testIdentity().Key("pointer"), raw, cache.VersionNone)
	require.NoError(t, err)

	src := &engineSource{order: Chronological, poll: func(Request) (*Page, error) {
		return &Page{}, nil
	}}

	result := Run(context.Background(), src, testIdentity(), store, &fakeOutput{}, RunOptions{})

	assert.Equal(t, models.OutcomeSuccess, result.Outcome)
	assert.Equal(t, 0, result.Records)

	_, version := readPointer(t, store, testIdentity())
	assert.Equal(t, int64(1), version, "an idle run must not bump the pointer version")
}

func TestRunFlushFailureLeavesPointerUntouched(t *testing.T) {
	// Three one-entry pages; the second flush fails. The pointer must
	// stay at its pre-run value so the next run replays everything.
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pages := []Page{
		{Entries: []models.LogEntry{entry("a", t0)}, PageToken: "p2"},
		{Entries: []models.LogEntry{entry("b", t0.Add(time.Minute))}, PageToken: "p3"},
		{Entries: []models.LogEntry{entry("c", t0.Add(2 * time.Minute))}},
	}
	var page int
	src := &engineSource{order: Chronological, poll: func(Request) (*Page, error) {
		p := pages[page]
		page++
		return &p, nil
	}}
	store := cache.NewMemory()
	sink := &fakeOutput{errAt: 2, err: errors.New(errors.ErrorTypeOutput, "sink unavailable")}

	result := Run(context.Background(), src, testIdentity(), store, sink, RunOptions{})

	assert.Equal(t, models.OutcomeTransient, result.Outcome)
	assert.Error(t, result.Err)
	assert.Equal(t, 1, result.Records)

	_, err := store.Get(context.Background(), testIdentity().Key("pointer"))
	assert.True(t, errors.IsNotFound(err), "failed run must not create a pointer")
}

func TestRunPollFailureClassification(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		outcome models.Outcome
	}{
		{"rate limited", errors.New(errors.ErrorTypeRateLimit, "429"), models.OutcomeTransient},
		{"bad credentials", errors.New(errors.ErrorTypeAuthentication, "401"), models.OutcomePermanent},
		{"bad config", errors.New(errors.ErrorTypeConfig, "unknown param"), models.OutcomePermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := &engineSource{order: Chronological, poll: func(Request) (*Page, error) {
				return nil, tc.err
			}}
			result := Run(context.Background(), src, testIdentity(), cache.NewMemory(), &fakeOutput{}, RunOptions{})
			assert.Equal(t, tc.outcome, result.Outcome)
		})
	}
}

func TestRunCheckpointConflictIsTransient(t *testing.T) {
	// A concurrent run bumps the pointer between our read and our write.
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := cache.NewMemory()
	identity := testIdentity()

	src := &engineSource{order: Chronological, poll: func(Request) (*Page, error) {
		// Simulate the racing run winning while we are mid-cycle.
		other := Watermark{Value: FormatTime(t0), Seen: []string{"x"}}
		raw, _ := other.Encode()
		store.Put(context.Background(), identity.Key("pointer"), raw, cache.VersionNone)
		return &Page{Entries: []models.LogEntry{entry("a", t0)}}, nil
	}}
	sink := &fakeOutput{}

	result := Run(context.Background(), src, identity, store, sink, RunOptions{})

	assert.Equal(t, models.OutcomeTransient, result.Outcome)
	assert.True(t, errors.IsConflict(result.Err))
	// Records were still delivered before the conflict surfaced.
	assert.Equal(t, 1, result.Records)

	w, _ := readPointer(t, store, identity)
	assert.Equal(t, []string{"x"}, w.Seen, "the winner's pointer must survive")
}

func TestRunMaxPagesYieldsWithCheckpoint(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var page int
	src := &engineSource{order: Chronological, poll: func(Request) (*Page, error) {
		page++
		return &Page{
			Entries:   []models.LogEntry{entry(fmt.Sprintf("e%d", page), t0.Add(time.Duration(page) * time.Minute))},
			PageToken: fmt.Sprintf("p%d", page+1),
		}, nil
	}}
	store := cache.NewMemory()

	result := Run(context.Background(), src, testIdentity(), store, &fakeOutput{}, RunOptions{MaxPages: 3})

	assert.Equal(t, models.OutcomeSuccess, result.Outcome)
	assert.Equal(t, 3, result.Pages)
	assert.Equal(t, 3, result.Records)

	w, _ := readPointer(t, store, testIdentity())
	assert.Equal(t, FormatTime(t0.Add(3*time.Minute)), w.Value)
}

func TestRunTimeBudgetYields(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := t0
	now := func() time.Time {
		clock = clock.Add(40 * time.Second)
		return clock
	}
	var page int
	src := &engineSource{order: Chronological, poll: func(Request) (*Page, error) {
		page++
		return &Page{
			Entries:   []models.LogEntry{entry(fmt.Sprintf("e%d", page), t0.Add(time.Duration(page) * time.Minute))},
			PageToken: "more",
		}, nil
	}}
	store := cache.NewMemory()

	result := Run(context.Background(), src, testIdentity(), store, &fakeOutput{}, RunOptions{
		TimeBudget: time.Minute,
		Now:        now,
	})

	assert.Equal(t, models.OutcomeSuccess, result.Outcome)
	assert.Less(t, result.Pages, 5, "budget must stop pagination early")

	w, _ := readPointer(t, store, testIdentity())
	assert.NotEmpty(t, w.Value, "yielding still records the progress made")
}

func TestRunCursorSourceStoresTokenVerbatim(t *testing.T) {
	pages := []Page{
		{Entries: []models.LogEntry{entry("a", time.Now().UTC())}, PageToken: "p2", Checkpoint: "cursor-1"},
		{Entries: []models.LogEntry{entry("b", time.Now().UTC())}, Checkpoint: "cursor-2"},
	}
	var page int
	src := &engineSource{order: CursorStrict, poll: func(req Request) (*Page, error) {
		p := pages[page]
		page++
		return &p, nil
	}}
	store := cache.NewMemory()

	result := Run(context.Background(), src, testIdentity(), store, &fakeOutput{}, RunOptions{})

	assert.Equal(t, models.OutcomeSuccess, result.Outcome)
	assert.Equal(t, 2, result.Records)

	w, _ := readPointer(t, store, testIdentity())
	assert.Equal(t, "cursor-2", w.Value)
	assert.Empty(t, w.Seen, "cursor streams carry no identifier set")
}

func TestRunBatchesLargePages(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := make([]models.LogEntry, 0, 7)
	for i := 0; i < 7; i++ {
		entries = append(entries, entry(fmt.Sprintf("e%d", i), t0.Add(time.Duration(i)*time.Second)))
	}
	src := &engineSource{order: Chronological, poll: func(Request) (*Page, error) {
		return &Page{Entries: entries}, nil
	}}
	sink := &fakeOutput{}

	result := Run(context.Background(), src, testIdentity(), cache.NewMemory(), sink, RunOptions{BatchSize: 3})

	assert.Equal(t, models.OutcomeSuccess, result.Outcome)
	require.Len(t, sink.flushes, 3)
	assert.Len(t, sink.flushes[0], 3)
	assert.Len(t, sink.flushes[1], 3)
	assert.Len(t, sink.flushes[2], 1)
}

func TestRunStampsCollectedTime(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &engineSource{order: Chronological, poll: func(Request) (*Page, error) {
		return &Page{Entries: []models.LogEntry{entry("a", t0)}}, nil
	}}
	sink := &fakeOutput{}

	Run(context.Background(), src, testIdentity(), cache.NewMemory(), sink, RunOptions{})

	require.Len(t, sink.flushes, 1)
	assert.False(t, sink.flushes[0][0].Collected.IsZero())
	assert.Equal(t, t0, sink.flushes[0][0].Timestamp, "the event time is never rewritten")
}
