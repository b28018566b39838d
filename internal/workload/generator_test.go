package workload

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querytrace/querytrace/internal/tracing"
)

type nopBudget struct{}

func (nopBudget) Consume()        {}
func (nopBudget) Release()        {}
func (nopBudget) Exhausted() bool { return false }

// recorder is a tracing.Backend that drains submissions in place.
type recorder struct {
	clock clock.Clock

	mu          sync.Mutex
	sessions    map[string]*tracing.SessionRecord
	events      map[string]int // trace id -> event count
	sources     map[string]map[string]bool
	traceErrors int
	ended       int
}

func newRecorder(c clock.Clock) *recorder {
	return &recorder{
		clock:    c,
		sessions: make(map[string]*tracing.SessionRecord),
		events:   make(map[string]int),
		sources:  make(map[string]map[string]bool),
	}
}

func (r *recorder) NewSession(role tracing.Role, opts ...tracing.Option) *tracing.Session {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	base := []tracing.Option{tracing.WithClock(r.clock), tracing.WithLogger(logger)}
	return tracing.NewSession(r, role, append(base, opts...)...)
}

func (r *recorder) WriteSessionRecords(recs *tracing.Records, _ bool) {
	b := recs.Drain()
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.Session != nil {
		r.sessions[b.TraceID] = b.Session
	}
	r.events[b.TraceID] += len(b.Events)
	if r.sources[b.TraceID] == nil {
		r.sources[b.TraceID] = make(map[string]bool)
	}
	r.sources[b.TraceID][b.SourceID] = true
}

func (r *recorder) IncTraceErrors() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traceErrors++
}

func (r *recorder) EndSession(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended++
}

func (r *recorder) ShouldWriteRecords() bool          { return true }
func (r *recorder) WriteOnClose() bool                { return true }
func (r *recorder) Budget() tracing.Budget            { return nopBudget{} }
func (r *recorder) SlowQueryThreshold() time.Duration { return 500 * time.Millisecond }
func (r *recorder) MaxEventsPerSession() int          { return 64 }

func baseOptions() Options {
	opts := DefaultOptions()
	opts.Queries = 20
	opts.Concurrency = 1
	opts.Replicas = 2
	opts.EventsPerSession = 2
	opts.BatchRate = 0
	opts.SerialRate = 0
	opts.FaultRate = 0
	opts.MaxLatency = 0
	return opts
}

func TestNew_Validation(t *testing.T) {
	rec := newRecorder(clock.NewMock())

	_, err := New(nil, baseOptions())
	require.Error(t, err)

	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"negative queries", func(o *Options) { o.Queries = -1 }},
		{"zero concurrency", func(o *Options) { o.Concurrency = 0 }},
		{"negative replicas", func(o *Options) { o.Replicas = -1 }},
		{"batch without size", func(o *Options) { o.BatchRate = 0.5; o.BatchSize = 0 }},
		{"fault rate above one", func(o *Options) { o.FaultRate = 1.5 }},
		{"negative serial rate", func(o *Options) { o.SerialRate = -0.1 }},
		{"negative rate", func(o *Options) { o.Rate = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := baseOptions()
			tt.modify(&opts)
			_, err := New(rec, opts)
			assert.Error(t, err)
		})
	}
}

func TestGenerator_PrimaryAndSecondaries(t *testing.T) {
	mock := clock.NewMock()
	rec := newRecorder(mock)
	g, err := New(rec, baseOptions(), WithClock(mock))
	require.NoError(t, err)

	res, err := g.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 20, res.Queries)
	assert.Equal(t, 40, res.Secondaries)
	assert.Len(t, res.TraceIDs, 20)
	assert.Equal(t, 60, rec.ended)
	assert.Zero(t, rec.traceErrors)

	for _, id := range res.TraceIDs {
		require.Contains(t, rec.sessions, id)
		assert.Equal(t, "Execute CQL3 query", rec.sessions[id].Request)
		assert.Equal(t, "5000", rec.sessions[id].Parameters["page_size"])
		// Primary: 2 setup + 2 steps + completion. Replicas: 2 each.
		assert.Equal(t, 5+2*2, rec.events[id])
		assert.Len(t, rec.sources[id], 3)
	}
}

func TestGenerator_Batches(t *testing.T) {
	mock := clock.NewMock()
	rec := newRecorder(mock)
	opts := baseOptions()
	opts.Queries = 5
	opts.BatchRate = 1
	opts.BatchSize = 3
	g, err := New(rec, opts, WithClock(mock))
	require.NoError(t, err)

	res, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Batches)

	for _, id := range res.TraceIDs {
		params := rec.sessions[id].Parameters
		assert.Contains(t, params, "query[0]")
		assert.Contains(t, params, "query[2]")
		assert.Equal(t, "/10.0.0.2,/10.0.0.3", params["batch_endpoints"])
		assert.NotContains(t, params, "page_size")
	}
}

func TestGenerator_SerialConsistency(t *testing.T) {
	mock := clock.NewMock()
	rec := newRecorder(mock)
	opts := baseOptions()
	opts.SerialRate = 1
	g, err := New(rec, opts, WithClock(mock))
	require.NoError(t, err)

	res, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, opts.Queries, res.Serial)

	for _, id := range res.TraceIDs {
		assert.Contains(t, []string{"SERIAL", "LOCAL_SERIAL"}, rec.sessions[id].Parameters["serial_consistency_level"])
	}
}

func TestGenerator_FaultsDropSessions(t *testing.T) {
	mock := clock.NewMock()
	rec := newRecorder(mock)
	opts := baseOptions()
	opts.Queries = 4
	opts.FaultRate = 1
	g, err := New(rec, opts, WithClock(mock))
	require.NoError(t, err)

	res, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Faults)
	assert.Equal(t, 4, rec.traceErrors)
	assert.Empty(t, rec.sessions)
}

func TestGenerator_LatencyAdvancesMockClock(t *testing.T) {
	mock := clock.NewMock()
	rec := newRecorder(mock)
	opts := baseOptions()
	opts.Queries = 10
	opts.MaxLatency = time.Second
	g, err := New(rec, opts, WithClock(mock))
	require.NoError(t, err)

	before := mock.Now()
	res, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, mock.Now().After(before))

	for _, id := range res.TraceIDs {
		assert.Less(t, rec.sessions[id].Elapsed, time.Second)
	}
}

func TestGenerator_SeedIsReproducible(t *testing.T) {
	opts := baseOptions()
	opts.BatchRate = 0.3
	opts.BatchSize = 2
	opts.SerialRate = 0.3
	opts.FaultRate = 0.2
	opts.Seed = 42

	run := func() Result {
		mock := clock.NewMock()
		g, err := New(newRecorder(mock), opts, WithClock(mock))
		require.NoError(t, err)
		res, err := g.Run(context.Background())
		require.NoError(t, err)
		return res
	}

	a, b := run(), run()
	assert.Equal(t, a.Batches, b.Batches)
	assert.Equal(t, a.Serial, b.Serial)
	assert.Equal(t, a.Faults, b.Faults)
}

func TestGenerator_Concurrent(t *testing.T) {
	mock := clock.NewMock()
	rec := newRecorder(mock)
	opts := baseOptions()
	opts.Queries = 50
	opts.Concurrency = 8
	g, err := New(rec, opts, WithClock(mock))
	require.NoError(t, err)

	res, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50, res.Queries)
	assert.Len(t, rec.sessions, 50)
}

func TestGenerator_CancelledContext(t *testing.T) {
	mock := clock.NewMock()
	rec := newRecorder(mock)
	g, err := New(rec, baseOptions(), WithClock(mock))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := g.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, res.Queries)
}
