// Package workload drives synthetic coordinated queries through a tracing
// backend. Each query opens a primary session on the coordinator and one
// secondary session per replica, the way a real read or write fans out.
package workload

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/querytrace/querytrace/internal/tracing"
)

// invalidConsistency has no wire name, so building the parameters map of a
// session that uses it fails.
const invalidConsistency = tracing.ConsistencyLevel(-1)

// SessionFactory opens tracing sessions. *backend.Backend implements it.
type SessionFactory interface {
	NewSession(role tracing.Role, opts ...tracing.Option) *tracing.Session
}

// Options shapes the generated workload.
type Options struct {
	Queries          int
	Concurrency      int
	Replicas         int
	EventsPerSession int

	BatchRate  float64 // fraction of queries sent as batches
	BatchSize  int
	SerialRate float64 // fraction of queries with a serial consistency level
	PageSize   int32
	FaultRate  float64 // fraction of queries whose parameters fail to build

	MaxLatency time.Duration
	Rate       float64 // queries per second, 0 for unlimited
	Seed       int64
}

// DefaultOptions returns a small mixed workload.
func DefaultOptions() Options {
	return Options{
		Queries:          100,
		Concurrency:      4,
		Replicas:         3,
		EventsPerSession: 4,
		BatchRate:        0.1,
		BatchSize:        3,
		SerialRate:       0.05,
		PageSize:         5000,
		FaultRate:        0.01,
		MaxLatency:       800 * time.Millisecond,
		Seed:             1,
	}
}

func (o Options) validate() error {
	switch {
	case o.Queries < 0:
		return fmt.Errorf("queries must be non-negative")
	case o.Concurrency < 1:
		return fmt.Errorf("concurrency must be at least 1")
	case o.Replicas < 0:
		return fmt.Errorf("replicas must be non-negative")
	case o.EventsPerSession < 0:
		return fmt.Errorf("events per session must be non-negative")
	case o.BatchRate > 0 && o.BatchSize < 1:
		return fmt.Errorf("batch size must be at least 1 when batches are enabled")
	case o.Rate < 0:
		return fmt.Errorf("rate must be non-negative")
	}
	for name, v := range map[string]float64{"batch": o.BatchRate, "serial": o.SerialRate, "fault": o.FaultRate} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s rate must be within [0, 1]", name)
		}
	}
	return nil
}

// Result summarizes a run.
type Result struct {
	Queries     int           `json:"queries"`
	Batches     int           `json:"batches"`
	Serial      int           `json:"serial"`
	Faults      int           `json:"faults"`
	Secondaries int           `json:"secondaries"`
	TraceIDs    []string      `json:"trace_ids"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock sets the clock sessions and latencies run on. With a mock clock
// latencies advance it instead of sleeping.
func WithClock(c clock.Clock) Option {
	return func(g *Generator) { g.clock = c }
}

// WithLogger sets the generator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// Generator produces query plans from a seeded source and executes them.
type Generator struct {
	factory SessionFactory
	opts    Options
	clock   clock.Clock
	logger  *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a generator.
func New(factory SessionFactory, opts Options, options ...Option) (*Generator, error) {
	if factory == nil {
		return nil, fmt.Errorf("session factory is required")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	g := &Generator{
		factory: factory,
		opts:    opts,
		rng:     rand.New(rand.NewSource(opts.Seed)),
	}
	for _, o := range options {
		o(g)
	}
	if g.clock == nil {
		g.clock = clock.New()
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "workload.Generator")
	return g, nil
}

// plan is one query decided up front so runs are reproducible for a seed
// regardless of scheduling.
type plan struct {
	batch    int // statements; 0 for a single query
	cl       tracing.ConsistencyLevel
	serial   *tracing.ConsistencyLevel
	fault    bool
	client   netip.Addr
	replicas []netip.Addr
	latency  time.Duration
}

var consistencyMix = []tracing.ConsistencyLevel{
	tracing.One, tracing.Quorum, tracing.LocalQuorum, tracing.LocalOne, tracing.All,
}

func (g *Generator) next(n int) plan {
	g.mu.Lock()
	defer g.mu.Unlock()

	p := plan{
		cl:     consistencyMix[g.rng.Intn(len(consistencyMix))],
		client: netip.AddrFrom4([4]byte{192, 168, byte(n / 250 % 250), byte(1 + n%250)}),
	}
	if g.rng.Float64() < g.opts.BatchRate {
		p.batch = g.opts.BatchSize
	}
	if g.rng.Float64() < g.opts.SerialRate {
		serial := tracing.Serial
		if g.rng.Intn(2) == 1 {
			serial = tracing.LocalSerial
		}
		p.serial = &serial
	}
	if g.rng.Float64() < g.opts.FaultRate {
		p.fault = true
		p.cl = invalidConsistency
	}
	for i := 0; i < g.opts.Replicas; i++ {
		p.replicas = append(p.replicas, netip.AddrFrom4([4]byte{10, 0, 0, byte(2 + i)}))
	}
	if g.opts.MaxLatency > 0 {
		p.latency = time.Duration(g.rng.Int63n(int64(g.opts.MaxLatency)))
	}
	return p
}

// Run executes the workload. It stops early when ctx is cancelled and
// returns what completed so far together with the context error.
func (g *Generator) Run(ctx context.Context) (Result, error) {
	var limiter *rate.Limiter
	if g.opts.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(g.opts.Rate), 1)
	}

	var (
		mu  sync.Mutex
		res Result
	)
	started := time.Now()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.opts.Concurrency)

	var err error
	for n := 0; n < g.opts.Queries; n++ {
		if limiter != nil {
			if err = limiter.Wait(egCtx); err != nil {
				break
			}
		} else if err = egCtx.Err(); err != nil {
			break
		}

		p := g.next(n)
		eg.Go(func() error {
			id := g.execute(p)

			mu.Lock()
			defer mu.Unlock()
			res.Queries++
			res.Secondaries += len(p.replicas)
			res.TraceIDs = append(res.TraceIDs, id)
			if p.batch > 0 {
				res.Batches++
			}
			if p.serial != nil {
				res.Serial++
			}
			if p.fault {
				res.Faults++
			}
			return nil
		})
	}

	if werr := eg.Wait(); err == nil {
		err = werr
	}
	res.Elapsed = time.Since(started)

	g.logger.Info("workload finished",
		"queries", res.Queries,
		"batches", res.Batches,
		"faults", res.Faults,
		"elapsed", res.Elapsed,
	)
	return res, err
}

// execute traces one query and returns its trace id.
func (g *Generator) execute(p plan) string {
	primary := g.factory.NewSession(tracing.RolePrimary)
	defer primary.Close()

	if p.batch > 0 {
		primary.Begin("Execute batch of CQL3 queries", p.client)
		for i := 0; i < p.batch; i++ {
			primary.AddQuery(fmt.Sprintf("INSERT INTO ks.events (id, seq) VALUES (?, %d)", i))
		}
		primary.SetBatchlogEndpoints(p.replicas)
	} else {
		primary.Begin("Execute CQL3 query", p.client)
		primary.AddQuery("SELECT * FROM ks.events WHERE id = ?")
		primary.SetPageSize(g.opts.PageSize)
	}
	primary.SetConsistencyLevel(p.cl)
	primary.SetOptionalSerialConsistencyLevel(p.serial)
	primary.SetUserTimestamp(g.clock.Now().UnixMicro())
	primary.Trace("Parsing a statement")
	primary.Trace("Preparing statement")

	for _, addr := range p.replicas {
		g.replica(primary.ID(), addr)
	}

	g.pause(p.latency)
	for i := 0; i < g.opts.EventsPerSession; i++ {
		primary.Trace("Coordinator step %d", i)
	}
	primary.Trace("Request complete")
	return primary.ID()
}

func (g *Generator) replica(traceID string, addr netip.Addr) {
	s := g.factory.NewSession(tracing.RoleSecondary, tracing.WithParent(traceID))
	defer s.Close()

	s.Begin("", netip.Addr{})
	for i := 0; i < g.opts.EventsPerSession; i++ {
		s.Trace("Replica %s step %d", addr, i)
	}
	s.StopForegroundAndWrite()
}

func (g *Generator) pause(d time.Duration) {
	if d <= 0 {
		return
	}
	if m, ok := g.clock.(*clock.Mock); ok {
		m.Add(d)
		return
	}
	g.clock.Sleep(d)
}
