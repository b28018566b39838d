package tracing

import (
	"sync"
	"time"
)

type fakeBudget struct {
	mu        sync.Mutex
	consumed  int
	released  int
	exhausted bool
}

func (b *fakeBudget) Consume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumed++
}

func (b *fakeBudget) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released++
}

func (b *fakeBudget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exhausted
}

type submission struct {
	batch        Batch
	writeOnClose bool
}

// fakeBackend drains records synchronously on submission so tests can
// inspect exactly what would have been persisted.
type fakeBackend struct {
	budget       *fakeBudget
	threshold    time.Duration
	maxEvents    int
	writable     bool
	writeOnClose bool

	submitCalls int
	submissions []submission
	traceErrors int
	ended       []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		budget:   &fakeBudget{},
		writable: true,
	}
}

func (f *fakeBackend) WriteSessionRecords(recs *Records, writeOnClose bool) {
	f.submitCalls++
	b := recs.Drain()
	if b.Empty() {
		return
	}
	f.submissions = append(f.submissions, submission{batch: b, writeOnClose: writeOnClose})
	if b.Session != nil {
		recs.ReleaseBudget()
	}
}

func (f *fakeBackend) IncTraceErrors()                   { f.traceErrors++ }
func (f *fakeBackend) EndSession(id string)              { f.ended = append(f.ended, id) }
func (f *fakeBackend) ShouldWriteRecords() bool          { return f.writable }
func (f *fakeBackend) WriteOnClose() bool                { return f.writeOnClose }
func (f *fakeBackend) Budget() Budget                    { return f.budget }
func (f *fakeBackend) SlowQueryThreshold() time.Duration { return f.threshold }
func (f *fakeBackend) MaxEventsPerSession() int          { return f.maxEvents }

// sessionRows returns the summary records that reached the backend.
func (f *fakeBackend) sessionRows() []*SessionRecord {
	var out []*SessionRecord
	for _, s := range f.submissions {
		if s.batch.Session != nil {
			out = append(out, s.batch.Session)
		}
	}
	return out
}

// eventRows returns the events that reached the backend.
func (f *fakeBackend) eventRows() []Event {
	var out []Event
	for _, s := range f.submissions {
		out = append(out, s.batch.Events...)
	}
	return out
}
