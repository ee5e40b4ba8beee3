// ABOUTME: Tests for the per-job monitor against a scripted fake agent
// ABOUTME: Covers final harvesting, dwell-gated partial batches, failures and cancellation

package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/beacon-orchestrator/internal/agent"
	"github.com/2389/beacon-orchestrator/internal/arl"
	"github.com/2389/beacon-orchestrator/internal/arl/arltest"
	"github.com/2389/beacon-orchestrator/internal/events"
	"github.com/2389/beacon-orchestrator/internal/ledger"
	"github.com/2389/beacon-orchestrator/internal/results"
	"github.com/2389/beacon-orchestrator/internal/store"
)

type harness struct {
	srv     *arltest.Server
	store   store.Store
	manager *agent.Manager
	ledger  *ledger.Ledger
	agg     *results.Aggregator

	// onEmit, when set, runs after each event is collected.
	onEmit func(events.Event)

	mu     sync.Mutex
	events []events.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, store.NewMockStore())
}

func newHarnessWithStore(t *testing.T, s store.Store) *harness {
	t.Helper()
	srv := arltest.NewServer()
	t.Cleanup(srv.Close)

	m := agent.NewManager(s, agent.Options{
		Username:      "admin",
		Password:      "arlpass",
		ClientOptions: []arl.Option{arl.WithInsecureTLS(true), arl.WithTimeout(2 * time.Second)},
	})
	_, err := m.Add(t.Context(), srv.URL(), "", "")
	require.NoError(t, err)

	return &harness{
		srv:     srv,
		store:   s,
		manager: m,
		ledger:  ledger.New(s, nil),
		agg:     results.NewAggregator(m, 0, nil),
	}
}

func (h *harness) emit(e events.Event) {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
	if h.onEmit != nil {
		h.onEmit(e)
	}
}

func (h *harness) kinds() []events.Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ks []events.Kind
	for _, e := range h.events {
		ks = append(ks, e.Kind)
	}
	return ks
}

func (h *harness) batches() []*results.Batch {
	h.mu.Lock()
	defer h.mu.Unlock()
	var bs []*results.Batch
	for _, e := range h.events {
		if e.Kind == events.KindResultBatch {
			bs = append(bs, e.Batch)
		}
	}
	return bs
}

func (h *harness) last() events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.events[len(h.events)-1]
}

// start records task in the ledger and returns a monitor for it.
func (h *harness) start(t *testing.T, task arltest.Task, dwell time.Duration) (*Monitor, string) {
	t.Helper()
	if task.Target == "" {
		task.Target = "example.com"
	}
	id := h.srv.AddTask(task)
	_, err := h.ledger.Record(t.Context(), h.srv.URL(), id, task.Target)
	require.NoError(t, err)

	m := New(Job{Agent: h.srv.URL(), TaskID: id, Target: task.Target}, h.manager, h.ledger, h.agg, Options{
		PollInterval: 5 * time.Millisecond,
		Dwell:        dwell,
		Emit:         h.emit,
	})
	return m, id
}

// The final fetch happens once, after done is observed.
func TestMonitor_RunningRunningDone(t *testing.T) {
	h := newHarness(t)
	m, id := h.start(t, arltest.Task{
		Script: []string{arl.StatusRunning, arl.StatusRunning, arl.StatusDone},
		Sites:  []arltest.Site{{Site: "https://a.example.com"}, {Site: "https://b.example.com"}},
		Leaks:  []arltest.FileLeak{{URL: "https://a.example.com/.env"}},
	}, time.Hour)

	m.Run(t.Context())

	assert.Equal(t, []events.Kind{
		events.KindProgressUpdate,
		events.KindProgressUpdate,
		events.KindResultBatch,
		events.KindJobCompleted,
	}, h.kinds())
	assert.Equal(t, 3, h.srv.Calls("status"))
	assert.Equal(t, 1, h.srv.Calls("site"), "exactly one fetch, the final one")

	batches := h.batches()
	require.Len(t, batches, 1)
	assert.True(t, batches[0].Final)
	assert.Len(t, batches[0].Assets, 2)
	assert.Len(t, batches[0].Leaks, 1)

	done := h.last()
	assert.NoError(t, done.Err)
	assert.Equal(t, store.TaskStatusDone, done.Status)

	e, err := h.ledger.Get(t.Context(), h.srv.URL(), id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusDone, e.Status)
	assert.Equal(t, store.Counts{Assets: 2, Leaks: 1}, e.Counts)
}

func TestMonitor_PartialBatchesAreIncremental(t *testing.T) {
	h := newHarness(t)
	h.srv.OnPoll = func(task *arltest.Task) {
		task.Sites = append(task.Sites, arltest.Site{Site: fmt.Sprintf("https://s%d.example.com", task.Polls)})
	}
	m, id := h.start(t, arltest.Task{
		Script: []string{arl.StatusRunning, arl.StatusRunning, arl.StatusRunning, arl.StatusDone},
	}, 0)

	m.Run(t.Context())

	batches := h.batches()
	require.Len(t, batches, 4)
	for i, b := range batches[:3] {
		assert.False(t, b.Final)
		require.Len(t, b.Assets, 1, "partial batch %d", i)
		assert.Equal(t, fmt.Sprintf("https://s%d.example.com", i+1), b.Assets[0].Site)
	}
	final := batches[3]
	assert.True(t, final.Final)
	assert.Len(t, final.Assets, 4, "the final batch is complete")

	sink := results.NewSink(0)
	defer sink.Close()
	var fresh int
	for _, b := range batches {
		fresh += len(sink.Add(*b).Assets)
	}
	assert.Equal(t, 4, fresh, "the sink delivers each record once")

	e, err := h.ledger.Get(t.Context(), h.srv.URL(), id)
	require.NoError(t, err)
	assert.Equal(t, 4, e.Counts.Assets)
}

func TestMonitor_NoEmptyBatches(t *testing.T) {
	h := newHarness(t)
	m, _ := h.start(t, arltest.Task{
		Script: []string{arl.StatusWaiting, arl.StatusRunning, arl.StatusDone},
	}, 0)

	m.Run(t.Context())

	assert.Empty(t, h.batches())
	assert.Equal(t, events.KindJobCompleted, h.last().Kind)
}

func TestMonitor_StatusChangesAreRecorded(t *testing.T) {
	h := newHarness(t)
	var (
		mu   sync.Mutex
		seen []string
	)
	h.srv.OnPoll = func(task *arltest.Task) {
		if task.Polls != 2 {
			return
		}
		if e, err := h.ledger.Get(context.Background(), h.srv.URL(), task.ID); err == nil {
			mu.Lock()
			seen = append(seen, e.Status)
			mu.Unlock()
		}
	}
	m, _ := h.start(t, arltest.Task{
		Script: []string{"port_scan", arl.StatusRunning, arl.StatusDone},
	}, time.Hour)

	m.Run(t.Context())

	// By the second poll the first, unknown, status was written through.
	mu.Lock()
	assert.Equal(t, []string{"port_scan"}, seen)
	mu.Unlock()
	assert.Equal(t, []events.Kind{
		events.KindProgressUpdate,
		events.KindProgressUpdate,
		events.KindJobCompleted,
	}, h.kinds())
}

func TestMonitor_AgentReportsError(t *testing.T) {
	h := newHarness(t)
	m, id := h.start(t, arltest.Task{
		Script: []string{arl.StatusRunning, arl.StatusError},
		Sites:  []arltest.Site{{Site: "https://a.example.com"}},
	}, time.Hour)

	m.Run(t.Context())

	last := h.last()
	assert.Equal(t, events.KindJobFailed, last.Kind)
	assert.True(t, last.Observed)
	assert.Equal(t, arl.StatusError, last.Status)
	assert.Equal(t, 0, h.srv.Calls("site"), "failed jobs are not harvested")

	e, err := h.ledger.Get(t.Context(), h.srv.URL(), id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusError, e.Status)
}

func TestMonitor_StoppedTaskIsTerminal(t *testing.T) {
	h := newHarness(t)
	m, id := h.start(t, arltest.Task{Script: []string{arl.StatusStopped}}, time.Hour)

	m.Run(t.Context())

	assert.Equal(t, events.KindJobFailed, h.last().Kind)
	e, err := h.ledger.Get(t.Context(), h.srv.URL(), id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusStopped, e.Status)
}

func TestMonitor_StatusUnavailable(t *testing.T) {
	h := newHarness(t)
	h.srv.SetStatusFailure(true)
	m, id := h.start(t, arltest.Task{Script: []string{arl.StatusRunning}}, time.Hour)

	m.Run(t.Context())

	require.Equal(t, []events.Kind{events.KindJobFailed}, h.kinds())
	last := h.last()
	assert.False(t, last.Observed)
	var rejected *arl.RejectedError
	assert.ErrorAs(t, last.Err, &rejected)

	e, err := h.ledger.Get(t.Context(), h.srv.URL(), id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusSubmitted, e.Status, "the ledger is left for reconciliation")
}

func TestMonitor_ExpiredTokenIsRefreshed(t *testing.T) {
	h := newHarness(t)
	h.srv.ExpireTokens()
	m, _ := h.start(t, arltest.Task{Script: []string{arl.StatusDone}}, time.Hour)

	m.Run(t.Context())

	assert.Equal(t, []events.Kind{events.KindJobCompleted}, h.kinds())
	assert.Equal(t, 2, h.srv.Calls("login"))
}

func TestMonitor_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	m, id := h.start(t, arltest.Task{Script: []string{arl.StatusRunning}}, time.Hour)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	require.Eventually(t, func() bool { return h.srv.Calls("status") >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}

	for _, k := range h.kinds() {
		assert.Equal(t, events.KindProgressUpdate, k)
	}
	e, err := h.ledger.Get(t.Context(), h.srv.URL(), id)
	require.NoError(t, err)
	assert.Equal(t, arl.StatusRunning, e.Status)
}

func newSQLiteHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return newHarnessWithStore(t, s)
}

// A stop that lands while the final batch is delivered must not lose the
// done status that is reported right after it.
func TestMonitor_StopDuringFinalBatchRecordsDone(t *testing.T) {
	h := newSQLiteHarness(t)
	m, id := h.start(t, arltest.Task{
		Script: []string{arl.StatusDone},
		Sites:  []arltest.Site{{Site: "https://a.example.com"}},
	}, time.Hour)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	h.onEmit = func(e events.Event) {
		if e.Kind == events.KindResultBatch {
			cancel()
		}
	}

	m.Run(ctx)

	require.Equal(t, []events.Kind{events.KindResultBatch, events.KindJobCompleted}, h.kinds())
	assert.NoError(t, h.last().Err)

	e, err := h.ledger.Get(t.Context(), h.srv.URL(), id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusDone, e.Status)
	assert.Equal(t, 1, e.Counts.Assets)
}

// A terminal status observed by a status call that was in flight when the
// monitor was stopped is still recorded.
func TestMonitor_StopDuringStatusCallRecordsTerminalStatus(t *testing.T) {
	h := newSQLiteHarness(t)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	h.srv.OnPoll = func(*arltest.Task) { cancel() }

	m, id := h.start(t, arltest.Task{Script: []string{arl.StatusError}}, time.Hour)
	m.Run(ctx)

	e, err := h.ledger.Get(t.Context(), h.srv.URL(), id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusError, e.Status)

	require.Equal(t, []events.Kind{events.KindJobFailed}, h.kinds())
	assert.True(t, h.last().Observed)
	assert.NoError(t, h.last().Err)
}

func TestMonitor_CompletionWriteFailureIsReported(t *testing.T) {
	h := newHarness(t)
	m, id := h.start(t, arltest.Task{Script: []string{arl.StatusDone}}, time.Hour)
	h.store.(*store.MockStore).FailWrites(true)

	m.Run(t.Context())

	last := h.last()
	assert.Equal(t, events.KindJobCompleted, last.Kind)
	assert.ErrorIs(t, last.Err, store.ErrMockWrite)

	e, err := h.ledger.Get(t.Context(), h.srv.URL(), id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusSubmitted, e.Status)
}

func TestMonitor_FailureWriteFailureIsReported(t *testing.T) {
	h := newHarness(t)
	m, _ := h.start(t, arltest.Task{Script: []string{arl.StatusError}}, time.Hour)
	h.store.(*store.MockStore).FailWrites(true)

	m.Run(t.Context())

	last := h.last()
	assert.Equal(t, events.KindJobFailed, last.Kind)
	assert.True(t, last.Observed)
	assert.ErrorIs(t, last.Err, store.ErrMockWrite)
}

func TestNew_Defaults(t *testing.T) {
	m := New(Job{Agent: "https://a:5003", TaskID: "t1"}, nil, nil, nil, Options{Dwell: -1})
	assert.Equal(t, DefaultPollInterval, m.pollInterval)
	assert.Equal(t, 10*time.Second, m.dwell)
	assert.Equal(t, DefaultRequestTimeout, m.requestTimeout)
	assert.Equal(t, store.TaskStatusSubmitted, m.status)
}
