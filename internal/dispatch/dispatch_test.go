// ABOUTME: Tests for dispatch planning and submission against fake agents
// ABOUTME: Covers ceiling exclusion, idle-first ordering, exclusivity and independent failures

package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/beacon-orchestrator/internal/agent"
	"github.com/2389/beacon-orchestrator/internal/arl"
	"github.com/2389/beacon-orchestrator/internal/arl/arltest"
	"github.com/2389/beacon-orchestrator/internal/store"
)

type fixture struct {
	manager *agent.Manager
	servers map[string]*arltest.Server
}

// newFixture starts one fake agent per entry of active, each already
// running that many tasks, and registers them all.
func newFixture(t *testing.T, active ...int) (*fixture, []string) {
	t.Helper()

	f := &fixture{
		manager: agent.NewManager(store.NewMockStore(), agent.Options{
			Username:      "admin",
			Password:      "arlpass",
			ClientOptions: []arl.Option{arl.WithInsecureTLS(true), arl.WithTimeout(2 * time.Second)},
		}),
		servers: make(map[string]*arltest.Server),
	}

	var addrs []string
	for _, n := range active {
		srv := arltest.NewServer()
		t.Cleanup(srv.Close)
		for i := range n {
			status := arl.StatusRunning
			if i%2 == 1 {
				status = arl.StatusWaiting
			}
			srv.AddTask(arltest.Task{Target: "busy.example", Status: status})
		}
		// Finished tasks never count against the ceiling.
		srv.AddTask(arltest.Task{Target: "old.example", Status: arl.StatusDone})

		a, err := f.manager.Add(t.Context(), srv.URL(), "", "")
		require.NoError(t, err)
		f.servers[a.Address] = srv
		addrs = append(addrs, a.Address)
	}
	return f, addrs
}

func (f *fixture) dispatcher() *Dispatcher {
	return New(f.manager, Options{MaxActiveJobs: 5})
}

type outcomes struct {
	mu  sync.Mutex
	all []Outcome
}

func (o *outcomes) report(out Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.all = append(o.all, out)
}

func (o *outcomes) forAgent(addr string) []Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	var res []Outcome
	for _, out := range o.all {
		if out.Agent == addr {
			res = append(res, out)
		}
	}
	return res
}

// Three targets sent to one idle agent all land there.
func TestDispatch_SingleIdleAgent(t *testing.T) {
	ctx := t.Context()
	f, addrs := newFixture(t, 0)
	d := f.dispatcher()

	plan, err := d.Plan(ctx, []string{"a.example", "b.example", "c.example"}, addrs)
	require.NoError(t, err)
	require.Len(t, plan.Agents, 1)
	assert.Equal(t, addrs[0], plan.Agents[0].Agent)
	assert.Equal(t, 0, plan.Agents[0].Active)
	assert.Equal(t, []string{"a.example", "b.example", "c.example"}, plan.Agents[0].Targets)
	assert.Empty(t, plan.Skipped)

	var got outcomes
	d.Submit(ctx, plan, got.report)
	require.Len(t, got.all, 3)
	for _, out := range got.all {
		require.NoError(t, out.Err)
		assert.Len(t, out.TaskIDs, 1)
	}

	n, err := d.CountActive(ctx, addrs[0])
	require.NoError(t, err)
	assert.Equal(t, 3, n, "submitted tasks count as active")
}

// An agent above the ceiling is excluded; as the only candidate it leaves
// nothing to assign.
func TestDispatch_OverCeilingOnlyCandidate(t *testing.T) {
	f, addrs := newFixture(t, 6)

	plan, err := f.dispatcher().Plan(t.Context(), []string{"a.example"}, addrs)
	require.ErrorIs(t, err, ErrNoEligibleAgent)
	assert.Empty(t, plan.Agents)
	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, ReasonOverCeiling, plan.Skipped[0].Reason)
	assert.Equal(t, 6, plan.Skipped[0].Active)
	assert.Equal(t, 0, f.servers[addrs[0]].Calls("submit"))
}

func TestDispatch_CeilingIsInclusive(t *testing.T) {
	f, addrs := newFixture(t, 5)

	plan, err := f.dispatcher().Plan(t.Context(), []string{"a.example"}, addrs)
	require.NoError(t, err)
	require.Len(t, plan.Agents, 1)
	assert.Equal(t, 5, plan.Agents[0].Active)
}

func TestDispatch_IdleFirstRoundRobin(t *testing.T) {
	f, addrs := newFixture(t, 2, 0, 1, 7)
	busy, idle, light, over := addrs[0], addrs[1], addrs[2], addrs[3]

	targets := []string{"t1", "t2", "t3", "t4", "t5"}
	plan, err := f.dispatcher().Plan(t.Context(), targets, addrs)
	require.NoError(t, err)

	require.Len(t, plan.Agents, 3)
	assert.Equal(t, idle, plan.Agents[0].Agent)
	assert.Equal(t, light, plan.Agents[1].Agent)
	assert.Equal(t, busy, plan.Agents[2].Agent)

	assert.Equal(t, []string{"t1", "t4"}, plan.Agents[0].Targets)
	assert.Equal(t, []string{"t2", "t5"}, plan.Agents[1].Targets)
	assert.Equal(t, []string{"t3"}, plan.Agents[2].Targets)

	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, over, plan.Skipped[0].Agent)
}

func TestDispatch_EveryTargetAssignedExactlyOnce(t *testing.T) {
	f, addrs := newFixture(t, 0, 0, 3)

	targets := []string{" a.example ", "b.example", "", "c.example", "a.example", "d.example", "e.example", "   ", "f.example", "g.example"}
	plan, err := f.dispatcher().Plan(t.Context(), targets, addrs)
	require.NoError(t, err)

	seen := make(map[string]int)
	for _, slot := range plan.Agents {
		for _, target := range slot.Targets {
			seen[target]++
		}
	}
	assert.Equal(t, 7, plan.TargetCount())
	for _, target := range []string{"a.example", "b.example", "c.example", "d.example", "e.example", "f.example", "g.example"} {
		assert.Equal(t, 1, seen[target], target)
	}

	// Sizes differ by at most one.
	for _, slot := range plan.Agents {
		assert.InDelta(t, 7.0/3.0, float64(len(slot.Targets)), 1)
	}
}

func TestDispatch_CountFailureSkipsAgent(t *testing.T) {
	f, addrs := newFixture(t, 1)
	unknown := "https://127.0.0.1:1"

	plan, err := f.dispatcher().Plan(t.Context(), []string{"a.example", "b.example"}, []string{unknown, addrs[0], addrs[0]})
	require.NoError(t, err)

	require.Len(t, plan.Agents, 1)
	assert.Equal(t, addrs[0], plan.Agents[0].Agent)
	assert.Len(t, plan.Agents[0].Targets, 2)

	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, unknown, plan.Skipped[0].Agent)
	assert.Equal(t, ReasonCountFailed, plan.Skipped[0].Reason)
	assert.ErrorIs(t, plan.Skipped[0].Err, agent.ErrAgentNotFound)
}

func TestDispatch_NoTargets(t *testing.T) {
	f, addrs := newFixture(t, 0)

	_, err := f.dispatcher().Plan(t.Context(), []string{"", "  "}, addrs)
	assert.ErrorIs(t, err, ErrNoTargets)
	assert.Equal(t, 0, f.servers[addrs[0]].Calls("list"), "no agent is queried without targets")
}

func TestDispatch_FailuresAreIndependent(t *testing.T) {
	ctx := t.Context()
	f, addrs := newFixture(t, 0, 0)
	f.servers[addrs[0]].Reject["bad.example"] = "target invalid"

	plan := Assignment{Agents: []Slot{
		{Agent: addrs[0], Targets: []string{"a.example", "bad.example", "c.example"}},
		{Agent: addrs[1], Targets: []string{"d.example"}},
	}}

	var got outcomes
	f.dispatcher().Submit(ctx, plan, got.report)
	require.Len(t, got.all, 4)

	first := got.forAgent(addrs[0])
	require.Len(t, first, 3)
	assert.Equal(t, "a.example", first[0].Target)
	assert.NoError(t, first[0].Err)
	assert.Equal(t, "bad.example", first[1].Target)
	var rejected *arl.RejectedError
	assert.ErrorAs(t, first[1].Err, &rejected)
	assert.Empty(t, first[1].TaskIDs)
	assert.Equal(t, "c.example", first[2].Target)
	assert.NoError(t, first[2].Err, "a failed target does not stop later ones")

	second := got.forAgent(addrs[1])
	require.Len(t, second, 1)
	assert.NoError(t, second[0].Err)

	assert.Equal(t, "c.example", f.servers[addrs[0]].LastSubmit()["target"])
}

func TestDispatch_SubmitAfterCancel(t *testing.T) {
	f, addrs := newFixture(t, 0)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	plan := Assignment{Agents: []Slot{{Agent: addrs[0], Targets: []string{"a.example", "b.example"}}}}

	var got outcomes
	f.dispatcher().Submit(ctx, plan, got.report)
	require.Len(t, got.all, 2)
	for _, out := range got.all {
		assert.ErrorIs(t, out.Err, context.Canceled)
	}
	assert.Equal(t, 0, f.servers[addrs[0]].Calls("submit"))
}

func TestCleanTargets(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, CleanTargets([]string{" a", "", "b ", "a", "\t"}))
	assert.Empty(t, CleanTargets(nil))
}
