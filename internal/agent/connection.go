// ABOUTME: Represents a single registered ARL agent and its current auth token.
// ABOUTME: The token is written only by the manager's refresh step.

package agent

import (
	"sync"
	"time"

	"github.com/2389/beacon-orchestrator/internal/arl"
	"github.com/2389/beacon-orchestrator/internal/store"
)

// Agent is a registered scanning agent.
type Agent struct {
	Address  string
	Username string
	Password string
	AddedAt  time.Time

	client *arl.Client

	mu      sync.RWMutex
	token   string
	evicted bool

	// refreshMu serializes refreshes. It never guards a wrapped operation.
	refreshMu sync.Mutex
}

// Info is a read-only snapshot of an agent.
type Info struct {
	Address  string
	Username string
	HasToken bool
	AddedAt  time.Time
}

func newAgent(rec *store.AgentRecord, client *arl.Client) *Agent {
	return &Agent{
		Address:  rec.Address,
		Username: rec.Username,
		Password: rec.Password,
		AddedAt:  rec.AddedAt,
		client:   client,
		token:    rec.Token,
	}
}

// Token returns the current token.
func (a *Agent) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// Client returns the agent's API client.
func (a *Agent) Client() *arl.Client {
	return a.client
}

// Info returns a snapshot of the agent.
func (a *Agent) Info() Info {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Info{
		Address:  a.Address,
		Username: a.Username,
		HasToken: a.token != "",
		AddedAt:  a.AddedAt,
	}
}

func (a *Agent) setToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = token
}

func (a *Agent) markEvicted() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.evicted = true
}

func (a *Agent) isEvicted() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.evicted
}

func (a *Agent) record() *store.AgentRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return &store.AgentRecord{
		Address:  a.Address,
		Username: a.Username,
		Password: a.Password,
		Token:    a.token,
		AddedAt:  a.AddedAt,
	}
}
