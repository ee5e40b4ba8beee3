// ABOUTME: Manages registered ARL agents, their credentials and tokens.
// ABOUTME: Wraps agent calls with single-flight token refresh and retry-once on auth expiry.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/2389/beacon-orchestrator/internal/arl"
	"github.com/2389/beacon-orchestrator/internal/store"
)

// ErrAgentAlreadyRegistered indicates an agent with the same address is already registered.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// ErrTokenExpired indicates that re-authentication failed. The agent has been
// evicted and must be added again.
var ErrTokenExpired = errors.New("token expired")

// Operation is one agent API call made with the agent's current token.
type Operation func(ctx context.Context, client *arl.Client, token string) error

// Options configures a Manager.
type Options struct {
	// Username and Password are used by Add when the caller passes none.
	Username string
	Password string
	// ClientOptions are applied to every agent client.
	ClientOptions []arl.Option
	// OnTokenExpired is called after an agent has been evicted.
	OnTokenExpired func(address string, err error)
	Logger         *slog.Logger
}

// Manager is the registry of active agents.
type Manager struct {
	agents map[string]*Agent
	mu     sync.RWMutex

	store      store.Store
	username   string
	password   string
	clientOpts []arl.Option
	logger     *slog.Logger

	hookMu         sync.RWMutex
	onTokenExpired func(address string, err error)
}

// NewManager creates a Manager persisting agents to s.
func NewManager(s store.Store, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		agents:         make(map[string]*Agent),
		store:          s,
		username:       opts.Username,
		password:       opts.Password,
		clientOpts:     opts.ClientOptions,
		logger:         logger.With("component", "agents"),
		onTokenExpired: opts.OnTokenExpired,
	}
}

// SetOnTokenExpired replaces the eviction callback.
func (m *Manager) SetOnTokenExpired(fn func(address string, err error)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onTokenExpired = fn
}

func (m *Manager) newClient(address string) (*arl.Client, error) {
	opts := append([]arl.Option{arl.WithLogger(m.logger)}, m.clientOpts...)
	return arl.New(address, opts...)
}

// Add registers the agent at address. The agent is only registered and
// persisted if login succeeds. Empty credentials fall back to the manager
// defaults.
func (m *Manager) Add(ctx context.Context, address, username, password string) (*Agent, error) {
	addr, err := arl.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	if username == "" {
		username = m.username
	}
	if password == "" {
		password = m.password
	}

	if _, exists := m.Get(addr); exists {
		return nil, ErrAgentAlreadyRegistered
	}

	client, err := m.newClient(addr)
	if err != nil {
		return nil, err
	}
	token, err := client.Login(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("logging in to %s: %w", addr, err)
	}

	rec := &store.AgentRecord{Address: addr, Username: username, Password: password, Token: token}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.agents[addr]; exists {
		return nil, ErrAgentAlreadyRegistered
	}
	if err := m.store.SaveAgent(ctx, rec); err != nil {
		return nil, fmt.Errorf("saving agent: %w", err)
	}

	a := newAgent(rec, client)
	m.agents[addr] = a
	m.logger.Info("=== AGENT ADDED ===",
		"agent", addr,
		"total_agents", len(m.agents),
	)
	return a, nil
}

// Remove unregisters the agent and deletes its stored record. Ledger entries
// are not touched.
func (m *Manager) Remove(ctx context.Context, address string) error {
	addr, err := arl.NormalizeAddress(address)
	if err != nil {
		return err
	}

	m.mu.Lock()
	_, active := m.agents[addr]
	delete(m.agents, addr)
	total := len(m.agents)
	m.mu.Unlock()

	err = m.store.DeleteAgent(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		if !active {
			return ErrAgentNotFound
		}
		err = nil
	}
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}

	m.logger.Info("=== AGENT REMOVED ===",
		"agent", addr,
		"total_agents", total,
	)
	return nil
}

// Get returns the active agent at address.
func (m *Manager) Get(address string) (*Agent, bool) {
	if addr, err := arl.NormalizeAddress(address); err == nil {
		address = addr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[address]
	return a, ok
}

// List returns snapshots of all active agents ordered by the time they were added.
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.agents))
	for _, a := range m.agents {
		infos = append(infos, a.Info())
	}
	m.mu.RUnlock()

	slices.SortFunc(infos, func(a, b Info) int {
		if c := a.AddedAt.Compare(b.AddedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Address, b.Address)
	})
	return infos
}

// Addresses returns the addresses of all active agents in List order.
func (m *Manager) Addresses() []string {
	infos := m.List()
	addrs := make([]string, len(infos))
	for i, info := range infos {
		addrs[i] = info.Address
	}
	return addrs
}

// Load registers every stored agent with its stored token. No login is made;
// a stale token is refreshed on first use.
func (m *Manager) Load(ctx context.Context) (int, error) {
	recs, err := m.store.ListAgents(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing agents: %w", err)
	}

	loaded := 0
	for _, rec := range recs {
		client, err := m.newClient(rec.Address)
		if err != nil {
			m.logger.Warn("skipping stored agent", "agent", rec.Address, "error", err)
			continue
		}

		m.mu.Lock()
		if _, exists := m.agents[rec.Address]; !exists {
			m.agents[rec.Address] = newAgent(rec, client)
			loaded++
		}
		m.mu.Unlock()
	}

	m.logger.Info("agents loaded", "count", loaded)
	return loaded, nil
}

// Do runs op against the agent at address with its current token. If the
// agent reports the token expired, the token is refreshed and op is retried
// exactly once. A failed refresh evicts the agent and returns an error
// wrapping ErrTokenExpired, unless ctx ended first.
func (m *Manager) Do(ctx context.Context, address string, op Operation) error {
	a, ok := m.Get(address)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, address)
	}

	token := a.Token()
	err := op(ctx, a.client, token)
	if !errors.Is(err, arl.ErrAuthExpired) {
		return err
	}

	m.logger.Debug("token rejected, refreshing", "agent", a.Address)
	fresh, err := m.refresh(ctx, a, token)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return op(ctx, a.client, fresh)
}

// refresh replaces the agent's token after failed was rejected. Callers that
// queue behind an in-flight refresh reuse its token instead of logging in
// again.
func (m *Manager) refresh(ctx context.Context, a *Agent, failed string) (string, error) {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	if a.isEvicted() {
		return "", fmt.Errorf("%w: agent %s was evicted", ErrTokenExpired, a.Address)
	}
	if current := a.Token(); current != failed && current != "" {
		return current, nil
	}

	// The login runs to the client's login timeout even if the caller goes
	// away. Only a failure the agent caused may evict it.
	detached := context.WithoutCancel(ctx)
	token, err := a.client.Login(detached, a.Username, a.Password)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			m.logger.Debug("refresh abandoned", "agent", a.Address, "error", err)
			return "", ctxErr
		}
		m.evict(detached, a, err)
		return "", fmt.Errorf("%w: agent %s: %w", ErrTokenExpired, a.Address, err)
	}

	a.setToken(token)
	if err := m.store.SaveAgent(detached, a.record()); err != nil {
		m.logger.Warn("failed to persist refreshed token", "agent", a.Address, "error", err)
	}
	m.logger.Info("token refreshed", "agent", a.Address)
	return token, nil
}

func (m *Manager) evict(ctx context.Context, a *Agent, cause error) {
	a.markEvicted()

	m.mu.Lock()
	if m.agents[a.Address] == a {
		delete(m.agents, a.Address)
	}
	total := len(m.agents)
	m.mu.Unlock()

	if err := m.store.DeleteAgent(ctx, a.Address); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("failed to delete evicted agent", "agent", a.Address, "error", err)
	}

	m.logger.Warn("=== AGENT EVICTED ===",
		"agent", a.Address,
		"error", cause,
		"total_agents", total,
	)

	m.hookMu.RLock()
	hook := m.onTokenExpired
	m.hookMu.RUnlock()
	if hook != nil {
		hook(a.Address, cause)
	}
}
