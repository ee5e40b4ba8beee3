// ABOUTME: Incremental result harvesting from ARL agents
// ABOUTME: Fetches site, leak and domain listings and slices off what was already seen

package results

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/beacon-orchestrator/internal/agent"
	"github.com/2389/beacon-orchestrator/internal/arl"
	"github.com/2389/beacon-orchestrator/internal/store"
)

// DefaultPageSize is the listing size used when none is configured.
const DefaultPageSize = 1000

// Increment holds records observed in one fetch.
type Increment struct {
	Assets  []arl.Asset
	Domains []arl.Domain
	Leaks   []arl.Leak
}

// Empty reports whether the increment holds no records.
func (i Increment) Empty() bool {
	return len(i.Assets) == 0 && len(i.Domains) == 0 && len(i.Leaks) == 0
}

// Batch is an increment attributed to one job. Final marks the batch
// fetched after the job completed.
type Batch struct {
	Agent  string
	TaskID string
	Target string
	Final  bool
	Increment
}

// Doer runs an agent API call with token refresh.
type Doer interface {
	Do(ctx context.Context, address string, op agent.Operation) error
}

// Aggregator fetches result increments from agents.
type Aggregator struct {
	agents   Doer
	pageSize int
	logger   *slog.Logger
}

// NewAggregator creates an Aggregator. A pageSize of zero uses DefaultPageSize.
func NewAggregator(agents Doer, pageSize int, logger *slog.Logger) *Aggregator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		agents:   agents,
		pageSize: pageSize,
		logger:   logger.With("component", "results"),
	}
}

// Fetch returns the records of a task not covered by last, and the counts to
// pass as last on the next call.
//
// Sites and leaks are read in full and sliced at the last-seen offsets, which
// assumes the agent lists them in a stable append order. If a listing shrank
// below its offset, nothing is returned for it and the offset drops to the
// new length. Domains are not incremental: whenever the domain count changed
// the complete listing is returned, and the sink drops repeats.
func (a *Aggregator) Fetch(ctx context.Context, address, taskID string, last store.Counts) (Increment, store.Counts, error) {
	var (
		inc     Increment
		sites   []arl.Asset
		leaks   []arl.Leak
		domains []arl.Domain
	)

	err := a.agents.Do(ctx, address, func(ctx context.Context, c *arl.Client, token string) error {
		var err error
		sites, err = c.Sites(ctx, token, taskID, 1, a.pageSize)
		return err
	})
	if err != nil {
		return Increment{}, last, fmt.Errorf("fetching sites: %w", err)
	}

	err = a.agents.Do(ctx, address, func(ctx context.Context, c *arl.Client, token string) error {
		var err error
		leaks, err = c.FileLeaks(ctx, token, taskID, 1, a.pageSize)
		return err
	})
	if err != nil {
		return Increment{}, last, fmt.Errorf("fetching file leaks: %w", err)
	}

	err = a.agents.Do(ctx, address, func(ctx context.Context, c *arl.Client, token string) error {
		var err error
		domains, err = c.Domains(ctx, token, taskID, 1, a.pageSize)
		return err
	})
	if err != nil {
		return Increment{}, last, fmt.Errorf("fetching domains: %w", err)
	}

	next := store.Counts{
		Assets:  len(sites),
		Leaks:   len(leaks),
		Domains: len(domains),
	}
	inc.Assets = sliceFrom(sites, last.Assets)
	inc.Leaks = sliceFrom(leaks, last.Leaks)
	if len(domains) != last.Domains {
		inc.Domains = domains
	}

	if len(sites) < last.Assets || len(leaks) < last.Leaks {
		a.logger.Warn("result listing shrank, offsets reset",
			"agent", address,
			"task_id", taskID,
			"assets", len(sites), "last_assets", last.Assets,
			"leaks", len(leaks), "last_leaks", last.Leaks,
		)
	}

	return inc, next, nil
}

func sliceFrom[T any](items []T, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	return items[offset:]
}
