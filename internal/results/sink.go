// ABOUTME: Caller-facing result sink that drops records already delivered
// ABOUTME: Deduplicates by site, domain name and leak URL and keeps first-seen order

package results

import (
	"sync"

	"github.com/2389/beacon-orchestrator/internal/arl"
	"github.com/2389/beacon-orchestrator/internal/dedupe"
)

// DefaultSinkSize bounds the number of keys a sink remembers.
const DefaultSinkSize = 100_000

// Sink accumulates results across batches and jobs.
type Sink struct {
	seen *dedupe.Cache

	mu  sync.Mutex
	acc Increment
}

// NewSink creates a sink remembering up to maxKeys records. Zero uses
// DefaultSinkSize.
func NewSink(maxKeys int) *Sink {
	if maxKeys <= 0 {
		maxKeys = DefaultSinkSize
	}
	return &Sink{seen: dedupe.New(0, maxKeys)}
}

// Add records the batch and returns a copy holding only records not seen
// before. Adding the same batch twice yields an empty second result.
func (s *Sink) Add(b Batch) Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := Batch{Agent: b.Agent, TaskID: b.TaskID, Target: b.Target, Final: b.Final}
	for _, a := range b.Assets {
		if !s.seen.CheckAndMark(dedupe.Key(dedupe.NamespaceAsset, a.Site)) {
			fresh.Assets = append(fresh.Assets, a)
		}
	}
	for _, d := range b.Domains {
		if !s.seen.CheckAndMark(dedupe.Key(dedupe.NamespaceDomain, d.Domain)) {
			fresh.Domains = append(fresh.Domains, d)
		}
	}
	for _, l := range b.Leaks {
		if !s.seen.CheckAndMark(dedupe.Key(dedupe.NamespaceLeak, l.URL)) {
			fresh.Leaks = append(fresh.Leaks, l)
		}
	}

	s.acc.Assets = append(s.acc.Assets, fresh.Assets...)
	s.acc.Domains = append(s.acc.Domains, fresh.Domains...)
	s.acc.Leaks = append(s.acc.Leaks, fresh.Leaks...)
	return fresh
}

// Snapshot returns every accumulated record in first-seen order.
func (s *Sink) Snapshot() Increment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Increment{
		Assets:  append([]arl.Asset(nil), s.acc.Assets...),
		Domains: append([]arl.Domain(nil), s.acc.Domains...),
		Leaks:   append([]arl.Leak(nil), s.acc.Leaks...),
	}
}

// Close releases the sink's key cache.
func (s *Sink) Close() {
	s.seen.Close()
}
