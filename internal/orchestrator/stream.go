// ABOUTME: Event stream shared by one commit or resume and the monitors it starts
// ABOUTME: Closes once every unit feeding it has returned

package orchestrator

import (
	"context"
	"sync"

	"github.com/2389/beacon-orchestrator/internal/events"
	"github.com/2389/beacon-orchestrator/internal/monitor"
)

type stream struct {
	o      *Orchestrator
	ctx    context.Context
	cancel context.CancelFunc
	out    chan events.Event
	jobs   sync.WaitGroup
}

// newStream returns a stream whose context ends with ctx or with Stop.
func (o *Orchestrator) newStream(ctx context.Context) *stream {
	sctx, cancel := context.WithCancel(ctx)
	detach := context.AfterFunc(o.stopCtx, cancel)
	return &stream{
		o:   o,
		ctx: sctx,
		cancel: func() {
			detach()
			cancel()
		},
		out: make(chan events.Event),
	}
}

// emit publishes ev and hands it to the stream consumer. Once the stream
// is cancelled events only reach subscribers.
func (s *stream) emit(ev events.Event) {
	s.o.broadcaster.Publish(ev)
	select {
	case s.out <- ev:
	case <-s.ctx.Done():
	}
}

// watch starts a monitor for job.
func (s *stream) watch(job monitor.Job) {
	cfg := s.o.cfg
	m := monitor.New(job, s.o.agents, s.o.ledger, s.o.results, monitor.Options{
		PollInterval: cfg.Monitor.PollInterval,
		Dwell:        cfg.Monitor.Dwell,
		// Room for a failed call, one re-login and the retry.
		RequestTimeout: 2*cfg.Agents.RequestTimeout + cfg.Agents.LoginTimeout,
		Emit:           s.emit,
		Logger:         s.o.root,
	})
	s.jobs.Go(func() { m.Run(s.ctx) })
}

// run executes fn in the background and closes the stream after fn and
// every monitor it started have returned. After Stop the stream is closed
// immediately.
func (s *stream) run(fn func()) <-chan events.Event {
	s.o.mu.Lock()
	defer s.o.mu.Unlock()

	if s.o.stopped {
		s.cancel()
		close(s.out)
		return s.out
	}

	s.o.units.Go(func() {
		defer close(s.out)
		defer s.cancel()
		fn()
		s.jobs.Wait()
	})
	return s.out
}
