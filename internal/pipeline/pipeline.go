// Package pipeline binds the decision chain together: proposal in, gated
// ticket out, approved tickets dispatched. Tickets for one symbol are
// processed strictly in proposal order; symbols are independent.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quantrail/quantrail/internal/exec"
	"github.com/quantrail/quantrail/internal/gate"
	"github.com/quantrail/quantrail/internal/ledger"
	"github.com/quantrail/quantrail/internal/observ"
	"github.com/quantrail/quantrail/internal/statebus"
	"github.com/quantrail/quantrail/internal/ticket"
)

// Request is a proposal plus the caller's arm confirmation, produced by the
// signal collaborator or by external control surfaces.
type Request struct {
	Proposal ticket.Proposal
	ArmToken string
}

// Pipeline owns one worker goroutine per symbol. A ticket is owned by exactly
// one worker until dispatch hands it to the ledger.
type Pipeline struct {
	bus    *statebus.Bus
	gen    *ticket.Generator
	eval   *gate.Evaluator
	router *exec.Router
	led    *ledger.Ledger
	store  *ticket.Store

	mu        sync.Mutex
	workers   map[string]chan Request
	abandoned map[string]bool // symbols flagged for abandon-next
	stopping  bool
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

func New(bus *statebus.Bus, gen *ticket.Generator, eval *gate.Evaluator,
	router *exec.Router, led *ledger.Ledger, store *ticket.Store) *Pipeline {
	return &Pipeline{
		bus:       bus,
		gen:       gen,
		eval:      eval,
		router:    router,
		led:       led,
		store:     store,
		workers:   map[string]chan Request{},
		abandoned: map[string]bool{},
	}
}

// Start makes the pipeline accept requests until Stop.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.stopping = false
}

// Stop refuses further submissions, drains every queued proposal through its
// worker and only then cancels the context. An accepted proposal always
// produces a ticket record, even across shutdown.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	cancel := p.cancel
	for _, ch := range p.workers {
		close(ch)
	}
	p.workers = map[string]chan Request{}
	p.mu.Unlock()
	p.wg.Wait()
	if cancel != nil {
		cancel()
	}
}

// Submit queues a proposal on its symbol's FIFO worker.
func (p *Pipeline) Submit(req Request) error {
	p.mu.Lock()
	if p.ctx == nil || p.stopping || p.ctx.Err() != nil {
		p.mu.Unlock()
		return errors.New("pipeline: not running")
	}
	ch, ok := p.workers[req.Proposal.Symbol]
	if !ok {
		ch = make(chan Request, 64)
		p.workers[req.Proposal.Symbol] = ch
		p.wg.Add(1)
		go p.worker(ch)
	}
	p.mu.Unlock()

	select {
	case ch <- req:
		return nil
	default:
		observ.IncCounter("pipeline_dropped_total", map[string]string{"symbol": req.Proposal.Symbol})
		return errors.New("pipeline: symbol queue full")
	}
}

// Abandon flags the symbol so its next generated ticket is closed with no
// action taken, short-circuiting gates and dispatch (manual close-all style).
func (p *Pipeline) Abandon(symbol string) {
	p.mu.Lock()
	p.abandoned[symbol] = true
	p.mu.Unlock()
	observ.Log("symbol_abandon_flagged", map[string]any{"symbol": symbol})
}

func (p *Pipeline) takeAbandon(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.abandoned[symbol] {
		delete(p.abandoned, symbol)
		return true
	}
	return false
}

// worker runs until its channel closes, processing whatever was accepted.
func (p *Pipeline) worker(ch chan Request) {
	defer p.wg.Done()
	for req := range ch {
		p.Process(req)
	}
}

// Process runs one decision cycle inline. Submit routes here through the
// symbol workers; the replay runner calls it directly to keep event order.
// Gate rejections are ticket outcomes; infrastructure failures abort the
// cycle and surface through the log.
func (p *Pipeline) Process(req Request) {
	symbol := req.Proposal.Symbol
	snap := p.bus.Snapshot("market.tick." + symbol)
	t, err := p.gen.Generate(snap, p.bus.Version(), req.Proposal)
	if err != nil {
		if errors.Is(err, ticket.ErrStaleState) {
			observ.IncCounter("stale_snapshots_total", map[string]string{"symbol": symbol})
		}
		observ.LogErr("ticket_generate_failed", err, map[string]any{"symbol": symbol})
		return
	}

	if p.takeAbandon(symbol) {
		t.Readiness = ticket.Closed
		t.AddTrace(t.CreatedTS, "abandoned", map[string]any{"stage": "pre_evaluation"})
		p.persist(t)
		return
	}

	eventTime := time.Unix(0, int64(t.CreatedTS*1e9)).UTC()
	p.eval.Evaluate(t, req.ArmToken, eventTime)

	// Gate outcome goes to durable storage before any dispatch.
	if !p.persist(t) {
		return
	}
	if t.Readiness == ticket.Rejected {
		return
	}
	if p.takeAbandon(symbol) {
		t.Readiness = ticket.Closed
		t.AddTrace(t.CreatedTS, "abandoned", map[string]any{"stage": "pre_dispatch"})
		p.persist(t)
		return
	}

	p.led.Track(t)
	if err := p.router.Dispatch(p.ctx, t); err != nil {
		observ.LogErr("dispatch_failed", err, map[string]any{"ticket": t.ID})
		p.led.Untrack(t.ID)
		t.Readiness = ticket.Closed
		t.AddTrace(t.CreatedTS, "dispatch_failed", map[string]any{"error": err.Error()})
		p.persist(t)
	}
}

func (p *Pipeline) persist(t *ticket.Ticket) bool {
	if err := p.store.Upsert(t); err != nil {
		// Persistence failure is fatal to this cycle, never swallowed.
		observ.LogErr("ticket_persist_failed", err, map[string]any{"ticket": t.ID})
		return false
	}
	return true
}
