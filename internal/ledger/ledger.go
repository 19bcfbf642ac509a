// Package ledger folds execution outcomes back into shared state and into
// the permanent ticket record.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quantrail/quantrail/internal/exec"
	"github.com/quantrail/quantrail/internal/observ"
	"github.com/quantrail/quantrail/internal/statebus"
	"github.com/quantrail/quantrail/internal/ticket"
)

// ErrUnknownTicket means a lifecycle event referenced a ticket the ledger is
// not tracking and the store does not hold.
var ErrUnknownTicket = errors.New("ledger: unknown ticket")

// CheckpointName is the ticket-store checkpoint row holding risk counters.
const CheckpointName = "statebus"

type fillState struct {
	expected    float64 // price reference at submission
	submittedTS float64
	filledQty   float64
	filledCost  float64 // sum(price*qty) for VWAP
}

// Ledger consumes lifecycle events, applies position and PnL deltas exactly
// once per event sequence number, finalizes tickets and persists them.
type Ledger struct {
	bus    *statebus.Bus
	store  *ticket.Store
	router *exec.Router

	mu      sync.Mutex
	tickets map[string]*ticket.Ticket
	lastSeq map[string]int
	open    map[string]*fillState

	fills   int64
	cancels int64
}

func New(bus *statebus.Bus, store *ticket.Store, router *exec.Router) *Ledger {
	return &Ledger{
		bus:     bus,
		store:   store,
		router:  router,
		tickets: map[string]*ticket.Ticket{},
		lastSeq: map[string]int{},
		open:    map[string]*fillState{},
	}
}

// Track hands the ledger ownership of a ticket ahead of dispatch. From here
// on only the ledger mutates it.
func (l *Ledger) Track(t *ticket.Ticket) {
	l.mu.Lock()
	l.tickets[t.ID] = t
	l.mu.Unlock()
}

// Untrack releases a ticket that never reached its backend.
func (l *Ledger) Untrack(id string) {
	l.mu.Lock()
	delete(l.tickets, id)
	delete(l.open, id)
	l.mu.Unlock()
}

// Apply processes one lifecycle event. Duplicate deliveries (same ticket,
// same or older seq) are dropped without re-applying deltas.
func (l *Ledger) Apply(ev exec.LifecycleEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.tickets[ev.TicketID]
	if !ok {
		loaded, err := l.store.Get(ev.TicketID)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrUnknownTicket, ev.TicketID)
		}
		t = loaded
	}
	// Terminal tickets take no further deltas. The in-memory seq guard does
	// not survive a restart; stored readiness is the durable backstop against
	// redelivered events.
	if t.Readiness == ticket.Closed || t.Readiness == ticket.Rejected {
		observ.IncCounter("ledger_duplicate_events_total", map[string]string{"type": ev.Type})
		return nil
	}
	if !ok {
		l.tickets[t.ID] = t
	}

	if ev.Seq <= l.lastSeq[ev.TicketID] {
		observ.IncCounter("ledger_duplicate_events_total", map[string]string{"type": ev.Type})
		return nil
	}
	l.lastSeq[ev.TicketID] = ev.Seq

	switch ev.Type {
	case exec.EvSubmitted:
		l.open[ev.TicketID] = &fillState{expected: ev.Price, submittedTS: ev.TS}
		t.AddTrace(ev.TS, "submitted", map[string]any{"backend": ev.Backend, "price_ref": ev.Price})
	case exec.EvAcknowledged:
		t.AddTrace(ev.TS, "acknowledged", nil)
	case exec.EvPartialFill:
		fs := l.ensureOpen(ev)
		fs.filledQty += ev.Qty
		fs.filledCost += ev.Qty * ev.Price
		t.AddTrace(ev.TS, "partial_fill", map[string]any{"qty": ev.Qty, "price": ev.Price})
	case exec.EvFilled:
		return l.finalFill(t, ev)
	case exec.EvCanceled:
		return l.terminal(t, ev, ticket.Action{
			Type: "order", Side: t.Plan.Side, Qty: 0, Backend: ev.Backend, Status: "canceled",
		}, true)
	case exec.EvRejected:
		return l.terminal(t, ev, ticket.Action{
			Type: "venue_reject", Side: t.Plan.Side, Backend: ev.Backend, Status: "rejected",
		}, false)
	default:
		return fmt.Errorf("ledger: unknown event type %q for %s", ev.Type, ev.TicketID)
	}
	return l.store.Upsert(t)
}

func (l *Ledger) ensureOpen(ev exec.LifecycleEvent) *fillState {
	fs, ok := l.open[ev.TicketID]
	if !ok {
		fs = &fillState{expected: ev.Price, submittedTS: ev.TS}
		l.open[ev.TicketID] = fs
	}
	return fs
}

// finalFill applies the last fill, computes slippage and time-to-fill, folds
// the position and realized-PnL deltas into the bus and closes the ticket.
func (l *Ledger) finalFill(t *ticket.Ticket, ev exec.LifecycleEvent) error {
	fs := l.ensureOpen(ev)
	fs.filledQty += ev.Qty
	fs.filledCost += ev.Qty * ev.Price

	vwap := ev.Price
	if fs.filledQty > 0 {
		vwap = fs.filledCost / fs.filledQty
	}
	// Signed slippage: positive when the fill is adverse to the order.
	slippageBp := 0.0
	if fs.expected > 0 {
		slippageBp = (vwap - fs.expected) / fs.expected * 10000
		if t.Plan.Side == "SELL" {
			slippageBp = -slippageBp
		}
	}
	ttfMs := (ev.TS - fs.submittedTS) * 1000

	signedQty := fs.filledQty
	if t.Plan.Side == "SELL" {
		signedQty = -signedQty
	}
	now := time.Unix(0, int64(ev.TS*1e9)).UTC()
	realized := l.bus.ApplyFill(t.Symbol, signedQty, vwap, now)

	t.Actions = append(t.Actions, ticket.Action{
		Type: "order", Side: t.Plan.Side, Qty: fs.filledQty, Price: vwap,
		Backend: ev.Backend, Status: "filled", SlippageBp: slippageBp, TTFMs: ttfMs,
	})
	t.AddTrace(ev.TS, "filled", map[string]any{
		"vwap": vwap, "qty": fs.filledQty, "realized_pnl": realized,
	})
	l.fills++

	observ.Observe("fill_slippage_bp", slippageBp, map[string]string{"symbol": t.Symbol})
	observ.Observe("fill_ttf_ms", ttfMs, map[string]string{"symbol": t.Symbol})
	return l.close(t, ev)
}

// terminal records a non-fill outcome (cancel or venue rejection).
func (l *Ledger) terminal(t *ticket.Ticket, ev exec.LifecycleEvent, a ticket.Action, canceled bool) error {
	if canceled {
		l.bus.RecordCancel(time.Unix(0, int64(ev.TS*1e9)).UTC())
		l.cancels++
	}
	t.Actions = append(t.Actions, a)
	detail := map[string]any{"backend": ev.Backend}
	if ev.Reason != "" {
		detail["reason"] = ev.Reason
	}
	t.AddTrace(ev.TS, ev.Type, detail)
	return l.close(t, ev)
}

func (l *Ledger) close(t *ticket.Ticket, ev exec.LifecycleEvent) error {
	t.Readiness = ticket.Closed
	delete(l.open, t.ID)
	delete(l.tickets, t.ID)

	if err := l.store.Upsert(t); err != nil {
		return fmt.Errorf("ledger: persist %s: %w", t.ID, err)
	}
	if err := l.store.SaveCheckpoint(CheckpointName, ev.TS, l.bus.CheckpointState()); err != nil {
		observ.LogErr("checkpoint_failed", err, map[string]any{"ticket": t.ID})
	}
	l.router.MarkClosed(t.ID)

	total := l.fills + l.cancels
	if total > 0 {
		observ.SetGauge("fill_rate", float64(l.fills)/float64(total), nil)
		observ.SetGauge("cancel_rate", float64(l.cancels)/float64(total), nil)
	}
	observ.Log("ticket_closed", map[string]any{"ticket": t.ID, "actions": len(t.Actions)})
	return nil
}

// Restore hydrates risk counters and positions from the last checkpoint.
// When no checkpoint exists the same state is rebuilt by re-applying every
// recorded fill from the tickets table, oldest first.
func Restore(bus *statebus.Bus, store *ticket.Store) error {
	var cp statebus.Checkpoint
	err := store.LoadCheckpoint(CheckpointName, &cp)
	if err == nil {
		bus.Restore(cp)
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return rebuild(bus, store)
}

// rebuild replays fills and cancels out of closed tickets. Fill times come
// from the submission time plus the recorded time-to-fill, so the daily
// boundary check discards anything from prior UTC days on its own.
func rebuild(bus *statebus.Bus, store *ticket.Store) error {
	tickets, err := store.ListAll()
	if err != nil {
		return fmt.Errorf("ledger: rebuild: %w", err)
	}
	fills := 0
	for _, t := range tickets {
		for _, a := range t.Actions {
			ts := t.CreatedTS + a.TTFMs/1000
			at := time.Unix(0, int64(ts*1e9)).UTC()
			switch a.Status {
			case "filled":
				qty := a.Qty
				if a.Side == "SELL" {
					qty = -qty
				}
				bus.ApplyFill(t.Symbol, qty, a.Price, at)
				fills++
			case "canceled":
				bus.RecordCancel(at)
			}
		}
	}
	observ.Log("counters_rebuilt", map[string]any{"tickets": len(tickets), "fills": fills})
	return nil
}
