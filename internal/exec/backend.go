package exec

import (
	"context"
	"fmt"
)

// Backend is an order-execution destination. Submit either queues the order
// with the destination or fails; everything after submission arrives as
// lifecycle events through the backend's sink.
type Backend interface {
	Name() string
	Submit(ctx context.Context, o OrderRequest) error
}

// PaperBackend fills orders in-process against the dispatch-time price
// reference. Fills are a pure function of the order request, so replaying an
// identical event stream reproduces identical actions. It serves both the
// paper trade mode and the replay simulator.
type PaperBackend struct {
	name        string
	slippageBps float64
	sink        Sink
}

// NewPaperBackend creates a simulated backend named name ("paper" or "sim").
func NewPaperBackend(name string, slippageBps int, sink Sink) *PaperBackend {
	return &PaperBackend{name: name, slippageBps: float64(slippageBps), sink: sink}
}

func (p *PaperBackend) Name() string { return p.name }

// Submit immediately emits submitted and filled events. The fill price moves
// against the order by the configured slippage.
func (p *PaperBackend) Submit(_ context.Context, o OrderRequest) error {
	if o.Qty <= 0 {
		return fmt.Errorf("paper backend: non-positive qty for %s", o.TicketID)
	}
	fill := o.PriceRef * (1 + p.slippageBps/10000)
	if o.Side == "SELL" {
		fill = o.PriceRef * (1 - p.slippageBps/10000)
	}
	p.sink(LifecycleEvent{
		TicketID: o.TicketID, Type: EvSubmitted, Seq: 1,
		Price: o.PriceRef, Qty: o.Qty, TS: o.TS, Backend: p.name,
	})
	p.sink(LifecycleEvent{
		TicketID: o.TicketID, Type: EvFilled, Seq: 2,
		Price: fill, Qty: o.Qty, TS: o.TS, Backend: p.name,
	})
	return nil
}
