package exec

// Order lifecycle event types received from execution backends.
const (
	EvSubmitted    = "submitted"
	EvAcknowledged = "acknowledged"
	EvPartialFill  = "partial_fill"
	EvFilled       = "filled"
	EvCanceled     = "canceled"
	EvRejected     = "rejected"
)

// OrderRequest is what the router sends to an execution backend.
type OrderRequest struct {
	TicketID      string  `json:"ticket_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Qty           float64 `json:"qty"`
	OrderType     string  `json:"order_type"`
	PriceRef      float64 `json:"price_ref"` // expected price at dispatch
	ReduceOnly    bool    `json:"reduce_only"`
	TS            float64 `json:"ts"` // event time at dispatch, epoch seconds
	ClientOrderID string  `json:"client_order_id"`
}

// LifecycleEvent is one execution-lifecycle event carrying the originating
// ticket id. Seq increases per ticket; the ledger uses it to apply each event
// exactly once.
type LifecycleEvent struct {
	TicketID string  `json:"ticket_id"`
	Type     string  `json:"event_type"`
	Seq      int     `json:"seq"`
	Price    float64 `json:"price"`
	Qty      float64 `json:"qty"`
	TS       float64 `json:"timestamp"`
	Backend  string  `json:"backend"`
	Reason   string  `json:"reason,omitempty"`
}

// Sink receives lifecycle events from a backend.
type Sink func(LifecycleEvent)
