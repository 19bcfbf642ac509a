package ticket

import (
	"encoding/json"
	"fmt"
)

// Readiness is a ticket's lifecycle state.
type Readiness string

const (
	Draft      Readiness = "DRAFT"
	Evaluating Readiness = "EVALUATING"
	Approved   Readiness = "APPROVED"
	Rejected   Readiness = "REJECTED"
	Downgraded Readiness = "DOWNGRADED"
	Closed     Readiness = "CLOSED"
)

// Gate verdicts recorded in gates_json.
const (
	VerdictPass      = "pass"
	VerdictFail      = "fail"
	VerdictDowngrade = "downgrade"
	VerdictOverride  = "override"
)

// GateResult records one gate's verdict and the numeric inputs it used.
// The slice order in a ticket is the evaluation order.
type GateResult struct {
	Name    string             `json:"name"`
	Verdict string             `json:"verdict"`
	Inputs  map[string]float64 `json:"inputs"`
	Note    string             `json:"note,omitempty"`
}

// Plan is the intended action set before execution.
type Plan struct {
	Side       string    `json:"side"` // BUY | SELL
	Qty        float64   `json:"qty"`
	Notional   float64   `json:"notional"` // USD
	RiskPct    float64   `json:"risk_pct"` // risk budget consumed, % of equity
	Entry      string    `json:"entry"`    // entry reference, e.g. "market", "mark"
	Stop       float64   `json:"stop"`
	Targets    []float64 `json:"targets,omitempty"`
	ReduceOnly bool      `json:"reduce_only"`
	TIF        string    `json:"tif,omitempty"`
}

// Action is one dispatched (or terminally failed) order action.
type Action struct {
	Type       string  `json:"type"` // order | abandon | venue_reject
	Side       string  `json:"side,omitempty"`
	Qty        float64 `json:"qty,omitempty"`
	Price      float64 `json:"price,omitempty"` // volume-weighted fill price
	Backend    string  `json:"backend,omitempty"`
	Status     string  `json:"status"` // filled | partial | canceled | rejected | none
	SlippageBp float64 `json:"slippage_bp,omitempty"`
	TTFMs      float64 `json:"ttf_ms,omitempty"`
}

// TraceEntry is one append-only audit breadcrumb.
type TraceEntry struct {
	TS     float64        `json:"ts"`
	Event  string         `json:"event"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Ticket is the durable record of one decision cycle for one symbol at one
// aggregation level. gates_json must be fully populated before readiness
// leaves DRAFT, and actions may only be non-empty when every blocking gate
// passed or downgraded.
type Ticket struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	CreatedTS float64   `json:"created_ts"`
	AggrLevel int       `json:"aggr_level"`
	Readiness Readiness `json:"readiness"`

	Score  float64 `json:"score"`
	PUp    float64 `json:"p_up"`
	Regime string  `json:"regime"`
	RVPr   float64 `json:"rv_pr"`

	Gates   []GateResult `json:"gates"`
	Plan    Plan         `json:"plan"`
	Actions []Action     `json:"actions"`
	Trace   []TraceEntry `json:"trace"`
}

// NewID derives the ticket id from symbol and creation time. Ids are
// deterministic so replaying identical inputs reproduces identical records.
func NewID(symbol string, ts float64) string {
	return fmt.Sprintf("tic/%s/%d", symbol, int64(ts*1000))
}

// AddTrace appends a breadcrumb. Trace is append-only.
func (t *Ticket) AddTrace(ts float64, event string, detail map[string]any) {
	t.Trace = append(t.Trace, TraceEntry{TS: ts, Event: event, Detail: detail})
}

// BlockingGatesPassed reports whether every recorded gate passed or was
// downgraded. A ticket with no recorded gates has not cleared evaluation.
func (t *Ticket) BlockingGatesPassed() bool {
	if len(t.Gates) == 0 {
		return false
	}
	for _, g := range t.Gates {
		if g.Verdict == VerdictFail {
			return false
		}
	}
	return true
}

// Dispatchable reports whether the ticket may be routed for execution.
func (t *Ticket) Dispatchable() bool {
	return (t.Readiness == Approved || t.Readiness == Downgraded) && t.BlockingGatesPassed()
}

// Encoded JSON columns. encoding/json is deterministic for these types
// (struct field order, sorted map keys), which the replay guarantee relies on.

func (t *Ticket) GatesJSON() string   { return mustJSON(t.Gates) }
func (t *Ticket) PlanJSON() string    { return mustJSON(t.Plan) }
func (t *Ticket) ActionsJSON() string { return mustJSON(t.Actions) }
func (t *Ticket) TraceJSON() string   { return mustJSON(t.Trace) }

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
