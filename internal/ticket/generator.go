package ticket

import (
	"errors"
	"fmt"

	"github.com/quantrail/quantrail/internal/statebus"
)

// ErrStaleState means the snapshot a ticket would be generated against is
// older than the freshness bound. The caller retries with a fresh snapshot.
var ErrStaleState = errors.New("ticket: stale state")

// ErrBadProposal rejects proposals with out-of-range fields.
var ErrBadProposal = errors.New("ticket: bad proposal")

// Proposal is the scored trading proposal supplied by the signal/forecast
// collaborator. Its internals are opaque to the pipeline.
type Proposal struct {
	Symbol    string  `json:"symbol"`
	AggrLevel int     `json:"aggr_level"`
	Score     float64 `json:"score"`
	PUp       float64 `json:"p_up"`
	Regime    string  `json:"regime"`
	RVPr      float64 `json:"rv_pr"`
	Plan      Plan    `json:"plan"`
}

// Generator turns a bus snapshot plus a proposal into a draft ticket. It
// keeps no hidden state: identical snapshot and proposal yield an identical
// ticket, which the replay guarantee depends on.
type Generator struct {
	maxLag uint64
}

// NewGenerator bounds snapshot staleness at maxLag bus versions.
func NewGenerator(maxLag uint64) *Generator {
	return &Generator{maxLag: maxLag}
}

// Generate builds a draft ticket from snap and p. busVersion is the bus
// version at call time; generation fails with ErrStaleState when the
// snapshot has fallen more than the freshness bound behind it.
//
// created_ts is taken from the symbol's market tick inside the snapshot, not
// from the wall clock, so replayed event streams reproduce identical ids.
func (g *Generator) Generate(snap statebus.Snapshot, busVersion uint64, p Proposal) (*Ticket, error) {
	if err := validate(p); err != nil {
		return nil, err
	}
	if busVersion-snap.Version > g.maxLag {
		return nil, fmt.Errorf("%w: snapshot v%d behind bus v%d (bound %d)",
			ErrStaleState, snap.Version, busVersion, g.maxLag)
	}
	tick, ok := snap.Tick(p.Symbol)
	if !ok {
		return nil, fmt.Errorf("%w: no market tick for %s in snapshot", ErrStaleState, p.Symbol)
	}

	t := &Ticket{
		ID:        NewID(p.Symbol, tick.TS),
		Symbol:    p.Symbol,
		CreatedTS: tick.TS,
		AggrLevel: p.AggrLevel,
		Readiness: Draft,
		Score:     p.Score,
		PUp:       p.PUp,
		Regime:    p.Regime,
		RVPr:      p.RVPr,
		Gates:     []GateResult{},
		Plan:      p.Plan,
		Actions:   []Action{},
		Trace:     []TraceEntry{},
	}
	t.AddTrace(tick.TS, "generated", map[string]any{
		"snapshot_version": snap.Version,
		"mark_price":       tick.Price,
	})
	return t, nil
}

func validate(p Proposal) error {
	if p.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrBadProposal)
	}
	if p.PUp < 0 || p.PUp > 1 {
		return fmt.Errorf("%w: p_up %v outside [0,1]", ErrBadProposal, p.PUp)
	}
	if p.RVPr < 0 || p.RVPr > 100 {
		return fmt.Errorf("%w: rv_pr %v outside [0,100]", ErrBadProposal, p.RVPr)
	}
	if p.Plan.Side != "BUY" && p.Plan.Side != "SELL" {
		return fmt.Errorf("%w: side %q", ErrBadProposal, p.Plan.Side)
	}
	if p.Plan.Qty < 0 || p.Plan.Notional < 0 {
		return fmt.Errorf("%w: negative size", ErrBadProposal)
	}
	return nil
}
