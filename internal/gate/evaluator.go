// Package gate evaluates draft tickets against the hard risk gates.
//
// Gates are a fixed variant list evaluated in declared priority order,
// safety-critical first: daily-loss, leverage, sizing, correlation,
// mode-escalation. The first failing gate short-circuits the rest, but every
// result already computed stays on the ticket for audit.
package gate

import (
	"errors"
	"fmt"
	"time"

	"github.com/quantrail/quantrail/internal/config"
	"github.com/quantrail/quantrail/internal/observ"
	"github.com/quantrail/quantrail/internal/statebus"
	"github.com/quantrail/quantrail/internal/ticket"
)

// ErrModeNotArmed is surfaced to the operator when a proposal needs the live
// order path without an arm confirmation. It is never retried automatically.
var ErrModeNotArmed = errors.New("gate: trade mode not armed")

// Config carries the risk limits the gates enforce.
type Config struct {
	RiskTargetPct   float64 // per-trade risk budget cap, % of equity
	DailyMaxLossPct float64 // daily realized-loss lockout, % of equity
	CorrCapPerSide  float64 // per-side gross exposure cap, fraction of equity
	MaxLeverage     float64 // implied leverage ceiling
	ArmToken        string  // expected arm confirmation for live dispatch
}

// FromRoot extracts gate limits from the application config.
func FromRoot(c config.Root) Config {
	return Config{
		RiskTargetPct:   c.Risk.TargetPct,
		DailyMaxLossPct: c.Risk.DailyMaxLossPct,
		CorrCapPerSide:  c.Risk.CorrCapPerSide,
		MaxLeverage:     c.Risk.MaxLeverage,
		ArmToken:        c.Modes.ArmToken,
	}
}

type kind int

const (
	kindDailyLoss kind = iota
	kindLeverage
	kindSizing
	kindCorrelation
	kindModeEscalation
)

var order = []kind{kindDailyLoss, kindLeverage, kindSizing, kindCorrelation, kindModeEscalation}

func (k kind) name() string {
	switch k {
	case kindDailyLoss:
		return "daily_loss"
	case kindLeverage:
		return "leverage"
	case kindSizing:
		return "sizing"
	case kindCorrelation:
		return "correlation"
	case kindModeEscalation:
		return "mode_escalation"
	}
	return "unknown"
}

// Evaluator runs the gate chain. Counter reads go through the bus's
// serialized boundary check, so no gate ever observes counters mid-reset.
type Evaluator struct {
	bus *statebus.Bus
	cfg Config
}

func NewEvaluator(bus *statebus.Bus, cfg Config) *Evaluator {
	return &Evaluator{bus: bus, cfg: cfg}
}

// Evaluate moves a draft ticket through EVALUATING to APPROVED, DOWNGRADED
// or REJECTED, recording every evaluated gate on the ticket. armToken is the
// caller-supplied arm confirmation for live dispatch; now feeds the daily
// boundary check (event time during replay).
func (e *Evaluator) Evaluate(t *ticket.Ticket, armToken string, now time.Time) ticket.Readiness {
	if t.Readiness != ticket.Draft {
		return t.Readiness
	}
	t.Readiness = ticket.Evaluating

	counters := e.bus.CountersForGating(now)
	equity := e.bus.Equity()
	downgraded := false

	for _, k := range order {
		res, adjusted := e.run(k, t, counters, equity, armToken)
		t.Gates = append(t.Gates, res)
		if res.Verdict == ticket.VerdictFail {
			t.Readiness = ticket.Rejected
			t.AddTrace(t.CreatedTS, "gate_rejected", map[string]any{"gate": res.Name})
			observ.IncCounter("gates_blocked_total", map[string]string{"gate": res.Name})
			observ.Log("ticket_rejected", map[string]any{"ticket": t.ID, "gate": res.Name})
			return t.Readiness
		}
		if res.Verdict == ticket.VerdictDowngrade {
			downgraded = true
			t.Plan = adjusted
		}
	}

	if downgraded {
		t.Readiness = ticket.Downgraded
	} else {
		t.Readiness = ticket.Approved
	}
	t.AddTrace(t.CreatedTS, "gates_cleared", map[string]any{"readiness": string(t.Readiness)})
	observ.IncCounter("tickets_evaluated_total", map[string]string{"readiness": string(t.Readiness)})
	return t.Readiness
}

// run evaluates one gate variant. The returned plan only differs from the
// ticket's when the verdict is a downgrade.
func (e *Evaluator) run(k kind, t *ticket.Ticket, c statebus.Counters, equity float64, armToken string) (ticket.GateResult, ticket.Plan) {
	plan := t.Plan
	switch k {
	case kindDailyLoss:
		return e.dailyLoss(plan, c, equity), plan
	case kindLeverage:
		return e.leverage(plan, c, equity), plan
	case kindSizing:
		return e.sizing(plan), plan
	case kindCorrelation:
		return e.correlation(plan, c, equity)
	case kindModeEscalation:
		return e.modeEscalation(plan, armToken), plan
	}
	return ticket.GateResult{Name: k.name(), Verdict: ticket.VerdictFail, Inputs: map[string]float64{}}, plan
}

// dailyLoss locks out all new-risk proposals once today's realized loss hits
// the limit. Flattening and reducing actions stay allowed.
func (e *Evaluator) dailyLoss(plan ticket.Plan, c statebus.Counters, equity float64) ticket.GateResult {
	lossPct := 0.0
	if equity > 0 {
		lossPct = -c.RealizedPnL / equity * 100
	}
	inputs := map[string]float64{
		"daily_pnl": c.RealizedPnL,
		"equity":    equity,
		"loss_pct":  lossPct,
		"limit_pct": e.cfg.DailyMaxLossPct,
	}
	res := ticket.GateResult{Name: kindDailyLoss.name(), Verdict: ticket.VerdictPass, Inputs: inputs}
	if lossPct < e.cfg.DailyMaxLossPct {
		return res
	}
	if plan.ReduceOnly {
		res.Note = "reduce_only exempt from daily lockout"
		return res
	}
	res.Verdict = ticket.VerdictFail
	res.Note = "daily loss limit reached"
	return res
}

// leverage caps implied account leverage including the proposed notional.
func (e *Evaluator) leverage(plan ticket.Plan, c statebus.Counters, equity float64) ticket.GateResult {
	gross := (c.LongExposure + c.ShortExposure) * equity
	implied := 0.0
	if equity > 0 {
		implied = (gross + plan.Notional) / equity
	}
	inputs := map[string]float64{
		"gross_notional": gross,
		"plan_notional":  plan.Notional,
		"implied":        implied,
		"ceiling":        e.cfg.MaxLeverage,
	}
	res := ticket.GateResult{Name: kindLeverage.name(), Verdict: ticket.VerdictPass, Inputs: inputs}
	if plan.ReduceOnly {
		res.Note = "reduce_only exempt"
		return res
	}
	if implied > e.cfg.MaxLeverage {
		res.Verdict = ticket.VerdictFail
		res.Note = "implied leverage above ceiling"
	}
	return res
}

// sizing rejects proposals whose per-trade risk budget exceeds the cap.
func (e *Evaluator) sizing(plan ticket.Plan) ticket.GateResult {
	inputs := map[string]float64{
		"risk_pct": plan.RiskPct,
		"cap_pct":  e.cfg.RiskTargetPct,
	}
	res := ticket.GateResult{Name: kindSizing.name(), Verdict: ticket.VerdictPass, Inputs: inputs}
	if plan.ReduceOnly {
		res.Note = "reduce_only exempt"
		return res
	}
	if plan.RiskPct > e.cfg.RiskTargetPct {
		res.Verdict = ticket.VerdictFail
		res.Note = "per-trade risk budget exceeded"
	}
	return res
}

// correlation bounds gross exposure per side. A breaching proposal is
// downgraded so post-trade exposure lands exactly on the cap; when the
// remaining headroom is zero or negative the proposal is rejected instead.
func (e *Evaluator) correlation(plan ticket.Plan, c statebus.Counters, equity float64) (ticket.GateResult, ticket.Plan) {
	exposure := c.LongExposure
	if plan.Side == "SELL" {
		exposure = c.ShortExposure
	}
	add := 0.0
	if equity > 0 {
		add = plan.Notional / equity
	}
	inputs := map[string]float64{
		"side_exposure": exposure,
		"plan_exposure": add,
		"cap":           e.cfg.CorrCapPerSide,
	}
	res := ticket.GateResult{Name: kindCorrelation.name(), Verdict: ticket.VerdictPass, Inputs: inputs}
	if plan.ReduceOnly {
		res.Note = "reduce_only exempt"
		return res, plan
	}
	if exposure+add <= e.cfg.CorrCapPerSide {
		return res, plan
	}
	headroom := e.cfg.CorrCapPerSide - exposure
	if headroom <= 0 {
		res.Verdict = ticket.VerdictFail
		res.Note = "side exposure already at or above cap"
		return res, plan
	}
	factor := headroom / add
	adjusted := plan
	adjusted.Qty = plan.Qty * factor
	adjusted.Notional = headroom * equity
	adjusted.RiskPct = plan.RiskPct * factor
	res.Verdict = ticket.VerdictDowngrade
	res.Inputs["downgrade_factor"] = factor
	res.Note = fmt.Sprintf("size reduced to side-exposure cap %.4f", e.cfg.CorrCapPerSide)
	return res, adjusted
}

// modeEscalation requires an explicit arm confirmation whenever the current
// trade mode would put this order on the live path.
func (e *Evaluator) modeEscalation(plan ticket.Plan, armToken string) ticket.GateResult {
	armed := 0.0
	live := e.bus.TradeMode() == config.TradeLive
	if !live || (armToken != "" && armToken == e.cfg.ArmToken) {
		armed = 1.0
	}
	inputs := map[string]float64{"armed": armed}
	if live {
		inputs["live_path"] = 1
	} else {
		inputs["live_path"] = 0
	}
	res := ticket.GateResult{Name: kindModeEscalation.name(), Verdict: ticket.VerdictPass, Inputs: inputs}
	if armed == 0 {
		res.Verdict = ticket.VerdictFail
		res.Note = ErrModeNotArmed.Error()
	}
	return res
}
