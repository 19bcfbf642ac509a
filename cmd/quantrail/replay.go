package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/quantrail/quantrail/internal/config"
	"github.com/quantrail/quantrail/internal/exec"
	"github.com/quantrail/quantrail/internal/feed"
	"github.com/quantrail/quantrail/internal/gate"
	"github.com/quantrail/quantrail/internal/ledger"
	"github.com/quantrail/quantrail/internal/observ"
	"github.com/quantrail/quantrail/internal/pipeline"
	"github.com/quantrail/quantrail/internal/statebus"
	"github.com/quantrail/quantrail/internal/ticket"
	"github.com/quantrail/quantrail/pkg/id"
)

// replayProposal is one line of the proposals file: a proposal plus the
// stream time at which it fires.
type replayProposal struct {
	TS       float64         `json:"ts"`
	ArmToken string          `json:"arm_token,omitempty"`
	Proposal ticket.Proposal `json:"proposal"`
}

func newReplayCmd() *cobra.Command {
	var ticksPath, propsPath, dbPath, outboxPath string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a historical tick/proposal stream through the pipeline",
		Long: `replay feeds an ordered, timestamp-monotonic tick history and a
proposal stream through the full pipeline against the paper backend.
Identical inputs produce byte-identical ticket records.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ticksPath == "" || propsPath == "" {
				return fmt.Errorf("--ticks and --proposals are required")
			}
			return runReplay(cmd.Context(), ticksPath, propsPath, dbPath, outboxPath)
		},
	}
	cmd.Flags().StringVar(&ticksPath, "ticks", "", "JSONL file of market ticks")
	cmd.Flags().StringVar(&propsPath, "proposals", "", "JSONL file of timed proposals")
	cmd.Flags().StringVar(&dbPath, "db", "replay-tickets.db", "SQLite ticket store path")
	cmd.Flags().StringVar(&outboxPath, "outbox", "replay-outbox.jsonl", "dispatch outbox path")
	return cmd
}

func runReplay(ctx context.Context, ticksPath, propsPath, dbPath, outboxPath string) error {
	runID := id.New()
	cfg := config.Default()
	cfg.Modes.Data = config.DataReplay
	cfg.Modes.Trade = config.TradePaper

	store, err := ticket.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := statebus.New(cfg.Risk.EquityUSD, cfg.Bus.SubscriberBuffer)
	if _, err := bus.Write("mode.data", cfg.Modes.Data); err != nil {
		return err
	}
	if _, err := bus.Write("mode.trade", cfg.Modes.Trade); err != nil {
		return err
	}

	outbox, err := exec.NewOutbox(outboxPath)
	if err != nil {
		return err
	}
	router := exec.NewRouter(bus, outbox, cfg.Modes.ArmToken)
	led := ledger.New(bus, store, router)
	sink := func(ev exec.LifecycleEvent) {
		if err := led.Apply(ev); err != nil {
			observ.LogErr("lifecycle_apply_failed", err, map[string]any{"ticket": ev.TicketID})
		}
	}
	router.Register(config.TradePaper, exec.NewPaperBackend("sim", cfg.Exec.SlippageBps, sink))

	pipe := pipeline.New(bus, ticket.NewGenerator(cfg.Bus.FreshnessVersions),
		gate.NewEvaluator(bus, gate.FromRoot(cfg)), router, led, store)
	pipe.Start(ctx)
	defer pipe.Stop()

	proposals, err := loadProposals(propsPath)
	if err != nil {
		return err
	}

	// Single-threaded drive loop: ticks and proposals interleave strictly by
	// timestamp, which is what makes reruns byte-identical.
	ticks := make(chan statebus.Tick, 1)
	feedErr := make(chan error, 1)
	go func() {
		defer close(ticks)
		feedErr <- feed.NewReplayFeed(ticksPath).Run(ctx, ticks)
	}()

	next := 0
	nTicks := 0
	for tick := range ticks {
		if _, err := bus.Write("market.tick."+tick.Symbol, tick); err != nil {
			return err
		}
		nTicks++
		for next < len(proposals) && proposals[next].TS <= tick.TS {
			p := proposals[next]
			next++
			pipe.Process(pipeline.Request{Proposal: p.Proposal, ArmToken: p.ArmToken})
		}
	}
	if err := <-feedErr; err != nil {
		return err
	}

	observ.Log("replay_done", map[string]any{
		"run_id":    runID,
		"ticks":     nTicks,
		"proposals": next,
		"db":        dbPath,
	})
	return nil
}

func loadProposals(path string) ([]replayProposal, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []replayProposal
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var p replayProposal
		if err := json.Unmarshal(sc.Bytes(), &p); err != nil {
			return nil, fmt.Errorf("proposals line %d: %w", line, err)
		}
		out = append(out, p)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS < out[j].TS })
	return out, nil
}
