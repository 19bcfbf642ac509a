package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

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
)

func newRunCmd() *cobra.Command {
	var cfgPath, listen string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the controller against a live market feed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return runController(cmd.Context(), cfg, listen)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "config.yaml", "path to YAML config")
	cmd.Flags().StringVar(&listen, "listen", ":8099", "control/metrics listen address")
	return cmd
}

func runController(parent context.Context, cfg config.Root, listen string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := ticket.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := statebus.New(cfg.Risk.EquityUSD, cfg.Bus.SubscriberBuffer)
	if err := ledger.Restore(bus, store); err != nil {
		return err
	}
	if _, err := bus.Write("mode.data", cfg.Modes.Data); err != nil {
		return err
	}
	if _, err := bus.Write("mode.trade", cfg.Modes.Trade); err != nil {
		return err
	}

	outbox, err := exec.NewOutbox(cfg.Exec.OutboxPath)
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
	router.Register(config.TradePaper, exec.NewPaperBackend("paper", cfg.Exec.SlippageBps, sink))
	router.Register(config.TradeSandbox, exec.NewVenueBackend("sandbox", cfg.Venue.SandboxURL, cfg.Venue, sink))
	router.Register(config.TradeLive, exec.NewVenueBackend("live", cfg.Venue.BaseURL, cfg.Venue, sink))

	gen := ticket.NewGenerator(cfg.Bus.FreshnessVersions)
	eval := gate.NewEvaluator(bus, gate.FromRoot(cfg))
	pipe := pipeline.New(bus, gen, eval, router, led, store)
	pipe.Start(ctx)
	defer pipe.Stop()

	go func() {
		src := feed.NewLiveFeed(cfg.Feed.URL, cfg.Feed.Symbols)
		if err := feed.Pump(ctx, src, bus); err != nil {
			observ.LogErr("feed_pump_stopped", err, nil)
		}
	}()

	srv := &http.Server{Addr: listen, Handler: controlMux(cfg, pipe, router, sink)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	observ.Log("controller_started", map[string]any{
		"data_mode": cfg.Modes.Data, "trade_mode": cfg.Modes.Trade, "listen": listen,
	})
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// controlMux exposes the typed request surface external producers use:
// proposals from the signal collaborator, mode switches and abandons from
// control surfaces, plus metrics and health.
func controlMux(cfg config.Root, pipe *pipeline.Pipeline, router *exec.Router, sink exec.Sink) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/healthz", observ.Health())

	mux.HandleFunc("POST /proposals", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ticket.Proposal
			ArmToken string `json:"arm_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := pipe.Submit(pipeline.Request{Proposal: req.Proposal, ArmToken: req.ArmToken}); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("POST /mode/trade", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Target   string `json:"target"`
			ArmToken string `json:"arm_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		timeout := time.Duration(cfg.Exec.DrainTimeoutMs) * time.Millisecond
		err := router.SwitchTradeMode(r.Context(), req.Target, req.ArmToken, timeout)
		switch {
		case errors.Is(err, exec.ErrDrainTimeout):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, exec.ErrModeNotArmed):
			http.Error(w, err.Error(), http.StatusForbidden)
		case err != nil:
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			w.WriteHeader(http.StatusOK)
		}
	})

	mux.HandleFunc("POST /abandon", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Symbol string `json:"symbol"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Symbol == "" {
			http.Error(w, "symbol required", http.StatusBadRequest)
			return
		}
		pipe.Abandon(req.Symbol)
		w.WriteHeader(http.StatusAccepted)
	})

	// Venue lifecycle events (fills, cancels, rejects) posted by the
	// exchange event bridge.
	mux.HandleFunc("POST /events", func(w http.ResponseWriter, r *http.Request) {
		var ev exec.LifecycleEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sink(ev)
		w.WriteHeader(http.StatusAccepted)
	})

	return mux
}
