package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/quantrail/quantrail/internal/config"
	"github.com/quantrail/quantrail/internal/observ"
)

// VenueBackend submits orders to an exchange-facing HTTP endpoint (sandbox or
// real venue, selected by base URL). Transient failures are retried with
// bounded exponential backoff; a venue rejection is terminal and emitted as a
// rejected lifecycle event, never silently dropped. Fill events arrive on the
// venue's event stream, which the controller wires into the ledger.
type VenueBackend struct {
	name    string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	sink    Sink

	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration
}

// NewVenueBackend creates a venue client named name ("sandbox" or "live").
func NewVenueBackend(name, baseURL string, cfg config.Venue, sink Sink) *VenueBackend {
	return &VenueBackend{
		name:        name,
		baseURL:     baseURL,
		client:      &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		sink:        sink,
		maxRetries:  cfg.MaxRetries,
		backoffBase: time.Duration(cfg.BackoffBaseMs) * time.Millisecond,
		backoffMax:  time.Duration(cfg.BackoffMaxMs) * time.Millisecond,
	}
}

func (v *VenueBackend) Name() string { return v.name }

type venueOrder struct {
	TicketID      string  `json:"ticket_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Size          float64 `json:"size"`
	OrderType     string  `json:"order_type"`
	PriceRef      float64 `json:"price_ref"`
	ReduceOnly    bool    `json:"reduce_only"`
	ClientOrderID string  `json:"client_order_id"`
}

// Submit posts the order, retrying transient failures. On acceptance it emits
// a submitted event; on a venue rejection it emits a terminal rejected event
// and returns nil, since the rejection is an outcome, not an infrastructure
// error.
func (v *VenueBackend) Submit(ctx context.Context, o OrderRequest) error {
	if o.ClientOrderID == "" {
		o.ClientOrderID = uuid.New().String()
	}
	body, err := json.Marshal(venueOrder{
		TicketID: o.TicketID, Symbol: o.Symbol, Side: o.Side, Size: o.Qty,
		OrderType: o.OrderType, PriceRef: o.PriceRef, ReduceOnly: o.ReduceOnly,
		ClientOrderID: o.ClientOrderID,
	})
	if err != nil {
		return err
	}

	backoff := v.backoffBase
	var lastErr error
	for attempt := 0; attempt <= v.maxRetries; attempt++ {
		if err := v.limiter.Wait(ctx); err != nil {
			return err
		}
		status, err := v.post(ctx, body)
		switch {
		case err != nil:
			// Network-level failure: retry with backoff.
			lastErr = err
		case status >= 200 && status < 300:
			v.sink(LifecycleEvent{
				TicketID: o.TicketID, Type: EvSubmitted, Seq: 1,
				Price: o.PriceRef, Qty: o.Qty, TS: o.TS, Backend: v.name,
			})
			observ.IncCounter("venue_orders_total", map[string]string{"backend": v.name, "result": "accepted"})
			return nil
		case status >= 400 && status < 500:
			// Venue rejected the order: terminal outcome.
			v.sink(LifecycleEvent{
				TicketID: o.TicketID, Type: EvRejected, Seq: 1,
				Qty: o.Qty, TS: o.TS, Backend: v.name,
				Reason: fmt.Sprintf("venue status %d", status),
			})
			observ.IncCounter("venue_orders_total", map[string]string{"backend": v.name, "result": "rejected"})
			return nil
		default:
			lastErr = fmt.Errorf("venue status %d", status)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > v.backoffMax {
			backoff = v.backoffMax
		}
	}
	observ.IncCounter("venue_orders_total", map[string]string{"backend": v.name, "result": "error"})
	return fmt.Errorf("venue submit %s: %w", o.TicketID, lastErr)
}

func (v *VenueBackend) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := v.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
