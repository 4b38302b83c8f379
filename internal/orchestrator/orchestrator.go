// Package orchestrator wires the Durable Sink, Serial Transport, Poll
// Engine, AFT Credit Sender, and Command Ingress into one running
// agent, in dependency order, and owns their shutdown sequence.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mdedz/sasagent/internal/aft"
	"github.com/mdedz/sasagent/internal/bcd"
	"github.com/mdedz/sasagent/internal/config"
	"github.com/mdedz/sasagent/internal/frame"
	"github.com/mdedz/sasagent/internal/ingress"
	"github.com/mdedz/sasagent/internal/meter"
	"github.com/mdedz/sasagent/internal/metrics"
	"github.com/mdedz/sasagent/internal/pollengine"
	"github.com/mdedz/sasagent/internal/serialport"
	"github.com/mdedz/sasagent/internal/sink"
	"github.com/mdedz/sasagent/internal/store"
)

// Command codes for the priority-mailbox command families the spec
// names but does not pin a wire value for (AFT's 0x72 is pinned in
// internal/aft). These are Open Question resolutions recorded in
// DESIGN.md: jackpot notification rides the SAS "send/acknowledge
// handpay information" long poll, credit send the legacy "send
// cashout" long poll.
const (
	CommandJackpotNotify byte = 0x4A
	CommandCreditSend    byte = 0x0A

	// CommandGeneralPoll is the address-only R-poll: the machine
	// acknowledges liveness with an empty response, no payload either
	// way.
	CommandGeneralPoll byte = 0x00
	// CommandMeterPoll is the 2F long poll (M-poll). The Poll Engine
	// sends it with an empty payload, so the request names no meter
	// codes; the response carries one BCD record per meter.
	CommandMeterPoll byte = 0x2F

	// jackpotAmountWidthBCD mirrors aft's monetary field width: 5 BCD
	// bytes, enough for 9999999999 cents (99999999.99).
	jackpotAmountWidthBCD = 5
)

// Orchestrator owns every long-lived component and its goroutine.
type Orchestrator struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	remoteStore store.RemoteStore
	sk          *sink.Sink
	engine      *pollengine.Engine
	aftSender   *aft.Sender
	in          *ingress.Ingress

	httpServer *http.Server
}

// SerialOpener constructs (or reconstructs) the serial transport. In
// production this is serialport.OpenLinux; tests supply a fake.
type SerialOpener func(ctx context.Context, cfg config.SerialConfig) (serialport.Transport, error)

// New builds every component; call Run to bring the agent up. The only
// thing already running when New returns is the Durable Sink's
// background drainer, which sink.New starts.
func New(cfg *config.Config, remoteStore store.RemoteStore, opener SerialOpener, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := metrics.New()

	sk, err := sink.New(remoteStore, cfg.Sink.JournalPath, cfg.Sink.MaxJournalBytes, m, logger)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open sink: %w", err)
	}

	whitelist := make(meter.StaticWhitelist, len(cfg.Meters))
	meterWidth := 4
	for _, mc := range cfg.Meters {
		whitelist[byte(mc.Code)] = mc.Monotonic
		meterWidth = mc.LengthBCD
	}
	tracker := meter.NewTracker(whitelist, logger)

	sasOpener := func(ctx context.Context) (serialport.Transport, error) {
		return opener(ctx, cfg.Serial)
	}

	engineCfg := pollengine.Config{
		Address:      byte(cfg.Serial.Address),
		MaxRetries:   cfg.PollEngine.MaxRetries,
		ReadTimeout:  time.Duration(cfg.Serial.ReadTimeoutMs) * time.Millisecond,
		PollInterval: time.Duration(cfg.PollEngine.PollIntervalMs) * time.Millisecond,
	}
	engine := pollengine.New(nil, sasOpener, engineCfg, tracker, sk, m, logger)

	engine.RegisterPollCommand(CommandGeneralPoll, pollengine.CommandSpec{
		Response: frame.CommandSpec{Shape: frame.FixedLength, Length: 0},
	})
	engine.RegisterPollCommand(CommandMeterPoll, pollengine.CommandSpec{
		Response: frame.CommandSpec{Shape: frame.LengthPrefixed},
		Handle:   engine.NewMeterPollHandler(meterWidth),
	})
	engine.RegisterCommand(aft.CommandAFT, pollengine.CommandSpec{Response: aft.CommandSpec})
	engine.RegisterCommand(CommandJackpotNotify, pollengine.CommandSpec{Response: frame.CommandSpec{Shape: frame.LengthPrefixed}})
	engine.RegisterCommand(CommandCreditSend, pollengine.CommandSpec{Response: frame.CommandSpec{Shape: frame.LengthPrefixed}})

	aftPollInterval := time.Duration(cfg.PollEngine.AFTPollIntervalMs) * time.Millisecond
	aftSender := aft.NewSender(engine, aftPollInterval, 0, logger)

	o := &Orchestrator{
		cfg:         cfg,
		logger:      logger.With("component", "orchestrator"),
		metrics:     m,
		remoteStore: remoteStore,
		sk:          sk,
		engine:      engine,
		aftSender:   aftSender,
	}

	var nonceStore ingress.NonceStore
	if cfg.Backend.NonceStoreBackend == "redis" {
		nonceStore = ingress.NewRedisNonceStore(cfg.Backend.RedisAddr, "")
	}
	o.in = ingress.New(
		cfg.Backend.WSServerURL,
		cfg.Backend.APIKey,
		time.Duration(cfg.Backend.FreshnessWindowSec)*time.Second,
		nonceStore,
		&bridge{o: o},
		m,
		logger,
	)

	return o, nil
}

// Run starts the Poll Engine and Command Ingress goroutines, and the
// metrics/health HTTP server if enabled, blocking until ctx is
// cancelled. It then drives the shutdown sequence before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	go func() {
		if err := o.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("poll engine exited", "error", err)
		}
	}()
	go func() {
		if err := o.in.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("ingress exited", "error", err)
		}
	}()

	if o.cfg.Metrics.Enable {
		o.startHTTPServer()
	}

	<-ctx.Done()
	o.logger.Info("shutdown signal received, draining")
	return o.shutdown()
}

func (o *Orchestrator) startHTTPServer() {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":     "ok",
			"link_state": o.engine.State().String(),
		})
	}).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	o.httpServer = &http.Server{Addr: o.cfg.Metrics.Addr, Handler: r}
	go func() {
		o.logger.Info("metrics/health server listening", "addr", o.cfg.Metrics.Addr)
		if err := o.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// shutdown stops the Poll Engine (bounded 1s drain of its in-flight
// frame), flushes the Durable Sink, closes the transport, and tears
// down the HTTP server.
func (o *Orchestrator) shutdown() error {
	drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		o.engine.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-drainCtx.Done():
		o.logger.Warn("poll engine did not stop within the drain window")
	}

	if o.httpServer != nil {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutCancel()
		if err := o.httpServer.Shutdown(shutCtx); err != nil {
			o.logger.Warn("metrics server shutdown error", "error", err)
		}
	}

	if err := o.in.Close(); err != nil {
		o.logger.Warn("ingress close error", "error", err)
	}
	if err := o.sk.Close(); err != nil {
		o.logger.Warn("sink close error", "error", err)
	}
	return nil
}

// bridge implements ingress.Dispatcher, routing authenticated backend
// commands to the Poll Engine's priority mailbox (jackpot) or the AFT
// Sender (aft_send, aft_cancel). An aft_send that reaches a terminal
// status is also handed to the Durable Sink as an AFT result. A full mailbox
// surfaces as ingress.Busy rather than an error, so the backend knows
// to retry instead of treating the command as rejected.
type bridge struct {
	o *Orchestrator
}

type jackpotRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

type aftCancelRequest struct {
	TransactionID string `json:"transaction_id"`
}

func (b *bridge) Dispatch(ctx context.Context, action string, data json.RawMessage) (interface{}, error) {
	switch action {
	case "ping":
		return map[string]string{"status": "ok"}, nil

	case "jackpot":
		var req jackpotRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("orchestrator: decode jackpot payload: %w", err)
		}
		payload, err := bcd.Encode(uint64(req.AmountCents), jackpotAmountWidthBCD)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: encode jackpot amount: %w", err)
		}
		resp, err := b.o.engine.SubmitJackpot(ctx, CommandJackpotNotify, payload)
		if errors.Is(err, pollengine.ErrMailboxFull) {
			return ingress.Busy, nil
		}
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": "ok", "response": resp}, nil

	case "aft_send":
		var req aft.TransferRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("orchestrator: decode aft_send payload: %w", err)
		}
		if req.AssetNumber == 0 && b.o.cfg.AFT.AssetNumber != "" {
			n, err := strconv.ParseUint(b.o.cfg.AFT.AssetNumber, 0, 32)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: configured asset number %q: %w", b.o.cfg.AFT.AssetNumber, err)
			}
			req.AssetNumber = uint32(n)
		}
		if req.RegistrationID == "" {
			req.RegistrationID = b.o.cfg.AFT.RegistrationID
		}
		tx, err := b.o.aftSender.Send(ctx, req)
		if tx.Status.Terminal() {
			row := store.AFTResultRow{
				TransactionID:    tx.Request.TransactionID,
				Status:           tx.Status.String(),
				RequestedCents:   tx.Request.CashableCents + tx.Request.RestrictedCents + tx.Request.NonRestrictedCents,
				TransferredCents: tx.TransferredCents,
				CompletedAt:      tx.CompletedAt,
			}
			if serr := b.o.sk.EnqueueAFTResult(ctx, row); serr != nil {
				b.o.logger.Error("failed to enqueue AFT result", "transaction_id", row.TransactionID, "error", serr)
			}
		}
		if err != nil {
			return nil, err
		}
		return tx, nil

	case "aft_cancel":
		var req aftCancelRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("orchestrator: decode aft_cancel payload: %w", err)
		}
		if err := b.o.aftSender.Cancel(ctx, req.TransactionID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "cancel_requested"}, nil

	default:
		return nil, fmt.Errorf("orchestrator: unhandled action %q", action)
	}
}
