// Package pollengine implements the Poll Engine: the link state
// machine that owns the serial transport, runs the general-poll loop,
// dispatches command responses to the Meter Tracker, and exposes a
// prioritized mailbox other components submit requests through.
package pollengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mdedz/sasagent/internal/bcd"
	"github.com/mdedz/sasagent/internal/frame"
	"github.com/mdedz/sasagent/internal/meter"
	"github.com/mdedz/sasagent/internal/metrics"
	"github.com/mdedz/sasagent/internal/serialport"
	"github.com/mdedz/sasagent/internal/sink"
)

// LinkState is the Poll Engine's link state machine.
type LinkState int

const (
	LinkClosed LinkState = iota
	LinkOpening
	LinkPolling
	LinkRecovering
	LinkStopped
)

func (s LinkState) String() string {
	switch s {
	case LinkClosed:
		return "closed"
	case LinkOpening:
		return "opening"
	case LinkPolling:
		return "polling"
	case LinkRecovering:
		return "recovering"
	case LinkStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// AllLinkStates lists every LinkState value, in the order used to
// zero out the Prometheus gauge for inactive states.
var AllLinkStates = []string{
	LinkClosed.String(), LinkOpening.String(), LinkPolling.String(),
	LinkRecovering.String(), LinkStopped.String(),
}

var ErrLinkFault = errors.New("pollengine: link fault, retries exhausted")

// ErrMailboxFull is returned by Submit* when a priority channel is at
// capacity — the caller (the Command Ingress bridge) replies Busy
// rather than blocking the websocket read loop.
var ErrMailboxFull = errors.New("pollengine: mailbox full")

// CommandSpec pairs a response shape with a handler invoked once the
// frame for that command has been decoded.
type CommandSpec struct {
	Response frame.CommandSpec
	Handle   func(payload []byte) error
}

// request is one item submitted to the engine's prioritized mailbox.
type request struct {
	command byte
	payload []byte
	reply   chan response
}

type response struct {
	payload []byte
	err     error
}

// priority mailbox capacities. Each priority tier gets its own bounded
// channel; the engine drains AFT status first, then jackpot control,
// then credit sends, then falls through to its own meter poll cadence.
const (
	mailboxCapacity = 64
)

// Opener reopens the serial transport after ErrDeviceGone.
type Opener func(ctx context.Context) (serialport.Transport, error)

type Engine struct {
	transport serialport.Transport
	opener    Opener
	address   byte
	maxRetries int
	readTimeout time.Duration
	pollInterval time.Duration

	dispatch     map[byte]CommandSpec
	pollCommands []byte
	tracker      *meter.Tracker
	sink     *sink.Sink
	metrics  *metrics.Metrics
	logger   *slog.Logger

	aftStatus   chan request
	jackpot     chan request
	creditSends chan request

	state         LinkState
	lastHeartbeat time.Time

	stop chan struct{}
	done chan struct{}
}

// Config bundles the Poll Engine's tunables (mirrors
// config.PollEngineConfig plus the transport/address it is handed at
// construction time).
type Config struct {
	Address      byte
	MaxRetries   int
	ReadTimeout  time.Duration
	PollInterval time.Duration
}

func New(transport serialport.Transport, opener Opener, cfg Config, tracker *meter.Tracker, sk *sink.Sink, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 200 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}

	e := &Engine{
		transport:    transport,
		opener:       opener,
		address:      cfg.Address,
		maxRetries:   cfg.MaxRetries,
		readTimeout:  cfg.ReadTimeout,
		pollInterval: cfg.PollInterval,
		dispatch:     make(map[byte]CommandSpec),
		tracker:      tracker,
		sink:         sk,
		metrics:      m,
		logger:       logger.With("component", "pollengine"),
		aftStatus:    make(chan request, mailboxCapacity),
		jackpot:      make(chan request, mailboxCapacity),
		creditSends:  make(chan request, mailboxCapacity),
		state:        LinkClosed,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	return e
}

// RegisterCommand adds a command to the static dispatch table without
// scheduling it for the regular poll cadence — used for commands only
// ever issued through the priority mailbox (AFT, jackpot, credit
// sends). Called during wiring, before Run starts; not safe to call
// concurrently with Run.
func (e *Engine) RegisterCommand(command byte, spec CommandSpec) {
	e.dispatch[command] = spec
}

// RegisterPollCommand is RegisterCommand plus scheduling: command is
// issued once per pollOnce sweep (R-poll, S-poll, M-poll/2F).
func (e *Engine) RegisterPollCommand(command byte, spec CommandSpec) {
	e.dispatch[command] = spec
	e.pollCommands = append(e.pollCommands, command)
}

// SubmitAFT implements aft.Submitter: it enqueues an AFT status
// interrogation/transfer/cancel payload on the highest-priority
// channel and blocks for the matching response.
func (e *Engine) SubmitAFT(ctx context.Context, payload []byte) ([]byte, error) {
	return e.submit(ctx, e.aftStatus, 0x72, payload)
}

// SubmitJackpot enqueues a jackpot-control command (second priority).
func (e *Engine) SubmitJackpot(ctx context.Context, command byte, payload []byte) ([]byte, error) {
	return e.submit(ctx, e.jackpot, command, payload)
}

// SubmitCreditSend enqueues a credit-send command (third priority,
// below AFT status and jackpot control but above meter polls).
func (e *Engine) SubmitCreditSend(ctx context.Context, command byte, payload []byte) ([]byte, error) {
	return e.submit(ctx, e.creditSends, command, payload)
}

func (e *Engine) submit(ctx context.Context, ch chan request, command byte, payload []byte) ([]byte, error) {
	req := request{command: command, payload: payload, reply: make(chan response, 1)}
	select {
	case ch <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, ErrMailboxFull
	}
	select {
	case resp := <-req.reply:
		return resp.payload, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// setState transitions the link state and reflects it on the gauge.
func (e *Engine) setState(s LinkState) {
	if e.state == s {
		return
	}
	e.logger.Info("link state transition", "from", e.state, "to", s)
	e.state = s
	if e.metrics != nil {
		e.metrics.SetLinkState(s.String(), AllLinkStates)
	}
}

// Run drives the link loop until ctx is cancelled or Stop is called,
// and closes the transport when it returns. Besides serial frame round
// trips, the only I/O on this goroutine is what the meter poll handler
// triggers: Sink.EnqueueMeterChanged writes to the remote store, or
// appends to the journal, before it returns.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	defer func() {
		if e.transport != nil {
			e.transport.Close()
		}
	}()
	e.setState(LinkOpening)

	if e.transport == nil {
		t, err := e.reopen(ctx)
		if err != nil {
			e.setState(LinkStopped)
			return err
		}
		e.transport = t
	}
	e.setState(LinkPolling)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		if e.serviceMailboxes(ctx) {
			continue
		}

		select {
		case <-ctx.Done():
			e.setState(LinkStopped)
			return ctx.Err()
		case <-e.stop:
			e.setState(LinkStopped)
			return nil
		case req := <-e.aftStatus:
			e.serviceOne(ctx, req)
		case req := <-e.jackpot:
			e.serviceOne(ctx, req)
		case req := <-e.creditSends:
			e.serviceOne(ctx, req)
		case <-ticker.C:
			e.pollOnce(ctx)
		}
	}
}

// serviceMailboxes drains the priority channels in strict order —
// AFT status, then jackpot, then credit sends — before the main loop
// ever considers a poll tick. A flat select over all three would pick
// pseudo-randomly among ready cases, which would let a credit send
// jump ahead of a pending AFT status interrogation. It reports whether
// it serviced anything, so Run's caller knows to recheck rather than
// block on the next tick.
func (e *Engine) serviceMailboxes(ctx context.Context) bool {
	serviced := false
	for {
		select {
		case req := <-e.aftStatus:
			e.serviceOne(ctx, req)
			serviced = true
			continue
		default:
		}
		select {
		case req := <-e.jackpot:
			e.serviceOne(ctx, req)
			serviced = true
			continue
		default:
		}
		select {
		case req := <-e.creditSends:
			e.serviceOne(ctx, req)
			serviced = true
			continue
		default:
		}
		return serviced
	}
}

// Stop requests the loop to exit and waits for it to do so.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
}

// serviceOne runs one submitted request to completion (with retry) and
// reports the result on its reply channel.
func (e *Engine) serviceOne(ctx context.Context, req request) {
	spec, ok := e.dispatch[req.command]
	if !ok {
		req.reply <- response{nil, fmt.Errorf("pollengine: no dispatch spec for command 0x%02X", req.command)}
		return
	}
	payload, err := e.roundTrip(ctx, req.command, req.payload, spec.Response)
	req.reply <- response{payload, err}
	if err == nil && spec.Handle != nil {
		if herr := spec.Handle(payload); herr != nil {
			e.logger.Warn("command handler failed", "command", fmt.Sprintf("0x%02X", req.command), "error", herr)
		}
	}
}

// pollOnce issues every command registered with RegisterPollCommand,
// in registration order, on the engine's own cadence outside the
// priority mailbox, and hands each decoded response to that command's
// handler.
func (e *Engine) pollOnce(ctx context.Context) {
	for _, command := range e.pollCommands {
		spec := e.dispatch[command]
		start := time.Now()
		resp, err := e.roundTrip(ctx, command, nil, spec.Response)
		if e.metrics != nil {
			e.metrics.PollDuration.WithLabelValues(fmt.Sprintf("0x%02X", command)).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			e.logger.Debug("scheduled poll failed", "command", fmt.Sprintf("0x%02X", command), "error", err)
			continue
		}
		if spec.Handle != nil {
			if herr := spec.Handle(resp); herr != nil {
				e.logger.Warn("poll handler failed", "command", fmt.Sprintf("0x%02X", command), "error", herr)
			}
		}
	}
}

// roundTrip sends one frame and reads its response, retrying on
// ErrBadCRC/ErrTimeout up to maxRetries with a fixed 20ms backoff
// before surfacing ErrLinkFault and triggering a transport reopen.
func (e *Engine) roundTrip(ctx context.Context, command byte, payload []byte, spec frame.CommandSpec) ([]byte, error) {
	out := frame.Encode(e.address, command, payload)

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			if e.metrics != nil {
				e.metrics.PollRetries.WithLabelValues(classifyRetry(lastErr)).Inc()
			}
			select {
			case <-time.After(20 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := e.transport.Send(ctx, out); err != nil {
			lastErr = err
			if errors.Is(err, serialport.ErrDeviceGone) {
				return nil, e.handleDeviceGone(ctx)
			}
			continue
		}

		reader := &serialport.Reader{Transport: e.transport, Deadline: e.readTimeout, Ctx: ctx}
		resp, _, err := frame.Decode(reader, spec)
		if err != nil {
			lastErr = err
			if errors.Is(err, serialport.ErrDeviceGone) {
				return nil, e.handleDeviceGone(ctx)
			}
			continue
		}
		return resp, nil
	}

	if hErr := e.handleDeviceGone(ctx); hErr != nil {
		return nil, hErr
	}
	return nil, fmt.Errorf("%w: %v", ErrLinkFault, lastErr)
}

func classifyRetry(err error) string {
	switch {
	case errors.Is(err, frame.ErrBadCRC):
		return "bad_crc"
	case errors.Is(err, frame.ErrShortRead):
		return "timeout"
	case err == nil:
		return "unknown"
	default:
		return "other"
	}
}

// handleDeviceGone transitions to Recovering, reopens the transport
// with the backoff schedule, and returns to Polling on success.
func (e *Engine) handleDeviceGone(ctx context.Context) error {
	e.setState(LinkRecovering)
	t, err := e.reopen(ctx)
	if err != nil {
		e.setState(LinkStopped)
		return err
	}
	e.transport = t
	e.setState(LinkPolling)
	return nil
}

// reopen retries e.opener on a fixed 100ms/400ms/1.6s/5s-capped
// schedule (custom, not the exponential-backoff library's randomized
// default, since the interval sequence is spec-mandated) until it
// succeeds or ctx is cancelled. It logs a heartbeat at most once per
// backoff interval while recovering, rather than on every attempt.
func (e *Engine) reopen(ctx context.Context) (serialport.Transport, error) {
	schedule := []time.Duration{100 * time.Millisecond, 400 * time.Millisecond, 1600 * time.Millisecond, 5 * time.Second}
	idx := 0

	for {
		if e.metrics != nil {
			e.metrics.TransportReopens.Inc()
		}
		t, err := e.opener(ctx)
		if err == nil {
			return t, nil
		}

		wait := schedule[idx]
		if idx < len(schedule)-1 {
			idx++
		}

		now := time.Now()
		if now.Sub(e.lastHeartbeat) >= wait {
			e.logger.Warn("transport reopen failed, retrying", "error", err, "next_retry_in", wait)
			e.lastHeartbeat = now
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// State returns the current link state, for diagnostics/health checks.
func (e *Engine) State() LinkState {
	return e.state
}

// NewMeterPollHandler builds a CommandSpec.Handle for an 2F-style
// meter poll response: it splits the payload into fixed-width BCD
// records, decodes each, and feeds the Meter Tracker and Durable Sink.
// lenPerMeter is the BCD byte width of one meter's value field.
func (e *Engine) NewMeterPollHandler(lenPerMeter int) func(payload []byte) error {
	return func(payload []byte) error {
		records, err := frame.SplitMeterRecords(payload, lenPerMeter)
		if err != nil {
			return err
		}
		for _, rec := range records {
			meterCode := rec[0]
			value, err := bcd.Decode(rec[1:])
			if err != nil {
				e.logger.Warn("meter record with invalid BCD", "meter_code", meterCode, "error", err)
				continue
			}
			changed := e.tracker.Observe(e.address, meterCode, value, time.Now())
			if changed == nil {
				continue
			}
			if err := e.sink.EnqueueMeterChanged(context.Background(), *changed); err != nil {
				e.logger.Error("failed to enqueue meter change", "meter_code", meterCode, "error", err)
			}
		}
		return nil
	}
}
