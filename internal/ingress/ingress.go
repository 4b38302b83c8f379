// Package ingress implements the Command Ingress: a persistent
// authenticated websocket channel to the backend that verifies inbound
// command envelopes and dispatches recognized actions.
package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mdedz/sasagent/internal/metrics"
)

var (
	ErrSignatureInvalid = errors.New("ingress: signature invalid")
	ErrStaleMessage      = errors.New("ingress: message outside freshness window")
	ErrUnknownAction     = errors.New("ingress: unrecognized action")
)

// Payload is the inner action envelope a backend command carries.
type Payload struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Envelope is the full wire message the backend sends: a signed,
// timestamped payload.
type Envelope struct {
	Payload   Payload `json:"payload"`
	Signature string  `json:"signature"`
	Timestamp string  `json:"timestamp"`
}

// Dispatcher handles one recognized action. It returns a response
// payload to send back over the channel (may be nil for fire-and-forget
// actions).
type Dispatcher interface {
	Dispatch(ctx context.Context, action string, data json.RawMessage) (interface{}, error)
}

// Ingress owns the websocket connection, verifies every inbound
// envelope, and routes recognized actions to a Dispatcher.
type Ingress struct {
	url    string
	apiKey []byte

	freshnessWindow time.Duration
	nonceStore      NonceStore
	dispatcher      Dispatcher
	metrics         *metrics.Metrics
	logger          *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(url, apiKey string, freshnessWindow time.Duration, nonceStore NonceStore, dispatcher Dispatcher, m *metrics.Metrics, logger *slog.Logger) *Ingress {
	if logger == nil {
		logger = slog.Default()
	}
	if freshnessWindow <= 0 {
		freshnessWindow = 30 * time.Second
	}
	if nonceStore == nil {
		nonceStore = NewMemoryNonceStore()
	}
	return &Ingress{
		url:             url,
		apiKey:          []byte(apiKey),
		freshnessWindow: freshnessWindow,
		nonceStore:      nonceStore,
		dispatcher:      dispatcher,
		metrics:         m,
		logger:          logger.With("component", "ingress"),
	}
}

// sign computes HMAC-SHA256(apiKey, timestamp || canonical_json(payload)).
func (in *Ingress) sign(timestamp string, payload Payload) ([]byte, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, in.apiKey)
	mac.Write([]byte(timestamp))
	mac.Write(canonical)
	return mac.Sum(nil), nil
}

// canonicalJSON marshals payload with sorted keys so HMAC over the
// data field is shape-stable even though json.RawMessage preserves
// caller-provided field order.
func canonicalJSON(payload Payload) ([]byte, error) {
	var generic map[string]interface{}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic) // encoding/json sorts map keys on marshal
}

// Verify checks e's signature, freshness, and replay status, returning
// the authenticated action and data on success.
func (in *Ingress) Verify(ctx context.Context, e Envelope) (string, json.RawMessage, error) {
	wantSig, err := in.sign(e.Timestamp, e.Payload)
	if err != nil {
		return "", nil, fmt.Errorf("ingress: compute signature: %w", err)
	}
	gotSig, err := decodeHex(e.Signature)
	if err != nil || !hmac.Equal(gotSig, wantSig) {
		in.countAuthFailure("bad_signature")
		return "", nil, ErrSignatureInvalid
	}

	secs, err := strconv.ParseInt(e.Timestamp, 10, 64)
	if err != nil {
		in.countAuthFailure("bad_timestamp")
		return "", nil, fmt.Errorf("%w: unparseable timestamp", ErrStaleMessage)
	}
	ts := time.Unix(secs, 0)
	if age := time.Since(ts); age > in.freshnessWindow || age < -in.freshnessWindow {
		in.countAuthFailure("stale")
		return "", nil, ErrStaleMessage
	}

	payloadHash := sha256.Sum256(mustCanonical(e.Payload))
	nonce := nonceKey(e.Timestamp, payloadHash)
	if err := in.nonceStore.Check(ctx, nonce, in.freshnessWindow); err != nil {
		in.countAuthFailure("replayed_nonce")
		return "", nil, err
	}

	return e.Payload.Action, e.Payload.Data, nil
}

func mustCanonical(p Payload) []byte {
	b, err := canonicalJSON(p)
	if err != nil {
		return nil
	}
	return b
}

func (in *Ingress) countAuthFailure(reason string) {
	if in.metrics != nil {
		in.metrics.IngressAuthFailures.WithLabelValues(reason).Inc()
	}
}

// HandleMessage verifies and dispatches one raw inbound websocket
// frame, returning the dispatcher's reply (Busy on a full downstream
// mailbox) or an error; readLoop logs errors and sends no reply for
// them. Recognized actions: jackpot, aft_send, aft_cancel, ping.
func (in *Ingress) HandleMessage(ctx context.Context, raw []byte) (interface{}, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("ingress: malformed envelope: %w", err)
	}

	action, data, err := in.Verify(ctx, e)
	if err != nil {
		return nil, err
	}

	switch action {
	case "jackpot", "aft_send", "aft_cancel", "ping":
		return in.dispatcher.Dispatch(ctx, action, data)
	default:
		in.countAuthFailure("unknown_action")
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
}

// Run maintains the persistent outbound connection, reconnecting with
// exponential backoff (1s floor, 30s cap) on disconnect, until ctx is
// cancelled.
func (in *Ingress) Run(ctx context.Context) error {
	backoffDelay := time.Second
	const maxBackoff = 30 * time.Second
	firstAttempt := true

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, in.url, nil)
		if err != nil {
			in.logger.Warn("dial failed, backing off", "error", err, "retry_in", backoffDelay)
			if !sleepOrDone(ctx, backoffDelay) {
				return ctx.Err()
			}
			backoffDelay = nextBackoff(backoffDelay, maxBackoff)
			continue
		}

		if !firstAttempt && in.metrics != nil {
			in.metrics.IngressReconnects.Inc()
		}
		firstAttempt = false
		backoffDelay = time.Second

		in.mu.Lock()
		in.conn = conn
		in.mu.Unlock()

		in.readLoop(ctx, conn)

		in.mu.Lock()
		in.conn = nil
		in.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !sleepOrDone(ctx, backoffDelay) {
			return ctx.Err()
		}
		backoffDelay = nextBackoff(backoffDelay, maxBackoff)
	}
}

func (in *Ingress) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			in.logger.Warn("websocket read failed, reconnecting", "error", err)
			return
		}

		resp, err := in.HandleMessage(ctx, raw)
		if err != nil {
			in.logger.Warn("inbound message rejected", "error", err)
			continue
		}
		if resp == nil {
			continue
		}
		out, err := json.Marshal(resp)
		if err != nil {
			in.logger.Error("failed to marshal response", "error", err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
			in.logger.Warn("websocket write failed", "error", err)
			return
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// Close tears down the nonce store's background goroutine and, if
// connected, the websocket connection.
func (in *Ingress) Close() error {
	in.mu.Lock()
	conn := in.conn
	in.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return in.nonceStore.Close()
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// BusyResponse is what a Dispatcher (or the orchestrator's mailbox
// bridge) returns when the downstream Poll Engine mailbox is full, so
// the backend knows to retry.
type BusyResponse struct {
	Status string `json:"status"`
}

var Busy = BusyResponse{Status: "busy"}
