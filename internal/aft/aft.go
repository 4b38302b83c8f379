// Package aft drives the SAS AFT (Automated Funds Transfer) long-poll
// family: submitting a credit transfer, polling for its terminal
// status, and supporting cancellation — command 0x72 per SAS 6.02 (the
// Open Question on AFT command pinning is resolved to this value; see
// DESIGN.md).
package aft

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mdedz/sasagent/internal/bcd"
	"github.com/mdedz/sasagent/internal/frame"
)

// CommandAFT is the SAS long-poll command code for AFT transfer
// requests and status interrogations (SAS 6.02, command 0x72).
const CommandAFT byte = 0x72

// amountWidthBCD is the fixed width, in BCD bytes, of every monetary
// field in an AFT transfer request (5 bytes holds up to 9999999999
// cents, i.e. 99999999.99, in the SAS cents-as-BCD convention).
const amountWidthBCD = 5

var (
	ErrUnknownTransaction = errors.New("aft: unknown transaction id")
	ErrNotCancellable     = errors.New("aft: transaction is not in a cancellable state")
	ErrMachineNotReady    = errors.New("aft: machine not ready")
)

// Status is the AFT transaction's terminal-status state machine.
type Status int

const (
	StatusPending Status = iota
	StatusSent
	StatusInProgress
	StatusComplete
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusInProgress:
		return "in_progress"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// TransferType is the AFT transfer-type enum carried in every transfer
// request (SAS 6.02 AFT register type field).
type TransferType int

const (
	TransferInHouseToMachineCashable TransferType = iota
	TransferInHouseToMachineRestricted
	TransferInHouseToMachineNonRestricted
	TransferMachineToInHouse
	TransferBonusCoinOut
	TransferBonusJackpot
	TransferCancelPending
	TransferInterrogateStatus
)

func (t TransferType) String() string {
	switch t {
	case TransferInHouseToMachineCashable:
		return "in_house_to_machine_cashable"
	case TransferInHouseToMachineRestricted:
		return "in_house_to_machine_restricted"
	case TransferInHouseToMachineNonRestricted:
		return "in_house_to_machine_non_restricted"
	case TransferMachineToInHouse:
		return "machine_to_in_house"
	case TransferBonusCoinOut:
		return "bonus_coin_out"
	case TransferBonusJackpot:
		return "bonus_jackpot"
	case TransferCancelPending:
		return "cancel_pending"
	case TransferInterrogateStatus:
		return "interrogate_status"
	default:
		return "unknown"
	}
}

// TransferRequest describes one AFT credit transfer.
type TransferRequest struct {
	TransactionID      string       `json:"transaction_id"` // if empty, Sender generates one
	TransferType       TransferType `json:"transfer_type"`
	AssetNumber        uint32       `json:"asset_number"`
	RegistrationID     string       `json:"registration_id"`
	CashableCents      int64        `json:"cashable_cents"`
	RestrictedCents    int64        `json:"restricted_cents"`
	NonRestrictedCents int64        `json:"non_restricted_cents"`
	// Expiration is an MMDDYYYY date packed as a decimal integer (e.g.
	// 12312026), or 0 for no expiration.
	Expiration         uint32 `json:"expiration"`
	PoolID             uint16 `json:"pool_id"`
	ReceiptRequestFlag bool   `json:"receipt_request_flag"`
	LockTransaction    bool   `json:"lock_after_transfer_flag"`
}

// Transaction tracks one in-flight (or completed) AFT transfer.
type Transaction struct {
	mu               sync.Mutex
	Request          TransferRequest `json:"request"`
	Status           Status          `json:"status"`
	TransferredCents int64           `json:"transferred_cents"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      time.Time       `json:"completed_at,omitempty"`
	retries          int
}

func (t *Transaction) snapshot() Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t
}

// Submitter is the Poll Engine's boundary for the AFT Sender: encode
// and hand off one frame, block for the matching response, and decode
// it. The AFT Sender never talks to the transport directly.
type Submitter interface {
	SubmitAFT(ctx context.Context, payload []byte) (response []byte, err error)
}

// Sender drives the AFT transaction lifecycle for the configured
// machine address.
type Sender struct {
	submitter     Submitter
	pollInterval  time.Duration
	maxNotReadyRetries int
	logger        *slog.Logger

	mu      sync.Mutex
	byID    map[string]*Transaction
}

func NewSender(submitter Submitter, pollInterval time.Duration, maxNotReadyRetries int, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if maxNotReadyRetries <= 0 {
		maxNotReadyRetries = 5
	}
	return &Sender{
		submitter:          submitter,
		pollInterval:       pollInterval,
		maxNotReadyRetries: maxNotReadyRetries,
		logger:             logger.With("component", "aft"),
		byID:               make(map[string]*Transaction),
	}
}

// Send submits req, then blocks polling InterrogateStatus until the
// transaction reaches a terminal status or ctx is cancelled. Exactly
// one terminal Transaction snapshot is returned regardless of how many
// status polls were needed.
func (s *Sender) Send(ctx context.Context, req TransferRequest) (Transaction, error) {
	if req.TransactionID == "" {
		req.TransactionID = uuid.NewString()
	}

	tx := &Transaction{Request: req, Status: StatusPending, StartedAt: time.Now()}
	s.mu.Lock()
	s.byID[req.TransactionID] = tx
	s.mu.Unlock()

	payload, err := encodeTransferRequest(req)
	if err != nil {
		return tx.snapshot(), fmt.Errorf("aft: encode transfer request: %w", err)
	}

	for attempt := 0; ; attempt++ {
		resp, err := s.submitter.SubmitAFT(ctx, payload)
		if err != nil {
			if errors.Is(err, ErrMachineNotReady) && attempt < s.maxNotReadyRetries {
				s.logger.Debug("machine not ready, retrying", "transaction_id", req.TransactionID, "attempt", attempt+1)
				select {
				case <-time.After(time.Second):
					continue
				case <-ctx.Done():
					return tx.snapshot(), ctx.Err()
				}
			}
			s.fail(tx)
			return tx.snapshot(), fmt.Errorf("aft: submit transfer: %w", err)
		}

		s.applyResponse(tx, resp)
		break
	}

	return s.pollUntilTerminal(ctx, tx)
}

// Cancel requests cancellation of a pending/in-progress transaction.
// The caller must continue to observe Status until it reports
// StatusCancelled or another terminal value — the EGM must confirm
// before the transaction is truly terminal.
func (s *Sender) Cancel(ctx context.Context, transactionID string) error {
	s.mu.Lock()
	tx, ok := s.byID[transactionID]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownTransaction
	}

	snap := tx.snapshot()
	if snap.Status.Terminal() {
		return ErrNotCancellable
	}

	payload := encodeCancelRequest(transactionID)
	resp, err := s.submitter.SubmitAFT(ctx, payload)
	if err != nil {
		return fmt.Errorf("aft: submit cancel: %w", err)
	}
	s.applyResponse(tx, resp)
	return nil
}

func (s *Sender) pollUntilTerminal(ctx context.Context, tx *Transaction) (Transaction, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if tx.snapshot().Status.Terminal() {
			return tx.snapshot(), nil
		}
		select {
		case <-ctx.Done():
			return tx.snapshot(), ctx.Err()
		case <-ticker.C:
			payload := encodeInterrogateStatus(tx.Request.TransactionID)
			resp, err := s.submitter.SubmitAFT(ctx, payload)
			if err != nil {
				s.logger.Warn("interrogate status failed, will retry", "transaction_id", tx.Request.TransactionID, "error", err)
				continue
			}
			s.applyResponse(tx, resp)
		}
	}
}

func (s *Sender) fail(tx *Transaction) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.Status = StatusFailed
	tx.CompletedAt = time.Now()
}

// applyResponse decodes a status byte and transferred-amount BCD field
// from resp and transitions tx accordingly.
func (s *Sender) applyResponse(tx *Transaction, resp []byte) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if len(resp) < 1 {
		return
	}
	code := resp[0]
	switch {
	case code == 0x00: // full transfer complete
		tx.Status = StatusComplete
		tx.CompletedAt = time.Now()
	case code == 0x40: // partial transfer complete
		tx.Status = StatusComplete
		tx.CompletedAt = time.Now()
	case code == 0x80: // transfer cancelled
		tx.Status = StatusCancelled
		tx.CompletedAt = time.Now()
	case code >= 0x81 && code <= 0xFF && code != 0xFF: // various EGM-reported failures
		tx.Status = StatusFailed
		tx.CompletedAt = time.Now()
	default:
		tx.Status = StatusInProgress
	}

	if len(resp) >= 1+amountWidthBCD {
		if v, err := bcd.Decode(resp[1 : 1+amountWidthBCD]); err == nil {
			tx.TransferredCents = int64(v)
		}
	}
}

// expirationWidthBCD is the packed width of the MMDDYYYY expiration
// date (8 decimal digits).
const expirationWidthBCD = 4

func encodeTransferRequest(req TransferRequest) ([]byte, error) {
	cashable, err := bcd.Encode(uint64(req.CashableCents), amountWidthBCD)
	if err != nil {
		return nil, err
	}
	restricted, err := bcd.Encode(uint64(req.RestrictedCents), amountWidthBCD)
	if err != nil {
		return nil, err
	}
	nonRestricted, err := bcd.Encode(uint64(req.NonRestrictedCents), amountWidthBCD)
	if err != nil {
		return nil, err
	}
	expiration, err := bcd.Encode(uint64(req.Expiration), expirationWidthBCD)
	if err != nil {
		return nil, fmt.Errorf("aft: encode expiration: %w", err)
	}

	var flags byte
	if req.LockTransaction {
		flags |= 0x01
	}
	if req.ReceiptRequestFlag {
		flags |= 0x02
	}

	assetNumber := make([]byte, 4)
	binary.LittleEndian.PutUint32(assetNumber, req.AssetNumber)
	poolID := make([]byte, 2)
	binary.LittleEndian.PutUint16(poolID, req.PoolID)

	payload := make([]byte, 0, 4+len(cashable)+len(restricted)+len(nonRestricted)+len(assetNumber)+len(expiration)+len(poolID)+len(req.TransactionID))
	payload = append(payload, 0x00) // sub-command: transfer request
	payload = append(payload, flags)
	payload = append(payload, byte(req.TransferType))
	payload = append(payload, cashable...)
	payload = append(payload, restricted...)
	payload = append(payload, nonRestricted...)
	payload = append(payload, assetNumber...)
	payload = append(payload, expiration...)
	payload = append(payload, poolID...)
	payload = append(payload, []byte(req.TransactionID)...)
	return payload, nil
}

func encodeInterrogateStatus(transactionID string) []byte {
	payload := make([]byte, 0, 1+len(transactionID))
	payload = append(payload, 0x01) // sub-command: interrogate status
	payload = append(payload, []byte(transactionID)...)
	return payload
}

func encodeCancelRequest(transactionID string) []byte {
	payload := make([]byte, 0, 1+len(transactionID))
	payload = append(payload, 0x02) // sub-command: cancel pending request
	payload = append(payload, []byte(transactionID)...)
	return payload
}

// CommandSpec is the response shape for the AFT long-poll family:
// length-prefixed, since the returned status frame varies in size.
var CommandSpec = frame.CommandSpec{Shape: frame.LengthPrefixed}
