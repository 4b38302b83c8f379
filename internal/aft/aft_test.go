package aft

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mdedz/sasagent/internal/bcd"
)

// fakeSubmitter replays a scripted sequence of responses (or errors),
// one per call to SubmitAFT, and records the payloads it was given.
type fakeSubmitter struct {
	responses [][]byte
	errs      []error
	calls     [][]byte
	i         int
}

func (f *fakeSubmitter) SubmitAFT(ctx context.Context, payload []byte) ([]byte, error) {
	f.calls = append(f.calls, payload)
	if f.i >= len(f.responses) {
		return f.responses[len(f.responses)-1], nil
	}
	idx := f.i
	f.i++
	var err error
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	return f.responses[idx], err
}

func TestSendCompletesOnFirstResponse(t *testing.T) {
	transferred, err := bcd.Encode(500, amountWidthBCD)
	require.NoError(t, err)
	resp := append([]byte{0x00}, transferred...)

	sub := &fakeSubmitter{responses: [][]byte{resp}}
	sender := NewSender(sub, 10*time.Millisecond, 5, nil)

	tx, err := sender.Send(context.Background(), TransferRequest{CashableCents: 500})
	require.NoError(t, err)
	require.Equal(t, StatusComplete, tx.Status)
	require.Equal(t, int64(500), tx.TransferredCents)
	require.True(t, tx.Status.Terminal())
}

func TestSendPollsUntilTerminal(t *testing.T) {
	transferred, _ := bcd.Encode(1000, amountWidthBCD)
	inProgress := []byte{0x01}
	complete := append([]byte{0x00}, transferred...)

	sub := &fakeSubmitter{responses: [][]byte{inProgress, inProgress, complete}}
	sender := NewSender(sub, 5*time.Millisecond, 5, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tx, err := sender.Send(ctx, TransferRequest{CashableCents: 1000, TransactionID: "tx-1"})
	require.NoError(t, err)
	require.Equal(t, StatusComplete, tx.Status)
	require.Equal(t, int64(1000), tx.TransferredCents)
	require.GreaterOrEqual(t, len(sub.calls), 3)
}

func TestSendRetriesOnMachineNotReady(t *testing.T) {
	transferred, _ := bcd.Encode(250, amountWidthBCD)
	complete := append([]byte{0x00}, transferred...)

	sub := &fakeSubmitter{
		responses: [][]byte{nil, complete},
		errs:      []error{ErrMachineNotReady, nil},
	}
	sender := NewSender(sub, 5*time.Millisecond, 5, nil)

	start := time.Now()
	tx, err := sender.Send(context.Background(), TransferRequest{CashableCents: 250})
	require.NoError(t, err)
	require.Equal(t, StatusComplete, tx.Status)
	require.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestSendFailsOnNonRetryableSubmitError(t *testing.T) {
	sub := &fakeSubmitter{
		responses: [][]byte{nil},
		errs:      []error{errors.New("boom")},
	}
	sender := NewSender(sub, 5*time.Millisecond, 5, nil)
	tx, err := sender.Send(context.Background(), TransferRequest{CashableCents: 1})
	require.Error(t, err)
	require.Equal(t, StatusFailed, tx.Status)
}

func TestCancelUnknownTransaction(t *testing.T) {
	sender := NewSender(&fakeSubmitter{}, 5*time.Millisecond, 5, nil)
	err := sender.Cancel(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestCancelRejectsTerminalTransaction(t *testing.T) {
	transferred, _ := bcd.Encode(100, amountWidthBCD)
	complete := append([]byte{0x00}, transferred...)
	sub := &fakeSubmitter{responses: [][]byte{complete}}
	sender := NewSender(sub, 5*time.Millisecond, 5, nil)

	tx, err := sender.Send(context.Background(), TransferRequest{CashableCents: 100, TransactionID: "tx-done"})
	require.NoError(t, err)
	require.True(t, tx.Status.Terminal())

	err = sender.Cancel(context.Background(), "tx-done")
	require.ErrorIs(t, err, ErrNotCancellable)
}

func TestCancelPendingTransitionsToCancelled(t *testing.T) {
	cancelResp := []byte{0x80}
	sub := &fakeSubmitter{responses: [][]byte{{0x01}}} // first Send call leaves it in_progress forever until ctx cancelled
	sender := NewSender(sub, 5*time.Millisecond, 5, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sender.Send(ctx, TransferRequest{CashableCents: 1, TransactionID: "tx-cancel"})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	sub.responses = append(sub.responses, cancelResp)
	err := sender.Cancel(context.Background(), "tx-cancel")
	require.NoError(t, err)

	sender.mu.Lock()
	tx := sender.byID["tx-cancel"]
	sender.mu.Unlock()
	require.Equal(t, StatusCancelled, tx.snapshot().Status)

	cancel()
	<-done
}

func TestApplyResponseIgnoresShortPayload(t *testing.T) {
	sender := NewSender(&fakeSubmitter{}, time.Millisecond, 5, nil)
	tx := &Transaction{Status: StatusSent}
	sender.applyResponse(tx, nil)
	require.Equal(t, StatusSent, tx.Status)
}

func TestEncodeTransferRequestPacksFlags(t *testing.T) {
	payload, err := encodeTransferRequest(TransferRequest{
		CashableCents:   123,
		LockTransaction: true,
		TransactionID:   "abc",
	})
	require.NoError(t, err)
	require.Equal(t, byte(0x00), payload[0])
	require.Equal(t, byte(0x01), payload[1])
	require.Equal(t, byte(TransferInHouseToMachineCashable), payload[2])
}

func TestEncodeTransferRequestPacksAssetNumberAndExpiration(t *testing.T) {
	payload, err := encodeTransferRequest(TransferRequest{
		TransferType:       TransferBonusJackpot,
		CashableCents:      500,
		AssetNumber:        0x0000000A,
		Expiration:         12312026,
		PoolID:             7,
		ReceiptRequestFlag: true,
		TransactionID:      "TX1",
	})
	require.NoError(t, err)

	require.Equal(t, byte(0x00), payload[0])            // sub-command: transfer request
	require.Equal(t, byte(0x02), payload[1])             // receipt_request_flag, no lock
	require.Equal(t, byte(TransferBonusJackpot), payload[2])

	offset := 3 + 3*amountWidthBCD
	assetNumber := payload[offset : offset+4]
	require.Equal(t, []byte{0x0A, 0x00, 0x00, 0x00}, assetNumber) // little-endian u32
	offset += 4

	expiration, err := bcd.Decode(payload[offset : offset+expirationWidthBCD])
	require.NoError(t, err)
	require.Equal(t, uint64(12312026), expiration)
	offset += expirationWidthBCD

	poolID := payload[offset : offset+2]
	require.Equal(t, []byte{0x07, 0x00}, poolID) // little-endian u16
	offset += 2

	require.Equal(t, "TX1", string(payload[offset:]))
}

func TestEncodeTransferRequestZeroExpirationIsLiteralZero(t *testing.T) {
	payload, err := encodeTransferRequest(TransferRequest{CashableCents: 1})
	require.NoError(t, err)

	offset := 3 + 3*amountWidthBCD + 4
	expiration := payload[offset : offset+expirationWidthBCD]
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x00}, expiration)
}
