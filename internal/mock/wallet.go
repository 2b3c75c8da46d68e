package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/dueldanov/virtualnode/internal/interfaces"
)

// ChainWallet is a controllable interfaces.ChainWallet.
type ChainWallet struct {
	mu        sync.Mutex
	balances  map[string]uint64 // address -> sats
	sent      []SentTx
	scanBusy  bool
	nextTxSeq int

	// SendErr, when set, is returned by SendToAddress.
	SendErr error
}

// SentTx records one broadcast requested through the mock wallet.
type SentTx struct {
	Address      string
	AmountSat    uint64
	FeeRateSatVb uint64
	Txid         string
}

func NewChainWallet() *ChainWallet {
	return &ChainWallet{balances: make(map[string]uint64)}
}

// FundAddress sets the confirmed balance of an address.
func (w *ChainWallet) FundAddress(address string, sats uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.balances[address] = sats
}

// SetScanBusy makes the next AddressBalance calls fail with
// ErrScanInProgress until AbortScan is called.
func (w *ChainWallet) SetScanBusy(busy bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.scanBusy = busy
}

func (w *ChainWallet) AddressBalance(_ context.Context, address string) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.scanBusy {
		return 0, interfaces.ErrScanInProgress
	}

	return w.balances[address], nil
}

func (w *ChainWallet) AbortScan(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.scanBusy = false

	return nil
}

func (w *ChainWallet) SendToAddress(_ context.Context, address string, amountSat uint64, feeRateSatVb uint64) (string, error) {
	if w.SendErr != nil {
		return "", w.SendErr
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextTxSeq++
	txid := fmt.Sprintf("mocktx-%04d", w.nextTxSeq)
	w.sent = append(w.sent, SentTx{Address: address, AmountSat: amountSat, FeeRateSatVb: feeRateSatVb, Txid: txid})

	return txid, nil
}

// Sent lists the broadcasts requested so far.
func (w *ChainWallet) Sent() []SentTx {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]SentTx(nil), w.sent...)
}
