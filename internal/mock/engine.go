// Package mock provides controllable in-memory implementations of the
// external collaborators for tests: the payment engine, the token-contract
// engine and the on-chain wallet.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/dueldanov/virtualnode/internal/interfaces"
)

// PaymentEngine is a controllable interfaces.PaymentEngine. Tests drive
// settlement outcomes through SignalSettled/SignalFailed, or let registered
// invoices settle automatically on dispatch with AutoSettle.
type PaymentEngine struct {
	mu         sync.Mutex
	preimages  map[lntypes.Hash]lntypes.Preimage // registered invoices
	signals    map[lntypes.Hash]chan interfaces.SettlementSignal
	dispatched []lntypes.Hash

	// AutoSettle makes Dispatch immediately deliver the registered
	// preimage, mimicking an engine that routes and settles at once.
	AutoSettle bool

	// DispatchErr, when set, is returned by Dispatch.
	DispatchErr error
}

func NewPaymentEngine() *PaymentEngine {
	return &PaymentEngine{
		preimages: make(map[lntypes.Hash]lntypes.Preimage),
		signals:   make(map[lntypes.Hash]chan interfaces.SettlementSignal),
	}
}

func (e *PaymentEngine) RegisterInvoice(_ context.Context, hash lntypes.Hash, preimage lntypes.Preimage, _ uint64, _ time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.preimages[hash] = preimage

	return nil
}

func (e *PaymentEngine) Dispatch(_ context.Context, hash lntypes.Hash, _ string, _ uint64) error {
	if e.DispatchErr != nil {
		return e.DispatchErr
	}

	e.mu.Lock()
	e.dispatched = append(e.dispatched, hash)
	preimage, registered := e.preimages[hash]
	autoSettle := e.AutoSettle && registered
	e.mu.Unlock()

	if autoSettle {
		e.SignalSettled(hash, preimage)
	}

	return nil
}

func (e *PaymentEngine) SettlementSignals(hash lntypes.Hash) <-chan interfaces.SettlementSignal {
	return e.signalChan(hash)
}

// SignalSettled delivers a success verdict for the hash.
func (e *PaymentEngine) SignalSettled(hash lntypes.Hash, preimage lntypes.Preimage) {
	e.signalChan(hash) <- interfaces.SettlementSignal{PaymentHash: hash, Preimage: &preimage}
}

// SignalFailed delivers a failure verdict for the hash.
func (e *PaymentEngine) SignalFailed(hash lntypes.Hash, failure error) {
	e.signalChan(hash) <- interfaces.SettlementSignal{PaymentHash: hash, Failure: failure}
}

// Dispatched lists the hashes handed to Dispatch, in order.
func (e *PaymentEngine) Dispatched() []lntypes.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]lntypes.Hash(nil), e.dispatched...)
}

func (e *PaymentEngine) signalChan(hash lntypes.Hash) chan interfaces.SettlementSignal {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, ok := e.signals[hash]
	if !ok {
		ch = make(chan interfaces.SettlementSignal, 1)
		e.signals[hash] = ch
	}

	return ch
}
