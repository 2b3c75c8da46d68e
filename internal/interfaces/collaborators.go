// Package interfaces defines the contracts of the external collaborators the
// virtual node layer is built on: the underlying Lightning payment engine,
// the RGB token-contract engine and the on-chain wallet. The core packages
// consume these surfaces and never reach around them.
package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
)

var (
	// ErrScanInProgress is returned by AddressBalance while a concurrent
	// UTXO scan holds the scanner. Callers abort the running scan and retry.
	ErrScanInProgress = errors.New("utxo scan already in progress")

	ErrBroadcastFailure = errors.New("on-chain broadcast failure")
)

// SettlementSignal is the payment engine's verdict for one payment hash.
// Exactly one of Preimage or Failure is set.
type SettlementSignal struct {
	PaymentHash lntypes.Hash
	Preimage    *lntypes.Preimage
	Failure     error
}

// PaymentEngine is the narrow surface of the underlying Lightning node. The
// router dispatches payments and registers invoices through it and consumes
// its settlement signals; it never produces preimages of its own.
type PaymentEngine interface {
	// RegisterInvoice hands the hash/preimage pair of a freshly created
	// invoice to the engine so an inbound payment can settle it.
	RegisterInvoice(ctx context.Context, hash lntypes.Hash, preimage lntypes.Preimage, amountMsat uint64, expiry time.Duration) error

	// Dispatch starts routing a payment for the given hash. The outcome
	// arrives asynchronously on the channel returned by SettlementSignals.
	Dispatch(ctx context.Context, hash lntypes.Hash, destination string, amountMsat uint64) error

	// SettlementSignals returns the channel carrying the eventual verdict
	// for the given payment hash. The channel is buffered; the engine sends
	// at most one signal per hash.
	SettlementSignals(hash lntypes.Hash) <-chan SettlementSignal
}

// TokenEngine is the RGB contract engine surface: balance query and transfer
// execution keyed by contract id.
type TokenEngine interface {
	ContractBalance(ctx context.Context, contractID string, identity string) (uint64, error)
	ExecuteTransfer(ctx context.Context, contractID string, from, to string, amount uint64) error
}

// ChainWallet is the shared on-chain wallet. AddressBalance may return
// ErrScanInProgress; the wallet also exposes AbortScan so the caller can
// clear a stuck scan and retry. SendToAddress succeeds on broadcast
// acceptance, not confirmation.
type ChainWallet interface {
	AddressBalance(ctx context.Context, address string) (uint64, error)
	AbortScan(ctx context.Context) error
	SendToAddress(ctx context.Context, address string, amountSat uint64, feeRateSatVb uint64) (txid string, err error)
}
