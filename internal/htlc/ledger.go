// Package htlc tracks in-flight cross-tenant payments and settles both the
// currency leg and the optional token leg atomically against a preimage.
//
// Each payment hash runs a small state machine: Pending, then exactly one of
// Settled or Failed. Terminal entries are retained so a payment hash can
// never be reused and duplicate settles fail deterministically.
package htlc

import (
	"context"
	"sync"
	"time"

	"github.com/iotaledger/hive.go/logger"
	"github.com/iotaledger/hive.go/runtime/event"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/pkg/errors"

	"github.com/dueldanov/virtualnode/internal/identity"
	"github.com/dueldanov/virtualnode/internal/ownership"
)

var (
	ErrHtlcNotFound         = errors.New("htlc not found")
	ErrInvalidPreimage      = errors.New("invalid preimage")
	ErrDuplicatePaymentHash = errors.New("duplicate payment hash")
)

// Status is the lifecycle state of a virtual HTLC.
type Status string

const (
	StatusPending Status = "pending"
	StatusSettled Status = "settled"
	StatusFailed  Status = "failed"
)

// TokenTransfer is the token leg of a payment: an amount of one RGB contract.
type TokenTransfer struct {
	ContractID string `json:"contract_id"`
	Amount     uint64 `json:"amount"`
}

// VirtualHtlc is one in-flight (or terminal) cross-tenant payment. FromID
// and ToID are canonical identity keys (identity.IdentityKey form).
type VirtualHtlc struct {
	PaymentHash   lntypes.Hash
	FromID        string
	ToID          string
	FromTenant    string
	ToTenant      string
	CurrencyMsat  uint64
	TokenTransfer *TokenTransfer
	Status        Status
	CreatedAt     time.Time
}

// VirtualSettlement is the immutable result of a successful settlement,
// produced exactly once per payment hash.
type VirtualSettlement struct {
	PaymentHash     lntypes.Hash
	Preimage        lntypes.Preimage
	CurrencySettled uint64
	TokenSettled    *TokenTransfer
	FromID          string
	ToID            string
}

// Ledger is the HTLC table. All transitions for one payment hash run under
// the table lock, so concurrent settle/fail on the same hash cannot both
// succeed; every operation inside the critical section is O(1).
type Ledger struct {
	*logger.WrappedLogger

	registry *ownership.Registry

	tableLock sync.Mutex
	table     map[lntypes.Hash]*VirtualHtlc

	Events *Events
}

type Events struct {
	HtlcSettled *event.Event1[*VirtualSettlement]
	HtlcFailed  *event.Event1[lntypes.Hash]
}

// NewLedger creates an empty HTLC ledger bound to the ownership registry.
func NewLedger(log *logger.Logger, registry *ownership.Registry) *Ledger {
	return &Ledger{
		WrappedLogger: logger.NewWrappedLogger(log),
		registry:      registry,
		table:         make(map[lntypes.Hash]*VirtualHtlc),
		Events: &Events{
			HtlcSettled: event.New1[*VirtualSettlement](),
			HtlcFailed:  event.New1[lntypes.Hash](),
		},
	}
}

// Create adds a Pending entry and registers both ownership rows: outbound
// for the sender, inbound for the receiver. A payment hash that already has
// an entry, Pending or terminal, is rejected; retries need a fresh hash.
func (l *Ledger) Create(_ context.Context, hash lntypes.Hash, from, to *identity.VirtualIdentity, currencyMsat uint64, token *TokenTransfer) error {
	entry := &VirtualHtlc{
		PaymentHash:   hash,
		FromID:        from.Key(),
		ToID:          to.Key(),
		FromTenant:    from.TenantID,
		ToTenant:      to.TenantID,
		CurrencyMsat:  currencyMsat,
		TokenTransfer: token,
		Status:        StatusPending,
		CreatedAt:     time.Now(),
	}

	l.tableLock.Lock()
	if _, exists := l.table[hash]; exists {
		l.tableLock.Unlock()
		return errors.Wrapf(ErrDuplicatePaymentHash, "payment hash %s", hash)
	}

	// Rows first, entry last, all under the table lock: a settle can never
	// observe a Pending entry whose creation still aborts.
	if err := l.registerOwnership(hash, from, to); err != nil {
		l.tableLock.Unlock()
		return err
	}
	l.table[hash] = entry
	l.tableLock.Unlock()

	l.LogDebugf("created virtual HTLC %s: %d msat %s -> %s", hash, currencyMsat, entry.FromID, entry.ToID)

	return nil
}

// Settle transitions a Pending entry to Settled if the preimage hashes to
// the payment hash, and returns the settlement exactly once. A wrong
// preimage leaves the entry Pending. A missing or already-terminal entry
// yields ErrHtlcNotFound either way; callers retrying after a timeout must
// treat it as "this hash will never settle through me".
func (l *Ledger) Settle(_ context.Context, hash lntypes.Hash, preimage lntypes.Preimage) (*VirtualSettlement, error) {
	l.tableLock.Lock()

	entry, exists := l.table[hash]
	if !exists || entry.Status != StatusPending {
		l.tableLock.Unlock()
		return nil, errors.Wrapf(ErrHtlcNotFound, "payment hash %s", hash)
	}

	if !preimage.Matches(hash) {
		l.tableLock.Unlock()
		return nil, errors.Wrapf(ErrInvalidPreimage, "payment hash %s", hash)
	}

	entry.Status = StatusSettled
	settlement := &VirtualSettlement{
		PaymentHash:     hash,
		Preimage:        preimage,
		CurrencySettled: entry.CurrencyMsat,
		TokenSettled:    entry.TokenTransfer,
		FromID:          entry.FromID,
		ToID:            entry.ToID,
	}
	l.tableLock.Unlock()

	l.LogInfof("virtual HTLC settled: %d msat %s -> %s (token: %v)",
		settlement.CurrencySettled, settlement.FromID, settlement.ToID, settlement.TokenSettled != nil)
	l.Events.HtlcSettled.Trigger(settlement)

	return settlement, nil
}

// Fail transitions Pending to Failed and reports whether it did. Failing an
// unknown or already-terminal entry is a no-op, so failure notifications are
// idempotent.
func (l *Ledger) Fail(_ context.Context, hash lntypes.Hash) bool {
	l.tableLock.Lock()
	entry, exists := l.table[hash]
	if !exists || entry.Status != StatusPending {
		l.tableLock.Unlock()
		return false
	}
	entry.Status = StatusFailed
	l.tableLock.Unlock()

	l.LogInfof("virtual HTLC failed: %s", hash)
	l.Events.HtlcFailed.Trigger(hash)

	return true
}

// Get returns a copy of the entry for the payment hash.
func (l *Ledger) Get(hash lntypes.Hash) (*VirtualHtlc, bool) {
	l.tableLock.Lock()
	defer l.tableLock.Unlock()

	entry, exists := l.table[hash]
	if !exists {
		return nil, false
	}
	cp := *entry

	return &cp, true
}

// PendingFor lists the Pending entries in which the identity appears as
// either counterparty.
func (l *Ledger) PendingFor(identityKey string) []*VirtualHtlc {
	l.tableLock.Lock()
	defer l.tableLock.Unlock()

	var pending []*VirtualHtlc
	for _, entry := range l.table {
		if entry.Status != StatusPending {
			continue
		}
		if entry.FromID == identityKey || entry.ToID == identityKey {
			cp := *entry
			pending = append(pending, &cp)
		}
	}

	return pending
}

// FailExpired fails every Pending entry created before the deadline and
// returns their hashes. The router's background sweep drives this so no
// HTLC stays Pending indefinitely.
func (l *Ledger) FailExpired(olderThan time.Duration) []lntypes.Hash {
	cutoff := time.Now().Add(-olderThan)

	l.tableLock.Lock()
	var expired []lntypes.Hash
	for hash, entry := range l.table {
		if entry.Status == StatusPending && entry.CreatedAt.Before(cutoff) {
			entry.Status = StatusFailed
			expired = append(expired, hash)
		}
	}
	l.tableLock.Unlock()

	for _, hash := range expired {
		l.LogWarnf("virtual HTLC expired after %s: %s", olderThan, hash)
		l.Events.HtlcFailed.Trigger(hash)
	}

	return expired
}

func (l *Ledger) registerOwnership(hash lntypes.Hash, from, to *identity.VirtualIdentity) error {
	hashHex := hash.String()
	if err := l.registry.RegisterPayment(hashHex, from.Key(), from.TenantID, ownership.DirectionOutbound); err != nil {
		return err
	}
	if err := l.registry.RegisterPayment(hashHex, to.Key(), to.TenantID, ownership.DirectionInbound); err != nil {
		// Keep the rows consistent: either both sides or neither.
		if uerr := l.registry.UnregisterPayment(hashHex); uerr != nil {
			l.LogWarnf("rollback of payment ownership %s failed: %v", hashHex, uerr)
		}
		return err
	}

	return nil
}
