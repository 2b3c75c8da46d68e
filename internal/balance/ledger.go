// Package balance maintains per-identity balances for the currency and for
// each token contract. In-memory maps are the primary copy during a live
// process; every mutation is mirrored to the kvstore.
//
// Sufficiency check and debit are one atomic step: CheckAndReserve debits
// under the identity's lock and hands back a reservation, so two concurrent
// payments can never both pass the check against the same pre-debit balance.
// The floor-at-zero clamp on unreserved debits is a last-resort safety net,
// not the correctness mechanism.
package balance

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/iotaledger/hive.go/kvstore"
	"github.com/iotaledger/hive.go/logger"
	"github.com/iotaledger/hive.go/runtime/event"
	"github.com/pkg/errors"

	"github.com/dueldanov/virtualnode/internal/htlc"
	"github.com/dueldanov/virtualnode/internal/interfaces"
)

var (
	ErrInsufficientCurrency = errors.New("insufficient currency balance")
	ErrInsufficientToken    = errors.New("insufficient token balance")
	ErrReservationConsumed  = errors.New("reservation already consumed")
)

// InsufficientCurrencyError reports a failed currency sufficiency check.
type InsufficientCurrencyError struct {
	Required  uint64
	Available uint64
}

func (e *InsufficientCurrencyError) Error() string {
	return fmt.Sprintf("insufficient currency balance: required %d msat, available %d msat", e.Required, e.Available)
}

func (e *InsufficientCurrencyError) Unwrap() error { return ErrInsufficientCurrency }

// InsufficientTokenError reports a failed token sufficiency check.
type InsufficientTokenError struct {
	ContractID string
	Required   uint64
	Available  uint64
}

func (e *InsufficientTokenError) Error() string {
	return fmt.Sprintf("insufficient token balance for contract %s: required %d, available %d", e.ContractID, e.Required, e.Available)
}

func (e *InsufficientTokenError) Unwrap() error { return ErrInsufficientToken }

// Reservation is a debit taken by CheckAndReserve. It is released back on
// payment failure or consumed by ApplySettlement on success.
type Reservation struct {
	identityKey string
	msat        uint64
	token       *htlc.TokenTransfer

	mu       sync.Mutex
	consumed bool
}

// Ledger owns the balance maps. stateLock guards the maps themselves;
// per-identity locks linearize check+reserve against all other mutations on
// the same identity.
type Ledger struct {
	*logger.WrappedLogger

	store  kvstore.KVStore
	wallet interfaces.ChainWallet
	tokens interfaces.TokenEngine

	feeRateSatVb uint64

	locksMu       sync.Mutex
	identityLocks map[string]*sync.Mutex

	stateLock     sync.RWMutex
	currency      map[string]uint64
	tokenBalances map[string]map[string]uint64 // identity -> contract -> amount

	addrLock  sync.RWMutex
	addresses map[string][]string // tenant id -> custodial addresses

	Events *Events
}

type Events struct {
	BalanceChanged    *event.Event1[string]
	TransferBroadcast *event.Event1[*TransferRecord]
}

// NewLedger creates a balance ledger over the given store and collaborators.
// The wallet and token engine may be nil when the on-chain and token sync
// surfaces are unused (tests, currency-only deployments).
func NewLedger(log *logger.Logger, store kvstore.KVStore, wallet interfaces.ChainWallet, tokens interfaces.TokenEngine, feeRateSatVb uint64) (*Ledger, error) {
	l := &Ledger{
		WrappedLogger: logger.NewWrappedLogger(log),
		store:         store,
		wallet:        wallet,
		tokens:        tokens,
		feeRateSatVb:  feeRateSatVb,
		identityLocks: make(map[string]*sync.Mutex),
		currency:      make(map[string]uint64),
		tokenBalances: make(map[string]map[string]uint64),
		addresses:     make(map[string][]string),
		Events: &Events{
			BalanceChanged:    event.New1[string](),
			TransferBroadcast: event.New1[*TransferRecord](),
		},
	}
	if err := l.loadMirror(); err != nil {
		return nil, err
	}

	return l, nil
}

// Balance returns the identity's currency balance in msat.
func (l *Ledger) Balance(identityKey string) uint64 {
	l.stateLock.RLock()
	defer l.stateLock.RUnlock()

	return l.currency[identityKey]
}

// TokenBalance returns the identity's balance for one token contract.
func (l *Ledger) TokenBalance(identityKey, contractID string) uint64 {
	l.stateLock.RLock()
	defer l.stateLock.RUnlock()

	return l.tokenBalances[identityKey][contractID]
}

// CheckSufficiency reports whether the identity can cover both legs. It is
// a read-only snapshot; a payment path must use CheckAndReserve instead,
// since the answer here can be stale by the time a debit happens.
func (l *Ledger) CheckSufficiency(identityKey string, msat uint64, token *htlc.TokenTransfer) error {
	l.stateLock.RLock()
	defer l.stateLock.RUnlock()

	if available := l.currency[identityKey]; available < msat {
		return &InsufficientCurrencyError{Required: msat, Available: available}
	}
	if token != nil {
		if available := l.tokenBalances[identityKey][token.ContractID]; available < token.Amount {
			return &InsufficientTokenError{ContractID: token.ContractID, Required: token.Amount, Available: available}
		}
	}

	return nil
}

// Credit adds currency to an identity. Funding/deposit path.
func (l *Ledger) Credit(_ context.Context, identityKey string, msat uint64) error {
	unlock := l.lockIdentity(identityKey)
	defer unlock()

	l.stateLock.Lock()
	l.currency[identityKey] += msat
	newBalance := l.currency[identityKey]
	l.stateLock.Unlock()

	if err := l.persistCurrency(identityKey, newBalance); err != nil {
		l.revertCurrency(identityKey, newBalance-msat)
		return err
	}
	l.Events.BalanceChanged.Trigger(identityKey)

	return nil
}

// CreditToken adds token units to an identity under one contract.
func (l *Ledger) CreditToken(_ context.Context, identityKey, contractID string, amount uint64) error {
	unlock := l.lockIdentity(identityKey)
	defer unlock()

	l.stateLock.Lock()
	tokens := l.tokensFor(identityKey)
	tokens[contractID] += amount
	newBalance := tokens[contractID]
	l.stateLock.Unlock()

	if err := l.persistToken(identityKey, contractID, newBalance); err != nil {
		l.revertToken(identityKey, contractID, newBalance-amount)
		return err
	}
	l.Events.BalanceChanged.Trigger(identityKey)

	return nil
}

// CheckAndReserve checks sufficiency for both legs and, in the same locked
// step, debits them. On insufficiency nothing is mutated and the typed error
// carries required/available. The returned reservation must be either
// released (failure path) or passed to ApplySettlement (success path).
func (l *Ledger) CheckAndReserve(_ context.Context, identityKey string, msat uint64, token *htlc.TokenTransfer) (*Reservation, error) {
	unlock := l.lockIdentity(identityKey)
	defer unlock()

	l.stateLock.Lock()

	available := l.currency[identityKey]
	if available < msat {
		l.stateLock.Unlock()
		return nil, &InsufficientCurrencyError{Required: msat, Available: available}
	}
	if token != nil {
		tokenAvailable := l.tokenBalances[identityKey][token.ContractID]
		if tokenAvailable < token.Amount {
			l.stateLock.Unlock()
			return nil, &InsufficientTokenError{ContractID: token.ContractID, Required: token.Amount, Available: tokenAvailable}
		}
	}

	l.currency[identityKey] = available - msat
	newCurrency := l.currency[identityKey]
	var newToken uint64
	if token != nil {
		tokens := l.tokensFor(identityKey)
		tokens[token.ContractID] -= token.Amount
		newToken = tokens[token.ContractID]
	}
	l.stateLock.Unlock()

	if err := l.persistCurrency(identityKey, newCurrency); err != nil {
		l.revertReserve(identityKey, msat, token)
		return nil, err
	}
	if token != nil {
		if err := l.persistToken(identityKey, token.ContractID, newToken); err != nil {
			l.revertReserve(identityKey, msat, token)
			return nil, err
		}
	}
	l.Events.BalanceChanged.Trigger(identityKey)

	return &Reservation{identityKey: identityKey, msat: msat, token: token}, nil
}

// Release credits a reservation back after a failed or cancelled payment.
// Releasing a reservation that was already consumed, by a settlement or an
// earlier release, returns ErrReservationConsumed. A release that fails on
// the storage path leaves the reservation unconsumed so it can be retried.
func (l *Ledger) Release(_ context.Context, res *Reservation) error {
	res.mu.Lock()
	if res.consumed {
		res.mu.Unlock()
		return ErrReservationConsumed
	}
	res.consumed = true
	res.mu.Unlock()

	unlock := l.lockIdentity(res.identityKey)
	defer unlock()

	l.stateLock.Lock()
	l.currency[res.identityKey] += res.msat
	newCurrency := l.currency[res.identityKey]
	var newToken uint64
	if res.token != nil {
		tokens := l.tokensFor(res.identityKey)
		tokens[res.token.ContractID] += res.token.Amount
		newToken = tokens[res.token.ContractID]
	}
	l.stateLock.Unlock()

	if err := l.persistCurrency(res.identityKey, newCurrency); err != nil {
		l.revertRelease(res)
		return err
	}
	if res.token != nil {
		if err := l.persistToken(res.identityKey, res.token.ContractID, newToken); err != nil {
			l.revertRelease(res)
			return err
		}
	}
	l.Events.BalanceChanged.Trigger(res.identityKey)

	return nil
}

// ApplySettlement applies both legs of a settlement as one observable step.
// When the sender's debit was already taken as a reservation, the
// reservation is consumed and only the receiver is credited; otherwise the
// sender is debited here, clamped at zero as a last resort.
func (l *Ledger) ApplySettlement(_ context.Context, s *htlc.VirtualSettlement, res *Reservation) error {
	debitSender := true
	if res != nil {
		res.mu.Lock()
		if res.consumed {
			res.mu.Unlock()
			return ErrReservationConsumed
		}
		res.consumed = true
		res.mu.Unlock()
		debitSender = false
	}

	unlockAll := l.lockIdentities(s.FromID, s.ToID)
	defer unlockAll()

	// Holding stateLock across all four deltas means a reader can never
	// observe one leg applied without the other.
	l.stateLock.Lock()
	if debitSender {
		l.currency[s.FromID] = l.clampSub(s.FromID, "currency", l.currency[s.FromID], s.CurrencySettled)
	}
	l.currency[s.ToID] += s.CurrencySettled
	if s.TokenSettled != nil {
		if debitSender {
			fromTokens := l.tokensFor(s.FromID)
			fromTokens[s.TokenSettled.ContractID] = l.clampSub(s.FromID, s.TokenSettled.ContractID, fromTokens[s.TokenSettled.ContractID], s.TokenSettled.Amount)
		}
		l.tokensFor(s.ToID)[s.TokenSettled.ContractID] += s.TokenSettled.Amount
	}

	fromCurrency := l.currency[s.FromID]
	toCurrency := l.currency[s.ToID]
	l.stateLock.Unlock()

	if err := l.persistSettlement(s, fromCurrency, toCurrency, debitSender); err != nil {
		return err
	}

	l.LogInfof("applied virtual settlement: %d msat %s -> %s (token: %v)",
		s.CurrencySettled, s.FromID, s.ToID, s.TokenSettled != nil)
	l.Events.BalanceChanged.Trigger(s.FromID)
	l.Events.BalanceChanged.Trigger(s.ToID)

	return nil
}

// SyncTokenBalance reconciles the internal token balance of an identity with
// the contract engine's view, crediting any externally received units.
// Engine errors are surfaced, never swallowed.
func (l *Ledger) SyncTokenBalance(ctx context.Context, identityKey, contractID string) (uint64, error) {
	if l.tokens == nil {
		return l.TokenBalance(identityKey, contractID), nil
	}

	external, err := l.tokens.ContractBalance(ctx, contractID, identityKey)
	if err != nil {
		return 0, errors.Wrapf(err, "token engine balance query for contract %s", contractID)
	}

	internal := l.TokenBalance(identityKey, contractID)
	if external > internal {
		if err := l.CreditToken(ctx, identityKey, contractID, external-internal); err != nil {
			return 0, err
		}
		return external, nil
	}

	return internal, nil
}

func (l *Ledger) clampSub(identityKey, asset string, current, delta uint64) uint64 {
	if current < delta {
		l.LogWarnf("clamping %s balance of %s at zero: debit %d exceeds %d", asset, identityKey, delta, current)
		return 0
	}

	return current - delta
}

// lockIdentity returns the unlock func for the identity's mutation lock.
func (l *Ledger) lockIdentity(identityKey string) func() {
	l.locksMu.Lock()
	mu, ok := l.identityLocks[identityKey]
	if !ok {
		mu = &sync.Mutex{}
		l.identityLocks[identityKey] = mu
	}
	l.locksMu.Unlock()

	mu.Lock()

	return mu.Unlock
}

// lockIdentities locks several identity locks in deterministic order.
func (l *Ledger) lockIdentities(identityKeys ...string) func() {
	keys := append([]string(nil), identityKeys...)
	sort.Strings(keys)

	var unlocks []func()
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		unlocks = append(unlocks, l.lockIdentity(key))
	}

	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (l *Ledger) revertCurrency(identityKey string, balance uint64) {
	l.stateLock.Lock()
	l.currency[identityKey] = balance
	l.stateLock.Unlock()
}

func (l *Ledger) revertToken(identityKey, contractID string, balance uint64) {
	l.stateLock.Lock()
	if l.tokenBalances[identityKey] == nil {
		l.tokenBalances[identityKey] = make(map[string]uint64)
	}
	l.tokenBalances[identityKey][contractID] = balance
	l.stateLock.Unlock()
}

func (l *Ledger) revertReserve(identityKey string, msat uint64, token *htlc.TokenTransfer) {
	l.stateLock.Lock()
	l.currency[identityKey] += msat
	if token != nil {
		l.tokensFor(identityKey)[token.ContractID] += token.Amount
	}
	l.stateLock.Unlock()
}

func (l *Ledger) revertRelease(res *Reservation) {
	l.stateLock.Lock()
	l.currency[res.identityKey] -= res.msat
	if res.token != nil {
		l.tokensFor(res.identityKey)[res.token.ContractID] -= res.token.Amount
	}
	l.stateLock.Unlock()

	res.mu.Lock()
	res.consumed = false
	res.mu.Unlock()
}

// tokensFor returns the identity's token balance map, creating it on first
// use. Callers hold stateLock.
func (l *Ledger) tokensFor(identityKey string) map[string]uint64 {
	tokens := l.tokenBalances[identityKey]
	if tokens == nil {
		tokens = make(map[string]uint64)
		l.tokenBalances[identityKey] = tokens
	}

	return tokens
}

func (l *Ledger) persistSettlement(s *htlc.VirtualSettlement, fromCurrency, toCurrency uint64, debitSender bool) error {
	if debitSender {
		if err := l.persistCurrency(s.FromID, fromCurrency); err != nil {
			return err
		}
	}
	if err := l.persistCurrency(s.ToID, toCurrency); err != nil {
		return err
	}
	if s.TokenSettled != nil {
		l.stateLock.RLock()
		fromToken := l.tokenBalances[s.FromID][s.TokenSettled.ContractID]
		toToken := l.tokenBalances[s.ToID][s.TokenSettled.ContractID]
		l.stateLock.RUnlock()

		if debitSender {
			if err := l.persistToken(s.FromID, s.TokenSettled.ContractID, fromToken); err != nil {
				return err
			}
		}
		if err := l.persistToken(s.ToID, s.TokenSettled.ContractID, toToken); err != nil {
			return err
		}
	}

	return nil
}
