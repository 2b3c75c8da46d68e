package balance

import (
	"context"
	"sync"
	"testing"

	"github.com/iotaledger/hive.go/kvstore"
	"github.com/iotaledger/hive.go/kvstore/mapdb"
	"github.com/iotaledger/hive.go/logger"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dueldanov/virtualnode/internal/htlc"
	"github.com/dueldanov/virtualnode/internal/mock"
	"github.com/dueldanov/virtualnode/pkg/common"
)

func newTestLedger(t *testing.T) (*Ledger, *mapdb.MapDB) {
	t.Helper()

	store := mapdb.NewMapDB()
	ledger, err := NewLedger(logger.NewNopLogger(), store, nil, nil, 25)
	require.NoError(t, err)

	return ledger, store
}

func testSettlement(fromID, toID string, msat uint64, token *htlc.TokenTransfer) *htlc.VirtualSettlement {
	var preimage lntypes.Preimage
	preimage[0] = 0x42

	return &htlc.VirtualSettlement{
		PaymentHash:     preimage.Hash(),
		Preimage:        preimage,
		CurrencySettled: msat,
		TokenSettled:    token,
		FromID:          fromID,
		ToID:            toID,
	}
}

func TestLedger_SettlementMovesBothLegs(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Credit(ctx, "alice", 200_000))
	require.NoError(t, ledger.CreditToken(ctx, "alice", "rgb:x", 80))

	token := &htlc.TokenTransfer{ContractID: "rgb:x", Amount: 50}
	require.NoError(t, ledger.ApplySettlement(ctx, testSettlement("alice", "bob", 100_000, token), nil))

	assert.Equal(t, uint64(100_000), ledger.Balance("alice"))
	assert.Equal(t, uint64(100_000), ledger.Balance("bob"))
	assert.Equal(t, uint64(30), ledger.TokenBalance("alice", "rgb:x"))
	assert.Equal(t, uint64(50), ledger.TokenBalance("bob", "rgb:x"))
}

func TestLedger_CheckAndReserveDebitsImmediately(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Credit(ctx, "alice", 100_000))

	res, err := ledger.CheckAndReserve(ctx, "alice", 60_000, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(40_000), ledger.Balance("alice"))

	// A second reservation sees the post-debit balance.
	_, err = ledger.CheckAndReserve(ctx, "alice", 60_000, nil)
	var insufficient *InsufficientCurrencyError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, uint64(60_000), insufficient.Required)
	assert.Equal(t, uint64(40_000), insufficient.Available)

	require.NoError(t, ledger.Release(ctx, res))
	assert.Equal(t, uint64(100_000), ledger.Balance("alice"))
}

func TestLedger_CheckAndReserveTokenLeg(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Credit(ctx, "alice", 100_000))
	require.NoError(t, ledger.CreditToken(ctx, "alice", "rgb:x", 40))

	token := &htlc.TokenTransfer{ContractID: "rgb:x", Amount: 50}
	_, err := ledger.CheckAndReserve(ctx, "alice", 10_000, token)
	var insufficient *InsufficientTokenError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "rgb:x", insufficient.ContractID)
	assert.Equal(t, uint64(50), insufficient.Required)
	assert.Equal(t, uint64(40), insufficient.Available)

	// Insufficiency mutates nothing, currency leg included.
	assert.Equal(t, uint64(100_000), ledger.Balance("alice"))
	assert.Equal(t, uint64(40), ledger.TokenBalance("alice", "rgb:x"))
}

func TestLedger_ReservationSettlementCreditsReceiverOnly(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Credit(ctx, "alice", 100_000))

	res, err := ledger.CheckAndReserve(ctx, "alice", 100_000, nil)
	require.NoError(t, err)
	require.NoError(t, ledger.ApplySettlement(ctx, testSettlement("alice", "bob", 100_000, nil), res))

	assert.Equal(t, uint64(0), ledger.Balance("alice"))
	assert.Equal(t, uint64(100_000), ledger.Balance("bob"))

	// The consumed reservation can no longer be released.
	assert.ErrorIs(t, ledger.Release(ctx, res), ErrReservationConsumed)
	assert.Equal(t, uint64(0), ledger.Balance("alice"))
}

func TestLedger_ConcurrentReservationsNeverOverdraw(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Credit(ctx, "alice", 100_000))

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	var granted uint64
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.CheckAndReserve(ctx, "alice", 10_000, nil); err == nil {
				mu.Lock()
				granted += 10_000
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(100_000), granted)
	assert.Equal(t, uint64(0), ledger.Balance("alice"))
}

func TestLedger_BalanceFloorUnderConcurrentDrain(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Credit(ctx, "alice", 50_000))

	// Unreserved settlements exceeding the balance hit the clamp; the
	// balance must never go negative (it is unsigned, so the observable
	// property is that total credits to bob match what alice actually had
	// plus the clamped overshoot never underflows).
	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ledger.ApplySettlement(ctx, testSettlement("alice", "bob", 10_000, nil), nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(0), ledger.Balance("alice"))
	assert.LessOrEqual(t, ledger.Balance("alice"), uint64(50_000))
}

func TestLedger_MirrorSurvivesRestart(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Credit(ctx, "alice", 123_000))
	require.NoError(t, ledger.CreditToken(ctx, "alice", "rgb:x", 7))
	require.NoError(t, ledger.RegisterAddress("alice", "bcrt1qalice"))

	reopened, err := NewLedger(logger.NewNopLogger(), store, nil, nil, 25)
	require.NoError(t, err)

	assert.Equal(t, uint64(123_000), reopened.Balance("alice"))
	assert.Equal(t, uint64(7), reopened.TokenBalance("alice", "rgb:x"))
	assert.Equal(t, []string{"bcrt1qalice"}, reopened.Addresses("alice"))
}

func TestLedger_SyncTokenBalanceCreditsExternalFunds(t *testing.T) {
	store := mapdb.NewMapDB()
	tokens := mock.NewTokenEngine()
	ledger, err := NewLedger(logger.NewNopLogger(), store, nil, tokens, 25)
	require.NoError(t, err)
	ctx := context.Background()

	tokens.SetBalance("rgb:x", "alice", 90)

	synced, err := ledger.SyncTokenBalance(ctx, "alice", "rgb:x")
	require.NoError(t, err)
	assert.Equal(t, uint64(90), synced)
	assert.Equal(t, uint64(90), ledger.TokenBalance("alice", "rgb:x"))

	// Engine errors surface instead of being swallowed.
	tokens.QueryErr = assert.AnError
	_, err = ledger.SyncTokenBalance(ctx, "alice", "rgb:x")
	assert.Error(t, err)
}

func TestLedger_CheckSufficiencySnapshot(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Credit(ctx, "alice", 50_000))
	require.NoError(t, ledger.CreditToken(ctx, "alice", "rgb:x", 10))

	assert.NoError(t, ledger.CheckSufficiency("alice", 50_000, nil))
	assert.NoError(t, ledger.CheckSufficiency("alice", 1000, &htlc.TokenTransfer{ContractID: "rgb:x", Amount: 10}))

	err := ledger.CheckSufficiency("alice", 50_001, nil)
	require.ErrorIs(t, err, ErrInsufficientCurrency)
	var currencyErr *InsufficientCurrencyError
	require.ErrorAs(t, err, &currencyErr)
	assert.Equal(t, uint64(50_000), currencyErr.Available)

	err = ledger.CheckSufficiency("alice", 0, &htlc.TokenTransfer{ContractID: "rgb:x", Amount: 11})
	require.ErrorIs(t, err, ErrInsufficientToken)

	// The snapshot mutates nothing.
	assert.Equal(t, uint64(50_000), ledger.Balance("alice"))
}

// faultyStore fails Set once its budget runs out. A negative budget never
// fails.
type faultyStore struct {
	kvstore.KVStore
	setsUntilFailure int
}

func (s *faultyStore) Set(key kvstore.Key, value kvstore.Value) error {
	if s.setsUntilFailure == 0 {
		return errors.New("write failed")
	}
	if s.setsUntilFailure > 0 {
		s.setsUntilFailure--
	}

	return s.KVStore.Set(key, value)
}

func TestLedger_ReserveZeroTokenLegFreshIdentity(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	// alice has currency but no token balance row at all yet.
	require.NoError(t, ledger.Credit(ctx, "alice", 10_000))

	res, err := ledger.CheckAndReserve(ctx, "alice", 1000, &htlc.TokenTransfer{ContractID: "rgb:x", Amount: 0})
	require.NoError(t, err)
	assert.Equal(t, uint64(9000), ledger.Balance("alice"))
	assert.Equal(t, uint64(0), ledger.TokenBalance("alice", "rgb:x"))

	require.NoError(t, ledger.Release(ctx, res))
	assert.Equal(t, uint64(10_000), ledger.Balance("alice"))
}

func TestLedger_ReserveRevertsOnPersistFailure(t *testing.T) {
	store := &faultyStore{KVStore: mapdb.NewMapDB(), setsUntilFailure: -1}
	ledger, err := NewLedger(logger.NewNopLogger(), store, nil, nil, 25)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, ledger.Credit(ctx, "alice", 10_000))

	// The currency write goes through, the token write fails; the revert
	// must restore both legs even though alice never held this token.
	store.setsUntilFailure = 1
	_, err = ledger.CheckAndReserve(ctx, "alice", 1000, &htlc.TokenTransfer{ContractID: "rgb:x", Amount: 0})
	require.ErrorIs(t, err, common.ErrStorageFailure)

	assert.Equal(t, uint64(10_000), ledger.Balance("alice"))
	assert.Equal(t, uint64(0), ledger.TokenBalance("alice", "rgb:x"))
}

func TestLedger_ReleaseRetriesAfterStorageFailure(t *testing.T) {
	store := &faultyStore{KVStore: mapdb.NewMapDB(), setsUntilFailure: -1}
	ledger, err := NewLedger(logger.NewNopLogger(), store, nil, nil, 25)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, ledger.Credit(ctx, "alice", 10_000))
	res, err := ledger.CheckAndReserve(ctx, "alice", 4000, nil)
	require.NoError(t, err)

	store.setsUntilFailure = 0
	require.ErrorIs(t, ledger.Release(ctx, res), common.ErrStorageFailure)

	// The failed release left nothing credited and the reservation live.
	assert.Equal(t, uint64(6000), ledger.Balance("alice"))

	store.setsUntilFailure = -1
	require.NoError(t, ledger.Release(ctx, res))
	assert.Equal(t, uint64(10_000), ledger.Balance("alice"))

	require.ErrorIs(t, ledger.Release(ctx, res), ErrReservationConsumed)
}
