package router

import (
	"context"
	"testing"
	"time"

	"github.com/iotaledger/hive.go/kvstore/mapdb"
	"github.com/iotaledger/hive.go/logger"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dueldanov/virtualnode/internal/balance"
	"github.com/dueldanov/virtualnode/internal/htlc"
	"github.com/dueldanov/virtualnode/internal/identity"
	"github.com/dueldanov/virtualnode/internal/keys"
	"github.com/dueldanov/virtualnode/internal/mock"
	"github.com/dueldanov/virtualnode/internal/ownership"
)

type testRig struct {
	router   *Router
	htlcs    *htlc.Ledger
	balances *balance.Ledger
	engine   *mock.PaymentEngine
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()

	registry, err := ownership.NewRegistry(logger.NewNopLogger(), mapdb.NewMapDB())
	require.NoError(t, err)
	htlcs := htlc.NewLedger(logger.NewNopLogger(), registry)

	balances, err := balance.NewLedger(logger.NewNopLogger(), mapdb.NewMapDB(), mock.NewChainWallet(), mock.NewTokenEngine(), 25)
	require.NoError(t, err)

	engine := mock.NewPaymentEngine()

	return &testRig{
		router:   NewRouter(logger.NewNopLogger(), htlcs, balances, engine, nil, cfg),
		htlcs:    htlcs,
		balances: balances,
		engine:   engine,
	}
}

func testIdentity(t *testing.T, tenantID string) *identity.VirtualIdentity {
	t.Helper()

	deriver, err := keys.NewDeriver(make([]byte, 32), "")
	require.NoError(t, err)
	pub, err := deriver.DeriveIdentity(tenantID)
	require.NoError(t, err)

	return &identity.VirtualIdentity{TenantID: tenantID, PublicKey: pub}
}

func testPayment(fill byte) (lntypes.Preimage, lntypes.Hash) {
	var preimage lntypes.Preimage
	for i := range preimage {
		preimage[i] = fill
	}

	return preimage, preimage.Hash()
}

func TestRouter_SendPaymentSettles(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	ctx := context.Background()
	alice, bob := testIdentity(t, "alice"), testIdentity(t, "bob")
	preimage, hash := testPayment(1)

	require.NoError(t, rig.balances.Credit(ctx, alice.Key(), 500_000))
	rig.engine.SignalSettled(hash, preimage)

	result, err := rig.router.SendPayment(ctx, alice, bob, 100_000, nil, hash)
	require.NoError(t, err)
	assert.Equal(t, preimage, result.Preimage)
	assert.Equal(t, uint64(100_000), result.Settlement.CurrencySettled)

	assert.Equal(t, uint64(400_000), rig.balances.Balance(alice.Key()))
	assert.Equal(t, uint64(100_000), rig.balances.Balance(bob.Key()))

	entry, ok := rig.htlcs.Get(hash)
	require.True(t, ok)
	assert.Equal(t, htlc.StatusSettled, entry.Status)
	assert.Equal(t, []lntypes.Hash{hash}, rig.engine.Dispatched())
}

func TestRouter_InsufficientBalanceCreatesNoHtlc(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	ctx := context.Background()
	alice, bob := testIdentity(t, "alice"), testIdentity(t, "bob")
	_, hash := testPayment(2)

	_, err := rig.router.SendPayment(ctx, alice, bob, 100_000, nil, hash)
	require.ErrorIs(t, err, balance.ErrInsufficientCurrency)

	_, ok := rig.htlcs.Get(hash)
	assert.False(t, ok)
	assert.Empty(t, rig.engine.Dispatched())
}

func TestRouter_EngineFailureReleasesReservation(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	ctx := context.Background()
	alice, bob := testIdentity(t, "alice"), testIdentity(t, "bob")
	_, hash := testPayment(3)

	require.NoError(t, rig.balances.Credit(ctx, alice.Key(), 100_000))
	rig.engine.SignalFailed(hash, errors.New("no route"))

	_, err := rig.router.SendPayment(ctx, alice, bob, 100_000, nil, hash)
	require.ErrorIs(t, err, ErrPaymentFailed)

	// The reservation was released; the full balance is usable again.
	assert.Equal(t, uint64(100_000), rig.balances.Balance(alice.Key()))
	assert.Equal(t, uint64(0), rig.balances.Balance(bob.Key()))

	entry, ok := rig.htlcs.Get(hash)
	require.True(t, ok)
	assert.Equal(t, htlc.StatusFailed, entry.Status)
}

func TestRouter_DispatchFailureAbandonsHtlc(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	ctx := context.Background()
	alice, bob := testIdentity(t, "alice"), testIdentity(t, "bob")
	_, hash := testPayment(4)

	require.NoError(t, rig.balances.Credit(ctx, alice.Key(), 100_000))
	rig.engine.DispatchErr = errors.New("engine offline")

	_, err := rig.router.SendPayment(ctx, alice, bob, 100_000, nil, hash)
	require.ErrorIs(t, err, ErrPaymentFailed)
	assert.Equal(t, uint64(100_000), rig.balances.Balance(alice.Key()))
}

func TestRouter_ContextCancellationFailsPayment(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	alice, bob := testIdentity(t, "alice"), testIdentity(t, "bob")
	_, hash := testPayment(5)

	require.NoError(t, rig.balances.Credit(context.Background(), alice.Key(), 100_000))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := rig.router.SendPayment(ctx, alice, bob, 100_000, nil, hash)
	require.ErrorIs(t, err, ErrPaymentTimeout)

	assert.Equal(t, uint64(100_000), rig.balances.Balance(alice.Key()))
	entry, ok := rig.htlcs.Get(hash)
	require.True(t, ok)
	assert.Equal(t, htlc.StatusFailed, entry.Status)
}

func TestRouter_TokenLegSettles(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	ctx := context.Background()
	alice, bob := testIdentity(t, "alice"), testIdentity(t, "bob")
	preimage, hash := testPayment(6)

	require.NoError(t, rig.balances.Credit(ctx, alice.Key(), 50_000))
	require.NoError(t, rig.balances.CreditToken(ctx, alice.Key(), "rgb:usdt", 200))
	rig.engine.SignalSettled(hash, preimage)

	token := &htlc.TokenTransfer{ContractID: "rgb:usdt", Amount: 75}
	result, err := rig.router.SendPayment(ctx, alice, bob, 10_000, token, hash)
	require.NoError(t, err)
	require.NotNil(t, result.Settlement.TokenSettled)

	assert.Equal(t, uint64(125), rig.balances.TokenBalance(alice.Key(), "rgb:usdt"))
	assert.Equal(t, uint64(75), rig.balances.TokenBalance(bob.Key(), "rgb:usdt"))
}

func TestRouter_CreateInvoiceRegistersWithEngine(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	ctx := context.Background()
	bob := testIdentity(t, "bob")

	invoice, err := rig.router.CreateInvoice(ctx, bob, 42_000, nil, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, bob.Key(), invoice.Payee)
	assert.Equal(t, "bob", invoice.TenantID)
	assert.Equal(t, uint64(42_000), invoice.CurrencyMsat)
	assert.False(t, invoice.Expired())

	// Two invoices never share a preimage, so hashes differ.
	other, err := rig.router.CreateInvoice(ctx, bob, 42_000, nil, time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, invoice.PaymentHash, other.PaymentHash)
}

func TestRouter_PayInvoiceEndToEnd(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	ctx := context.Background()
	alice, bob := testIdentity(t, "alice"), testIdentity(t, "bob")

	require.NoError(t, rig.balances.Credit(ctx, alice.Key(), 500_000))

	invoice, err := rig.router.CreateInvoice(ctx, bob, 80_000, nil, time.Hour)
	require.NoError(t, err)

	// The engine holds the registered preimage and settles on dispatch.
	rig.engine.AutoSettle = true

	result, err := rig.router.PayInvoice(ctx, alice, bob, invoice, 0)
	require.NoError(t, err)
	assert.Equal(t, invoice.PaymentHash, result.PaymentHash)
	assert.True(t, result.Preimage.Matches(invoice.PaymentHash))

	assert.Equal(t, uint64(420_000), rig.balances.Balance(alice.Key()))
	assert.Equal(t, uint64(80_000), rig.balances.Balance(bob.Key()))
}

func TestRouter_PayInvoiceExpired(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	alice, bob := testIdentity(t, "alice"), testIdentity(t, "bob")

	invoice := &VirtualInvoice{
		PaymentHash: lntypes.Hash{7},
		Payee:       bob.Key(),
		ExpiresAt:   time.Now().Add(-time.Minute),
	}

	_, err := rig.router.PayInvoice(context.Background(), alice, bob, invoice, 1000)
	require.ErrorIs(t, err, ErrInvoiceExpired)
}

func TestRouter_SweepFailsStaleHtlcs(t *testing.T) {
	rig := newTestRig(t, Config{SweepInterval: 10 * time.Millisecond, SweepDeadline: 20 * time.Millisecond})
	ctx := context.Background()
	alice, bob := testIdentity(t, "alice"), testIdentity(t, "bob")
	_, hash := testPayment(8)

	require.NoError(t, rig.balances.Credit(ctx, alice.Key(), 100_000))

	res, err := rig.balances.CheckAndReserve(ctx, alice.Key(), 100_000, nil)
	require.NoError(t, err)
	require.NoError(t, rig.htlcs.Create(ctx, hash, alice, bob, 100_000, nil))
	rig.router.trackReservation(hash, res)

	rig.router.Start()
	defer rig.router.Stop()

	require.Eventually(t, func() bool {
		entry, ok := rig.htlcs.Get(hash)
		return ok && entry.Status == htlc.StatusFailed
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return rig.balances.Balance(alice.Key()) == 100_000
	}, time.Second, 5*time.Millisecond)
}

func TestRouter_DuplicateSettleReportsNotFound(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	ctx := context.Background()
	alice, bob := testIdentity(t, "alice"), testIdentity(t, "bob")
	preimage, hash := testPayment(9)

	require.NoError(t, rig.balances.Credit(ctx, alice.Key(), 100_000))
	rig.engine.SignalSettled(hash, preimage)

	_, err := rig.router.SendPayment(ctx, alice, bob, 100_000, nil, hash)
	require.NoError(t, err)

	// The entry is terminal now; a second settle cannot double-credit.
	_, err = rig.router.Settle(ctx, hash, preimage)
	require.ErrorIs(t, err, htlc.ErrHtlcNotFound)
	assert.Equal(t, uint64(100_000), rig.balances.Balance(bob.Key()))
}
