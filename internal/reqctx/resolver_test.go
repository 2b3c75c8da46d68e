package reqctx

import (
	"context"
	"net/http"
	"testing"

	"github.com/iotaledger/hive.go/kvstore/mapdb"
	"github.com/iotaledger/hive.go/logger"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dueldanov/virtualnode/internal/balance"
	"github.com/dueldanov/virtualnode/internal/htlc"
	"github.com/dueldanov/virtualnode/internal/identity"
	"github.com/dueldanov/virtualnode/internal/keys"
	"github.com/dueldanov/virtualnode/internal/mock"
	"github.com/dueldanov/virtualnode/internal/ownership"
)

func newTestResolver(t *testing.T) (*Resolver, *identity.Directory, *ownership.Registry, *htlc.Ledger, *balance.Ledger) {
	t.Helper()

	deriver, err := keys.NewDeriver(make([]byte, 32), "")
	require.NoError(t, err)
	directory := identity.NewDirectory(logger.NewNopLogger(), keys.NewLocalProvider(deriver), mapdb.NewMapDB())

	registry, err := ownership.NewRegistry(logger.NewNopLogger(), mapdb.NewMapDB())
	require.NoError(t, err)
	htlcs := htlc.NewLedger(logger.NewNopLogger(), registry)

	balances, err := balance.NewLedger(logger.NewNopLogger(), mapdb.NewMapDB(), mock.NewChainWallet(), mock.NewTokenEngine(), 25)
	require.NoError(t, err)

	return NewResolver(directory, registry, htlcs, balances), directory, registry, htlcs, balances
}

func TestResolver_BodyFieldWins(t *testing.T) {
	resolver, _, _, _, _ := newTestResolver(t)

	header := http.Header{}
	header.Set(HeaderTenantID, "header-tenant")

	tc, err := resolver.Resolve(context.Background(), []byte(`{"user_id":"body-tenant","amount":5}`), header)
	require.NoError(t, err)
	assert.Equal(t, "body-tenant", tc.TenantID)
}

func TestResolver_HeaderFallback(t *testing.T) {
	resolver, _, _, _, _ := newTestResolver(t)

	header := http.Header{}
	header.Set(HeaderTenantID, "header-tenant")

	tc, err := resolver.Resolve(context.Background(), []byte(`{"amount":5}`), header)
	require.NoError(t, err)
	assert.Equal(t, "header-tenant", tc.TenantID)

	// Malformed bodies fall through to the header too.
	tc, err = resolver.Resolve(context.Background(), []byte(`{not json`), header)
	require.NoError(t, err)
	assert.Equal(t, "header-tenant", tc.TenantID)
}

func TestResolver_MissingTenantRejected(t *testing.T) {
	resolver, _, _, _, _ := newTestResolver(t)

	_, err := resolver.Resolve(context.Background(), []byte(`{"amount":5}`), http.Header{})
	require.ErrorIs(t, err, ErrMissingTenant)

	_, err = resolver.Resolve(context.Background(), nil, http.Header{})
	require.ErrorIs(t, err, ErrMissingTenant)
}

func TestTenantContext_ViewsAreTenantBound(t *testing.T) {
	resolver, directory, registry, htlcs, balances := newTestResolver(t)
	ctx := context.Background()

	alice, err := resolver.Resolve(ctx, []byte(`{"user_id":"alice"}`), http.Header{})
	require.NoError(t, err)
	mallory, err := resolver.Resolve(ctx, []byte(`{"user_id":"mallory"}`), http.Header{})
	require.NoError(t, err)

	require.NoError(t, registry.RegisterChannel("chan-1", alice.Identity.Key(), "alice"))
	require.NoError(t, balances.Credit(ctx, alice.Identity.Key(), 77_000))

	bob, err := directory.GetOrCreate(ctx, "bob")
	require.NoError(t, err)
	var hash lntypes.Hash
	hash[0] = 1
	require.NoError(t, htlcs.Create(ctx, hash, alice.Identity, bob, 1000, nil))

	assert.Equal(t, []string{"chan-1"}, alice.OwnedChannels())
	assert.True(t, alice.OwnsChannel("chan-1"))
	assert.Len(t, alice.PendingHtlcs(), 1)
	currency, _ := alice.Balances("")
	assert.Equal(t, uint64(77_000), currency)

	// Mallory's context sees none of it.
	assert.Empty(t, mallory.OwnedChannels())
	assert.False(t, mallory.OwnsChannel("chan-1"))
	assert.Empty(t, mallory.PendingHtlcs())
	currency, _ = mallory.Balances("")
	assert.Equal(t, uint64(0), currency)
}

func TestResolver_SameTenantResolvesSameIdentity(t *testing.T) {
	resolver, _, _, _, _ := newTestResolver(t)
	ctx := context.Background()

	first, err := resolver.Resolve(ctx, []byte(`{"user_id":"alice"}`), http.Header{})
	require.NoError(t, err)
	second, err := resolver.Resolve(ctx, nil, http.Header{HeaderTenantID: []string{"alice"}})
	require.NoError(t, err)

	assert.Equal(t, first.Identity.Key(), second.Identity.Key())
}
