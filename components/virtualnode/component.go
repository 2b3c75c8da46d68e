package virtualnode

import (
	"context"
	"encoding/hex"

	"go.uber.org/dig"

	"github.com/iotaledger/hive.go/app"
	"github.com/iotaledger/hive.go/kvstore"
	"github.com/pkg/errors"

	"github.com/dueldanov/virtualnode/internal/balance"
	"github.com/dueldanov/virtualnode/internal/htlc"
	"github.com/dueldanov/virtualnode/internal/identity"
	"github.com/dueldanov/virtualnode/internal/interfaces"
	"github.com/dueldanov/virtualnode/internal/keys"
	"github.com/dueldanov/virtualnode/internal/logging"
	"github.com/dueldanov/virtualnode/internal/ownership"
	"github.com/dueldanov/virtualnode/internal/reqctx"
	"github.com/dueldanov/virtualnode/internal/router"
	"github.com/dueldanov/virtualnode/pkg/daemon"
)

func init() {
	Component = &app.Component{
		Name:     "VirtualNode",
		DepsFunc: func(cDeps dependencies) { deps = cDeps },
		Params:   params,
		IsEnabled: func(_ *dig.Container) bool {
			return ParamsVirtualNode.Enabled
		},
		Provide: provide,
		Run:     run,
	}
}

var (
	Component *app.Component
	deps      dependencies
)

type dependencies struct {
	dig.In

	Router    *router.Router
	Directory *identity.Directory
	Resolver  *reqctx.Resolver
}

// provide wires the virtual node layer. The payment engine, token engine and
// chain wallet are the embedding app's concern; it supplies adapters for its
// concrete node into the container.
func provide(c *dig.Container) error {
	if err := c.Provide(func() (keys.Provider, error) {
		masterSecret, err := hex.DecodeString(ParamsVirtualNode.Keys.MasterSecretHex)
		if err != nil {
			return nil, errors.Wrap(err, "invalid master secret")
		}

		return keys.NewProvider(keys.ProviderConfig{
			Backend:        keys.Backend(ParamsVirtualNode.Keys.Backend),
			MasterSecret:   masterSecret,
			Version:        ParamsVirtualNode.Keys.Version,
			RemoteEndpoint: ParamsVirtualNode.Keys.RemoteEndpoint,
		})
	}); err != nil {
		return err
	}

	if err := c.Provide(func(provider keys.Provider, store kvstore.KVStore) *identity.Directory {
		return identity.NewDirectory(Component.App().NewLogger("Identity"), provider, store)
	}); err != nil {
		return err
	}

	if err := c.Provide(func(store kvstore.KVStore) (*ownership.Registry, error) {
		return ownership.NewRegistry(Component.App().NewLogger("Ownership"), store)
	}); err != nil {
		return err
	}

	if err := c.Provide(func(registry *ownership.Registry) *htlc.Ledger {
		return htlc.NewLedger(Component.App().NewLogger("HTLC"), registry)
	}); err != nil {
		return err
	}

	if err := c.Provide(func(store kvstore.KVStore, wallet interfaces.ChainWallet, tokens interfaces.TokenEngine) (*balance.Ledger, error) {
		return balance.NewLedger(Component.App().NewLogger("Balance"), store, wallet, tokens, ParamsVirtualNode.Transfer.FeeRateSatVb)
	}); err != nil {
		return err
	}

	if err := c.Provide(func() *logging.ActivityLog {
		if !ParamsVirtualNode.Activity.Enabled {
			return nil
		}

		return logging.NewActivityLog()
	}); err != nil {
		return err
	}

	if err := c.Provide(func(htlcs *htlc.Ledger, balances *balance.Ledger, engine interfaces.PaymentEngine, activity *logging.ActivityLog) *router.Router {
		return router.NewRouter(Component.App().NewLogger("Router"), htlcs, balances, engine, activity, router.Config{
			SweepInterval: ParamsVirtualNode.Sweep.Interval,
			SweepDeadline: ParamsVirtualNode.Sweep.Deadline,
		})
	}); err != nil {
		return err
	}

	return c.Provide(func(directory *identity.Directory, registry *ownership.Registry, htlcs *htlc.Ledger, balances *balance.Ledger) *reqctx.Resolver {
		return reqctx.NewResolver(directory, registry, htlcs, balances)
	})
}

func run() error {
	return Component.Daemon().BackgroundWorker("VirtualNode-Sweep", func(ctx context.Context) {
		Component.LogInfo("Starting HTLC expiry sweep ...")
		deps.Router.Start()

		<-ctx.Done()

		Component.LogInfo("Stopping HTLC expiry sweep ...")
		deps.Router.Stop()
		Component.LogInfo("Stopping HTLC expiry sweep ... done")
	}, daemon.PriorityHtlcSweep)
}
