package database

import (
	"context"

	"go.uber.org/dig"

	"github.com/iotaledger/hive.go/app"
	"github.com/iotaledger/hive.go/kvstore"
	"github.com/iotaledger/hive.go/kvstore/mapdb"

	"github.com/dueldanov/virtualnode/pkg/daemon"
)

func init() {
	Component = &app.Component{
		Name:     "Database",
		DepsFunc: func(cDeps dependencies) { deps = cDeps },
		Provide:  provide,
		Run:      run,
	}
}

var (
	Component *app.Component
	deps      dependencies
)

type dependencies struct {
	dig.In

	Store kvstore.KVStore
}

func provide(c *dig.Container) error {
	// The ledgers treat the store as a mirror of their in-memory state, so
	// an in-memory backend is sufficient for a single process lifetime.
	// Swapping in a persistent engine only needs a different provider here.
	return c.Provide(func() kvstore.KVStore {
		return mapdb.NewMapDB()
	})
}

func run() error {
	return Component.Daemon().BackgroundWorker("Database", func(ctx context.Context) {
		<-ctx.Done()

		Component.LogInfo("Flushing database ...")
		if err := deps.Store.Flush(); err != nil {
			Component.LogWarnf("flushing database failed: %s", err)
		}
		Component.LogInfo("Flushing database ... done")
	}, daemon.PriorityCloseDatabase)
}
