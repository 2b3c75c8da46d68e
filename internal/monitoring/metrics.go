// Package monitoring exposes settlement-layer prometheus metrics. The
// collector subscribes to the ledgers' events, so the core packages never
// talk to prometheus directly.
package monitoring

import (
	"github.com/iotaledger/hive.go/logger"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dueldanov/virtualnode/internal/balance"
	"github.com/dueldanov/virtualnode/internal/htlc"
	"github.com/dueldanov/virtualnode/internal/identity"
)

// MetricsCollector collects and exposes virtual node metrics.
type MetricsCollector struct {
	*logger.WrappedLogger

	identitiesCreated prometheus.Counter

	htlcsSettled       prometheus.Counter
	htlcsFailed        prometheus.Counter
	currencySettled    prometheus.Counter
	tokenSettled       *prometheus.CounterVec
	balanceUpdates     prometheus.Counter
	transfersBroadcast prometheus.Counter
	transferVolumeSat  prometheus.Counter
}

// NewMetricsCollector registers the virtual node metrics with the given
// registerer. Pass prometheus.DefaultRegisterer outside of tests.
func NewMetricsCollector(log *logger.Logger, reg prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(reg)

	return &MetricsCollector{
		WrappedLogger: logger.NewWrappedLogger(log),

		identitiesCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "virtualnode",
			Subsystem: "identities",
			Name:      "created_total",
			Help:      "Total number of virtual identities created",
		}),

		htlcsSettled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "virtualnode",
			Subsystem: "htlcs",
			Name:      "settled_total",
			Help:      "Total number of virtual HTLCs settled",
		}),

		htlcsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "virtualnode",
			Subsystem: "htlcs",
			Name:      "failed_total",
			Help:      "Total number of virtual HTLCs failed",
		}),

		currencySettled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "virtualnode",
			Subsystem: "settlements",
			Name:      "currency_msat_total",
			Help:      "Total currency volume settled in millisatoshi",
		}),

		tokenSettled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "virtualnode",
			Subsystem: "settlements",
			Name:      "token_units_total",
			Help:      "Total token units settled per contract",
		}, []string{"contract"}),

		balanceUpdates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "virtualnode",
			Subsystem: "balances",
			Name:      "updates_total",
			Help:      "Total number of balance mutations",
		}),

		transfersBroadcast: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "virtualnode",
			Subsystem: "transfers",
			Name:      "broadcast_total",
			Help:      "Total number of on-chain transfers broadcast",
		}),

		transferVolumeSat: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "virtualnode",
			Subsystem: "transfers",
			Name:      "volume_sat_total",
			Help:      "Total on-chain transfer volume in satoshi",
		}),
	}
}

// Attach hooks the collector into the ledgers' event streams. Nil sources
// are skipped so partial wiring stays possible in tests.
func (mc *MetricsCollector) Attach(directory *identity.Directory, htlcs *htlc.Ledger, balances *balance.Ledger) {
	if directory != nil {
		directory.Events.IdentityCreated.Hook(func(_ *identity.VirtualIdentity) {
			mc.identitiesCreated.Inc()
		})
	}

	if htlcs != nil {
		htlcs.Events.HtlcSettled.Hook(func(s *htlc.VirtualSettlement) {
			mc.htlcsSettled.Inc()
			mc.currencySettled.Add(float64(s.CurrencySettled))
			if s.TokenSettled != nil {
				mc.tokenSettled.WithLabelValues(s.TokenSettled.ContractID).Add(float64(s.TokenSettled.Amount))
			}
		})
		htlcs.Events.HtlcFailed.Hook(func(_ lntypes.Hash) {
			mc.htlcsFailed.Inc()
		})
	}

	if balances != nil {
		balances.Events.BalanceChanged.Hook(func(_ string) {
			mc.balanceUpdates.Inc()
		})
		balances.Events.TransferBroadcast.Hook(func(record *balance.TransferRecord) {
			mc.transfersBroadcast.Inc()
			if record.AmountSat > 0 {
				mc.transferVolumeSat.Add(float64(record.AmountSat))
			}
		})
	}
}
