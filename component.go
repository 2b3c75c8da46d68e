// Package virtualnode assembles the components of the virtual node layer.
// An embedding app mounts Components into its hive.go app and additionally
// provides adapters for its payment engine, token engine and chain wallet
// (see internal/interfaces).
package virtualnode

import (
	"github.com/iotaledger/hive.go/app"

	"github.com/dueldanov/virtualnode/components/database"
	"github.com/dueldanov/virtualnode/components/prometheus"
	virtualnodecomp "github.com/dueldanov/virtualnode/components/virtualnode"
)

// Components lists the app components of the virtual node layer in wiring
// order.
var Components = []*app.Component{
	database.Component,
	virtualnodecomp.Component,
	prometheus.Component,
}
