package virtualnode

import (
	"time"

	"github.com/iotaledger/hive.go/app"
)

// ParametersVirtualNode contains the definition of the parameters used by
// the virtual node layer.
type ParametersVirtualNode struct {
	// Enabled defines whether the virtual node component is enabled.
	Enabled bool `default:"true" usage:"whether the virtual node component is enabled"`

	Keys struct {
		// MasterSecretHex is the hex-encoded master secret all tenant keys
		// descend from. It never leaves the key service.
		MasterSecretHex string `default:"" usage:"hex-encoded master secret for tenant key derivation"`
		// Version selects the root-key namespace. Bumping it rotates every
		// derived key.
		Version string `default:"v1" usage:"root key version, bump to rotate all derived keys"`
		// Backend selects the provider backend (local, remote, hardware).
		Backend string `default:"local" usage:"key provider backend (local, remote, hardware)"`
		// RemoteEndpoint is the endpoint of the remote signer backend.
		RemoteEndpoint string `default:"" usage:"endpoint of the remote key provider backend"`
	}

	Sweep struct {
		// Interval is how often the HTLC expiry sweep runs.
		Interval time.Duration `default:"30s" usage:"interval of the HTLC expiry sweep"`
		// Deadline is the maximum age of a pending HTLC before the sweep fails it.
		Deadline time.Duration `default:"10m" usage:"maximum age of a pending HTLC before it is failed"`
	}

	Transfer struct {
		// FeeRateSatVb is the fee rate used for custodial on-chain transfers.
		FeeRateSatVb uint64 `default:"25" usage:"fee rate in sat/vB for custodial on-chain transfers"`
	}

	Activity struct {
		// Enabled defines whether the operation activity log is written.
		Enabled bool `default:"true" usage:"whether the operation activity log is written"`
	}
}

var ParamsVirtualNode = &ParametersVirtualNode{}

var params = &app.ComponentParams{
	Params: map[string]any{
		"virtualNode": ParamsVirtualNode,
	},
	Masked: []string{"virtualNode.keys.masterSecretHex"},
}
