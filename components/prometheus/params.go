package prometheus

import (
	"github.com/iotaledger/hive.go/app"
)

// ParametersPrometheus contains the definition of the parameters used by
// the prometheus exporter.
type ParametersPrometheus struct {
	// Enabled defines whether the prometheus exporter is enabled.
	Enabled bool `default:"true" usage:"whether the prometheus exporter is enabled"`
	// BindAddress is the bind address on which the exporter listens.
	BindAddress string `default:"127.0.0.1:9311" usage:"the bind address on which the prometheus exporter listens on"`
	// GoMetrics defines whether to include go runtime metrics.
	GoMetrics bool `default:"false" usage:"whether to include go runtime metrics"`
	// ProcessMetrics defines whether to include process metrics.
	ProcessMetrics bool `default:"false" usage:"whether to include process metrics"`
}

var ParamsPrometheus = &ParametersPrometheus{}

var params = &app.ComponentParams{
	Params: map[string]any{
		"prometheus": ParamsPrometheus,
	},
	Masked: []string{},
}
