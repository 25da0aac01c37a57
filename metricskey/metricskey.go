package metricskey

import "github.com/effective-security/metrics"

// Perf
var (
	// PerfCryptoOperation is perf metric
	PerfCryptoOperation = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_crypto",
		Help:         "perf_crypto provides the sample metrics of crypto operations",
		RequiredTags: []string{"provider", "action"},
	}

	// PerfSession is perf metric
	PerfSession = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_session",
		Help:         "perf_session provides the sample metrics of token session operations",
		RequiredTags: []string{"provider", "action"},
	}
)

// Metrics returns slice of metrics from this repo
var Metrics = []*metrics.Describe{
	&PerfCryptoOperation,
	&PerfSession,
}
