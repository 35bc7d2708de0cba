// Package metrics defines the collectors the smart server reports to and the
// HTTP endpoint that exposes them.
//
// Collection is optional. Until InitRegistry runs, constructors in the
// prometheus subpackage hand out the noop implementations of this package.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Namespace prefixes every metric the server exports.
const Namespace = "dittovcs"

var (
	registry     *prometheus.Registry
	registryOnce sync.Once

	buildInfo *prometheus.GaugeVec
)

// InitRegistry creates the process registry holding the Go runtime and
// process collectors and the build info gauge. Later calls are ignored.
func InitRegistry() {
	registryOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: Namespace}),
		)

		buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "build_info",
			Help:      "Version of the running server and the smart protocol it speaks; always 1",
		}, []string{"version", "commit", "protocol"})
		reg.MustRegister(buildInfo)

		registry = reg
	})
}

// SetBuildInfo publishes the running version. It does nothing while
// collection is disabled.
func SetBuildInfo(version, commit, protocol string) {
	if !IsEnabled() {
		return
	}
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, commit, protocol).Set(1)
}

// GetRegistry returns the process registry, or nil when collection is
// disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has run.
func IsEnabled() bool {
	return GetRegistry() != nil
}
