package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	brupopclient "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/client"
)

var (
	// HostsStateDesc counts hosts currently observed in each update state.
	HostsStateDesc = prometheus.NewDesc("brupop_hosts_state", "Count of hosts in each BottlerocketShadow update state", []string{"state"}, nil)
	// HostsVersionDesc counts hosts currently running each Bottlerocket version.
	HostsVersionDesc = prometheus.NewDesc("brupop_hosts_version", "Count of hosts currently running each Bottlerocket version", []string{"version"}, nil)
	// HostsTargetVersionDesc counts hosts targeting each Bottlerocket version.
	HostsTargetVersionDesc = prometheus.NewDesc("brupop_hosts_target_version", "Count of hosts currently targeting each Bottlerocket version", []string{"version"}, nil)

	// ShadowCollectorUp reports whether the last collection of shadow
	// metrics succeeded.
	ShadowCollectorUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "brupop_shadow_collector_up",
		Help: "Whether BottlerocketShadow metrics were collected and reported successfully on the last scrape",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(ShadowCollectorUp)
}

// ShadowCollector implements prometheus.Collector over the fleet's
// BottlerocketShadow objects, reporting the distribution of hosts
// across update states and versions.
type ShadowCollector struct {
	shadows brupopclient.ShadowClient
	timeout time.Duration
}

// NewShadowCollector builds a ShadowCollector backed by the given
// ShadowClient.
func NewShadowCollector(shadows brupopclient.ShadowClient) *ShadowCollector {
	return &ShadowCollector{shadows: shadows, timeout: 10 * time.Second}
}

// Describe implements the prometheus.Collector interface.
func (sc *ShadowCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- HostsStateDesc
	ch <- HostsVersionDesc
	ch <- HostsTargetVersionDesc
}

// Collect implements the prometheus.Collector interface.
func (sc *ShadowCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), sc.timeout)
	defer cancel()

	shadows, err := sc.shadows.ListShadows(ctx)
	if err != nil {
		klog.ErrorS(err, "failed to list shadows for metrics collection")
		ShadowCollectorUp.With(prometheus.Labels{"kind": "brupop_hosts_state"}).Set(0)
		return
	}
	ShadowCollectorUp.With(prometheus.Labels{"kind": "brupop_hosts_state"}).Set(1)

	stateCounts := map[string]int{}
	versionCounts := map[string]int{}
	targetVersionCounts := map[string]int{}

	for _, shadow := range shadows {
		if shadow.Status == nil {
			continue
		}
		stateCounts[string(shadow.Status.CurrentState)]++
		if shadow.Status.CurrentVersion != "" {
			versionCounts[shadow.Status.CurrentVersion]++
		}
		if shadow.Status.TargetVersion != "" {
			targetVersionCounts[shadow.Status.TargetVersion]++
		}
	}

	for state, count := range stateCounts {
		ch <- prometheus.MustNewConstMetric(HostsStateDesc, prometheus.GaugeValue, float64(count), state)
	}
	for version, count := range versionCounts {
		ch <- prometheus.MustNewConstMetric(HostsVersionDesc, prometheus.GaugeValue, float64(count), version)
	}
	for version, count := range targetVersionCounts {
		ch <- prometheus.MustNewConstMetric(HostsTargetVersionDesc, prometheus.GaugeValue, float64(count), version)
	}
}
