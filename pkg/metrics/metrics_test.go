package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v2 "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/apis/brupop/v2"
	brupopclient "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/client"
)

func shadowWithStatus(name string, status v2.BottlerocketShadowStatus) *v2.BottlerocketShadow {
	shadow := &v2.BottlerocketShadow{Spec: v2.DefaultSpec(), Status: &status}
	shadow.Name = name
	return shadow
}

func TestShadowCollectorCountsHostsByStateAndVersion(t *testing.T) {
	shadows := brupopclient.NewFakeShadowClient()
	shadows.Seed(shadowWithStatus("brs-a", v2.BottlerocketShadowStatus{
		CurrentState: v2.StateIdle, CurrentVersion: "1.8.0", TargetVersion: "1.8.0",
	}))
	shadows.Seed(shadowWithStatus("brs-b", v2.BottlerocketShadowStatus{
		CurrentState: v2.StateStagedAndPerformedUpdate, CurrentVersion: "1.8.0", TargetVersion: "1.9.0",
	}))
	shadows.Seed(shadowWithStatus("brs-c", v2.BottlerocketShadowStatus{
		CurrentState: v2.StateIdle, CurrentVersion: "1.9.0", TargetVersion: "1.9.0",
	}))

	collector := NewShadowCollector(shadows)

	expected := `
		# HELP brupop_hosts_state Count of hosts in each BottlerocketShadow update state
		# TYPE brupop_hosts_state gauge
		brupop_hosts_state{state="Idle"} 2
		brupop_hosts_state{state="StagedAndPerformedUpdate"} 1
		# HELP brupop_hosts_version Count of hosts currently running each Bottlerocket version
		# TYPE brupop_hosts_version gauge
		brupop_hosts_version{version="1.8.0"} 2
		brupop_hosts_version{version="1.9.0"} 1
		# HELP brupop_hosts_target_version Count of hosts currently targeting each Bottlerocket version
		# TYPE brupop_hosts_target_version gauge
		brupop_hosts_target_version{version="1.8.0"} 1
		brupop_hosts_target_version{version="1.9.0"} 2
	`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"brupop_hosts_state", "brupop_hosts_version", "brupop_hosts_target_version"))
}

func TestShadowCollectorSkipsShadowsWithoutStatus(t *testing.T) {
	shadows := brupopclient.NewFakeShadowClient()
	shadows.Seed(&v2.BottlerocketShadow{Spec: v2.DefaultSpec()})

	collector := NewShadowCollector(shadows)

	assert.Equal(t, 0, testutil.CollectAndCount(collector, "brupop_hosts_state"))
}

func TestShadowCollectorSetsUpGaugeOnSuccess(t *testing.T) {
	shadows := brupopclient.NewFakeShadowClient()
	collector := NewShadowCollector(shadows)

	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(""), "brupop_hosts_state"))
	assert.Equal(t, float64(1), testutil.ToFloat64(ShadowCollectorUp.With(map[string]string{"kind": "brupop_hosts_state"})))
}
