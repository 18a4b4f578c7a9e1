package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v2 "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/apis/brupop/v2"
	brupopclient "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/client"
)

func TestConcurrencyCapFromEnv(t *testing.T) {
	budget, err := ConcurrencyCapFromEnv("")
	require.NoError(t, err)
	assert.True(t, budget.Allows(1000))

	budget, err = ConcurrencyCapFromEnv("unlimited")
	require.NoError(t, err)
	assert.True(t, budget.Allows(1000))

	budget, err = ConcurrencyCapFromEnv("2")
	require.NoError(t, err)
	assert.True(t, budget.Allows(1))
	assert.False(t, budget.Allows(2))

	_, err = ConcurrencyCapFromEnv("0")
	assert.Error(t, err)

	_, err = ConcurrencyCapFromEnv("not-a-number")
	assert.Error(t, err)
}

func TestTickPromotesExactlyOneIdleShadowWhenActiveSetEmpty(t *testing.T) {
	fake := brupopclient.NewFakeShadowClient()
	fake.Seed(&v2.BottlerocketShadow{
		ObjectMeta: metav1.ObjectMeta{Name: "brs-a"},
		Spec:       v2.DefaultSpec(),
		Status: &v2.BottlerocketShadowStatus{
			CurrentState:   v2.StateIdle,
			CurrentVersion: "1.8.0",
			TargetVersion:  "1.9.0",
		},
	})

	scheduler, err := NewScheduler("* * * * * *")
	require.NoError(t, err)

	r := &Reconciler{Shadows: fake, Scheduler: scheduler, Cap: Unlimited(), Now: time.Now}
	require.NoError(t, r.tick(context.Background()))

	shadow, err := fake.GetShadow(context.Background(), brupopclient.ShadowSelector{NodeName: "a"})
	require.NoError(t, err)
	assert.Equal(t, v2.StateStagedAndPerformedUpdate, shadow.Spec.State)
}

func TestTickAdvancesActiveShadowsWithoutPromotingNewOnes(t *testing.T) {
	fake := brupopclient.NewFakeShadowClient()
	version := "1.9.0"
	fake.Seed(&v2.BottlerocketShadow{
		ObjectMeta: metav1.ObjectMeta{Name: "brs-active"},
		Spec:       v2.BottlerocketShadowSpec{State: v2.StateMonitoringUpdate, Version: &version},
		Status: &v2.BottlerocketShadowStatus{
			CurrentState:   v2.StateMonitoringUpdate,
			CurrentVersion: version,
			TargetVersion:  version,
		},
	})
	fake.Seed(&v2.BottlerocketShadow{
		ObjectMeta: metav1.ObjectMeta{Name: "brs-idle-pending"},
		Spec:       v2.DefaultSpec(),
		Status: &v2.BottlerocketShadowStatus{
			CurrentState:   v2.StateIdle,
			CurrentVersion: "1.8.0",
			TargetVersion:  "1.9.0",
		},
	})

	scheduler, err := NewScheduler("* * * * * *")
	require.NoError(t, err)
	r := &Reconciler{Shadows: fake, Scheduler: scheduler, Cap: Unlimited(), Now: time.Now}
	require.NoError(t, r.tick(context.Background()))

	active, err := fake.GetShadow(context.Background(), brupopclient.ShadowSelector{NodeName: "active"})
	require.NoError(t, err)
	assert.Equal(t, v2.StateIdle, active.Spec.State)

	idlePending, err := fake.GetShadow(context.Background(), brupopclient.ShadowSelector{NodeName: "idle-pending"})
	require.NoError(t, err)
	assert.Equal(t, v2.StateIdle, idlePending.Spec.State, "no new promotion while the active set is non-empty")
}

func TestTickSkipsPromotionOutsideMaintenanceWindow(t *testing.T) {
	fake := brupopclient.NewFakeShadowClient()
	fake.Seed(&v2.BottlerocketShadow{
		ObjectMeta: metav1.ObjectMeta{Name: "brs-a"},
		Spec:       v2.DefaultSpec(),
		Status: &v2.BottlerocketShadowStatus{
			CurrentState:   v2.StateIdle,
			CurrentVersion: "1.8.0",
			TargetVersion:  "1.9.0",
		},
	})

	scheduler, err := NewScheduler("* * 10 * * *")
	require.NoError(t, err)
	noon := time.Date(2026, 7, 30, 23, 0, 0, 0, time.UTC)
	r := &Reconciler{Shadows: fake, Scheduler: scheduler, Cap: Unlimited(), Now: func() time.Time { return noon }}
	require.NoError(t, r.tick(context.Background()))

	shadow, err := fake.GetShadow(context.Background(), brupopclient.ShadowSelector{NodeName: "a"})
	require.NoError(t, err)
	assert.Equal(t, v2.StateIdle, shadow.Spec.State, "outside the maintenance window, no promotion happens")
}
