// Package agent implements the per-host reconciler: it watches its own
// Node and Shadow, reports observed update state, and drives the local
// Bottlerocket Update API and the broker's cluster-side effects when
// the controller's desired state diverges from what's been observed.
package agent

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	v2 "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/apis/brupop/v2"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/apiclient"
	brupopclient "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/client"
)

// loopSleep is the outer loop's period, and also the delay before
// restarting the loop after any step fails.
const loopSleep = 5 * time.Second

// ShadowReader is the read side of the agent's Shadow reflector: a
// cache scoped to exactly this host's own Shadow object.
type ShadowReader interface {
	// Get returns this host's cached Shadow, or false if the cache has
	// not yet observed one.
	Get() (*v2.BottlerocketShadow, bool)
}

// NodeReader is the read side of the agent's Node reflector, scoped to
// exactly the Node this agent's pod is running on.
type NodeReader interface {
	Get() (*corev1.Node, bool)
}

// reflectorBackoff matches the reflector-wait retry table in
// SPEC_FULL.md §4.3.1: base 1s, factor 2, cap 10s, 5 steps, ±10% jitter.
func reflectorBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: time.Second,
		Factor:   2.0,
		Jitter:   0.1,
		Steps:    5,
		Cap:      10 * time.Second,
	}
}

// Agent is the per-host reconciler. One Agent instance runs per host,
// pinned there by MY_NODE_NAME.
type Agent struct {
	Shadows      brupopclient.ShadowClient
	Broker       *BrokerClient
	APIClient    *apiclient.Client
	ShadowReader ShadowReader
	NodeReader   NodeReader
	Selector     brupopclient.ShadowSelector

	// ExcludeFromLBWait is how long to wait after excluding this host
	// from load balancer target pools before draining it, giving
	// in-flight connections a chance to drain away on their own first.
	// Sourced from EXCLUDE_FROM_LB_WAIT_TIME_IN_SEC.
	ExcludeFromLBWait time.Duration

	// lastReportedStatus avoids redundant status writes (step 5 is a
	// no-op when nothing has changed since the last report).
	lastReportedStatus *v2.BottlerocketShadowStatus
}

// Run executes the outer loop until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := a.tick(ctx); err != nil {
			klog.ErrorS(err, "agent loop iteration failed, restarting", "node", a.Selector.NodeName)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(loopSleep):
		}
	}
}

func (a *Agent) tick(ctx context.Context) error {
	if err := a.ensureShadowExists(ctx); err != nil {
		return fmt.Errorf("ensuring shadow exists: %w", err)
	}

	if err := a.ensureShadowHasStatus(ctx); err != nil {
		return fmt.Errorf("ensuring shadow has status: %w", err)
	}

	shadow, err := a.fetchShadowWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("fetching shadow: %w", err)
	}
	if shadow.Status == nil {
		return fmt.Errorf("shadow %s unexpectedly missing status after initialization", shadow.Name)
	}

	if shadow.Spec.State != shadow.Status.CurrentState {
		klog.InfoS("detected drift between spec and status, taking action",
			"node", a.Selector.NodeName, "desired", shadow.Spec.State, "observed", shadow.Status.CurrentState)
		if err := a.dispatch(ctx, shadow); err != nil {
			return fmt.Errorf("dispatching action for state %s: %w", shadow.Spec.State, err)
		}
	}

	return a.reportStatus(ctx, shadow.Spec.State)
}

// ensureShadowExists implements outer-loop step 1: a direct-GET 404
// (not a reflector miss alone) is what triggers creation, since the
// reflector may simply not have caught up yet.
func (a *Agent) ensureShadowExists(ctx context.Context) error {
	if _, ok := a.ShadowReader.Get(); ok {
		return nil
	}

	_, err := a.Shadows.GetShadow(ctx, a.Selector)
	switch {
	case err == nil:
		return nil
	case brupopclient.IsNotFound(err), apierrors.IsNotFound(err):
		if _, err := a.Broker.CreateShadow(ctx); err != nil {
			return fmt.Errorf("creating shadow via broker: %w", err)
		}
		return nil
	default:
		return err
	}
}

// ensureShadowHasStatus implements outer-loop step 2.
func (a *Agent) ensureShadowHasStatus(ctx context.Context) error {
	shadow, err := a.Shadows.GetShadow(ctx, a.Selector)
	if err != nil {
		return err
	}
	if shadow.Status != nil {
		return nil
	}

	status, err := a.gatherSystemMetadata(ctx, v2.StateIdle)
	if err != nil {
		return err
	}
	if err := a.Broker.UpdateShadowStatus(ctx, *status); err != nil {
		return fmt.Errorf("initializing shadow status: %w", err)
	}
	a.lastReportedStatus = status
	return nil
}

// fetchShadowWithRetry implements outer-loop step 3: wait for the
// reflector to populate using exponential backoff, falling back to a
// direct read if the reflector never catches up.
func (a *Agent) fetchShadowWithRetry(ctx context.Context) (*v2.BottlerocketShadow, error) {
	var shadow *v2.BottlerocketShadow
	err := wait.ExponentialBackoffWithContext(ctx, reflectorBackoff(), func(context.Context) (bool, error) {
		if s, ok := a.ShadowReader.Get(); ok {
			shadow = s
			return true, nil
		}
		return false, nil
	})
	if err == nil {
		return shadow, nil
	}

	direct, getErr := a.Shadows.GetShadow(ctx, a.Selector)
	if getErr != nil {
		return nil, fmt.Errorf("reflector store never populated and direct fetch failed: %w", getErr)
	}
	return direct, nil
}

// dispatch implements the state-dispatch table in SPEC_FULL.md §4.3;
// every branch is idempotent under repeated invocation.
func (a *Agent) dispatch(ctx context.Context, shadow *v2.BottlerocketShadow) error {
	switch shadow.Spec.State {
	case v2.StateIdle:
		return nil

	case v2.StateStagedAndPerformedUpdate:
		if err := a.APIClient.Prepare(ctx); err != nil {
			return fmt.Errorf("preparing update: %w", err)
		}
		if err := a.Broker.ExcludeFromLB(ctx); err != nil {
			return fmt.Errorf("excluding from load balancer: %w", err)
		}
		if a.ExcludeFromLBWait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.ExcludeFromLBWait):
			}
		}
		if err := a.Broker.CordonAndDrain(ctx); err != nil {
			return fmt.Errorf("cordon and drain: %w", err)
		}
		if err := a.APIClient.Activate(ctx); err != nil {
			return fmt.Errorf("activating update: %w", err)
		}
		return nil

	case v2.StateRebootedIntoUpdate:
		runningDesired, err := a.runningDesiredVersion(ctx, shadow.Spec)
		if err != nil {
			return err
		}
		if runningDesired {
			// A previous iteration issued the reboot and was
			// interrupted mid-loop; the reboot already happened, so
			// there's nothing left to do but let step 5 report it.
			return nil
		}
		return a.APIClient.BootUpdate(ctx)

	case v2.StateMonitoringUpdate:
		if err := a.Broker.Uncordon(ctx); err != nil {
			return fmt.Errorf("uncordon: %w", err)
		}
		if err := a.Broker.RemoveExclusionFromLB(ctx); err != nil {
			return fmt.Errorf("removing load balancer exclusion: %w", err)
		}
		return nil

	case v2.StateErrorReset:
		// The controller is the sole producer of ErrorReset, forced
		// when a prior transition blew its deadline (SPEC_FULL.md
		// §9.1). There is no corrective action to take locally; the
		// agent simply acknowledges it by reporting current_state as
		// caught up, which lets progress() issue the on_success
		// transition back to Idle on the controller's next tick.
		return nil

	default:
		return fmt.Errorf("unrecognized desired state %q", shadow.Spec.State)
	}
}

func (a *Agent) runningDesiredVersion(ctx context.Context, spec v2.BottlerocketShadowSpec) (bool, error) {
	if spec.Version == nil {
		return false, nil
	}
	info, err := a.APIClient.GetOSInfo(ctx)
	if err != nil {
		return false, fmt.Errorf("checking running version: %w", err)
	}
	return info.VersionID == *spec.Version, nil
}

// reportStatus implements outer-loop step 5: only write when the
// observed status actually changed since the last report.
func (a *Agent) reportStatus(ctx context.Context, currentState v2.BottlerocketShadowState) error {
	status, err := a.gatherSystemMetadata(ctx, currentState)
	if err != nil {
		return fmt.Errorf("gathering system metadata: %w", err)
	}

	if a.lastReportedStatus != nil && *a.lastReportedStatus == *status {
		return nil
	}

	if err := a.Broker.UpdateShadowStatus(ctx, *status); err != nil {
		return fmt.Errorf("reporting status: %w", err)
	}
	a.lastReportedStatus = status
	return nil
}

func (a *Agent) gatherSystemMetadata(ctx context.Context, state v2.BottlerocketShadowState) (*v2.BottlerocketShadowStatus, error) {
	osInfo, err := a.APIClient.GetOSInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("gathering os info: %w", err)
	}
	targetVersion, err := a.APIClient.ChosenUpdateVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("gathering chosen update: %w", err)
	}

	return &v2.BottlerocketShadowStatus{
		CurrentVersion: osInfo.VersionID,
		TargetVersion:  targetVersion,
		CurrentState:   state,
	}, nil
}
