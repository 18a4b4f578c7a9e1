package controller

import (
	"time"

	v2 "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/apis/brupop/v2"
)

// InActiveSet reports whether a shadow counts against the concurrency
// cap: it is either mid-transition, or has not yet caught up to the
// spec the controller last wrote.
func InActiveSet(shadow v2.BottlerocketShadow) bool {
	if shadow.Status == nil {
		return false
	}
	return shadow.Status.CurrentState != v2.StateIdle || !shadow.HasReachedDesiredState()
}

// ActiveSet filters shadows down to those counting against the
// concurrency cap.
func ActiveSet(shadows []v2.BottlerocketShadow) []v2.BottlerocketShadow {
	active := make([]v2.BottlerocketShadow, 0, len(shadows))
	for _, s := range shadows {
		if InActiveSet(s) {
			active = append(active, s)
		}
	}
	return active
}

// Progress computes the next desired spec for a shadow. It is a pure
// function of the shadow's current spec and status:
//
//   - no status yet: reset to the default spec.
//   - status hasn't caught up to spec yet: no change, the host is
//     still working towards the last spec the controller wrote.
//   - status matches spec: advance along the state machine, special-
//     casing Idle (which only advances when a new version is targeted)
//     and MonitoringUpdate (which always returns to Idle).
func Progress(shadow v2.BottlerocketShadow, now time.Time) v2.BottlerocketShadowSpec {
	if shadow.Status == nil {
		return v2.DefaultSpec()
	}
	if shadow.Status.CurrentState != shadow.Spec.State {
		return shadow.Spec
	}

	switch shadow.Spec.State {
	case v2.StateIdle:
		if shadow.Status.TargetVersion != shadow.Status.CurrentVersion {
			version := shadow.Status.TargetVersion
			return v2.NewSpec(v2.StateStagedAndPerformedUpdate, &version, now)
		}
		return v2.DefaultSpec()
	case v2.StateMonitoringUpdate:
		return v2.NewSpec(shadow.Spec.State.OnSuccess(), shadow.Spec.Version, now)
	default:
		return v2.NewSpec(shadow.Spec.State.OnSuccess(), shadow.Spec.Version, now)
	}
}

// ProgressWithDeadline layers state-transition deadline enforcement on
// top of Progress: when a shadow has spent longer than its current
// state's TimeoutTime working towards the spec it was last given, the
// controller gives up on that transition and forces the shadow into
// ErrorReset rather than continuing to wait. This resolves the
// transition-deadline open question by making the controller, not the
// agent, the authority on stuck transitions.
func ProgressWithDeadline(shadow v2.BottlerocketShadow, now time.Time) v2.BottlerocketShadowSpec {
	if deadlineExceeded(shadow, now) {
		version := shadow.Spec.Version
		return v2.NewSpec(v2.StateErrorReset, version, now)
	}
	return Progress(shadow, now)
}

func deadlineExceeded(shadow v2.BottlerocketShadow, now time.Time) bool {
	if shadow.Status == nil {
		return false
	}
	if shadow.Status.CurrentState == shadow.Spec.State {
		// The host has caught up; there is no outstanding transition
		// to time out.
		return false
	}
	if shadow.Status.CurrentState == v2.StateErrorReset {
		// Already parked in the recovery sink; let it run until the
		// agent reports it has caught back up.
		return false
	}
	// The deadline is keyed by the state the host was last confirmed
	// in, the budget it has to transition into shadow.Spec.State.
	timeout, ok := shadow.Status.CurrentState.TimeoutTime()
	if !ok || shadow.Spec.StateTransitionTimestamp == nil {
		return false
	}
	started, err := time.Parse(time.RFC3339, *shadow.Spec.StateTransitionTimestamp)
	if err != nil {
		return false
	}
	return now.Sub(started) > timeout
}
