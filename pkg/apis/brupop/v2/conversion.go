package v2

import (
	v1 "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/apis/brupop/v1"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/constants"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// stateFromV1 maps a v1 state onto its v2 equivalent. The mapping is
// not invertible for StagedUpdate/PerformedUpdate, which both collapse
// onto StagedAndPerformedUpdate.
func stateFromV1(s v1.BottlerocketShadowState) BottlerocketShadowState {
	switch s {
	case v1.StateIdle:
		return StateIdle
	case v1.StateStagedUpdate, v1.StatePerformedUpdate:
		return StateStagedAndPerformedUpdate
	case v1.StateRebootedIntoUpdate:
		return StateRebootedIntoUpdate
	case v1.StateMonitoringUpdate:
		return StateMonitoringUpdate
	default:
		return StateIdle
	}
}

// SpecFromV1 converts a v1 spec into its v2 equivalent.
func SpecFromV1(in v1.BottlerocketShadowSpec) BottlerocketShadowSpec {
	return BottlerocketShadowSpec{
		State:                    stateFromV1(in.State),
		StateTransitionTimestamp: in.StateTransitionTimestamp,
		Version:                  in.Version,
	}
}

// StatusFromV1 converts a v1 status into its v2 equivalent, seeding
// crash_count at 0 and leaving state_transition_failure_timestamp unset
// since v1 carried neither field.
func StatusFromV1(in v1.BottlerocketShadowStatus) BottlerocketShadowStatus {
	return BottlerocketShadowStatus{
		CurrentVersion: in.CurrentVersion,
		TargetVersion:  in.TargetVersion,
		CurrentState:   stateFromV1(in.CurrentState),
		CrashCount:     0,
	}
}

// FromV1 converts a v1 BottlerocketShadow object into v2, preserving
// name, namespace, uid, and owner references exactly.
func FromV1(in *v1.BottlerocketShadow) *BottlerocketShadow {
	out := &BottlerocketShadow{
		TypeMeta: metav1.TypeMeta{
			Kind:       constants.ShadowKind,
			APIVersion: GroupVersion.String(),
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:            in.Name,
			Namespace:       in.Namespace,
			UID:             in.UID,
			OwnerReferences: in.OwnerReferences,
		},
		Spec: SpecFromV1(in.Spec),
	}
	if in.Status != nil {
		status := StatusFromV1(*in.Status)
		out.Status = &status
	}
	return out
}
