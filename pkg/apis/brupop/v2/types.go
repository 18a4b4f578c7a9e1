// Package v2 contains the current schema of the BottlerocketShadow
// custom resource: the per-host object mediating desired (spec) and
// observed (status) update state between the controller and the agent.
package v2

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// GroupVersion is the API group and version for v2 BottlerocketShadow
// resources.
var GroupVersion = schema.GroupVersion{Group: "brupop.bottlerocket.aws", Version: "v2"}

// BottlerocketShadowState represents a host's position in the update
// state machine.
// +k8s:openapi-gen=true
type BottlerocketShadowState string

const (
	// StateIdle is both the initial, terminal, and recovery state.
	// Hosts in this state wait for a new target version to appear.
	StateIdle BottlerocketShadowState = "Idle"
	// StateStagedAndPerformedUpdate means the host has staged, installed,
	// and activated a new update image on its alternate partition.
	StateStagedAndPerformedUpdate BottlerocketShadowState = "StagedAndPerformedUpdate"
	// StateRebootedIntoUpdate means the host has cordoned, drained,
	// uncordoned, and rebooted into the new image.
	StateRebootedIntoUpdate BottlerocketShadowState = "RebootedIntoUpdate"
	// StateMonitoringUpdate means the host is observing itself before
	// declaring the update complete.
	StateMonitoringUpdate BottlerocketShadowState = "MonitoringUpdate"
	// StateErrorReset is a recovery sink entered when a host has
	// repeatedly failed to make progress through the state machine.
	StateErrorReset BottlerocketShadowState = "ErrorReset"
)

// transitionDeadlines bounds the time a host may spend transitioning
// *into* the next state, keyed by the state it is currently in.
var transitionDeadlines = map[BottlerocketShadowState]time.Duration{
	StateIdle:                     120 * time.Second,
	StateStagedAndPerformedUpdate: 720 * time.Second,
	StateRebootedIntoUpdate:       600 * time.Second,
	StateMonitoringUpdate:         300 * time.Second,
	// ErrorReset has no deadline; a shadow only leaves it once the
	// agent reports current_state has caught up with it.
}

// OnSuccess returns the next state in the state machine once the
// current state has been reached successfully.
func (s BottlerocketShadowState) OnSuccess() BottlerocketShadowState {
	switch s {
	case StateIdle:
		return StateStagedAndPerformedUpdate
	case StateStagedAndPerformedUpdate:
		return StateRebootedIntoUpdate
	case StateRebootedIntoUpdate:
		return StateMonitoringUpdate
	case StateMonitoringUpdate:
		return StateIdle
	case StateErrorReset:
		return StateIdle
	default:
		return StateIdle
	}
}

// TimeoutTime returns the total time a host may spend transitioning
// away from this state before the controller forces it into
// ErrorReset. The boolean is false when the state has no deadline.
func (s BottlerocketShadowState) TimeoutTime() (time.Duration, bool) {
	d, ok := transitionDeadlines[s]
	return d, ok
}

// BottlerocketShadowSpec is the controller-owned desired state of a host.
type BottlerocketShadowSpec struct {
	// State records the desired state of the BottlerocketShadow.
	State BottlerocketShadowState `json:"state"`
	// StateTransitionTimestamp is the RFC3339 time at which State was
	// most recently set. Used both for deadline enforcement and to
	// timestamp the spec a host is driving towards.
	StateTransitionTimestamp *string `json:"state_transition_timestamp,omitempty"`
	// Version is the desired update version, if any. Must match the
	// semver pattern enforced by the CRD schema.
	Version *string `json:"version,omitempty"`
}

// NewSpec builds a spec, stamping the transition timestamp as now.
func NewSpec(state BottlerocketShadowState, version *string, now time.Time) BottlerocketShadowSpec {
	ts := now.UTC().Format(time.RFC3339)
	return BottlerocketShadowSpec{
		State:                    state,
		StateTransitionTimestamp: &ts,
		Version:                  version,
	}
}

// DefaultSpec is the spec assigned to a host with no status yet, or
// which has no outstanding work: Idle, no target version.
func DefaultSpec() BottlerocketShadowSpec {
	return BottlerocketShadowSpec{State: StateIdle}
}

// Equal reports whether two specs describe the same desired state,
// ignoring the transition timestamp (which is a side-effect of when
// the spec was written, not part of its semantic content for the
// purposes of invariant checks and "did this change" comparisons used
// by the controller and its tests).
func (s BottlerocketShadowSpec) Equal(other BottlerocketShadowSpec) bool {
	if s.State != other.State {
		return false
	}
	switch {
	case s.Version == nil && other.Version == nil:
		return true
	case s.Version == nil || other.Version == nil:
		return false
	default:
		return *s.Version == *other.Version
	}
}

// BottlerocketShadowStatus is the agent-owned observed state of a host.
type BottlerocketShadowStatus struct {
	CurrentVersion                  string                  `json:"current_version"`
	TargetVersion                   string                  `json:"target_version"`
	CurrentState                    BottlerocketShadowState `json:"current_state"`
	CrashCount                      uint32                  `json:"crash_count"`
	StateTransitionFailureTimestamp *string                 `json:"state_transition_failure_timestamp,omitempty"`
}

// +genclient
// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// BottlerocketShadow is the Schema for the per-host update-state resource.
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=brs;brss,path=bottlerocketshadows
// +kubebuilder:printcolumn:name="State",type=string,JSONPath=".status.current_state"
// +kubebuilder:printcolumn:name="Version",type=string,JSONPath=".status.current_version"
// +kubebuilder:printcolumn:name="Target State",type=string,JSONPath=".spec.state"
// +kubebuilder:printcolumn:name="Target Version",type=string,JSONPath=".spec.version"
// +kubebuilder:printcolumn:name="Crash Count",type=string,JSONPath=".status.crash_count"
type BottlerocketShadow struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   BottlerocketShadowSpec    `json:"spec,omitempty"`
	Status *BottlerocketShadowStatus `json:"status,omitempty"`
}

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// BottlerocketShadowList is a list of v2 BottlerocketShadow resources.
type BottlerocketShadowList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []BottlerocketShadow `json:"items"`
}

// HasReachedDesiredState reports whether the host has observed the
// state the controller most recently requested.
func (b *BottlerocketShadow) HasReachedDesiredState() bool {
	return b.Status != nil && b.Status.CurrentState == b.Spec.State
}

// HasCrashed reports whether the host is parked in the ErrorReset
// recovery state.
func (b *BottlerocketShadow) HasCrashed() bool {
	return b.Status != nil && b.Status.CurrentState == StateErrorReset
}

// CompareCrashCount orders two shadows by status.crash_count for
// controller promotion-selection purposes. A shadow with no status
// yet sorts after one that has a status, regardless of crash count
// (an uninitialized host has the lowest update priority).
func (b *BottlerocketShadow) CompareCrashCount(other *BottlerocketShadow) int {
	switch {
	case b.Status == nil && other.Status == nil:
		return 0
	case b.Status != nil && other.Status == nil:
		return -1
	case b.Status == nil && other.Status != nil:
		return 1
	default:
		switch {
		case b.Status.CrashCount < other.Status.CrashCount:
			return -1
		case b.Status.CrashCount > other.Status.CrashCount:
			return 1
		default:
			return 0
		}
	}
}

// DeepCopyObject implements runtime.Object.
func (in *BottlerocketShadow) DeepCopyObject() runtime.Object {
	if in == nil {
		return nil
	}
	out := new(BottlerocketShadow)
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	out.Spec = in.Spec
	if in.Spec.StateTransitionTimestamp != nil {
		ts := *in.Spec.StateTransitionTimestamp
		out.Spec.StateTransitionTimestamp = &ts
	}
	if in.Spec.Version != nil {
		v := *in.Spec.Version
		out.Spec.Version = &v
	}
	if in.Status != nil {
		status := *in.Status
		if in.Status.StateTransitionFailureTimestamp != nil {
			ts := *in.Status.StateTransitionFailureTimestamp
			status.StateTransitionFailureTimestamp = &ts
		}
		out.Status = &status
	}
	return out
}

// DeepCopyObject implements runtime.Object.
func (in *BottlerocketShadowList) DeepCopyObject() runtime.Object {
	if in == nil {
		return nil
	}
	out := new(BottlerocketShadowList)
	out.TypeMeta = in.TypeMeta
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		out.Items = make([]BottlerocketShadow, len(in.Items))
		for i := range in.Items {
			copied := in.Items[i].DeepCopyObject().(*BottlerocketShadow)
			out.Items[i] = *copied
		}
	}
	return out
}
