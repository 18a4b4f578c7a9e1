// Package v1 contains the v1 schema of the BottlerocketShadow custom
// resource. v1 predates the crash-count/error-reset additions carried
// by v2; it is kept so that the conversion webhook can serve clients
// still requesting the older schema.
package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// GroupVersion is the API group and version for v1 BottlerocketShadow
// resources.
var GroupVersion = schema.GroupVersion{Group: "brupop.bottlerocket.aws", Version: "v1"}

// BottlerocketShadowState is a host's position in the v1 update state
// machine.
// +k8s:openapi-gen=true
type BottlerocketShadowState string

const (
	// StateIdle is both the initial and terminal state.
	StateIdle BottlerocketShadowState = "Idle"
	// StateStagedUpdate means an update image has been staged but not
	// yet installed.
	StateStagedUpdate BottlerocketShadowState = "StagedUpdate"
	// StatePerformedUpdate means the staged image has been installed
	// and activated.
	StatePerformedUpdate BottlerocketShadowState = "PerformedUpdate"
	// StateRebootedIntoUpdate means the host has cordoned, drained,
	// uncordoned, and rebooted into the new image.
	StateRebootedIntoUpdate BottlerocketShadowState = "RebootedIntoUpdate"
	// StateMonitoringUpdate means the host is observing itself before
	// declaring the update complete.
	StateMonitoringUpdate BottlerocketShadowState = "MonitoringUpdate"
)

// BottlerocketShadowSpec is the controller-owned desired state of a host.
type BottlerocketShadowSpec struct {
	// State records the desired state of the BottlerocketShadow.
	State BottlerocketShadowState `json:"state"`
	// StateTransitionTimestamp is the RFC3339 time at which State was
	// most recently set.
	StateTransitionTimestamp *string `json:"state_transition_timestamp,omitempty"`
	// Version is the desired update version, if any.
	Version *string `json:"version,omitempty"`
}

// BottlerocketShadowStatus is the agent-owned observed state of a host.
type BottlerocketShadowStatus struct {
	CurrentVersion string                  `json:"current_version"`
	TargetVersion  string                  `json:"target_version"`
	CurrentState   BottlerocketShadowState `json:"current_state"`
}

// +genclient
// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// BottlerocketShadow is the v1 schema for the per-host update-state
// resource.
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=brs;brss,path=bottlerocketshadows
type BottlerocketShadow struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   BottlerocketShadowSpec    `json:"spec,omitempty"`
	Status *BottlerocketShadowStatus `json:"status,omitempty"`
}

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// BottlerocketShadowList is a list of v1 BottlerocketShadow resources.
type BottlerocketShadowList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []BottlerocketShadow `json:"items"`
}

// DeepCopyObject implements runtime.Object.
func (in *BottlerocketShadow) DeepCopyObject() runtime.Object {
	if in == nil {
		return nil
	}
	out := new(BottlerocketShadow)
	*out = *in
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
			in.Items[i].DeepCopyObject()
			copied := in.Items[i].DeepCopyObject().(*BottlerocketShadow)
			out.Items[i] = *copied
		}
	}
	return out
}
