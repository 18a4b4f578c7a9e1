// Package webhook implements brupop's CRD conversion webhook: the
// "pinwheel" converter that turns a BottlerocketShadow object at one
// schema version into another, one hop at a time, until it reaches
// the caller's desired version.
package webhook

import (
	"encoding/json"
	"fmt"

	v1 "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/apis/brupop/v1"
	v2 "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/apis/brupop/v2"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/constants"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ConversionReview is the request envelope submitted to the conversion
// webhook: a batch of objects, all to be converted to DesiredAPIVersion.
type ConversionReview struct {
	UID               string            `json:"uid"`
	DesiredAPIVersion string            `json:"desiredAPIVersion"`
	Objects           []json.RawMessage `json:"objects"`
}

// ConversionStatus is the outcome of a ConversionReview.
type ConversionStatus string

const (
	// StatusSuccess indicates every object converted cleanly.
	StatusSuccess ConversionStatus = "Success"
	// StatusFailed indicates at least one object failed to convert;
	// in that case ConvertedObjects is omitted entirely.
	StatusFailed ConversionStatus = "Failed"
)

// ConversionResult carries the overall status and, on failure, a
// human-readable message.
type ConversionResult struct {
	Status  ConversionStatus `json:"status"`
	Message string           `json:"message,omitempty"`
}

// ConversionResponse is the response envelope returned by the
// conversion webhook.
type ConversionResponse struct {
	UID              string            `json:"uid"`
	Result           ConversionResult  `json:"result"`
	ConvertedObjects []json.RawMessage `json:"convertedObjects,omitempty"`
}

const (
	apiVersionV1 = "brupop.bottlerocket.aws/v1"
	apiVersionV2 = "brupop.bottlerocket.aws/v2"
)

// Convert runs the full pinwheel conversion over every object in the
// review, producing a single response. Any single object's conversion
// failure fails the whole review, matching the cluster's all-or-nothing
// CRD conversion contract.
func Convert(review ConversionReview) ConversionResponse {
	if review.DesiredAPIVersion != apiVersionV1 && review.DesiredAPIVersion != apiVersionV2 {
		return ConversionResponse{
			UID: review.UID,
			Result: ConversionResult{
				Status:  StatusFailed,
				Message: fmt.Sprintf("Desired version %s is not a valid BottlerocketShadow version", review.DesiredAPIVersion),
			},
		}
	}

	converted := make([]json.RawMessage, 0, len(review.Objects))
	for _, raw := range review.Objects {
		out, err := chainedConvert(raw, review.DesiredAPIVersion)
		if err != nil {
			return ConversionResponse{
				UID: review.UID,
				Result: ConversionResult{
					Status:  StatusFailed,
					Message: err.Error(),
				},
			}
		}
		converted = append(converted, out)
	}

	return ConversionResponse{
		UID:              review.UID,
		Result:           ConversionResult{Status: StatusSuccess},
		ConvertedObjects: converted,
	}
}

// chainedConvert repeatedly applies the single-hop converter until the
// object's apiVersion matches desiredVersion.
func chainedConvert(raw json.RawMessage, desiredVersion string) (json.RawMessage, error) {
	current := raw
	for {
		version, err := objectAPIVersion(current)
		if err != nil {
			return nil, err
		}
		if version == desiredVersion {
			return current, nil
		}
		current, err = pinwheelConvert(current)
		if err != nil {
			return nil, fmt.Errorf("failed to convert BottlerocketShadow object: %w", err)
		}
	}
}

func objectAPIVersion(raw json.RawMessage) (string, error) {
	var envelope struct {
		APIVersion string `json:"apiVersion"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", fmt.Errorf("unable to read apiVersion from object: %w", err)
	}
	return envelope.APIVersion, nil
}

// pinwheelConvert applies exactly one hop: v1->v2 or v2->v1.
func pinwheelConvert(raw json.RawMessage) (json.RawMessage, error) {
	version, err := objectAPIVersion(raw)
	if err != nil {
		return nil, err
	}

	switch version {
	case apiVersionV1:
		var obj v1.BottlerocketShadow
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("unable to parse v1 BottlerocketShadow: %w", err)
		}
		return json.Marshal(v2.FromV1(&obj))
	case apiVersionV2:
		var obj v2.BottlerocketShadow
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("unable to parse v2 BottlerocketShadow: %w", err)
		}
		return json.Marshal(ToV1(&obj))
	default:
		return nil, fmt.Errorf("Desired version %s is not a valid BottlerocketShadow version", version)
	}
}

// ToV1 converts a v2 BottlerocketShadow object into v1, preserving
// name, namespace, uid, and owner references exactly. crash_count and
// state_transition_failure_timestamp have no v1 home and are dropped.
// ErrorReset has no v1 equivalent and maps onto MonitoringUpdate, a
// one-way mapping: converting back to v2 will not recover ErrorReset.
func ToV1(in *v2.BottlerocketShadow) *v1.BottlerocketShadow {
	out := &v1.BottlerocketShadow{
		TypeMeta: metav1.TypeMeta{
			Kind:       constants.ShadowKind,
			APIVersion: apiVersionV1,
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:            in.Name,
			Namespace:       in.Namespace,
			UID:             in.UID,
			OwnerReferences: in.OwnerReferences,
		},
		Spec: v1.BottlerocketShadowSpec{
			State:                    stateToV1(in.Spec.State),
			StateTransitionTimestamp: in.Spec.StateTransitionTimestamp,
			Version:                  in.Spec.Version,
		},
	}

	if in.Status != nil {
		out.Status = &v1.BottlerocketShadowStatus{
			CurrentVersion: in.Status.CurrentVersion,
			TargetVersion:  in.Status.TargetVersion,
			CurrentState:   stateToV1(in.Status.CurrentState),
		}
	}
	return out
}

func stateToV1(s v2.BottlerocketShadowState) v1.BottlerocketShadowState {
	switch s {
	case v2.StateIdle:
		return v1.StateIdle
	case v2.StateStagedAndPerformedUpdate:
		return v1.StateStagedUpdate
	case v2.StateRebootedIntoUpdate:
		return v1.StateRebootedIntoUpdate
	case v2.StateMonitoringUpdate:
		return v1.StateMonitoringUpdate
	case v2.StateErrorReset:
		return v1.StateMonitoringUpdate
	default:
		return v1.StateIdle
	}
}
