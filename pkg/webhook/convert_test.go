package webhook

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertUpgradeV1ToV2(t *testing.T) {
	v1Obj := []byte(`{
		"apiVersion": "brupop.bottlerocket.aws/v1",
		"kind": "BottlerocketShadow",
		"metadata": {
			"name": "brs-ip-192-168-22-145.us-west-2.compute.internal",
			"namespace": "brupop-bottlerocket-aws",
			"uid": "3153df27-6619-4b6b-bc75-adbf92ef7266",
			"ownerReferences": [
				{
					"apiVersion": "v1",
					"kind": "Node",
					"name": "ip-192-168-22-145.us-west-2.compute.internal",
					"uid": "6b714046-3b20-4a79-aaa9-27cf626a2c12"
				}
			]
		},
		"spec": { "state": "Idle" },
		"status": {
			"current_state": "Idle",
			"target_version": "1.8.0",
			"current_version": "1.8.0"
		}
	}`)

	review := ConversionReview{
		UID:               "test-uid",
		DesiredAPIVersion: apiVersionV2,
		Objects:           []json.RawMessage{v1Obj},
	}

	resp := Convert(review)
	require.Equal(t, StatusSuccess, resp.Result.Status)
	require.Len(t, resp.ConvertedObjects, 1)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.ConvertedObjects[0], &got))

	assert.Equal(t, "brupop.bottlerocket.aws/v2", got["apiVersion"])
	meta := got["metadata"].(map[string]interface{})
	assert.Equal(t, "brs-ip-192-168-22-145.us-west-2.compute.internal", meta["name"])
	assert.Equal(t, "3153df27-6619-4b6b-bc75-adbf92ef7266", meta["uid"])
	owners := meta["ownerReferences"].([]interface{})
	require.Len(t, owners, 1)

	status := got["status"].(map[string]interface{})
	assert.Equal(t, float64(0), status["crash_count"])
	assert.Nil(t, status["state_transition_failure_timestamp"])
	assert.Equal(t, "Idle", status["current_state"])
}

func TestConvertDowngradeV2ToV1(t *testing.T) {
	v2Obj := []byte(`{
		"apiVersion": "brupop.bottlerocket.aws/v2",
		"kind": "BottlerocketShadow",
		"metadata": { "name": "brs-host-a", "namespace": "brupop-bottlerocket-aws" },
		"spec": { "state": "ErrorReset" },
		"status": {
			"current_state": "ErrorReset",
			"target_version": "1.9.0",
			"current_version": "1.8.0",
			"crash_count": 3
		}
	}`)

	review := ConversionReview{
		UID:               "test-uid-2",
		DesiredAPIVersion: apiVersionV1,
		Objects:           []json.RawMessage{v2Obj},
	}

	resp := Convert(review)
	require.Equal(t, StatusSuccess, resp.Result.Status)
	require.Len(t, resp.ConvertedObjects, 1)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.ConvertedObjects[0], &got))

	assert.Equal(t, "brupop.bottlerocket.aws/v1", got["apiVersion"])
	status := got["status"].(map[string]interface{})
	// ErrorReset has no v1 equivalent; it maps onto MonitoringUpdate.
	assert.Equal(t, "MonitoringUpdate", status["current_state"])
}

func TestConvertRoundTripErrorResetIsOneWay(t *testing.T) {
	v2Obj := []byte(`{
		"apiVersion": "brupop.bottlerocket.aws/v2",
		"kind": "BottlerocketShadow",
		"metadata": { "name": "brs-host-a", "namespace": "brupop-bottlerocket-aws" },
		"spec": { "state": "ErrorReset" },
		"status": {
			"current_state": "ErrorReset",
			"target_version": "1.9.0",
			"current_version": "1.8.0",
			"crash_count": 3
		}
	}`)

	toV1 := Convert(ConversionReview{UID: "u", DesiredAPIVersion: apiVersionV1, Objects: []json.RawMessage{v2Obj}})
	require.Equal(t, StatusSuccess, toV1.Result.Status)

	backToV2 := Convert(ConversionReview{UID: "u", DesiredAPIVersion: apiVersionV2, Objects: toV1.ConvertedObjects})
	require.Equal(t, StatusSuccess, backToV2.Result.Status)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(backToV2.ConvertedObjects[0], &got))
	status := got["status"].(map[string]interface{})
	assert.Equal(t, "MonitoringUpdate", status["current_state"])
}

func TestConvertRoundTripStableStates(t *testing.T) {
	for _, state := range []string{"Idle", "RebootedIntoUpdate", "MonitoringUpdate"} {
		v1Obj, _ := json.Marshal(map[string]interface{}{
			"apiVersion": apiVersionV1,
			"kind":       "BottlerocketShadow",
			"metadata":   map[string]interface{}{"name": "brs-host-a", "namespace": "brupop-bottlerocket-aws"},
			"spec":       map[string]interface{}{"state": state},
		})

		toV2 := Convert(ConversionReview{UID: "u", DesiredAPIVersion: apiVersionV2, Objects: []json.RawMessage{v1Obj}})
		require.Equal(t, StatusSuccess, toV2.Result.Status)

		backToV1 := Convert(ConversionReview{UID: "u", DesiredAPIVersion: apiVersionV1, Objects: toV2.ConvertedObjects})
		require.Equal(t, StatusSuccess, backToV1.Result.Status)

		var got map[string]interface{}
		require.NoError(t, json.Unmarshal(backToV1.ConvertedObjects[0], &got))
		spec := got["spec"].(map[string]interface{})
		assert.Equal(t, state, spec["state"], "state %q should round-trip v1->v2->v1", state)
	}
}

func TestConvertInvalidDesiredVersionFails(t *testing.T) {
	v1Obj := []byte(`{"apiVersion":"brupop.bottlerocket.aws/v1","kind":"BottlerocketShadow","metadata":{"name":"brs-host-a"},"spec":{"state":"Idle"}}`)

	resp := Convert(ConversionReview{
		UID:               "u",
		DesiredAPIVersion: "brupop.bottlerocket.aws/v3",
		Objects:           []json.RawMessage{v1Obj},
	})

	require.Equal(t, StatusFailed, resp.Result.Status)
	assert.Equal(t, "Desired version brupop.bottlerocket.aws/v3 is not a valid BottlerocketShadow version", resp.Result.Message)
	assert.Nil(t, resp.ConvertedObjects)
}

func TestConvertSingleFailureFailsWholeReview(t *testing.T) {
	good := []byte(`{"apiVersion":"brupop.bottlerocket.aws/v1","kind":"BottlerocketShadow","metadata":{"name":"brs-a"},"spec":{"state":"Idle"}}`)
	bad := []byte(`{"apiVersion":"not-a-real-version","kind":"BottlerocketShadow","metadata":{"name":"brs-b"},"spec":{"state":"Idle"}}`)

	resp := Convert(ConversionReview{
		UID:               "u",
		DesiredAPIVersion: apiVersionV2,
		Objects:           []json.RawMessage{good, bad},
	})

	require.Equal(t, StatusFailed, resp.Result.Status)
	assert.Nil(t, resp.ConvertedObjects)
}
