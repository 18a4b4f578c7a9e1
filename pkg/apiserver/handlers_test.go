package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	v2 "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/apis/brupop/v2"
	brupopclient "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/client"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/constants"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/drain"
)

func testServer(t *testing.T, authorized bool) (*Server, *brupopclient.FakeShadowClient) {
	t.Helper()

	node := &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "node1"}}
	clientset := k8sfake.NewSimpleClientset(node)

	shadows := brupopclient.NewFakeShadowClient()
	drainer := drain.NewHandler(clientset)

	status := reviewForPod("pod1")
	status.Authenticated = authorized
	pods := NewStaticPodLookup(map[string]string{"pod1": "node1"})
	authz := NewAuthorizer(&fakeReviewer{status: status}, pods, nil)

	return NewServer(shadows, drainer, authz), shadows
}

func addCommonHeaders(r *http.Request) {
	r.Header.Set(constants.HeaderNodeName, "node1")
	r.Header.Set(constants.HeaderNodeUID, "uid1")
	r.Header.Set(constants.HeaderK8sAuthToken, "tok")
}

func TestHealthCheckIsUnauthenticated(t *testing.T) {
	s, _ := testServer(t, false)
	req := httptest.NewRequest(http.MethodGet, constants.HealthCheckEndpoint, nil)
	rec := httptest.NewRecorder()
	s.Mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
}

func TestAuthenticatedRoutesRejectMissingHeaders(t *testing.T) {
	s, _ := testServer(t, true)
	req := httptest.NewRequest(http.MethodPost, constants.NodeResourceEndpoint, nil)
	rec := httptest.NewRecorder()
	s.Mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthenticatedRoutesRejectUnauthorizedToken(t *testing.T) {
	s, _ := testServer(t, false)
	req := httptest.NewRequest(http.MethodPost, constants.NodeResourceEndpoint, nil)
	addCommonHeaders(req)
	rec := httptest.NewRecorder()
	s.Mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateShadowReturnsNewShadow(t *testing.T) {
	s, shadows := testServer(t, true)
	req := httptest.NewRequest(http.MethodPost, constants.NodeResourceEndpoint, nil)
	addCommonHeaders(req)
	rec := httptest.NewRecorder()
	s.Mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var shadow v2.BottlerocketShadow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &shadow))
	assert.Equal(t, "brs-node1", shadow.Name)

	stored, err := shadows.GetShadow(context.Background(), brupopclient.ShadowSelector{NodeName: "node1"})
	require.NoError(t, err)
	assert.Equal(t, shadow.Name, stored.Name)
}

func TestUpdateShadowStatusRoundTrips(t *testing.T) {
	s, shadows := testServer(t, true)
	selector := brupopclient.ShadowSelector{NodeName: "node1", NodeUID: "uid1"}
	_, err := shadows.CreateShadow(context.Background(), selector, "uid1")
	require.NoError(t, err)

	body, err := json.Marshal(v2.BottlerocketShadowStatus{CurrentVersion: "1.2.3"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, constants.NodeResourceEndpoint, bytes.NewReader(body))
	addCommonHeaders(req)
	rec := httptest.NewRecorder()
	s.Mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := shadows.GetShadow(context.Background(), selector)
	require.NoError(t, err)
	require.NotNil(t, stored.Status)
	assert.Equal(t, "1.2.3", stored.Status.CurrentVersion)
}

func TestUpdateShadowStatusRejectsMalformedBody(t *testing.T) {
	s, _ := testServer(t, true)
	req := httptest.NewRequest(http.MethodPut, constants.NodeResourceEndpoint, bytes.NewReader([]byte("not json")))
	addCommonHeaders(req)
	rec := httptest.NewRecorder()
	s.Mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestShadowResourceRejectsUnsupportedMethod(t *testing.T) {
	s, _ := testServer(t, true)
	req := httptest.NewRequest(http.MethodDelete, constants.NodeResourceEndpoint, nil)
	addCommonHeaders(req)
	rec := httptest.NewRecorder()
	s.Mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCordonAndDrainUncordonExcludeEndpoints(t *testing.T) {
	s, _ := testServer(t, true)

	endpoints := []string{
		constants.CordonAndDrainEndpoint,
		constants.UncordonEndpoint,
		constants.ExcludeFromLBEndpoint,
		constants.RemoveExclusionFromLBEndpoint,
	}
	for _, endpoint := range endpoints {
		req := httptest.NewRequest(http.MethodPost, endpoint, nil)
		addCommonHeaders(req)
		rec := httptest.NewRecorder()
		s.Mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, endpoint)
	}
}

func TestMetricsEndpointIsUnauthenticated(t *testing.T) {
	s, _ := testServer(t, false)
	req := httptest.NewRequest(http.MethodGet, constants.MetricsEndpoint, nil)
	rec := httptest.NewRecorder()
	s.Mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
