package apiserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	authenticationv1 "k8s.io/api/authentication/v1"

	brupopclient "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/client"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/constants"
)

type fakeReviewer struct {
	status *authenticationv1.TokenReviewStatus
	err    error
}

func (f *fakeReviewer) CreateTokenReview(_ context.Context, _ string, _ []string) (*authenticationv1.TokenReviewStatus, error) {
	return f.status, f.err
}

func reviewForPod(podName string) *authenticationv1.TokenReviewStatus {
	return &authenticationv1.TokenReviewStatus{
		Authenticated: true,
		User: authenticationv1.UserInfo{
			Extra: map[string]authenticationv1.ExtraValue{
				constants.PodNameInfoKey: {podName},
			},
		},
	}
}

func TestCheckRequestAuthorizedRequiresAuthenticated(t *testing.T) {
	pods := NewStaticPodLookup(map[string]string{"pod1": "node1"})

	cases := []struct {
		name          string
		authenticated bool
		wantErr       bool
	}{
		{"authenticated", true, false},
		{"not authenticated", false, true},
	}
	for _, c := range cases {
		status := reviewForPod("pod1")
		status.Authenticated = c.authenticated
		authz := NewAuthorizer(&fakeReviewer{status: status}, pods, nil)
		err := authz.CheckRequestAuthorized(context.Background(), brupopclient.ShadowSelector{NodeName: "node1"}, "tok")
		if c.wantErr {
			assert.Error(t, err, c.name)
			assert.True(t, IsAuthorizationError(err), c.name)
		} else {
			assert.NoError(t, err, c.name)
		}
	}
}

func TestCheckRequestAuthorizedAudienceIntersection(t *testing.T) {
	pods := NewStaticPodLookup(map[string]string{"pod1": "node1"})
	audiences := []string{"test-audience1", "test-audience2"}

	cases := []struct {
		name      string
		audiences []string
		wantOK    bool
	}{
		{"single overlap", []string{"test-audience1"}, true},
		{"no audiences returned", nil, false},
		{"no overlap", []string{"nomatch"}, false},
		{"other overlap", []string{"test-audience2"}, true},
		{"both overlap", []string{"test-audience2", "test-audience1"}, true},
	}

	for _, c := range cases {
		status := reviewForPod("pod1")
		status.Audiences = c.audiences
		authz := NewAuthorizer(&fakeReviewer{status: status}, pods, audiences)
		err := authz.CheckRequestAuthorized(context.Background(), brupopclient.ShadowSelector{NodeName: "node1"}, "tok")
		if c.wantOK {
			assert.NoError(t, err, c.name)
		} else {
			assert.Error(t, err, c.name)
		}
	}
}

func TestCheckRequestAuthorizedRequesterFromCorrectNode(t *testing.T) {
	pods := NewStaticPodLookup(map[string]string{
		"pod1": "node1",
		"pod2": "node2",
		"pod3": "node3",
		"pod4": "node4",
	})

	cases := []struct {
		podName  string
		target   string
		wantOK   bool
	}{
		{"pod1", "node1", true},
		{"pod1", "node3", false},
		{"pod4", "node4", true},
	}

	for _, c := range cases {
		authz := NewAuthorizer(&fakeReviewer{status: reviewForPod(c.podName)}, pods, nil)
		err := authz.CheckRequestAuthorized(context.Background(), brupopclient.ShadowSelector{NodeName: c.target}, "tok")
		if c.wantOK {
			assert.NoError(t, err)
		} else {
			assert.Error(t, err)
			assert.True(t, IsAuthorizationError(err))
		}
	}
}

func TestCheckRequestAuthorizedSurfacesTransportErrorsDistinctly(t *testing.T) {
	pods := NewStaticPodLookup(nil)
	authz := NewAuthorizer(&fakeReviewer{err: assertErr("transport exploded")}, pods, nil)
	err := authz.CheckRequestAuthorized(context.Background(), brupopclient.ShadowSelector{NodeName: "node1"}, "tok")
	require.Error(t, err)
	assert.False(t, IsAuthorizationError(err), "transport failures should not be classified as authorization errors")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

// countingReviewer wraps fakeReviewer and records how many times
// CreateTokenReview was actually invoked, so tests can assert a cache
// hit skipped the call entirely.
type countingReviewer struct {
	fakeReviewer
	calls int
}

func (c *countingReviewer) CreateTokenReview(ctx context.Context, token string, audiences []string) (*authenticationv1.TokenReviewStatus, error) {
	c.calls++
	return c.fakeReviewer.CreateTokenReview(ctx, token, audiences)
}

func TestCheckRequestAuthorizedCachesSuccessForSameToken(t *testing.T) {
	pods := NewStaticPodLookup(map[string]string{"pod1": "node1"})
	reviewer := &countingReviewer{fakeReviewer: fakeReviewer{status: reviewForPod("pod1")}}
	authz := NewAuthorizer(reviewer, pods, nil)
	selector := brupopclient.ShadowSelector{NodeName: "node1"}

	require.NoError(t, authz.CheckRequestAuthorized(context.Background(), selector, "tok"))
	require.NoError(t, authz.CheckRequestAuthorized(context.Background(), selector, "tok"))

	assert.Equal(t, 1, reviewer.calls, "second call with the same token should hit the cache")
}

func TestCheckRequestAuthorizedMissesCacheForDifferentToken(t *testing.T) {
	pods := NewStaticPodLookup(map[string]string{"pod1": "node1"})
	reviewer := &countingReviewer{fakeReviewer: fakeReviewer{status: reviewForPod("pod1")}}
	authz := NewAuthorizer(reviewer, pods, nil)
	selector := brupopclient.ShadowSelector{NodeName: "node1"}

	require.NoError(t, authz.CheckRequestAuthorized(context.Background(), selector, "tok-a"))
	require.NoError(t, authz.CheckRequestAuthorized(context.Background(), selector, "tok-b"))

	assert.Equal(t, 2, reviewer.calls, "a different token for the same node must not reuse the cached result")
}

func TestCheckRequestAuthorizedMissesCacheAfterExpiry(t *testing.T) {
	pods := NewStaticPodLookup(map[string]string{"pod1": "node1"})
	reviewer := &countingReviewer{fakeReviewer: fakeReviewer{status: reviewForPod("pod1")}}
	authz := NewAuthorizer(reviewer, pods, nil)
	selector := brupopclient.ShadowSelector{NodeName: "node1"}

	require.NoError(t, authz.CheckRequestAuthorized(context.Background(), selector, "tok"))
	authz.mu.Lock()
	entry := authz.cache["node1"]
	entry.expiry = entry.expiry.Add(-time.Hour)
	authz.cache["node1"] = entry
	authz.mu.Unlock()

	require.NoError(t, authz.CheckRequestAuthorized(context.Background(), selector, "tok"))
	assert.Equal(t, 2, reviewer.calls, "an expired cache entry must trigger a fresh TokenReview")
}

func TestCheckRequestAuthorizedDoesNotCacheFailures(t *testing.T) {
	pods := NewStaticPodLookup(map[string]string{"pod1": "node1"})
	status := reviewForPod("pod1")
	status.Authenticated = false
	reviewer := &countingReviewer{fakeReviewer: fakeReviewer{status: status}}
	authz := NewAuthorizer(reviewer, pods, nil)
	selector := brupopclient.ShadowSelector{NodeName: "node1"}

	require.Error(t, authz.CheckRequestAuthorized(context.Background(), selector, "tok"))
	require.Error(t, authz.CheckRequestAuthorized(context.Background(), selector, "tok"))

	assert.Equal(t, 2, reviewer.calls, "failed authentications must never be cached")
}
