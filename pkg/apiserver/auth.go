package apiserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	authenticationv1 "k8s.io/api/authentication/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	brupopclient "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/client"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/constants"
)

// TokenReviewer posts a TokenReview to the cluster. Abstracted behind
// an interface so tests can substitute a fake without a live apiserver.
type TokenReviewer interface {
	CreateTokenReview(ctx context.Context, token string, audiences []string) (*authenticationv1.TokenReviewStatus, error)
}

// k8sTokenReviewer posts TokenReviews through a real client-go clientset.
type k8sTokenReviewer struct {
	client kubernetes.Interface
}

// NewK8STokenReviewer builds a TokenReviewer backed by a live clientset.
func NewK8STokenReviewer(client kubernetes.Interface) TokenReviewer {
	return &k8sTokenReviewer{client: client}
}

func (r *k8sTokenReviewer) CreateTokenReview(ctx context.Context, token string, audiences []string) (*authenticationv1.TokenReviewStatus, error) {
	review := &authenticationv1.TokenReview{
		Spec: authenticationv1.TokenReviewSpec{
			Token:     token,
			Audiences: audiences,
		},
	}
	result, err := r.client.AuthenticationV1().TokenReviews().Create(ctx, review, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("creating token review: %w", err)
	}
	return &result.Status, nil
}

// PodLookup resolves a pod's hosting node by name, backed by the
// broker's Pod reflector. Abstracted so tests can supply a fixed map.
type PodLookup interface {
	NodeNameForPod(name string) (string, bool)
}

// staticPodLookup is a PodLookup over a fixed map, used by the
// reflector-backed implementation's Store snapshot and directly by
// tests.
type staticPodLookup map[string]string

func (m staticPodLookup) NodeNameForPod(name string) (string, bool) {
	nodeName, ok := m[name]
	return nodeName, ok
}

// NewStaticPodLookup builds a PodLookup over a literal pod-name to
// node-name map.
func NewStaticPodLookup(podToNode map[string]string) PodLookup {
	return staticPodLookup(podToNode)
}

// NewPodLookupFromPods derives a PodLookup from a live pod list, as
// the reflector supplies on each sync.
func NewPodLookupFromPods(pods []corev1.Pod) PodLookup {
	m := make(staticPodLookup, len(pods))
	for _, pod := range pods {
		if pod.Spec.NodeName != "" {
			m[pod.Name] = pod.Spec.NodeName
		}
	}
	return m
}

// AuthorizationError is returned by Authorizer.CheckRequestAuthorized
// and distinguishes the non-retryable 403 case from transport failures.
type AuthorizationError struct {
	msg string
}

func (e *AuthorizationError) Error() string { return e.msg }

func authErr(format string, args ...interface{}) error {
	return &AuthorizationError{msg: fmt.Sprintf(format, args...)}
}

// IsAuthorizationError reports whether err represents a 403-worthy
// authorization failure, as opposed to a TokenReview transport error
// (which callers should surface as 500, matching SPEC_FULL.md §6.1).
func IsAuthorizationError(err error) bool {
	_, ok := err.(*AuthorizationError)
	return ok
}

// cachedAuthResult is a memoized, successful CheckRequestAuthorized
// outcome: the token hashed to tokenHash authenticated to a pod hosted
// on nodeName, as of the last TokenReview, and that's still trusted
// until expiry.
type cachedAuthResult struct {
	tokenHash string
	nodeName  string
	expiry    time.Time
}

// hashToken returns a hex-encoded SHA-256 digest of token, so the
// cache never holds a bearer token in the clear.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Authorizer determines whether the identity behind a bearer token may
// act on behalf of a given host.
type Authorizer struct {
	reviewer  TokenReviewer
	pods      PodLookup
	audiences []string

	mu    sync.Mutex
	cache map[string]cachedAuthResult
}

// NewAuthorizer builds an Authorizer. audiences may be nil to skip the
// audience-intersection check.
func NewAuthorizer(reviewer TokenReviewer, pods PodLookup, audiences []string) *Authorizer {
	return &Authorizer{
		reviewer:  reviewer,
		pods:      pods,
		audiences: audiences,
		cache:     map[string]cachedAuthResult{},
	}
}

// CheckRequestAuthorized returns nil if the given bearer token
// authenticates to a pod hosted on selector.NodeName, and an
// AuthorizationError otherwise. A non-AuthorizationError return
// indicates a TokenReview transport failure. A successful result is
// cached for constants.TokenReviewCacheTTL, keyed by selector.NodeName,
// so a host's repeated calls within that window skip the TokenReview
// round trip; failures are never cached.
func (a *Authorizer) CheckRequestAuthorized(ctx context.Context, selector brupopclient.ShadowSelector, token string) error {
	hash := hashToken(token)
	if a.cachedHit(selector.NodeName, hash) {
		return nil
	}

	status, err := a.reviewer.CreateTokenReview(ctx, token, a.audiences)
	if err != nil {
		return err
	}
	// status.Error reports a problem with the reviewed token itself (an
	// expired or malformed token, say), not a transport failure talking
	// to the TokenReview API -- that case is the non-nil err above,
	// which callers surface as 500. This is "any other mismatch", 403.
	if status.Error != "" {
		return authErr("token review reported an error: %s", status.Error)
	}
	if !status.Authenticated {
		return authErr("token did not authenticate")
	}
	if err := a.checkAudiences(status); err != nil {
		return err
	}
	if err := a.checkRequesterNode(status, selector); err != nil {
		return err
	}

	a.mu.Lock()
	a.cache[selector.NodeName] = cachedAuthResult{
		tokenHash: hash,
		nodeName:  selector.NodeName,
		expiry:    time.Now().Add(constants.TokenReviewCacheTTL),
	}
	a.mu.Unlock()
	return nil
}

// cachedHit reports whether nodeName has a live, unexpired cache entry
// for exactly this token hash.
func (a *Authorizer) cachedHit(nodeName, tokenHash string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cached, ok := a.cache[nodeName]
	if !ok {
		return false
	}
	if time.Now().After(cached.expiry) || cached.tokenHash != tokenHash {
		return false
	}
	return true
}

func (a *Authorizer) checkAudiences(status *authenticationv1.TokenReviewStatus) error {
	if len(a.audiences) == 0 {
		return nil
	}
	if len(status.Audiences) == 0 {
		return authErr("token review did not return any audiences")
	}
	wanted := make(map[string]struct{}, len(a.audiences))
	for _, aud := range a.audiences {
		wanted[aud] = struct{}{}
	}
	for _, aud := range status.Audiences {
		if _, ok := wanted[aud]; ok {
			return nil
		}
	}
	return authErr("no overlap between requested and reviewed audiences")
}

func (a *Authorizer) checkRequesterNode(status *authenticationv1.TokenReviewStatus, selector brupopclient.ShadowSelector) error {
	if status.User.Extra == nil {
		return authErr("token review response missing pod identity")
	}
	podNames, ok := status.User.Extra[constants.PodNameInfoKey]
	if !ok || len(podNames) == 0 {
		return authErr("token review response missing pod identity")
	}
	podName := podNames[0]

	nodeName, ok := a.pods.NodeNameForPod(podName)
	if !ok {
		return authErr("no known pod named %s", podName)
	}
	if nodeName != selector.NodeName {
		return authErr("requesting node %s does not match target node %s", nodeName, selector.NodeName)
	}
	return nil
}
