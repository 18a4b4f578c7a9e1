package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	v2 "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/apis/brupop/v2"
	brupopclient "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/client"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/constants"
)

// serviceAccountTokenPath is where Kubernetes projects the agent's
// bound service-account token.
const serviceAccountTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

// BrokerClient talks to the broker's HTTPS surface on behalf of a
// single host, pacing every call through a rate limiter shared across
// all of this agent's outbound requests.
type BrokerClient struct {
	HTTPClient *http.Client
	BaseURL    string
	Selector   brupopclient.ShadowSelector
	TokenPath  string
	limiter    *rate.Limiter

	// jitter returns an extra random delay applied after the limiter
	// releases each call, spreading request bursts across the fleet
	// instead of letting every agent fire the instant its token is
	// available. Overridable in tests; defaults to a uniform draw from
	// [0, constants.ClientRateLimitJitter).
	jitter func() time.Duration
}

// NewBrokerClient builds a BrokerClient paced at
// constants.ClientRateLimitPerMinute requests/minute, with each call
// additionally delayed by up to constants.ClientRateLimitJitter of
// random slack, matching the agent-side limiter SPEC_FULL.md places
// closest to the caller.
func NewBrokerClient(httpClient *http.Client, baseURL string, selector brupopclient.ShadowSelector) *BrokerClient {
	perMinute := rate.Limit(float64(constants.ClientRateLimitPerMinute) / 60.0)
	return &BrokerClient{
		HTTPClient: httpClient,
		BaseURL:    baseURL,
		Selector:   selector,
		TokenPath:  serviceAccountTokenPath,
		limiter:    rate.NewLimiter(perMinute, constants.ClientRateLimitPerMinute),
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(constants.ClientRateLimitJitter)))
		},
	}
}

func (c *BrokerClient) token() (string, error) {
	token, err := os.ReadFile(c.TokenPath)
	if err != nil {
		return "", fmt.Errorf("reading service account token: %w", err)
	}
	return string(bytes.TrimSpace(token)), nil
}

func (c *BrokerClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.jitter()):
	}

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	token, err := c.token()
	if err != nil {
		return err
	}
	req.Header.Set(constants.HeaderNodeName, c.Selector.NodeName)
	req.Header.Set(constants.HeaderNodeUID, c.Selector.NodeUID)
	req.Header.Set(constants.HeaderK8sAuthToken, token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("broker request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("broker returned status %d for %s %s", resp.StatusCode, method, path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding broker response: %w", err)
	}
	return nil
}

// CreateShadow asks the broker to create this host's Shadow.
func (c *BrokerClient) CreateShadow(ctx context.Context) (*v2.BottlerocketShadow, error) {
	var shadow v2.BottlerocketShadow
	if err := c.do(ctx, http.MethodPost, constants.NodeResourceEndpoint, nil, &shadow); err != nil {
		return nil, err
	}
	return &shadow, nil
}

// UpdateShadowStatus pushes this host's observed status to the broker.
func (c *BrokerClient) UpdateShadowStatus(ctx context.Context, status v2.BottlerocketShadowStatus) error {
	return c.do(ctx, http.MethodPut, constants.NodeResourceEndpoint, status, nil)
}

// CordonAndDrain asks the broker to cordon and drain this host's Node.
func (c *BrokerClient) CordonAndDrain(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, constants.CordonAndDrainEndpoint, nil, nil)
}

// Uncordon asks the broker to uncordon this host's Node.
func (c *BrokerClient) Uncordon(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, constants.UncordonEndpoint, nil, nil)
}

// ExcludeFromLB asks the broker to label this host's Node as excluded
// from cloud load balancer target pools, ahead of a disruptive reboot.
func (c *BrokerClient) ExcludeFromLB(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, constants.ExcludeFromLBEndpoint, nil, nil)
}

// RemoveExclusionFromLB asks the broker to remove the load-balancer
// exclusion label, restoring this host's Node to target pools.
func (c *BrokerClient) RemoveExclusionFromLB(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, constants.RemoveExclusionFromLBEndpoint, nil, nil)
}
