// Package client defines the abstraction every brupop component uses
// to read and write BottlerocketShadow objects, so that the agent, the
// broker, and the controller can each be tested against an in-memory
// fake rather than a live cluster.
package client

import (
	"context"
	"fmt"
	"sync"

	v2 "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/apis/brupop/v2"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/constants"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"
)

// ShadowSelector names the host a Shadow belongs to.
type ShadowSelector struct {
	NodeName string
	NodeUID  string
}

// ShadowName derives the object name brupop uses for a host's Shadow.
func (s ShadowSelector) ShadowName() string {
	return constants.ShadowNamePrefix + s.NodeName
}

// ShadowClient is the interface every component uses to interact with
// BottlerocketShadow objects. The broker is the only implementation
// permitted to mutate objects on behalf of agents; the controller uses
// it only to patch .spec.
type ShadowClient interface {
	// CreateShadow creates a new Shadow for the given host, owned by
	// the host's Node object, with a default spec and no status.
	CreateShadow(ctx context.Context, selector ShadowSelector, ownerUID types.UID) (*v2.BottlerocketShadow, error)
	// GetShadow fetches a single Shadow by host selector. Returns an
	// error satisfying apierrors.IsNotFound when absent.
	GetShadow(ctx context.Context, selector ShadowSelector) (*v2.BottlerocketShadow, error)
	// UpdateShadowStatus replaces a Shadow's status subresource.
	UpdateShadowStatus(ctx context.Context, selector ShadowSelector, status v2.BottlerocketShadowStatus) error
	// ListShadows returns every Shadow in the operator namespace.
	ListShadows(ctx context.Context) ([]v2.BottlerocketShadow, error)
	// PatchShadowSpec merge-patches a Shadow's spec subresource.
	PatchShadowSpec(ctx context.Context, name string, spec v2.BottlerocketShadowSpec) error
}

// controllerRuntimeShadowClient backs ShadowClient with a
// controller-runtime client, the same client type the teacher's
// modern controllers (machineset, nodelink) are built against.
type controllerRuntimeShadowClient struct {
	client    ctrlclient.Client
	namespace string
}

// NewControllerRuntimeShadowClient builds a ShadowClient backed by a
// live controller-runtime client.
func NewControllerRuntimeShadowClient(c ctrlclient.Client, namespace string) ShadowClient {
	return &controllerRuntimeShadowClient{client: c, namespace: namespace}
}

func (c *controllerRuntimeShadowClient) CreateShadow(ctx context.Context, selector ShadowSelector, ownerUID types.UID) (*v2.BottlerocketShadow, error) {
	shadow := &v2.BottlerocketShadow{
		ObjectMeta: metav1.ObjectMeta{
			Name:      selector.ShadowName(),
			Namespace: c.namespace,
			OwnerReferences: []metav1.OwnerReference{{
				APIVersion: "v1",
				Kind:       "Node",
				Name:       selector.NodeName,
				UID:        ownerUID,
			}},
		},
		Spec: v2.DefaultSpec(),
	}
	if err := c.client.Create(ctx, runtimeObject(shadow)); err != nil {
		return nil, fmt.Errorf("creating shadow %s: %w", shadow.Name, err)
	}
	return shadow, nil
}

func (c *controllerRuntimeShadowClient) GetShadow(ctx context.Context, selector ShadowSelector) (*v2.BottlerocketShadow, error) {
	shadow := &v2.BottlerocketShadow{}
	key := ctrlclient.ObjectKey{Namespace: c.namespace, Name: selector.ShadowName()}
	if err := c.client.Get(ctx, key, runtimeObject(shadow)); err != nil {
		return nil, err
	}
	return shadow, nil
}

func (c *controllerRuntimeShadowClient) UpdateShadowStatus(ctx context.Context, selector ShadowSelector, status v2.BottlerocketShadowStatus) error {
	shadow, err := c.GetShadow(ctx, selector)
	if err != nil {
		return fmt.Errorf("fetching shadow before status update: %w", err)
	}
	shadow.Status = &status
	if err := c.client.Status().Update(ctx, runtimeObject(shadow)); err != nil {
		return fmt.Errorf("updating shadow status %s: %w", shadow.Name, err)
	}
	return nil
}

func (c *controllerRuntimeShadowClient) ListShadows(ctx context.Context) ([]v2.BottlerocketShadow, error) {
	list := &v2.BottlerocketShadowList{}
	if err := c.client.List(ctx, runtimeObject(list), ctrlclient.InNamespace(c.namespace)); err != nil {
		return nil, fmt.Errorf("listing shadows: %w", err)
	}
	return list.Items, nil
}

func (c *controllerRuntimeShadowClient) PatchShadowSpec(ctx context.Context, name string, spec v2.BottlerocketShadowSpec) error {
	shadow := &v2.BottlerocketShadow{}
	key := ctrlclient.ObjectKey{Namespace: c.namespace, Name: name}
	if err := c.client.Get(ctx, key, runtimeObject(shadow)); err != nil {
		return fmt.Errorf("fetching shadow before spec patch: %w", err)
	}
	patch := ctrlclient.MergeFrom(shadow.DeepCopyObject().(*v2.BottlerocketShadow))
	shadow.Spec = spec
	if err := c.client.Patch(ctx, runtimeObject(shadow), patch); err != nil {
		return fmt.Errorf("patching shadow spec %s: %w", name, err)
	}
	return nil
}

// runtimeObject satisfies controller-runtime's client.Object interface
// requirement (runtime.Object + metav1.Object); both our types already
// implement it via embedded ObjectMeta and our hand-written
// DeepCopyObject.
func runtimeObject(o ctrlclient.Object) ctrlclient.Object { return o }

// IsNotFound reports whether err indicates the Shadow does not exist.
func IsNotFound(err error) bool {
	return apierrors.IsNotFound(err)
}

// FakeShadowClient is an in-memory ShadowClient for unit tests.
type FakeShadowClient struct {
	mu      sync.Mutex
	shadows map[string]*v2.BottlerocketShadow
}

// NewFakeShadowClient builds an empty FakeShadowClient.
func NewFakeShadowClient() *FakeShadowClient {
	return &FakeShadowClient{shadows: map[string]*v2.BottlerocketShadow{}}
}

// Seed inserts a shadow directly, bypassing CreateShadow's defaulting,
// for tests that need to start from an arbitrary state.
func (f *FakeShadowClient) Seed(shadow *v2.BottlerocketShadow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shadows[shadow.Name] = shadow
}

func (f *FakeShadowClient) CreateShadow(_ context.Context, selector ShadowSelector, ownerUID types.UID) (*v2.BottlerocketShadow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := selector.ShadowName()
	if _, exists := f.shadows[name]; exists {
		return nil, apierrors.NewAlreadyExists(shadowGroupResource(), name)
	}
	shadow := &v2.BottlerocketShadow{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: constants.Namespace},
		Spec:       v2.DefaultSpec(),
	}
	f.shadows[name] = shadow
	return shadow, nil
}

func (f *FakeShadowClient) GetShadow(_ context.Context, selector ShadowSelector) (*v2.BottlerocketShadow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	shadow, ok := f.shadows[selector.ShadowName()]
	if !ok {
		return nil, apierrors.NewNotFound(shadowGroupResource(), selector.ShadowName())
	}
	return shadow, nil
}

func (f *FakeShadowClient) UpdateShadowStatus(_ context.Context, selector ShadowSelector, status v2.BottlerocketShadowStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	shadow, ok := f.shadows[selector.ShadowName()]
	if !ok {
		return apierrors.NewNotFound(shadowGroupResource(), selector.ShadowName())
	}
	shadow.Status = &status
	return nil
}

func (f *FakeShadowClient) ListShadows(_ context.Context) ([]v2.BottlerocketShadow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]v2.BottlerocketShadow, 0, len(f.shadows))
	for _, s := range f.shadows {
		out = append(out, *s)
	}
	return out, nil
}

func (f *FakeShadowClient) PatchShadowSpec(_ context.Context, name string, spec v2.BottlerocketShadowSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	shadow, ok := f.shadows[name]
	if !ok {
		return apierrors.NewNotFound(shadowGroupResource(), name)
	}
	shadow.Spec = spec
	return nil
}

func shadowGroupResource() schema.GroupResource {
	return schema.GroupResource{Group: constants.GroupName, Resource: "bottlerocketshadows"}
}
