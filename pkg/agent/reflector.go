package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"
	"k8s.io/klog/v2"
	ctrlcache "sigs.k8s.io/controller-runtime/pkg/cache"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"

	v2 "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/apis/brupop/v2"
	brupopclient "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/client"
)

// nodeReflector watches exactly the Node this agent's pod runs on,
// filtered by a metadata.name field selector, the same idiom the
// broker's PodReflector uses for its own label-scoped watch.
type nodeReflector struct {
	informer cache.SharedIndexInformer

	mu   sync.RWMutex
	node *corev1.Node
}

// NewNodeReflector builds a reflector watching exactly the Node named
// nodeName, ready to be started with Run.
func NewNodeReflector(client kubernetes.Interface, nodeName string) *nodeReflector {
	r := &nodeReflector{}
	r.informer = cache.NewSharedIndexInformer(
		cache.NewFilteredListWatchFromClient(
			client.CoreV1().RESTClient(),
			"nodes",
			metav1.NamespaceAll,
			func(options *metav1.ListOptions) {
				options.FieldSelector = fields.OneTermEqualSelector("metadata.name", nodeName).String()
			},
		),
		&corev1.Node{},
		0,
		cache.Indexers{},
	)
	r.informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    r.set,
		UpdateFunc: func(_, obj interface{}) { r.set(obj) },
		DeleteFunc: func(interface{}) { r.clear() },
	})
	return r
}

func (r *nodeReflector) set(obj interface{}) {
	node, ok := obj.(*corev1.Node)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.node = node
}

func (r *nodeReflector) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.node = nil
}

// Get implements NodeReader.
func (r *nodeReflector) Get() (*corev1.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.node, r.node != nil
}

// Run starts the underlying informer and blocks until ctx is cancelled.
func (r *nodeReflector) Run(ctx context.Context) error {
	go r.informer.Run(ctx.Done())
	syncCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if !cache.WaitForCacheSync(syncCtx.Done(), r.informer.HasSynced) {
		return fmt.Errorf("node reflector cache never synced")
	}
	<-ctx.Done()
	return ctx.Err()
}

// shadowReflector watches exactly this host's own Shadow object,
// scoped by a metadata.name field selector the same way nodeReflector
// scopes its Node watch. It is backed by a controller-runtime cache
// rather than a hand-built client-go ListWatch: the Shadow CRD has no
// generated clientset, but any type registered on a runtime.Scheme
// (the v2 scheme the agent's controller-runtime client already uses)
// can be watched through the cache package without one.
type shadowReflector struct {
	cache    ctrlcache.Cache
	selector brupopclient.ShadowSelector

	mu     sync.RWMutex
	shadow *v2.BottlerocketShadow
}

// NewShadowReflector builds a reflector watching exactly the Shadow
// matching selector, ready to be started with Run.
func NewShadowReflector(cfg *rest.Config, scheme *runtime.Scheme, selector brupopclient.ShadowSelector) (*shadowReflector, error) {
	c, err := ctrlcache.New(cfg, ctrlcache.Options{
		Scheme: scheme,
		ByObject: map[ctrlclient.Object]ctrlcache.ByObject{
			&v2.BottlerocketShadow{}: {
				Field: fields.OneTermEqualSelector("metadata.name", selector.ShadowName()),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("building shadow cache: %w", err)
	}

	r := &shadowReflector{cache: c, selector: selector}
	informer, err := c.GetInformer(context.Background(), &v2.BottlerocketShadow{})
	if err != nil {
		return nil, fmt.Errorf("getting shadow informer: %w", err)
	}
	if _, err := informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    r.set,
		UpdateFunc: func(_, obj interface{}) { r.set(obj) },
		DeleteFunc: func(interface{}) { r.clear() },
	}); err != nil {
		return nil, fmt.Errorf("registering shadow event handler: %w", err)
	}
	return r, nil
}

func (r *shadowReflector) set(obj interface{}) {
	shadow, ok := obj.(*v2.BottlerocketShadow)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := *shadow
	r.shadow = &snapshot
}

func (r *shadowReflector) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shadow = nil
}

// Get implements ShadowReader.
func (r *shadowReflector) Get() (*v2.BottlerocketShadow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.shadow == nil {
		return nil, false
	}
	snapshot := *r.shadow
	return &snapshot, true
}

// Run starts the underlying cache and blocks until ctx is cancelled.
func (r *shadowReflector) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- r.cache.Start(ctx) }()

	syncCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if !r.cache.WaitForCacheSync(syncCtx) {
		return fmt.Errorf("shadow reflector cache never synced")
	}
	klog.InfoS("shadow reflector cache synced", "shadow", r.selector.ShadowName())

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
