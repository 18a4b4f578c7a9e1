package apiserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
	"k8s.io/klog/v2"

	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/constants"
)

// PodReflector keeps an in-memory, eventually-consistent view of every
// agent Pod in the operator namespace, read by every request handler
// to authenticate write requests. Its own SharedIndexInformer is the
// single writer; reads go through the thread-safe snapshot it
// maintains on every event.
type PodReflector struct {
	informer cache.SharedIndexInformer
	synced   chan struct{}

	mu        sync.RWMutex
	podToNode map[string]string
}

// NewPodReflector builds a PodReflector watching agent Pods in the
// operator namespace.
func NewPodReflector(client kubernetes.Interface) *PodReflector {
	labelSelector := fmt.Sprintf("%s=%s", constants.LabelComponent, constants.ComponentAgent)

	r := &PodReflector{podToNode: map[string]string{}, synced: make(chan struct{})}
	r.informer = cache.NewSharedIndexInformer(
		cache.NewFilteredListWatchFromClient(
			client.CoreV1().RESTClient(),
			"pods",
			constants.Namespace,
			func(options *metav1.ListOptions) {
				options.LabelSelector = labelSelector
			},
		),
		&corev1.Pod{},
		0,
		cache.Indexers{},
	)

	r.informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    r.upsert,
		UpdateFunc: func(_, obj interface{}) { r.upsert(obj) },
		DeleteFunc: r.remove,
	})

	return r
}

func (r *PodReflector) upsert(obj interface{}) {
	pod, ok := obj.(*corev1.Pod)
	if !ok || pod.Spec.NodeName == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.podToNode[pod.Name] = pod.Spec.NodeName
}

func (r *PodReflector) remove(obj interface{}) {
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		if tombstone, isTombstone := obj.(cache.DeletedFinalStateUnknown); isTombstone {
			pod, ok = tombstone.Obj.(*corev1.Pod)
		}
		if !ok {
			return
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.podToNode, pod.Name)
}

// NodeNameForPod implements PodLookup.
func (r *PodReflector) NodeNameForPod(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodeName, ok := r.podToNode[name]
	return nodeName, ok
}

// Synced returns a channel that is closed once the reflector's initial
// list has populated. Callers that must not serve requests against a
// stale or empty pod view wait on this before accepting traffic.
func (r *PodReflector) Synced() <-chan struct{} {
	return r.synced
}

// Run starts the reflector and blocks until ctx is cancelled. The
// initial cache sync uses bounded exponential backoff: if the cache
// never syncs, Run returns an error so the caller can treat it the
// same as any other fatal initialization failure.
func (r *PodReflector) Run(ctx context.Context) error {
	go r.informer.Run(ctx.Done())

	syncCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if !cache.WaitForCacheSync(syncCtx.Done(), r.informer.HasSynced) {
		return fmt.Errorf("pod reflector cache never synced")
	}
	klog.InfoS("pod reflector cache synced")
	close(r.synced)
	<-ctx.Done()
	return ctx.Err()
}
