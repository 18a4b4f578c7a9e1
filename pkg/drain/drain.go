// Package drain performs the cordon, drain, and uncordon effects the
// broker applies to a host's Node on an agent's behalf, along with
// load-balancer exclusion via the Node's standard exclusion label.
package drain

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
	"k8s.io/kubectl/pkg/drain"

	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/constants"
)

// podEvictionTimeout bounds how long a single pod's eviction may take
// before the caller's request fails and the agent retries on its next
// cycle; this matches the per-shadow deadline enforced by the
// controller on the RebootedIntoUpdate transition rather than blocking
// forever on a stuck PodDisruptionBudget.
const podEvictionTimeout = 20 * time.Second

// Handler performs Node-targeted drain effects against a live cluster.
type Handler struct {
	Client kubernetes.Interface
}

// NewHandler builds a Handler backed by the given clientset.
func NewHandler(client kubernetes.Interface) *Handler {
	return &Handler{Client: client}
}

func (h *Handler) helper(ctx context.Context, node *corev1.Node) *drain.Helper {
	helper := &drain.Helper{
		Ctx:                 ctx,
		Client:              h.Client,
		Force:               true,
		IgnoreAllDaemonSets: true,
		DeleteEmptyDirData:  true,
		GracePeriodSeconds:  -1,
		Timeout:             podEvictionTimeout,
		OnPodDeletedOrEvicted: func(pod *corev1.Pod, usingEviction bool) {
			verb := "Deleted"
			if usingEviction {
				verb = "Evicted"
			}
			klog.InfoS(verb+" pod during drain", "pod", pod.Name, "namespace", pod.Namespace, "node", node.Name)
		},
		Out:    writer{klog.Info},
		ErrOut: writer{klog.Error},
	}
	if nodeIsUnreachable(node) {
		klog.InfoS("node is unreachable, draining will ignore grace period; PDBs are still honored", "node", node.Name)
		helper.SkipWaitForDeleteTimeoutSeconds = skipWaitForDeleteTimeoutSeconds
		helper.GracePeriodSeconds = 1
	}
	return helper
}

// CordonAndDrain marks the named Node unschedulable and evicts every
// evictable pod from it, respecting PodDisruptionBudgets. Eviction
// retries (on 429/500, up to the drain helper's own backoff) are
// delegated to k8s.io/kubectl/pkg/drain, which already implements the
// same retry shape the original drain loop specified.
func (h *Handler) CordonAndDrain(ctx context.Context, nodeName string) error {
	node, err := h.Client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			klog.InfoS("node not found, nothing to drain", "node", nodeName)
			return nil
		}
		return fmt.Errorf("getting node %s: %w", nodeName, err)
	}

	helper := h.helper(ctx, node)
	if err := drain.RunCordonOrUncordon(helper, node, true); err != nil {
		return fmt.Errorf("cordoning node %s: %w", nodeName, err)
	}
	if err := drain.RunNodeDrain(helper, node.Name); err != nil {
		return fmt.Errorf("draining node %s: %w", nodeName, err)
	}
	return nil
}

// Uncordon marks the named Node schedulable again.
func (h *Handler) Uncordon(ctx context.Context, nodeName string) error {
	node, err := h.Client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("getting node %s: %w", nodeName, err)
	}
	helper := h.helper(ctx, node)
	if err := drain.RunCordonOrUncordon(helper, node, false); err != nil {
		return fmt.Errorf("uncordoning node %s: %w", nodeName, err)
	}
	return nil
}

// ExcludeFromLB labels the named Node to remove it from cloud load
// balancer target pools ahead of a disruptive reboot.
func (h *Handler) ExcludeFromLB(ctx context.Context, nodeName string) error {
	return h.setExclusionLabel(ctx, nodeName, true)
}

// RemoveExclusionFromLB removes the load-balancer exclusion label,
// restoring the Node to target pools.
func (h *Handler) RemoveExclusionFromLB(ctx context.Context, nodeName string) error {
	return h.setExclusionLabel(ctx, nodeName, false)
}

func (h *Handler) setExclusionLabel(ctx context.Context, nodeName string, exclude bool) error {
	node, err := h.Client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("getting node %s: %w", nodeName, err)
	}
	updated := node.DeepCopy()
	if updated.Labels == nil {
		updated.Labels = map[string]string{}
	}
	if exclude {
		updated.Labels[constants.LabelExcludeFromExternalLB] = ""
	} else {
		delete(updated.Labels, constants.LabelExcludeFromExternalLB)
	}
	if _, err := h.Client.CoreV1().Nodes().Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("updating node %s labels: %w", nodeName, err)
	}
	return nil
}

// skipWaitForDeleteTimeoutSeconds mirrors kubectl's own heuristic:
// when a node is unreachable, pod objects linger past their deletion
// grace period since the kubelet that would finalize them is gone, so
// drain gives up waiting after this many seconds instead of hanging.
const skipWaitForDeleteTimeoutSeconds = 60

func nodeIsUnreachable(node *corev1.Node) bool {
	for _, taint := range node.Spec.Taints {
		if taint.Key == corev1.TaintNodeUnreachable && taint.Effect == corev1.TaintEffectNoExecute {
			return true
		}
	}
	return false
}

// writer adapts a klog-style logging func to io.Writer, as kubectl's
// drain helper expects Out/ErrOut streams rather than a logger.
type writer struct {
	logFunc func(args ...interface{})
}

func (w writer) Write(p []byte) (n int, err error) {
	w.logFunc(string(p))
	return len(p), nil
}
