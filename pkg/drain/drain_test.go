package drain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/constants"
)

func TestExcludeFromLBAddsLabel(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "node-a"}})
	h := NewHandler(client)

	require.NoError(t, h.ExcludeFromLB(context.Background(), "node-a"))

	node, err := client.CoreV1().Nodes().Get(context.Background(), "node-a", metav1.GetOptions{})
	require.NoError(t, err)
	_, excluded := node.Labels[constants.LabelExcludeFromExternalLB]
	assert.True(t, excluded)
}

func TestRemoveExclusionFromLBRemovesLabel(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name:   "node-a",
			Labels: map[string]string{constants.LabelExcludeFromExternalLB: ""},
		},
	})
	h := NewHandler(client)

	require.NoError(t, h.RemoveExclusionFromLB(context.Background(), "node-a"))

	node, err := client.CoreV1().Nodes().Get(context.Background(), "node-a", metav1.GetOptions{})
	require.NoError(t, err)
	_, excluded := node.Labels[constants.LabelExcludeFromExternalLB]
	assert.False(t, excluded)
}

func TestUncordonMissingNodeIsNotAnError(t *testing.T) {
	client := fake.NewSimpleClientset()
	h := NewHandler(client)
	assert.NoError(t, h.Uncordon(context.Background(), "ghost-node"))
}

func TestCordonAndDrainMissingNodeIsNotAnError(t *testing.T) {
	client := fake.NewSimpleClientset()
	h := NewHandler(client)
	assert.NoError(t, h.CordonAndDrain(context.Background(), "ghost-node"))
}

func TestNodeIsUnreachableChecksTaint(t *testing.T) {
	reachable := &corev1.Node{}
	assert.False(t, nodeIsUnreachable(reachable))

	unreachable := &corev1.Node{
		Spec: corev1.NodeSpec{
			Taints: []corev1.Taint{{
				Key:    corev1.TaintNodeUnreachable,
				Effect: corev1.TaintEffectNoExecute,
			}},
		},
	}
	assert.True(t, nodeIsUnreachable(unreachable))
}
