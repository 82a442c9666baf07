package clustergw

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	resourceapi "k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"
)

func TestCreatePodIsIdempotent(t *testing.T) {
	gw, _ := newTestGatewayEmpty()
	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "gpu-pod-abc", Namespace: "gpu-reservations"}}

	created, err := gw.CreatePod(context.Background(), "gpu-reservations", pod)
	require.NoError(t, err)
	assert.Equal(t, "gpu-pod-abc", created.Name)

	againPod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "gpu-pod-abc", Namespace: "gpu-reservations"}}
	again, err := gw.CreatePod(context.Background(), "gpu-reservations", againPod)
	require.NoError(t, err)
	assert.Equal(t, created.UID, again.UID, "a second create for the same name must reuse the existing pod")
}

func TestDeletePodIsIdempotent(t *testing.T) {
	gw, _ := newTestGatewayEmpty()
	err := gw.DeletePod(context.Background(), "gpu-reservations", "does-not-exist")
	assert.NoError(t, err, "deleting an absent pod must succeed, not error")
}

func TestListNodesForGPUTypeSumsRequests(t *testing.T) {
	gw, cs := newTestGatewayEmpty()
	ctx := context.Background()

	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "node-1", Labels: map[string]string{"node.osdc.io/gpu-family": "h100"}},
		Status: corev1.NodeStatus{
			Allocatable: corev1.ResourceList{gpuResourceName: *resourceapi.NewQuantity(8, resourceapi.DecimalSI)},
		},
	}
	_, err := cs.CoreV1().Nodes().Create(ctx, node, metav1.CreateOptions{})
	require.NoError(t, err)

	runningPod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "p1", Namespace: "gpu-reservations"},
		Spec: corev1.PodSpec{
			NodeName: "node-1",
			Containers: []corev1.Container{{
				Resources: corev1.ResourceRequirements{
					Requests: corev1.ResourceList{gpuResourceName: *resourceapi.NewQuantity(3, resourceapi.DecimalSI)},
				},
			}},
		},
		Status: corev1.PodStatus{Phase: corev1.PodRunning},
	}
	_, err = cs.CoreV1().Pods("gpu-reservations").Create(ctx, runningPod, metav1.CreateOptions{})
	require.NoError(t, err)

	nodes, err := gw.ListNodesForGPUType(ctx, "h100")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, 8, nodes[0].Allocatable)
	assert.Equal(t, 3, nodes[0].Requested)
}

func TestPersistentVolumeClaimLifecycle(t *testing.T) {
	gw, cs := newTestGatewayEmpty()
	ctx := context.Background()

	err := gw.CreatePersistentVolumeClaim(ctx, "gpu-reservations", "disk-1", 100)
	require.NoError(t, err)

	// Fake clientset does not run a binding controller, so mark it bound
	// with a volume handle the way the CSI driver would.
	pvc, err := cs.CoreV1().PersistentVolumeClaims("gpu-reservations").Get(ctx, "disk-1", metav1.GetOptions{})
	require.NoError(t, err)
	pvc.Status.Phase = corev1.ClaimBound
	pvc.Spec.VolumeName = "pv-1"
	_, err = cs.CoreV1().PersistentVolumeClaims("gpu-reservations").Update(ctx, pvc, metav1.UpdateOptions{})
	require.NoError(t, err)

	_, err = cs.CoreV1().PersistentVolumes().Create(ctx, &corev1.PersistentVolume{
		ObjectMeta: metav1.ObjectMeta{Name: "pv-1"},
		Spec: corev1.PersistentVolumeSpec{
			PersistentVolumeSource: corev1.PersistentVolumeSource{CSI: &corev1.CSIPersistentVolumeSource{VolumeHandle: "vol-xyz"}},
		},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	info, err := gw.GetPersistentVolumeClaim(ctx, "gpu-reservations", "disk-1")
	require.NoError(t, err)
	assert.True(t, info.Bound)
	assert.Equal(t, "vol-xyz", info.CloudVolumeID)

	err = gw.DeletePersistentVolumeClaim(ctx, "gpu-reservations", "disk-1")
	assert.NoError(t, err)
	err = gw.DeletePersistentVolumeClaim(ctx, "gpu-reservations", "disk-1")
	assert.NoError(t, err, "deleting an already-deleted pvc must succeed")
}

func newTestGatewayEmpty() (*K8sGateway, *k8sfake.Clientset) {
	cs := k8sfake.NewSimpleClientset()
	return NewK8sGateway(nil, cs, "node.osdc.io/gpu-family", logr.Discard()), cs
}
