package podspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
)

func TestPodNameIsDeterministic(t *testing.T) {
	a := PodName("res-123")
	b := PodName("res-123")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, PodName("res-124"))
	assert.Regexp(t, "^gpu-pod-[0-9a-f]{12}$", a)
}

func TestResourcesScaleByGPUShare(t *testing.T) {
	full := Resources(8, 8, 16, 128)
	assert.Equal(t, int64(16000), full.Requests.Cpu().MilliValue())
	assert.Equal(t, int64(128*1024*1024*1024), full.Requests.Memory().Value())

	half := Resources(4, 8, 16, 128)
	assert.Equal(t, int64(8000), half.Requests.Cpu().MilliValue())
	assert.Equal(t, int64(64*1024*1024*1024), half.Requests.Memory().Value())
}

func TestResourcesFloorAtMinimum(t *testing.T) {
	tiny := Resources(0, 8, 1, 1)
	assert.Equal(t, int64(100), tiny.Requests.Cpu().MilliValue())
	assert.Equal(t, int64(256*1024*1024), tiny.Requests.Memory().Value())
	_, hasGPU := tiny.Requests[corev1.ResourceName("nvidia.com/gpu")]
	assert.False(t, hasGPU, "a zero-gpu request must not advertise a gpu resource")
}

func TestBuildAssignsDeterministicNameAndSelector(t *testing.T) {
	pod := Build(Params{
		ReservationID:     "res-abc",
		UserID:            "alice",
		GPUType:           "h100",
		GPUCount:          8,
		Namespace:         "gpu-reservations",
		MaxGPUsPerNode:    8,
		CPUPerInstance:    16,
		MemGiBPerInstance: 128,
		Image:             "ghcr.io/example/workspace:latest",
		AuthorizedKeys:    []string{"ssh-ed25519 AAAA... alice"},
	})

	assert.Equal(t, PodName("res-abc"), pod.Name)
	assert.Equal(t, "h100", pod.Spec.NodeSelector[NodeSelectorKey])
	assert.Equal(t, "res-abc", pod.Labels[LabelReservationID])
	require.Len(t, pod.Spec.InitContainers, 1)
	assert.Contains(t, pod.Spec.InitContainers[0].Command[2], "alice")
	require.Len(t, pod.Spec.Containers, 1, "no jupyter sidecar when disabled")
	assert.Equal(t, corev1.RestartPolicyNever, pod.Spec.RestartPolicy)
}

func TestBuildAddsJupyterSidecarWhenEnabled(t *testing.T) {
	pod := Build(Params{ReservationID: "res-jup", GPUType: "h100", MaxGPUsPerNode: 8, JupyterEnabled: true})
	require.Len(t, pod.Spec.Containers, 2)
	assert.Equal(t, "jupyter", pod.Spec.Containers[1].Name)
}

func TestBuildUsesVolumeClaimWhenAttached(t *testing.T) {
	withoutClaim := Build(Params{ReservationID: "res-1", MaxGPUsPerNode: 8})
	require.Len(t, withoutClaim.Spec.Volumes, 1)
	assert.NotNil(t, withoutClaim.Spec.Volumes[0].EmptyDir)

	withClaim := Build(Params{ReservationID: "res-2", MaxGPUsPerNode: 8, VolumeClaimName: "disk-1-data"})
	require.Len(t, withClaim.Spec.Volumes, 1)
	require.NotNil(t, withClaim.Spec.Volumes[0].PersistentVolumeClaim)
	assert.Equal(t, "disk-1-data", withClaim.Spec.Volumes[0].PersistentVolumeClaim.ClaimName)
}

func TestAnnotationsEmptyForSingleNode(t *testing.T) {
	assert.Nil(t, Annotations("", 0, 0))
	ann := Annotations("master-1", 1, 2)
	assert.Equal(t, "1", ann[AnnotationNodeIndex])
	assert.Equal(t, "2", ann[AnnotationTotalNodes])
}
