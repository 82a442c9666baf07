package podspec

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

// gpuResourceName matches clustergw's gpuResourceName; kept duplicated
// rather than imported to avoid a podspec->clustergw dependency for one
// constant (podspec is consumed by clustergw's caller, not the reverse).
const gpuResourceName corev1.ResourceName = "nvidia.com/gpu"

// Resources computes requests/limits for a reservation's main container.
// CPU and memory scale proportionally to the GPU share of the node:
// requested_gpus / max_per_node.
func Resources(gpuCount, maxGPUsPerNode, cpuPerInstance, memGiBPerInstance int) corev1.ResourceRequirements {
	share := 1.0
	if maxGPUsPerNode > 0 {
		share = float64(gpuCount) / float64(maxGPUsPerNode)
	}
	cpuMillis := int64(float64(cpuPerInstance) * 1000 * share)
	if cpuMillis < 100 {
		cpuMillis = 100
	}
	memMiB := int64(float64(memGiBPerInstance) * 1024 * share)
	if memMiB < 256 {
		memMiB = 256
	}

	list := corev1.ResourceList{
		corev1.ResourceCPU:    *resource.NewMilliQuantity(cpuMillis, resource.DecimalSI),
		corev1.ResourceMemory: *resource.NewQuantity(memMiB*1024*1024, resource.BinarySI),
	}
	if gpuCount > 0 {
		list[gpuResourceName] = *resource.NewQuantity(int64(gpuCount), resource.DecimalSI)
	}
	return corev1.ResourceRequirements{Requests: list, Limits: list}
}
