package reservation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wdvr/gpu-devpod-controlplane/internal/queue"
	"github.com/wdvr/gpu-devpod-controlplane/internal/store"
)

func TestCheckCapacitySingleNode(t *testing.T) {
	gt := &store.GPUType{MaxGPUsPerNode: 8, AvailableGPUs: 8}

	ok, reason := checkCapacity(queue.Body{GPUCount: 8}, gt, 4)
	assert.True(t, ok)
	assert.Empty(t, reason)

	ok, reason = checkCapacity(queue.Body{GPUCount: 9}, gt, 4)
	assert.False(t, ok)
	assert.Contains(t, reason, "exceeds max_gpus_per_node")

	ok, reason = checkCapacity(queue.Body{GPUCount: 4}, &store.GPUType{MaxGPUsPerNode: 8, AvailableGPUs: 2}, 4)
	assert.False(t, ok)
	assert.Empty(t, reason, "plain capacity shortfall carries no user-fatal reason")
}

func TestCheckCapacityMultiNode(t *testing.T) {
	gt := &store.GPUType{MaxGPUsPerNode: 8, AvailableGPUs: 32, FullNodesAvailable: 4}

	ok, reason := checkCapacity(queue.Body{IsMultinode: true, GPUCount: 16}, gt, 4)
	assert.True(t, ok)
	assert.Empty(t, reason)

	ok, reason = checkCapacity(queue.Body{IsMultinode: true, GPUCount: 12}, gt, 4)
	assert.False(t, ok)
	assert.Contains(t, reason, "not a multiple")

	ok, reason = checkCapacity(queue.Body{IsMultinode: true, GPUCount: 40}, gt, 4)
	assert.False(t, ok)
	assert.Contains(t, reason, "exceeds cap of 4")

	ok, reason = checkCapacity(queue.Body{IsMultinode: true, GPUCount: 40}, &store.GPUType{MaxGPUsPerNode: 8, AvailableGPUs: 64, FullNodesAvailable: 4}, 8)
	assert.False(t, ok)
	assert.Empty(t, reason, "exceeding full_nodes_available is plain backpressure, not user-fatal")
}

func TestCheckCapacityExactBoundary(t *testing.T) {
	gt := &store.GPUType{MaxGPUsPerNode: 8, AvailableGPUs: 8, FullNodesAvailable: 1}
	ok, reason := checkCapacity(queue.Body{GPUCount: 8}, gt, 4)
	assert.True(t, ok)
	assert.Empty(t, reason)
}
