// Package podspec builds the corev1.Pod RP submits to CG, split one file
// per concern (resources.go, deployment.go, labels.go for labels and
// annotations, hash.go).
package podspec

import "fmt"

const (
	LabelReservationID = "osdc.io/reservation-id"
	LabelUserID        = "osdc.io/user-id"
	LabelGPUType        = "osdc.io/gpu-family"
	LabelMultinodeMaster = "osdc.io/master-reservation-id"

	AnnotationNodeIndex  = "osdc.io/node-index"
	AnnotationTotalNodes = "osdc.io/total-nodes"
)

// Labels returns the label set every reservation pod carries when it is
// created. CG's node queries use the separate node label NodeSelectorKey.
func Labels(reservationID, userID, gpuType string) map[string]string {
	return map[string]string{
		LabelReservationID: reservationID,
		LabelUserID:        userID,
		LabelGPUType:       gpuType,
	}
}

// Annotations returns the multi-node placement annotations for a sibling
// pod; empty for single-node reservations.
func Annotations(masterReservationID string, nodeIndex, totalNodes int) map[string]string {
	if masterReservationID == "" {
		return nil
	}
	return map[string]string{
		AnnotationNodeIndex:  fmt.Sprintf("%d", nodeIndex),
		AnnotationTotalNodes: fmt.Sprintf("%d", totalNodes),
	}
}

// NodeSelectorKey is the label key CG's ListNodesForGPUType matches
// against; kept as one constant so podspec and clustergw never drift.
const NodeSelectorKey = "node.osdc.io/gpu-family"
