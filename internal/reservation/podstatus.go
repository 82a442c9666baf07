package reservation

import (
	corev1 "k8s.io/api/core/v1"
)

// podReady reports whether every container in pod is reporting ready,
// the guard for the preparing->active transition.
func podReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if !cs.Ready {
			return false
		}
	}
	return len(pod.Status.ContainerStatuses) > 0
}

// podFailed reports whether pod has crashed or entered a crashloop,
// the guard for the "preparing -> failed: pod fails / crashloop" row of
// the state table.
func podFailed(pod *corev1.Pod) bool {
	if pod.Status.Phase == corev1.PodFailed {
		return true
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.RestartCount >= 3 {
			return true
		}
		if cs.State.Terminated != nil && cs.State.Terminated.ExitCode != 0 {
			return true
		}
	}
	return false
}
