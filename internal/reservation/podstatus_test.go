package reservation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	corev1 "k8s.io/api/core/v1"
)

func TestPodReady(t *testing.T) {
	notRunning := &corev1.Pod{Status: corev1.PodStatus{Phase: corev1.PodPending}}
	assert.False(t, podReady(notRunning))

	runningNoContainers := &corev1.Pod{Status: corev1.PodStatus{Phase: corev1.PodRunning}}
	assert.False(t, podReady(runningNoContainers))

	runningNotReady := &corev1.Pod{Status: corev1.PodStatus{
		Phase:             corev1.PodRunning,
		ContainerStatuses: []corev1.ContainerStatus{{Ready: false}},
	}}
	assert.False(t, podReady(runningNotReady))

	runningReady := &corev1.Pod{Status: corev1.PodStatus{
		Phase:             corev1.PodRunning,
		ContainerStatuses: []corev1.ContainerStatus{{Ready: true}, {Ready: true}},
	}}
	assert.True(t, podReady(runningReady))
}

func TestPodFailed(t *testing.T) {
	failed := &corev1.Pod{Status: corev1.PodStatus{Phase: corev1.PodFailed}}
	assert.True(t, podFailed(failed))

	crashLoop := &corev1.Pod{Status: corev1.PodStatus{
		Phase:             corev1.PodRunning,
		ContainerStatuses: []corev1.ContainerStatus{{RestartCount: 3}},
	}}
	assert.True(t, podFailed(crashLoop))

	terminatedNonzero := &corev1.Pod{Status: corev1.PodStatus{
		Phase: corev1.PodRunning,
		ContainerStatuses: []corev1.ContainerStatus{{
			State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: 1}},
		}},
	}}
	assert.True(t, podFailed(terminatedNonzero))

	healthy := &corev1.Pod{Status: corev1.PodStatus{
		Phase:             corev1.PodRunning,
		ContainerStatuses: []corev1.ContainerStatus{{Ready: true, RestartCount: 1}},
	}}
	assert.False(t, podFailed(healthy))
}
