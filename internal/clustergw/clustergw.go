// Package clustergw implements the Cluster Gateway (CG) abstraction over
// k8s.io/client-go's typed clientset (controller-runtime wraps
// client-go, but RP has no CRDs to reconcile). RP uses the typed clientset directly rather than a full
// controller-runtime manager/reconciler because its control flow is
// message-driven, not reconcile-driven.
package clustergw

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// PodRequest is the minimal shape RP needs to submit a pod create; the
// podspec package builds the full *corev1.Pod, this is a thin summary
// used by callers that only need to describe intent.
type PodRequest struct {
	Name      string
	Namespace string
	Pod       *corev1.Pod
}

// NodeInfo summarizes a node's GPU-relevant capacity for AR's phase A.
type NodeInfo struct {
	Name          string
	InstanceLabel string // value of the GPU-family selector label
	Allocatable   int    // GPUs advertised allocatable on this node
	Requested     int    // sum of GPU requests from running pods scheduled here
}

// PodEvent is a reduced view of a corev1.Event scoped to a pod, used by
// EE's OOM detection.
type PodEvent struct {
	Reason        string
	Message       string
	LastTimestamp time.Time
	ContainerName string
}

// Gateway is the CG contract. K8sGateway wraps its get/list/create/delete
// API calls in one retry helper in this package (base 200ms, cap 30s, 5
// attempts). ReadPodLogs, the exec-based methods (WriteFile, Broadcast,
// ExecJupyterToggle, WriteAuthorizedKey) and TCPProbe are not retried:
// each makes a single attempt.
type Gateway interface {
	CreatePod(ctx context.Context, namespace string, pod *corev1.Pod) (*corev1.Pod, error)
	GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error)
	DeletePod(ctx context.Context, namespace, name string) error

	CreateJob(ctx context.Context, namespace string, job *Job) (*Job, error)
	GetJob(ctx context.Context, namespace, name string) (*Job, error)
	DeleteJob(ctx context.Context, namespace, name string) error

	// CreatePersistentVolumeClaim submits a PVC for a DiskCreate message
	// CA never issues volume create/delete directly; that goes through
	// CG's persistent-volume primitive instead.
	CreatePersistentVolumeClaim(ctx context.Context, namespace, name string, sizeGiB int) error
	// GetPersistentVolumeClaim reports binding state and, once bound, the
	// underlying cloud volume id, which DiskCreate polls for.
	GetPersistentVolumeClaim(ctx context.Context, namespace, name string) (*PVCInfo, error)
	DeletePersistentVolumeClaim(ctx context.Context, namespace, name string) error

	ListNodesForGPUType(ctx context.Context, gpuType string) ([]NodeInfo, error)

	// ReadPodLogs returns the tail of a pod's logs, used to populate
	// failure_reason diagnostic detail.
	ReadPodLogs(ctx context.Context, namespace, name string, tailLines int64) (string, error)

	// ReadPodEvents returns recent events whose involved object is the
	// pod itself, which EE scans for OOM events. Events recorded against
	// the node the pod runs on are not read.
	ReadPodEvents(ctx context.Context, namespace, podName string) ([]PodEvent, error)

	// WriteFile execs into the pod to write one of the warning-ladder
	// marker files.
	WriteFile(ctx context.Context, namespace, podName, path, content string) error

	// Broadcast execs into the pod to notify all attached terminals.
	Broadcast(ctx context.Context, namespace, podName, message string) error

	// ExecJupyterToggle enables or disables the Jupyter sidecar's
	// listener inside the running pod.
	ExecJupyterToggle(ctx context.Context, namespace, podName string, enable bool) error

	// WriteAuthorizedKey execs into the pod to append an SSH public key.
	WriteAuthorizedKey(ctx context.Context, namespace, podName, key string) error

	// TCPProbe opens a short-lived TCP connection to confirm a pod is
	// externally reachable before RP marks it active.
	TCPProbe(ctx context.Context, address string, timeout time.Duration) error
}

// PVCInfo reports a PersistentVolumeClaim's binding state.
type PVCInfo struct {
	Bound         bool
	CloudVolumeID string // CSI volume handle once bound
}

// Job is CG's reduced view of a batchv1.Job, used for the external
// image-build trigger+poll flow: triggering an external build job and
// polling its completion, nothing more.
type Job struct {
	Name      string
	Namespace string
	Succeeded bool
	Failed    bool
	Image     string
}
