package clustergw

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-logr/logr"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
)

// gpuResourceName is the corev1.ResourceName advertised by the device
// plugin on GPU nodes; the instance-family selector label key is the one
// passed to NewK8sGateway.
const gpuResourceName corev1.ResourceName = "nvidia.com/gpu"

// K8sGateway implements Gateway over a client-go clientset.
type K8sGateway struct {
	clientset  kubernetes.Interface
	restConfig *rest.Config
	gpuLabel   string
	log        logr.Logger
	backoff    wait.Backoff
}

// NewK8sGateway builds a Gateway from an in-cluster or kubeconfig-derived
// rest.Config. gpuLabelKey names the node-selector label CG uses to find
// nodes for a given GPU family (e.g. "node.osdc.io/gpu-family").
func NewK8sGateway(restConfig *rest.Config, clientset kubernetes.Interface, gpuLabelKey string, log logr.Logger) *K8sGateway {
	return &K8sGateway{
		clientset:  clientset,
		restConfig: restConfig,
		gpuLabel:   gpuLabelKey,
		log:        log.WithName("clustergw"),
		// Base 200ms, cap 30s, 5 attempts.
		backoff: wait.Backoff{Steps: 5, Duration: 200 * time.Millisecond, Factor: 2.0, Jitter: 0.2, Cap: 30 * time.Second},
	}
}

func (g *K8sGateway) withRetry(ctx context.Context, action string, fn func() error) error {
	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, g.backoff, func(context.Context) (bool, error) {
		if err := fn(); err != nil {
			if apierrors.IsNotFound(err) || apierrors.IsConflict(err) || apierrors.IsAlreadyExists(err) {
				// Not retriable in the generic sense; let the caller see it immediately.
				lastErr = err
				return false, err
			}
			lastErr = err
			g.log.V(1).Info("cluster gateway call failed, retrying", "action", action, "error", err.Error())
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}

func (g *K8sGateway) CreatePod(ctx context.Context, namespace string, pod *corev1.Pod) (*corev1.Pod, error) {
	var created *corev1.Pod
	err := g.withRetry(ctx, "create_pod", func() error {
		existing, err := g.clientset.CoreV1().Pods(namespace).Get(ctx, pod.Name, metav1.GetOptions{})
		if err == nil {
			// Idempotent create: a retried message that finds the pod
			// already present reuses it.
			created = existing
			return nil
		}
		if !apierrors.IsNotFound(err) {
			return err
		}
		created, err = g.clientset.CoreV1().Pods(namespace).Create(ctx, pod, metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			created, err = g.clientset.CoreV1().Pods(namespace).Get(ctx, pod.Name, metav1.GetOptions{})
		}
		return err
	})
	return created, err
}

func (g *K8sGateway) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	var pod *corev1.Pod
	err := g.withRetry(ctx, "get_pod", func() error {
		var err error
		pod, err = g.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
		return err
	})
	return pod, err
}

func (g *K8sGateway) DeletePod(ctx context.Context, namespace, name string) error {
	return g.withRetry(ctx, "delete_pod", func() error {
		err := g.clientset.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{})
		if apierrors.IsNotFound(err) {
			// Idempotent delete: a pod whose create is still in flight, or
			// already gone, is a no-op.
			return nil
		}
		return err
	})
}

func (g *K8sGateway) CreateJob(ctx context.Context, namespace string, job *Job) (*Job, error) {
	batchJob := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: job.Name, Namespace: namespace},
		Spec: batchv1.JobSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:  "image-build",
						Image: job.Image,
					}},
				},
			},
		},
	}
	var created *batchv1.Job
	err := g.withRetry(ctx, "create_job", func() error {
		var err error
		created, err = g.clientset.BatchV1().Jobs(namespace).Create(ctx, batchJob, metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			created, err = g.clientset.BatchV1().Jobs(namespace).Get(ctx, job.Name, metav1.GetOptions{})
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return toJob(created), nil
}

func (g *K8sGateway) GetJob(ctx context.Context, namespace, name string) (*Job, error) {
	var job *batchv1.Job
	err := g.withRetry(ctx, "get_job", func() error {
		var err error
		job, err = g.clientset.BatchV1().Jobs(namespace).Get(ctx, name, metav1.GetOptions{})
		return err
	})
	if err != nil {
		return nil, err
	}
	return toJob(job), nil
}

func toJob(j *batchv1.Job) *Job {
	out := &Job{Name: j.Name, Namespace: j.Namespace}
	if len(j.Spec.Template.Spec.Containers) > 0 {
		out.Image = j.Spec.Template.Spec.Containers[0].Image
	}
	out.Succeeded = j.Status.Succeeded > 0
	out.Failed = j.Status.Failed > 0
	return out
}

func (g *K8sGateway) DeleteJob(ctx context.Context, namespace, name string) error {
	return g.withRetry(ctx, "delete_job", func() error {
		err := g.clientset.BatchV1().Jobs(namespace).Delete(ctx, name, metav1.DeleteOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	})
}

const gpuVolumeStorageClass = "gp3-csi"

func (g *K8sGateway) CreatePersistentVolumeClaim(ctx context.Context, namespace, name string, sizeGiB int) error {
	storageClass := gpuVolumeStorageClass
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes:      []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			StorageClassName: &storageClass,
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: *resource.NewQuantity(int64(sizeGiB)*1024*1024*1024, resource.BinarySI),
				},
			},
		},
	}
	return g.withRetry(ctx, "create_pvc", func() error {
		_, err := g.clientset.CoreV1().PersistentVolumeClaims(namespace).Create(ctx, pvc, metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return err
	})
}

func (g *K8sGateway) GetPersistentVolumeClaim(ctx context.Context, namespace, name string) (*PVCInfo, error) {
	var pvc *corev1.PersistentVolumeClaim
	err := g.withRetry(ctx, "get_pvc", func() error {
		var err error
		pvc, err = g.clientset.CoreV1().PersistentVolumeClaims(namespace).Get(ctx, name, metav1.GetOptions{})
		return err
	})
	if err != nil {
		return nil, err
	}
	info := &PVCInfo{Bound: pvc.Status.Phase == corev1.ClaimBound}
	if info.Bound && pvc.Spec.VolumeName != "" {
		pv, err := g.clientset.CoreV1().PersistentVolumes().Get(ctx, pvc.Spec.VolumeName, metav1.GetOptions{})
		if err == nil && pv.Spec.CSI != nil {
			info.CloudVolumeID = pv.Spec.CSI.VolumeHandle
		}
	}
	return info, nil
}

func (g *K8sGateway) DeletePersistentVolumeClaim(ctx context.Context, namespace, name string) error {
	return g.withRetry(ctx, "delete_pvc", func() error {
		err := g.clientset.CoreV1().PersistentVolumeClaims(namespace).Delete(ctx, name, metav1.DeleteOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	})
}

func (g *K8sGateway) ListNodesForGPUType(ctx context.Context, gpuType string) ([]NodeInfo, error) {
	var nodes *corev1.NodeList
	err := g.withRetry(ctx, "list_nodes", func() error {
		var err error
		nodes, err = g.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{
			LabelSelector: fmt.Sprintf("%s=%s", g.gpuLabel, gpuType),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]NodeInfo, 0, len(nodes.Items))
	for _, n := range nodes.Items {
		allocatable := 0
		if q, ok := n.Status.Allocatable[gpuResourceName]; ok {
			allocatable = int(q.Value())
		}
		var pods *corev1.PodList
		err := g.withRetry(ctx, "list_pods_on_node", func() error {
			var err error
			pods, err = g.clientset.CoreV1().Pods("").List(ctx, metav1.ListOptions{
				FieldSelector: fields.OneTermEqualSelector("spec.nodeName", n.Name).String(),
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		requested := 0
		for _, p := range pods.Items {
			if p.Status.Phase != corev1.PodRunning {
				continue
			}
			for _, c := range p.Spec.Containers {
				if q, ok := c.Resources.Requests[gpuResourceName]; ok {
					requested += int(q.Value())
				}
			}
		}
		out = append(out, NodeInfo{
			Name:          n.Name,
			InstanceLabel: n.Labels[g.gpuLabel],
			Allocatable:   allocatable,
			Requested:     requested,
		})
	}
	return out, nil
}

func (g *K8sGateway) ReadPodLogs(ctx context.Context, namespace, name string, tailLines int64) (string, error) {
	req := g.clientset.CoreV1().Pods(namespace).GetLogs(name, &corev1.PodLogOptions{TailLines: &tailLines})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("opening log stream for %s/%s: %w", namespace, name, err)
	}
	defer stream.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(stream); err != nil {
		return "", fmt.Errorf("reading log stream for %s/%s: %w", namespace, name, err)
	}
	return buf.String(), nil
}

func (g *K8sGateway) ReadPodEvents(ctx context.Context, namespace, podName string) ([]PodEvent, error) {
	var events *corev1.EventList
	err := g.withRetry(ctx, "list_pod_events", func() error {
		var err error
		events, err = g.clientset.CoreV1().Events(namespace).List(ctx, metav1.ListOptions{
			FieldSelector: fields.OneTermEqualSelector("involvedObject.name", podName).String(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]PodEvent, 0, len(events.Items))
	for _, e := range events.Items {
		container := ""
		if e.InvolvedObject.FieldPath != "" {
			container = e.InvolvedObject.FieldPath
		}
		out = append(out, PodEvent{
			Reason:        e.Reason,
			Message:       e.Message,
			LastTimestamp: e.LastTimestamp.Time,
			ContainerName: container,
		})
	}
	return out, nil
}

func (g *K8sGateway) exec(ctx context.Context, namespace, podName, container string, command []string) (string, error) {
	req := g.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName).
		Namespace(namespace).
		SubResource("exec")
	req.VersionedParams(&corev1.PodExecOptions{
		Container: container,
		Command:   command,
		Stdout:    true,
		Stderr:    true,
	}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(g.restConfig, "POST", req.URL())
	if err != nil {
		return "", fmt.Errorf("building executor for %s/%s: %w", namespace, podName, err)
	}
	var stdout, stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{Stdout: &stdout, Stderr: &stderr})
	if err != nil {
		return stdout.String(), fmt.Errorf("exec in %s/%s failed: %w: %s", namespace, podName, err, stderr.String())
	}
	return stdout.String(), nil
}

func (g *K8sGateway) WriteFile(ctx context.Context, namespace, podName, path, content string) error {
	cmd := []string{"sh", "-c", fmt.Sprintf("cat > %s <<'OSDC_EOF'\n%s\nOSDC_EOF", path, content)}
	_, err := g.exec(ctx, namespace, podName, "", cmd)
	return err
}

func (g *K8sGateway) Broadcast(ctx context.Context, namespace, podName, message string) error {
	cmd := []string{"sh", "-c", fmt.Sprintf("wall %q 2>/dev/null || true", message)}
	_, err := g.exec(ctx, namespace, podName, "", cmd)
	return err
}

func (g *K8sGateway) ExecJupyterToggle(ctx context.Context, namespace, podName string, enable bool) error {
	action := "stop"
	if enable {
		action = "start"
	}
	cmd := []string{"sh", "-c", fmt.Sprintf("supervisorctl %s jupyter", action)}
	_, err := g.exec(ctx, namespace, podName, "jupyter", cmd)
	return err
}

func (g *K8sGateway) WriteAuthorizedKey(ctx context.Context, namespace, podName, key string) error {
	cmd := []string{"sh", "-c", fmt.Sprintf("mkdir -p ~/.ssh && echo %q >> ~/.ssh/authorized_keys", key)}
	_, err := g.exec(ctx, namespace, podName, "", cmd)
	return err
}

func (g *K8sGateway) TCPProbe(ctx context.Context, address string, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("tcp probe to %s failed: %w", address, err)
	}
	return conn.Close()
}

// GPUQuantity is a small helper so podspec can build resource.Quantity
// values without importing apimachinery's resource package directly in
// multiple places.
func GPUQuantity(n int) resource.Quantity {
	return *resource.NewQuantity(int64(n), resource.DecimalSI)
}
