package clustergw

import (
	"context"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// FakeGateway is a hand-written in-memory Gateway for tests, following
// the same pattern as queue.FakeQueue.
type FakeGateway struct {
	mu sync.Mutex

	pods map[string]*corev1.Pod // key: namespace/name
	jobs map[string]*Job
	pvcs map[string]*PVCInfo

	nodes map[string][]NodeInfo // key: gpuType

	logs   map[string]string
	events map[string][]PodEvent

	files          map[string]string // key: namespace/pod/path
	broadcasts     []string
	jupyterState   map[string]bool
	authorizedKeys map[string][]string
	probeOK        map[string]bool

	FailNextExec bool
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		pods:           map[string]*corev1.Pod{},
		jobs:           map[string]*Job{},
		pvcs:           map[string]*PVCInfo{},
		nodes:          map[string][]NodeInfo{},
		logs:           map[string]string{},
		events:         map[string][]PodEvent{},
		files:          map[string]string{},
		jupyterState:   map[string]bool{},
		authorizedKeys: map[string][]string{},
		probeOK:        map[string]bool{},
	}
}

func podKey(namespace, name string) string { return namespace + "/" + name }

func (f *FakeGateway) CreatePod(ctx context.Context, namespace string, pod *corev1.Pod) (*corev1.Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := podKey(namespace, pod.Name)
	if existing, ok := f.pods[key]; ok {
		return existing, nil
	}
	cp := pod.DeepCopy()
	cp.Status.Phase = corev1.PodPending
	f.pods[key] = cp
	return cp, nil
}

func (f *FakeGateway) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pod, ok := f.pods[podKey(namespace, name)]
	if !ok {
		return nil, fmt.Errorf("pod %s/%s not found", namespace, name)
	}
	return pod, nil
}

func (f *FakeGateway) DeletePod(ctx context.Context, namespace, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pods, podKey(namespace, name))
	return nil
}

func (f *FakeGateway) CreateJob(ctx context.Context, namespace string, job *Job) (*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := podKey(namespace, job.Name)
	if existing, ok := f.jobs[key]; ok {
		return existing, nil
	}
	cp := *job
	cp.Namespace = namespace
	f.jobs[key] = &cp
	return &cp, nil
}

func (f *FakeGateway) GetJob(ctx context.Context, namespace, name string) (*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[podKey(namespace, name)]
	if !ok {
		return nil, fmt.Errorf("job %s/%s not found", namespace, name)
	}
	return job, nil
}

func (f *FakeGateway) DeleteJob(ctx context.Context, namespace, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, podKey(namespace, name))
	return nil
}

func (f *FakeGateway) CreatePersistentVolumeClaim(ctx context.Context, namespace, name string, sizeGiB int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := podKey(namespace, name)
	if _, ok := f.pvcs[key]; ok {
		return nil
	}
	// Fakes bind immediately and assign a deterministic volume handle;
	// tests that need to exercise the pending->bound poll can call
	// SetPVCBound(false) first and flip it later.
	f.pvcs[key] = &PVCInfo{Bound: true, CloudVolumeID: "vol-fake-" + name}
	return nil
}

func (f *FakeGateway) GetPersistentVolumeClaim(ctx context.Context, namespace, name string) (*PVCInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.pvcs[podKey(namespace, name)]
	if !ok {
		return nil, fmt.Errorf("pvc %s/%s not found", namespace, name)
	}
	cp := *info
	return &cp, nil
}

func (f *FakeGateway) DeletePersistentVolumeClaim(ctx context.Context, namespace, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pvcs, podKey(namespace, name))
	return nil
}

func (f *FakeGateway) SetPVCBound(namespace, name string, bound bool, cloudVolumeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pvcs[podKey(namespace, name)] = &PVCInfo{Bound: bound, CloudVolumeID: cloudVolumeID}
}

func (f *FakeGateway) ListNodesForGPUType(ctx context.Context, gpuType string) ([]NodeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]NodeInfo(nil), f.nodes[gpuType]...), nil
}

func (f *FakeGateway) ReadPodLogs(ctx context.Context, namespace, name string, tailLines int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs[podKey(namespace, name)], nil
}

func (f *FakeGateway) ReadPodEvents(ctx context.Context, namespace, podName string) ([]PodEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PodEvent(nil), f.events[podKey(namespace, podName)]...), nil
}

func (f *FakeGateway) WriteFile(ctx context.Context, namespace, podName, path, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNextExec {
		f.FailNextExec = false
		return fmt.Errorf("simulated exec failure")
	}
	f.files[podKey(namespace, podName)+":"+path] = content
	return nil
}

func (f *FakeGateway) Broadcast(ctx context.Context, namespace, podName, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, message)
	return nil
}

func (f *FakeGateway) ExecJupyterToggle(ctx context.Context, namespace, podName string, enable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jupyterState[podKey(namespace, podName)] = enable
	return nil
}

func (f *FakeGateway) WriteAuthorizedKey(ctx context.Context, namespace, podName, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := podKey(namespace, podName)
	f.authorizedKeys[k] = append(f.authorizedKeys[k], key)
	return nil
}

func (f *FakeGateway) TCPProbe(ctx context.Context, address string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.probeOK[address] {
		return nil
	}
	return fmt.Errorf("tcp probe to %s failed", address)
}

// --- test setup helpers ---

func (f *FakeGateway) SetNodes(gpuType string, nodes []NodeInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[gpuType] = nodes
}

func (f *FakeGateway) SetPodPhase(namespace, name string, phase corev1.PodPhase) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pod, ok := f.pods[podKey(namespace, name)]; ok {
		pod.Status.Phase = phase
	}
}

func (f *FakeGateway) SetPodEvents(namespace, name string, events []PodEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[podKey(namespace, name)] = events
}

func (f *FakeGateway) SetProbeOK(address string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeOK[address] = ok
}

func (f *FakeGateway) JupyterEnabled(namespace, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jupyterState[podKey(namespace, name)]
}

func (f *FakeGateway) AuthorizedKeys(namespace, name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.authorizedKeys[podKey(namespace, name)]...)
}

func (f *FakeGateway) Broadcasts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.broadcasts...)
}

func (f *FakeGateway) FileContent(namespace, name, path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.files[podKey(namespace, name)+":"+path]
	return v, ok
}

var _ Gateway = (*FakeGateway)(nil)
