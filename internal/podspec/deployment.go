package podspec

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const sshKeyInitContainerImage = "docker.io/library/alpine:3.19"

// Params is the full set of inputs needed to materialise a reservation
// pod, gathered by the reservation package from the reservation row, its
// GPU-type row, and the fetched SSH keys.
type Params struct {
	ReservationID string
	UserID        string
	GPUType       string
	GPUCount      int
	Namespace     string

	MaxGPUsPerNode    int
	CPUPerInstance    int
	MemGiBPerInstance int

	Image              string
	PreserveEntrypoint bool
	EnvVars            map[string]string
	AuthorizedKeys     []string

	JupyterEnabled bool

	MasterReservationID string
	NodeIndex           int
	TotalNodes          int

	VolumeClaimName string // empty if no attached volume
}

// PodName derives the deterministic pod name RP uses for idempotent
// create/get/delete: a short stable hash of reservation_id.
func PodName(reservationID string) string {
	return fmt.Sprintf("gpu-pod-%s", shortHash(reservationID))
}

// Build assembles the full corev1.Pod for a reservation.
func Build(p Params) *corev1.Pod {
	env := make([]corev1.EnvVar, 0, len(p.EnvVars))
	for k, v := range p.EnvVars {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	main := corev1.Container{
		Name:      "workspace",
		Image:     p.Image,
		Env:       env,
		Resources: Resources(p.GPUCount, p.MaxGPUsPerNode, p.CPUPerInstance, p.MemGiBPerInstance),
		VolumeMounts: []corev1.VolumeMount{
			{Name: "home", MountPath: "/root"},
		},
	}
	if p.PreserveEntrypoint {
		main.Command = nil
	}

	containers := []corev1.Container{main}
	if p.JupyterEnabled {
		containers = append(containers, jupyterSidecar())
	}

	volumes := []corev1.Volume{homeVolume(p.VolumeClaimName)}

	init := sshKeyInitContainer(p.AuthorizedKeys)

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        PodName(p.ReservationID),
			Namespace:   p.Namespace,
			Labels:      Labels(p.ReservationID, p.UserID, p.GPUType),
			Annotations: Annotations(p.MasterReservationID, p.NodeIndex, p.TotalNodes),
		},
		Spec: corev1.PodSpec{
			RestartPolicy:  corev1.RestartPolicyNever,
			NodeSelector:   map[string]string{NodeSelectorKey: p.GPUType},
			InitContainers: []corev1.Container{init},
			Containers:     containers,
			Volumes:        volumes,
		},
	}
	return pod
}

func homeVolume(claimName string) corev1.Volume {
	if claimName == "" {
		return corev1.Volume{Name: "home", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}}
	}
	return corev1.Volume{
		Name: "home",
		VolumeSource: corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: claimName},
		},
	}
}

func sshKeyInitContainer(keys []string) corev1.Container {
	script := "mkdir -p /root/.ssh && chmod 700 /root/.ssh"
	for _, k := range keys {
		script += fmt.Sprintf(" && echo %q >> /root/.ssh/authorized_keys", k)
	}
	script += " && chmod 600 /root/.ssh/authorized_keys"
	return corev1.Container{
		Name:         "authorize-ssh-keys",
		Image:        sshKeyInitContainerImage,
		Command:      []string{"sh", "-c", script},
		VolumeMounts: []corev1.VolumeMount{{Name: "home", MountPath: "/root"}},
	}
}

func jupyterSidecar() corev1.Container {
	return corev1.Container{
		Name:  "jupyter",
		Image: "docker.io/jupyter/minimal-notebook:latest",
		Ports: []corev1.ContainerPort{{Name: "jupyter", ContainerPort: 8888}},
		VolumeMounts: []corev1.VolumeMount{
			{Name: "home", MountPath: "/home/jovyan", SubPath: "notebooks"},
		},
	}
}
