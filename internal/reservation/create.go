package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	corev1 "k8s.io/api/core/v1"

	"github.com/wdvr/gpu-devpod-controlplane/internal/errs"
	"github.com/wdvr/gpu-devpod-controlplane/internal/podspec"
	"github.com/wdvr/gpu-devpod-controlplane/internal/queue"
	"github.com/wdvr/gpu-devpod-controlplane/internal/store"
)

// handleCreate implements the admission algorithm and execution steps of
// the Create handler.
func (p *Processor) handleCreate(ctx context.Context, body queue.Body) error {
	admitted, err := p.admit(ctx, body)
	if err != nil {
		return err
	}
	if !admitted {
		// Capacity insufficient: message is NOT dequeued,
		// which the caller achieves by treating Contention as "leave
		// queued" in dispatch.go.
		return errs.NewContention("admit", body.ReservationID, fmt.Errorf("insufficient gpu capacity for tag %s", body.GPUType))
	}
	return p.execute(ctx, body)
}

// admit opens a DB transaction, locks the GPU-type row, and either moves
// the reservation to pending with an optimistic decrement, or leaves it
// queued for a later attempt. Returns (true, nil) on admission,
// (false, nil) when capacity is insufficient, and an error for
// user-fatal conditions (unknown tag, malformed multi-node request) or
// lock-timeout contention.
func (p *Processor) admit(ctx context.Context, body queue.Body) (bool, error) {
	var admitted bool
	err := p.pool.TxScope(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := store.WithLockTimeout(ctx, tx, p.cfg.AdmitLockTimeout); err != nil {
			return errs.NewTransient("admit", body.ReservationID, err)
		}

		gpuTypes := store.NewGPUTypeStore(tx)
		gt, err := gpuTypes.GetForUpdate(ctx, body.GPUType)
		if err != nil {
			if err == store.ErrNotFound {
				return errs.NewUserFatal("admit", body.ReservationID, "invalid GPU tag", err)
			}
			if isLockTimeout(err) {
				return errs.NewContention("admit", body.ReservationID, err)
			}
			return errs.NewTransient("admit", body.ReservationID, err)
		}

		ok, reason := checkCapacity(body, gt, p.cfg.MaxMultinodeNodes)
		if reason != "" && !ok {
			return errs.NewUserFatal("admit", body.ReservationID, reason, nil)
		}
		if !ok {
			admitted = false
			return nil
		}

		reservations := store.NewReservationStore(tx)
		now := time.Now()
		r := &store.Reservation{
			ID:                 body.ReservationID,
			UserID:             body.UserID,
			Status:             store.StatusQueued,
			GPUType:            body.GPUType,
			GPUCount:           body.GPUCount,
			InstanceFamily:     body.InstanceType,
			DurationHours:      body.DurationHours,
			CreatedAt:          now,
			Image:              body.Image,
			EnvVars:            body.EnvVars,
			PreserveEntrypoint: body.PreserveEntrypoint,
			SecondaryUsers:     []string{},
			MultiNode: store.MultiNode{
				IsMultinode: body.IsMultinode,
				NodeIndex:   body.NodeIndex,
				TotalNodes:  body.TotalNodes,
			},
		}
		if body.MasterReservationID != nil {
			r.MultiNode.MasterReservationID = *body.MasterReservationID
		}
		r.AppendHistory(store.StatusQueued, "created", now)

		inserted, err := reservations.Insert(ctx, r)
		if err != nil {
			return errs.NewTransient("admit", body.ReservationID, err)
		}
		if !inserted {
			// Idempotent redelivery of a Create already admitted earlier:
			// treat as already-admitted so execution proceeds and reuses
			// the existing pod.
			admitted = true
			return nil
		}

		r.AppendHistory(store.StatusPending, "admitted", now)
		if err := reservations.UpdateStatus(ctx, r); err != nil {
			return errs.NewTransient("admit", body.ReservationID, err)
		}
		if err := gpuTypes.DecrementAvailable(ctx, body.GPUType, body.GPUCount); err != nil {
			return errs.NewTransient("admit", body.ReservationID, err)
		}
		admitted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return admitted, nil
}

// checkCapacity implements the admission guard. The second
// return value is a non-empty user-fatal reason only when the request is
// structurally invalid (wrong multiple, too many nodes); a plain
// capacity shortfall returns (false, "").
func checkCapacity(body queue.Body, gt *store.GPUType, maxMultinodeNodes int) (bool, string) {
	if !body.IsMultinode {
		if body.GPUCount > gt.MaxGPUsPerNode {
			return false, fmt.Sprintf("gpu_count %d exceeds max_gpus_per_node %d for single-node reservation", body.GPUCount, gt.MaxGPUsPerNode)
		}
		return body.GPUCount <= gt.AvailableGPUs, ""
	}

	if gt.MaxGPUsPerNode == 0 || body.GPUCount%gt.MaxGPUsPerNode != 0 {
		return false, fmt.Sprintf("multi-node gpu_count %d is not a multiple of max_gpus_per_node %d", body.GPUCount, gt.MaxGPUsPerNode)
	}
	nodesNeeded := body.GPUCount / gt.MaxGPUsPerNode
	if nodesNeeded > maxMultinodeNodes {
		return false, fmt.Sprintf("multi-node reservation needs %d nodes, exceeds cap of %d", nodesNeeded, maxMultinodeNodes)
	}
	if nodesNeeded > gt.FullNodesAvailable {
		return false, ""
	}
	return body.GPUCount <= gt.AvailableGPUs, ""
}

func isLockTimeout(err error) bool {
	return err == store.ErrLockTimeout
}

// execute performs the side effects of reservation execution, entirely
// outside any DB transaction.
func (p *Processor) execute(ctx context.Context, body queue.Body) error {
	var volumeID *string
	if body.DiskName != "" {
		id, err := p.attachVolume(ctx, body)
		if err != nil {
			return err
		}
		volumeID = id
	}

	keys, err := p.fetchOwnerKeys(ctx, body)
	if err != nil {
		return err
	}

	r, err := p.getReservation(ctx, body.ReservationID)
	if err != nil {
		return errs.NewTransient("pod_create", body.ReservationID, err)
	}
	gt, err := p.getGPUType(ctx, body.GPUType)
	if err != nil {
		return errs.NewTransient("pod_create", body.ReservationID, err)
	}

	volumeClaim := ""
	if volumeID != nil {
		volumeClaim = podspec.PodName(body.ReservationID) + "-data"
	}
	masterID := ""
	if body.MasterReservationID != nil {
		masterID = *body.MasterReservationID
	}

	pod := podspec.Build(podspec.Params{
		ReservationID:       body.ReservationID,
		UserID:              body.UserID,
		GPUType:             body.GPUType,
		GPUCount:            body.GPUCount,
		Namespace:           p.cfg.Namespace,
		MaxGPUsPerNode:      gt.MaxGPUsPerNode,
		CPUPerInstance:      gt.CPUPerInstance,
		MemGiBPerInstance:   gt.MemGiBPerInstance,
		Image:               body.Image,
		PreserveEntrypoint:  body.PreserveEntrypoint,
		EnvVars:             body.EnvVars,
		AuthorizedKeys:      keys,
		JupyterEnabled:      body.JupyterEnabled,
		MasterReservationID: masterID,
		NodeIndex:           body.NodeIndex,
		TotalNodes:          body.TotalNodes,
		VolumeClaimName:     volumeClaim,
	})

	created, err := p.cg.CreatePod(ctx, p.cfg.Namespace, pod)
	if err != nil {
		return errs.NewTransient("pod_create", body.ReservationID, err)
	}

	if err := p.pollUntilActive(ctx, body.ReservationID, p.cfg.Namespace, created.Name, r, body.DurationHours); err != nil {
		return err
	}

	if volumeID != nil {
		_ = p.pool.Cursor(ctx, func(ctx context.Context, q store.Querier) error {
			return store.NewReservationStore(q).UpdateVolumeBinding(ctx, body.ReservationID, volumeID)
		})
	}
	return nil
}

func (p *Processor) getReservation(ctx context.Context, id string) (*store.Reservation, error) {
	var r *store.Reservation
	err := p.pool.ReadonlyCursor(ctx, func(ctx context.Context, q store.Querier) error {
		var err error
		r, err = store.NewReservationStore(q).Get(ctx, id)
		return err
	})
	return r, err
}

func (p *Processor) getGPUType(ctx context.Context, tag string) (*store.GPUType, error) {
	var gt *store.GPUType
	err := p.pool.ReadonlyCursor(ctx, func(ctx context.Context, q store.Querier) error {
		var err error
		gt, err = store.NewGPUTypeStore(q).Get(ctx, tag)
		return err
	})
	return gt, err
}

// attachVolume verifies the volume is not in-use/deleted
// via a NOWAIT row lock, bind, commit.
func (p *Processor) attachVolume(ctx context.Context, body queue.Body) (*string, error) {
	var volID string
	err := p.pool.TxScope(ctx, func(ctx context.Context, tx pgx.Tx) error {
		vols := store.NewVolumeStore(tx)
		v, err := vols.GetByNameForUpdate(ctx, body.UserID, body.DiskName)
		if err != nil {
			if err == store.ErrLockTimeout || err == store.ErrDiskInUse {
				return errs.NewUserFatal("disk_attach", body.ReservationID, "disk in use", err)
			}
			if err == store.ErrNotFound {
				return errs.NewUserFatal("disk_attach", body.ReservationID, "disk not found", err)
			}
			return errs.NewTransient("disk_attach", body.ReservationID, err)
		}
		if v.InUse {
			return errs.NewUserFatal("disk_attach", body.ReservationID, "disk in use", nil)
		}
		if err := vols.Bind(ctx, v.ID, body.ReservationID); err != nil {
			return errs.NewTransient("disk_attach", body.ReservationID, err)
		}
		volID = v.ID
		return nil
	})
	if err != nil {
		if uf, ok := asUserFatal(err); ok && uf.Reason == "disk in use" {
			p.failReservation(ctx, body.ReservationID, "disk in use")
		}
		return nil, err
	}
	return &volID, nil
}

func (p *Processor) fetchOwnerKeys(ctx context.Context, body queue.Body) ([]string, error) {
	if body.GithubUser == "" || p.keys == nil {
		return nil, nil
	}
	keys, err := p.keys.Fetch(ctx, body.GithubUser)
	if err != nil {
		// A failure to fetch SSH keys is transient-external (network,
		// 5xx); it does not fail the reservation outright.
		return nil, errs.NewTransient("ssh_key_fetch", body.ReservationID, err)
	}
	return keys, nil
}

// pollUntilActive polls for node
// assignment (preparing), readiness, a TCP probe, then write active.
func (p *Processor) pollUntilActive(ctx context.Context, reservationID, namespace, podName string, r *store.Reservation, durationHours float64) error {
	deadline := time.Now().Add(p.cfg.PrepareTimeout)
	sawPreparing := false

	for {
		if time.Now().After(deadline) {
			p.failReservation(ctx, reservationID, "prepare timeout")
			return errs.NewSystemFatal("pod_prepare", reservationID, "prepare timeout", nil)
		}

		pod, err := p.cg.GetPod(ctx, namespace, podName)
		if err != nil {
			return errs.NewTransient("pod_poll", reservationID, err)
		}

		if podFailed(pod) {
			logs, _ := p.cg.ReadPodLogs(ctx, namespace, podName, 50)
			p.failReservationWithDetail(ctx, reservationID, "pod failed", logs)
			return errs.NewSystemFatal("pod_poll", reservationID, "pod crashloop or exited", nil)
		}

		if !sawPreparing && pod.Spec.NodeName != "" {
			sawPreparing = true
			now := time.Now()
			r.AppendHistory(store.StatusPreparing, "pod scheduled", now)
			_ = p.pool.Cursor(ctx, func(ctx context.Context, q store.Querier) error {
				return store.NewReservationStore(q).UpdateStatus(ctx, r)
			})
		}

		if sawPreparing && podReady(pod) {
			nodes, err := p.cg.ListNodesForGPUType(ctx, r.GPUType)
			if err == nil {
				for _, n := range nodes {
					if n.Name == pod.Spec.NodeName {
						addr := fmt.Sprintf("%s:22", n.Name)
						if probeErr := p.cg.TCPProbe(ctx, addr, 5*time.Second); probeErr == nil {
							return p.markActive(ctx, r, pod, durationHours)
						}
						break
					}
				}
			}
		}

		sleep(ctx, 3*time.Second)
	}
}

func (p *Processor) markActive(ctx context.Context, r *store.Reservation, pod *corev1.Pod, durationHours float64) error {
	now := time.Now()
	launch := now
	expiry := launch.Add(time.Duration(durationHours * float64(time.Hour)))
	r.LaunchTime = &launch
	r.ExpiryTime = &expiry
	r.PodName = pod.Name
	r.NodeIP = pod.Spec.NodeName
	r.AppendHistory(store.StatusActive, "pod ready and reachable", now)

	return p.pool.Cursor(ctx, func(ctx context.Context, q store.Querier) error {
		return store.NewReservationStore(q).UpdateLaunch(ctx, r)
	})
}
