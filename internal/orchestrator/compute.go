package orchestrator

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/js-next/gridvdc/internal/models"
	"github.com/js-next/gridvdc/internal/netalloc"
	"github.com/js-next/gridvdc/internal/pool"
	"github.com/js-next/gridvdc/internal/scheduler"
	"github.com/js-next/gridvdc/internal/validator"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// ExtendTriggerFraction scales a pool's confirmation thresholds during a
// cluster extension, so payment is considered settled once the pool holds
// most of its target units.
const ExtendTriggerFraction = 0.75

// deployKubernetes brings up the master on the network farm, then the
// flavor's worker set on the preferred farm, joined to the master's
// private address.
func (d *Deployer) deployKubernetes(ctx context.Context) error {
	spec := models.FlavorSpecs[d.vdc.Flavor]

	masterPool, err := d.farmPool(ctx, d.networkFarm)
	if err != nil {
		return fmt.Errorf("failed to resolve master pool: %w", err)
	}

	masterIP, err := d.deployMaster(ctx, masterPool, spec.ControllerSize)
	if err != nil {
		return err
	}

	workerPool, err := d.farmPool(ctx, d.preferredFarm)
	if err != nil {
		return fmt.Errorf("failed to resolve worker pool: %w", err)
	}

	sched, err := d.global.Scheduler(ctx, scheduler.Scope{FarmName: d.preferredFarm})
	if err != nil {
		return fmt.Errorf("failed to build worker scheduler: %w", err)
	}

	size := models.K8SSizes[spec.WorkerSize]
	stream, err := sched.NodesByCapacity(ctx, models.CapacityQuery{
		CRU:   size.CRU,
		MRU:   size.MRU,
		SRU:   size.SRU,
		Count: spec.WorkerCount,
	})
	if err != nil {
		return fmt.Errorf("failed to query worker candidates: %w", err)
	}

	_, err = d.addWorkers(ctx, workerPool, stream, spec.WorkerSize, masterIP, spec.WorkerCount, false, d.vdc.SolutionUUID)

	return err
}

// deployMaster tries scheduler candidates one by one until a master
// confirms and reports its public address. Only the confirmed attempt
// holds a workload; failed tries carry no reservation forward.
func (d *Deployer) deployMaster(ctx context.Context, poolID uint64, size models.K8SNodeFlavor) (net.IP, error) {
	sched, err := d.global.Scheduler(ctx, scheduler.Scope{FarmName: d.networkFarm})
	if err != nil {
		return nil, fmt.Errorf("failed to build master scheduler: %w", err)
	}

	resources := models.K8SSizes[size]
	stream, err := sched.NodesByCapacity(ctx, models.CapacityQuery{
		CRU:       resources.CRU,
		MRU:       resources.MRU,
		SRU:       resources.SRU,
		IPVersion: models.IPv4,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query master candidates: %w", err)
	}

	for {
		node, ok := stream.Next()
		if !ok {
			break
		}

		log := d.log.WithField("node", node.ID)

		ip, err := d.alloc.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to pick master address: %w", err)
		}

		id, err := d.registry.Submit(ctx, models.Workload{
			Type:          models.WorkloadComputeMaster,
			NodeID:        node.ID,
			PoolID:        poolID,
			SolutionUUID:  d.vdc.SolutionUUID,
			NextAction:    models.NextActionDeploy,
			NetworkName:   d.vdc.Name,
			IP:            ip,
			PublicIPv4:    true,
			NodeSize:      size,
			ClusterSecret: d.clusterSecret,
			SSHKeys:       d.sshKeys,
		})
		if err != nil {
			log.WithError(err).Warn("failed to submit master workload")
			continue
		}

		workload, err := d.waitResult(ctx, id, true)
		if err != nil {
			log.WithError(err).Warn("master failed, trying next node")
			continue
		}

		log.WithFields(logrus.Fields{
			"workload": id,
			"ip":       workload.Result.PublicIP,
		}).Info("kubernetes master deployed")

		return ip, nil
	}

	return nil, fmt.Errorf("%w: no node on farm %s could host the master", ErrDeploymentFailed, d.networkFarm)
}

// addWorkers deploys count workers, topping up from the stream when some
// of a batch fail, until the count is reached or candidates run out.
func (d *Deployer) addWorkers(ctx context.Context, poolID uint64, stream nodeStream, size models.K8SNodeFlavor, masterIP net.IP, count int, publicIPv4 bool, solutionUUID string) ([]uint64, error) {
	wids := make([]uint64, 0, count)

	for len(wids) < count {
		var submitted []uint64
		for len(submitted)+len(wids) < count {
			node, ok := stream.Next()
			if !ok {
				break
			}

			ip, err := d.alloc.Next()
			if err != nil {
				return wids, fmt.Errorf("failed to pick worker address: %w", err)
			}

			id, err := d.registry.Submit(ctx, models.Workload{
				Type:          models.WorkloadComputeWorker,
				NodeID:        node.ID,
				PoolID:        poolID,
				SolutionUUID:  solutionUUID,
				NextAction:    models.NextActionDeploy,
				NetworkName:   d.vdc.Name,
				IP:            ip,
				PublicIPv4:    publicIPv4,
				NodeSize:      size,
				ClusterSecret: d.clusterSecret,
				MasterIP:      masterIP,
				SSHKeys:       d.sshKeys,
			})
			if err != nil {
				d.log.WithField("node", node.ID).WithError(err).Warn("failed to submit worker workload")
				continue
			}

			submitted = append(submitted, id)
		}

		if len(submitted) == 0 {
			return wids, fmt.Errorf("%w: worker candidates exhausted, deployed %d of %d", ErrDeploymentFailed, len(wids), count)
		}

		for _, id := range submitted {
			if err := d.waitWorkload(ctx, id); err != nil {
				d.log.WithField("workload", id).WithError(err).Warn("worker failed, replacing")
				continue
			}
			wids = append(wids, id)
		}
	}

	d.log.WithField("count", len(wids)).Info("kubernetes workers deployed")

	return wids, nil
}

// ExtendCluster adds count nodes of the given size to the running cluster.
// Existing cluster nodes are excluded from scheduling, the farm's pool is
// extended for the duration, and a failure cancels only the extension's own
// workloads.
func (d *Deployer) ExtendCluster(ctx context.Context, farmName string, size models.K8SNodeFlavor, count int, publicIPv4 bool, duration time.Duration) ([]uint64, error) {
	if err := validator.ValidateNodeExtension(size, count); err != nil {
		return nil, err
	}

	if err := d.loadState(ctx); err != nil {
		return nil, err
	}

	master, ok := d.vdc.Master()
	if !ok {
		return nil, ErrMasterNotFound
	}

	existing := lo.Map(d.vdc.Kubernetes, func(node models.KubernetesNode, _ int) string {
		return node.NodeID
	})

	var occupied []net.IP
	for _, node := range d.vdc.Kubernetes {
		if node.IP != nil {
			occupied = append(occupied, node.IP)
		}
	}
	if d.vdc.ControlPlane.IP != nil {
		occupied = append(occupied, d.vdc.ControlPlane.IP)
	}
	d.alloc.Occupy(occupied...)

	// The private range must fit the new nodes before any money moves.
	if _, err := netalloc.FreeIPs(count, d.ipRange, occupied); err != nil {
		return nil, fmt.Errorf("failed to reserve %d private addresses: %w", count, err)
	}

	resources := models.K8SSizes[size]
	query := models.CapacityQuery{CRU: resources.CRU, MRU: resources.MRU, SRU: resources.SRU}
	if publicIPv4 {
		query.IPVersion = models.IPv4
	}

	checker, err := scheduler.NewChecker(ctx, scheduler.Config{
		Directory:     d.directory,
		Pools:         d.poolReader,
		FarmName:      farmName,
		OverProvision: d.overProvision,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build capacity checker: %w", err)
	}
	checker.Exclude(existing...)
	for i := 0; i < count; i++ {
		if _, err := checker.AddQuery(ctx, query); err != nil {
			return nil, err
		}
	}
	if !checker.Result() {
		return nil, fmt.Errorf("%w: %d %s nodes on farm %s", ErrInsufficientCapacity, count, size, farmName)
	}

	units := pool.WorkloadUnits(resources.Resources(), duration, count, publicIPv4)
	poolID, err := d.pools.GetOrCreate(ctx, pool.Request{
		FarmName:        farmName,
		Units:           units,
		TriggerFraction: ExtendTriggerFraction,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fund extension pool: %w", err)
	}

	sched, err := d.global.Scheduler(ctx, scheduler.Scope{FarmName: farmName})
	if err != nil {
		return nil, fmt.Errorf("failed to build extension scheduler: %w", err)
	}
	sched.Exclude(existing...)

	stream, err := sched.NodesByCapacity(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query extension candidates: %w", err)
	}

	extensionUUID := uuid.NewString()
	wids, err := d.addWorkers(ctx, poolID, stream, size, master.IP, count, publicIPv4, extensionUUID)
	if err != nil {
		if cancelErr := d.cancelSolution(ctx, extensionUUID); cancelErr != nil {
			d.log.WithError(cancelErr).Error("failed to cancel partial extension")
		}
		return nil, err
	}

	return wids, nil
}
