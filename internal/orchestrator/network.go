package orchestrator

import (
	"context"
	"fmt"

	"github.com/js-next/gridvdc/internal/models"
	"github.com/js-next/gridvdc/internal/scheduler"
)

// deployNetwork creates the VDC's private overlay network, anchored on a
// publicly reachable node of the network farm. Candidate nodes are tried
// in scheduler order until one confirms.
func (d *Deployer) deployNetwork(ctx context.Context) error {
	sched, err := d.global.Scheduler(ctx, scheduler.Scope{FarmName: d.networkFarm})
	if err != nil {
		return fmt.Errorf("failed to build network farm scheduler: %w", err)
	}

	poolID, err := d.farmPool(ctx, d.networkFarm)
	if err != nil {
		return fmt.Errorf("failed to resolve network farm pool: %w", err)
	}

	stream, err := sched.NodesByCapacity(ctx, models.CapacityQuery{IPVersion: models.IPv4})
	if err != nil {
		return fmt.Errorf("failed to query network candidates: %w", err)
	}

	for {
		node, ok := stream.Next()
		if !ok {
			break
		}

		log := d.log.WithField("node", node.ID)

		id, err := d.registry.Submit(ctx, models.Workload{
			Type:         models.WorkloadNetwork,
			NodeID:       node.ID,
			PoolID:       poolID,
			SolutionUUID: d.vdc.SolutionUUID,
			NextAction:   models.NextActionDeploy,
			NetworkName:  d.vdc.Name,
			IPRange:      d.ipRange.String(),
		})
		if err != nil {
			log.WithError(err).Warn("failed to submit network workload")
			continue
		}

		if err := d.waitWorkload(ctx, id); err != nil {
			log.WithError(err).Warn("network access point failed, trying next node")
			continue
		}

		log.WithField("workload", id).Info("network deployed")
		return nil
	}

	return fmt.Errorf("%w: no node on farm %s could host the network access point", ErrDeploymentFailed, d.networkFarm)
}
