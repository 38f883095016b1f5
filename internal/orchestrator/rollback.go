package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/js-next/gridvdc/internal/models"
	"golang.org/x/sync/errgroup"
)

// Rollback decommissions every workload of the VDC's deployment and cleans
// up its dns records. Pools stay funded. Already decommissioned or unknown
// workloads are skipped, so the call is safe to repeat.
func (d *Deployer) Rollback(ctx context.Context) error {
	d.log.Warn("rolling back deployment")

	if err := d.cancelSolution(ctx, d.vdc.SolutionUUID); err != nil {
		return err
	}

	records, err := d.dns.ListRecords(ctx, d.parentDomain, d.DomainPrefix())
	if err != nil {
		return fmt.Errorf("failed to list dns records: %w", err)
	}
	for _, record := range records {
		if err := d.dns.DeleteRecord(ctx, record.FQDN, record.ID); err != nil {
			return fmt.Errorf("failed to delete dns record %s: %w", record.FQDN, err)
		}
	}

	d.vdc.Kubernetes = nil
	d.vdc.Shards = nil
	d.vdc.ControlPlane = models.ControlPlane{}
	d.vdc.Domain = ""
	d.vdc.DomainWID = 0

	return nil
}

// cancelSolution decommissions every workload sharing one solution uuid.
func (d *Deployer) cancelSolution(ctx context.Context, solutionUUID string) error {
	workloads, err := d.registry.ListBySolution(ctx, solutionUUID)
	if err != nil {
		return fmt.Errorf("failed to list solution workloads: %w", err)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(MaxConcurrentCancellations)

	for _, workload := range workloads {
		if workload.NextAction == models.NextActionDelete {
			continue
		}

		eg.Go(func() error {
			err := d.registry.Decommission(egCtx, workload.ID)
			if err != nil && !errors.Is(err, ErrWorkloadNotFound) {
				return fmt.Errorf("failed to decommission workload %d: %w", workload.ID, err)
			}

			d.log.WithField("workload", workload.ID).Info("workload decommissioned")
			return nil
		})
	}

	return eg.Wait()
}

// rollbackAfter logs the stage failure, rolls the deployment back and
// reports both outcomes.
func (d *Deployer) rollbackAfter(ctx context.Context, stage string, stageErr error) error {
	d.log.WithField("stage", stage).WithError(stageErr).Error("deployment stage failed")

	if rollbackErr := d.Rollback(ctx); rollbackErr != nil {
		return errors.Join(
			fmt.Errorf("stage %s: %w", stage, stageErr),
			fmt.Errorf("rollback: %w", rollbackErr),
		)
	}

	return fmt.Errorf("stage %s: %w", stage, stageErr)
}
