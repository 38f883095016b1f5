package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/js-next/gridvdc/internal/models"
	"github.com/js-next/gridvdc/internal/pool"
	"github.com/js-next/gridvdc/internal/scheduler"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

type nodeStream interface {
	Next() (*models.Node, bool)
}

// candidateSource makes a scheduler stream safe to share between the
// per-shard goroutines. Reservation happens inside Next, so two goroutines
// can never be handed the same capacity twice.
type candidateSource struct {
	mu     sync.Mutex
	stream nodeStream
}

func (c *candidateSource) next() (*models.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stream.Next()
}

// deployStorage places the flavor's erasure-coded shard set across the
// configured storage farms, and only those. Farms are exhausted one by
// one, so a farm that cannot host the whole set spills the remainder onto
// the next.
func (d *Deployer) deployStorage(ctx context.Context) ([]uint64, error) {
	if len(d.storageFarms) == 0 {
		return nil, ErrNoStorageFarms
	}

	spec := models.FlavorSpecs[d.vdc.Flavor]

	stream, err := d.global.StreamFarms(ctx, models.CapacityQuery{
		HRU:       spec.ShardSize,
		IPVersion: models.IPv6,
	}, d.storageFarms...)
	if err != nil {
		return nil, fmt.Errorf("failed to query storage candidates: %w", err)
	}

	return d.deployShards(ctx, &candidateSource{stream: stream}, spec.ShardCount(), spec.ShardSize)
}

// deployShards runs one goroutine per required shard, all pulling
// candidates from the same source. A failed node is skipped and the next
// candidate tried; the whole call fails only when the source runs dry.
func (d *Deployer) deployShards(ctx context.Context, source *candidateSource, count int, size float64) ([]uint64, error) {
	var (
		mu   sync.Mutex
		wids []uint64
	)

	eg, egCtx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		eg.Go(func() error {
			id, err := d.deployShard(egCtx, source, size)
			if err != nil {
				return err
			}

			mu.Lock()
			wids = append(wids, id)
			mu.Unlock()

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return wids, nil
}

func (d *Deployer) deployShard(ctx context.Context, source *candidateSource, size float64) (uint64, error) {
	for {
		node, ok := source.next()
		if !ok {
			return 0, fmt.Errorf("%w: storage candidates exhausted", ErrDeploymentFailed)
		}

		log := d.log.WithField("node", node.ID)

		poolID, err := d.nodePool(ctx, node)
		if err != nil {
			log.WithError(err).Warn("failed to resolve shard pool, trying next node")
			continue
		}

		id, err := d.registry.Submit(ctx, models.Workload{
			Type:         models.WorkloadStorageShard,
			NodeID:       node.ID,
			PoolID:       poolID,
			SolutionUUID: d.vdc.SolutionUUID,
			NextAction:   models.NextActionDeploy,
			Size:         size,
			Mode:         models.ShardModeSeq,
			Password:     d.password,
		})
		if err != nil {
			log.WithError(err).Warn("failed to submit shard workload")
			continue
		}

		if err := d.waitWorkload(ctx, id); err != nil {
			log.WithError(err).Warn("shard failed, trying next node")
			continue
		}

		log.WithField("workload", id).Info("storage shard deployed")
		return id, nil
	}
}

// nodePool maps a node to its farm's funded pool.
func (d *Deployer) nodePool(ctx context.Context, node *models.Node) (uint64, error) {
	farm, err := d.directory.GetFarmByID(ctx, node.FarmID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve farm %d: %w", node.FarmID, err)
	}

	return d.farmPool(ctx, farm.Name)
}

// TopUpStorage extends the storage cluster with one shard per entry of the
// farm sequence, funding each farm's pool for the requested duration before
// deploying onto it.
func (d *Deployer) TopUpStorage(ctx context.Context, farmSequence []string, size float64, duration time.Duration) ([]uint64, error) {
	if err := d.loadState(ctx); err != nil {
		return nil, err
	}

	counts := lo.CountValues(farmSequence)

	var (
		mu   sync.Mutex
		wids []uint64
	)

	eg, egCtx := errgroup.WithContext(ctx)
	for farmName, count := range counts {
		eg.Go(func() error {
			units := pool.WorkloadUnits(models.ResourceUnits{HRU: size}, duration, count, false)
			if _, err := d.pools.GetOrCreate(egCtx, pool.Request{FarmName: farmName, Units: units}); err != nil {
				return fmt.Errorf("failed to fund pool on farm %s: %w", farmName, err)
			}

			sched, err := d.global.Scheduler(egCtx, scheduler.Scope{FarmName: farmName})
			if err != nil {
				return fmt.Errorf("failed to build scheduler for farm %s: %w", farmName, err)
			}

			stream, err := sched.NodesByCapacity(egCtx, models.CapacityQuery{
				HRU:       size,
				IPVersion: models.IPv6,
			})
			if err != nil {
				return fmt.Errorf("failed to query candidates on farm %s: %w", farmName, err)
			}

			ids, err := d.deployShards(egCtx, &candidateSource{stream: stream}, count, size)
			if err != nil {
				return err
			}

			mu.Lock()
			wids = append(wids, ids...)
			mu.Unlock()

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return wids, nil
}
