package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/js-next/gridvdc/internal/inventory"
	"github.com/js-next/gridvdc/internal/models"
)

var (
	ErrMissingScope         = errors.New("must pass a farm name or a pool id")
	ErrInsufficientCapacity = errors.New("insufficient capacity")
)

type PoolReader interface {
	GetPool(ctx context.Context, id uint64) (models.Pool, error)
}

type Config struct {
	Directory     inventory.Directory
	Pools         PoolReader
	FarmName      string
	PoolID        uint64
	OverProvision bool
	Seed          int64
}

// Scheduler selects nodes of one farm (optionally narrowed to one pool's
// node set) that can fit a capacity query, keeping a provisional
// reservation ledger on the cached inventory so consecutive queries do not
// double-book a node. It is confined to one task at a time: reservation
// commits are sequential and the scheduler is not safe for concurrent use.
type Scheduler struct {
	inv           *inventory.Inventory
	farmName      string
	overProvision bool
	rnd           *rand.Rand
}

func New(ctx context.Context, cfg Config) (*Scheduler, error) {
	if cfg.FarmName == "" && cfg.PoolID == 0 {
		return nil, ErrMissingScope
	}

	farmName := cfg.FarmName
	var poolNodeIDs []string
	if farmName == "" {
		pool, err := cfg.Pools.GetPool(ctx, cfg.PoolID)
		if err != nil {
			return nil, fmt.Errorf("failed to get pool %d: %w", cfg.PoolID, err)
		}

		farm, err := cfg.Directory.GetFarmByID(ctx, pool.FarmID)
		if err != nil {
			return nil, fmt.Errorf("failed to get farm %d: %w", pool.FarmID, err)
		}

		farmName = farm.Name
		poolNodeIDs = pool.NodeIDs
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Scheduler{
		inv: inventory.New(inventory.Config{
			Directory:   cfg.Directory,
			FarmName:    farmName,
			PoolNodeIDs: poolNodeIDs,
		}),
		farmName:      farmName,
		overProvision: cfg.OverProvision,
		rnd:           rand.New(rand.NewSource(seed)),
	}, nil
}

func (s *Scheduler) FarmName() string {
	return s.farmName
}

func (s *Scheduler) Exclude(nodeIDs ...string) {
	s.inv.Exclude(nodeIDs...)
}

// Refresh invalidates the inventory cache, dropping every provisional
// reservation. Callers use it to re-pull capacity after exhausting a
// stream; retry budgets are theirs, the scheduler never retries on its own.
func (s *Scheduler) Refresh(clearExcluded bool) {
	s.inv.Refresh(clearExcluded)
}

// NodesByCapacity returns a lazy stream of nodes each satisfying the
// query. Node order is randomized per call to spread load across the farm:
// this is a feasibility scheduler, not a bin-packer.
func (s *Scheduler) NodesByCapacity(ctx context.Context, query models.CapacityQuery) (*Stream, error) {
	nodes, err := s.inv.Nodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	shuffled := make([]*models.Node, len(nodes))
	copy(shuffled, nodes)
	s.rnd.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	return &Stream{scheduler: s, query: query, nodes: shuffled}, nil
}

// Stream yields candidate nodes one at a time, committing a provisional
// reservation for each yielded node. Exhaustion means the caller got fewer
// nodes than it wanted and must treat that as failure.
type Stream struct {
	scheduler *Scheduler
	query     models.CapacityQuery
	nodes     []*models.Node
	next      int
}

func (st *Stream) Next() (*models.Node, bool) {
	for st.next < len(st.nodes) {
		node := st.nodes[st.next]
		st.next++

		if !ipCapable(node, st.query.IPVersion) {
			continue
		}
		if !st.scheduler.fits(node, st.query) {
			continue
		}

		st.scheduler.reserve(node, st.query)

		return node, true
	}

	return nil, false
}

// fits checks every requested dimension against total minus reserved.
// Compute (cru/mru) is skippable under over-provisioning; storage (sru/hru)
// is a hard physical constraint and never is.
func (s *Scheduler) fits(node *models.Node, query models.CapacityQuery) bool {
	free := func(total, reserved float64) float64 {
		return total - max(0, reserved)
	}

	if !s.overProvision {
		if query.CRU > 0 && free(node.Total.CRU, node.Reserved.CRU) < query.CRU {
			return false
		}
		if query.MRU > 0 && free(node.Total.MRU, node.Reserved.MRU) < query.MRU {
			return false
		}
	}

	if query.SRU > 0 && free(node.Total.SRU, node.Reserved.SRU) < query.SRU {
		return false
	}
	if query.HRU > 0 && free(node.Total.HRU, node.Reserved.HRU) < query.HRU {
		return false
	}

	return true
}

func (s *Scheduler) reserve(node *models.Node, query models.CapacityQuery) {
	node.Reserved = node.Reserved.Add(models.ResourceUnits{
		CRU: query.CRU,
		MRU: query.MRU,
		SRU: query.SRU,
		HRU: query.HRU,
	})
}

func ipCapable(node *models.Node, version models.IPVersion) bool {
	switch version {
	case models.IPv4:
		return node.PublicIPv4
	case models.IPv6:
		return node.PublicIPv6
	}

	return true
}
