package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/js-next/gridvdc/internal/models"
)

var ErrDirectoryUnavailable = errors.New("node directory unavailable")

//go:generate mockgen -source inventory.go -destination mocks/directory.go -package mocks
type Directory interface {
	SearchNodes(ctx context.Context, farmName string) ([]models.Node, error)
	GetFarm(ctx context.Context, name string) (models.Farm, error)
	GetFarmByID(ctx context.Context, id uint64) (models.Farm, error)
}

type Config struct {
	Directory   Directory
	FarmName    string
	PoolNodeIDs []string
}

// Inventory is a local, refreshable cache of one farm's live nodes. It is
// never the source of truth: the scheduler mutates the cached reserved
// counters as a provisional ledger, and Refresh drops all of that.
type Inventory struct {
	directory   Directory
	farmName    string
	poolNodeIDs map[string]struct{}
	excluded    map[string]struct{}
	nodes       []*models.Node
	stale       bool
}

func New(cfg Config) *Inventory {
	poolNodeIDs := make(map[string]struct{}, len(cfg.PoolNodeIDs))
	for _, id := range cfg.PoolNodeIDs {
		poolNodeIDs[id] = struct{}{}
	}

	return &Inventory{
		directory:   cfg.Directory,
		farmName:    cfg.FarmName,
		poolNodeIDs: poolNodeIDs,
		excluded:    make(map[string]struct{}),
		stale:       true,
	}
}

func (i *Inventory) FarmName() string {
	return i.farmName
}

// Nodes returns the cached node set, pulling from the directory when the
// cache is stale. Excluded nodes are filtered out of the view but stay in
// the cache so their reservations survive until a refresh.
func (i *Inventory) Nodes(ctx context.Context) ([]*models.Node, error) {
	if i.stale {
		if err := i.pull(ctx); err != nil {
			return nil, err
		}
	}

	nodes := make([]*models.Node, 0, len(i.nodes))
	for _, node := range i.nodes {
		if _, ok := i.excluded[node.ID]; ok {
			continue
		}
		nodes = append(nodes, node)
	}

	return nodes, nil
}

func (i *Inventory) pull(ctx context.Context) error {
	found, err := i.directory.SearchNodes(ctx, i.farmName)
	if err != nil {
		return fmt.Errorf("%w: failed to search nodes of farm %s: %s", ErrDirectoryUnavailable, i.farmName, err)
	}

	i.nodes = i.nodes[:0]
	for _, node := range found {
		if !node.IsUp() {
			continue
		}
		if len(i.poolNodeIDs) > 0 {
			if _, ok := i.poolNodeIDs[node.ID]; !ok {
				continue
			}
		}
		node := node
		i.nodes = append(i.nodes, &node)
	}
	i.stale = false

	return nil
}

// Exclude blacklists nodes for the lifetime of the inventory, surviving
// refreshes unless explicitly cleared.
func (i *Inventory) Exclude(nodeIDs ...string) {
	for _, id := range nodeIDs {
		i.excluded[id] = struct{}{}
	}
}

func (i *Inventory) Refresh(clearExcluded bool) {
	i.stale = true
	if clearExcluded {
		i.excluded = make(map[string]struct{})
	}
}

// Clone copies the inventory including the reservation state of every
// cached node. Mutations on the clone never reach the original, which is
// what makes dry-run feasibility checks side-effect free.
func (i *Inventory) Clone() *Inventory {
	clone := &Inventory{
		directory:   i.directory,
		farmName:    i.farmName,
		poolNodeIDs: make(map[string]struct{}, len(i.poolNodeIDs)),
		excluded:    make(map[string]struct{}, len(i.excluded)),
		nodes:       make([]*models.Node, 0, len(i.nodes)),
		stale:       i.stale,
	}
	for id := range i.poolNodeIDs {
		clone.poolNodeIDs[id] = struct{}{}
	}
	for id := range i.excluded {
		clone.excluded[id] = struct{}{}
	}
	for _, node := range i.nodes {
		copied := *node
		clone.nodes = append(clone.nodes, &copied)
	}

	return clone
}
