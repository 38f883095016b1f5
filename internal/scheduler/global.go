package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/js-next/gridvdc/internal/inventory"
	"github.com/js-next/gridvdc/internal/models"
)

type GlobalConfig struct {
	Directory     inventory.Directory
	Pools         PoolReader
	OverProvision bool
	Seed          int64
}

// GlobalScheduler fans selection out over one Scheduler per farm.
// Registration is safe from concurrent tasks; the per-farm schedulers
// themselves share no state with each other, so different farms may be
// queried concurrently, one task per farm.
type GlobalScheduler struct {
	directory     inventory.Directory
	pools         PoolReader
	overProvision bool

	mu         sync.Mutex
	schedulers map[string]*Scheduler
	rnd        *rand.Rand
}

func NewGlobal(cfg GlobalConfig) *GlobalScheduler {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &GlobalScheduler{
		directory:     cfg.Directory,
		pools:         cfg.Pools,
		overProvision: cfg.OverProvision,
		schedulers:    make(map[string]*Scheduler),
		rnd:           rand.New(rand.NewSource(seed)),
	}
}

// Scope targets one farm or one pool.
type Scope struct {
	FarmName string
	PoolID   uint64
}

func (g *GlobalScheduler) Scheduler(ctx context.Context, scope Scope) (*Scheduler, error) {
	g.mu.Lock()
	if scope.FarmName != "" {
		if sched, ok := g.schedulers[scope.FarmName]; ok {
			g.mu.Unlock()
			return sched, nil
		}
	}
	seed := g.rnd.Int63()
	g.mu.Unlock()

	sched, err := New(ctx, Config{
		Directory:     g.directory,
		Pools:         g.pools,
		FarmName:      scope.FarmName,
		PoolID:        scope.PoolID,
		OverProvision: g.overProvision,
		Seed:          seed,
	})
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// first scheduler registered for a farm wins, pool-scoped or not
	if existing, ok := g.schedulers[sched.FarmName()]; ok {
		return existing, nil
	}
	g.schedulers[sched.FarmName()] = sched

	return sched, nil
}

func (g *GlobalScheduler) AddFarms(ctx context.Context, farmNames ...string) error {
	for _, name := range farmNames {
		if _, err := g.Scheduler(ctx, Scope{FarmName: name}); err != nil {
			return fmt.Errorf("failed to add farm %s: %w", name, err)
		}
	}

	return nil
}

// NodesByCapacity streams candidates of exactly one scoped farm or pool.
func (g *GlobalScheduler) NodesByCapacity(ctx context.Context, scope Scope, query models.CapacityQuery) (*GlobalStream, error) {
	sched, err := g.Scheduler(ctx, scope)
	if err != nil {
		return nil, err
	}

	stream, err := sched.NodesByCapacity(ctx, query)
	if err != nil {
		return nil, err
	}

	return &GlobalStream{streams: []*Stream{stream}}, nil
}

// StreamFarms merges the candidate streams of exactly the named farms,
// exhausting each farm before moving to the next, in randomized farm
// order. No other farm ever serves a candidate, whatever else has been
// registered.
func (g *GlobalScheduler) StreamFarms(ctx context.Context, query models.CapacityQuery, farmNames ...string) (*GlobalStream, error) {
	schedulers := make([]*Scheduler, 0, len(farmNames))
	for _, name := range farmNames {
		sched, err := g.Scheduler(ctx, Scope{FarmName: name})
		if err != nil {
			return nil, err
		}
		schedulers = append(schedulers, sched)
	}

	g.mu.Lock()
	g.rnd.Shuffle(len(schedulers), func(i, j int) {
		schedulers[i], schedulers[j] = schedulers[j], schedulers[i]
	})
	g.mu.Unlock()

	streams := make([]*Stream, 0, len(schedulers))
	for _, sched := range schedulers {
		stream, err := sched.NodesByCapacity(ctx, query)
		if err != nil {
			return nil, err
		}
		streams = append(streams, stream)
	}

	return &GlobalStream{streams: streams}, nil
}

type GlobalStream struct {
	streams []*Stream
	current int
}

func (gs *GlobalStream) Next() (*models.Node, bool) {
	for gs.current < len(gs.streams) {
		if node, ok := gs.streams[gs.current].Next(); ok {
			return node, true
		}
		gs.current++
	}

	return nil, false
}

// GlobalChecker runs dry-run feasibility checks per farm, accumulating a
// single verdict across every added query.
type GlobalChecker struct {
	cfg      GlobalConfig
	checkers map[string]*Checker
	ok       bool
}

func NewGlobalChecker(cfg GlobalConfig) *GlobalChecker {
	return &GlobalChecker{
		cfg:      cfg,
		checkers: make(map[string]*Checker),
		ok:       true,
	}
}

func (gc *GlobalChecker) checker(ctx context.Context, farmName string) (*Checker, error) {
	if checker, ok := gc.checkers[farmName]; ok {
		return checker, nil
	}

	checker, err := NewChecker(ctx, Config{
		Directory:     gc.cfg.Directory,
		Pools:         gc.cfg.Pools,
		FarmName:      farmName,
		OverProvision: gc.cfg.OverProvision,
		Seed:          gc.cfg.Seed,
	})
	if err != nil {
		return nil, err
	}
	gc.checkers[farmName] = checker

	return checker, nil
}

func (gc *GlobalChecker) Exclude(ctx context.Context, farmName string, nodeIDs ...string) error {
	checker, err := gc.checker(ctx, farmName)
	if err != nil {
		return err
	}
	checker.Exclude(nodeIDs...)

	return nil
}

func (gc *GlobalChecker) AddQuery(ctx context.Context, farmName string, query models.CapacityQuery) (bool, error) {
	checker, err := gc.checker(ctx, farmName)
	if err != nil {
		return false, err
	}

	ok, err := checker.AddQuery(ctx, query)
	if err != nil {
		return false, err
	}
	if !ok {
		gc.ok = false
	}

	return gc.ok, nil
}

func (gc *GlobalChecker) Result() bool {
	return gc.ok
}
