package scheduler

import (
	"context"
	"math/rand"

	"github.com/js-next/gridvdc/internal/models"
)

// Checker answers "is there enough capacity" by running the selection
// logic against a disposable ledger. Reservations made while checking
// accumulate across AddQuery calls but never reach the live scheduler.
type Checker struct {
	scheduler *Scheduler
	ok        bool
}

func NewChecker(ctx context.Context, cfg Config) (*Checker, error) {
	sched, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &Checker{scheduler: sched, ok: true}, nil
}

// Checker clones the scheduler's ledger into a dry-run checker sharing its
// current reservation state. The clone shuffles with its own source, so
// dry runs never advance the live scheduler's candidate order.
func (s *Scheduler) Checker() *Checker {
	return &Checker{
		scheduler: &Scheduler{
			inv:           s.inv.Clone(),
			farmName:      s.farmName,
			overProvision: s.overProvision,
			rnd:           rand.New(rand.NewSource(rand.Int63())),
		},
		ok: true,
	}
}

func (c *Checker) Exclude(nodeIDs ...string) {
	c.scheduler.Exclude(nodeIDs...)
}

// AddQuery consumes Count+BackupCount matching nodes from the disposable
// ledger. Once a query fails, the checker stays negative until Refresh.
func (c *Checker) AddQuery(ctx context.Context, query models.CapacityQuery) (bool, error) {
	count := query.Count
	if count == 0 {
		count = 1
	}
	count += query.BackupCount

	stream, err := c.scheduler.NodesByCapacity(ctx, query)
	if err != nil {
		return false, err
	}

	for i := 0; i < count; i++ {
		if _, ok := stream.Next(); !ok {
			c.ok = false
			return c.ok, nil
		}
	}

	return c.ok, nil
}

func (c *Checker) Result() bool {
	return c.ok
}

func (c *Checker) Refresh(clearExcluded bool) {
	c.ok = true
	c.scheduler.Refresh(clearExcluded)
}
