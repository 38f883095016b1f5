package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/js-next/gridvdc/internal/models"
	"github.com/stretchr/testify/assert"
)

type fakeDirectory struct {
	nodes   []models.Node
	farms   map[string]models.Farm
	farmIDs map[uint64]models.Farm
	err     error
}

func (f *fakeDirectory) SearchNodes(ctx context.Context, farmName string) ([]models.Node, error) {
	if f.err != nil {
		return nil, f.err
	}

	return f.nodes, nil
}

func (f *fakeDirectory) GetFarm(ctx context.Context, name string) (models.Farm, error) {
	if f.err != nil {
		return models.Farm{}, f.err
	}
	farm, ok := f.farms[name]
	if !ok {
		return models.Farm{}, fmt.Errorf("farm %s not found", name)
	}

	return farm, nil
}

func (f *fakeDirectory) GetFarmByID(ctx context.Context, id uint64) (models.Farm, error) {
	if f.err != nil {
		return models.Farm{}, f.err
	}
	farm, ok := f.farmIDs[id]
	if !ok {
		return models.Farm{}, fmt.Errorf("farm %d not found", id)
	}

	return farm, nil
}

type fakePools struct {
	pools map[uint64]models.Pool
}

func (f *fakePools) GetPool(ctx context.Context, id uint64) (models.Pool, error) {
	pool, ok := f.pools[id]
	if !ok {
		return models.Pool{}, fmt.Errorf("pool %d not found", id)
	}

	return pool, nil
}

func upNode(id string, total models.ResourceUnits) models.Node {
	return models.Node{
		ID:         id,
		FarmID:     1,
		Updated:    time.Now(),
		Total:      total,
		PublicIPv6: true,
	}
}

func Test_New(t *testing.T) {
	directory := &fakeDirectory{
		farmIDs: map[uint64]models.Farm{7: {ID: 7, Name: "freefarm"}},
	}
	pools := &fakePools{
		pools: map[uint64]models.Pool{42: {ID: 42, FarmID: 7, NodeIDs: []string{"a"}}},
	}

	testCases := []struct {
		name     string
		cfg      Config
		wantFarm string
		wantErr  bool
		err      error
	}{
		{
			name:     "farm scope",
			cfg:      Config{Directory: directory, FarmName: "freefarm"},
			wantFarm: "freefarm",
		},
		{
			name:     "pool scope resolves farm",
			cfg:      Config{Directory: directory, Pools: pools, PoolID: 42},
			wantFarm: "freefarm",
		},
		{
			name:    "missing scope",
			cfg:     Config{Directory: directory},
			wantErr: true,
			err:     ErrMissingScope,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sched, err := New(context.Background(), tc.cfg)
			if tc.wantErr {
				assert.ErrorIs(t, err, tc.err)
				return
			}

			assert.NoError(t, err)
			assert.Equal(t, tc.wantFarm, sched.FarmName())
		})
	}
}

func Test_NodesByCapacity_ReservationLedger(t *testing.T) {
	directory := &fakeDirectory{
		nodes: []models.Node{
			upNode("a", models.ResourceUnits{CRU: 4, MRU: 8, SRU: 100, HRU: 0}),
		},
	}

	sched, err := New(context.Background(), Config{Directory: directory, FarmName: "freefarm", Seed: 1})
	assert.NoError(t, err)

	query := models.CapacityQuery{SRU: 60}

	stream, err := sched.NodesByCapacity(context.Background(), query)
	assert.NoError(t, err)

	node, ok := stream.Next()
	assert.True(t, ok)
	assert.Equal(t, "a", node.ID)

	// The first match booked 60 of 100 sru, a second identical query must
	// not fit anywhere.
	stream, err = sched.NodesByCapacity(context.Background(), query)
	assert.NoError(t, err)

	_, ok = stream.Next()
	assert.False(t, ok)
}

func Test_NodesByCapacity_StorageNeverOverProvisioned(t *testing.T) {
	directory := &fakeDirectory{
		nodes: []models.Node{
			upNode("a", models.ResourceUnits{CRU: 1, MRU: 1, SRU: 10, HRU: 10}),
		},
	}

	sched, err := New(context.Background(), Config{
		Directory:     directory,
		FarmName:      "freefarm",
		OverProvision: true,
		Seed:          1,
	})
	assert.NoError(t, err)

	// Compute over-provisioning lets an oversized cru/mru query through.
	stream, err := sched.NodesByCapacity(context.Background(), models.CapacityQuery{CRU: 64, MRU: 256})
	assert.NoError(t, err)
	_, ok := stream.Next()
	assert.True(t, ok)

	// Storage stays a hard constraint regardless.
	stream, err = sched.NodesByCapacity(context.Background(), models.CapacityQuery{SRU: 11})
	assert.NoError(t, err)
	_, ok = stream.Next()
	assert.False(t, ok)

	stream, err = sched.NodesByCapacity(context.Background(), models.CapacityQuery{HRU: 11})
	assert.NoError(t, err)
	_, ok = stream.Next()
	assert.False(t, ok)
}

func Test_NodesByCapacity_SkipsStaleAndIncapableNodes(t *testing.T) {
	stale := upNode("stale", models.ResourceUnits{SRU: 100})
	stale.Updated = time.Now().Add(-time.Hour)

	noIPv4 := upNode("no-ipv4", models.ResourceUnits{SRU: 100})

	ipv4 := upNode("ipv4", models.ResourceUnits{SRU: 100})
	ipv4.PublicIPv4 = true

	directory := &fakeDirectory{nodes: []models.Node{stale, noIPv4, ipv4}}

	sched, err := New(context.Background(), Config{Directory: directory, FarmName: "freefarm", Seed: 1})
	assert.NoError(t, err)

	stream, err := sched.NodesByCapacity(context.Background(), models.CapacityQuery{SRU: 10, IPVersion: models.IPv4})
	assert.NoError(t, err)

	node, ok := stream.Next()
	assert.True(t, ok)
	assert.Equal(t, "ipv4", node.ID)

	_, ok = stream.Next()
	assert.False(t, ok)
}

func Test_Exclude(t *testing.T) {
	directory := &fakeDirectory{
		nodes: []models.Node{
			upNode("a", models.ResourceUnits{SRU: 100}),
			upNode("b", models.ResourceUnits{SRU: 100}),
		},
	}

	sched, err := New(context.Background(), Config{Directory: directory, FarmName: "freefarm", Seed: 1})
	assert.NoError(t, err)

	sched.Exclude("a")

	stream, err := sched.NodesByCapacity(context.Background(), models.CapacityQuery{SRU: 10})
	assert.NoError(t, err)

	node, ok := stream.Next()
	assert.True(t, ok)
	assert.Equal(t, "b", node.ID)

	_, ok = stream.Next()
	assert.False(t, ok)
}

func Test_Refresh_DropsReservations(t *testing.T) {
	directory := &fakeDirectory{
		nodes: []models.Node{
			upNode("a", models.ResourceUnits{SRU: 100}),
		},
	}

	sched, err := New(context.Background(), Config{Directory: directory, FarmName: "freefarm", Seed: 1})
	assert.NoError(t, err)

	stream, err := sched.NodesByCapacity(context.Background(), models.CapacityQuery{SRU: 100})
	assert.NoError(t, err)
	_, ok := stream.Next()
	assert.True(t, ok)

	stream, err = sched.NodesByCapacity(context.Background(), models.CapacityQuery{SRU: 100})
	assert.NoError(t, err)
	_, ok = stream.Next()
	assert.False(t, ok)

	sched.Refresh(false)

	stream, err = sched.NodesByCapacity(context.Background(), models.CapacityQuery{SRU: 100})
	assert.NoError(t, err)
	_, ok = stream.Next()
	assert.True(t, ok)
}
