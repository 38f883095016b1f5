package pool

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/js-next/gridvdc/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

type fakeDirectory struct {
	farm  models.Farm
	nodes []models.Node
}

func (f *fakeDirectory) SearchNodes(ctx context.Context, farmName string) ([]models.Node, error) {
	return f.nodes, nil
}

func (f *fakeDirectory) GetFarm(ctx context.Context, name string) (models.Farm, error) {
	return f.farm, nil
}

func (f *fakeDirectory) GetFarmByID(ctx context.Context, id uint64) (models.Farm, error) {
	return f.farm, nil
}

type fakeRegistry struct {
	pools map[uint64]models.Pool

	nextReservation uint64
	created         []Units
	extended        map[uint64][]Units
	extendNodeIDs   []string

	// Reservations confirm instantly: paying is the gateway's concern.
	confirm func(poolID uint64, units Units)
}

func newFakeRegistry() *fakeRegistry {
	r := &fakeRegistry{
		pools:    make(map[uint64]models.Pool),
		extended: make(map[uint64][]Units),
	}
	r.confirm = func(poolID uint64, units Units) {
		pool := r.pools[poolID]
		pool.ID = poolID
		pool.CUs += units.CU
		pool.SUs += units.SU
		pool.IPv4Us += units.IPv4U
		r.pools[poolID] = pool
	}

	return r
}

func (r *fakeRegistry) ListPools(ctx context.Context) ([]models.Pool, error) {
	pools := make([]models.Pool, 0, len(r.pools))
	for _, pool := range r.pools {
		pools = append(pools, pool)
	}

	return pools, nil
}

func (r *fakeRegistry) GetPool(ctx context.Context, id uint64) (models.Pool, error) {
	pool, ok := r.pools[id]
	if !ok {
		return models.Pool{}, fmt.Errorf("pool %d not found", id)
	}

	return pool, nil
}

func (r *fakeRegistry) CreatePool(ctx context.Context, farmName string, units Units) (models.PoolReservation, error) {
	r.nextReservation++
	poolID := r.nextReservation + 100
	r.pools[poolID] = models.Pool{ID: poolID, FarmID: 1}
	r.created = append(r.created, units)
	r.confirm(poolID, units)

	return models.PoolReservation{
		ID:            r.nextReservation,
		PoolID:        poolID,
		EscrowAddress: "escrow",
		Amount:        decimal.RequireFromString("10"),
		Asset:         "TFT",
	}, nil
}

func (r *fakeRegistry) ExtendPool(ctx context.Context, id uint64, units Units, nodeIDs []string) (models.PoolReservation, error) {
	r.extended[id] = append(r.extended[id], units)
	r.extendNodeIDs = nodeIDs
	r.confirm(id, units)

	return models.PoolReservation{
		ID:            9000,
		PoolID:        id,
		EscrowAddress: "escrow",
		Amount:        decimal.RequireFromString("5"),
		Asset:         "TFT",
	}, nil
}

type fakeGateway struct {
	balance   decimal.Decimal
	transfers []decimal.Decimal
	failFirst int
	effects   map[string][]models.TransactionEffect
}

func (g *fakeGateway) Transfer(ctx context.Context, address string, amount decimal.Decimal, asset string) (string, error) {
	if g.failFirst > 0 {
		g.failFirst--
		return "", fmt.Errorf("horizon unavailable")
	}
	g.transfers = append(g.transfers, amount)

	return fmt.Sprintf("tx-%d", len(g.transfers)), nil
}

func (g *fakeGateway) Balances(ctx context.Context, wallet string) ([]models.Balance, error) {
	return []models.Balance{{Asset: "TFT", Amount: g.balance}}, nil
}

func (g *fakeGateway) TransactionEffects(ctx context.Context, hash string) ([]models.TransactionEffect, error) {
	return g.effects[hash], nil
}

func newManager(registry *fakeRegistry, gateway *fakeGateway) *Manager {
	return New(Config{
		Registry:       registry,
		Gateway:        gateway,
		Directory:      &fakeDirectory{farm: models.Farm{ID: 1, Name: "freefarm"}, nodes: []models.Node{{ID: "a"}, {ID: "b"}}},
		Wallet:         "ops",
		Asset:          "TFT",
		PaymentTimeout: 200 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	})
}

func Test_GetOrCreate_CreatesAndPays(t *testing.T) {
	registry := newFakeRegistry()
	gateway := &fakeGateway{balance: decimal.RequireFromString("100")}
	manager := newManager(registry, gateway)

	id, err := manager.GetOrCreate(context.Background(), Request{
		FarmName: "freefarm",
		Units:    Units{CU: 1.2, SU: 3.7},
	})
	assert.NoError(t, err)
	assert.NotZero(t, id)

	// Fractions round up before money moves.
	assert.Equal(t, []Units{{CU: 2, SU: 4}}, registry.created)
	assert.Len(t, gateway.transfers, 1)
	assert.Equal(t, []string{"tx-1"}, manager.TransactionHashes())
}

func Test_GetOrCreate_ExtendsExistingPool(t *testing.T) {
	registry := newFakeRegistry()
	registry.pools[7] = models.Pool{ID: 7, FarmID: 1, CUs: 10, SUs: 10}
	gateway := &fakeGateway{balance: decimal.RequireFromString("100")}
	manager := newManager(registry, gateway)

	id, err := manager.GetOrCreate(context.Background(), Request{
		FarmName: "freefarm",
		Units:    Units{SU: 2},
	})
	assert.NoError(t, err)
	assert.Equal(t, uint64(7), id)
	assert.Equal(t, []Units{{SU: 2}}, registry.extended[7])
	assert.ElementsMatch(t, []string{"a", "b"}, registry.extendNodeIDs)
}

func Test_GetOrCreate_ZeroUnitsLooksUpOnly(t *testing.T) {
	registry := newFakeRegistry()
	registry.pools[7] = models.Pool{ID: 7, FarmID: 1}
	gateway := &fakeGateway{balance: decimal.RequireFromString("100")}
	manager := newManager(registry, gateway)

	id, err := manager.GetOrCreate(context.Background(), Request{FarmName: "freefarm"})
	assert.NoError(t, err)
	assert.Equal(t, uint64(7), id)
	assert.Empty(t, registry.extended)
	assert.Empty(t, gateway.transfers)
}

func Test_Extend_IsMonotonic(t *testing.T) {
	registry := newFakeRegistry()
	registry.pools[7] = models.Pool{ID: 7, FarmID: 1, CUs: 5, SUs: 5, NodeIDs: []string{"a"}}
	gateway := &fakeGateway{balance: decimal.RequireFromString("100")}
	manager := newManager(registry, gateway)

	assert.NoError(t, manager.Extend(context.Background(), 7, Units{CU: 0.1, SU: 0.1}))
	assert.NoError(t, manager.Extend(context.Background(), 7, Units{CU: 0.1, SU: 0.1}))

	pool := registry.pools[7]
	assert.Equal(t, 7.0, pool.CUs)
	assert.Equal(t, 7.0, pool.SUs)
}

func Test_Pay_InsufficientFundsFailsFast(t *testing.T) {
	registry := newFakeRegistry()
	gateway := &fakeGateway{balance: decimal.RequireFromString("1")}
	manager := newManager(registry, gateway)

	_, err := manager.GetOrCreate(context.Background(), Request{
		FarmName: "freefarm",
		Units:    Units{SU: 1},
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Empty(t, gateway.transfers)
}

func Test_Pay_RetriesTransientFailures(t *testing.T) {
	registry := newFakeRegistry()
	gateway := &fakeGateway{balance: decimal.RequireFromString("100"), failFirst: 2}
	manager := newManager(registry, gateway)

	_, err := manager.GetOrCreate(context.Background(), Request{
		FarmName: "freefarm",
		Units:    Units{SU: 1},
	})
	assert.NoError(t, err)
	assert.Len(t, gateway.transfers, 1)
}

func Test_InitializationFee(t *testing.T) {
	registry := newFakeRegistry()
	gateway := &fakeGateway{balance: decimal.RequireFromString("100")}
	manager := newManager(registry, gateway)

	_, err := manager.GetOrCreate(context.Background(), Request{
		FarmName: "freefarm",
		Units:    Units{SU: 1},
	})
	assert.NoError(t, err)

	gateway.effects = map[string][]models.TransactionEffect{
		"tx-1": {
			{Asset: "TFT", Amount: decimal.RequireFromString("10")},
			// Refund legs and foreign assets stay out of the fee.
			{Asset: "TFT", Amount: decimal.RequireFromString("-2")},
			{Asset: "XLM", Amount: decimal.RequireFromString("3")},
		},
	}

	fee, err := manager.InitializationFee(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "10", fee.String())
}

func Test_WaitPayment_Timeout(t *testing.T) {
	registry := newFakeRegistry()
	registry.pools[7] = models.Pool{ID: 7, FarmID: 1}
	gateway := &fakeGateway{balance: decimal.RequireFromString("100")}
	manager := newManager(registry, gateway)

	err := manager.WaitPayment(context.Background(), 7, 100, 100)
	assert.ErrorIs(t, err, ErrPaymentTimeout)
}
